package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestMessagesGoToTheRightStream(t *testing.T) {
	u, out, errOut := newTestUI()

	u.Info("crawling %s", "octo/lib")
	u.Success("%d records", 3)
	u.Warning("rate limit low")
	u.Error("failed")

	assert.Contains(t, out.String(), "crawling octo/lib")
	assert.Contains(t, out.String(), "3 records")
	assert.NotContains(t, out.String(), "rate limit low")
	assert.Contains(t, errOut.String(), "rate limit low")
	assert.Contains(t, errOut.String(), "failed")
}

func TestVerboseLog(t *testing.T) {
	u, out, _ := newTestUI()
	u.VerboseLog("hidden")
	assert.Empty(t, out.String())

	u.Verbose = true
	u.VerboseLog("shown")
	assert.Contains(t, out.String(), "shown")
}

func TestColors(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	assert.Equal(t, "0", CountColor(0))
	assert.Equal(t, "5", FailureColor(5))
	assert.Equal(t, "10/5000", RateColor(10, 5000))
	assert.Equal(t, "0/0", RateColor(0, 0))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()

	table := u.Table([]string{"Repository", "Records"})
	require.NoError(t, table.Append([]string{"octo/lib", "2"}))
	require.NoError(t, table.Render())

	assert.Contains(t, out.String(), "octo/lib")
	assert.Contains(t, strings.ToLower(out.String()), "repository")
}

// Package replay sends captured chat-completion requests to a hosted model.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/wesm/gfi-provenance/internal/models"
)

var requestFilePattern = regexp.MustCompile(`^request_(\d+)\.txt$`)

// Completer produces a model response for a conversation
type Completer interface {
	Complete(ctx context.Context, system string, msgs []models.ChatMessage, maxTokens int64) (string, error)
}

// RequestFile is one captured request on disk
type RequestFile struct {
	Sequence int
	Path     string
}

// Result is the outcome of replaying one file
type Result struct {
	RequestFile
	Response string
	Err      error
}

// ListRequestFiles returns the captured requests in dir ordered by sequence number
func ListRequestFiles(dir string) ([]RequestFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read request directory: %w", err)
	}

	var files []RequestFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := requestFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		files = append(files, RequestFile{Sequence: n, Path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Sequence < files[j].Sequence })
	return files, nil
}

// LoadRequest reads a captured request
func LoadRequest(path string) (*models.ChatRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var req models.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &req, nil
}

// SplitSystem separates system messages from the conversation.
// Multiple system messages are joined with blank lines.
func SplitSystem(msgs []models.ChatMessage) (string, []models.ChatMessage) {
	var system []string
	var rest []models.ChatMessage
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// Replayer replays captured requests one at a time
type Replayer struct {
	completer Completer
	maxTokens int64
}

// New creates a replayer. maxTokens <= 0 uses each request's own max_tokens.
func New(c Completer, maxTokens int) *Replayer {
	return &Replayer{completer: c, maxTokens: int64(maxTokens)}
}

// Run replays every file in order. Failures are reported per file and do not
// stop the remaining files; a cancelled context does.
func (r *Replayer) Run(ctx context.Context, files []RequestFile) []Result {
	results := make([]Result, 0, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}

		res := Result{RequestFile: f}
		res.Response, res.Err = r.replayOne(ctx, f.Path)
		if res.Err != nil {
			log.Printf("Failed to replay %s: %v", f.Path, res.Err)
		}
		results = append(results, res)
	}
	return results
}

func (r *Replayer) replayOne(ctx context.Context, path string) (string, error) {
	req, err := LoadRequest(path)
	if err != nil {
		return "", err
	}

	system, msgs := SplitSystem(req.Messages)
	if len(msgs) == 0 {
		return "", fmt.Errorf("no user or assistant messages in %s", path)
	}

	maxTokens := r.maxTokens
	if maxTokens <= 0 {
		maxTokens = int64(req.MaxTokens)
	}
	return r.completer.Complete(ctx, system, msgs, maxTokens)
}

// AnthropicCompleter completes conversations with the Anthropic Messages API
type AnthropicCompleter struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewAnthropicCompleter creates a completer with the given API key and model
func NewAnthropicCompleter(apiKey, model string, opts ...option.RequestOption) *AnthropicCompleter {
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicCompleter{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// Complete sends one conversation and returns the first text block of the reply
func (c *AnthropicCompleter) Complete(ctx context.Context, system string, msgs []models.ChatMessage, maxTokens int64) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(msgs)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}

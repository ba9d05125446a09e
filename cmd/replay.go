package main

import (
	"errors"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wesm/gfi-provenance/config"
	"github.com/wesm/gfi-provenance/internal/output"
	"github.com/wesm/gfi-provenance/internal/replay"
)

const previewLen = 60

var (
	replayDir       string
	replayModel     string
	replayMaxTokens int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send captured requests to a hosted model and show the responses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return replayRun(cmd)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayDir, "dir", "", "Directory of captured requests (default server.request_dir)")
	replayCmd.Flags().StringVar(&replayModel, "model", "", "Model to replay against (default from config)")
	replayCmd.Flags().IntVar(&replayMaxTokens, "max-tokens", 0, "Response token limit (default from config)")
	rootCmd.AddCommand(replayCmd)
}

func replayRun(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dir := cfg.Server.RequestDir
	if replayDir != "" {
		dir = replayDir
	}
	if replayModel != "" {
		cfg.Replay.Model = replayModel
	}
	if cmd.Flags().Changed("max-tokens") {
		cfg.Replay.MaxTokens = replayMaxTokens
	}
	if cfg.Replay.AnthropicAPIKey == "" {
		return errors.New("no API key; set " + config.EnvAnthropicKey + " or replay.anthropic_api_key")
	}

	files, err := replay.ListRequestFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		ui.Info("No captured requests in %s", dir)
		return nil
	}

	ui.Info("Replaying %d requests against %s", len(files), cfg.Replay.Model)
	completer := replay.NewAnthropicCompleter(cfg.Replay.AnthropicAPIKey, cfg.Replay.Model)
	results := replay.New(completer, cfg.Replay.MaxTokens).Run(cmd.Context(), files)

	failed := 0
	table := ui.Table([]string{"#", "Status", "Response"})
	for _, r := range results {
		status, text := output.Green("ok"), preview(r.Response)
		if r.Err != nil {
			failed++
			status, text = output.Red("failed"), preview(r.Err.Error())
		}
		_ = table.Append([]string{strconv.Itoa(r.Sequence), status, text})
		ui.VerboseLog("request %d:\n%s", r.Sequence, r.Response)
	}
	_ = table.Render()

	if len(results) < len(files) {
		ui.Warning("Interrupted after %d of %d requests", len(results), len(files))
	}
	if failed > 0 {
		ui.Warning("%d requests failed", failed)
		return nil
	}
	ui.Success("Replayed %d requests", len(results))
	return nil
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}

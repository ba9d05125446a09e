package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/gfi-provenance/internal/mockserver"
)

const shutdownTimeout = 5 * time.Second

var (
	serveAddr string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a mock chat-completion endpoint that captures every request",
	Long: `Serve listens for POST /chat/completions and writes each valid request
to request_<n>.txt in the request directory, numbering them from sequence.txt.
Point an editor assistant at it to collect the prompts it would send.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveDir, "dir", "", "Directory requests are written to (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func serveRun(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveDir != "" {
		cfg.Server.RequestDir = serveDir
	}

	s, err := mockserver.NewServer(cfg.Server.RequestDir)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	ui.Info("Capturing requests at http://%s/chat/completions into %s", cfg.Server.Addr, cfg.Server.RequestDir)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	ui.Success("Server stopped")
	return nil
}

package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
	"github.com/spherical/pbj/internal/api"
	"github.com/spherical/pbj/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve document status and run history over HTTP",
	Long: `Start a read-only HTTP API over the output folder:

  GET /health
  GET /api/v1/documents
  GET /api/v1/documents/{id}
  GET /api/v1/documents/{id}/output
  GET /api/v1/documents/{id}/pages/{page}/{stage}
  GET /api/v1/runs?limit=N
  GET /api/v1/runs/{runId}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	var history api.RunHistory
	if l := openLedger(context.Background(), cfg, logger); l != nil {
		defer l.Close()
		history = l
	}

	handler := api.NewHandler(cfg.OutputBaseDir, store.New(logger), history, logger)
	srv := &http.Server{
		Addr:         serveAddr,
		Handler:      api.NewRouter(handler, 30*time.Second),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		ui.Info("Serving %s on http://%s", cfg.OutputBaseDir, serveAddr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		return srv.Close()
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/companion/internal/app"
	"github.com/ent0n29/companion/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, cfg, flushLog, err := loadConfig(ctx)
		defer flushLog()
		if err != nil {
			return err
		}
		logger := logging.FromCtx(ctx)

		svc, err := app.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := svc.Cleanup(); err != nil {
				logger.Warn().Err(err).Msg("cleanup failed")
			}
		}()

		runCtx, runCancel := context.WithCancel(ctx)
		defer runCancel()
		svc.Start(runCtx)

		httpServer := &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           svc.API.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().
				Str("addr", cfg.BindAddr).
				Str("voice", svc.Voice.Provider).
				Str("voice_detail", svc.Voice.Detail).
				Msg("server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
		}

		runCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

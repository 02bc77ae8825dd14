package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/logging"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:          "companion",
	Short:        "Conversational companion turn service",
	Long:         `companion screens, contextualizes, generates and remembers conversational turns over HTTP and websockets.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

// loadConfig reads configuration and installs the logger. The returned func
// flushes buffered log output.
func loadConfig(ctx context.Context) (context.Context, config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return ctx, config.Config{}, func() {}, err
	}
	if debug {
		cfg.Debug = true
	}
	ctx, flush := logging.NewContextWithLogger(ctx, cfg.Debug, cfg.LogJSON)
	return ctx, cfg, flush, nil
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NoahCxrest/media-gateway/internal/app"
	"github.com/NoahCxrest/media-gateway/internal/config"
)

var flagListen string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "listen address, overrides listen_addr")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}

	application, err := app.New(cfg, os.Stdout)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("run app: %w", err)
	}
	return nil
}

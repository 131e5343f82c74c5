package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NoahCxrest/media-gateway/internal/config"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:          "gateway",
	Short:        "Caching REST gateway for anime and manga sites",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (defaults to $"+config.EnvPrefix+"_CONFIG)")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

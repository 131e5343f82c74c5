package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NoahCxrest/media-gateway/internal/app"
	"github.com/NoahCxrest/media-gateway/internal/config"
)

var flagCompact bool

func init() {
	fetchCmd := &cobra.Command{
		Use:     "fetch <provider> <operation> [name=value...]",
		Short:   "Run one provider operation through the configured cache and print the result",
		Example: "  gateway fetch zoro search q=one+piece page=2",
		Args:    cobra.MinimumNArgs(2),
		RunE:    runFetch,
	}
	fetchCmd.Flags().BoolVar(&flagCompact, "compact", false, "print JSON on one line")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Logs go to stderr so stdout stays pipeable.
	application, err := app.New(cfg, os.Stderr)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	res, err := application.Fetch(cmd.Context(), args[0], args[1], params)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res, flagCompact)
}

func parseParams(args []string) (url.Values, error) {
	params := url.Values{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("parameter %q is not name=value", arg)
		}
		params.Add(name, value)
	}
	return params, nil
}

func printJSON(w io.Writer, v any, compact bool) error {
	enc := json.NewEncoder(w)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

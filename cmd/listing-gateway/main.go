// Command listing-gateway serves the listing pipeline over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "listing-gateway",
		Short:        "Turn product photos into published marketplace listings",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "path to config.yaml")
	root.PersistentFlags().String("log-level", "info", "debug, info, warn or error")

	root.AddCommand(newServeCmd(), newHashKeyCmd(), newDefaultsCmd())
	return root
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	name, _ := cmd.Flags().GetString("log-level")
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", name)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

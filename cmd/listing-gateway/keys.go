package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/listing-gateway/internal/adapters/auth/apikey"
)

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the SHA-256 hash of an API key for config.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash := apikey.HashAPIKey(args[0])
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "SHA-256 Hash: %s\n", hash)
			fmt.Fprintln(out, "\nAdd this to your config.yaml:")
			fmt.Fprintf(out, "  api_keys:\n")
			fmt.Fprintf(out, "    - key_hash: \"%s\"\n", hash)
			fmt.Fprintf(out, "      description: \"Generated key\"\n")
			return nil
		},
	}
}

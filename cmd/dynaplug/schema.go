// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
)

// schemaConfig holds configuration for the schema command.
type schemaConfig struct {
	output string
}

// newSchemaCmd creates the schema subcommand with all flags configured.
func newSchemaCmd() *cobra.Command {
	cfg := &schemaConfig{}

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the plugin manifest JSON Schema",
		Long: `Generate the JSON Schema that plugin manifests are validated
against and print it, or write it to a file with --output.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchema(cmd, cfg)
		},
	}

	// Register flags
	cmd.Flags().StringVarP(&cfg.output, "output", "o", "", "write the schema to this file instead of stdout")

	return cmd
}

// runSchema executes the schema command.
func runSchema(cmd *cobra.Command, cfg *schemaConfig) error {
	blob, err := plugin.GenerateSchema()
	if err != nil {
		return err
	}

	if cfg.output == "" {
		cmd.Println(string(blob))
		return nil
	}
	if dir := filepath.Dir(cfg.output); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(cfg.output, blob, 0o600)
}

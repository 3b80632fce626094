// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the dynaplug CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dynaplug",
		Short: "Dynaplug - a dynamic plugin host",
		Long: `Dynaplug hosts out-of-process plugins: it discovers, loads, and
supervises plugin binaries, resolves their dependencies, and wires
them together over a typed message bus.`,
		SilenceUsage: true,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")

	// Add subcommands
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newLoadCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dynaplug/dynaplug/internal/plugin/loader"
	"github.com/dynaplug/dynaplug/pkg/pluginsdk"
)

// inspectConfig holds configuration for the inspect command.
type inspectConfig struct {
	jsonOutput bool
}

// inspectReport is the JSON shape of the inspect output.
type inspectReport struct {
	Metadata      pluginsdk.Metadata `json:"metadata"`
	APICompatible bool               `json:"api_compatible"`
}

// newInspectCmd creates the inspect subcommand with all flags configured.
func newInspectCmd() *cobra.Command {
	cfg := &inspectConfig{}

	cmd := &cobra.Command{
		Use:   "inspect <plugin-dir>",
		Short: "Show the metadata of a single plugin",
		Long: `Read and validate a plugin directory's manifest and print the
parsed metadata. The plugin binary is not executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, cfg, args[0])
		},
	}

	// Register flags
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output metadata as JSON")

	return cmd
}

// runInspect executes the inspect command.
func runInspect(cmd *cobra.Command, cfg *inspectConfig, dir string) error {
	desc, err := loader.New().QueryMetadata(dir)
	if err != nil {
		return err
	}

	report := inspectReport{
		Metadata:      desc.Metadata(),
		APICompatible: desc.CompatibleWithHost(),
	}

	if cfg.jsonOutput {
		blob, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(blob))
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\t%s\n", desc.ID)
	_, _ = fmt.Fprintf(w, "Name\t%s\n", desc.Name)
	_, _ = fmt.Fprintf(w, "Version\t%s\n", desc.Version)
	if desc.Description != "" {
		_, _ = fmt.Fprintf(w, "Description\t%s\n", desc.Description)
	}
	if desc.Author != "" {
		_, _ = fmt.Fprintf(w, "Author\t%s\n", desc.Author)
	}
	if desc.License != "" {
		_, _ = fmt.Fprintf(w, "License\t%s\n", desc.License)
	}
	_, _ = fmt.Fprintf(w, "Priority\t%s\n", desc.Priority)
	_, _ = fmt.Fprintf(w, "Capabilities\t%s\n", strings.Join(desc.Capabilities.Names(), ","))
	_, _ = fmt.Fprintf(w, "Dependencies\t%s\n", formatDependencies(desc.Dependencies))
	_, _ = fmt.Fprintf(w, "API version\t%d (compatible: %t)\n", desc.APIVersion, report.APICompatible)
	return w.Flush()
}

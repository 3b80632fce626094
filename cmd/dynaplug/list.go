// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dynaplug/dynaplug/internal/logging"
	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/internal/plugin/manager"
)

// listConfig holds configuration for the list command.
type listConfig struct {
	jsonOutput bool
}

// newListCmd creates the list subcommand with all flags configured.
func newListCmd() *cobra.Command {
	cfg := &listConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins found under the search paths",
		Long: `Scan the configured search paths and print the metadata of every
plugin found. Nothing is loaded; only manifests are read.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, cfg)
		},
	}

	// Register flags
	registerHostFlags(cmd.Flags())
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output plugin metadata as JSON")

	return cmd
}

// runList executes the list command.
func runList(cmd *cobra.Command, cfg *listConfig) error {
	host, err := loadHostConfig(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	logger := logging.Setup("dynaplug", version, "text", logging.ParseLevel("warn"), os.Stderr)

	m := manager.New(manager.WithLogger(logger))
	defer func() {
		_ = m.Shutdown(context.Background())
	}()

	for _, dir := range host.SearchPaths {
		if err := m.AddSearchPath(dir); err != nil {
			logger.Warn("skipping search path", slog.String("dir", dir), slog.Any("error", err))
		}
	}
	descs, err := m.DiscoverPlugins()
	if err != nil {
		return err
	}

	if cfg.jsonOutput {
		metas := make([]any, 0, len(descs))
		for _, d := range descs {
			metas = append(metas, d.Metadata())
		}
		blob, err := json.MarshalIndent(metas, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(blob))
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tPRIORITY\tCAPABILITIES\tDEPENDENCIES")
	for _, d := range descs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Version, d.Priority,
			strings.Join(d.Capabilities.Names(), ","),
			formatDependencies(d.Dependencies))
	}
	return w.Flush()
}

// formatDependencies renders dependency declarations as "id@range"
// terms, marking optional ones.
func formatDependencies(deps []plugin.Dependency) string {
	if len(deps) == 0 {
		return "-"
	}
	terms := make([]string, 0, len(deps))
	for _, dep := range deps {
		term := dep.ID
		if dep.Raw != "" {
			term += "@" + dep.Raw
		}
		if dep.Optional {
			term += " (optional)"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, ", ")
}

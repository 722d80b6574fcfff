// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nukleus/jobagent/internal/buildinfo"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "jobagent",
		Short:         "Reconciliation job runner",
		Long:          "jobagent scans the data store for drift, computes repairs and applies them on schedules, change events and manual requests.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       buildinfo.Version,
	}
	root.SetVersionTemplate(fmt.Sprintf("jobagent %s\n", buildinfo.Version))
	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory or config.toml path (default: user config dir)")

	root.AddCommand(
		RunServeCommand(&configDir),
		RunJobCommand(&configDir),
		RunListJobsCommand(&configDir),
		RunListRunsCommand(&configDir),
		RunDBCommand(&configDir),
		RunVersionCommand(),
	)
	return root
}

func RunVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON {
				b, err := buildinfo.JSON()
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}
			cmd.Print(buildinfo.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

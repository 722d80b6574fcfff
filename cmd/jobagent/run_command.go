// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nukleus/jobagent/internal/reconcile"
)

// debugConfig is the YAML file accepted by run --debug-config. Params are
// merged under the --param flags.
type debugConfig struct {
	Params    map[string]string `yaml:"params"`
	BatchSize int               `yaml:"batchSize"`
	RunBudget string            `yaml:"runBudget"`
}

func loadDebugConfig(path string) (*debugConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read debug config: %w", err)
	}
	var dc debugConfig
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return nil, fmt.Errorf("parse debug config %s: %w", path, err)
	}
	return &dc, nil
}

func (dc *debugConfig) driverConfig() (reconcile.DriverConfig, error) {
	out := reconcile.DriverConfig{BatchSize: dc.BatchSize}
	if dc.RunBudget != "" {
		d, err := time.ParseDuration(dc.RunBudget)
		if err != nil {
			return out, fmt.Errorf("debug config runBudget: %w", err)
		}
		out.RunBudget = d
	}
	return out, nil
}

// parseParams turns repeated key=value flags into a map.
func parseParams(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

func RunJobCommand(configDir *string) *cobra.Command {
	var (
		rawParams []string
		debugPath string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run one job once and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}

			var override reconcile.DriverConfig
			if debugPath != "" {
				dc, err := loadDebugConfig(debugPath)
				if err != nil {
					return err
				}
				for k, v := range dc.Params {
					if _, set := params[k]; !set {
						params[k] = v
					}
				}
				if override, err = dc.driverConfig(); err != nil {
					return err
				}
			}

			cfg, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			defer cfg.CloseLogger()

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			driver := a.newDriver(reconcile.LogReporter{}, override)
			report, err := driver.Run(cmd.Context(), reconcile.RunRequest{
				Job:     args[0],
				Trigger: reconcile.TriggerManual,
				Params:  params,
				Invoker: reconcile.Identity{UserID: "cli"},
			})
			var scanErr *reconcile.ScanError
			if err != nil && !errors.As(err, &scanErr) {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return encErr
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "Job parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&debugPath, "debug-config", "", "YAML file with params and run settings for a one-off debug run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")
	return cmd
}

func printReport(w io.Writer, r *reconcile.RunReport) {
	fmt.Fprintf(w, "Job:      %s (run %d, %s)\n", r.Job, r.RunID, r.Trigger)
	fmt.Fprintf(w, "Status:   %s in %s\n", r.Status, r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "Targets:  %d scanned, %d clean, %d fixed, %d failed, %d skipped, %d orphans\n",
		r.Scanned, r.Clean, r.Fixed, r.Failed, r.Skipped, r.Orphans)
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}

	for _, a := range r.Actions {
		state := "ok"
		if !a.OK() {
			state = "failed: " + a.Error
		}
		fmt.Fprintf(w, "  action  %-12s %s %s (%s)\n", a.Kind, a.Target, a.Description, state)
	}
	for _, f := range r.Findings {
		fmt.Fprintf(w, "  %-7s %s %s\n", f.Severity, f.Target, f.Message)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failed  %s [%s] %s\n", f.Target, f.Phase, f.Error)
	}
	if len(r.Actions)+len(r.Findings)+len(r.Failures) == 0 && r.Status == reconcile.RunStatusCompleted {
		fmt.Fprintln(w, "Nothing to repair.")
	}
}

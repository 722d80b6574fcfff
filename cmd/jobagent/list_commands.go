// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

func RunListJobsCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List registered jobs and their triggers",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRIGGER\tPARAMS\tDESCRIPTION")
			for _, d := range a.registry.Descriptors() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, triggerLabel(d), paramsLabel(d.Params), d.Description)
			}
			return tw.Flush()
		},
	}
}

func triggerLabel(d reconcile.Descriptor) string {
	switch d.Trigger {
	case reconcile.TriggerCron:
		return "cron " + d.Schedule
	case reconcile.TriggerInterval:
		return "every " + d.Interval.String()
	case reconcile.TriggerWatch:
		return "watch " + strings.Join(d.Watch, ",")
	default:
		return string(d.Trigger)
	}
}

func paramsLabel(specs []reconcile.ParamSpec) string {
	if len(specs) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(specs))
	for _, p := range specs {
		label := p.Name + ":" + string(p.Type)
		if p.Default != "" {
			label += "=" + p.Default
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, " ")
}

func RunListRunsCommand(configDir *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [job]",
		Short: "Show recent runs, optionally of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			defer cfg.CloseLogger()

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			job := ""
			if len(args) == 1 {
				job = args[0]
			}

			runs, err := models.NewJobRunStore(db).List(cmd.Context(), job, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				cmd.Println("No runs recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tJOB\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tSCANNED\tFIXED\tFAILED")
			for _, r := range runs {
				duration := "-"
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					r.ID, r.Job, r.Trigger, r.Status, humanize.Time(r.StartedAt), duration,
					humanize.Comma(int64(r.Scanned)), r.Fixed, r.Failed)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}

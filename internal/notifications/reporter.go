// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notifications

import (
	"context"

	"github.com/nukleus/jobagent/internal/reconcile"
)

// RunReporter turns notable run reports into admin notifications.
type RunReporter struct {
	notifier Notifier
	registry *reconcile.Registry
}

func NewRunReporter(notifier Notifier, registry *reconcile.Registry) *RunReporter {
	return &RunReporter{notifier: notifier, registry: registry}
}

func (r *RunReporter) Report(_ context.Context, report *reconcile.RunReport) error {
	if r == nil || r.notifier == nil || !report.Notable() {
		return nil
	}
	r.notifier.Notify(r.event(report))
	return nil
}

func (r *RunReporter) event(report *reconcile.RunReport) Event {
	ev := Event{
		Job:     report.Job,
		RunID:   report.RunID,
		Trigger: string(report.Trigger),
		Scanned: report.Scanned,
		Fixed:   report.Fixed,
		Failed:  report.Failed,
		Orphans: report.Orphans,
		Summary: r.summary(report),
	}
	switch {
	case report.Status == reconcile.RunStatusFailed:
		ev.Type = EventRunFailed
		ev.ErrorMessage = report.Error
	case report.Partial:
		ev.Type = EventRunPartial
	case report.Failed > 0 || report.Orphans > 0:
		ev.Type = EventRunIssues
	default:
		ev.Type = EventRunRepaired
	}
	return ev
}

// summary prefers the job's own wording and falls back to the generic
// report summary.
func (r *RunReporter) summary(report *reconcile.RunReport) string {
	if r.registry != nil {
		if job, err := r.registry.Get(report.Job); err == nil {
			if n, ok := job.(reconcile.Notable); ok {
				if s := n.Summarize(report); s != "" {
					return s
				}
			}
		}
	}
	return report.Summary()
}

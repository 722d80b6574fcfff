// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/metrics/collector"
	"github.com/nukleus/jobagent/internal/reconcile"
)

type Manager struct {
	registry     *prometheus.Registry
	jobCollector *JobCollector
	runs         *collector.RunCollector
}

func NewManager(jobs JobStates) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jobCollector := NewJobCollector(jobs)
	registry.MustRegister(jobCollector)

	log.Info().Msg("Metrics manager initialized with job collectors")

	return &Manager{
		registry:     registry,
		jobCollector: jobCollector,
		runs:         collector.NewRunCollector(registry),
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Report records a finished run. It is a reconcile.Reporter.
func (m *Manager) Report(_ context.Context, r *reconcile.RunReport) error {
	m.runs.GetRunTotal(r.Job, string(r.Trigger), string(r.Status)).Inc()
	m.runs.RunDuration.WithLabelValues(r.Job).Observe(r.Duration().Seconds())
	if !r.CompletedAt.IsZero() {
		m.runs.LastRunFinished.WithLabelValues(r.Job).Set(float64(r.CompletedAt.Unix()))
	}

	for outcome, n := range map[string]int{
		"clean":   r.Clean,
		"fixed":   r.Fixed,
		"failed":  r.Failed,
		"skipped": r.Skipped,
	} {
		if n > 0 {
			m.runs.GetTargetTotal(r.Job, outcome).Add(float64(n))
		}
	}
	if r.Orphans > 0 {
		m.runs.OrphanTotal.WithLabelValues(r.Job).Add(float64(r.Orphans))
	}

	for _, a := range r.Actions {
		result := "ok"
		if !a.OK() {
			result = "error"
		}
		m.runs.GetActionTotal(r.Job, string(a.Kind), result).Inc()
	}
	return nil
}

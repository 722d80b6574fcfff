// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

type RunCollector struct {
	RunTotal        *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	TargetTotal     *prometheus.CounterVec
	ActionTotal     *prometheus.CounterVec
	OrphanTotal     *prometheus.CounterVec
	LastRunFinished *prometheus.GaugeVec
}

func NewRunCollector(r *prometheus.Registry) *RunCollector {
	m := &RunCollector{
		RunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobagent",
			Subsystem: "job",
			Name:      "run_total",
			Help:      "Total number of reconciliation runs by final status",
		}, []string{"job", "trigger", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobagent",
			Subsystem: "job",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of reconciliation runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job"}),
		TargetTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobagent",
			Subsystem: "job",
			Name:      "targets_total",
			Help:      "Total number of targets by outcome",
		}, []string{"job", "outcome"}),
		ActionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobagent",
			Subsystem: "job",
			Name:      "actions_total",
			Help:      "Total number of applied actions by kind and result",
		}, []string{"job", "kind", "result"}),
		OrphanTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobagent",
			Subsystem: "job",
			Name:      "orphans_total",
			Help:      "Total number of orphans surfaced by scans",
		}, []string{"job"}),
		LastRunFinished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobagent",
			Subsystem: "job",
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the last run of a job finished",
		}, []string{"job"}),
	}

	r.MustRegister(m.RunTotal)
	r.MustRegister(m.RunDuration)
	r.MustRegister(m.TargetTotal)
	r.MustRegister(m.ActionTotal)
	r.MustRegister(m.OrphanTotal)
	r.MustRegister(m.LastRunFinished)
	return m
}

func (m *RunCollector) GetRunTotal(job, trigger, status string) prometheus.Counter {
	return m.RunTotal.With(prometheus.Labels{"job": job, "trigger": trigger, "status": status})
}

func (m *RunCollector) GetTargetTotal(job, outcome string) prometheus.Counter {
	return m.TargetTotal.With(prometheus.Labels{"job": job, "outcome": outcome})
}

func (m *RunCollector) GetActionTotal(job, kind, result string) prometheus.Counter {
	return m.ActionTotal.With(prometheus.Labels{"job": job, "kind": kind, "result": result})
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/reconcile"
)

// JobStates exposes the registered jobs and the phase each is in.
// *reconcile.Driver satisfies it.
type JobStates interface {
	Registry() *reconcile.Registry
	State(job string) reconcile.State
}

var allStates = []reconcile.State{
	reconcile.StateIdle,
	reconcile.StateScanning,
	reconcile.StateDiffing,
	reconcile.StateApplying,
	reconcile.StateReporting,
}

type JobCollector struct {
	jobs JobStates

	jobStateDesc   *prometheus.Desc
	jobTriggerDesc *prometheus.Desc
}

func NewJobCollector(jobs JobStates) *JobCollector {
	return &JobCollector{
		jobs: jobs,

		jobStateDesc: prometheus.NewDesc(
			"jobagent_job_state",
			"Current phase of each registered job (1 for the active phase)",
			[]string{"job", "state"},
			nil,
		),
		jobTriggerDesc: prometheus.NewDesc(
			"jobagent_job_info",
			"Registered jobs and their trigger mode",
			[]string{"job", "trigger"},
			nil,
		),
	}
}

func (c *JobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobStateDesc
	ch <- c.jobTriggerDesc
}

func (c *JobCollector) Collect(ch chan<- prometheus.Metric) {
	if c.jobs == nil || c.jobs.Registry() == nil {
		log.Debug().Msg("metrics: no job driver, skipping job metrics")
		return
	}

	for _, d := range c.jobs.Registry().Descriptors() {
		ch <- prometheus.MustNewConstMetric(c.jobTriggerDesc, prometheus.GaugeValue, 1, d.Name, string(d.Trigger))

		current := c.jobs.State(d.Name)
		for _, s := range allStates {
			v := 0.0
			if s == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.jobStateDesc, prometheus.GaugeValue, v, d.Name, string(s))
		}
	}
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	beginTxRecoveryTotal atomic.Uint64
	stmtFallbackTotal    atomic.Uint64
	writesTotal          atomic.Uint64
)

func recordBeginTxRecovery() {
	beginTxRecoveryTotal.Add(1)
}

func recordStmtFallback() {
	stmtFallbackTotal.Add(1)
}

func recordWrite() {
	writesTotal.Add(1)
}

// MetricsCollector exposes database layer counters to prometheus.
type MetricsCollector struct {
	beginTxRecoveryDesc *prometheus.Desc
	stmtFallbackDesc    *prometheus.Desc
	writesDesc          *prometheus.Desc
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		beginTxRecoveryDesc: prometheus.NewDesc(
			"jobagent_db_begin_tx_recovery_total",
			"Number of times BeginTx found a pooled sqlite connection still inside a transaction and rolled it back",
			nil, nil,
		),
		stmtFallbackDesc: prometheus.NewDesc(
			"jobagent_db_stmt_prepare_fallback_total",
			"Number of queries executed unprepared because statement preparation failed",
			nil, nil,
		),
		writesDesc: prometheus.NewDesc(
			"jobagent_db_writes_total",
			"Number of write statements routed to the writer connection",
			nil, nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.beginTxRecoveryDesc
	ch <- c.stmtFallbackDesc
	ch <- c.writesDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.beginTxRecoveryDesc, prometheus.CounterValue, float64(beginTxRecoveryTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.stmtFallbackDesc, prometheus.CounterValue, float64(stmtFallbackTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.writesDesc, prometheus.CounterValue, float64(writesTotal.Load()))
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukleus/jobagent/internal/reconcile"
)

type fakeJob struct {
	desc reconcile.Descriptor
}

func (j fakeJob) Descriptor() reconcile.Descriptor { return j.desc }

func (fakeJob) Scan(context.Context, *reconcile.Env) (*reconcile.WorkSet, error) {
	return &reconcile.WorkSet{}, nil
}

func (fakeJob) Diff(*reconcile.Env, *reconcile.WorkSet, reconcile.Target) ([]reconcile.Action, error) {
	return nil, nil
}

type fakeStates struct {
	registry *reconcile.Registry
	states   map[string]reconcile.State
}

func (f fakeStates) Registry() *reconcile.Registry { return f.registry }

func (f fakeStates) State(job string) reconcile.State {
	if s, ok := f.states[job]; ok {
		return s
	}
	return reconcile.StateIdle
}

func TestNewManager(t *testing.T) {
	manager := NewManager(nil)

	assert.NotNil(t, manager)
	assert.NotNil(t, manager.registry)
	assert.NotNil(t, manager.jobCollector)
	assert.NotNil(t, manager.runs)
}

func TestManager_GetRegistry(t *testing.T) {
	manager := NewManager(nil)

	registry := manager.GetRegistry()

	assert.NotNil(t, registry)
	assert.IsType(t, &prometheus.Registry{}, registry)

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)

	foundGoMetrics := false
	foundProcessMetrics := false

	for _, mf := range metricFamilies {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") {
			foundGoMetrics = true
		}
		if strings.HasPrefix(name, "process_") {
			foundProcessMetrics = true
		}
	}

	assert.True(t, foundGoMetrics, "Go runtime metrics should be registered (go_* metrics)")
	if runtime.GOOS == "darwin" {
		assert.False(t, foundProcessMetrics, "Process metrics should NOT be available on macOS")
	} else {
		assert.True(t, foundProcessMetrics, "Process metrics should be registered on Linux/Windows")
	}
}

func TestManager_RegistryIsolation(t *testing.T) {
	manager1 := NewManager(nil)
	manager2 := NewManager(nil)

	assert.NotSame(t, manager1.registry, manager2.registry, "Each manager should have its own registry")
	assert.NotSame(t, manager1.runs, manager2.runs, "Each manager should have its own run collector")
}

func TestJobCollector(t *testing.T) {
	reg := reconcile.NewRegistry()
	require.NoError(t, reg.Register(fakeJob{desc: reconcile.Descriptor{Name: "folder-size", Trigger: reconcile.TriggerManual}}))
	require.NoError(t, reg.Register(fakeJob{desc: reconcile.Descriptor{Name: "storage-sync", Trigger: reconcile.TriggerInterval, Interval: time.Hour}}))

	c := NewJobCollector(fakeStates{registry: reg, states: map[string]reconcile.State{"storage-sync": reconcile.StateApplying}})

	// 2 info series plus one state series per phase per job
	assert.Equal(t, 2+2*len(allStates), testutil.CollectAndCount(c))

	expected := `
# HELP jobagent_job_info Registered jobs and their trigger mode
# TYPE jobagent_job_info gauge
jobagent_job_info{job="folder-size",trigger="manual"} 1
jobagent_job_info{job="storage-sync",trigger="interval"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "jobagent_job_info"))
}

func TestManager_ReportCountsRun(t *testing.T) {
	manager := NewManager(nil)
	started := time.Now().Add(-3 * time.Second)

	report := &reconcile.RunReport{
		Job:         "storage-sync",
		Trigger:     reconcile.TriggerInterval,
		Status:      reconcile.RunStatusCompleted,
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		Fixed:       2,
		Failed:      1,
		Orphans:     4,
		Actions: []reconcile.ActionResult{
			{Kind: reconcile.KindAddToStorage},
			{Kind: reconcile.KindRemoveFromStorage},
			{Kind: reconcile.KindAddToStorage, Error: "copy failed"},
		},
	}
	require.NoError(t, manager.Report(t.Context(), report))
	require.NoError(t, manager.Report(t.Context(), report))

	assert.InDelta(t, 2, testutil.ToFloat64(manager.runs.GetRunTotal("storage-sync", "interval", "completed")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(manager.runs.GetTargetTotal("storage-sync", "fixed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(manager.runs.GetTargetTotal("storage-sync", "failed")), 0)
	assert.InDelta(t, 8, testutil.ToFloat64(manager.runs.OrphanTotal.WithLabelValues("storage-sync")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(manager.runs.GetActionTotal("storage-sync", string(reconcile.KindAddToStorage), "ok")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(manager.runs.GetActionTotal("storage-sync", string(reconcile.KindAddToStorage), "error")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(manager.runs.RunDuration))
}

func TestManager_MetricsCanBeScraped(t *testing.T) {
	manager := NewManager(nil)

	metricCount := testutil.CollectAndCount(manager.GetRegistry())

	assert.Greater(t, metricCount, 0, "Should be able to collect metrics")
}

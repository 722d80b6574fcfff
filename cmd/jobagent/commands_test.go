// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukleus/jobagent/internal/reconcile"
)

func TestParseParams(t *testing.T) {
	t.Parallel()

	got, err := parseParams([]string{"limit=5", "dry=", "path=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"limit": "5", "dry": "", "path": "a=b"}, got)

	for _, bad := range []string{"novalue", "=x", " =x"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestLoadDebugConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "debug.yaml")
	require.NoError(t, os.WriteFile(path, []byte("params:\n  limit: \"3\"\nbatchSize: 2\nrunBudget: 90s\n"), 0o644))

	dc, err := loadDebugConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"limit": "3"}, dc.Params)

	drv, err := dc.driverConfig()
	require.NoError(t, err)
	assert.Equal(t, reconcile.DriverConfig{BatchSize: 2, RunBudget: 90 * time.Second}, drv)

	dc.RunBudget = "soon"
	_, err = dc.driverConfig()
	assert.Error(t, err)
}

func TestTriggerLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "cron 0 4 * * 0", triggerLabel(reconcile.Descriptor{Trigger: reconcile.TriggerCron, Schedule: "0 4 * * 0"}))
	assert.Equal(t, "every 5m0s", triggerLabel(reconcile.Descriptor{Trigger: reconcile.TriggerInterval, Interval: 5 * time.Minute}))
	assert.Equal(t, "watch folders,items", triggerLabel(reconcile.Descriptor{Trigger: reconcile.TriggerWatch, Watch: []string{"folders", "items"}}))
	assert.Equal(t, "manual", triggerLabel(reconcile.Descriptor{Trigger: reconcile.TriggerManual}))
	assert.Equal(t, "-", paramsLabel(nil))
	assert.Equal(t, "limit:int=0 dry:bool", paramsLabel([]reconcile.ParamSpec{
		{Name: "limit", Type: reconcile.ParamInt, Default: "0"},
		{Name: "dry", Type: reconcile.ParamBool},
	}))
}

func TestRunCommandEndToEnd(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	out := mustRunCommand(t, "--config-dir", configDir, "run", "folder-size")
	assert.Contains(t, out, "Job:      folder-size")
	assert.Contains(t, out, "Status:   completed")
	assert.Contains(t, out, "Nothing to repair.")
	assert.FileExists(t, filepath.Join(configDir, "config.toml"))
	assert.FileExists(t, filepath.Join(configDir, "jobagent.db"))

	out = mustRunCommand(t, "--config-dir", configDir, "run", "folder-size", "--json")
	var report reconcile.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, reconcile.RunStatusCompleted, report.Status)
	assert.Equal(t, reconcile.TriggerManual, report.Trigger)

	out = mustRunCommand(t, "--config-dir", configDir, "runs", "folder-size")
	assert.Contains(t, out, "folder-size")
	assert.Contains(t, out, "completed")

	out = mustRunCommand(t, "--config-dir", configDir, "jobs")
	assert.Contains(t, out, "folder-size")
	assert.Contains(t, out, "storage-sync")
	assert.Contains(t, out, "consistency")

	_, err := runCommand("--config-dir", configDir, "run", "no-such-job")
	require.ErrorIs(t, err, reconcile.ErrUnknownJob)

	_, err = runCommand("--config-dir", configDir, "run", "folder-size", "--param", "bogus=1")
	require.ErrorIs(t, err, reconcile.ErrInvalidParams)
}

func TestDBMigrateCommand(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	out := mustRunCommand(t, "--config-dir", configDir, "db", "migrate")
	assert.Contains(t, out, "Schema up to date")

	_, err := runCommand("db", "transfer-to-postgres", "--from-sqlite", "x.db", "--to-postgres", "postgres://x")
	assert.ErrorContains(t, err, "exactly one of")
}

func TestVersionCommand(t *testing.T) {
	out := mustRunCommand(t, "version", "--json")
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "dev", v["version"])
}

func mustRunCommand(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCommand(args...)
	require.NoError(t, err, out)
	return out
}

func runCommand(args ...string) (string, error) {
	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

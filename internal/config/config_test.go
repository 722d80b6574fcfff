// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
host = "localhost"
port = 8080
apiToken = "test-token"
logLevel = "INFO"
`

func TestDatabasePathConfiguration(t *testing.T) {
	tests := []struct {
		name           string
		content        func(dir string) string
		envVars        map[string]string
		expectedDBPath func(dir string) string
	}{
		{
			name:           "default_next_to_config",
			content:        func(string) string { return minimalConfig },
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "jobagent.db") },
		},
		{
			name: "data_dir",
			content: func(dir string) string {
				return minimalConfig + `dataDir = "` + filepath.Join(dir, "data") + `"` + "\n"
			},
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "data", "jobagent.db") },
		},
		{
			name: "explicit_path_in_config",
			content: func(dir string) string {
				return minimalConfig + `databasePath = "` + filepath.Join(dir, "custom.db") + `"` + "\n"
			},
			expectedDBPath: func(dir string) string { return filepath.Join(dir, "custom.db") },
		},
		{
			name:           "explicit_path_via_env_var",
			content:        func(string) string { return minimalConfig },
			envVars:        map[string]string{"JOBAGENT__DATABASE_PATH": "/var/db/jobagent/jobagent.db"},
			expectedDBPath: func(string) string { return "/var/db/jobagent/jobagent.db" },
		},
		{
			name: "env_var_overrides_config",
			content: func(string) string {
				return minimalConfig + `databasePath = "/original/path.db"` + "\n"
			},
			envVars:        map[string]string{"JOBAGENT__DATABASE_PATH": "/override/path.db"},
			expectedDBPath: func(string) string { return "/override/path.db" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.content(dir))

			cfg, err := New(path)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedDBPath(dir), cfg.GetDatabasePath())
		})
	}
}

func TestNewWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.toml"), cfg.ConfigPath())
	assert.FileExists(t, cfg.ConfigPath())

	assert.Len(t, cfg.Config.APIToken, 48)
	assert.Equal(t, 7480, cfg.Config.Port)
	assert.Equal(t, 10, cfg.Config.BatchSize)
	assert.True(t, cfg.Config.CorrectClient)
	assert.Equal(t, "sqlite", cfg.Config.DatabaseEngine)

	// second load reads the generated file and keeps the token
	again, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Config.APIToken, again.Config.APIToken)
}

func TestStoragesAndJobsDecode(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig+`
[[storages]]
id = "primary"
type = "local"
path = "/srv/objects"

[[storages]]
id = "archive"
type = "s3"
bucket = "acme-archive"
region = "eu-central-1"
requestsPerSecond = 20.5

[jobs.folder-size]
interval = "5m"

[jobs.purge-deleted]
schedule = "0 3 * * *"
params = { purge_after = "48h" }
`)

	cfg, err := New(path)
	require.NoError(t, err)
	require.Len(t, cfg.Config.Storages, 2)
	assert.Equal(t, "local", cfg.Config.Storages[0].Type)
	assert.Equal(t, "acme-archive", cfg.Config.Storages[1].Bucket)
	assert.InDelta(t, 20.5, cfg.Config.Storages[1].RequestsPerSecond, 1e-9)

	assert.Equal(t, "5m", cfg.Config.Job("folder-size").Interval)
	assert.Equal(t, "0 3 * * *", cfg.Config.Job("purge-deleted").Schedule)
	assert.Equal(t, "48h", cfg.Config.Job("purge-deleted").Params["purge_after"])
}

func TestInvalidConfigRejected(t *testing.T) {
	tests := map[string]string{
		"bad log level":     `logLevel = "LOUD"`,
		"storage no bucket": "[[storages]]\nid = \"x\"\ntype = \"s3\"\n",
		"bad interval":      "[jobs.folder-size]\ninterval = \"soon\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), content)
			_, err := New(path)
			require.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JOBAGENT__REDIS_ADDR", "redis:6379")
	t.Setenv("JOBAGENT__BATCH_SIZE", "4")
	t.Setenv("JOBAGENT__NOTIFICATION_URLS", "discord://a@b,generic://example.com")

	path := writeConfig(t, t.TempDir(), minimalConfig)
	cfg, err := New(path)
	require.NoError(t, err)

	assert.True(t, cfg.Config.RedisEnabled())
	assert.Equal(t, 4, cfg.Config.BatchSize)
	assert.Equal(t, []string{"discord://a@b", "generic://example.com"}, cfg.Config.NotificationURLs)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "JOBAGENT__DATABASE_PATH", envName("databasePath"))
	assert.Equal(t, "JOBAGENT__HOST", envName("host"))
	assert.Equal(t, "JOBAGENT__LOCK_TTL_SECONDS", envName("lockTtlSeconds"))
}

func TestDockerEnvironmentCompatibility(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/config")
	assert.Equal(t, "/config", getDefaultConfigDir(), "Docker environment should use /config directly")
}

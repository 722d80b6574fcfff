// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"strings"
	"testing"
)

func TestUpdateLogSettingsInTOMLUpdatesCommentedKeysInPlace(t *testing.T) {
	content := `# config.toml - Auto-generated on first run

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/jobagent.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: 50
#logMaxSize = 50

# Number of rotated log files to retain (0 keeps all)
# Default: 3
#logMaxBackups = 3

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

[jobs.folder-size]
#interval = "5m"
`
	updated := updateLogSettingsInTOML(content, "DEBUG", "/config/jobagent.log", 50, 3)

	jobsIndex := strings.Index(updated, "[jobs.folder-size]")
	if jobsIndex == -1 {
		t.Fatalf("missing jobs section:\n%s", updated)
	}
	if last := strings.LastIndex(updated, "logPath"); last == -1 || last > jobsIndex {
		t.Fatalf("logPath missing or appended after jobs section:\n%s", updated)
	}
	for _, want := range []string{
		`logPath = "/config/jobagent.log"`,
		"logMaxSize = 50",
		"logMaxBackups = 3",
		`logLevel = "DEBUG"`,
	} {
		if !strings.Contains(updated, want) {
			t.Fatalf("%q not updated in place:\n%s", want, updated)
		}
	}
	if strings.Count(updated, "logLevel") != 1 {
		t.Fatalf("logLevel duplicated:\n%s", updated)
	}
}

func TestUpdateLogSettingsInTOMLInsertsMissingKeysBeforeTables(t *testing.T) {
	content := "host = \"localhost\"\n\n[[storages]]\nid = \"primary\"\n"
	updated := updateLogSettingsInTOML(content, "WARN", "", 10, 0)

	storages := strings.Index(updated, "[[storages]]")
	level := strings.Index(updated, `logLevel = "WARN"`)
	if level == -1 || level > storages {
		t.Fatalf("logLevel not inserted before first table:\n%s", updated)
	}
	if !strings.Contains(updated, "logMaxBackups = 0") {
		t.Fatalf("logMaxBackups missing:\n%s", updated)
	}
}

func TestUpdateLogSettingsPersists(t *testing.T) {
	dir := t.TempDir()
	cfg, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = cfg.CloseLogger() })

	if err := cfg.UpdateLogSettings("DEBUG", "", 20, 2); err != nil {
		t.Fatalf("UpdateLogSettings: %v", err)
	}
	raw, err := os.ReadFile(cfg.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `logLevel = "DEBUG"`) || !strings.Contains(string(raw), "logMaxSize = 20") {
		t.Fatalf("settings not written:\n%s", raw)
	}

	reloaded, err := New(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Config.LogLevel != "DEBUG" || reloaded.Config.LogMaxBackups != 2 {
		t.Fatalf("reloaded config = %+v", reloaded.Config)
	}
}

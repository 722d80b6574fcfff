// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// UpdateLogSettings rewrites the log keys of config.toml in place and
// applies them to the running logger.
func (c *AppConfig) UpdateLogSettings(level, path string, maxSize, maxBackups int) error {
	content, err := os.ReadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	updated := updateLogSettingsInTOML(string(content), level, path, maxSize, maxBackups)
	if err := os.WriteFile(c.configPath, []byte(updated), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	c.mu.Lock()
	c.Config.LogLevel = level
	c.Config.LogPath = path
	c.Config.LogMaxSize = maxSize
	c.Config.LogMaxBackups = maxBackups
	c.mu.Unlock()

	c.SetupLogger()
	return nil
}

// updateLogSettingsInTOML sets the four log keys. Existing lines, commented
// or not, are replaced where they stand; missing keys go before the first
// table header.
func updateLogSettingsInTOML(content, level, path string, maxSize, maxBackups int) string {
	values := []struct{ key, value string }{
		{"logLevel", strconv.Quote(level)},
		{"logPath", strconv.Quote(path)},
		{"logMaxSize", strconv.Itoa(maxSize)},
		{"logMaxBackups", strconv.Itoa(maxBackups)},
	}

	lines := strings.Split(content, "\n")
	firstTable := len(lines)
	for i, line := range lines {
		if isTableHeader(line) {
			firstTable = i
			break
		}
	}

	var missing []string
	for _, kv := range values {
		idx := findKeyLine(lines[:firstTable], kv.key)
		entry := kv.key + " = " + kv.value
		if idx >= 0 {
			lines[idx] = entry
			continue
		}
		missing = append(missing, entry)
	}
	if len(missing) == 0 {
		return strings.Join(lines, "\n")
	}

	out := make([]string, 0, len(lines)+len(missing)+1)
	out = append(out, lines[:firstTable]...)
	out = append(out, missing...)
	if firstTable < len(lines) {
		out = append(out, "")
	}
	out = append(out, lines[firstTable:]...)
	return strings.Join(out, "\n")
}

func isTableHeader(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "[")
}

// findKeyLine prefers an active assignment over a commented one.
func findKeyLine(lines []string, key string) int {
	commented := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		active := !strings.HasPrefix(trimmed, "#")
		trimmed = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		name, _, ok := strings.Cut(trimmed, "=")
		if !ok || strings.TrimSpace(name) != key {
			continue
		}
		if active {
			return i
		}
		if commented < 0 {
			commented = i
		}
	}
	return commented
}

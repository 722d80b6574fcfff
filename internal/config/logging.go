// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger installs the global zerolog logger: a console writer on a
// TTY, JSON otherwise, plus a rotating file when logPath is set.
func (c *AppConfig) SetupLogger() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.logCloser != nil {
		_ = c.logCloser()
		c.logCloser = nil
	}

	var out io.Writer = os.Stderr
	if term.IsTerminal(int(os.Stderr.Fd())) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}

	if path := strings.TrimSpace(c.Config.LogPath); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.ConfigDir(), path)
		}
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    max(c.Config.LogMaxSize, 1),
			MaxBackups: max(c.Config.LogMaxBackups, 0),
		}
		c.logCloser = file.Close
		out = zerolog.MultiLevelWriter(out, file)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	setLevel(c.Config.LogLevel)
}

// CloseLogger releases the rotating log file, if any.
func (c *AppConfig) CloseLogger() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logCloser == nil {
		return nil
	}
	err := c.logCloser()
	c.logCloser = nil
	return err
}

func setLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package testdb hands tests a migrated SQLite database without paying the
// migration cost per test.
package testdb

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nukleus/jobagent/internal/database"
)

type template struct {
	once sync.Once
	path string
	err  error
}

var (
	templatesMu sync.Mutex
	templates   = make(map[string]*template)
)

// Open returns a fresh migrated database for t, closed on cleanup.
func Open(t testing.TB, key string) *database.DB {
	t.Helper()

	db, err := database.New(PathFromTemplate(t, key, "jobagent.db"))
	if err != nil {
		t.Fatalf("open test DB %q: %v", key, err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// PathFromTemplate clones the migrated template for key into t's temp dir
// and returns the new file path.
func PathFromTemplate(t testing.TB, key, filename string) string {
	t.Helper()

	tpl := lookup(key)
	tpl.once.Do(func() {
		tpl.path, tpl.err = buildTemplate(key)
	})
	if tpl.err != nil {
		t.Fatalf("prepare test DB template %q: %v", key, tpl.err)
	}

	dst := filepath.Join(t.TempDir(), filename)
	if err := cloneWithSidecars(tpl.path, dst); err != nil {
		t.Fatalf("clone test DB template %q to %s: %v", key, dst, err)
	}
	return dst
}

func lookup(key string) *template {
	templatesMu.Lock()
	defer templatesMu.Unlock()

	tpl, ok := templates[key]
	if !ok {
		tpl = &template{}
		templates[key] = tpl
	}
	return tpl
}

func buildTemplate(key string) (string, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("jobagent-%s-template-", sanitizeKey(key)))
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, "template.db")
	db, err := database.New(path)
	if err != nil {
		return "", err
	}
	if err := db.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "testdb"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, key)
}

// cloneWithSidecars copies the main file and any -wal/-shm companions.
func cloneWithSidecars(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		err := copyFile(src+suffix, dst+suffix)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

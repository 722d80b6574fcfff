// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package trigger

import (
	"sync"
	"time"
)

// coalescer folds bursts of change notifications into one call per job.
// A job fires once its changes have been quiet for the quiet period, or
// once maxWait has passed since the first unflushed change.
type coalescer struct {
	quiet   time.Duration
	maxWait time.Duration
	fire    func(name string)

	mu      sync.Mutex
	pending map[string]*burst
	stopped bool
}

type burst struct {
	first time.Time
	timer *time.Timer
}

func newCoalescer(quiet, maxWait time.Duration, fire func(name string)) *coalescer {
	if maxWait < quiet {
		maxWait = quiet
	}
	return &coalescer{
		quiet:   quiet,
		maxWait: maxWait,
		fire:    fire,
		pending: make(map[string]*burst),
	}
}

// touch records a change for name.
func (c *coalescer) touch(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	now := time.Now()
	if b, ok := c.pending[name]; ok && b.timer.Stop() {
		wait := min(c.quiet, b.first.Add(c.maxWait).Sub(now))
		b.timer.Reset(max(wait, 0))
		return
	}

	b := &burst{first: now}
	b.timer = time.AfterFunc(c.quiet, func() { c.flush(name, b) })
	c.pending[name] = b
}

func (c *coalescer) flush(name string, b *burst) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[name] == b {
		delete(c.pending, name)
	}
	if c.stopped {
		return
	}
	c.fire(name)
}

// queued reports whether name has changes waiting to fire.
func (c *coalescer) queued(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[name]
	return ok
}

// stop drops pending bursts. No fire call starts after it returns.
func (c *coalescer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for name, b := range c.pending {
		b.timer.Stop()
		delete(c.pending, name)
	}
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// RunCache memoizes lookups for the lifetime of a single run. It is created
// per run and discarded with the report, so values never leak between runs.
type RunCache struct {
	mu     sync.RWMutex
	values map[string]any
	group  singleflight.Group
}

func NewRunCache() *RunCache {
	return &RunCache{values: make(map[string]any)}
}

func (c *RunCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *RunCache) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

func (c *RunCache) Delete(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

// Load returns the cached value for key or calls fn once, even when several
// goroutines ask for the same key concurrently. Errors are not cached.
func (c *RunCache) Load(key string, fn func() (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return v, err
}

// LoadString is Load for string values.
func (c *RunCache) LoadString(key string, fn func() (string, error)) (string, error) {
	v, err := c.Load(key, func() (any, error) { return fn() })
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (c *RunCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package objectstore

import (
	"bytes"
	"context"
	"io"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryBackend keeps objects in memory. It backs the "memory" storage
// type and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// FailPut, when set, is returned by Put for matching keys.
	FailPut func(key string) error
	// FailGet, when set, is returned by Get for matching keys.
	FailGet func(key string) error
}

type memObject struct {
	data    []byte
	modTime time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]memObject)}
}

func (b *MemoryBackend) Type() string { return "memory" }

func (b *MemoryBackend) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	if b.FailPut != nil {
		if err := b.FailPut(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = memObject{data: data, modTime: time.Now()}
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if b.FailGet != nil {
		if err := b.FailGet(key); err != nil {
			return nil, err
		}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *MemoryBackend) Stat(_ context.Context, key string) (ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, fn func(ObjectInfo) error) error {
	b.mu.RLock()
	keys := slices.Sorted(maps.Keys(b.objects))
	b.mu.RUnlock()

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := b.Stat(ctx, key)
		if err != nil {
			continue
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the stored keys, sorted.
func (b *MemoryBackend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.objects))
}

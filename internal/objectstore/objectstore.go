// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package objectstore is the payload tier: named backends holding item
// payloads keyed by item id.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrDigestMismatch = errors.New("copy digest mismatch")
	ErrInvalidKey     = errors.New("invalid object key")
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is one storage location. Get and Stat return ErrNotFound for a
// missing key; Delete treats a missing key as success.
type Backend interface {
	Type() string
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, fn func(ObjectInfo) error) error
}

// BackendOptions tune how the registry talks to one backend.
type BackendOptions struct {
	// RequestsPerSecond throttles calls. Zero means unlimited.
	RequestsPerSecond float64
	// VerifyCopies re-reads every copy written to the backend and compares
	// its xxhash digest with the source.
	VerifyCopies bool
}

type backendEntry struct {
	id      string
	backend Backend
	limiter *rate.Limiter
	verify  bool
}

func (e *backendEntry) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// Registry routes calls to named backends with throttling and retries.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*backendEntry

	attempts uint
	delay    time.Duration
}

type Option func(*Registry)

// WithRetry sets the attempts per backend call and the base backoff delay.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(r *Registry) {
		r.attempts = max(attempts, 1)
		r.delay = delay
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		backends: make(map[string]*backendEntry),
		attempts: 3,
		delay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds backend under id, replacing any previous one.
func (r *Registry) Register(id string, backend Backend, opts BackendOptions) {
	entry := &backendEntry{id: id, backend: backend, verify: opts.VerifyCopies}
	if opts.RequestsPerSecond > 0 {
		burst := max(int(opts.RequestsPerSecond), 1)
		entry.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[id] = entry
}

// ListBackends returns the registered backend ids, sorted.
func (r *Registry) ListBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry) entry(id string) (*backendEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return e, nil
}

// do runs fn against the backend, throttled and retried on transient
// errors. Missing objects and unknown backends are never retried.
func (r *Registry) do(ctx context.Context, e *backendEntry, op string, fn func() error) error {
	return retry.Do(
		func() error {
			if err := e.wait(ctx); err != nil {
				return err
			}
			return fn()
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("backend", e.id).Str("op", op).Uint("attempt", n+1).Msg("objectstore: retrying")
		}),
	)
}

func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownBackend), errors.Is(err, ErrDigestMismatch), errors.Is(err, ErrInvalidKey):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Exists reports whether backend holds key.
func (r *Registry) Exists(ctx context.Context, backend, key string) (bool, error) {
	e, err := r.entry(backend)
	if err != nil {
		return false, err
	}
	err = r.do(ctx, e, "stat", func() error {
		_, err := e.backend.Stat(ctx, key)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stat returns the object info of key on the first backend that has it.
func (r *Registry) Stat(ctx context.Context, key string, backends []string) (ObjectInfo, string, error) {
	for _, id := range backends {
		e, err := r.entry(id)
		if err != nil {
			continue
		}
		var info ObjectInfo
		err = r.do(ctx, e, "stat", func() error {
			var err error
			info, err = e.backend.Stat(ctx, key)
			return err
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return ObjectInfo{}, "", fmt.Errorf("stat %s on %s: %w", key, id, err)
		}
		return info, id, nil
	}
	return ObjectInfo{}, "", fmt.Errorf("%s on %s: %w", key, strings.Join(backends, ","), ErrNotFound)
}

// Upload writes r to backend under key. The reader cannot be replayed, so
// uploads are not retried.
func (r *Registry) Upload(ctx context.Context, key string, body io.Reader, size int64, backend string) error {
	e, err := r.entry(backend)
	if err != nil {
		return err
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	return e.backend.Put(ctx, key, body, size)
}

// Download opens key on the first backend in order that has it and
// returns the backend used.
func (r *Registry) Download(ctx context.Context, key string, backends []string) (io.ReadCloser, string, error) {
	var lastErr error
	for _, id := range backends {
		e, err := r.entry(id)
		if err != nil {
			lastErr = err
			continue
		}
		var rc io.ReadCloser
		err = r.do(ctx, e, "get", func() error {
			var err error
			rc, err = e.backend.Get(ctx, key)
			return err
		})
		if err == nil {
			return rc, id, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("backend", id).Str("key", key).Msg("objectstore: download failed, trying next source")
		}
	}
	if lastErr == nil {
		lastErr = ErrNotFound
	}
	return nil, "", fmt.Errorf("download %s: %w", key, lastErr)
}

// Delete removes key from backend. A missing key is success.
func (r *Registry) Delete(ctx context.Context, backend, key string) error {
	e, err := r.entry(backend)
	if err != nil {
		return err
	}
	err = r.do(ctx, e, "delete", func() error {
		return e.backend.Delete(ctx, key)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Enumerate calls fn for every object on backend.
func (r *Registry) Enumerate(ctx context.Context, backend string, fn func(ObjectInfo) error) error {
	e, err := r.entry(backend)
	if err != nil {
		return err
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	return e.backend.List(ctx, fn)
}

// Copy reads key from the first source that has it and writes it to dest.
// With verification on, the written object is read back and its digest
// compared with the source stream. Each attempt reopens the source; the
// backends are called directly inside it so retries do not nest.
func (r *Registry) Copy(ctx context.Context, key string, sources []string, dest string) error {
	target, err := r.entry(dest)
	if err != nil {
		return err
	}

	return r.do(ctx, target, "copy", func() error {
		src, from, err := r.openSource(ctx, key, sources)
		if err != nil {
			return err
		}
		defer src.Close()

		size := int64(-1)
		if info, err := from.backend.Stat(ctx, key); err == nil {
			size = info.Size
		}

		digest := xxhash.New()
		if err := target.backend.Put(ctx, key, io.TeeReader(src, digest), size); err != nil {
			return fmt.Errorf("put %s on %s: %w", key, dest, err)
		}
		if !target.verify {
			return nil
		}
		written, err := r.digest(ctx, target, key)
		if err != nil {
			return fmt.Errorf("verify %s on %s: %w", key, dest, err)
		}
		if written != digest.Sum64() {
			_ = target.backend.Delete(ctx, key)
			return fmt.Errorf("%w: %s from %s to %s", ErrDigestMismatch, key, from.id, dest)
		}
		return nil
	})
}

// openSource opens key on the first source holding it, one call per source.
// A transient failure is returned only when no later source has the key.
func (r *Registry) openSource(ctx context.Context, key string, sources []string) (io.ReadCloser, *backendEntry, error) {
	var lastErr error
	for _, id := range sources {
		e, err := r.entry(id)
		if err != nil {
			lastErr = err
			continue
		}
		if err := e.wait(ctx); err != nil {
			return nil, nil, err
		}
		rc, err := e.backend.Get(ctx, key)
		if err == nil {
			return rc, e, nil
		}
		if lastErr == nil || !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = ErrNotFound
	}
	return nil, nil, fmt.Errorf("read %s: %w", key, lastErr)
}

func (r *Registry) digest(ctx context.Context, e *backendEntry, key string) (uint64, error) {
	rc, err := e.backend.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, rc); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Close releases backends that hold clients.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, e := range r.backends {
		if c, ok := e.backend.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

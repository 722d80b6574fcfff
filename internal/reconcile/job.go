// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one reconciliation pass. Scan must not write. Diff must not write
// and may only use the target, the work set's reference data and the run
// cache.
type Job interface {
	Descriptor() Descriptor
	Scan(ctx context.Context, env *Env) (*WorkSet, error)
	Diff(env *Env, ws *WorkSet, t Target) ([]Action, error)
}

// Preparer is implemented by jobs that compute reference data over the whole
// work set once, between scan and diff.
type Preparer interface {
	Prepare(env *Env, ws *WorkSet) error
}

// Notable is implemented by jobs that want an admin notification when a run
// found something. It returns a one-line summary, or "" for nothing.
type Notable interface {
	Summarize(r *RunReport) string
}

// Env is what a job body sees during one run.
type Env struct {
	Job     string
	RunID   int64
	Trigger TriggerMode
	Params  Params
	Invoker Identity
	System  Identity
	Log     zerolog.Logger
	Cache   *RunCache
	Now     func() time.Time
}

// NewEnv builds an Env for tests and one-off runs.
func NewEnv(job string, params Params, log zerolog.Logger) *Env {
	return &Env{
		Job:     job,
		Trigger: TriggerManual,
		Params:  params,
		System:  SystemIdentity,
		Log:     log,
		Cache:   NewRunCache(),
		Now:     time.Now,
	}
}

// Registry holds the jobs registered at process start.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

func (r *Registry) Register(job Job) error {
	desc := job.Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, desc.Name)
	}
	r.jobs[desc.Name] = job
	return nil
}

// MustRegister panics on registration errors. Only for process start.
func (r *Registry) MustRegister(jobs ...Job) {
	for _, job := range jobs {
		if err := r.Register(job); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job, nil
}

// Descriptors returns all registered descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.Descriptor())
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Watching returns the names of jobs that watch collection.
func (r *Registry) Watching(collection string) []string {
	var out []string
	for _, d := range r.Descriptors() {
		if d.Trigger == TriggerWatch && slices.Contains(d.Watch, collection) {
			out = append(out, d.Name)
		}
	}
	return out
}

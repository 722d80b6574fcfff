// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jobs holds the reconciliation jobs shipped with the agent.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/domain"
	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/objectstore"
	"github.com/nukleus/jobagent/internal/reconcile"
)

// Objects is the read side of the payload tier used by scans.
type Objects interface {
	Stat(ctx context.Context, key string, backends []string) (objectstore.ObjectInfo, string, error)
	Enumerate(ctx context.Context, backend string, fn func(objectstore.ObjectInfo) error) error
	ListBackends() []string
}

// Deps are the stores a job scans.
type Deps struct {
	Repo    *models.Repository
	Objects Objects
	// CorrectClient is the default of the consistency job's correct_client
	// parameter.
	CorrectClient bool
}

// All returns one instance of every shipped job.
func All(deps Deps) []reconcile.Job {
	return []reconcile.Job{
		NewFolderSize(deps.Repo),
		NewItemSize(deps.Repo, deps.Objects),
		NewStorageSync(deps.Repo),
		NewConsistency(deps.Repo, deps.CorrectClient),
		NewUploadCleanup(deps.Repo),
		NewPurgeDeleted(deps.Repo),
		NewClientUsage(deps.Repo),
		NewStorageVerify(deps.Repo, deps.Objects),
		NewClientRoots(deps.Repo),
	}
}

// Register adds every job not disabled in overrides to reg, with the
// configured trigger and parameter defaults applied.
func Register(reg *reconcile.Registry, deps Deps, overrides map[string]domain.JobConfig) error {
	known := make(map[string]struct{})
	for _, job := range All(deps) {
		name := job.Descriptor().Name
		known[name] = struct{}{}

		cfg, ok := overrides[name]
		if ok && cfg.Disabled {
			log.Info().Str("job", name).Msg("jobs: disabled by configuration")
			continue
		}
		if ok {
			if c, isConfigurable := job.(configurable); isConfigurable {
				if err := applyOverride(c.descriptor(), cfg); err != nil {
					return fmt.Errorf("job %s: %w", name, err)
				}
			}
		}
		if err := reg.Register(job); err != nil {
			return err
		}
	}

	var errs []error
	for name := range overrides {
		if _, ok := known[name]; !ok {
			errs = append(errs, fmt.Errorf("jobs.%s: %w", name, reconcile.ErrUnknownJob))
		}
	}
	return errors.Join(errs...)
}

type configurable interface {
	descriptor() *reconcile.Descriptor
}

// base carries the descriptor of a job so configuration can adjust it
// before registration.
type base struct {
	desc reconcile.Descriptor
}

func (b *base) Descriptor() reconcile.Descriptor {
	d := b.desc
	d.Watch = slices.Clone(b.desc.Watch)
	d.Params = slices.Clone(b.desc.Params)
	return d
}

func (b *base) descriptor() *reconcile.Descriptor {
	return &b.desc
}

func applyOverride(desc *reconcile.Descriptor, cfg domain.JobConfig) error {
	switch {
	case cfg.Schedule != "" && cfg.Interval != "":
		return errors.New("schedule and interval are mutually exclusive")
	case cfg.Schedule != "":
		desc.Trigger = reconcile.TriggerCron
		desc.Schedule = cfg.Schedule
		desc.Interval = 0
	case cfg.Interval != "":
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		desc.Trigger = reconcile.TriggerInterval
		desc.Interval = d
		desc.Schedule = ""
	}

	for name, value := range cfg.Params {
		idx := slices.IndexFunc(desc.Params, func(p reconcile.ParamSpec) bool { return p.Name == name })
		if idx < 0 {
			return fmt.Errorf("%w: unknown parameter %q", reconcile.ErrInvalidParams, name)
		}
		desc.Params[idx].Default = value
	}
	if _, err := reconcile.ResolveParams(desc.Params, nil); err != nil {
		return err
	}
	return nil
}

// refData extracts the typed reference data a job's scan stored on ws.
func refData[T any](ws *reconcile.WorkSet, t reconcile.Target) (T, error) {
	v, ok := ws.Ref.(T)
	if !ok {
		var zero T
		return zero, reconcile.NewDiffError(t.Ref, fmt.Errorf("%w: work set carries %T", reconcile.ErrMissingReference, ws.Ref))
	}
	return v, nil
}

// storageSummary renders counts as "s1 (3), s2 (1)".
func storageSummary(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s (%d)", k, counts[k]))
	}
	return strings.Join(parts, ", ")
}

func sum(counts map[string]int) int {
	n := 0
	for _, v := range counts {
		n += v
	}
	return n
}

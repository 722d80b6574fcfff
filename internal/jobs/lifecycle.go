// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const (
	UploadCleanupName = "upload-cleanup"
	PurgeDeletedName  = "purge-deleted"
)

// UploadCleanup soft-deletes uploads that stopped sending heartbeats.
type UploadCleanup struct {
	base
	repo *models.Repository
}

func NewUploadCleanup(repo *models.Repository) *UploadCleanup {
	return &UploadCleanup{
		base: base{desc: reconcile.Descriptor{
			Name:        UploadCleanupName,
			Description: "Mark stalled uploads as deleted",
			Trigger:     reconcile.TriggerInterval,
			Interval:    10 * time.Minute,
			Params: []reconcile.ParamSpec{
				{Name: "stale_after", Type: reconcile.ParamDuration, Default: "10m", Description: "heartbeat age after which an upload is stalled"},
			},
		}},
		repo: repo,
	}
}

func (j *UploadCleanup) Scan(ctx context.Context, env *reconcile.Env) (*reconcile.WorkSet, error) {
	cutoff := env.Now().Add(-env.Params.Duration("stale_after"))
	items, err := j.repo.Items.ListStaleUploads(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	targets := make([]reconcile.Target, 0, len(items))
	for _, it := range items {
		targets = append(targets, it.Target())
	}
	return &reconcile.WorkSet{Targets: targets}, nil
}

func (j *UploadCleanup) Diff(env *reconcile.Env, _ *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	return []reconcile.Action{reconcile.MarkDeleted{
		ItemID: t.ID,
		At:     env.Now(),
		Reason: "upload stalled",
	}}, nil
}

// PurgeDeleted removes the payloads and then the rows of items deleted
// longer ago than purge_after.
type PurgeDeleted struct {
	base
	repo *models.Repository
}

func NewPurgeDeleted(repo *models.Repository) *PurgeDeleted {
	return &PurgeDeleted{
		base: base{desc: reconcile.Descriptor{
			Name:        PurgeDeletedName,
			Description: "Purge payloads and records of items deleted long enough ago",
			Trigger:     reconcile.TriggerCron,
			Schedule:    "15 * * * *",
			Params: []reconcile.ParamSpec{
				{Name: "purge_after", Type: reconcile.ParamDuration, Default: "24h", Description: "time since deletion before an item is purged"},
				{Name: "limit", Type: reconcile.ParamInt, Default: "500", Description: "maximum items per run"},
			},
		}},
		repo: repo,
	}
}

func (j *PurgeDeleted) Scan(ctx context.Context, env *reconcile.Env) (*reconcile.WorkSet, error) {
	cutoff := env.Now().Add(-env.Params.Duration("purge_after"))
	items, err := j.repo.Items.ListDeletedBefore(ctx, cutoff, env.Params.Int("limit"))
	if err != nil {
		return nil, err
	}
	targets := make([]reconcile.Target, 0, len(items))
	for _, it := range items {
		storages, err := j.repo.Items.Storages(ctx, it.ID)
		if err != nil {
			return nil, fmt.Errorf("storages of item %s: %w", it.ID, err)
		}
		it.Storages = storages
		targets = append(targets, it.Target())
	}
	return &reconcile.WorkSet{Targets: targets}, nil
}

func (j *PurgeDeleted) Diff(_ *reconcile.Env, _ *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	storages := slices.Sorted(slices.Values(t.Storages))
	actions := make([]reconcile.Action, 0, len(storages)+1)
	for _, s := range storages {
		actions = append(actions, reconcile.RemoveFromStorage{ItemID: t.ID, StorageID: s, AllowLast: true})
	}
	return append(actions, reconcile.Purge{ItemID: t.ID}), nil
}

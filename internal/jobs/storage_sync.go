// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const StorageSyncName = "storage-sync"

// StorageSync brings every live item's recorded storage set in line with the
// union of its client's and plan's storages.
type StorageSync struct {
	base
	repo *models.Repository
}

func NewStorageSync(repo *models.Repository) *StorageSync {
	return &StorageSync{
		base: base{desc: reconcile.Descriptor{
			Name:        StorageSyncName,
			Description: "Copy item payloads to missing storages and remove them from unassigned ones",
			Trigger:     reconcile.TriggerInterval,
			Interval:    time.Hour,
			Params: []reconcile.ParamSpec{
				{Name: "client", Type: reconcile.ParamString, Description: "only sync items of this client"},
			},
		}},
		repo: repo,
	}
}

func (j *StorageSync) Scan(ctx context.Context, env *reconcile.Env) (*reconcile.WorkSet, error) {
	desired, err := j.repo.Clients.DesiredStorages(ctx)
	if err != nil {
		return nil, err
	}
	items, err := j.repo.Items.ListLive(ctx)
	if err != nil {
		return nil, err
	}

	only := env.Params.String("client")
	var targets []reconcile.Target
	for _, it := range items {
		if (only != "" && it.ClientID != only) || it.UploadState != models.UploadComplete {
			continue
		}
		if slices.Equal(it.Storages, desired[it.ClientID]) {
			continue
		}
		targets = append(targets, it.Target())
	}
	return &reconcile.WorkSet{Targets: targets, Ref: desired}, nil
}

func (j *StorageSync) Diff(_ *reconcile.Env, ws *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	desired, err := refData[map[string][]string](ws, t)
	if err != nil {
		return nil, err
	}
	return reconcile.DiffStorages(t.ID, desired[t.ClientID], t.Storages)
}

func (j *StorageSync) Summarize(r *reconcile.RunReport) string {
	added := r.StorageCounts(reconcile.KindAddToStorage)
	removed := r.StorageCounts(reconcile.KindRemoveFromStorage)
	if len(added) == 0 && len(removed) == 0 {
		return ""
	}
	var parts []string
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("%d item copies were missing from %s", sum(added), storageSummary(added)))
	}
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("%d copies removed from %s", sum(removed), storageSummary(removed)))
	}
	return strings.Join(parts, "; ")
}

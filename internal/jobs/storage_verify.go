// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/objectstore"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const StorageVerifyName = "storage-verify"

// StorageVerify compares what each backend holds with what the primary
// store records. Items missing from a backend lose that storage record so
// storage-sync can copy them again. Objects no item refers to are reported
// as orphans and, when asked, deleted.
type StorageVerify struct {
	base
	repo    *models.Repository
	objects Objects
}

type verifyRef struct {
	missing map[string][]string
}

func NewStorageVerify(repo *models.Repository, objects Objects) *StorageVerify {
	return &StorageVerify{
		base: base{desc: reconcile.Descriptor{
			Name:        StorageVerifyName,
			Description: "Verify recorded item payloads exist on their storages",
			Trigger:     reconcile.TriggerCron,
			Schedule:    "0 4 * * 0",
			Params: []reconcile.ParamSpec{
				{Name: "storage", Type: reconcile.ParamString, Description: "only verify this storage"},
				{Name: "repair", Type: reconcile.ParamBool, Default: "true", Description: "drop storage records whose payload is gone"},
				{Name: "delete_unreferenced", Type: reconcile.ParamBool, Default: "false", Description: "delete objects no item refers to"},
			},
		}},
		repo:    repo,
		objects: objects,
	}
}

func (j *StorageVerify) Scan(ctx context.Context, env *reconcile.Env) (*reconcile.WorkSet, error) {
	if j.objects == nil {
		return nil, errors.New("no object store configured")
	}
	backends := j.objects.ListBackends()
	if only := env.Params.String("storage"); only != "" {
		if !slices.Contains(backends, only) {
			return nil, fmt.Errorf("%w: %s", objectstore.ErrUnknownBackend, only)
		}
		backends = []string{only}
	}

	ref := &verifyRef{missing: make(map[string][]string)}
	ws := &reconcile.WorkSet{Ref: ref}
	items := make(map[string]*models.Item)
	unreferenced := make(map[string][]string)

	for _, backend := range backends {
		present := make(map[string]struct{})
		if err := j.objects.Enumerate(ctx, backend, func(info objectstore.ObjectInfo) error {
			present[info.Key] = struct{}{}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", backend, err)
		}

		recorded, err := j.repo.Items.ListByStorage(ctx, backend)
		if err != nil {
			return nil, err
		}
		known := make(map[string]struct{}, len(recorded))
		for _, it := range recorded {
			known[it.ID] = struct{}{}
			if _, ok := present[it.ID]; ok {
				continue
			}
			items[it.ID] = it
			ref.missing[it.ID] = append(ref.missing[it.ID], backend)
		}

		for _, key := range slices.Sorted(maps.Keys(present)) {
			if _, ok := known[key]; ok {
				continue
			}
			// deleted items still own their payload until purged
			if _, err := j.repo.Items.Get(ctx, key); err == nil {
				continue
			} else if !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
			unreferenced[key] = append(unreferenced[key], backend)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(items)) {
		ws.Targets = append(ws.Targets, items[id].Target())
	}
	deleteUnreferenced := env.Params.Bool("delete_unreferenced")
	for _, key := range slices.Sorted(maps.Keys(unreferenced)) {
		t := reconcile.Target{Ref: reconcile.Ref{Kind: reconcile.EntityItem, ID: key}, Storages: unreferenced[key]}
		ws.Orphans = append(ws.Orphans, reconcile.Orphan{Target: t, MissingParent: "item:" + key})
		if deleteUnreferenced {
			ws.Targets = append(ws.Targets, t)
		}
	}
	env.Log.Debug().Strs("backends", backends).Int("missing", len(items)).Int("unreferenced", len(ws.Orphans)).Msg("storage-verify: scanned")
	return ws, nil
}

func (j *StorageVerify) Diff(env *reconcile.Env, ws *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	ref, err := refData[*verifyRef](ws, t)
	if err != nil {
		return nil, err
	}

	missing, recorded := ref.missing[t.ID]
	if !recorded {
		// unreferenced object
		actions := make([]reconcile.Action, 0, len(t.Storages))
		for _, s := range t.Storages {
			actions = append(actions, reconcile.RemoveFromStorage{ItemID: t.ID, StorageID: s, AllowLast: true})
		}
		return actions, nil
	}

	if !env.Params.Bool("repair") {
		return nil, reconcile.NewDiffError(t.Ref, fmt.Errorf("payload missing from %s", strings.Join(missing, ", ")))
	}
	actions := make([]reconcile.Action, 0, len(missing))
	for _, s := range missing {
		actions = append(actions, reconcile.RemoveFromStorage{ItemID: t.ID, StorageID: s})
	}
	return actions, nil
}

func (j *StorageVerify) Summarize(r *reconcile.RunReport) string {
	removed := r.StorageCounts(reconcile.KindRemoveFromStorage)
	var parts []string
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("%d items missing from storage %s", sum(removed), storageSummary(removed)))
	}
	if r.Orphans > 0 {
		parts = append(parts, fmt.Sprintf("%d unreferenced objects", r.Orphans))
	}
	if r.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d items could not be repaired", r.Failed))
	}
	return strings.Join(parts, "; ")
}

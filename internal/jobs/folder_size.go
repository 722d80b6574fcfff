// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"slices"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const FolderSizeName = "folder-size"

// FolderSize recomputes folder content sizes bottom-up. Every folder of a
// client with a dirty folder is loaded so the aggregation never depends on
// stale child totals, and the ancestors of dirty folders are rewritten too.
type FolderSize struct {
	base
	repo *models.Repository
}

type folderSizeRef struct {
	tree *reconcile.Tree
	agg  *reconcile.Aggregation
}

func NewFolderSize(repo *models.Repository) *FolderSize {
	return &FolderSize{
		base: base{desc: reconcile.Descriptor{
			Name:        FolderSizeName,
			Description: "Recompute folder content sizes from item sizes and child folders",
			Trigger:     reconcile.TriggerWatch,
			Watch:       []string{models.CollectionFolders, models.CollectionItems},
			Params: []reconcile.ParamSpec{
				{Name: "limit", Type: reconcile.ParamInt, Default: "1000", Description: "maximum dirty folders per run"},
			},
		}},
		repo: repo,
	}
}

func (j *FolderSize) Scan(ctx context.Context, env *reconcile.Env) (*reconcile.WorkSet, error) {
	dirty, err := j.repo.Folders.ListDirty(ctx, env.Params.Int("limit"))
	if err != nil {
		return nil, err
	}
	if len(dirty) == 0 {
		return &reconcile.WorkSet{Ref: &folderSizeRef{tree: reconcile.NewTree()}}, nil
	}

	clients := make([]string, 0, len(dirty))
	for _, f := range dirty {
		clients = append(clients, f.ClientID)
	}
	slices.Sort(clients)
	clients = slices.Compact(clients)

	folders, err := j.repo.Folders.ListByClients(ctx, clients)
	if err != nil {
		return nil, err
	}
	direct, err := j.repo.Folders.DirectItemBytes(ctx, clients)
	if err != nil {
		return nil, err
	}
	orphans, err := j.repo.Folders.ListOrphans(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Folder, len(folders))
	tree := reconcile.NewTree()
	for _, f := range folders {
		byID[f.ID] = f
		tree.Add(reconcile.Node{ID: f.ID, ParentID: f.ParentID, DirectBytes: direct[f.ID], Recorded: f.ContentSize})
	}
	for _, f := range folders {
		if _, ok := byID[f.ParentID]; ok {
			tree.AddChild(f.ParentID, f.ID)
		}
	}

	// dirty folders plus every ancestor, each once
	selected := make(map[string]struct{}, len(dirty))
	var targets []reconcile.Target
	for _, f := range dirty {
		for cur := byID[f.ID]; cur != nil; cur = byID[cur.ParentID] {
			if _, seen := selected[cur.ID]; seen {
				break
			}
			selected[cur.ID] = struct{}{}
			targets = append(targets, cur.Target())
		}
	}

	ws := &reconcile.WorkSet{Targets: targets, Ref: &folderSizeRef{tree: tree}}
	for _, o := range orphans {
		if _, ok := selected[o.ID]; ok {
			ws.Orphans = append(ws.Orphans, reconcile.Orphan{Target: o.Target(), MissingParent: o.ParentID})
		}
	}
	env.Log.Debug().Int("dirty", len(dirty)).Int("targets", len(targets)).Int("clients", len(clients)).Msg("folder-size: scanned")
	return ws, nil
}

// Prepare aggregates the whole arena once per run.
func (j *FolderSize) Prepare(env *reconcile.Env, ws *reconcile.WorkSet) error {
	ref, ok := ws.Ref.(*folderSizeRef)
	if !ok {
		return reconcile.ErrMissingReference
	}
	ref.agg = reconcile.Aggregate(ref.tree)
	for _, m := range ref.agg.Missing {
		env.Log.Warn().Str("folder", m.Parent).Str("child", m.Child).Msg("folder-size: child folder has no known size, counted as zero")
	}
	return nil
}

func (j *FolderSize) Diff(_ *reconcile.Env, ws *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	ref, err := refData[*folderSizeRef](ws, t)
	if err != nil {
		return nil, err
	}
	if ref.agg == nil {
		return nil, reconcile.NewDiffError(t.Ref, reconcile.ErrMissingReference)
	}
	size, err := ref.agg.Result(t.ID)
	if err != nil {
		return nil, reconcile.NewDiffError(t.Ref, err)
	}
	if !t.Dirty && t.Size != nil && *t.Size == size {
		return nil, nil
	}
	return []reconcile.Action{reconcile.RecomputeAndWrite{
		Entity:   t.Ref,
		Field:    reconcile.FieldContentSize,
		Value:    size,
		Previous: t.Size,
	}}, nil
}

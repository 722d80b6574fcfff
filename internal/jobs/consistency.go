// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const ConsistencyName = "consistency"

// Consistency repairs folders and items whose parent reference is broken or
// owned by another client.
type Consistency struct {
	base
	repo *models.Repository
}

func NewConsistency(repo *models.Repository, correctClient bool) *Consistency {
	return &Consistency{
		base: base{desc: reconcile.Descriptor{
			Name:        ConsistencyName,
			Description: "Move orphaned folders and items to lost+found and fix client ownership",
			Trigger:     reconcile.TriggerInterval,
			Interval:    6 * time.Hour,
			Params: []reconcile.ParamSpec{
				{
					Name:        "correct_client",
					Type:        reconcile.ParamBool,
					Default:     strconv.FormatBool(correctClient),
					Description: "reassign entities to the client owning their parent; when false mismatches are only reported",
				},
			},
		}},
		repo: repo,
	}
}

func (j *Consistency) Scan(ctx context.Context, _ *reconcile.Env) (*reconcile.WorkSet, error) {
	parents := make(map[reconcile.Ref]reconcile.Parent)
	ws := &reconcile.WorkSet{Ref: parents}

	orphanFolders, err := j.repo.Folders.ListOrphans(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range orphanFolders {
		j.addOrphan(ws, parents, f.Target())
	}
	orphanItems, err := j.repo.Items.ListOrphans(ctx)
	if err != nil {
		return nil, err
	}
	for _, it := range orphanItems {
		j.addOrphan(ws, parents, it.Target())
	}

	folders, folderParents, err := j.repo.Folders.ListClientMismatches(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		t := f.Target()
		p := folderParents[f.ID]
		parents[t.Ref] = reconcile.Parent{ID: p.ID, ClientID: p.ClientID, Exists: true}
		ws.Targets = append(ws.Targets, t)
	}
	items, itemParents, err := j.repo.Items.ListClientMismatches(ctx)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		t := it.Target()
		p := itemParents[it.ID]
		parents[t.Ref] = reconcile.Parent{ID: p.ID, ClientID: p.ClientID, Exists: true}
		ws.Targets = append(ws.Targets, t)
	}
	return ws, nil
}

func (j *Consistency) addOrphan(ws *reconcile.WorkSet, parents map[reconcile.Ref]reconcile.Parent, t reconcile.Target) {
	parents[t.Ref] = reconcile.Parent{ID: t.ParentID}
	ws.Targets = append(ws.Targets, t)
	ws.Orphans = append(ws.Orphans, reconcile.Orphan{Target: t, MissingParent: t.ParentID})
}

func (j *Consistency) Diff(env *reconcile.Env, ws *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	parents, err := refData[map[reconcile.Ref]reconcile.Parent](ws, t)
	if err != nil {
		return nil, err
	}
	parent, ok := parents[t.Ref]
	if !ok {
		return nil, reconcile.NewDiffError(t.Ref, reconcile.ErrMissingReference)
	}
	return reconcile.DiffParent(t, parent, reconcile.ParentPolicy{CorrectClient: env.Params.Bool("correct_client")})
}

func (j *Consistency) Summarize(r *reconcile.RunReport) string {
	counts := r.ActionCounts()
	moved := counts[reconcile.KindMoveToLocation]
	reassigned := counts[reconcile.KindCorrectClient]
	if moved+reassigned == 0 && r.Failed == 0 {
		return ""
	}
	s := fmt.Sprintf("%d folder/client inconsistencies repaired (%d moved to lost+found, %d reassigned)", moved+reassigned, moved, reassigned)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d left unresolved", r.Failed)
	}
	return s
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"slices"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const ClientRootsName = "client-roots"

// ClientRoots creates the root and lost+found folders of clients that lack
// them.
type ClientRoots struct {
	base
	repo *models.Repository
}

func NewClientRoots(repo *models.Repository) *ClientRoots {
	return &ClientRoots{
		base: base{desc: reconcile.Descriptor{
			Name:        ClientRootsName,
			Description: "Ensure every client has a root and a lost+found folder",
			Trigger:     reconcile.TriggerWatch,
			Watch:       []string{models.CollectionClients},
		}},
		repo: repo,
	}
}

func (j *ClientRoots) Scan(ctx context.Context, _ *reconcile.Env) (*reconcile.WorkSet, error) {
	missing, err := j.repo.Clients.MissingPlaceholders(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(missing))
	for id, roles := range missing {
		if len(roles) > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	targets := make([]reconcile.Target, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, reconcile.Target{
			Ref:      reconcile.Ref{Kind: reconcile.EntityClient, ID: id},
			ClientID: id,
			Dirty:    true,
		})
	}
	return &reconcile.WorkSet{Targets: targets, Ref: missing}, nil
}

func (j *ClientRoots) Diff(_ *reconcile.Env, ws *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	missing, err := refData[map[string][]reconcile.PlaceholderRole](ws, t)
	if err != nil {
		return nil, err
	}
	roles := missing[t.ID]
	var actions []reconcile.Action
	// the root first: lost+found lives inside it
	for _, role := range []reconcile.PlaceholderRole{reconcile.PlaceholderRoot, reconcile.PlaceholderLostFound} {
		if slices.Contains(roles, role) {
			actions = append(actions, reconcile.CreatePlaceholder{ClientID: t.ID, Role: role})
		}
	}
	return actions, nil
}

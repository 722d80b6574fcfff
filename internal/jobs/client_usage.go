// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"time"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const ClientUsageName = "client-usage"

// ClientUsage rewrites each client's storage usage, in bytes and binary
// GiB, when it drifted from the sum of its live item sizes.
type ClientUsage struct {
	base
	repo *models.Repository
}

func NewClientUsage(repo *models.Repository) *ClientUsage {
	return &ClientUsage{
		base: base{desc: reconcile.Descriptor{
			Name:        ClientUsageName,
			Description: "Recompute per-client storage usage",
			Trigger:     reconcile.TriggerInterval,
			Interval:    time.Hour,
		}},
		repo: repo,
	}
}

func (j *ClientUsage) Scan(ctx context.Context, _ *reconcile.Env) (*reconcile.WorkSet, error) {
	rows, err := j.repo.Clients.Usage(ctx)
	if err != nil {
		return nil, err
	}
	actual := make(map[string]uint64, len(rows))
	var targets []reconcile.Target
	for _, row := range rows {
		if row.Recorded == row.Actual {
			continue
		}
		actual[row.ClientID] = row.Actual
		targets = append(targets, reconcile.Target{
			Ref:      reconcile.Ref{Kind: reconcile.EntityClient, ID: row.ClientID},
			ClientID: row.ClientID,
			Size:     reconcile.SizePtr(row.Recorded),
			Dirty:    true,
		})
	}
	return &reconcile.WorkSet{Targets: targets, Ref: actual}, nil
}

func (j *ClientUsage) Diff(env *reconcile.Env, ws *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	actual, err := refData[map[string]uint64](ws, t)
	if err != nil {
		return nil, err
	}
	value, ok := actual[t.ID]
	if !ok {
		return nil, reconcile.NewDiffError(t.Ref, reconcile.ErrMissingReference)
	}
	if t.Size != nil && *t.Size == value {
		return nil, nil
	}
	env.Log.Debug().Str("client", t.ID).Str("usage", reconcile.FormatBytes(value)).Msg("client-usage: usage drifted")
	return []reconcile.Action{reconcile.RecomputeAndWrite{
		Entity:   t.Ref,
		Field:    reconcile.FieldStorageUsed,
		Value:    value,
		Previous: t.Size,
	}}, nil
}

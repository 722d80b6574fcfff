// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/objectstore"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const ItemSizeName = "item-size"

// ItemSize fills in missing item sizes from the stored payloads.
type ItemSize struct {
	base
	repo    *models.Repository
	objects Objects
}

type payloadSize struct {
	size    uint64
	storage string
	err     error
}

func NewItemSize(repo *models.Repository, objects Objects) *ItemSize {
	return &ItemSize{
		base: base{desc: reconcile.Descriptor{
			Name:        ItemSizeName,
			Description: "Record the payload size of completed items that have none",
			Trigger:     reconcile.TriggerWatch,
			Watch:       []string{models.CollectionItems},
			Params: []reconcile.ParamSpec{
				{Name: "limit", Type: reconcile.ParamInt, Default: "500", Description: "maximum items per run"},
			},
		}},
		repo:    repo,
		objects: objects,
	}
}

// Scan stats every candidate's payload. A failed stat is kept as reference
// data so only that item is skipped.
func (j *ItemSize) Scan(ctx context.Context, env *reconcile.Env) (*reconcile.WorkSet, error) {
	if j.objects == nil {
		return nil, errors.New("no object store configured")
	}
	items, err := j.repo.Items.ListMissingSize(ctx, env.Params.Int("limit"))
	if err != nil {
		return nil, err
	}

	sizes := make(map[string]payloadSize, len(items))
	targets := make([]reconcile.Target, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		storages, err := j.repo.Items.Storages(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		it.Storages = storages

		var res payloadSize
		if len(storages) == 0 {
			res.err = fmt.Errorf("%w: item has no recorded storage", reconcile.ErrMissingReference)
		} else {
			info, from, err := j.objects.Stat(ctx, it.ID, storages)
			switch {
			case errors.Is(err, objectstore.ErrNotFound):
				res.err = fmt.Errorf("payload missing from %v: %w", storages, err)
			case err != nil:
				res.err = err
			case info.Size < 0:
				res.err = fmt.Errorf("backend %s reported size %d", from, info.Size)
			default:
				res.size = uint64(info.Size)
				res.storage = from
			}
		}
		sizes[it.ID] = res
		targets = append(targets, it.Target())
	}
	return &reconcile.WorkSet{Targets: targets, Ref: sizes}, nil
}

func (j *ItemSize) Diff(_ *reconcile.Env, ws *reconcile.WorkSet, t reconcile.Target) ([]reconcile.Action, error) {
	sizes, err := refData[map[string]payloadSize](ws, t)
	if err != nil {
		return nil, err
	}
	res, ok := sizes[t.ID]
	if !ok {
		return nil, reconcile.NewDiffError(t.Ref, reconcile.ErrMissingReference)
	}
	if res.err != nil {
		return nil, reconcile.NewDiffError(t.Ref, res.err)
	}
	if t.Size != nil && *t.Size == res.size {
		return nil, nil
	}
	return []reconcile.Action{reconcile.RecomputeAndWrite{
		Entity:   t.Ref,
		Field:    reconcile.FieldItemSize,
		Value:    res.size,
		Previous: t.Size,
	}}, nil
}

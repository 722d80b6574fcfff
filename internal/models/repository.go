// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/dbinterface"
	"github.com/nukleus/jobagent/internal/reconcile"
)

// Repository is the primary store seen by the reconciliation engine. It
// implements reconcile.DataWriter and reconcile.RunRecorder.
type Repository struct {
	db        dbinterface.TxBeginner
	now       func() time.Time
	listeners []func(ctx context.Context, collection, entityID string)

	Clients *ClientStore
	Folders *FolderStore
	Items   *ItemStore
	Changes *ChangeEventStore
	Runs    *JobRunStore
}

var (
	_ reconcile.DataWriter  = (*Repository)(nil)
	_ reconcile.RunRecorder = (*Repository)(nil)
)

func NewRepository(db dbinterface.TxBeginner) *Repository {
	return &Repository{
		db:      db,
		now:     time.Now,
		Clients: NewClientStore(db),
		Folders: NewFolderStore(db),
		Items:   NewItemStore(db),
		Changes: NewChangeEventStore(db),
		Runs:    NewJobRunStore(db),
	}
}

// WithClock overrides the time source used for updated_at stamps.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// OnChange registers fn to be called after every recorded change event.
// Register listeners before the repository is shared.
func (r *Repository) OnChange(fn func(ctx context.Context, collection, entityID string)) {
	r.listeners = append(r.listeners, fn)
}

// inTx runs fn with stores bound to one transaction.
func (r *Repository) inTx(ctx context.Context, fn func(tx *Repository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	bound := &Repository{
		db:      r.db,
		now:     r.now,
		Clients: NewClientStore(tx),
		Folders: NewFolderStore(tx),
		Items:   NewItemStore(tx),
		Changes: NewChangeEventStore(tx),
		Runs:    NewJobRunStore(tx),
	}
	if err := fn(bound); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) ItemStorages(ctx context.Context, itemID string) ([]string, error) {
	return r.Items.Storages(ctx, itemID)
}

func (r *Repository) AddItemStorage(ctx context.Context, itemID, storageID string) error {
	return r.Items.AddStorage(ctx, itemID, storageID)
}

func (r *Repository) RemoveItemStorage(ctx context.Context, itemID, storageID string) error {
	return r.Items.RemoveStorage(ctx, itemID, storageID)
}

func (r *Repository) SetParent(ctx context.Context, ref reconcile.Ref, parentID string) (string, error) {
	var (
		prev string
		err  error
	)
	switch ref.Kind {
	case reconcile.EntityFolder:
		prev, err = r.Folders.SetParent(ctx, ref.ID, parentID, r.now())
	case reconcile.EntityItem:
		prev, err = r.Items.SetParent(ctx, ref.ID, parentID, r.now())
	default:
		return "", fmt.Errorf("set parent: unsupported entity %s", ref)
	}
	if err != nil {
		return "", err
	}
	r.recordChange(ctx, collectionOf(ref.Kind), ref.ID)
	return prev, nil
}

func (r *Repository) SetClient(ctx context.Context, ref reconcile.Ref, clientID string) error {
	var err error
	switch ref.Kind {
	case reconcile.EntityFolder:
		err = r.Folders.SetClient(ctx, ref.ID, clientID, r.now())
	case reconcile.EntityItem:
		err = r.Items.SetClient(ctx, ref.ID, clientID, r.now())
	default:
		return fmt.Errorf("set client: unsupported entity %s", ref)
	}
	if err != nil {
		return err
	}
	r.recordChange(ctx, collectionOf(ref.Kind), ref.ID)
	return nil
}

func (r *Repository) MarkFolderDirty(ctx context.Context, folderID string) error {
	return r.Folders.MarkDirty(ctx, folderID)
}

// WriteValue stores a recomputed derived value. It records no change event
// so derived writes never retrigger the jobs that produce them.
func (r *Repository) WriteValue(ctx context.Context, ref reconcile.Ref, field reconcile.Field, value uint64) error {
	switch {
	case ref.Kind == reconcile.EntityFolder && field == reconcile.FieldContentSize:
		return r.Folders.WriteContentSize(ctx, ref.ID, value, r.now())
	case ref.Kind == reconcile.EntityItem && field == reconcile.FieldItemSize:
		if err := r.Items.SetSize(ctx, ref.ID, value, r.now()); err != nil {
			return err
		}
		return r.markItemFolderDirty(ctx, ref.ID)
	case ref.Kind == reconcile.EntityClient && field == reconcile.FieldStorageUsed:
		return r.Clients.SetUsage(ctx, ref.ID, value, r.now())
	default:
		return fmt.Errorf("write %s: unsupported field for %s", field, ref)
	}
}

func (r *Repository) MarkItemDeleted(ctx context.Context, itemID string, at time.Time) error {
	if err := r.Items.MarkDeleted(ctx, itemID, at); err != nil {
		return err
	}
	r.recordChange(ctx, CollectionItems, itemID)
	return r.markItemFolderDirty(ctx, itemID)
}

// markItemFolderDirty flags the folder holding the item for recomputation.
func (r *Repository) markItemFolderDirty(ctx context.Context, itemID string) error {
	it, err := r.Items.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if it.FolderID == "" {
		return nil
	}
	if err := r.Folders.MarkDirty(ctx, it.FolderID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	r.recordChange(ctx, CollectionFolders, it.FolderID)
	return nil
}

func (r *Repository) PurgeItem(ctx context.Context, itemID string) error {
	return r.Items.Purge(ctx, itemID)
}

// EnsurePlaceholder creates the client's folder with role when missing and
// keeps the client's reference to it current.
func (r *Repository) EnsurePlaceholder(ctx context.Context, clientID string, role reconcile.PlaceholderRole) (string, error) {
	if _, err := r.Clients.Get(ctx, clientID); err != nil {
		return "", err
	}

	var (
		folderID string
		created  bool
	)
	err := r.inTx(ctx, func(tx *Repository) error {
		if role == reconcile.PlaceholderLostFound {
			root, rootCreated, err := tx.Folders.EnsureRole(ctx, clientID, reconcile.PlaceholderRoot)
			if err != nil {
				return err
			}
			if err := tx.Clients.SetPlaceholder(ctx, clientID, reconcile.PlaceholderRoot, root.ID); err != nil {
				return err
			}
			created = created || rootCreated
		}
		folder, folderCreated, err := tx.Folders.EnsureRole(ctx, clientID, role)
		if err != nil {
			return err
		}
		folderID = folder.ID
		created = created || folderCreated
		return tx.Clients.SetPlaceholder(ctx, clientID, role, folder.ID)
	})
	if err != nil {
		return "", fmt.Errorf("ensure %s folder for client %s: %w", role, clientID, err)
	}
	if created {
		log.Debug().Str("client", clientID).Str("role", string(role)).Str("folder", folderID).Msg("created placeholder folder")
		r.recordChange(ctx, CollectionFolders, folderID)
	}
	return folderID, nil
}

func (r *Repository) Begin(ctx context.Context, job string, trigger reconcile.TriggerMode, params reconcile.Params) (int64, error) {
	return r.Runs.CreateRunIfNoActive(ctx, job, trigger, params)
}

func (r *Repository) Finish(ctx context.Context, report *reconcile.RunReport) error {
	return r.inTx(ctx, func(tx *Repository) error {
		return tx.Runs.Finish(ctx, report)
	})
}

// recordChange appends a change event. Failures only cost a watch wake-up
// and are logged.
func (r *Repository) recordChange(ctx context.Context, collection, entityID string) {
	if _, err := r.Changes.Record(ctx, collection, entityID); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("collection", collection).Str("entity", entityID).Msg("failed to record change event")
	}
	for _, fn := range r.listeners {
		fn(ctx, collection, entityID)
	}
}

func collectionOf(kind reconcile.EntityKind) string {
	switch kind {
	case reconcile.EntityFolder:
		return CollectionFolders
	case reconcile.EntityItem:
		return CollectionItems
	default:
		return CollectionClients
	}
}

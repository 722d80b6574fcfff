// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrEntityNotFound is returned by a DataWriter when the entity row is gone.
var ErrEntityNotFound = errors.New("entity not found")

// DataWriter is the primary store as seen by the applier. Every method is
// scoped to one entity and must be safe to call twice with the same input.
type DataWriter interface {
	ItemStorages(ctx context.Context, itemID string) ([]string, error)
	AddItemStorage(ctx context.Context, itemID, storageID string) error
	RemoveItemStorage(ctx context.Context, itemID, storageID string) error

	// SetParent moves the entity and returns the parent it had before.
	SetParent(ctx context.Context, ref Ref, parentID string) (string, error)
	SetClient(ctx context.Context, ref Ref, clientID string) error
	MarkFolderDirty(ctx context.Context, folderID string) error

	WriteValue(ctx context.Context, ref Ref, field Field, value uint64) error
	MarkItemDeleted(ctx context.Context, itemID string, at time.Time) error
	PurgeItem(ctx context.Context, itemID string) error

	// EnsurePlaceholder returns the id of the client's folder with role,
	// creating it when missing.
	EnsurePlaceholder(ctx context.Context, clientID string, role PlaceholderRole) (string, error)
}

// ObjectStore is the payload tier as seen by the applier. Keys are item ids.
type ObjectStore interface {
	Exists(ctx context.Context, backend, key string) (bool, error)
	// Copy reads key from the first source that has it and writes it to dest.
	Copy(ctx context.Context, key string, sources []string, dest string) error
	// Delete removes key from backend. A missing key is not an error.
	Delete(ctx context.Context, backend, key string) error
}

// Applier executes corrective actions.
type Applier struct {
	data    DataWriter
	objects ObjectStore
	now     func() time.Time
}

func NewApplier(data DataWriter, objects ObjectStore) *Applier {
	return &Applier{data: data, objects: objects, now: time.Now}
}

// Apply executes one action. Failures are returned as *ApplyError.
func (a *Applier) Apply(ctx context.Context, env *Env, act Action) error {
	if err := ctx.Err(); err != nil {
		return &ApplyError{Action: act, Err: err}
	}
	if err := a.apply(ctx, env, act); err != nil {
		return &ApplyError{Action: act, Err: err}
	}
	return nil
}

func (a *Applier) apply(ctx context.Context, env *Env, act Action) error {
	switch act := act.(type) {
	case AddToStorage:
		return a.addToStorage(ctx, act)
	case RemoveFromStorage:
		return a.removeFromStorage(ctx, act)
	case MoveToLocation:
		return a.moveToLocation(ctx, env, act)
	case CorrectClient:
		return a.correctClient(ctx, env, act)
	case RecomputeAndWrite:
		return a.data.WriteValue(ctx, act.Entity, act.Field, act.Value)
	case MarkDeleted:
		at := act.At
		if at.IsZero() {
			at = a.now()
		}
		return a.data.MarkItemDeleted(ctx, act.ItemID, at)
	case CreatePlaceholder:
		_, err := a.placeholder(ctx, env, act.ClientID, act.Role)
		return err
	case Purge:
		return a.purge(ctx, act)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, act)
	}
}

func (a *Applier) addToStorage(ctx context.Context, act AddToStorage) error {
	if a.objects == nil {
		return errors.New("no object store configured")
	}
	current, err := a.data.ItemStorages(ctx, act.ItemID)
	if err != nil {
		return err
	}
	if slices.Contains(current, act.StorageID) {
		return nil
	}

	exists, err := a.objects.Exists(ctx, act.StorageID, act.ItemID)
	if err != nil {
		return fmt.Errorf("check %s on %s: %w", act.ItemID, act.StorageID, err)
	}
	if !exists {
		sources := copySources(act.Sources, current)
		if len(sources) == 0 {
			return fmt.Errorf("%w for %s", ErrNoSource, act.ItemID)
		}
		if err := a.objects.Copy(ctx, act.ItemID, sources, act.StorageID); err != nil {
			return fmt.Errorf("copy %s to %s: %w", act.ItemID, act.StorageID, err)
		}
	}

	// record only after the payload is in place
	return a.data.AddItemStorage(ctx, act.ItemID, act.StorageID)
}

// copySources keeps the preferred order of the action's sources but only
// trusts storages that are recorded right now.
func copySources(preferred, recorded []string) []string {
	out := make([]string, 0, len(recorded))
	for _, s := range preferred {
		if slices.Contains(recorded, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	for _, s := range recorded {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func (a *Applier) removeFromStorage(ctx context.Context, act RemoveFromStorage) error {
	if a.objects == nil {
		return errors.New("no object store configured")
	}
	current, err := a.data.ItemStorages(ctx, act.ItemID)
	if errors.Is(err, ErrEntityNotFound) && act.AllowLast {
		current = nil
	} else if err != nil {
		return err
	}

	recorded := slices.Contains(current, act.StorageID)
	if recorded && len(current) == 1 && !act.AllowLast {
		return fmt.Errorf("%w: %s on %s", ErrLastCopy, act.ItemID, act.StorageID)
	}

	if err := a.objects.Delete(ctx, act.StorageID, act.ItemID); err != nil {
		return fmt.Errorf("delete %s from %s: %w", act.ItemID, act.StorageID, err)
	}
	if !recorded {
		return nil
	}
	return a.data.RemoveItemStorage(ctx, act.ItemID, act.StorageID)
}

func (a *Applier) moveToLocation(ctx context.Context, env *Env, act MoveToLocation) error {
	dest := act.ParentID
	if act.LostFound {
		id, err := a.placeholder(ctx, env, act.ClientID, PlaceholderLostFound)
		if err != nil {
			return err
		}
		dest = id
	}
	if dest == "" {
		return fmt.Errorf("%w: no destination for %s", ErrMissingReference, act.Entity)
	}
	if act.Entity.Kind == EntityFolder && dest == act.Entity.ID {
		return fmt.Errorf("%w: %s cannot be its own parent", ErrCycle, act.Entity)
	}
	return a.relocate(ctx, act.Entity, dest)
}

func (a *Applier) correctClient(ctx context.Context, env *Env, act CorrectClient) error {
	if act.ToClientID == "" {
		return fmt.Errorf("%w: no client to assign %s to", ErrMissingReference, act.Entity)
	}
	dest, err := a.placeholder(ctx, env, act.ToClientID, PlaceholderLostFound)
	if err != nil {
		return err
	}
	if err := a.data.SetClient(ctx, act.Entity, act.ToClientID); err != nil {
		return err
	}
	return a.relocate(ctx, act.Entity, dest)
}

// relocate sets the parent and marks both the old and the new folder dirty
// so the next folder-size pass picks them up.
func (a *Applier) relocate(ctx context.Context, entity Ref, dest string) error {
	previous, err := a.data.SetParent(ctx, entity, dest)
	if err != nil {
		return err
	}
	if previous != "" && previous != dest {
		if err := a.data.MarkFolderDirty(ctx, previous); err != nil && !errors.Is(err, ErrEntityNotFound) {
			return err
		}
	}
	return a.data.MarkFolderDirty(ctx, dest)
}

func (a *Applier) placeholder(ctx context.Context, env *Env, clientID string, role PlaceholderRole) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("%w: placeholder without client", ErrMissingReference)
	}
	load := func() (string, error) {
		return a.data.EnsurePlaceholder(ctx, clientID, role)
	}
	if env == nil || env.Cache == nil {
		return load()
	}
	return env.Cache.LoadString("placeholder:"+string(role)+":"+clientID, load)
}

func (a *Applier) purge(ctx context.Context, act Purge) error {
	current, err := a.data.ItemStorages(ctx, act.ItemID)
	if errors.Is(err, ErrEntityNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(current) > 0 {
		return fmt.Errorf("item %s still has payloads on %v", act.ItemID, current)
	}
	return a.data.PurgeItem(ctx, act.ItemID)
}

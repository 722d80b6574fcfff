// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"fmt"
	"time"
)

type ActionKind string

const (
	KindAddToStorage      ActionKind = "add-to-storage"
	KindRemoveFromStorage ActionKind = "remove-from-storage"
	KindMoveToLocation    ActionKind = "move-to-location"
	KindCorrectClient     ActionKind = "correct-client"
	KindRecomputeAndWrite ActionKind = "recompute-and-write"
	KindMarkDeleted       ActionKind = "mark-deleted"
	KindCreatePlaceholder ActionKind = "create-placeholder"
	KindPurge             ActionKind = "purge"
)

// AllActionKinds lists every action kind the applier handles.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		KindAddToStorage,
		KindRemoveFromStorage,
		KindMoveToLocation,
		KindCorrectClient,
		KindRecomputeAndWrite,
		KindMarkDeleted,
		KindCreatePlaceholder,
		KindPurge,
	}
}

// Action is one corrective fix. The set of implementations is closed: only
// types in this package satisfy it.
type Action interface {
	Kind() ActionKind
	Target() Ref
	String() string

	isAction()
}

// Field names a derived value written by RecomputeAndWrite.
type Field string

const (
	FieldContentSize Field = "content_size"
	FieldItemSize    Field = "size"
	FieldStorageUsed Field = "storage_used"
)

// PlaceholderRole names a well-known per-client folder.
type PlaceholderRole string

const (
	PlaceholderRoot      PlaceholderRole = "root"
	PlaceholderLostFound PlaceholderRole = "lost_found"
)

// AddToStorage copies an item's payload to StorageID and records it.
type AddToStorage struct {
	ItemID    string
	StorageID string
	// Sources are the storages the payload can be read from, in preference order.
	Sources []string
}

// RemoveFromStorage deletes an item's payload from StorageID and drops it
// from the recorded set. Unless AllowLast is set it refuses to remove the
// last recorded copy.
type RemoveFromStorage struct {
	ItemID    string
	StorageID string
	AllowLast bool
}

// MoveToLocation re-parents a folder or item. With LostFound set, the
// destination is the client's lost+found folder, created on demand.
type MoveToLocation struct {
	Entity    Ref
	ClientID  string
	ParentID  string
	LostFound bool
	// FromParentID is the previous parent, kept for reporting.
	FromParentID string
}

// CorrectClient reassigns an entity to the tenant owning its parent and
// relocates it to that tenant's lost+found folder.
type CorrectClient struct {
	Entity       Ref
	FromClientID string
	ToClientID   string
}

// RecomputeAndWrite stores a recomputed derived value.
type RecomputeAndWrite struct {
	Entity   Ref
	Field    Field
	Value    uint64
	Previous *uint64
}

// MarkDeleted soft-deletes an item.
type MarkDeleted struct {
	ItemID string
	At     time.Time
	Reason string
}

// CreatePlaceholder ensures a client's root or lost+found folder exists.
type CreatePlaceholder struct {
	ClientID string
	Role     PlaceholderRole
}

// Purge removes an item record once its payloads are gone.
type Purge struct {
	ItemID string
}

func (AddToStorage) isAction()      {}
func (RemoveFromStorage) isAction() {}
func (MoveToLocation) isAction()    {}
func (CorrectClient) isAction()     {}
func (RecomputeAndWrite) isAction() {}
func (MarkDeleted) isAction()       {}
func (CreatePlaceholder) isAction() {}
func (Purge) isAction()             {}

func (AddToStorage) Kind() ActionKind      { return KindAddToStorage }
func (RemoveFromStorage) Kind() ActionKind { return KindRemoveFromStorage }
func (MoveToLocation) Kind() ActionKind    { return KindMoveToLocation }
func (CorrectClient) Kind() ActionKind     { return KindCorrectClient }
func (RecomputeAndWrite) Kind() ActionKind { return KindRecomputeAndWrite }
func (MarkDeleted) Kind() ActionKind       { return KindMarkDeleted }
func (CreatePlaceholder) Kind() ActionKind { return KindCreatePlaceholder }
func (Purge) Kind() ActionKind             { return KindPurge }

func (a AddToStorage) Target() Ref      { return Ref{Kind: EntityItem, ID: a.ItemID} }
func (a RemoveFromStorage) Target() Ref { return Ref{Kind: EntityItem, ID: a.ItemID} }
func (a MoveToLocation) Target() Ref    { return a.Entity }
func (a CorrectClient) Target() Ref     { return a.Entity }
func (a RecomputeAndWrite) Target() Ref { return a.Entity }
func (a MarkDeleted) Target() Ref       { return Ref{Kind: EntityItem, ID: a.ItemID} }
func (a CreatePlaceholder) Target() Ref { return Ref{Kind: EntityClient, ID: a.ClientID} }
func (a Purge) Target() Ref             { return Ref{Kind: EntityItem, ID: a.ItemID} }

func (a AddToStorage) String() string {
	return fmt.Sprintf("add %s to storage %s", a.ItemID, a.StorageID)
}

func (a RemoveFromStorage) String() string {
	return fmt.Sprintf("remove %s from storage %s", a.ItemID, a.StorageID)
}

func (a MoveToLocation) String() string {
	if a.LostFound {
		return fmt.Sprintf("move %s to lost+found of client %s", a.Entity, a.ClientID)
	}
	return fmt.Sprintf("move %s to folder %s", a.Entity, a.ParentID)
}

func (a CorrectClient) String() string {
	return fmt.Sprintf("correct client of %s from %s to %s", a.Entity, a.FromClientID, a.ToClientID)
}

func (a RecomputeAndWrite) String() string {
	if a.Previous == nil {
		return fmt.Sprintf("write %s of %s = %d (was unset)", a.Field, a.Entity, a.Value)
	}
	return fmt.Sprintf("write %s of %s = %d (was %d)", a.Field, a.Entity, a.Value, *a.Previous)
}

func (a MarkDeleted) String() string {
	if a.Reason != "" {
		return fmt.Sprintf("mark %s deleted: %s", a.ItemID, a.Reason)
	}
	return fmt.Sprintf("mark %s deleted", a.ItemID)
}

func (a CreatePlaceholder) String() string {
	return fmt.Sprintf("create %s folder for client %s", a.Role, a.ClientID)
}

func (a Purge) String() string {
	return fmt.Sprintf("purge %s", a.ItemID)
}

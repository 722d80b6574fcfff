// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconcile runs scan -> diff -> apply -> report passes that bring
// derived state in the primary store and the object storage tier back in
// line with ground truth.
package reconcile

import (
	"fmt"
	"time"
)

// EntityKind identifies the collection a target lives in.
type EntityKind string

const (
	EntityFolder EntityKind = "folder"
	EntityItem   EntityKind = "item"
	EntityClient EntityKind = "client"
)

// Ref is the identity of one entity.
type Ref struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// LockKey is the advisory lock key used to serialize writes to the entity.
func (r Ref) LockKey() string {
	return "target:" + string(r.Kind) + ":" + r.ID
}

// Target carries the identity of an entity plus the minimal fields a diff
// needs. It never holds the full document.
type Target struct {
	Ref
	ClientID string
	ParentID string

	// Size is the recorded derived size (folder content size, item size or
	// client usage). Nil means the field is absent.
	Size     *uint64
	Storages []string
	Dirty    bool
	Stamp    time.Time
}

// Orphan is a target whose parent reference does not resolve.
type Orphan struct {
	Target        Target
	MissingParent string
}

// WorkSet is the output of a scan.
type WorkSet struct {
	Targets []Target
	Orphans []Orphan

	// Ref holds job specific reference data computed during the scan, for
	// example the desired storage set per client.
	Ref any
}

// Identity is the user or tenant on whose behalf a run executes.
type Identity struct {
	ClientID string `json:"clientId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	System   bool   `json:"system,omitempty"`
}

// SystemIdentity is used for writes that need elevated rights.
var SystemIdentity = Identity{UserID: "system", System: true}

// TriggerMode describes how a job is started.
type TriggerMode string

const (
	TriggerCron     TriggerMode = "periodic-cron"
	TriggerInterval TriggerMode = "periodic-interval"
	TriggerWatch    TriggerMode = "on-change-watch"
	TriggerManual   TriggerMode = "manual"
)

func (m TriggerMode) Valid() bool {
	switch m {
	case TriggerCron, TriggerInterval, TriggerWatch, TriggerManual:
		return true
	}
	return false
}

// Descriptor describes one registered reconciliation job.
type Descriptor struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Trigger     TriggerMode   `json:"trigger"`
	Schedule    string        `json:"schedule,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	Watch       []string      `json:"watch,omitempty"`
	Params      []ParamSpec   `json:"params,omitempty"`
}

// Validate checks that the descriptor is usable for registration.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty job name", ErrInvalidDescriptor)
	}
	if !d.Trigger.Valid() {
		return fmt.Errorf("%w: job %s has unknown trigger %q", ErrInvalidDescriptor, d.Name, d.Trigger)
	}
	switch d.Trigger {
	case TriggerCron:
		if d.Schedule == "" {
			return fmt.Errorf("%w: job %s needs a cron schedule", ErrInvalidDescriptor, d.Name)
		}
	case TriggerInterval:
		if d.Interval <= 0 {
			return fmt.Errorf("%w: job %s needs a positive interval", ErrInvalidDescriptor, d.Name)
		}
	case TriggerWatch:
		if len(d.Watch) == 0 {
			return fmt.Errorf("%w: job %s watches no collections", ErrInvalidDescriptor, d.Name)
		}
	}
	return nil
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"errors"
	"fmt"
)

// ErrClientMismatch is returned by DiffParent when a parent belongs to a
// different client and automatic reassignment is disabled.
var ErrClientMismatch = errors.New("parent belongs to a different client")

// Parent is what a scan resolved for a target's parent reference.
type Parent struct {
	ID       string
	ClientID string
	Exists   bool
}

// ParentPolicy controls how DiffParent repairs client mismatches.
type ParentPolicy struct {
	// CorrectClient allows reassigning a target to its parent's client.
	CorrectClient bool
}

// DiffParent returns the repair for a target's parent reference. A parent
// that does not resolve yields a single move to the client's lost+found
// folder. A parent owned by another client yields a single CorrectClient.
// The two are mutually exclusive; a consistent target yields nothing.
func DiffParent(t Target, parent Parent, policy ParentPolicy) ([]Action, error) {
	if t.ParentID == "" {
		return nil, nil
	}

	if !parent.Exists {
		if t.ClientID == "" {
			return nil, NewDiffError(t.Ref, fmt.Errorf("%w: orphan without client", ErrMissingReference))
		}
		return []Action{MoveToLocation{
			Entity:       t.Ref,
			ClientID:     t.ClientID,
			LostFound:    true,
			FromParentID: t.ParentID,
		}}, nil
	}

	if parent.ClientID == t.ClientID {
		return nil, nil
	}
	if parent.ClientID == "" {
		return nil, NewDiffError(t.Ref, fmt.Errorf("%w: parent %s has no client", ErrMissingReference, parent.ID))
	}
	if !policy.CorrectClient {
		return nil, NewDiffError(t.Ref, fmt.Errorf("%w: %s owns parent %s, %s owns target", ErrClientMismatch, parent.ClientID, parent.ID, t.ClientID))
	}

	return []Action{CorrectClient{
		Entity:       t.Ref,
		FromClientID: t.ClientID,
		ToClientID:   parent.ClientID,
	}}, nil
}

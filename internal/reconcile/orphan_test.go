// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffParent(t *testing.T) {
	t.Parallel()

	target := Target{Ref: Ref{Kind: EntityFolder, ID: "f1"}, ClientID: "c1", ParentID: "p1"}
	policy := ParentPolicy{CorrectClient: true}

	tests := []struct {
		name     string
		target   Target
		parent   Parent
		wantKind ActionKind
		wantNone bool
	}{
		{
			name:     "missing parent moves to lost+found",
			target:   target,
			parent:   Parent{ID: "p1"},
			wantKind: KindMoveToLocation,
		},
		{
			name:     "foreign parent corrects client",
			target:   target,
			parent:   Parent{ID: "p1", ClientID: "c2", Exists: true},
			wantKind: KindCorrectClient,
		},
		{
			name:     "consistent parent",
			target:   target,
			parent:   Parent{ID: "p1", ClientID: "c1", Exists: true},
			wantNone: true,
		},
		{
			name:     "top level",
			target:   Target{Ref: Ref{Kind: EntityFolder, ID: "root"}, ClientID: "c1"},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			actions, err := DiffParent(tt.target, tt.parent, policy)
			require.NoError(t, err)
			if tt.wantNone {
				assert.Empty(t, actions)
				return
			}
			require.Len(t, actions, 1, "orphan repair must produce exactly one action")
			assert.Equal(t, tt.wantKind, actions[0].Kind())
		})
	}
}

func TestDiffParentActionDetails(t *testing.T) {
	t.Parallel()

	item := Target{Ref: Ref{Kind: EntityItem, ID: "i1"}, ClientID: "c1", ParentID: "gone"}

	actions, err := DiffParent(item, Parent{ID: "gone"}, ParentPolicy{})
	require.NoError(t, err)
	move := actions[0].(MoveToLocation)
	assert.True(t, move.LostFound)
	assert.Equal(t, "c1", move.ClientID)
	assert.Equal(t, "gone", move.FromParentID)

	item.ParentID = "other"
	actions, err = DiffParent(item, Parent{ID: "other", ClientID: "c9", Exists: true}, ParentPolicy{CorrectClient: true})
	require.NoError(t, err)
	correct := actions[0].(CorrectClient)
	assert.Equal(t, "c1", correct.FromClientID)
	assert.Equal(t, "c9", correct.ToClientID)
}

func TestDiffParentClientMismatchWithoutPolicy(t *testing.T) {
	t.Parallel()

	target := Target{Ref: Ref{Kind: EntityItem, ID: "i1"}, ClientID: "c1", ParentID: "p"}
	actions, err := DiffParent(target, Parent{ID: "p", ClientID: "c2", Exists: true}, ParentPolicy{})
	assert.Empty(t, actions)
	require.ErrorIs(t, err, ErrClientMismatch)

	var diffErr *DiffError
	require.ErrorAs(t, err, &diffErr)
}

func TestDiffParentOrphanWithoutClient(t *testing.T) {
	t.Parallel()

	target := Target{Ref: Ref{Kind: EntityItem, ID: "i1"}, ParentID: "p"}
	_, err := DiffParent(target, Parent{ID: "p"}, ParentPolicy{})
	require.ErrorIs(t, err, ErrMissingReference)
}

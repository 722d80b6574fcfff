// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffStoragesAddBeforeRemove(t *testing.T) {
	t.Parallel()

	actions, err := DiffStorages("item-1", []string{"s2", "s3"}, []string{"s1", "s2"})
	require.NoError(t, err)
	require.Len(t, actions, 2)

	add, ok := actions[0].(AddToStorage)
	require.True(t, ok, "first action should be an add, got %T", actions[0])
	assert.Equal(t, "s3", add.StorageID)
	assert.Equal(t, []string{"s2", "s1"}, add.Sources)

	remove, ok := actions[1].(RemoveFromStorage)
	require.True(t, ok, "second action should be a remove, got %T", actions[1])
	assert.Equal(t, "s1", remove.StorageID)
	assert.False(t, remove.AllowLast)

	final := ApplyStorageActions([]string{"s1", "s2"}, actions, nil)
	assert.Equal(t, []string{"s2", "s3"}, final)
}

func TestDiffStoragesCompleteness(t *testing.T) {
	t.Parallel()

	universe := []string{"a", "b", "c", "d"}
	subsets := func() [][]string {
		var out [][]string
		for mask := 0; mask < 1<<len(universe); mask++ {
			var set []string
			for i, s := range universe {
				if mask&(1<<i) != 0 {
					set = append(set, s)
				}
			}
			out = append(out, set)
		}
		return out
	}()

	for _, desired := range subsets {
		for _, current := range subsets {
			actions, err := DiffStorages("item", desired, current)
			if len(desired) == 0 {
				require.Error(t, err)
				continue
			}
			require.NoError(t, err)

			seenRemove := false
			for _, a := range actions {
				switch a.(type) {
				case RemoveFromStorage:
					seenRemove = true
				case AddToStorage:
					require.False(t, seenRemove, "add after remove for desired=%v current=%v", desired, current)
				}
			}

			final := ApplyStorageActions(current, actions, func(step int, set []string) {
				if len(current) > 0 {
					require.NotEmpty(t, set, "zero copies at step %d for desired=%v current=%v", step, desired, current)
				}
			})
			assert.Equal(t, DesiredStorages(desired, nil), final, "desired=%v current=%v", desired, current)
		}
	}
}

func TestDiffStoragesNoop(t *testing.T) {
	t.Parallel()

	actions, err := DiffStorages("item", []string{"s1"}, []string{"s1"})
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestDiffStoragesEmptyDesiredIsDiffError(t *testing.T) {
	t.Parallel()

	_, err := DiffStorages("item", nil, []string{"s1"})
	var diffErr *DiffError
	require.ErrorAs(t, err, &diffErr)
	assert.Equal(t, Ref{Kind: EntityItem, ID: "item"}, diffErr.Target)
	assert.ErrorIs(t, err, ErrMissingReference)
}

func TestDesiredStoragesUnion(t *testing.T) {
	t.Parallel()

	got := DesiredStorages([]string{"s3", "s1", ""}, []string{"s1", "s2"})
	assert.Equal(t, []string{"s1", "s2", "s3"}, got)
}

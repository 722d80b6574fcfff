// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"fmt"
	"slices"
)

// DesiredStorages is the union of the client's and the plan's configured
// storages, sorted and without duplicates.
func DesiredStorages(clientStorages, planStorages []string) []string {
	out := make([]string, 0, len(clientStorages)+len(planStorages))
	out = append(out, clientStorages...)
	out = append(out, planStorages...)
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}

// DiffStorages returns the actions that turn current into desired for one
// item. All adds come before all removes so the item always keeps at least
// one copy while the sequence is applied. An empty desired set is a
// DiffError: removing every copy is never a repair.
func DiffStorages(itemID string, desired, current []string) ([]Action, error) {
	if len(desired) == 0 {
		return nil, NewDiffError(Ref{Kind: EntityItem, ID: itemID}, fmt.Errorf("%w: no desired storages", ErrMissingReference))
	}

	want := setOf(desired)
	have := setOf(current)

	var adds, removes []Action
	for _, s := range sortedKeys(want) {
		if _, ok := have[s]; ok {
			continue
		}
		sources := make([]string, 0, len(have))
		for _, c := range sortedKeys(have) {
			if _, keep := want[c]; keep {
				sources = append(sources, c)
			}
		}
		for _, c := range sortedKeys(have) {
			if _, keep := want[c]; !keep {
				sources = append(sources, c)
			}
		}
		adds = append(adds, AddToStorage{ItemID: itemID, StorageID: s, Sources: sources})
	}
	for _, s := range sortedKeys(have) {
		if _, ok := want[s]; ok {
			continue
		}
		removes = append(removes, RemoveFromStorage{ItemID: itemID, StorageID: s})
	}

	return append(adds, removes...), nil
}

// ApplyStorageActions simulates the storage set after each action, in order.
// It is used to verify that an action list never drops to zero copies.
func ApplyStorageActions(current []string, actions []Action, visit func(step int, set []string)) []string {
	set := setOf(current)
	for i, a := range actions {
		switch a := a.(type) {
		case AddToStorage:
			set[a.StorageID] = struct{}{}
		case RemoveFromStorage:
			delete(set, a.StorageID)
		}
		if visit != nil {
			visit(i, sortedKeys(set))
		}
	}
	return sortedKeys(set)
}

func setOf(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

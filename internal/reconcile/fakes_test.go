// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

type fakeEntity struct {
	clientID string
	parentID string
	values   map[Field]uint64
	deleted  *time.Time
	dirty    bool
	role     PlaceholderRole
}

// fakeData is an in-memory DataWriter.
type fakeData struct {
	mu       sync.Mutex
	entities map[Ref]*fakeEntity
	storages map[string]map[string]struct{}
	created  int
	// onAdd observes the storage set after every write.
	onWrite func(itemID string, set []string)
	failOn  map[string]error
}

func newFakeData() *fakeData {
	return &fakeData{
		entities: make(map[Ref]*fakeEntity),
		storages: make(map[string]map[string]struct{}),
		failOn:   make(map[string]error),
	}
}

func (f *fakeData) addFolder(id, clientID, parentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[Ref{Kind: EntityFolder, ID: id}] = &fakeEntity{clientID: clientID, parentID: parentID, values: map[Field]uint64{}}
}

func (f *fakeData) addItem(id, clientID, folderID string, storages ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[Ref{Kind: EntityItem, ID: id}] = &fakeEntity{clientID: clientID, parentID: folderID, values: map[Field]uint64{}}
	set := make(map[string]struct{})
	for _, s := range storages {
		set[s] = struct{}{}
	}
	f.storages[id] = set
}

func (f *fakeData) entity(ref Ref) *fakeEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[ref]
}

func (f *fakeData) snapshot() map[Ref]fakeEntity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Ref]fakeEntity, len(f.entities))
	for ref, e := range f.entities {
		c := *e
		c.values = maps.Clone(e.values)
		out[ref] = c
	}
	return out
}

func (f *fakeData) storageSet(itemID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.storages[itemID]))
}

func (f *fakeData) fail(op string) error {
	if err, ok := f.failOn[op]; ok {
		return err
	}
	return nil
}

func (f *fakeData) ItemStorages(_ context.Context, itemID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[Ref{Kind: EntityItem, ID: itemID}]; !ok {
		return nil, ErrEntityNotFound
	}
	return slices.Sorted(maps.Keys(f.storages[itemID])), nil
}

func (f *fakeData) AddItemStorage(_ context.Context, itemID, storageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("add:" + storageID); err != nil {
		return err
	}
	if f.storages[itemID] == nil {
		f.storages[itemID] = make(map[string]struct{})
	}
	f.storages[itemID][storageID] = struct{}{}
	if f.onWrite != nil {
		f.onWrite(itemID, slices.Sorted(maps.Keys(f.storages[itemID])))
	}
	return nil
}

func (f *fakeData) RemoveItemStorage(_ context.Context, itemID, storageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.storages[itemID], storageID)
	if f.onWrite != nil {
		f.onWrite(itemID, slices.Sorted(maps.Keys(f.storages[itemID])))
	}
	return nil
}

func (f *fakeData) SetParent(_ context.Context, ref Ref, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[ref]
	if !ok {
		return "", ErrEntityNotFound
	}
	prev := e.parentID
	e.parentID = parentID
	return prev, nil
}

func (f *fakeData) SetClient(_ context.Context, ref Ref, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[ref]
	if !ok {
		return ErrEntityNotFound
	}
	e.clientID = clientID
	return nil
}

func (f *fakeData) MarkFolderDirty(_ context.Context, folderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[Ref{Kind: EntityFolder, ID: folderID}]
	if !ok {
		return ErrEntityNotFound
	}
	e.dirty = true
	return nil
}

func (f *fakeData) WriteValue(_ context.Context, ref Ref, field Field, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("write:" + ref.ID); err != nil {
		return err
	}
	e, ok := f.entities[ref]
	if !ok {
		return ErrEntityNotFound
	}
	e.values[field] = value
	if ref.Kind == EntityFolder {
		e.dirty = false
	}
	return nil
}

func (f *fakeData) MarkItemDeleted(_ context.Context, itemID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[Ref{Kind: EntityItem, ID: itemID}]
	if !ok {
		return ErrEntityNotFound
	}
	if e.deleted == nil {
		e.deleted = &at
	}
	return nil
}

func (f *fakeData) PurgeItem(_ context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, Ref{Kind: EntityItem, ID: itemID})
	delete(f.storages, itemID)
	return nil
}

func (f *fakeData) EnsurePlaceholder(_ context.Context, clientID string, role PlaceholderRole) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ref, e := range f.entities {
		if ref.Kind == EntityFolder && e.clientID == clientID && e.role == role {
			return ref.ID, nil
		}
	}
	f.created++
	id := fmt.Sprintf("%s-%s", role, clientID)
	f.entities[Ref{Kind: EntityFolder, ID: id}] = &fakeEntity{clientID: clientID, role: role, values: map[Field]uint64{}}
	return id, nil
}

// fakeObjects is an in-memory ObjectStore keyed by backend then key.
type fakeObjects struct {
	mu       sync.Mutex
	backends map[string]map[string][]byte
	copies   int
	failCopy map[string]error
}

func newFakeObjects(backends ...string) *fakeObjects {
	f := &fakeObjects{backends: make(map[string]map[string][]byte), failCopy: make(map[string]error)}
	for _, b := range backends {
		f.backends[b] = make(map[string][]byte)
	}
	return f
}

func (f *fakeObjects) put(backend, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[backend][key] = data
}

func (f *fakeObjects) has(backend, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.backends[backend][key]
	return ok
}

func (f *fakeObjects) Exists(_ context.Context, backend, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[backend]
	if !ok {
		return false, fmt.Errorf("unknown backend %s", backend)
	}
	_, ok = b[key]
	return ok, nil
}

func (f *fakeObjects) Copy(_ context.Context, key string, sources []string, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failCopy[dest]; ok {
		return err
	}
	for _, src := range sources {
		if data, ok := f.backends[src][key]; ok {
			f.backends[dest][key] = slices.Clone(data)
			f.copies++
			return nil
		}
	}
	return errors.New("not found on any source")
}

func (f *fakeObjects) Delete(_ context.Context, backend, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.backends[backend], key)
	return nil
}

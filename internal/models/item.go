// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nukleus/jobagent/internal/dbinterface"
	"github.com/nukleus/jobagent/internal/reconcile"
)

type UploadState string

const (
	UploadComplete   UploadState = "complete"
	UploadInProgress UploadState = "uploading"
)

type Item struct {
	ID                string      `json:"id"`
	ClientID          string      `json:"clientId"`
	FolderID          string      `json:"folderId,omitempty"`
	Name              string      `json:"name"`
	Size              *uint64     `json:"size,omitempty"`
	UploadState       UploadState `json:"uploadState"`
	UploadHeartbeatAt *time.Time  `json:"uploadHeartbeatAt,omitempty"`
	DeletedAt         *time.Time  `json:"deletedAt,omitempty"`
	Storages          []string    `json:"storages,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// Target returns the reconciliation view of the item.
func (i *Item) Target() reconcile.Target {
	t := reconcile.Target{
		Ref:      reconcile.Ref{Kind: reconcile.EntityItem, ID: i.ID},
		ClientID: i.ClientID,
		ParentID: i.FolderID,
		Size:     i.Size,
		Storages: i.Storages,
		Stamp:    i.UpdatedAt,
	}
	if i.DeletedAt != nil {
		t.Stamp = *i.DeletedAt
	}
	return t
}

type ItemStore struct {
	db dbinterface.Querier
}

func NewItemStore(db dbinterface.Querier) *ItemStore {
	return &ItemStore{db: db}
}

const itemColumns = `
	i.id, i.client_id, i.folder_id, i.name, i.size, i.upload_state,
	i.upload_heartbeat_at, i.deleted_at, i.created_at, i.updated_at
`

func scanItem(row rowScanner, extra ...any) (*Item, error) {
	var (
		it                 Item
		folderID           sql.NullString
		size               sql.NullInt64
		state              string
		heartbeat, deleted sql.NullTime
	)
	dest := append([]any{&it.ID, &it.ClientID, &folderID, &it.Name, &size, &state, &heartbeat, &deleted, &it.CreatedAt, &it.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	it.FolderID = nullString(folderID)
	it.Size = nullSize(size)
	it.UploadState = UploadState(state)
	it.UploadHeartbeatAt = nullTimePtr(heartbeat)
	it.DeletedAt = nullTimePtr(deleted)
	return &it, nil
}

func (s *ItemStore) queryItems(ctx context.Context, where string, args ...any) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+itemColumns+" FROM items i "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Create inserts an item with its recorded storage set.
func (s *ItemStore) Create(ctx context.Context, it *Item) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.UploadState == "" {
		it.UploadState = UploadComplete
	}
	var heartbeat, deleted any
	if it.UploadHeartbeatAt != nil {
		heartbeat = dbTime(*it.UploadHeartbeatAt)
	}
	if it.DeletedAt != nil {
		deleted = dbTime(*it.DeletedAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, client_id, folder_id, name, size, upload_state, upload_heartbeat_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.ClientID, stringArg(it.FolderID), it.Name, sizeArg(it.Size), string(it.UploadState), heartbeat, deleted)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("item %s: %w", it.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	for _, storage := range it.Storages {
		if err := s.AddStorage(ctx, it.ID, storage); err != nil {
			return err
		}
	}
	return nil
}

func (s *ItemStore) Get(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM items i WHERE i.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	if it.Storages, err = s.Storages(ctx, id); err != nil {
		return nil, err
	}
	return it, nil
}

// Storages returns the recorded storage set of an item, sorted. A missing
// item yields ErrNotFound.
func (s *ItemStore) Storages(ctx context.Context, itemID string) ([]string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM items WHERE id = ?", itemID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("check item %s: %w", itemID, err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT storage_id FROM item_storages WHERE item_id = ? ORDER BY storage_id", itemID)
	if err != nil {
		return nil, fmt.Errorf("query storages of item %s: %w", itemID, err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddStorage records storageID on the item. Recording it twice is a no-op.
func (s *ItemStore) AddStorage(ctx context.Context, itemID, storageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_storages (item_id, storage_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, itemID, storageID)
	if isForeignKeyConstraintError(err) {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("add storage %s to item %s: %w", storageID, itemID, err)
	}
	return nil
}

func (s *ItemStore) RemoveStorage(ctx context.Context, itemID, storageID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM item_storages WHERE item_id = ? AND storage_id = ?", itemID, storageID); err != nil {
		return fmt.Errorf("remove storage %s from item %s: %w", storageID, itemID, err)
	}
	return nil
}

// SetParent moves the item to folderID and returns its previous folder.
func (s *ItemStore) SetParent(ctx context.Context, id, folderID string, now time.Time) (string, error) {
	var prev sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT folder_id FROM items WHERE id = ?", id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get folder of item %s: %w", id, err)
	}
	if nullString(prev) == folderID {
		return folderID, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE items SET folder_id = ?, updated_at = ? WHERE id = ?
	`, stringArg(folderID), dbTime(now), id); err != nil {
		return "", fmt.Errorf("set folder of item %s: %w", id, err)
	}
	return nullString(prev), nil
}

func (s *ItemStore) SetClient(ctx context.Context, id, clientID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET client_id = ?, updated_at = ? WHERE id = ?
	`, clientID, dbTime(now), id)
	if err != nil {
		return fmt.Errorf("set client of item %s: %w", id, err)
	}
	return expectRow(res, reconcile.EntityItem, id)
}

func (s *ItemStore) SetSize(ctx context.Context, id string, size uint64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET size = ?, updated_at = ? WHERE id = ?
	`, clampInt64(size), dbTime(now), id)
	if err != nil {
		return fmt.Errorf("set size of item %s: %w", id, err)
	}
	return expectRow(res, reconcile.EntityItem, id)
}

// MarkDeleted soft-deletes the item. An item that is already deleted keeps
// its original deletion time.
func (s *ItemStore) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`, dbTime(at), dbTime(at), id)
	if err != nil {
		return fmt.Errorf("mark item %s deleted: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM items WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return err
}

// Purge removes the item row. Its storage records go with it.
func (s *ItemStore) Purge(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id); err != nil {
		return fmt.Errorf("purge item %s: %w", id, err)
	}
	return nil
}

// ListMissingSize returns live items without a recorded size.
func (s *ItemStore) ListMissingSize(ctx context.Context, limit int) ([]*Item, error) {
	where := "WHERE i.size IS NULL AND i.deleted_at IS NULL AND i.upload_state = ? ORDER BY i.id"
	if limit > 0 {
		return s.queryItems(ctx, where+" LIMIT ?", string(UploadComplete), limit)
	}
	return s.queryItems(ctx, where, string(UploadComplete))
}

// ListDeletedBefore returns soft-deleted items deleted before cutoff.
func (s *ItemStore) ListDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Item, error) {
	where := "WHERE i.deleted_at IS NOT NULL AND i.deleted_at < ? ORDER BY i.deleted_at, i.id"
	if limit > 0 {
		return s.queryItems(ctx, where+" LIMIT ?", dbTime(cutoff), limit)
	}
	return s.queryItems(ctx, where, dbTime(cutoff))
}

// ListStaleUploads returns live items still uploading whose last heartbeat
// is older than cutoff, or that never sent one and were created before it.
func (s *ItemStore) ListStaleUploads(ctx context.Context, cutoff time.Time) ([]*Item, error) {
	c := dbTime(cutoff)
	return s.queryItems(ctx, `
		WHERE i.upload_state <> ? AND i.deleted_at IS NULL
		  AND ((i.upload_heartbeat_at IS NOT NULL AND i.upload_heartbeat_at < ?)
		    OR (i.upload_heartbeat_at IS NULL AND i.created_at < ?))
		ORDER BY i.id
	`, string(UploadComplete), c, c)
}

// ListLive returns every item that is not soft-deleted, with storages.
func (s *ItemStore) ListLive(ctx context.Context) ([]*Item, error) {
	items, err := s.queryItems(ctx, "WHERE i.deleted_at IS NULL ORDER BY i.id")
	if err != nil {
		return nil, err
	}
	return items, s.attachStorages(ctx, items)
}

// ListByStorage returns live items recorded on storageID.
func (s *ItemStore) ListByStorage(ctx context.Context, storageID string) ([]*Item, error) {
	items, err := s.queryItems(ctx, `
		WHERE i.deleted_at IS NULL
		  AND EXISTS (SELECT 1 FROM item_storages st WHERE st.item_id = i.id AND st.storage_id = ?)
		ORDER BY i.id
	`, storageID)
	if err != nil {
		return nil, err
	}
	return items, s.attachStorages(ctx, items)
}

// ListOrphans returns items whose folder reference does not resolve.
func (s *ItemStore) ListOrphans(ctx context.Context) ([]*Item, error) {
	return s.queryItems(ctx, `
		WHERE i.folder_id IS NOT NULL AND i.deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM folders f WHERE f.id = i.folder_id)
		ORDER BY i.id
	`)
}

// ListClientMismatches returns live items whose folder belongs to another
// client, with the folder's owner keyed by item id.
func (s *ItemStore) ListClientMismatches(ctx context.Context) ([]*Item, map[string]ParentRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`, f.client_id
		FROM items i
		JOIN folders f ON f.id = i.folder_id
		WHERE f.client_id <> i.client_id AND i.deleted_at IS NULL
		ORDER BY i.id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("query item client mismatches: %w", err)
	}
	defer rows.Close()

	var (
		items   []*Item
		parents = make(map[string]ParentRef)
	)
	for rows.Next() {
		var parentClientID string
		it, err := scanItem(rows, &parentClientID)
		if err != nil {
			return nil, nil, fmt.Errorf("scan item mismatch: %w", err)
		}
		items = append(items, it)
		parents[it.ID] = ParentRef{ID: it.FolderID, ClientID: parentClientID}
	}
	return items, parents, rows.Err()
}

func (s *ItemStore) attachStorages(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	byID := make(map[string]*Item, len(items))
	for _, it := range items {
		it.Storages = []string{}
		byID[it.ID] = it
	}

	rows, err := s.db.QueryContext(ctx, "SELECT item_id, storage_id FROM item_storages ORDER BY item_id, storage_id")
	if err != nil {
		return fmt.Errorf("query item storages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var itemID, storageID string
		if err := rows.Scan(&itemID, &storageID); err != nil {
			return fmt.Errorf("scan item storage: %w", err)
		}
		if it, ok := byID[itemID]; ok {
			it.Storages = append(it.Storages, storageID)
		}
	}
	return rows.Err()
}

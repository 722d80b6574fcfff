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

type Folder struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"clientId"`
	ParentID    string    `json:"parentId,omitempty"`
	Name        string    `json:"name"`
	Role        string    `json:"role,omitempty"`
	ContentSize *uint64   `json:"contentSize,omitempty"`
	Dirty       bool      `json:"dirty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Target returns the reconciliation view of the folder.
func (f *Folder) Target() reconcile.Target {
	return reconcile.Target{
		Ref:      reconcile.Ref{Kind: reconcile.EntityFolder, ID: f.ID},
		ClientID: f.ClientID,
		ParentID: f.ParentID,
		Size:     f.ContentSize,
		Dirty:    f.Dirty,
		Stamp:    f.UpdatedAt,
	}
}

type FolderStore struct {
	db dbinterface.Querier
}

func NewFolderStore(db dbinterface.Querier) *FolderStore {
	return &FolderStore{db: db}
}

const folderColumns = `
	f.id, f.client_id, f.parent_id, f.name, f.role, f.content_size, f.dirty, f.created_at, f.updated_at
`

func scanFolder(row rowScanner) (*Folder, error) {
	var (
		f        Folder
		parentID sql.NullString
		size     sql.NullInt64
		dirty    int
	)
	if err := row.Scan(&f.ID, &f.ClientID, &parentID, &f.Name, &f.Role, &size, &dirty, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.ParentID = nullString(parentID)
	f.ContentSize = nullSize(size)
	f.Dirty = dirty != 0
	return &f, nil
}

func (s *FolderStore) queryFolders(ctx context.Context, where string, args ...any) ([]*Folder, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+folderColumns+" FROM folders f "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var out []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Create inserts a folder. An empty ID gets a fresh uuid.
func (s *FolderStore) Create(ctx context.Context, f *Folder) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, client_id, parent_id, name, role, content_size, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ClientID, stringArg(f.ParentID), f.Name, f.Role, sizeArg(f.ContentSize), boolInt(f.Dirty))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("folder %s: %w", f.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert folder %s: %w", f.ID, err)
	}
	return nil
}

func (s *FolderStore) Get(ctx context.Context, id string) (*Folder, error) {
	f, err := scanFolder(s.db.QueryRowContext(ctx, "SELECT "+folderColumns+" FROM folders f WHERE f.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get folder %s: %w", id, err)
	}
	return f, nil
}

// ListDirty returns up to limit folders flagged for recomputation, or
// missing a content size. limit <= 0 means no limit.
func (s *FolderStore) ListDirty(ctx context.Context, limit int) ([]*Folder, error) {
	where := "WHERE f.dirty = 1 OR f.content_size IS NULL ORDER BY f.id"
	if limit > 0 {
		return s.queryFolders(ctx, where+" LIMIT ?", limit)
	}
	return s.queryFolders(ctx, where)
}

// ListByClients returns every folder owned by the given clients.
func (s *FolderStore) ListByClients(ctx context.Context, clientIDs []string) ([]*Folder, error) {
	if len(clientIDs) == 0 {
		return nil, nil
	}
	return s.queryFolders(ctx,
		"WHERE f.client_id IN ("+dbinterface.InPlaceholders(len(clientIDs))+") ORDER BY f.id",
		dbinterface.StringArgs(clientIDs)...)
}

func (s *FolderStore) ListAll(ctx context.Context) ([]*Folder, error) {
	return s.queryFolders(ctx, "ORDER BY f.id")
}

// ListOrphans returns folders whose parent reference does not resolve.
func (s *FolderStore) ListOrphans(ctx context.Context) ([]*Folder, error) {
	return s.queryFolders(ctx, `
		WHERE f.parent_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM folders p WHERE p.id = f.parent_id)
		ORDER BY f.id
	`)
}

// ParentRef is the owning client of a resolved parent folder.
type ParentRef struct {
	ID       string
	ClientID string
}

// ListClientMismatches returns folders whose parent belongs to another
// client, keyed by folder id.
func (s *FolderStore) ListClientMismatches(ctx context.Context) ([]*Folder, map[string]ParentRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+`, p.client_id
		FROM folders f
		JOIN folders p ON p.id = f.parent_id
		WHERE p.client_id <> f.client_id
		ORDER BY f.id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("query folder client mismatches: %w", err)
	}
	defer rows.Close()

	var (
		folders []*Folder
		parents = make(map[string]ParentRef)
	)
	for rows.Next() {
		var (
			f              Folder
			parentID       sql.NullString
			size           sql.NullInt64
			dirty          int
			parentClientID string
		)
		if err := rows.Scan(&f.ID, &f.ClientID, &parentID, &f.Name, &f.Role, &size, &dirty, &f.CreatedAt, &f.UpdatedAt, &parentClientID); err != nil {
			return nil, nil, fmt.Errorf("scan folder mismatch: %w", err)
		}
		f.ParentID = nullString(parentID)
		f.ContentSize = nullSize(size)
		f.Dirty = dirty != 0
		folders = append(folders, &f)
		parents[f.ID] = ParentRef{ID: f.ParentID, ClientID: parentClientID}
	}
	return folders, parents, rows.Err()
}

// DirectItemBytes sums the sizes of live items directly inside each folder
// of the given clients.
func (s *FolderStore) DirectItemBytes(ctx context.Context, clientIDs []string) (map[string]uint64, error) {
	if len(clientIDs) == 0 {
		return map[string]uint64{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.folder_id, CAST(COALESCE(SUM(i.size), 0) AS BIGINT)
		FROM items i
		WHERE i.folder_id IS NOT NULL AND i.deleted_at IS NULL
		  AND i.client_id IN (`+dbinterface.InPlaceholders(len(clientIDs))+`)
		GROUP BY i.folder_id
	`, dbinterface.StringArgs(clientIDs)...)
	if err != nil {
		return nil, fmt.Errorf("sum item sizes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var (
			folderID string
			total    int64
		)
		if err := rows.Scan(&folderID, &total); err != nil {
			return nil, fmt.Errorf("scan item size sum: %w", err)
		}
		out[folderID] = uint64(max(total, 0))
	}
	return out, rows.Err()
}

// SetParent moves the folder and returns its previous parent.
func (s *FolderStore) SetParent(ctx context.Context, id, parentID string, now time.Time) (string, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if current.ParentID == parentID {
		return current.ParentID, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE folders SET parent_id = ?, updated_at = ? WHERE id = ?
	`, stringArg(parentID), dbTime(now), id)
	if err != nil {
		return "", fmt.Errorf("set parent of folder %s: %w", id, err)
	}
	return current.ParentID, nil
}

func (s *FolderStore) SetClient(ctx context.Context, id, clientID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE folders SET client_id = ?, dirty = 1, updated_at = ? WHERE id = ?
	`, clientID, dbTime(now), id)
	if err != nil {
		return fmt.Errorf("set client of folder %s: %w", id, err)
	}
	return expectRow(res, reconcile.EntityFolder, id)
}

func (s *FolderStore) MarkDirty(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE folders SET dirty = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark folder %s dirty: %w", id, err)
	}
	return expectRow(res, reconcile.EntityFolder, id)
}

// WriteContentSize stores the computed size and clears the dirty flag.
func (s *FolderStore) WriteContentSize(ctx context.Context, id string, size uint64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE folders SET content_size = ?, dirty = 0, updated_at = ? WHERE id = ?
	`, clampInt64(size), dbTime(now), id)
	if err != nil {
		return fmt.Errorf("write content size of folder %s: %w", id, err)
	}
	return expectRow(res, reconcile.EntityFolder, id)
}

// FindByRole returns the client's folder with role, or ErrNotFound.
func (s *FolderStore) FindByRole(ctx context.Context, clientID string, role reconcile.PlaceholderRole) (*Folder, error) {
	f, err := scanFolder(s.db.QueryRowContext(ctx,
		"SELECT "+folderColumns+" FROM folders f WHERE f.client_id = ? AND f.role = ?", clientID, string(role)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s folder of client %s: %w", role, clientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s folder of client %s: %w", role, clientID, err)
	}
	return f, nil
}

// EnsureRole returns the client's folder with role, creating it when
// missing. The lost+found folder hangs under the root folder when one
// exists. A concurrent creator losing the unique index race re-reads.
func (s *FolderStore) EnsureRole(ctx context.Context, clientID string, role reconcile.PlaceholderRole) (*Folder, bool, error) {
	if f, err := s.FindByRole(ctx, clientID, role); err == nil {
		return f, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	f := &Folder{ClientID: clientID, Role: string(role), Name: placeholderName(role), Dirty: true}
	if role == reconcile.PlaceholderLostFound {
		root, _, err := s.EnsureRole(ctx, clientID, reconcile.PlaceholderRoot)
		if err != nil {
			return nil, false, err
		}
		f.ParentID = root.ID
	}

	err := s.Create(ctx, f)
	if errors.Is(err, ErrAlreadyExists) {
		existing, findErr := s.FindByRole(ctx, clientID, role)
		return existing, false, findErr
	}
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func placeholderName(role reconcile.PlaceholderRole) string {
	if role == reconcile.PlaceholderLostFound {
		return "Lost and found"
	}
	return "Root"
}

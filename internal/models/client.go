// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nukleus/jobagent/internal/dbinterface"
	"github.com/nukleus/jobagent/internal/reconcile"
)

// Client is a tenant.
type Client struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	PlanID            string    `json:"planId,omitempty"`
	RootFolderID      string    `json:"rootFolderId,omitempty"`
	LostFoundFolderID string    `json:"lostFoundFolderId,omitempty"`
	StorageUsedBytes  uint64    `json:"storageUsedBytes"`
	StorageUsedGiB    float64   `json:"storageUsedGiB"`
	Storages          []string  `json:"storages,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type Plan struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Storages []string `json:"storages,omitempty"`
}

// ClientStore handles clients, plans and their storage assignments.
type ClientStore struct {
	db dbinterface.Querier
}

func NewClientStore(db dbinterface.Querier) *ClientStore {
	return &ClientStore{db: db}
}

// UpsertPlan creates or renames a plan and replaces its storage set.
func (s *ClientStore) UpsertPlan(ctx context.Context, plan Plan) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name
	`, plan.ID, plan.Name); err != nil {
		return fmt.Errorf("upsert plan %s: %w", plan.ID, err)
	}
	return s.replaceSet(ctx, "plan_storages", "plan_id", plan.ID, plan.Storages)
}

// Create inserts a client with its own storage assignments.
func (s *ClientStore) Create(ctx context.Context, c Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, plan_id) VALUES (?, ?, ?)
	`, c.ID, c.Name, stringArg(c.PlanID))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("client %s: %w", c.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert client %s: %w", c.ID, err)
	}
	return s.replaceSet(ctx, "client_storages", "client_id", c.ID, c.Storages)
}

func (s *ClientStore) SetStorages(ctx context.Context, clientID string, storages []string) error {
	return s.replaceSet(ctx, "client_storages", "client_id", clientID, storages)
}

func (s *ClientStore) replaceSet(ctx context.Context, table, column, id string, storages []string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+column+" = ?", id); err != nil {
		return fmt.Errorf("clear %s for %s: %w", table, id, err)
	}
	for _, storage := range storages {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO "+table+" ("+column+", storage_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			id, storage); err != nil {
			return fmt.Errorf("insert %s %s/%s: %w", table, id, storage, err)
		}
	}
	return nil
}

const clientColumns = `
	c.id, c.name, c.plan_id, c.root_folder_id, c.lost_found_folder_id,
	c.storage_used_bytes, c.storage_used_gib, c.created_at, c.updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		c                      Client
		planID, rootID, lostID sql.NullString
		usedBytes              int64
	)
	if err := row.Scan(&c.ID, &c.Name, &planID, &rootID, &lostID, &usedBytes, &c.StorageUsedGiB, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.PlanID = nullString(planID)
	c.RootFolderID = nullString(rootID)
	c.LostFoundFolderID = nullString(lostID)
	c.StorageUsedBytes = uint64(max(usedBytes, 0))
	return &c, nil
}

func (s *ClientStore) Get(ctx context.Context, id string) (*Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, "SELECT "+clientColumns+" FROM clients c WHERE c.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get client %s: %w", id, err)
	}
	return c, nil
}

// List returns every client ordered by id.
func (s *ClientStore) List(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+clientColumns+" FROM clients c ORDER BY c.id")
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DesiredStorages returns, per client, the union of the client's own
// storages and its plan's storages.
func (s *ClientStore) DesiredStorages(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, storage_id FROM client_storages
		UNION
		SELECT c.id, ps.storage_id FROM clients c JOIN plan_storages ps ON ps.plan_id = c.plan_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query desired storages: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var clientID, storageID string
		if err := rows.Scan(&clientID, &storageID); err != nil {
			return nil, fmt.Errorf("scan desired storage: %w", err)
		}
		out[clientID] = append(out[clientID], storageID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for id := range out {
		out[id] = reconcile.DesiredStorages(out[id], nil)
	}
	return out, nil
}

// ClientStorages returns the client's own and plan storages separately.
func (s *ClientStore) ClientStorages(ctx context.Context, clientID string) (own, plan []string, err error) {
	own, err = s.storageList(ctx, "SELECT storage_id FROM client_storages WHERE client_id = ? ORDER BY storage_id", clientID)
	if err != nil {
		return nil, nil, err
	}
	plan, err = s.storageList(ctx, `
		SELECT ps.storage_id FROM plan_storages ps
		JOIN clients c ON c.plan_id = ps.plan_id
		WHERE c.id = ? ORDER BY ps.storage_id
	`, clientID)
	if err != nil {
		return nil, nil, err
	}
	return own, plan, nil
}

func (s *ClientStore) storageList(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query storages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetUsage writes the computed storage usage in bytes and binary GiB.
func (s *ClientStore) SetUsage(ctx context.Context, clientID string, bytes uint64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET storage_used_bytes = ?, storage_used_gib = ?, updated_at = ?
		WHERE id = ?
	`, clampInt64(bytes), reconcile.BytesToGiB(bytes), dbTime(now), clientID)
	if err != nil {
		return fmt.Errorf("set usage for client %s: %w", clientID, err)
	}
	return expectRow(res, reconcile.EntityClient, clientID)
}

// SetPlaceholder records the folder id of a root or lost+found placeholder.
func (s *ClientStore) SetPlaceholder(ctx context.Context, clientID string, role reconcile.PlaceholderRole, folderID string) error {
	column := "root_folder_id"
	if role == reconcile.PlaceholderLostFound {
		column = "lost_found_folder_id"
	}
	res, err := s.db.ExecContext(ctx, "UPDATE clients SET "+column+" = ? WHERE id = ?", folderID, clientID)
	if err != nil {
		return fmt.Errorf("set %s for client %s: %w", role, clientID, err)
	}
	return expectRow(res, reconcile.EntityClient, clientID)
}

// UsageRow pairs a client with the bytes currently recorded on it.
type UsageRow struct {
	ClientID string
	Recorded uint64
	Actual   uint64
}

// Usage compares the recorded usage of every client with the sum of its
// live item sizes.
func (s *ClientStore) Usage(ctx context.Context) ([]UsageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.storage_used_bytes, CAST(COALESCE(SUM(i.size), 0) AS BIGINT)
		FROM clients c
		LEFT JOIN items i ON i.client_id = c.id AND i.deleted_at IS NULL AND i.size IS NOT NULL
		GROUP BY c.id, c.storage_used_bytes
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query client usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var (
			id               string
			recorded, actual int64
		)
		if err := rows.Scan(&id, &recorded, &actual); err != nil {
			return nil, fmt.Errorf("scan client usage: %w", err)
		}
		out = append(out, UsageRow{ClientID: id, Recorded: uint64(max(recorded, 0)), Actual: uint64(max(actual, 0))})
	}
	return out, rows.Err()
}

// MissingPlaceholders returns clients lacking a root or lost+found folder
// reference, with the roles they lack.
func (s *ClientStore) MissingPlaceholders(ctx context.Context) (map[string][]reconcile.PlaceholderRole, error) {
	clients, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]reconcile.PlaceholderRole)
	for _, c := range clients {
		if c.RootFolderID == "" {
			out[c.ID] = append(out[c.ID], reconcile.PlaceholderRoot)
		}
		if c.LostFoundFolderID == "" {
			out[c.ID] = append(out[c.ID], reconcile.PlaceholderLostFound)
		}
		slices.Sort(out[c.ID])
	}
	return out, nil
}

func expectRow(res sql.Result, kind reconcile.EntityKind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, reconcile.ErrEntityNotFound)
	}
	return nil
}

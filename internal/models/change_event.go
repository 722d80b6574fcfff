// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/nukleus/jobagent/internal/dbinterface"
)

// Collections that emit change events.
const (
	CollectionFolders = "folders"
	CollectionItems   = "items"
	CollectionClients = "clients"
	CollectionPlans   = "plans"
)

// ChangeEvent records that an entity in a collection changed. The polling
// watcher consumes them in id order.
type ChangeEvent struct {
	ID         int64     `json:"id"`
	Collection string    `json:"collection"`
	EntityID   string    `json:"entityId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ChangeEventStore struct {
	db dbinterface.Querier
}

func NewChangeEventStore(db dbinterface.Querier) *ChangeEventStore {
	return &ChangeEventStore{db: db}
}

func (s *ChangeEventStore) Record(ctx context.Context, collection, entityID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO change_events (collection, entity_id) VALUES (?, ?) RETURNING id
	`, collection, entityID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record change event for %s: %w", collection, err)
	}
	return id, nil
}

// ListAfter returns up to limit events with an id greater than afterID.
func (s *ChangeEventStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]ChangeEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collection, entity_id, created_at FROM change_events
		WHERE id > ? ORDER BY id LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	var out []ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		if err := rows.Scan(&ev.ID, &ev.Collection, &ev.EntityID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestID returns the newest event id, or 0 when there are none.
func (s *ChangeEventStore) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM change_events").Scan(&id); err != nil {
		return 0, fmt.Errorf("latest change event: %w", err)
	}
	return id, nil
}

// Prune deletes events older than cutoff and returns how many went.
func (s *ChangeEventStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM change_events WHERE created_at < ?", dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune change events: %w", err)
	}
	return res.RowsAffected()
}

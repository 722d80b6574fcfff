// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nukleus/jobagent/internal/dbinterface"
	"github.com/nukleus/jobagent/internal/reconcile"
)

// Finding kinds stored in job_run_findings.
const (
	FindingKindFinding = "finding"
	FindingKindAction  = "action"
	FindingKindFailure = "failure"
)

// JobRun is one persisted run of a reconciliation job.
type JobRun struct {
	ID           int64                 `json:"id"`
	Job          string                `json:"job"`
	Trigger      reconcile.TriggerMode `json:"trigger"`
	Status       reconcile.RunStatus   `json:"status"`
	Params       reconcile.Params      `json:"params,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
	CompletedAt  *time.Time            `json:"completedAt,omitempty"`
	Scanned      int                   `json:"scanned"`
	Clean        int                   `json:"clean"`
	Fixed        int                   `json:"fixed"`
	Failed       int                   `json:"failed"`
	Skipped      int                   `json:"skipped"`
	Orphans      int                   `json:"orphans"`
	Partial      bool                  `json:"partial"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
}

// JobRunFinding is one finding, action outcome or failure of a run.
type JobRunFinding struct {
	ID         int64              `json:"id"`
	RunID      int64              `json:"runId"`
	Kind       string             `json:"kind"`
	TargetKind string             `json:"targetKind"`
	TargetID   string             `json:"targetId"`
	Severity   reconcile.Severity `json:"severity"`
	Message    string             `json:"message"`
	Before     string             `json:"before,omitempty"`
	After      string             `json:"after,omitempty"`
}

type JobRunStore struct {
	db dbinterface.Querier
}

func NewJobRunStore(db dbinterface.Querier) *JobRunStore {
	return &JobRunStore{db: db}
}

// CreateRunIfNoActive inserts a running run unless job already has one.
func (s *JobRunStore) CreateRunIfNoActive(ctx context.Context, job string, trigger reconcile.TriggerMode, params reconcile.Params) (int64, error) {
	if params == nil {
		params = reconcile.Params{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("encode params: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO job_runs (job, trigger, status, params, started_at)
		SELECT ?, ?, ?, ?, CURRENT_TIMESTAMP
		WHERE NOT EXISTS (
			SELECT 1 FROM job_runs WHERE job = ? AND status = ?
		)
		RETURNING id
	`, job, string(trigger), string(reconcile.RunStatusRunning), string(raw),
		job, string(reconcile.RunStatusRunning)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, reconcile.ErrRunInProgress
	}
	if err != nil {
		return 0, fmt.Errorf("insert job run: %w", err)
	}
	return id, nil
}

// Finish stores the final counters and every finding, action and failure
// of report.
func (s *JobRunStore) Finish(ctx context.Context, r *reconcile.RunReport) error {
	completed := r.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, completed_at = ?, scanned = ?, clean = ?, fixed = ?, failed = ?,
		    skipped = ?, orphans = ?, partial = ?, error_message = ?
		WHERE id = ?
	`, string(r.Status), dbTime(completed), r.Scanned, r.Clean, r.Fixed, r.Failed,
		r.Skipped, r.Orphans, boolInt(r.Partial), r.Error, r.RunID)
	if err != nil {
		return fmt.Errorf("update job run %d: %w", r.RunID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job run %d: %w", r.RunID, ErrNotFound)
	}

	rows := findingRows(r)
	const perRow = 8
	const chunk = 100
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		args := make([]any, 0, (end-start)*perRow)
		for _, f := range rows[start:end] {
			args = append(args, r.RunID, f.Kind, f.TargetKind, f.TargetID, string(f.Severity), f.Message, f.Before, f.After)
		}
		query := dbinterface.BuildQueryWithPlaceholders(`
			INSERT INTO job_run_findings (run_id, kind, target_kind, target_id, severity, message, before_ref, after_ref)
			VALUES %s
		`, perRow, end-start)
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert findings for run %d: %w", r.RunID, err)
		}
	}
	return nil
}

func findingRows(r *reconcile.RunReport) []JobRunFinding {
	out := make([]JobRunFinding, 0, len(r.Findings)+len(r.Actions)+len(r.Failures))
	for _, f := range r.Findings {
		out = append(out, JobRunFinding{
			Kind:       FindingKindFinding,
			TargetKind: string(f.Target.Kind),
			TargetID:   f.Target.ID,
			Severity:   f.Severity,
			Message:    f.Message,
			Before:     f.Before,
			After:      f.After,
		})
	}
	for _, a := range r.Actions {
		row := JobRunFinding{
			Kind:       FindingKindAction,
			TargetKind: string(a.Target.Kind),
			TargetID:   a.Target.ID,
			Severity:   reconcile.SeverityInfo,
			Message:    a.Description,
			Before:     string(a.Kind),
		}
		if !a.OK() {
			row.Severity = reconcile.SeverityError
			row.After = a.Error
		}
		out = append(out, row)
	}
	for _, f := range r.Failures {
		out = append(out, JobRunFinding{
			Kind:       FindingKindFailure,
			TargetKind: string(f.Target.Kind),
			TargetID:   f.Target.ID,
			Severity:   reconcile.SeverityError,
			Message:    f.Error,
			Before:     string(f.Phase),
		})
	}
	return out
}

const jobRunColumns = `
	id, job, trigger, status, params, started_at, completed_at,
	scanned, clean, fixed, failed, skipped, orphans, partial, error_message
`

func scanJobRun(row rowScanner) (*JobRun, error) {
	var (
		run       JobRun
		trigger   string
		status    string
		params    string
		completed sql.NullTime
		partial   int
	)
	if err := row.Scan(&run.ID, &run.Job, &trigger, &status, &params, &run.StartedAt, &completed,
		&run.Scanned, &run.Clean, &run.Fixed, &run.Failed, &run.Skipped, &run.Orphans, &partial, &run.ErrorMessage); err != nil {
		return nil, err
	}
	run.Trigger = reconcile.TriggerMode(trigger)
	run.Status = reconcile.RunStatus(status)
	run.CompletedAt = nullTimePtr(completed)
	run.Partial = partial != 0
	if params != "" && params != "{}" {
		if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
			return nil, fmt.Errorf("decode params of run %d: %w", run.ID, err)
		}
	}
	return &run, nil
}

func (s *JobRunStore) Get(ctx context.Context, id int64) (*JobRun, error) {
	run, err := scanJobRun(s.db.QueryRowContext(ctx, "SELECT "+jobRunColumns+" FROM job_runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job run %d: %w", id, err)
	}
	return run, nil
}

// List returns the newest runs, optionally filtered by job.
func (s *JobRunStore) List(ctx context.Context, job string, limit int) ([]*JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + jobRunColumns + " FROM job_runs"
	args := []any{}
	if job != "" {
		query += " WHERE job = ?"
		args = append(args, job)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var out []*JobRun
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *JobRunStore) ListFindings(ctx context.Context, runID int64) ([]JobRunFinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, target_kind, target_id, severity, message, before_ref, after_ref
		FROM job_run_findings WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list findings of run %d: %w", runID, err)
	}
	defer rows.Close()

	var out []JobRunFinding
	for rows.Next() {
		var (
			f        JobRunFinding
			severity string
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.Kind, &f.TargetKind, &f.TargetID, &severity, &f.Message, &f.Before, &f.After); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Severity = reconcile.Severity(severity)
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkStuckRunsFailed fails running runs started before now-threshold. It
// runs at startup, when no run of this process can be active yet.
func (s *JobRunStore) MarkStuckRunsFailed(ctx context.Context, threshold time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_runs
		SET status = ?, error_message = 'Marked failed after restart', completed_at = ?
		WHERE status = ? AND started_at < ?
	`, string(reconcile.RunStatusFailed), dbTime(now), string(reconcile.RunStatusRunning), dbTime(now.Add(-threshold)))
	if err != nil {
		return 0, fmt.Errorf("mark stuck runs failed: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes finished runs completed before cutoff.
func (s *JobRunStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_runs WHERE status <> ? AND completed_at IS NOT NULL AND completed_at < ?
	`, string(reconcile.RunStatusRunning), dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune job runs: %w", err)
	}
	return res.RowsAffected()
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Phase names the step a failure happened in.
type Phase string

const (
	PhaseDiff  Phase = "diff"
	PhaseApply Phase = "apply"
	PhaseLock  Phase = "lock"
)

// Finding is one human readable observation, optionally with the identity
// of the entity before and after a repair.
type Finding struct {
	Target   Ref      `json:"target"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Before   string   `json:"before,omitempty"`
	After    string   `json:"after,omitempty"`
}

// ActionResult records the outcome of one applied action.
type ActionResult struct {
	Target      Ref        `json:"target"`
	Kind        ActionKind `json:"kind"`
	Storage     string     `json:"storage,omitempty"`
	Description string     `json:"description"`
	Error       string     `json:"error,omitempty"`
}

func (r ActionResult) OK() bool { return r.Error == "" }

// Failure is the single failure entry recorded for a target.
type Failure struct {
	Target Ref    `json:"target"`
	Phase  Phase  `json:"phase"`
	Error  string `json:"error"`
}

// RunReport is the record of one run.
type RunReport struct {
	RunID       int64       `json:"runId"`
	Job         string      `json:"job"`
	Trigger     TriggerMode `json:"trigger"`
	Params      Params      `json:"params,omitempty"`
	Status      RunStatus   `json:"status"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt time.Time   `json:"completedAt"`

	Scanned int `json:"scanned"`
	Clean   int `json:"clean"`
	Fixed   int `json:"fixed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Orphans int `json:"orphans"`

	// Partial is set when the run budget expired before every target was
	// attempted or the run was canceled between batches.
	Partial bool   `json:"partial"`
	Error   string `json:"error,omitempty"`

	Findings []Finding      `json:"findings,omitempty"`
	Actions  []ActionResult `json:"actions,omitempty"`
	Failures []Failure      `json:"failures,omitempty"`
}

func (r *RunReport) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Notable reports whether the run is worth an admin notification.
func (r *RunReport) Notable() bool {
	return r.Status == RunStatusFailed || r.Fixed > 0 || r.Failed > 0 || r.Orphans > 0 || r.Partial
}

// ActionCounts returns the number of successful actions per kind.
func (r *RunReport) ActionCounts() map[ActionKind]int {
	out := make(map[ActionKind]int)
	for _, a := range r.Actions {
		if a.OK() {
			out[a.Kind]++
		}
	}
	return out
}

// StorageCounts returns the number of successful actions of kind per storage.
func (r *RunReport) StorageCounts(kind ActionKind) map[string]int {
	out := make(map[string]int)
	for _, a := range r.Actions {
		if a.OK() && a.Kind == kind && a.Storage != "" {
			out[a.Storage]++
		}
	}
	return out
}

// FailuresFor returns the failures recorded for target.
func (r *RunReport) FailuresFor(target Ref) []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if f.Target == target {
			out = append(out, f)
		}
	}
	return out
}

func (r *RunReport) Summary() string {
	s := fmt.Sprintf("%s: scanned %d, fixed %d, failed %d, skipped %d", r.Job, r.Scanned, r.Fixed, r.Failed, r.Skipped)
	if r.Orphans > 0 {
		s += fmt.Sprintf(", orphans %d", r.Orphans)
	}
	if r.Partial {
		s += " (partial)"
	}
	return s
}

// collector accumulates a report from concurrent target workers.
type collector struct {
	mu     sync.Mutex
	report *RunReport
}

func (c *collector) fail(target Ref, phase Phase, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Failed++
	c.report.Failures = append(c.report.Failures, Failure{Target: target, Phase: phase, Error: err.Error()})
}

func (c *collector) action(a Action, err error) {
	res := ActionResult{Target: a.Target(), Kind: a.Kind(), Description: a.String()}
	switch a := a.(type) {
	case AddToStorage:
		res.Storage = a.StorageID
	case RemoveFromStorage:
		res.Storage = a.StorageID
	}
	if err != nil {
		res.Error = err.Error()
	}
	c.mu.Lock()
	c.report.Actions = append(c.report.Actions, res)
	c.mu.Unlock()
}

func (c *collector) finding(f Finding) {
	c.mu.Lock()
	c.report.Findings = append(c.report.Findings, f)
	c.mu.Unlock()
}

func (c *collector) fixed() {
	c.mu.Lock()
	c.report.Fixed++
	c.mu.Unlock()
}

func (c *collector) clean() {
	c.mu.Lock()
	c.report.Clean++
	c.mu.Unlock()
}

func (c *collector) skipped(n int) {
	c.mu.Lock()
	c.report.Skipped += n
	c.mu.Unlock()
}

// Reporter receives every finished report. Implementations may fail; the
// driver logs and drops their errors.
type Reporter interface {
	Report(ctx context.Context, r *RunReport) error
}

type ReporterFunc func(ctx context.Context, r *RunReport) error

func (f ReporterFunc) Report(ctx context.Context, r *RunReport) error { return f(ctx, r) }

// MultiReporter fans a report out to several sinks. It never fails.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, r *RunReport) error {
	for _, sink := range m {
		if sink == nil {
			continue
		}
		safeReport(ctx, sink, r)
	}
	return nil
}

func safeReport(ctx context.Context, sink Reporter, r *RunReport) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("job", r.Job).Interface("panic", p).Msg("reconcile: report sink panicked")
		}
	}()
	if err := sink.Report(ctx, r); err != nil {
		log.Warn().Err(err).Str("job", r.Job).Int64("run", r.RunID).Msg("reconcile: report sink failed")
	}
}

// LogReporter writes the run summary and its failures to the global logger.
type LogReporter struct{}

func (LogReporter) Report(_ context.Context, r *RunReport) error {
	ev := log.Info()
	switch {
	case r.Status == RunStatusFailed:
		ev = log.Error().Str("error", r.Error)
	case r.Failed > 0 || r.Partial:
		ev = log.Warn()
	}
	ev.Str("job", r.Job).
		Int64("run", r.RunID).
		Str("trigger", string(r.Trigger)).
		Str("status", string(r.Status)).
		Int("scanned", r.Scanned).
		Int("fixed", r.Fixed).
		Int("failed", r.Failed).
		Int("skipped", r.Skipped).
		Int("orphans", r.Orphans).
		Bool("partial", r.Partial).
		Dur("duration", r.Duration()).
		Msg("reconcile: run finished")

	for _, f := range r.Failures {
		log.Warn().Str("job", r.Job).Int64("run", r.RunID).Str("target", f.Target.String()).Str("phase", string(f.Phase)).Msg("reconcile: " + f.Error)
	}
	for _, f := range r.Findings {
		fe := log.Info()
		switch f.Severity {
		case SeverityWarn:
			fe = log.Warn()
		case SeverityError:
			fe = log.Error()
		}
		fe.Str("job", r.Job).Int64("run", r.RunID).Str("target", f.Target.String()).
			Str("before", f.Before).Str("after", f.After).Msg("reconcile: " + f.Message)
	}
	return nil
}

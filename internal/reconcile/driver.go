// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State is the phase a job is in.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateDiffing   State = "diffing"
	StateApplying  State = "applying"
	StateReporting State = "reporting"
)

const DefaultBatchSize = 10

type DriverConfig struct {
	// BatchSize bounds how many targets are diffed or applied at once.
	BatchSize int
	// RunBudget is the wall-clock budget of one run. Zero means unlimited.
	RunBudget time.Duration
}

// RunRecorder persists run history.
type RunRecorder interface {
	// Begin records a new running run. It returns ErrRunInProgress when
	// another run of job is still active.
	Begin(ctx context.Context, job string, trigger TriggerMode, params Params) (int64, error)
	Finish(ctx context.Context, r *RunReport) error
}

// RunRequest asks the driver to run one job.
type RunRequest struct {
	Job     string
	Trigger TriggerMode
	Params  map[string]string
	Invoker Identity
}

// RunResult is delivered by Start once the run has been reported.
type RunResult struct {
	Report *RunReport
	Err    error
}

// Driver ties scan, diff, apply and report together for registered jobs.
type Driver struct {
	registry *Registry
	applier  *Applier
	locker   Locker
	recorder RunRecorder
	reporter Reporter
	cfg      DriverConfig
	now      func() time.Time

	mu          sync.Mutex
	jobMu       map[string]*sync.Mutex
	states      map[string]State
	cancelFuncs map[string]context.CancelFunc
}

type DriverOption func(*Driver)

func WithLocker(l Locker) DriverOption {
	return func(d *Driver) { d.locker = l }
}

func WithRecorder(r RunRecorder) DriverOption {
	return func(d *Driver) { d.recorder = r }
}

func WithReporter(r Reporter) DriverOption {
	return func(d *Driver) { d.reporter = r }
}

func WithDriverConfig(cfg DriverConfig) DriverOption {
	return func(d *Driver) { d.cfg = cfg }
}

func WithClock(now func() time.Time) DriverOption {
	return func(d *Driver) { d.now = now }
}

func NewDriver(registry *Registry, applier *Applier, opts ...DriverOption) *Driver {
	d := &Driver{
		registry:    registry,
		applier:     applier,
		locker:      NewLocalLocker(),
		reporter:    LogReporter{},
		now:         time.Now,
		jobMu:       make(map[string]*sync.Mutex),
		states:      make(map[string]State),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.BatchSize <= 0 {
		d.cfg.BatchSize = DefaultBatchSize
	}
	return d
}

func (d *Driver) Registry() *Registry {
	return d.registry
}

// State returns the current phase of job.
func (d *Driver) State(job string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.states[job]; ok {
		return s
	}
	return StateIdle
}

func (d *Driver) setState(job string, s State) {
	d.mu.Lock()
	d.states[job] = s
	d.mu.Unlock()
}

func (d *Driver) jobMutex(job string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobMu[job] == nil {
		d.jobMu[job] = &sync.Mutex{}
	}
	return d.jobMu[job]
}

// Cancel stops the active run of job between batches. It reports whether a
// run was active.
func (d *Driver) Cancel(job string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.cancelFuncs[job]
	if ok {
		cancel()
	}
	return ok
}

type pendingRun struct {
	job    Job
	env    *Env
	report *RunReport
	unlock func()
}

// Run executes one run synchronously and returns its report. A scan failure
// is returned as *ScanError together with the failed report.
func (d *Driver) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	run, err := d.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.execute(ctx, run)
}

// Start begins a run and executes it in the background, detached from ctx.
// The returned channel receives exactly one result.
func (d *Driver) Start(ctx context.Context, req RunRequest) (int64, <-chan RunResult, error) {
	run, err := d.begin(ctx, req)
	if err != nil {
		return 0, nil, err
	}

	done := make(chan RunResult, 1)
	go func() {
		report, err := d.execute(context.WithoutCancel(ctx), run)
		done <- RunResult{Report: report, Err: err}
		close(done)
	}()
	return run.report.RunID, done, nil
}

func (d *Driver) begin(ctx context.Context, req RunRequest) (*pendingRun, error) {
	job, err := d.registry.Get(req.Job)
	if err != nil {
		return nil, err
	}
	desc := job.Descriptor()

	params, err := ResolveParams(desc.Params, req.Params)
	if err != nil {
		return nil, err
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}

	mu := d.jobMutex(desc.Name)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, desc.Name)
	}

	report := &RunReport{
		Job:       desc.Name,
		Trigger:   trigger,
		Params:    params,
		Status:    RunStatusRunning,
		StartedAt: d.now(),
	}

	if d.recorder != nil {
		runID, err := d.recorder.Begin(ctx, desc.Name, trigger, params)
		if err != nil {
			mu.Unlock()
			if errors.Is(err, ErrRunInProgress) {
				return nil, fmt.Errorf("%w: %s", ErrRunInProgress, desc.Name)
			}
			return nil, fmt.Errorf("record run start: %w", err)
		}
		report.RunID = runID
	}

	env := &Env{
		Job:     desc.Name,
		RunID:   report.RunID,
		Trigger: trigger,
		Params:  params,
		Invoker: req.Invoker,
		System:  SystemIdentity,
		Log:     log.With().Str("job", desc.Name).Int64("run", report.RunID).Logger(),
		Cache:   NewRunCache(),
		Now:     d.now,
	}

	return &pendingRun{job: job, env: env, report: report, unlock: mu.Unlock}, nil
}

func (d *Driver) execute(ctx context.Context, run *pendingRun) (*RunReport, error) {
	defer run.unlock()

	name := run.report.Job
	report := run.report
	env := run.env

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancelFuncs[name] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancelFuncs, name)
		d.mu.Unlock()
	}()

	env.Log.Info().Str("trigger", string(report.Trigger)).Msg("reconcile: run started")

	d.setState(name, StateScanning)
	ws, err := d.scan(runCtx, run.job, env)
	if err != nil {
		report.Status = RunStatusFailed
		report.Error = err.Error()
		d.finish(ctx, report)
		return report, err
	}

	report.Scanned = len(ws.Targets)
	report.Orphans = len(ws.Orphans)
	col := &collector{report: report}
	for _, o := range ws.Orphans {
		col.finding(Finding{
			Target:   o.Target.Ref,
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("parent %s does not resolve", o.MissingParent),
			Before:   o.MissingParent,
		})
	}

	if p, ok := run.job.(Preparer); ok {
		d.setState(name, StateDiffing)
		if err := d.prepare(p, env, ws); err != nil {
			report.Status = RunStatusFailed
			report.Error = err.Error()
			d.finish(ctx, report)
			return report, err
		}
	}

	var deadline time.Time
	if d.cfg.RunBudget > 0 {
		deadline = report.StartedAt.Add(d.cfg.RunBudget)
	}

	targets := ws.Targets
	for start := 0; start < len(targets); start += d.cfg.BatchSize {
		if runCtx.Err() != nil || (!deadline.IsZero() && d.now().After(deadline)) {
			report.Partial = true
			col.skipped(len(targets) - start)
			env.Log.Warn().Int("remaining", len(targets)-start).Msg("reconcile: run stopped before all targets were attempted")
			break
		}
		end := min(start+d.cfg.BatchSize, len(targets))
		d.processBatch(runCtx, run.job, env, ws, targets[start:end], col)
	}

	switch {
	case report.Partial && ctx.Err() == nil && runCtx.Err() != nil:
		report.Status = RunStatusCanceled
	case report.Partial:
		report.Status = RunStatusPartial
	default:
		report.Status = RunStatusCompleted
	}

	d.finish(ctx, report)
	return report, nil
}

func (d *Driver) scan(ctx context.Context, job Job, env *Env) (ws *WorkSet, err error) {
	defer func() {
		if p := recover(); p != nil {
			env.Log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("reconcile: scan panicked")
			err = &ScanError{Job: env.Job, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	ws, err = job.Scan(ctx, env)
	if err != nil {
		var scanErr *ScanError
		if !errors.As(err, &scanErr) {
			err = &ScanError{Job: env.Job, Err: err}
		}
		return nil, err
	}
	if ws == nil {
		ws = &WorkSet{}
	}
	return ws, nil
}

func (d *Driver) prepare(p Preparer, env *Env, ws *WorkSet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prepare %s: panic: %v", env.Job, r)
		}
	}()
	if err := p.Prepare(env, ws); err != nil {
		return fmt.Errorf("prepare %s: %w", env.Job, err)
	}
	return nil
}

// processBatch diffs every target of the batch, waits, then applies the
// targets that produced actions and waits again. Nothing from this batch is
// still running when it returns.
func (d *Driver) processBatch(ctx context.Context, job Job, env *Env, ws *WorkSet, batch []Target, col *collector) {
	plans := make([][]Action, len(batch))

	d.setState(env.Job, StateDiffing)
	var g errgroup.Group
	g.SetLimit(d.cfg.BatchSize)
	for i, t := range batch {
		g.Go(func() error {
			actions, err := d.diffTarget(job, env, ws, t)
			if err != nil {
				env.Log.Warn().Err(err).Str("target", t.Ref.String()).Msg("reconcile: diff failed, target skipped")
				col.fail(t.Ref, PhaseDiff, err)
				return nil
			}
			if len(actions) == 0 {
				col.clean()
				return nil
			}
			plans[i] = actions
			return nil
		})
	}
	_ = g.Wait()

	d.setState(env.Job, StateApplying)
	for i, t := range batch {
		if len(plans[i]) == 0 {
			continue
		}
		g.Go(func() error {
			d.applyTarget(ctx, env, t, plans[i], col)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Driver) diffTarget(job Job, env *Env, ws *WorkSet, t Target) (actions []Action, err error) {
	defer func() {
		if p := recover(); p != nil {
			env.Log.Error().Interface("panic", p).Str("target", t.Ref.String()).Bytes("stack", debug.Stack()).Msg("reconcile: diff panicked")
			actions = nil
			err = NewDiffError(t.Ref, fmt.Errorf("panic: %v", p))
		}
	}()

	actions, err = job.Diff(env, ws, t)
	if err != nil {
		var diffErr *DiffError
		if !errors.As(err, &diffErr) {
			err = NewDiffError(t.Ref, err)
		}
		return nil, err
	}
	return actions, nil
}

// applyTarget runs the target's actions in order under its advisory lock and
// stops at the first failure, leaving the target dirty for the next scan.
func (d *Driver) applyTarget(ctx context.Context, env *Env, t Target, actions []Action, col *collector) {
	defer func() {
		if p := recover(); p != nil {
			env.Log.Error().Interface("panic", p).Str("target", t.Ref.String()).Bytes("stack", debug.Stack()).Msg("reconcile: apply panicked")
			col.fail(t.Ref, PhaseApply, fmt.Errorf("panic: %v", p))
		}
	}()

	unlock, err := d.locker.TryLock(ctx, t.LockKey())
	if errors.Is(err, ErrTargetLocked) {
		env.Log.Debug().Str("target", t.Ref.String()).Msg("reconcile: target busy, deferred to next run")
		col.skipped(1)
		col.finding(Finding{Target: t.Ref, Severity: SeverityInfo, Message: "target locked by another run, deferred"})
		return
	}
	if err != nil {
		env.Log.Warn().Err(err).Str("target", t.Ref.String()).Msg("reconcile: could not lock target")
		col.fail(t.Ref, PhaseLock, err)
		return
	}
	defer unlock()

	for _, act := range actions {
		err := d.applier.Apply(ctx, env, act)
		col.action(act, err)
		if err != nil {
			env.Log.Warn().Err(err).Str("target", t.Ref.String()).Str("action", string(act.Kind())).Msg("reconcile: apply failed")
			col.fail(t.Ref, PhaseApply, err)
			return
		}
		if f, ok := actionFinding(t, act); ok {
			col.finding(f)
		}
	}
	col.fixed()
}

// actionFinding describes repairs that change an entity's identity or
// location, with before and after values.
func actionFinding(t Target, act Action) (Finding, bool) {
	switch act := act.(type) {
	case MoveToLocation:
		after := act.ParentID
		if act.LostFound {
			after = "lost+found:" + act.ClientID
		}
		return Finding{Target: act.Entity, Severity: SeverityWarn, Message: "moved to " + after, Before: act.FromParentID, After: after}, true
	case CorrectClient:
		return Finding{Target: act.Entity, Severity: SeverityWarn, Message: "reassigned to client " + act.ToClientID, Before: act.FromClientID, After: act.ToClientID}, true
	case MarkDeleted:
		return Finding{Target: t.Ref, Severity: SeverityInfo, Message: act.String()}, true
	case CreatePlaceholder:
		return Finding{Target: act.Target(), Severity: SeverityInfo, Message: act.String()}, true
	}
	return Finding{}, false
}

// finish runs the Reporting phase. Sink errors are logged and dropped.
func (d *Driver) finish(ctx context.Context, report *RunReport) {
	d.setState(report.Job, StateReporting)
	report.CompletedAt = d.now()

	reportCtx := context.WithoutCancel(ctx)
	if d.recorder != nil {
		if err := d.recorder.Finish(reportCtx, report); err != nil {
			log.Warn().Err(err).Str("job", report.Job).Int64("run", report.RunID).Msg("reconcile: failed to persist run report")
		}
	}
	if d.reporter != nil {
		safeReport(reportCtx, d.reporter, report)
	}

	d.setState(report.Job, StateIdle)
}

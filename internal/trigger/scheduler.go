// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package trigger starts reconciliation runs on cron schedules, fixed
// intervals and data-store change events.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/reconcile"
)

// Runner executes one run synchronously. *reconcile.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, req reconcile.RunRequest) (*reconcile.RunReport, error)
}

type Config struct {
	// MaxJitter bounds the random delay before the first interval run.
	MaxJitter time.Duration
	// Debounce collapses bursts of change events into one watch run.
	Debounce time.Duration
	// MaxWait caps how long a steady stream of changes can hold a watch
	// run back.
	MaxWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxJitter: 30 * time.Second,
		Debounce:  2 * time.Second,
		MaxWait:   30 * time.Second,
	}
}

// Scheduler owns every automatic trigger of the registered jobs.
type Scheduler struct {
	registry *reconcile.Registry
	runner   Runner
	source   ChangeSource
	cfg      Config

	cron *cron.Cron
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancel  context.CancelFunc
	watch   *coalescer
	running map[string]bool
	pending map[string]bool
}

// New builds a scheduler. A nil source disables watch triggers.
func New(registry *reconcile.Registry, runner Runner, source ChangeSource, cfg Config) *Scheduler {
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = max(DefaultConfig().MaxWait, cfg.Debounce)
	}
	logger := cronLogger{}
	return &Scheduler{
		registry: registry,
		runner:   runner,
		source:   source,
		cfg:      cfg,
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		), cron.WithLogger(logger)),
		running: make(map[string]bool),
		pending: make(map[string]bool),
	}
}

// Start registers every job's trigger and begins firing them. Manual jobs
// are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	watching := false
	for _, d := range s.registry.Descriptors() {
		switch d.Trigger {
		case reconcile.TriggerCron:
			if _, err := s.cron.AddJob(d.Schedule, cronJob{s: s, ctx: ctx, name: d.Name}); err != nil {
				cancel()
				return fmt.Errorf("job %s: schedule %q: %w", d.Name, d.Schedule, err)
			}
			log.Debug().Str("job", d.Name).Str("schedule", d.Schedule).Msg("trigger: cron registered")
		case reconcile.TriggerInterval:
			s.wg.Add(1)
			go s.intervalLoop(ctx, d.Name, d.Interval)
			log.Debug().Str("job", d.Name).Dur("interval", d.Interval).Msg("trigger: interval registered")
		case reconcile.TriggerWatch:
			watching = true
		}
	}

	if watching {
		if s.source == nil {
			log.Warn().Msg("trigger: watch jobs registered without a change source, they only run manually")
		} else {
			changes, err := s.source.Subscribe(ctx)
			if err != nil {
				cancel()
				return fmt.Errorf("subscribe to changes: %w", err)
			}
			watch := newCoalescer(s.cfg.Debounce, s.cfg.MaxWait, func(name string) {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.fire(ctx, name, reconcile.TriggerWatch)
				}()
			})
			s.mu.Lock()
			s.watch = watch
			s.mu.Unlock()

			s.wg.Add(1)
			go s.watchLoop(ctx, changes, watch)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts every trigger and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	watch := s.watch
	s.watch = nil
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	if watch != nil {
		watch.stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) intervalLoop(ctx context.Context, name string, interval time.Duration) {
	defer s.wg.Done()

	if maxJitter := min(s.cfg.MaxJitter, interval/2); maxJitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(maxJitter)))):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.fire(ctx, name, reconcile.TriggerInterval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) watchLoop(ctx context.Context, changes <-chan Change, watch *coalescer) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			for _, name := range s.registry.Watching(ch.Collection) {
				watch.touch(name)
			}
		}
	}
}

// fire runs name once. A watch trigger that arrives while the job is
// running is remembered and replayed when the run returns, so no change
// is left unreconciled.
func (s *Scheduler) fire(ctx context.Context, name string, mode reconcile.TriggerMode) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.running[name] {
		if mode == reconcile.TriggerWatch {
			s.pending[name] = true
		}
		s.mu.Unlock()
		log.Debug().Str("job", name).Str("trigger", string(mode)).Msg("trigger: run already active, skipped")
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	for {
		s.runOnce(ctx, name, mode)

		s.mu.Lock()
		again := s.pending[name] && ctx.Err() == nil
		s.pending[name] = false
		if !again {
			s.running[name] = false
		}
		s.mu.Unlock()
		if !again {
			return
		}
		mode = reconcile.TriggerWatch
	}
}

func (s *Scheduler) runOnce(ctx context.Context, name string, mode reconcile.TriggerMode) {
	report, err := s.runner.Run(ctx, reconcile.RunRequest{
		Job:     name,
		Trigger: mode,
		Invoker: reconcile.SystemIdentity,
	})
	var scanErr *reconcile.ScanError
	switch {
	case errors.Is(err, reconcile.ErrRunInProgress):
		log.Debug().Str("job", name).Msg("trigger: run in progress elsewhere, skipped")
	case errors.As(err, &scanErr):
		// already reported by the driver; the next trigger retries
		log.Debug().Err(err).Str("job", name).Msg("trigger: scan failed")
	case err != nil:
		log.Error().Err(err).Str("job", name).Str("trigger", string(mode)).Msg("trigger: run failed")
	case report != nil:
		log.Debug().Str("job", name).Int64("run", report.RunID).Str("status", string(report.Status)).Msg("trigger: run finished")
	}
}

type cronJob struct {
	s    *Scheduler
	ctx  context.Context
	name string
}

func (j cronJob) Run() {
	j.s.fire(j.ctx, j.name, reconcile.TriggerCron)
}

// ValidateSchedule reports whether spec parses as a standard five-field
// cron expression or descriptor such as @hourly.
func ValidateSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

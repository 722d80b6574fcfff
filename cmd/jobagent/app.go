// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/buildinfo"
	"github.com/nukleus/jobagent/internal/config"
	"github.com/nukleus/jobagent/internal/database"
	"github.com/nukleus/jobagent/internal/jobs"
	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/objectstore"
	"github.com/nukleus/jobagent/internal/reconcile"
	"github.com/nukleus/jobagent/internal/trigger"
)

// app holds the stores and registry every command shares.
type app struct {
	cfg      *config.AppConfig
	db       *database.DB
	repo     *models.Repository
	objects  *objectstore.Registry
	rdb      *redis.Client
	registry *reconcile.Registry
}

func loadConfig(configDir string) (*config.AppConfig, error) {
	cfg, err := config.New(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Config.Version = buildinfo.Version
	cfg.SetupLogger()
	return cfg, nil
}

func openDatabase(cfg *config.AppConfig) (*database.DB, error) {
	db, err := database.OpenFromConfig(cfg.Config, cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// openApp connects every store named in the config and registers the jobs.
func openApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	a := &app{cfg: cfg}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.repo = models.NewRepository(db)

	objects, err := objectstore.Open(ctx, cfg.Config.Storages)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open object storage: %w", err)
	}
	a.objects = objects

	if cfg.Config.RedisEnabled() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Config.RedisAddr,
			Password: cfg.Config.RedisPassword,
			DB:       cfg.Config.RedisDB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Config.RedisAddr, err)
		}
		a.repo.OnChange(trigger.NewRedisPublisher(a.rdb, cfg.Config.RedisChannel).Publish)
		log.Info().Str("addr", cfg.Config.RedisAddr).Msg("Connected to redis")
	}

	a.registry = reconcile.NewRegistry()
	deps := jobs.Deps{Repo: a.repo, Objects: objects, CorrectClient: cfg.Config.CorrectClient}
	if err := jobs.Register(a.registry, deps, cfg.Config.Jobs); err != nil {
		a.Close()
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return a, nil
}

// newDriver builds the driver with the run settings from the config.
func (a *app) newDriver(reporter reconcile.Reporter, override reconcile.DriverConfig) *reconcile.Driver {
	dc := reconcile.DriverConfig{
		BatchSize: a.cfg.Config.BatchSize,
		RunBudget: a.cfg.Config.RunBudget(),
	}
	if override.BatchSize > 0 {
		dc.BatchSize = override.BatchSize
	}
	if override.RunBudget > 0 {
		dc.RunBudget = override.RunBudget
	}

	opts := []reconcile.DriverOption{
		reconcile.WithRecorder(a.repo),
		reconcile.WithReporter(reporter),
		reconcile.WithDriverConfig(dc),
	}
	if a.rdb != nil {
		opts = append(opts, reconcile.WithLocker(reconcile.NewRedisLocker(a.rdb, "jobagent:lock", a.cfg.Config.LockTTL())))
	}
	return reconcile.NewDriver(a.registry, reconcile.NewApplier(a.repo, a.objects), opts...)
}

// changeSource prefers Redis pub/sub and falls back to polling the
// change_events table.
func (a *app) changeSource() trigger.ChangeSource {
	if a.rdb != nil {
		return trigger.NewRedisSource(a.rdb, a.cfg.Config.RedisChannel)
	}
	return trigger.NewPollSource(a.repo.Changes, a.cfg.Config.ChangePollInterval())
}

func (a *app) Close() {
	var errs []error
	if a.objects != nil {
		errs = append(errs, a.objects.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("Failed to close stores cleanly")
	}
}

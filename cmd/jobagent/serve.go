// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nukleus/jobagent/internal/api"
	"github.com/nukleus/jobagent/internal/buildinfo"
	"github.com/nukleus/jobagent/internal/database"
	"github.com/nukleus/jobagent/internal/dispatch"
	"github.com/nukleus/jobagent/internal/metrics"
	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/notifications"
	"github.com/nukleus/jobagent/internal/reconcile"
	"github.com/nukleus/jobagent/internal/trigger"
)

const (
	historyRetention = 30 * 24 * time.Hour
	changeRetention  = 7 * 24 * time.Hour
	pruneInterval    = 6 * time.Hour
	shutdownTimeout  = 30 * time.Second
)

func RunServeCommand(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: triggers, control API and dispatch client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configDir)
			if err != nil {
				return err
			}
			defer cfg.CloseLogger()
			cfg.Watch()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", buildinfo.Version).Str("agent", cfg.Config.AgentName).Msg("Starting jobagent")

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg.Config

	if n, err := a.repo.Runs.MarkStuckRunsFailed(ctx, cfg.StuckRunThreshold(), time.Now()); err != nil {
		log.Warn().Err(err).Msg("Failed to recover stuck runs")
	} else if n > 0 {
		log.Warn().Int64("runs", n).Msg("Marked stuck runs as failed")
	}

	notifier := notifications.NewService(cfg.NotificationURLs, cfg.AgentName, log.With().Str("component", "notifications").Logger())
	notifyCtx, stopNotify := context.WithCancel(ctx)
	defer stopNotify()
	notifier.Start(notifyCtx)

	var metricsManager *metrics.Manager
	reporter := reconcile.MultiReporter{
		reconcile.LogReporter{},
		notifications.NewRunReporter(notifier, a.registry),
		reconcile.ReporterFunc(func(ctx context.Context, r *reconcile.RunReport) error {
			if metricsManager == nil {
				return nil
			}
			return metricsManager.Report(ctx, r)
		}),
	}
	driver := a.newDriver(reporter, reconcile.DriverConfig{})

	if cfg.MetricsEnabled {
		metricsManager = metrics.NewManager(driver)
		metricsManager.GetRegistry().MustRegister(database.NewMetricsCollector())
	}

	scheduler := trigger.New(a.registry, driver, a.changeSource(), trigger.DefaultConfig())
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	deps := &api.Dependencies{Config: cfg, Driver: driver, Runs: a.repo.Runs}
	var metricsServer *metrics.MetricsServer
	if metricsManager != nil {
		if cfg.MetricsPort > 0 {
			metricsServer = metrics.NewMetricsServer(metricsManager, cfg.MetricsHost, cfg.MetricsPort, cfg.MetricsBasicAuthUsers)
		} else {
			deps.Metrics = metricsManager
		}
	}
	server := api.NewServer(deps)

	notifier.Notify(notifications.Event{Type: notifications.EventAgentStarted})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.ListenAndServe)
	if metricsServer != nil {
		g.Go(metricsServer.ListenAndServe)
	}
	if cfg.DispatchURL != "" {
		client := dispatch.New(dispatch.Config{
			URL:   cfg.DispatchURL,
			Token: cfg.DispatchToken,
			Agent: cfg.AgentName,
		}, driver)
		g.Go(func() error { return client.Run(gctx) })
	}
	g.Go(func() error {
		pruneLoop(gctx, a.repo)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		var errs []error
		errs = append(errs, server.Shutdown(shutdownCtx))
		if metricsServer != nil {
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	stopNotify()
	notifier.Wait()
	return err
}

// pruneLoop trims finished run history and consumed change events.
func pruneLoop(ctx context.Context, repo *models.Repository) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		now := time.Now()
		if n, err := repo.Runs.Prune(ctx, now.Add(-historyRetention)); err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to prune run history")
			}
		} else if n > 0 {
			log.Debug().Int64("runs", n).Msg("Pruned run history")
		}
		if n, err := repo.Changes.Prune(ctx, now.Add(-changeRetention)); err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to prune change events")
			}
		} else if n > 0 {
			log.Debug().Int64("events", n).Msg("Pruned change events")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api serves the control API: listing jobs, starting and canceling
// manual runs and reading run history.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/api/handlers"
	"github.com/nukleus/jobagent/internal/api/middleware"
	"github.com/nukleus/jobagent/internal/domain"
	"github.com/nukleus/jobagent/internal/metrics"
)

type Dependencies struct {
	Config *domain.Config
	Driver handlers.JobDriver
	Runs   handlers.RunStore
	// Metrics is mounted on /metrics when set.
	Metrics *metrics.Manager
}

type Server struct {
	deps   *Dependencies
	server *http.Server
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		deps: deps,
		server: &http.Server{
			Addr:              net.JoinHostPort(deps.Config.Host, strconv.Itoa(deps.Config.Port)),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() (http.Handler, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, fmt.Errorf("compression adapter: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if origins := s.deps.Config.CORSAllowedOrigins; len(origins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Requested-With", middleware.HeaderAPIKey, middleware.HeaderInvokeUser, middleware.HeaderInvokeClient},
			AllowCredentials: true,
		}).Handler)
	}
	r.Use(compress)

	r.Route("/health", handlers.NewHealthHandler().Routes)

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Metrics))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.deps.Config.APIToken))
		r.Get("/version", handlers.HandleVersion)
		handlers.NewJobsHandler(s.deps.Driver, s.deps.Runs).Routes(r)
	})

	return r, nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}

func (s *Server) ListenAndServe() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.server.Handler = handler

	log.Info().Str("addr", s.server.Addr).Msg("Starting control API")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

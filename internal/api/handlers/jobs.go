// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/api/ctxkeys"
	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
)

// JobDriver is the part of *reconcile.Driver the API needs.
type JobDriver interface {
	Registry() *reconcile.Registry
	State(job string) reconcile.State
	Run(ctx context.Context, req reconcile.RunRequest) (*reconcile.RunReport, error)
	Start(ctx context.Context, req reconcile.RunRequest) (int64, <-chan reconcile.RunResult, error)
	Cancel(job string) bool
}

// RunStore reads persisted run history.
type RunStore interface {
	Get(ctx context.Context, id int64) (*models.JobRun, error)
	List(ctx context.Context, job string, limit int) ([]*models.JobRun, error)
	ListFindings(ctx context.Context, runID int64) ([]models.JobRunFinding, error)
}

type JobsHandler struct {
	driver JobDriver
	runs   RunStore
}

func NewJobsHandler(driver JobDriver, runs RunStore) *JobsHandler {
	return &JobsHandler{driver: driver, runs: runs}
}

func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.ListJobs)
	r.Route("/jobs/{name}", func(r chi.Router) {
		r.Get("/", h.GetJob)
		r.Post("/run", h.RunJob)
		r.Post("/cancel", h.CancelJob)
		r.Get("/runs", h.ListRuns)
	})
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{runID}", h.GetRun)
}

type jobResponse struct {
	reconcile.Descriptor
	State reconcile.State `json:"state"`
}

type runJobRequest struct {
	Params map[string]string `json:"params"`
	// Wait blocks the request until the run has been reported.
	Wait bool `json:"wait"`
}

type runStartedResponse struct {
	RunID int64  `json:"runId"`
	Job   string `json:"job"`
}

type runDetailResponse struct {
	*models.JobRun
	Findings []models.JobRunFinding `json:"findings"`
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, _ *http.Request) {
	descs := h.driver.Registry().Descriptors()
	out := make([]jobResponse, 0, len(descs))
	for _, d := range descs {
		out = append(out, jobResponse{Descriptor: d, State: h.driver.State(d.Name)})
	}
	RespondJSON(w, http.StatusOK, out)
}

// GetJob handles GET /api/jobs/{name}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	name, ok := ParseStringParam(w, r, "name", "job name")
	if !ok {
		return
	}
	job, err := h.driver.Registry().Get(name)
	if err != nil {
		RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, jobResponse{Descriptor: job.Descriptor(), State: h.driver.State(name)})
}

// RunJob handles POST /api/jobs/{name}/run
func (h *JobsHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	name, ok := ParseStringParam(w, r, "name", "job name")
	if !ok {
		return
	}

	var body runJobRequest
	if !DecodeJSONOptional(w, r, &body) {
		return
	}

	req := reconcile.RunRequest{
		Job:     name,
		Trigger: reconcile.TriggerManual,
		Params:  body.Params,
		Invoker: invokerFrom(r.Context()),
	}

	if body.Wait {
		report, err := h.driver.Run(r.Context(), req)
		if err != nil {
			var scanErr *reconcile.ScanError
			if errors.As(err, &scanErr) && report != nil {
				RespondJSON(w, http.StatusInternalServerError, report)
				return
			}
			respondRunError(w, name, err)
			return
		}
		RespondJSON(w, http.StatusOK, report)
		return
	}

	runID, _, err := h.driver.Start(r.Context(), req)
	if err != nil {
		respondRunError(w, name, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, runStartedResponse{RunID: runID, Job: name})
}

// CancelJob handles POST /api/jobs/{name}/cancel
func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	name, ok := ParseStringParam(w, r, "name", "job name")
	if !ok {
		return
	}
	if _, err := h.driver.Registry().Get(name); err != nil {
		RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	if !h.driver.Cancel(name) {
		RespondError(w, http.StatusConflict, "no active run of "+name)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListRuns handles GET /api/runs and GET /api/jobs/{name}/runs
func (h *JobsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name != "" {
		if _, err := h.driver.Registry().Get(name); err != nil {
			RespondError(w, http.StatusNotFound, err.Error())
			return
		}
	}

	runs, err := h.runs.List(r.Context(), name, ParseLimit(r, 50, 500))
	if err != nil {
		log.Error().Err(err).Str("job", name).Msg("api: failed to list runs")
		RespondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*models.JobRun{}
	}
	RespondJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /api/runs/{runID}
func (h *JobsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseIntParam64(w, r, "runID", "run ID")
	if !ok {
		return
	}

	run, err := h.runs.Get(r.Context(), runID)
	if errors.Is(err, models.ErrNotFound) {
		RespondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("run", runID).Msg("api: failed to get run")
		RespondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	findings, err := h.runs.ListFindings(r.Context(), runID)
	if err != nil {
		log.Error().Err(err).Int64("run", runID).Msg("api: failed to list findings")
		RespondError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if findings == nil {
		findings = []models.JobRunFinding{}
	}
	RespondJSON(w, http.StatusOK, runDetailResponse{JobRun: run, Findings: findings})
}

func respondRunError(w http.ResponseWriter, job string, err error) {
	switch {
	case errors.Is(err, reconcile.ErrUnknownJob):
		RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reconcile.ErrInvalidParams):
		RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrRunInProgress):
		RespondError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("job", job).Msg("api: run failed")
		RespondError(w, http.StatusInternalServerError, "run failed")
	}
}

func invokerFrom(ctx context.Context) reconcile.Identity {
	if id, ok := ctx.Value(ctxkeys.Invoker).(reconcile.Identity); ok {
		return id
	}
	return reconcile.Identity{UserID: "api"}
}

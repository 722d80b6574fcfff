// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukleus/jobagent/internal/domain"
	"github.com/nukleus/jobagent/internal/metrics"
	"github.com/nukleus/jobagent/internal/models"
	"github.com/nukleus/jobagent/internal/reconcile"
	"github.com/nukleus/jobagent/internal/testdb"
)

const testToken = "test-token"

type countJob struct{ targets int }

func (countJob) Descriptor() reconcile.Descriptor {
	return reconcile.Descriptor{
		Name:    "count",
		Trigger: reconcile.TriggerManual,
		Params:  []reconcile.ParamSpec{{Name: "limit", Type: reconcile.ParamInt, Default: "0"}},
	}
}

func (j countJob) Scan(context.Context, *reconcile.Env) (*reconcile.WorkSet, error) {
	ws := &reconcile.WorkSet{}
	for i := range j.targets {
		ws.Targets = append(ws.Targets, reconcile.Target{
			Ref:      reconcile.Ref{Kind: reconcile.EntityFolder, ID: fmt.Sprintf("f%d", i)},
			ClientID: "c1",
		})
	}
	return ws, nil
}

func (countJob) Diff(*reconcile.Env, *reconcile.WorkSet, reconcile.Target) ([]reconcile.Action, error) {
	return nil, nil
}

type testServer struct {
	handler http.Handler
	repo    *models.Repository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := models.NewRepository(testdb.Open(t, "api"))
	registry := reconcile.NewRegistry()
	require.NoError(t, registry.Register(countJob{targets: 3}))
	driver := reconcile.NewDriver(registry, reconcile.NewApplier(nil, nil),
		reconcile.WithRecorder(repo),
		reconcile.WithReporter(nil),
	)

	srv := NewServer(&Dependencies{
		Config: &domain.Config{
			Host:               "127.0.0.1",
			APIToken:           testToken,
			CORSAllowedOrigins: []string{"https://dashboard.example.com"},
		},
		Driver:  driver,
		Runs:    repo.Runs,
		Metrics: metrics.NewManager(driver),
	})
	handler, err := srv.Handler()
	require.NoError(t, err)
	return &testServer{handler: handler, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func TestRoutesRegistered(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	router, ok := srv.handler.(chi.Routes)
	require.True(t, ok)

	var got []string
	require.NoError(t, chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		got = append(got, method+" "+strings.TrimSuffix(route, "/"))
		return nil
	}))
	sort.Strings(got)

	for _, want := range []string{
		"GET /api/jobs",
		"GET /api/jobs/{name}",
		"POST /api/jobs/{name}/run",
		"POST /api/jobs/{name}/cancel",
		"GET /api/jobs/{name}/runs",
		"GET /api/runs",
		"GET /api/runs/{runID}",
		"GET /api/version",
		"GET /health",
		"GET /metrics",
	} {
		assert.Contains(t, got, want)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	jobs := decode[[]map[string]any](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, "count", jobs[0]["name"])
	assert.Equal(t, "manual", jobs[0]["trigger"])
	assert.Equal(t, "idle", jobs[0]["state"])

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/api/jobs/nope", "").Code)
}

func TestRunJobWaitAndHistory(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/jobs/count/run", `{"wait":true,"params":{"limit":"2"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[reconcile.RunReport](t, rec)
	assert.Equal(t, reconcile.RunStatusCompleted, report.Status)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 3, report.Clean)
	assert.Equal(t, "2", report.Params["limit"])
	require.NotZero(t, report.RunID)

	rec = srv.do(t, http.MethodGet, "/api/jobs/count/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]models.JobRun](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, reconcile.TriggerManual, runs[0].Trigger)

	rec = srv.do(t, http.MethodGet, fmt.Sprintf("/api/runs/%d", report.RunID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[map[string]any](t, rec)
	assert.Equal(t, "completed", detail["status"])
	assert.NotNil(t, detail["findings"])

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/api/runs/9999", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/api/runs/abc", "").Code)
}

func TestRunJobAsync(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/jobs/count/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[map[string]any](t, rec)
	runID := int64(started["runId"].(float64))
	require.NotZero(t, runID)

	require.Eventually(t, func() bool {
		run, err := srv.repo.Runs.Get(context.Background(), runID)
		return err == nil && run.Status == reconcile.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunJobErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "unknown job", path: "/api/jobs/nope/run", want: http.StatusNotFound},
		{name: "unknown param", path: "/api/jobs/count/run", body: `{"params":{"bogus":"1"}}`, want: http.StatusBadRequest},
		{name: "bad param type", path: "/api/jobs/count/run", body: `{"params":{"limit":"many"}}`, want: http.StatusBadRequest},
		{name: "malformed body", path: "/api/jobs/count/run", body: `{`, want: http.StatusBadRequest},
		{name: "cancel idle", path: "/api/jobs/count/cancel", want: http.StatusConflict},
		{name: "cancel unknown", path: "/api/jobs/nope/cancel", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := srv.do(t, http.MethodPost, tt.path, tt.body)
		assert.Equal(t, tt.want, rec.Code, tt.name+": "+rec.Body.String())
	}
}

func TestMetricsMounted(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	srv.do(t, http.MethodPost, "/api/jobs/count/run", `{"wait":true}`)

	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jobagent_job_state{job="count",state="idle"} 1`)
}

func TestCORSPreflightBypassesAuth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestResponsesAreCompressed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

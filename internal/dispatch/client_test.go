// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nukleus/jobagent/internal/dispatch"
	"github.com/nukleus/jobagent/internal/reconcile"
)

type twoTargets struct{}

func (twoTargets) Descriptor() reconcile.Descriptor {
	return reconcile.Descriptor{Name: "pair", Trigger: reconcile.TriggerManual}
}

func (twoTargets) Scan(context.Context, *reconcile.Env) (*reconcile.WorkSet, error) {
	return &reconcile.WorkSet{Targets: []reconcile.Target{
		{Ref: reconcile.Ref{Kind: reconcile.EntityFolder, ID: "a"}},
		{Ref: reconcile.Ref{Kind: reconcile.EntityFolder, ID: "b"}},
	}}, nil
}

func (twoTargets) Diff(*reconcile.Env, *reconcile.WorkSet, reconcile.Target) ([]reconcile.Action, error) {
	return nil, nil
}

func newDriver(t *testing.T) *reconcile.Driver {
	t.Helper()
	reg := reconcile.NewRegistry()
	require.NoError(t, reg.Register(twoTargets{}))
	return reconcile.NewDriver(reg, reconcile.NewApplier(nil, nil), reconcile.WithReporter(nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientRegistersAndAnswersDispatches(t *testing.T) {
	t.Parallel()

	var (
		upgrader = websocket.Upgrader{}
		register = make(chan dispatch.Message, 1)
		results  = make(chan dispatch.Message, 2)
		authz    atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var reg dispatch.Message
		if err := conn.ReadJSON(&reg); err != nil {
			return
		}
		register <- reg

		_ = conn.WriteJSON(dispatch.Message{Type: dispatch.MessageDispatch, ID: "d1", Job: "pair", Invoker: &reconcile.Identity{UserID: "u1"}})
		_ = conn.WriteJSON(dispatch.Message{Type: dispatch.MessageDispatch, ID: "d2", Job: "missing"})
		for range 2 {
			var msg dispatch.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			results <- msg
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	client := dispatch.New(dispatch.Config{URL: wsURL(srv), Token: "tok", Agent: "agent-1"}, newDriver(t))
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case reg := <-register:
		assert.Equal(t, dispatch.MessageRegister, reg.Type)
		assert.Equal(t, "agent-1", reg.Agent)
		require.Len(t, reg.Jobs, 1)
		assert.Equal(t, "pair", reg.Jobs[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no register message")
	}
	assert.Equal(t, "Bearer tok", authz.Load())

	byID := map[string]dispatch.Message{}
	for range 2 {
		select {
		case msg := <-results:
			byID[msg.ID] = msg
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 2 results", len(byID))
		}
	}

	ok := byID["d1"]
	assert.Equal(t, dispatch.MessageResult, ok.Type)
	assert.Empty(t, ok.Error)
	require.NotNil(t, ok.Report)
	assert.Equal(t, 2, ok.Report.Scanned)
	assert.Equal(t, reconcile.RunStatusCompleted, ok.Report.Status)

	bad := byID["d2"]
	assert.Nil(t, bad.Report)
	assert.Contains(t, bad.Error, "unknown job")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientReconnects(t *testing.T) {
	t.Parallel()

	var connects atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects.Add(1)
		var reg dispatch.Message
		_ = conn.ReadJSON(&reg)
		// drop every session right after registration
		_ = conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	client := dispatch.New(dispatch.Config{URL: wsURL(srv), Delay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}, newDriver(t))
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool { return connects.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dispatch connects the agent to the job-scheduling service over a
// websocket. The agent registers its jobs, receives dispatch requests for
// manual runs and answers each with the run's report.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/buildinfo"
	"github.com/nukleus/jobagent/internal/reconcile"
)

type MessageType string

const (
	MessageRegister MessageType = "register"
	MessageDispatch MessageType = "dispatch"
	MessageResult   MessageType = "result"
)

// Message is the single envelope used in both directions.
type Message struct {
	Type MessageType `json:"type"`
	// ID correlates a result with its dispatch.
	ID      string                 `json:"id,omitempty"`
	Agent   string                 `json:"agent,omitempty"`
	Jobs    []reconcile.Descriptor `json:"jobs,omitempty"`
	Job     string                 `json:"job,omitempty"`
	Params  map[string]string      `json:"params,omitempty"`
	Invoker *reconcile.Identity    `json:"invoker,omitempty"`
	Report  *reconcile.RunReport   `json:"report,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Runner executes dispatched runs. *reconcile.Driver satisfies it.
type Runner interface {
	Registry() *reconcile.Registry
	Run(ctx context.Context, req reconcile.RunRequest) (*reconcile.RunReport, error)
}

type Config struct {
	URL   string
	Token string
	Agent string

	// Attempts bounds one reconnect cycle before the client pauses for
	// MaxDelay and starts over.
	Attempts     uint
	Delay        time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Attempts == 0 {
		c.Attempts = 10
	}
	if c.Delay <= 0 {
		c.Delay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

const writeWait = 10 * time.Second

type Client struct {
	cfg    Config
	runner Runner
	dialer *websocket.Dialer
}

func New(cfg Config, runner Runner) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		runner: runner,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Run keeps a session open until ctx is done, reconnecting with backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := retry.Do(
			func() error { return c.session(ctx) },
			retry.Context(ctx),
			retry.Attempts(c.cfg.Attempts),
			retry.Delay(c.cfg.Delay),
			retry.MaxDelay(c.cfg.MaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
			retry.OnRetry(func(n uint, err error) {
				log.Warn().Err(err).Uint("attempt", n+1).Str("url", c.cfg.URL).Msg("dispatch: connection lost, reconnecting")
			}),
		)
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Str("url", c.cfg.URL).Msg("dispatch: scheduler unreachable, pausing")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.MaxDelay):
		}
	}
}

// session runs one connection. It always returns a non-nil error unless ctx
// was canceled.
func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent)
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", c.cfg.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{conn: conn, runner: c.runner}
	defer func() {
		cancel()
		_ = conn.Close()
		s.wg.Wait()
	}()

	if err := s.write(Message{Type: MessageRegister, Agent: c.cfg.Agent, Jobs: c.runner.Registry().Descriptors()}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Info().Str("url", c.cfg.URL).Str("agent", c.cfg.Agent).Msg("dispatch: registered with scheduler")

	readWait := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	s.wg.Add(1)
	go s.keepalive(sctx, c.cfg.PingInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-sctx.Done()
		_ = s.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		switch msg.Type {
		case MessageDispatch:
			s.wg.Add(1)
			go s.handleDispatch(sctx, msg)
		default:
			log.Debug().Str("type", string(msg.Type)).Msg("dispatch: ignoring message")
		}
	}
}

type session struct {
	conn    *websocket.Conn
	runner  Runner
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func (s *session) write(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *session) writeControl(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

func (s *session) keepalive(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("dispatch: ping failed")
				return
			}
		}
	}
}

// handleDispatch runs the requested job and answers with a result. A run
// that is refused or fails to scan still gets a result carrying the error.
func (s *session) handleDispatch(ctx context.Context, msg Message) {
	defer s.wg.Done()

	invoker := reconcile.Identity{UserID: "dispatch"}
	if msg.Invoker != nil {
		invoker = *msg.Invoker
	}

	logger := log.With().Str("job", msg.Job).Str("dispatch", msg.ID).Logger()
	logger.Info().Msg("dispatch: run requested")

	report, err := s.runner.Run(ctx, reconcile.RunRequest{
		Job:     msg.Job,
		Trigger: reconcile.TriggerManual,
		Params:  msg.Params,
		Invoker: invoker,
	})

	result := Message{Type: MessageResult, ID: msg.ID, Job: msg.Job, Report: report}
	if err != nil {
		result.Error = err.Error()
		var scanErr *reconcile.ScanError
		if !errors.As(err, &scanErr) {
			logger.Warn().Err(err).Msg("dispatch: run refused")
		}
	}

	if err := s.write(result); err != nil {
		logger.Warn().Err(err).Msg("dispatch: could not deliver result")
	}
}

// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications delivers admin notifications through shoutrrr URLs.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/containrrr/shoutrrr/pkg/router"
	"github.com/containrrr/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 100
	defaultWorkers   = 2
)

type Notifier interface {
	Notify(event Event)
}

type Event struct {
	Type         EventType
	Title        string
	Message      string
	Job          string
	RunID        int64
	Trigger      string
	Scanned      int
	Fixed        int
	Failed       int
	Orphans      int
	Summary      string
	ErrorMessage string
}

// sendFunc delivers one message to one URL.
type sendFunc func(url, title, message string) error

type Service struct {
	urls      []string
	agent     string
	logger    zerolog.Logger
	queue     chan Event
	send      sendFunc
	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewService returns nil when no URLs are configured; a nil *Service drops
// every event.
func NewService(urls []string, agent string, logger zerolog.Logger) *Service {
	var clean []string
	for _, u := range urls {
		if trimmed := strings.TrimSpace(u); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}

	return &Service{
		urls:   clean,
		agent:  agent,
		logger: logger,
		queue:  make(chan Event, defaultQueueSize),
		send:   shoutrrrSend,
	}
}

func ValidateURL(rawURL string) error {
	_, err := router.New(nil, rawURL)
	return err
}

func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}

	s.startOnce.Do(func() {
		for range defaultWorkers {
			s.wg.Add(1)
			go s.worker(ctx)
		}
	})
}

// Wait blocks until the workers exit after their context is canceled.
func (s *Service) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func (s *Service) Notify(event Event) {
	if s == nil {
		return
	}

	select {
	case s.queue <- event:
	default:
		s.logger.Warn().Str("event", string(event.Type)).Msg("notifications: queue full, dropping event")
	}
}

func (s *Service) SendTest(title, message string) error {
	if s == nil {
		return errors.New("no notification urls configured")
	}
	var errs []error
	for _, u := range s.urls {
		if err := s.send(u, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			s.dispatch(event)
		}
	}
}

func (s *Service) dispatch(event Event) {
	title, message := s.formatEvent(event)
	if strings.TrimSpace(message) == "" {
		return
	}

	for _, u := range s.urls {
		if err := s.send(u, title, message); err != nil {
			s.logger.Error().Err(err).Str("service", serviceName(u)).Str("event", string(event.Type)).Msg("notifications: send failed")
		}
	}
}

func shoutrrrSend(url, title, message string) error {
	sender, err := router.New(nil, url)
	if err != nil {
		return err
	}

	params := types.Params{}
	if trimmed := strings.TrimSpace(title); trimmed != "" {
		params.SetTitle(truncateMessage(trimmed, maxTitleLength))
	}

	results := sender.Send(truncateMessage(message, maxMessageLength), &params)
	var errs []error
	for _, sendErr := range results {
		if sendErr != nil {
			errs = append(errs, sendErr)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) formatEvent(event Event) (string, string) {
	switch event.Type {
	case EventRunRepaired, EventRunIssues, EventRunPartial:
		title := defaultTitle(event)
		lines := []string{
			formatLine("Job", event.Job),
			formatLine("Run", formatRunID(event.RunID)),
			formatLine("Trigger", event.Trigger),
		}
		lines = append(lines, splitMessageLines(event.Summary)...)
		lines = append(lines, formatLine("Counts", fmt.Sprintf("scanned %d, fixed %d, failed %d, orphans %d", event.Scanned, event.Fixed, event.Failed, event.Orphans)))
		return overrideTitle(title, event.Title), buildMessage(s.agentLabel(), lines)
	case EventRunFailed:
		lines := []string{
			formatLine("Job", event.Job),
			formatLine("Run", formatRunID(event.RunID)),
			formatLine("Error", formatErrorMessage(event.ErrorMessage)),
		}
		return overrideTitle("Reconciliation run failed", event.Title), buildMessage(s.agentLabel(), lines)
	case EventAgentStarted:
		return formatCustomEvent(s.agentLabel(), "Agent started", event.Title, event.Message)
	default:
		return "", ""
	}
}

func defaultTitle(event Event) string {
	switch event.Type {
	case EventRunRepaired:
		return fmt.Sprintf("%s repaired %d targets", event.Job, event.Fixed)
	case EventRunPartial:
		return fmt.Sprintf("%s stopped early", event.Job)
	default:
		return fmt.Sprintf("%s found issues", event.Job)
	}
}

func (s *Service) agentLabel() string {
	if s == nil || strings.TrimSpace(s.agent) == "" {
		return "jobagent"
	}
	return s.agent
}

func serviceName(rawURL string) string {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return "unknown"
	}
	return scheme
}

func formatRunID(id int64) string {
	if id <= 0 {
		return ""
	}
	return fmt.Sprintf("#%d", id)
}

func formatLine(label, value string) string {
	trimmedLabel := strings.TrimSpace(label)
	trimmedValue := strings.TrimSpace(value)
	if trimmedLabel == "" || trimmedValue == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", trimmedLabel, trimmedValue)
}

func buildMessage(agentLabel string, lines []string) string {
	payload := make([]string, 0, len(lines)+1)
	if trimmed := strings.TrimSpace(agentLabel); trimmed != "" {
		payload = append(payload, formatLine("Agent", trimmed))
	}
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			payload = append(payload, trimmed)
		}
	}
	return strings.Join(payload, "\n")
}

func splitMessageLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "\n")
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		if line := strings.TrimSpace(part); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func overrideTitle(defaultTitle, override string) string {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed
	}
	return defaultTitle
}

func formatCustomEvent(agentLabel, defaultTitle, title, message string) (string, string) {
	if strings.TrimSpace(message) == "" {
		return overrideTitle(defaultTitle, title), ""
	}
	return overrideTitle(defaultTitle, title), buildMessage(agentLabel, splitMessageLines(message))
}

const (
	maxMessageLength = 420
	maxTitleLength   = 80
)

func truncateMessage(value string, limit int) string {
	if limit <= 0 {
		return value
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if utf8.RuneCountInString(trimmed) <= limit {
		return trimmed
	}
	runes := []rune(trimmed)
	if limit <= 1 {
		return string(runes[:limit])
	}
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

func formatErrorMessage(message string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "Unknown error"
	}
	return trimmed
}

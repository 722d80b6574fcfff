// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notifications

type EventType string

const (
	EventRunRepaired  EventType = "run_repaired"
	EventRunIssues    EventType = "run_issues"
	EventRunPartial   EventType = "run_partial"
	EventRunFailed    EventType = "run_failed"
	EventAgentStarted EventType = "agent_started"
)

type EventDefinition struct {
	Type        EventType `json:"type"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
}

var eventDefinitions = []EventDefinition{
	{Type: EventRunRepaired, Label: "Run repaired data", Description: "A reconciliation run applied fixes."},
	{Type: EventRunIssues, Label: "Run found issues", Description: "A run left failed targets or surfaced orphans."},
	{Type: EventRunPartial, Label: "Run cut short", Description: "A run stopped at its time budget or was canceled before every target was attempted."},
	{Type: EventRunFailed, Label: "Run failed", Description: "A run failed during its scan."},
	{Type: EventAgentStarted, Label: "Agent started", Description: "The agent started and recovered interrupted runs."},
}

func EventDefinitions() []EventDefinition {
	out := make([]EventDefinition, len(eventDefinitions))
	copy(out, eventDefinitions)
	return out
}

func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventDefinitions))
	for _, def := range eventDefinitions {
		out = append(out, def.Type)
	}
	return out
}

// Package events provides the per-workspace domain event bus that decouples
// intake, orchestration, the kanban projection, notifications, and metrics.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/skybridge-io/skybridge/internal/job"
)

// Type classifies domain events. Names are past tense.
type Type string

const (
	IssueReceived         Type = "IssueReceived"
	JobCreated            Type = "JobCreated"
	JobStarted            Type = "JobStarted"
	JobProgressed         Type = "JobProgressed"
	JobCommitted          Type = "JobCommitted"
	JobPushed             Type = "JobPushed"
	PRCreated             Type = "PRCreated"
	JobCompleted          Type = "JobCompleted"
	JobFailed             Type = "JobFailed"
	JobRetried            Type = "JobRetried"
	WorktreeRemoved       Type = "WorktreeRemoved"
	WorktreeRetained      Type = "WorktreeRetained"
	TrelloCardCreated     Type = "TrelloCardCreated"
	TrelloCardUpdated     Type = "TrelloCardUpdated"
	TrelloCardMovedToList Type = "TrelloCardMovedToList"
	DeployCompleted       Type = "DeployCompleted"
	DeployFailed          Type = "DeployFailed"
)

// Event is one immutable domain event. Payload keys are snake_case strings.
type Event struct {
	EventID       string         `json:"event_id"`
	Type          Type           `json:"event_type"`
	OccurredAt    time.Time      `json:"occurred_at"`
	AggregateID   string         `json:"aggregate_id,omitempty"`
	AggregateType string         `json:"aggregate_type,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Workspace     string         `json:"workspace,omitempty"`
}

// JSON returns the event serialized for the SSE stream.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// New builds an event with a fresh id and timestamp.
func New(t Type, aggregateID, aggregateType string, payload map[string]any) Event {
	return Event{
		EventID:       uuid.NewString(),
		Type:          t,
		OccurredAt:    time.Now().UTC(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
	}
}

// ForJob builds a job-scoped event carrying the standard correlation keys.
func ForJob(t Type, j *job.WebhookJob, extra map[string]any) Event {
	payload := map[string]any{
		"job_id":     j.JobID,
		"source":     string(j.Source),
		"event_type": j.EventType,
		"skill":      j.Skill,
		"attempt":    j.Attempt,
	}
	if j.Event.IssueNumber > 0 {
		payload["issue_number"] = j.Event.IssueNumber
	}
	if j.Event.ExternalID != "" {
		payload["external_id"] = j.Event.ExternalID
	}
	if j.Event.Title != "" {
		payload["title"] = j.Event.Title
	}
	for k, v := range extra {
		payload[k] = v
	}
	evt := New(t, j.JobID, "job", payload)
	evt.CorrelationID = j.CorrelationID
	return evt
}

// Package job defines the dispatcher's core entities: webhook events, the
// durable jobs built from them, agent results, and the failure taxonomy the
// orchestrator uses to decide between retry and terminal failure.
package job

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Source identifies the external system that emitted a webhook.
type Source string

const (
	SourceGitHub  Source = "github"
	SourceTrello  Source = "trello"
	SourceDiscord Source = "discord"
)

// Status is the lifecycle state of a job. It progresses monotonically except
// via the explicit retry transition, which creates a new job record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the forward transition s -> next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// AutonomyLevel controls which orchestrator stages actually run.
type AutonomyLevel string

const (
	AutonomyAnalysis    AutonomyLevel = "ANALYSIS"
	AutonomyDevelopment AutonomyLevel = "DEVELOPMENT"
	AutonomyReview      AutonomyLevel = "REVIEW"
	AutonomyPublish     AutonomyLevel = "PUBLISH"
)

// ParseAutonomyLevel validates a configured autonomy level string.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch AutonomyLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case AutonomyAnalysis:
		return AutonomyAnalysis, nil
	case AutonomyDevelopment:
		return AutonomyDevelopment, nil
	case AutonomyReview:
		return AutonomyReview, nil
	case AutonomyPublish:
		return AutonomyPublish, nil
	case "":
		return AutonomyPublish, nil
	}
	return "", fmt.Errorf("unknown autonomy level %q (expected ANALYSIS, DEVELOPMENT, REVIEW, or PUBLISH)", s)
}

// EventSummary is the parsed payload subset persisted with a job. It carries
// just enough of the upstream event to provision a worktree and brief the
// agent; the raw body is never persisted.
type EventSummary struct {
	ExternalID  string   `json:"external_id"`
	IssueNumber int      `json:"issue_number,omitempty"`
	Title       string   `json:"title,omitempty"`
	Body        string   `json:"body,omitempty"`
	Repo        string   `json:"repo,omitempty"`
	Author      string   `json:"author,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	URL         string   `json:"url,omitempty"`
}

// WebhookEvent is one received payload after verification.
type WebhookEvent struct {
	EventID       string       `json:"event_id"`
	Source        Source       `json:"source"`
	EventType     string       `json:"event_type"`
	ReceivedAt    time.Time    `json:"received_at"`
	Summary       EventSummary `json:"summary"`
	CorrelationID string       `json:"correlation_id"`

	// RawBytes is the exact payload used for signature verification. It is
	// held only for the duration of intake and never serialized.
	RawBytes []byte `json:"-"`
}

// WebhookJob is the durable unit of work. One job is created per accepted
// webhook event; retries create a fresh record with a regenerated id and
// Attempt incremented.
type WebhookJob struct {
	JobID            string       `json:"job_id"`
	Source           Source       `json:"source"`
	EventType        string       `json:"event_type"`
	Skill            string       `json:"skill"`
	Status           Status       `json:"status"`
	Event            EventSummary `json:"event"`
	CorrelationID    string       `json:"correlation_id"`
	CreatedAt        time.Time    `json:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	Attempt          int          `json:"attempt"`
	WorktreePath     string       `json:"worktree_path,omitempty"`
	BranchName       string       `json:"branch_name,omitempty"`
	AgentExecutionID string       `json:"agent_execution_id,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
}

// ShortHash returns the job's 8-hex-char uniqueness suffix. The hash is the
// final dash-separated token of the id, so event types containing dots or
// dashes never confuse it.
func (j *WebhookJob) ShortHash() string {
	return ShortHashFromID(j.JobID)
}

// ShortHashFromID extracts the trailing short hash from a job id.
func ShortHashFromID(id string) string {
	if idx := strings.LastIndex(id, "-"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// NewShortHash returns the first 8 hex chars of a fresh 128-bit random value.
func NewShortHash() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; a zero hash would
		// break worktree uniqueness, so fall back to the clock.
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])[:8]
}

// DeliveryShortHash derives the 8-hex-char hash from stable identifying
// parts of a delivery, so an upstream re-sending the same webhook maps onto
// the same job id.
func DeliveryShortHash(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}

// NewJobID builds a job id of the form {source}-{event_type}-{short_hash}
// and returns the id together with the hash it embeds.
func NewJobID(source Source, eventType string) (id, shortHash string) {
	shortHash = NewShortHash()
	return fmt.Sprintf("%s-%s-%s", source, eventType, shortHash), shortHash
}

// New builds a pending job from a verified event. Events carrying a delivery
// id get a deterministic job id; the rest draw a random one.
func New(event WebhookEvent, skill string) *WebhookJob {
	var id string
	if event.EventID != "" {
		hash := DeliveryShortHash(string(event.Source), event.EventType, event.EventID)
		id = fmt.Sprintf("%s-%s-%s", event.Source, event.EventType, hash)
	} else {
		id, _ = NewJobID(event.Source, event.EventType)
	}
	if skill == "" {
		skill = "resolve-issue"
	}
	return &WebhookJob{
		JobID:         id,
		Source:        event.Source,
		EventType:     event.EventType,
		Skill:         skill,
		Status:        StatusPending,
		Event:         event.Summary,
		CorrelationID: event.CorrelationID,
		CreatedAt:     time.Now().UTC(),
		Attempt:       0,
	}
}

// Retry clones a failed job into a fresh pending record: new id, same event,
// attempt incremented. The original record stays terminal.
func (j *WebhookJob) Retry() *WebhookJob {
	id, _ := NewJobID(j.Source, j.EventType)
	return &WebhookJob{
		JobID:         id,
		Source:        j.Source,
		EventType:     j.EventType,
		Skill:         j.Skill,
		Status:        StatusPending,
		Event:         j.Event,
		CorrelationID: j.CorrelationID,
		CreatedAt:     time.Now().UTC(),
		Attempt:       j.Attempt + 1,
	}
}

// AgentResult is the outcome of a successful agent execution, decoded from
// the final JSON object the agent emits on stdout.
type AgentResult struct {
	Success       bool     `json:"success"`
	ChangesMade   bool     `json:"changes_made"`
	FilesCreated  []string `json:"files_created,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	FilesDeleted  []string `json:"files_deleted,omitempty"`
	CommitHash    string   `json:"commit_hash,omitempty"`
	PRURL         string   `json:"pr_url,omitempty"`
	Message       string   `json:"message,omitempty"`
}

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/queue"
	"github.com/skybridge-io/skybridge/internal/workspace"
)

const defaultListLimit = 50

type listJobsInput struct {
	Workspace string `json:"workspace,omitempty" jsonschema:"workspace id, defaults to core"`
	Status    string `json:"status,omitempty" jsonschema:"job status filter: pending, processing, completed, failed, or all"`
	Limit     int    `json:"limit,omitempty" jsonschema:"max terminal records returned (default 50)"`
}

type getJobInput struct {
	Workspace string `json:"workspace,omitempty" jsonschema:"workspace id, defaults to core"`
	JobID     string `json:"job_id" jsonschema:"job identifier"`
}

type workspaceInput struct {
	Workspace string `json:"workspace,omitempty" jsonschema:"workspace id, defaults to core"`
}

type moveCardInput struct {
	Workspace string `json:"workspace,omitempty" jsonschema:"workspace id, defaults to core"`
	CardID    string `json:"card_id" jsonschema:"card identifier"`
	List      string `json:"list" jsonschema:"target list name"`
	Position  int    `json:"position,omitempty" jsonschema:"position in the target list, 0 is the top"`
}

type recentEventsInput struct {
	Workspace string `json:"workspace,omitempty" jsonschema:"workspace id, defaults to core"`
	Limit     int    `json:"limit,omitempty" jsonschema:"max events returned (default 50)"`
}

type jobSummary struct {
	JobID     string     `json:"job_id"`
	Source    string     `json:"source"`
	EventType string     `json:"event_type"`
	Skill     string     `json:"skill"`
	Status    string     `json:"status"`
	Attempt   int        `json:"attempt"`
	Title     string     `json:"title,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Error     string     `json:"error,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (m *MCPServer) registerTools() {
	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "skybridge_list_jobs",
		Description: "List dispatcher jobs in a workspace with status filtering",
	}, m.handleListJobs)

	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "skybridge_get_job",
		Description: "Get the full persisted record of one job, snapshots included",
	}, m.handleGetJob)

	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "skybridge_queue_stats",
		Description: "Get queue counters, gauges and latency windows for a workspace",
	}, m.handleQueueStats)

	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "skybridge_list_worktrees",
		Description: "List the git worktrees the dispatcher manages in a workspace",
	}, m.handleListWorktrees)

	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "skybridge_board",
		Description: "Get the kanban board with all lists and cards",
	}, m.handleBoard)

	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "skybridge_move_card",
		Description: "Move a kanban card to another list",
	}, m.handleMoveCard)

	mcp.AddTool(m.server, &mcp.Tool{
		Name:        "skybridge_recent_events",
		Description: "Get the most recent domain events published in a workspace",
	}, m.handleRecentEvents)
}

func (m *MCPServer) resolve(id string) (*workspace.Workspace, error) {
	return m.registry.Get(strings.TrimSpace(id))
}

func (m *MCPServer) handleListJobs(_ context.Context, _ *mcp.CallToolRequest, input listJobsInput) (*mcp.CallToolResult, any, error) {
	ws, err := m.resolve(input.Workspace)
	if err != nil {
		return nil, nil, err
	}

	status := strings.ToLower(strings.TrimSpace(input.Status))
	if status == "" {
		status = "all"
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var out []jobSummary
	appendJobs := func(jobs []*job.WebhookJob, err error) error {
		if err != nil {
			return err
		}
		for _, j := range jobs {
			out = append(out, summarizeJob(j, nil))
		}
		return nil
	}
	appendRecords := func(records []*queue.Record, err error) error {
		if err != nil {
			return err
		}
		for _, rec := range records {
			out = append(out, summarizeJob(rec.Job, rec))
		}
		return nil
	}

	switch status {
	case "pending":
		err = appendJobs(ws.Queue.Pending())
	case "processing":
		err = appendJobs(ws.Queue.Processing())
	case "completed":
		err = appendRecords(ws.Queue.Terminal(job.StatusCompleted, limit))
	case "failed":
		err = appendRecords(ws.Queue.Terminal(job.StatusFailed, limit))
	case "all":
		if err = appendJobs(ws.Queue.Pending()); err == nil {
			if err = appendJobs(ws.Queue.Processing()); err == nil {
				if err = appendRecords(ws.Queue.Terminal(job.StatusCompleted, limit)); err == nil {
					err = appendRecords(ws.Queue.Terminal(job.StatusFailed, limit))
				}
			}
		}
	default:
		return nil, nil, fmt.Errorf("invalid status %q: expected pending, processing, completed, failed, or all", input.Status)
	}
	if err != nil {
		return nil, nil, err
	}

	return jsonToolResult(map[string]any{
		"workspace": ws.ID,
		"jobs":      out,
		"pending":   ws.Queue.Size(),
	})
}

func (m *MCPServer) handleGetJob(_ context.Context, _ *mcp.CallToolRequest, input getJobInput) (*mcp.CallToolResult, any, error) {
	ws, err := m.resolve(input.Workspace)
	if err != nil {
		return nil, nil, err
	}
	jobID := strings.TrimSpace(input.JobID)
	if jobID == "" {
		return nil, nil, fmt.Errorf("job_id is required")
	}

	rec, err := ws.Queue.Get(jobID)
	if err != nil {
		if queue.IsNotFound(err) {
			return nil, nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, nil, err
	}
	return jsonToolResult(rec)
}

func (m *MCPServer) handleQueueStats(_ context.Context, _ *mcp.CallToolRequest, input workspaceInput) (*mcp.CallToolResult, any, error) {
	ws, err := m.resolve(input.Workspace)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(ws.Queue.Stats())
}

func (m *MCPServer) handleListWorktrees(ctx context.Context, _ *mcp.CallToolRequest, input workspaceInput) (*mcp.CallToolResult, any, error) {
	ws, err := m.resolve(input.Workspace)
	if err != nil {
		return nil, nil, err
	}
	infos, err := ws.Worktrees.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(infos)
}

func (m *MCPServer) handleBoard(_ context.Context, _ *mcp.CallToolRequest, input workspaceInput) (*mcp.CallToolResult, any, error) {
	ws, err := m.resolve(input.Workspace)
	if err != nil {
		return nil, nil, err
	}
	board, err := ws.Kanban.FullBoard()
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(board)
}

func (m *MCPServer) handleMoveCard(_ context.Context, _ *mcp.CallToolRequest, input moveCardInput) (*mcp.CallToolResult, any, error) {
	ws, err := m.resolve(input.Workspace)
	if err != nil {
		return nil, nil, err
	}
	cardID := strings.TrimSpace(input.CardID)
	if cardID == "" {
		return nil, nil, fmt.Errorf("card_id is required")
	}
	card, err := ws.Kanban.MoveCard(cardID, strings.TrimSpace(input.List), input.Position)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(card)
}

func (m *MCPServer) handleRecentEvents(_ context.Context, _ *mcp.CallToolRequest, input recentEventsInput) (*mcp.CallToolResult, any, error) {
	ws, err := m.resolve(input.Workspace)
	if err != nil {
		return nil, nil, err
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	return jsonToolResult(ws.Bus.Recent(limit))
}

func summarizeJob(j *job.WebhookJob, rec *queue.Record) jobSummary {
	s := jobSummary{
		JobID:     j.JobID,
		Source:    string(j.Source),
		EventType: j.EventType,
		Skill:     j.Skill,
		Status:    string(j.Status),
		Attempt:   j.Attempt,
		Title:     j.Event.Title,
		CreatedAt: j.CreatedAt,
	}
	if rec != nil {
		s.Error = rec.Error
		if rec.CompletedAt != nil {
			s.EndedAt = rec.CompletedAt
		}
		if rec.FailedAt != nil {
			s.EndedAt = rec.FailedAt
		}
	}
	return s
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// Package agent runs the AI agent subprocess for one job: it renders the
// system prompt, streams it to the agent on stdin, decodes the control
// stream coming back and enforces the skill's execution budget. Callers get
// a complete Execution record whatever way the run ends.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/agent/protocol"
	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/skills"
)

// State is the lifecycle position of one agent execution.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateTimedOut  State = "TIMED_OUT"
	StateFailed    State = "FAILED"
)

const (
	// DefaultShutdownGrace is how long a SIGTERMed agent gets to wind down
	// before it is killed.
	DefaultShutdownGrace = 30 * time.Second

	stderrTailBytes = 4096
)

// ThinkingStep is one entry of the agent's reported reasoning trail.
type ThinkingStep struct {
	Step       int       `json:"step"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
	Thought    string    `json:"thought"`
}

// Execution is the full record of one agent run.
type Execution struct {
	ID               string           `json:"id"`
	JobID            string           `json:"job_id"`
	Skill            string           `json:"skill"`
	State            State            `json:"state"`
	TimeoutSeconds   int              `json:"timeout_seconds"`
	PromptDigest     string           `json:"prompt_digest,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        time.Time        `json:"started_at,omitempty"`
	CompletedAt      time.Time        `json:"completed_at,omitempty"`
	ThinkingSteps    []ThinkingStep   `json:"thinking_steps,omitempty"`
	CommandsReceived int              `json:"commands_received"`
	FramesSkipped    int              `json:"frames_skipped,omitempty"`
	ExitCode         int              `json:"exit_code"`
	Result           *job.AgentResult `json:"result,omitempty"`
	RawResult        json.RawMessage  `json:"raw_result,omitempty"`
	ErrorType        job.ErrorType    `json:"error_type,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	StderrTail       string           `json:"stderr_tail,omitempty"`
}

// Failed reports whether the run ended without a usable result.
func (e *Execution) Failed() bool { return e.State != StateCompleted }

// Request describes one agent run.
type Request struct {
	JobID        string
	Skill        string
	WorktreePath string
	BranchName   string
	// Vars feed prompt placeholders beyond the standard worktree fields:
	// issue_number, issue_title, issue_body, repo_name, source, external_id.
	Vars map[string]string
	// TimeoutOverride beats the skill table when positive.
	TimeoutOverride time.Duration
	// OnCommand observes control frames as they arrive, before the run
	// finishes. Optional.
	OnCommand func(*protocol.Command)
}

// Facade is the orchestrator's view of the agent runtime.
type Facade interface {
	Spawn(ctx context.Context, req Request) *Execution
}

// CLIConfig configures the subprocess-backed agent runtime.
type CLIConfig struct {
	// Binary is the agent executable; Args are passed verbatim.
	Binary string
	Args   []string
	// PromptPath locates the system prompt template JSON.
	PromptPath string
	// ShutdownGrace bounds how long a canceled run may linger.
	ShutdownGrace time.Duration
}

// CLI runs agents as local subprocesses.
type CLI struct {
	binary        string
	args          []string
	renderer      *Renderer
	catalog       *skills.Catalog
	shutdownGrace time.Duration
	logger        *zap.Logger
}

// NewCLI builds the subprocess agent runtime.
func NewCLI(cfg CLIConfig, catalog *skills.Catalog, logger *zap.Logger) (*CLI, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		return nil, errors.New("agent binary not configured")
	}
	renderer, err := NewRenderer(cfg.PromptPath, logger)
	if err != nil {
		return nil, err
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &CLI{
		binary:        cfg.Binary,
		args:          cfg.Args,
		renderer:      renderer,
		catalog:       catalog,
		shutdownGrace: grace,
		logger:        logger.Named("agent"),
	}, nil
}

// Spawn runs one agent to completion. The returned execution is always
// non-nil; inspect State and ErrorType for the outcome. Cancellation of ctx
// SIGTERMs the agent and kills it after the shutdown grace.
func (c *CLI) Spawn(ctx context.Context, req Request) *Execution {
	ex := &Execution{
		ID:        uuid.NewString(),
		JobID:     req.JobID,
		Skill:     req.Skill,
		State:     StateCreated,
		CreatedAt: time.Now().UTC(),
	}

	timeout := c.catalog.Timeout(req.Skill, req.TimeoutOverride)
	ex.TimeoutSeconds = int(timeout / time.Second)

	vars := map[string]string{
		"worktree_path": req.WorktreePath,
		"branch_name":   req.BranchName,
		"skill":         req.Skill,
	}
	for k, v := range req.Vars {
		vars[k] = v
	}
	prompt, digest := c.renderer.Render(vars)
	ex.PromptDigest = digest

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.binary, c.args...)
	cmd.Dir = req.WorktreePath
	cmd.Stdin = strings.NewReader(prompt)

	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	// Stdout goes through an in-process pipe so WaitDelay can force the
	// stream shut even when a grandchild inherits the descriptor and
	// outlives the agent.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	// A timed-out agent is killed outright; an agent interrupted by daemon
	// shutdown gets SIGTERM and the grace period to stop cleanly.
	cmd.Cancel = func() error {
		if ctx.Err() == nil {
			return cmd.Process.Kill()
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.shutdownGrace

	logger := c.logger.With(
		zap.String("execution_id", ex.ID),
		zap.String("job_id", req.JobID),
		zap.String("skill", req.Skill))
	logger.Info("agent starting",
		zap.String("binary", c.binary),
		zap.Duration("timeout", timeout),
		zap.String("prompt_digest", digest))

	if err := cmd.Start(); err != nil {
		return c.fail(ex, job.ErrAgentStartError, fmt.Sprintf("starting %s: %v", c.binary, err))
	}
	ex.State = StateRunning
	ex.StartedAt = time.Now().UTC()

	scanner := protocol.NewScanner(pr, logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.consume(scanner, ex, req.OnCommand)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done
	ex.CompletedAt = time.Now().UTC()
	ex.ExitCode = cmd.ProcessState.ExitCode()
	ex.FramesSkipped = scanner.Skipped()
	ex.StderrTail = stderr.String()

	switch {
	case ctx.Err() != nil:
		c.fail(ex, job.ErrShutdown, "agent stopped by daemon shutdown")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		ex.State = StateTimedOut
		ex.ErrorType = job.ErrAgentTimeout
		ex.ErrorMessage = fmt.Sprintf("agent exceeded %ds budget", ex.TimeoutSeconds)
	case waitErr != nil:
		c.fail(ex, job.ErrAgentCrash, fmt.Sprintf("agent exited abnormally: %v", waitErr))
	default:
		result, err := ValidateResult(ex.RawResult)
		if err != nil {
			c.fail(ex, job.ErrAgentResultInvalid, err.Error())
		} else {
			ex.Result = result
			ex.State = StateCompleted
		}
	}

	logger.Info("agent finished",
		zap.String("state", string(ex.State)),
		zap.Int("exit_code", ex.ExitCode),
		zap.Int("commands", ex.CommandsReceived),
		zap.Duration("elapsed", ex.CompletedAt.Sub(ex.StartedAt)))
	return ex
}

// consume drains the control stream, recording thinking steps and relaying
// frames to the observer. It returns when the stream closes.
func (c *CLI) consume(scanner *protocol.Scanner, ex *Execution, onCommand func(*protocol.Command)) {
	lastStep := time.Now()
	for {
		ev, err := scanner.Next()
		if err != nil {
			// The pipe closing out from under the scanner is the normal end
			// of a killed run, not a distinct failure.
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("agent stream closed", zap.Error(err))
			}
			return
		}

		switch ev.Type {
		case protocol.EventFinalResult:
			ex.RawResult = ev.Result
		case protocol.EventText:
			// Free-form narration; the result extraction inside the scanner
			// already watches it.
		default:
			ex.CommandsReceived++
			if msg := ev.Command.Message; msg != "" {
				now := time.Now()
				ex.ThinkingSteps = append(ex.ThinkingSteps, ThinkingStep{
					Step:       len(ex.ThinkingSteps) + 1,
					Timestamp:  now.UTC(),
					DurationMS: now.Sub(lastStep).Milliseconds(),
					Thought:    msg,
				})
				lastStep = now
			}
			if ev.Type == protocol.EventError {
				ex.ErrorMessage = ev.Command.Message
			}
			if onCommand != nil {
				onCommand(ev.Command)
			}
		}
	}
}

func (c *CLI) fail(ex *Execution, t job.ErrorType, msg string) *Execution {
	ex.State = StateFailed
	ex.ErrorType = t
	if ex.ErrorMessage != "" && ex.ErrorMessage != msg {
		msg = msg + "; agent reported: " + ex.ErrorMessage
	}
	ex.ErrorMessage = msg
	if ex.CompletedAt.IsZero() {
		ex.CompletedAt = time.Now().UTC()
	}
	return ex
}

// tailBuffer keeps the last max bytes written to it. Stderr can be huge on a
// crashing agent; only the tail is diagnostic.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

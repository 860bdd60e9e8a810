// Package orchestrator drives jobs from the queue through worktree, agent,
// commit, push and pull request to a terminal record, publishing domain
// events at every stage. One orchestrator runs per workspace.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/roko"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/agent"
	"github.com/skybridge-io/skybridge/internal/agent/protocol"
	"github.com/skybridge-io/skybridge/internal/events"
	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/queue"
	"github.com/skybridge-io/skybridge/internal/snapshot"
	"github.com/skybridge-io/skybridge/internal/workspace"
	"github.com/skybridge-io/skybridge/internal/worktree"
)

const (
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 3
	pushTimeout         = 30 * time.Second
)

// Options tunes one orchestrator.
type Options struct {
	// Autonomy gates the pipeline stages. Empty means PUBLISH.
	Autonomy job.AutonomyLevel
	// Workers is the number of concurrent loops on this workspace's queue.
	// The queue lock keeps each job with exactly one of them.
	Workers int
	// PollInterval bounds each WaitForDequeue call.
	PollInterval time.Duration
	// MaxAttempts caps total attempts per event, first run included.
	MaxAttempts int
	// RetryDelay maps a failed attempt (0-based) to its re-enqueue delay.
	// Nil uses the 60s/300s/900s ladder.
	RetryDelay func(attempt int) time.Duration
	// AgentTimeout overrides the skill execution budget when positive.
	AgentTimeout time.Duration
	// PROpener, when set, opens pull requests for pushed branches. Only
	// consulted at PUBLISH autonomy.
	PROpener PROpener
}

// Orchestrator is the per-workspace worker loop.
type Orchestrator struct {
	ws        *workspace.Workspace
	agents    agent.Facade
	snapshots *snapshot.Service
	opts      Options
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	retries map[string]*pendingRetry
}

type pendingRetry struct {
	timer *time.Timer
	job   *job.WebhookJob
}

// New builds an orchestrator for one workspace.
func New(ws *workspace.Workspace, agents agent.Facade, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = job.RetryBackoff
	}
	if opts.Autonomy == "" {
		opts.Autonomy = job.AutonomyPublish
	}
	return &Orchestrator{
		ws:        ws,
		agents:    agents,
		snapshots: snapshot.NewService(ws.Logger),
		opts:      opts,
		logger:    ws.Logger.Named("orchestrator"),
		retries:   make(map[string]*pendingRetry),
	}
}

// Start launches the worker loops. They run until the context is canceled or
// Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go func(n int) {
			defer o.wg.Done()
			o.run(runCtx, n)
		}(i)
	}
	o.logger.Info("orchestrator started",
		zap.Int("workers", o.opts.Workers),
		zap.String("autonomy", string(o.opts.Autonomy)))
}

// Stop cancels the loops and waits for in-flight jobs, bounded by ctx. Retry
// timers that have not fired are flushed into the queue immediately so the
// work survives the restart.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	o.flushRetries()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator did not drain: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, n int) {
	log := o.logger.With(zap.Int("worker", n))
	for {
		j, err := o.ws.Queue.WaitForDequeue(ctx, o.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !queue.IsEmpty(err) {
				log.Warn("dequeue failed", zap.Error(err))
			}
			continue
		}
		o.handle(ctx, j)
	}
}

// handle runs one dequeued job to a terminal state.
func (o *Orchestrator) handle(ctx context.Context, j *job.WebhookJob) {
	start := time.Now()
	log := o.logger.With(
		zap.String("job_id", j.JobID),
		zap.String("skill", j.Skill),
		zap.Int("attempt", j.Attempt))
	log.Info("job dequeued", zap.String("event_type", j.EventType))

	o.ws.Bus.Publish(events.ForJob(events.JobStarted, j, nil))

	if o.opts.Autonomy == job.AutonomyReview {
		o.completeReviewPlaceholder(j, start, log)
		return
	}

	var art queue.Artifacts

	wt, err := o.ws.Worktrees.Create(ctx, string(j.Source), j.EventType, j.Event.ExternalID, j.ShortHash())
	if err != nil {
		o.fail(j, classify(ctx, job.ErrWorktreeCreationFailed, err), art, start, log)
		return
	}
	j.WorktreePath = wt.Path
	j.BranchName = wt.Branch

	before, err := o.snapshots.Capture(ctx, wt.Path)
	if err != nil {
		// A missing before-snapshot degrades the audit trail but the job can
		// still run; the worktree itself is healthy or Create would have
		// failed.
		log.Warn("before snapshot failed", zap.Error(err))
	} else {
		art.SnapshotBefore = mustJSON(before)
	}

	ex := o.runAgent(ctx, j, wt)
	j.AgentExecutionID = ex.ID

	if ex.Failed() {
		info := o.classifyExecution(ex)
		o.fail(j, info, art, start, log)
		return
	}
	result := ex.Result

	if after, err := o.snapshots.Capture(ctx, wt.Path); err != nil {
		log.Warn("after snapshot failed", zap.Error(err))
	} else {
		art.SnapshotAfter = mustJSON(after)
		if before != nil {
			art.SnapshotDiff = mustJSON(snapshot.Diff(before, after))
		}
	}

	if o.opts.Autonomy != job.AutonomyAnalysis && result.ChangesMade {
		if failed := o.commitAndPush(ctx, j, wt, result, &art, start, log); failed {
			return
		}
	}

	if o.opts.Autonomy == job.AutonomyPublish && o.opts.PROpener != nil && result.CommitHash != "" && result.PRURL == "" {
		url, err := o.opts.PROpener.Open(ctx, PRRequest{
			Workspace:   o.ws.ID,
			JobID:       j.JobID,
			Branch:      wt.Branch,
			Title:       prTitle(j),
			Body:        result.Message,
			Repo:        j.Event.Repo,
			IssueNumber: j.Event.IssueNumber,
		})
		if err != nil {
			o.fail(j, classify(ctx, job.ErrPRCreationFailed, err), art, start, log)
			return
		}
		result.PRURL = url
	}
	if result.PRURL != "" {
		o.ws.Bus.Publish(events.ForJob(events.PRCreated, j, map[string]any{"pr_url": result.PRURL}))
	}

	art.Result = result
	if err := o.ws.Queue.Complete(j.JobID, art); err != nil {
		log.Error("recording completion failed", zap.Error(err))
	}
	o.ws.Metrics.Observe("job", time.Since(start))

	msg := result.Message
	if msg == "" {
		msg = "job completed"
	}
	o.ws.Bus.Publish(events.ForJob(events.JobCompleted, j, map[string]any{
		"message":      msg,
		"changes_made": result.ChangesMade,
		"commit":       result.CommitHash,
		"pr_url":       result.PRURL,
		"duration_ms":  time.Since(start).Milliseconds(),
	}))

	o.retireWorktree(ctx, j, wt, log)

	log.Info("job completed",
		zap.Bool("changes_made", result.ChangesMade),
		zap.Duration("elapsed", time.Since(start)))
}

// runAgent spawns the agent and republishes its control frames as progress
// events while it runs.
func (o *Orchestrator) runAgent(ctx context.Context, j *job.WebhookJob, wt *worktree.Worktree) *agent.Execution {
	var frames int
	req := agent.Request{
		JobID:           j.JobID,
		Skill:           j.Skill,
		WorktreePath:    wt.Path,
		BranchName:      wt.Branch,
		TimeoutOverride: o.opts.AgentTimeout,
		Vars: map[string]string{
			"issue_number": strconv.Itoa(j.Event.IssueNumber),
			"issue_title":  j.Event.Title,
			"issue_body":   j.Event.Body,
			"repo_name":    j.Event.Repo,
			"source":       string(j.Source),
			"external_id":  j.Event.ExternalID,
		},
		OnCommand: func(cmd *protocol.Command) {
			frames++
			extra := map[string]any{"step": frames, "frame": cmd.Name}
			if cmd.Message != "" {
				extra["message"] = cmd.Message
			}
			if cmd.Percent > 0 {
				extra["percent"] = cmd.Percent
			}
			if cmd.Level != "" {
				extra["level"] = cmd.Level
			}
			o.ws.Bus.Publish(events.ForJob(events.JobProgressed, j, extra))
		},
	}
	if o.opts.Autonomy == job.AutonomyAnalysis {
		// The prompt template turns this into read-and-comment-only
		// instructions; commit and push are additionally suppressed here.
		req.Vars["read_only"] = "true"
	}
	return o.agents.Spawn(ctx, req)
}

// classifyExecution maps a failed execution onto the retry taxonomy.
func (o *Orchestrator) classifyExecution(ex *agent.Execution) *job.ErrorInfo {
	t := ex.ErrorType
	if t == "" {
		t = job.ErrInternal
	}
	msg := ex.ErrorMessage
	if msg == "" {
		msg = "agent failed without detail"
	}
	info := job.Fault(t, msg)
	info.StderrTail = ex.StderrTail
	if t == job.ErrAgentCrash {
		info.Retryable = job.Transient(fmt.Errorf("%s; %s", msg, ex.StderrTail))
	}
	return info
}

// commitAndPush runs step 8b. It reports true when the job was failed and
// handle should stop.
func (o *Orchestrator) commitAndPush(ctx context.Context, j *job.WebhookJob, wt *worktree.Worktree, result *job.AgentResult, art *queue.Artifacts, start time.Time, log *zap.Logger) bool {
	has, err := o.ws.Worktrees.HasChanges(ctx, wt.Path)
	if err != nil {
		o.fail(j, classify(ctx, job.ErrInternal, err), *art, start, log)
		return true
	}
	if !has && result.CommitHash == "" {
		log.Info("agent reported changes but worktree is clean, nothing to push")
		return false
	}

	if has {
		commit, err := o.ws.Worktrees.CommitAll(ctx, wt.Path, commitMessage(j, result))
		if err != nil {
			o.fail(j, classify(ctx, job.ErrInternal, err), *art, start, log)
			return true
		}
		result.CommitHash = commit
	}
	o.ws.Bus.Publish(events.ForJob(events.JobCommitted, j, map[string]any{"commit": result.CommitHash}))

	err = roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(2*time.Second)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		defer cancel()
		if err := o.ws.Worktrees.Push(pushCtx, wt.Path, wt.Branch); err != nil {
			if !job.Transient(err) {
				r.Break()
			}
			return err
		}
		return nil
	})
	if err != nil {
		o.fail(j, classify(ctx, job.ErrPushRejected, err), *art, start, log)
		return true
	}
	o.ws.Bus.Publish(events.ForJob(events.JobPushed, j, map[string]any{"branch": wt.Branch}))
	return false
}

// retireWorktree runs the step 8d removal validation.
func (o *Orchestrator) retireWorktree(ctx context.Context, j *job.WebhookJob, wt *worktree.Worktree, log *zap.Logger) {
	v, err := o.ws.Worktrees.ValidateRemoval(ctx, wt.Name)
	if err != nil {
		log.Warn("removal validation failed, retaining worktree", zap.Error(err))
		o.ws.Bus.Publish(events.ForJob(events.WorktreeRetained, j, map[string]any{
			"worktree": wt.Name,
			"reason":   err.Error(),
		}))
		return
	}
	if !v.CanRemove {
		reason := strings.Join(v.Reasons, "; ")
		log.Info("worktree retained", zap.String("reason", reason))
		o.ws.Bus.Publish(events.ForJob(events.WorktreeRetained, j, map[string]any{
			"worktree": wt.Name,
			"reason":   reason,
		}))
		return
	}
	if err := o.ws.Worktrees.Remove(ctx, wt.Name, false); err != nil {
		log.Warn("worktree removal failed", zap.Error(err))
		o.ws.Bus.Publish(events.ForJob(events.WorktreeRetained, j, map[string]any{
			"worktree": wt.Name,
			"reason":   err.Error(),
		}))
		return
	}
	o.ws.Bus.Publish(events.ForJob(events.WorktreeRemoved, j, map[string]any{"worktree": wt.Name}))
}

// completeReviewPlaceholder handles REVIEW autonomy, where jobs only move
// through the board: no worktree, no agent, events and a terminal record.
func (o *Orchestrator) completeReviewPlaceholder(j *job.WebhookJob, start time.Time, log *zap.Logger) {
	result := &job.AgentResult{Success: true, Message: "review stage placeholder, no execution"}
	if err := o.ws.Queue.Complete(j.JobID, queue.Artifacts{Result: result}); err != nil {
		log.Error("recording completion failed", zap.Error(err))
	}
	o.ws.Metrics.Observe("job", time.Since(start))
	o.ws.Bus.Publish(events.ForJob(events.JobCompleted, j, map[string]any{
		"message":      result.Message,
		"changes_made": false,
		"duration_ms":  time.Since(start).Milliseconds(),
	}))
	log.Info("review placeholder completed")
}

// fail records a terminal failure, publishes JobFailed, and schedules a
// retry when the failure class and the attempt budget allow one.
func (o *Orchestrator) fail(j *job.WebhookJob, info *job.ErrorInfo, art queue.Artifacts, start time.Time, log *zap.Logger) {
	j.LastError = info.Error()
	if err := o.ws.Queue.Fail(j.JobID, info, art); err != nil {
		log.Error("recording failure failed", zap.Error(err))
	}
	o.ws.Metrics.Observe("job", time.Since(start))
	o.ws.Bus.Publish(events.ForJob(events.JobFailed, j, map[string]any{
		"error_type": string(info.Type),
		"error":      info.Message,
		"retryable":  info.Retryable,
	}))
	log.Warn("job failed",
		zap.String("error_type", string(info.Type)),
		zap.String("error", info.Message),
		zap.Bool("retryable", info.Retryable))

	if !info.Retryable || j.Attempt+1 >= o.opts.MaxAttempts {
		return
	}
	retry := j.Retry()
	delay := o.opts.RetryDelay(j.Attempt)
	o.ws.Bus.Publish(events.ForJob(events.JobRetried, retry, map[string]any{
		"previous_job_id": j.JobID,
		"delay_seconds":   int(delay / time.Second),
	}))
	o.scheduleRetry(retry, delay, log)
}

func (o *Orchestrator) scheduleRetry(retry *job.WebhookJob, delay time.Duration, log *zap.Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := &pendingRetry{job: retry}
	p.timer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		delete(o.retries, retry.JobID)
		o.mu.Unlock()
		o.enqueueRetry(retry)
	})
	o.retries[retry.JobID] = p
	log.Info("retry scheduled",
		zap.String("retry_job_id", retry.JobID),
		zap.Int("attempt", retry.Attempt),
		zap.Duration("delay", delay))
}

func (o *Orchestrator) enqueueRetry(retry *job.WebhookJob) {
	if _, err := o.ws.Queue.Enqueue(retry); err != nil {
		o.logger.Error("re-enqueue failed",
			zap.String("job_id", retry.JobID),
			zap.Error(err))
		return
	}
	o.ws.Metrics.Inc("jobs_retried_total")
}

// flushRetries enqueues every pending retry immediately. Called on shutdown
// so scheduled work is durable across the restart instead of dying with the
// timers.
func (o *Orchestrator) flushRetries() {
	o.mu.Lock()
	pending := make([]*pendingRetry, 0, len(o.retries))
	for id, p := range o.retries {
		if p.timer.Stop() {
			pending = append(pending, p)
		}
		delete(o.retries, id)
	}
	o.mu.Unlock()

	for _, p := range pending {
		o.enqueueRetry(p.job)
	}
}

// PendingRetries reports how many retries are waiting on their backoff.
func (o *Orchestrator) PendingRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.retries)
}

// classify maps a stage failure to an ErrorInfo, except when the failure was
// really the daemon shutting down underneath the job. Those become shutdown
// faults so the record says what actually happened.
func classify(ctx context.Context, t job.ErrorType, err error) *job.ErrorInfo {
	if ctx.Err() != nil {
		return job.Fault(job.ErrShutdown, "daemon shutting down: "+err.Error())
	}
	return job.Classify(t, err)
}

func commitMessage(j *job.WebhookJob, result *job.AgentResult) string {
	summary := strings.TrimSpace(result.Message)
	if summary == "" {
		summary = strings.TrimSpace(j.Event.Title)
	}
	if summary == "" {
		summary = "automated change"
	}
	if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
		summary = strings.TrimSpace(summary[:idx])
	}
	return fmt.Sprintf("%s\n\njob: %s", summary, j.JobID)
}

func prTitle(j *job.WebhookJob) string {
	if j.Event.Title != "" {
		if j.Event.IssueNumber > 0 {
			return fmt.Sprintf("%s (#%d)", j.Event.Title, j.Event.IssueNumber)
		}
		return j.Event.Title
	}
	return j.JobID
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Everything marshaled here is plain structs of strings and ints;
		// an error means a programming bug, not runtime input.
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}

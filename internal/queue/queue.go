// Package queue implements the durable file-backed FIFO that carries jobs
// from webhook intake to the orchestrator. The queue directory is shared
// across OS processes: every mutation runs under an advisory flock on .lock,
// and the queue.json index is rewritten via write-to-temp plus atomic rename,
// so concurrent readers always observe either the pre- or post-state.
//
// On-disk layout, relative to the queue directory:
//
//	queue.json                 ordered list of pending job ids
//	jobs/{job_id}.json         pending job payload
//	processing/{job_id}.json   job currently held by a worker
//	completed/{job_id}.json    terminal success record
//	failed/{job_id}.json       terminal failure record
//	.lock                      advisory lock for critical sections
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/metrics"
)

const (
	indexFile     = "queue.json"
	lockFile      = ".lock"
	dirPending    = "jobs"
	dirProcessing = "processing"
	dirCompleted  = "completed"
	dirFailed     = "failed"

	// pollInterval bounds the sleep inside WaitForDequeue.
	pollInterval = 250 * time.Millisecond
)

// ErrEmpty is returned by Dequeue and WaitForDequeue when no job is pending.
var ErrEmpty = errors.New("queue is empty")

// ErrNotProcessing is returned by Complete and Fail when the job is not held
// in processing/.
var ErrNotProcessing = errors.New("job is not in processing")

// IsEmpty reports whether err means the queue had nothing to hand out.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrEmpty)
}

// Artifacts bundles the audit payloads persisted with a terminal record.
// Snapshot fields are pre-marshaled by the caller so the queue stays agnostic
// of their shape.
type Artifacts struct {
	Result         *job.AgentResult `json:"result,omitempty"`
	SnapshotBefore json.RawMessage  `json:"snapshot_before,omitempty"`
	SnapshotAfter  json.RawMessage  `json:"snapshot_after,omitempty"`
	SnapshotDiff   json.RawMessage  `json:"snapshot_diff,omitempty"`
}

// Record is the persisted view of a job, terminal records included. Pending
// and processing jobs carry only the Job field.
type Record struct {
	Job            *job.WebhookJob  `json:"job"`
	Result         *job.AgentResult `json:"result,omitempty"`
	SnapshotBefore json.RawMessage  `json:"snapshot_before,omitempty"`
	SnapshotAfter  json.RawMessage  `json:"snapshot_after,omitempty"`
	SnapshotDiff   json.RawMessage  `json:"snapshot_diff,omitempty"`
	ErrorType      string           `json:"error_type,omitempty"`
	Error          string           `json:"error,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	FailedAt       *time.Time       `json:"failed_at,omitempty"`
}

// Queue is a durable FIFO rooted at one directory. Safe for concurrent use
// from multiple goroutines and, through the advisory lock, from multiple
// processes sharing the directory.
type Queue struct {
	dir     string
	lock    *flock.Flock
	grace   time.Duration
	logger  *zap.Logger
	metrics *metrics.Registry

	// mu serializes goroutines within this process; flock(2) alone only
	// excludes other processes.
	mu sync.Mutex
}

// Open prepares the queue directory and returns a handle. The grace duration
// controls Recover: processing entries older than it are requeued. A nil
// registry or logger falls back to a fresh registry and a no-op logger.
func Open(dir string, grace time.Duration, reg *metrics.Registry, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	for _, sub := range []string{"", dirPending, dirProcessing, dirCompleted, dirFailed} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	q := &Queue{
		dir:     dir,
		lock:    flock.New(filepath.Join(dir, lockFile)),
		grace:   grace,
		logger:  logger,
		metrics: reg,
	}
	q.seedCompletionWindow()
	q.refreshGauges()
	return q, nil
}

// Dir returns the queue's root directory.
func (q *Queue) Dir() string { return q.dir }

// Metrics returns the registry the queue records into.
func (q *Queue) Metrics() *metrics.Registry { return q.metrics }

// seedCompletionWindow backfills the jobs_per_hour window from the mtimes of
// records already in completed/, so restarts do not zero the gauge.
func (q *Queue) seedCompletionWindow() {
	entries, err := os.ReadDir(filepath.Join(q.dir, dirCompleted))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		q.metrics.MarkCompleted(info.ModTime())
	}
}

func (q *Queue) withLock(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.lock.Lock(); err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	defer func() { _ = q.lock.Unlock() }()
	return fn()
}

// readIndex loads queue.json. A missing file is an empty queue; a corrupt
// file is rebuilt from the pending directory, ordered by file age.
func (q *Queue) readIndex() []string {
	data, err := os.ReadFile(filepath.Join(q.dir, indexFile))
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		q.logger.Warn("queue index corrupt, rebuilding from pending directory", zap.Error(err))
		return q.rebuildIndex()
	}
	return ids
}

func (q *Queue) rebuildIndex() []string {
	entries, err := os.ReadDir(filepath.Join(q.dir, dirPending))
	if err != nil {
		return nil
	}
	type pending struct {
		id  string
		mod time.Time
	}
	var found []pending
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, pending{id: strings.TrimSuffix(name, ".json"), mod: info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.Before(found[j].mod) })
	ids := make([]string, len(found))
	for i, p := range found {
		ids[i] = p.id
	}
	return ids
}

func (q *Queue) writeIndex(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode queue index: %w", err)
	}
	return writeFileAtomic(filepath.Join(q.dir, indexFile), data)
}

// writeFileAtomic writes via a temp file in the target directory followed by
// rename, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (q *Queue) jobPath(sub, jobID string) string {
	return filepath.Join(q.dir, sub, jobID+".json")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Enqueue persists the job under jobs/ and appends its id to the index. A
// job id already known to the queue — pending, processing, or terminal — is
// a no-op that returns the existing id, which makes webhook re-deliveries
// idempotent.
func (q *Queue) Enqueue(j *job.WebhookJob) (string, error) {
	start := time.Now()
	var id string
	err := q.withLock(func() error {
		for _, sub := range []string{dirPending, dirProcessing, dirCompleted, dirFailed} {
			if fileExists(q.jobPath(sub, j.JobID)) {
				q.logger.Debug("duplicate enqueue ignored",
					zap.String("job_id", j.JobID),
					zap.String("state", sub),
				)
				q.metrics.Inc("enqueue_duplicates_total")
				id = j.JobID
				return nil
			}
		}

		data, err := json.MarshalIndent(j, "", "  ")
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.JobID, err)
		}
		if err := writeFileAtomic(q.jobPath(dirPending, j.JobID), data); err != nil {
			return err
		}
		ids := append(q.readIndex(), j.JobID)
		if err := q.writeIndex(ids); err != nil {
			return err
		}
		id = j.JobID
		q.metrics.Inc("jobs_enqueued_total")
		q.setQueueGaugesLocked(ids)
		return nil
	})
	q.metrics.Observe("enqueue", time.Since(start))
	if err != nil {
		return "", err
	}
	q.logger.Info("job enqueued",
		zap.String("job_id", id),
		zap.String("skill", j.Skill),
		zap.Int("attempt", j.Attempt),
	)
	return id, nil
}

// Dequeue pops the head of the index, moves its payload into processing/,
// and returns the job with status PROCESSING and started_at stamped. Returns
// ErrEmpty when nothing is pending. The rewrite into processing/ refreshes
// the file mtime that Recover's grace period is measured against.
func (q *Queue) Dequeue() (*job.WebhookJob, error) {
	start := time.Now()
	var dequeued *job.WebhookJob
	err := q.withLock(func() error {
		ids := q.readIndex()
		for len(ids) > 0 {
			id := ids[0]
			ids = ids[1:]

			data, err := os.ReadFile(q.jobPath(dirPending, id))
			if err != nil {
				// Stale index entry; drop it and keep popping.
				q.logger.Warn("pending payload missing, dropping index entry",
					zap.String("job_id", id), zap.Error(err))
				continue
			}
			var j job.WebhookJob
			if err := json.Unmarshal(data, &j); err != nil {
				q.logger.Error("pending payload corrupt, moving to failed",
					zap.String("job_id", id), zap.Error(err))
				_ = os.Rename(q.jobPath(dirPending, id), q.jobPath(dirFailed, id))
				continue
			}

			now := time.Now().UTC()
			j.Status = job.StatusProcessing
			j.StartedAt = &now
			updated, err := json.MarshalIndent(&j, "", "  ")
			if err != nil {
				return fmt.Errorf("encode job %s: %w", id, err)
			}
			if err := writeFileAtomic(q.jobPath(dirProcessing, id), updated); err != nil {
				return err
			}
			if err := os.Remove(q.jobPath(dirPending, id)); err != nil {
				return fmt.Errorf("remove pending payload %s: %w", id, err)
			}
			if err := q.writeIndex(ids); err != nil {
				return err
			}
			dequeued = &j
			q.metrics.Inc("jobs_dequeued_total")
			q.setQueueGaugesLocked(ids)
			return nil
		}
		if err := q.writeIndex(ids); err != nil {
			return err
		}
		q.setQueueGaugesLocked(ids)
		return ErrEmpty
	})
	q.metrics.Observe("dequeue", time.Since(start))
	if err != nil {
		return nil, err
	}
	return dequeued, nil
}

// WaitForDequeue polls Dequeue until a job is available, the timeout lapses
// (ErrEmpty), or the context is canceled.
func (q *Queue) WaitForDequeue(ctx context.Context, timeout time.Duration) (*job.WebhookJob, error) {
	deadline := time.Now().Add(timeout)
	for {
		j, err := q.Dequeue()
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrEmpty
		}
		sleep := pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Complete moves a processing job to completed/ with its result and snapshot
// payloads attached.
func (q *Queue) Complete(jobID string, art Artifacts) error {
	start := time.Now()
	err := q.finish(jobID, dirCompleted, func(j *job.WebhookJob, now time.Time) *Record {
		j.Status = job.StatusCompleted
		j.CompletedAt = &now
		return &Record{
			Job:            j,
			Result:         art.Result,
			SnapshotBefore: art.SnapshotBefore,
			SnapshotAfter:  art.SnapshotAfter,
			SnapshotDiff:   art.SnapshotDiff,
			CompletedAt:    &now,
		}
	})
	q.metrics.Observe("complete", time.Since(start))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	q.metrics.Inc("jobs_completed_total")
	q.metrics.MarkCompleted(now)
	q.logger.Info("job completed", zap.String("job_id", jobID))
	return nil
}

// Fail moves a processing job to failed/ with the failure classification and
// whatever snapshot material the caller captured before things went wrong.
func (q *Queue) Fail(jobID string, failure *job.ErrorInfo, art Artifacts) error {
	start := time.Now()
	err := q.finish(jobID, dirFailed, func(j *job.WebhookJob, now time.Time) *Record {
		j.Status = job.StatusFailed
		j.CompletedAt = &now
		rec := &Record{
			Job:            j,
			Result:         art.Result,
			SnapshotBefore: art.SnapshotBefore,
			SnapshotAfter:  art.SnapshotAfter,
			SnapshotDiff:   art.SnapshotDiff,
			FailedAt:       &now,
		}
		if failure != nil {
			rec.ErrorType = string(failure.Type)
			rec.Error = failure.Message
			j.LastError = failure.Message
		}
		return rec
	})
	q.metrics.Observe("fail", time.Since(start))
	if err != nil {
		return err
	}
	q.metrics.Inc("jobs_failed_total")
	if failure != nil {
		q.logger.Warn("job failed",
			zap.String("job_id", jobID),
			zap.String("error_type", string(failure.Type)),
			zap.String("error", failure.Message),
		)
	} else {
		q.logger.Warn("job failed", zap.String("job_id", jobID))
	}
	return nil
}

func (q *Queue) finish(jobID, destDir string, build func(*job.WebhookJob, time.Time) *Record) error {
	return q.withLock(func() error {
		src := q.jobPath(dirProcessing, jobID)
		data, err := os.ReadFile(src)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrNotProcessing, jobID)
			}
			return fmt.Errorf("read processing payload %s: %w", jobID, err)
		}
		var j job.WebhookJob
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("decode processing payload %s: %w", jobID, err)
		}

		rec := build(&j, time.Now().UTC())
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encode terminal record %s: %w", jobID, err)
		}
		if err := writeFileAtomic(q.jobPath(destDir, jobID), out); err != nil {
			return err
		}
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("remove processing payload %s: %w", jobID, err)
		}
		return nil
	})
}

// Recover requeues processing entries older than the grace period: the job
// moves back to jobs/ with attempt incremented and its id is appended to the
// index. Intended for startup after a crash; the janitor also calls it
// periodically for stragglers. Returns the number of jobs requeued.
func (q *Queue) Recover() (int, error) {
	recovered := 0
	err := q.withLock(func() error {
		entries, err := os.ReadDir(filepath.Join(q.dir, dirProcessing))
		if err != nil {
			return fmt.Errorf("read processing directory: %w", err)
		}
		now := time.Now()
		var ids []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			age := now.Sub(info.ModTime())
			if age < q.grace {
				continue
			}
			id := strings.TrimSuffix(name, ".json")

			data, err := os.ReadFile(q.jobPath(dirProcessing, id))
			if err != nil {
				q.logger.Warn("cannot read stale processing payload",
					zap.String("job_id", id), zap.Error(err))
				continue
			}
			var j job.WebhookJob
			if err := json.Unmarshal(data, &j); err != nil {
				q.logger.Error("stale processing payload corrupt, moving to failed",
					zap.String("job_id", id), zap.Error(err))
				_ = os.Rename(q.jobPath(dirProcessing, id), q.jobPath(dirFailed, id))
				continue
			}

			j.Status = job.StatusPending
			j.StartedAt = nil
			j.Attempt++
			updated, err := json.MarshalIndent(&j, "", "  ")
			if err != nil {
				continue
			}
			if err := writeFileAtomic(q.jobPath(dirPending, id), updated); err != nil {
				return err
			}
			if err := os.Remove(q.jobPath(dirProcessing, id)); err != nil {
				return fmt.Errorf("remove stale processing payload %s: %w", id, err)
			}
			ids = append(ids, id)
			recovered++
			q.logger.Info("job recovered from interrupted worker",
				zap.String("job_id", id),
				zap.Duration("age", age),
				zap.Int("attempt", j.Attempt),
			)
		}
		if len(ids) == 0 {
			return nil
		}
		index := q.readIndex()
		for _, id := range ids {
			if !contains(index, id) {
				index = append(index, id)
			}
		}
		if err := q.writeIndex(index); err != nil {
			return err
		}
		q.metrics.Add("jobs_recovered_total", int64(recovered))
		q.setQueueGaugesLocked(index)
		return nil
	})
	return recovered, err
}

// Prune deletes terminal records older than the retention window and returns
// how many were removed.
func (q *Queue) Prune(retention time.Duration) (int, error) {
	pruned := 0
	err := q.withLock(func() error {
		cutoff := time.Now().Add(-retention)
		for _, sub := range []string{dirCompleted, dirFailed} {
			entries, err := os.ReadDir(filepath.Join(q.dir, sub))
			if err != nil {
				return fmt.Errorf("read %s directory: %w", sub, err)
			}
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
					continue
				}
				info, err := e.Info()
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
				if err := os.Remove(filepath.Join(q.dir, sub, e.Name())); err != nil {
					q.logger.Warn("cannot prune terminal record",
						zap.String("file", e.Name()), zap.Error(err))
					continue
				}
				pruned++
			}
		}
		return nil
	})
	if pruned > 0 {
		q.metrics.Add("jobs_pruned_total", int64(pruned))
		q.logger.Info("pruned terminal records", zap.Int("count", pruned))
	}
	return pruned, err
}

// Size returns the number of pending jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.readIndex())
}

// Pending returns pending jobs in queue order.
func (q *Queue) Pending() ([]*job.WebhookJob, error) {
	var out []*job.WebhookJob
	err := q.withLock(func() error {
		for _, id := range q.readIndex() {
			j, err := q.readJob(dirPending, id)
			if err != nil {
				continue
			}
			out = append(out, j)
		}
		return nil
	})
	return out, err
}

// Processing returns jobs currently held by workers.
func (q *Queue) Processing() ([]*job.WebhookJob, error) {
	var out []*job.WebhookJob
	err := q.withLock(func() error {
		ids, err := q.listDir(dirProcessing)
		if err != nil {
			return err
		}
		for _, id := range ids {
			j, err := q.readJob(dirProcessing, id)
			if err != nil {
				continue
			}
			out = append(out, j)
		}
		return nil
	})
	return out, err
}

// Terminal returns completed or failed records, newest first, up to limit
// (0 means all).
func (q *Queue) Terminal(status job.Status, limit int) ([]*Record, error) {
	var sub string
	switch status {
	case job.StatusCompleted:
		sub = dirCompleted
	case job.StatusFailed:
		sub = dirFailed
	default:
		return nil, fmt.Errorf("status %s is not terminal", status)
	}
	var out []*Record
	err := q.withLock(func() error {
		ids, err := q.listDir(sub)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := q.readRecord(sub, id)
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		sort.Slice(out, func(i, j int) bool {
			return recordTime(out[i]).After(recordTime(out[j]))
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// Get locates a job in any state and returns its record. Pending and
// processing jobs come back wrapped in a Record with only Job set.
func (q *Queue) Get(jobID string) (*Record, error) {
	var rec *Record
	err := q.withLock(func() error {
		for _, sub := range []string{dirCompleted, dirFailed} {
			if r, err := q.readRecord(sub, jobID); err == nil {
				rec = r
				return nil
			}
		}
		for _, sub := range []string{dirProcessing, dirPending} {
			if j, err := q.readJob(sub, jobID); err == nil {
				rec = &Record{Job: j}
				return nil
			}
		}
		return fmt.Errorf("job %s: %w", jobID, fs.ErrNotExist)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// IsNotFound reports whether err means the job does not exist in the queue.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func (q *Queue) readJob(sub, id string) (*job.WebhookJob, error) {
	data, err := os.ReadFile(q.jobPath(sub, id))
	if err != nil {
		return nil, err
	}
	var j job.WebhookJob
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *Queue) readRecord(sub, id string) (*Record, error) {
	data, err := os.ReadFile(q.jobPath(sub, id))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (q *Queue) listDir(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.dir, sub))
	if err != nil {
		return nil, fmt.Errorf("read %s directory: %w", sub, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func recordTime(rec *Record) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	if rec.FailedAt != nil {
		return *rec.FailedAt
	}
	if rec.Job != nil {
		return rec.Job.CreatedAt
	}
	return time.Time{}
}

// setQueueGaugesLocked refreshes queue_size and backlog_age_seconds from the
// given index. Callers already hold the queue lock.
func (q *Queue) setQueueGaugesLocked(ids []string) {
	q.metrics.SetGauge("queue_size", float64(len(ids)))
	backlog := 0.0
	if len(ids) > 0 {
		if info, err := os.Stat(q.jobPath(dirPending, ids[0])); err == nil {
			backlog = time.Since(info.ModTime()).Seconds()
		}
	}
	q.metrics.SetGauge("backlog_age_seconds", backlog)
}

// refreshGauges recomputes every derived gauge, disk usage included. Walking
// the tree is not free, so this runs at open and from the janitor rather
// than on the hot path.
func (q *Queue) refreshGauges() {
	q.mu.Lock()
	ids := q.readIndex()
	q.setQueueGaugesLocked(ids)
	q.mu.Unlock()

	var bytes int64
	_ = filepath.WalkDir(q.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			bytes += info.Size()
		}
		return nil
	})
	q.metrics.SetGauge("disk_usage_mb", float64(bytes)/(1024*1024))
}

// RefreshGauges is the exported entry point the janitor uses.
func (q *Queue) RefreshGauges() { q.refreshGauges() }

// Stats returns the queue's metrics snapshot.
func (q *Queue) Stats() metrics.Snapshot {
	return q.metrics.Snapshot()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

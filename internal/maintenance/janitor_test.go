package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skybridge-io/skybridge/internal/job"
	"github.com/skybridge-io/skybridge/internal/queue"
	"github.com/skybridge-io/skybridge/internal/workspace"
)

func newTestWorkspace(t *testing.T, grace time.Duration) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.Build(
		workspace.Config{ID: "core", RepoPath: filepath.Join(root, "repo"), Enabled: true},
		workspace.Paths{
			QueueBase:      filepath.Join(root, "queue"),
			WorkspacesBase: filepath.Join(root, "workspaces"),
			WorktreesBase:  filepath.Join(root, "worktrees"),
			LogsBase:       filepath.Join(root, "logs"),
		},
		workspace.BuildOptions{RecoveryGrace: grace},
	)
	if err != nil {
		t.Fatalf("build workspace: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ws.Close(ctx)
	})
	return ws
}

func newRegistry(t *testing.T, ws *workspace.Workspace) *workspace.Registry {
	t.Helper()
	reg := workspace.NewRegistry(nil)
	if err := reg.Add(ws); err != nil {
		t.Fatalf("register workspace: %v", err)
	}
	return reg
}

func testJob(id string) *job.WebhookJob {
	event := job.WebhookEvent{
		EventID:   id,
		Source:    job.SourceGitHub,
		EventType: "issues.opened",
		Summary:   job.EventSummary{ExternalID: "7", IssueNumber: 7, Title: "limpeza"},
	}
	return job.New(event, "resolve-issue")
}

func TestSweepPrunesAgedTerminalRecords(t *testing.T) {
	ws := newTestWorkspace(t, time.Hour)

	jobID, err := ws.Queue.Enqueue(testJob("delivery-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := ws.Queue.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := ws.Queue.Complete(jobID, queue.Artifacts{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	record := filepath.Join(ws.Queue.Dir(), "completed", jobID+".json")
	old := time.Now().Add(-20 * 24 * time.Hour)
	if err := os.Chtimes(record, old, old); err != nil {
		t.Fatalf("age record: %v", err)
	}

	j := NewJanitor(newRegistry(t, ws), "@hourly", 14*24*time.Hour, nil)
	j.Sweep(context.Background())

	if _, err := os.Stat(record); !os.IsNotExist(err) {
		t.Fatalf("expected aged record pruned, stat err = %v", err)
	}
	snap := ws.Queue.Stats()
	if snap.Counters["jobs_pruned_total"] != 1 {
		t.Fatalf("jobs_pruned_total = %d", snap.Counters["jobs_pruned_total"])
	}
	if snap.Counters["janitor_sweeps_total"] != 1 {
		t.Fatalf("janitor_sweeps_total = %d", snap.Counters["janitor_sweeps_total"])
	}
}

func TestSweepKeepsRecentRecords(t *testing.T) {
	ws := newTestWorkspace(t, time.Hour)

	jobID, err := ws.Queue.Enqueue(testJob("delivery-2"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := ws.Queue.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := ws.Queue.Complete(jobID, queue.Artifacts{}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	j := NewJanitor(newRegistry(t, ws), "@hourly", 14*24*time.Hour, nil)
	j.Sweep(context.Background())

	if _, err := ws.Queue.Get(jobID); err != nil {
		t.Fatalf("recent record should survive the sweep: %v", err)
	}
}

func TestSweepRecoversStaleProcessing(t *testing.T) {
	ws := newTestWorkspace(t, 50*time.Millisecond)

	jobID, err := ws.Queue.Enqueue(testJob("delivery-3"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := ws.Queue.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	j := NewJanitor(newRegistry(t, ws), "@hourly", 14*24*time.Hour, nil)
	j.Sweep(context.Background())

	pending, err := ws.Queue.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].JobID != jobID {
		t.Fatalf("expected stale processing job requeued, pending = %+v", pending)
	}
}

func TestStartRunsSweepsOnSchedule(t *testing.T) {
	ws := newTestWorkspace(t, time.Hour)

	j := NewJanitor(newRegistry(t, ws), "@every 50ms", 14*24*time.Hour, nil)
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		j.Stop(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ws.Metrics.Snapshot().Counters["janitor_sweeps_total"] >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a scheduled sweep")
}

func TestStartRejectsBadSchedule(t *testing.T) {
	ws := newTestWorkspace(t, time.Hour)
	j := NewJanitor(newRegistry(t, ws), "not a schedule", time.Hour, nil)
	if err := j.Start(); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

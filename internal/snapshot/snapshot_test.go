package snapshot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func gitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{"-C", dir, "-c", "user.name=test", "-c", "user.email=test@local"}
	out, err := exec.Command("git", append(base, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func newRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitT(t, dir, "init")
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	gitT(t, dir, "add", "-A")
	gitT(t, dir, "commit", "-m", "init")
	return dir
}

func TestCaptureCleanTree(t *testing.T) {
	dir := newRepo(t)
	svc := NewService(nil)

	snap, err := svc.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if snap.Head == "" || snap.Branch == "" {
		t.Fatalf("missing git identity: %+v", snap)
	}
	if snap.Staged+snap.Unstaged+snap.Untracked != 0 {
		t.Fatalf("clean tree reported dirty: %+v", snap)
	}
	if len(snap.Files) != 1 || snap.Files[0].Path != "main.go" {
		t.Fatalf("inventory = %+v", snap.Files)
	}
	if snap.Files[0].Hash == "" || snap.Files[0].Size == 0 {
		t.Fatalf("file not hashed: %+v", snap.Files[0])
	}
	if len(snap.Diffs) != 0 {
		t.Fatalf("clean tree has diffs: %v", snap.Diffs)
	}
}

func TestCaptureDirtyTree(t *testing.T) {
	dir := newRepo(t)
	svc := NewService(nil)

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() { println(1) }\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("fresh\n"), 0600); err != nil {
		t.Fatal(err)
	}

	snap, err := svc.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if snap.Unstaged != 1 || snap.Untracked != 1 {
		t.Fatalf("counts = %+v", snap)
	}
	if _, ok := snap.Diffs["main.go"]; !ok {
		t.Fatalf("missing diff for main.go: %v", snap.Diffs)
	}
	if len(snap.Files) != 2 {
		t.Fatalf("inventory = %+v", snap.Files)
	}
}

func TestDiffDelta(t *testing.T) {
	before := &Snapshot{
		Files: []File{
			{Path: "a.go", Hash: "h1"},
			{Path: "b.go", Hash: "h2"},
			{Path: "gone.go", Hash: "h3"},
		},
	}
	after := &Snapshot{
		Files: []File{
			{Path: "a.go", Hash: "h1"},
			{Path: "b.go", Hash: "changed"},
			{Path: "new.go", Hash: "h4"},
		},
		Diffs: map[string]string{
			"b.go": "diff --git a/b.go b/b.go\n--- a/b.go\n+++ b/b.go\n@@ -1,2 +1,2 @@\n-old line\n+new line\n+extra line\n",
		},
	}

	d := Diff(before, after)
	if len(d.FilesAdded) != 1 || d.FilesAdded[0] != "new.go" {
		t.Fatalf("added = %v", d.FilesAdded)
	}
	if len(d.FilesModified) != 1 || d.FilesModified[0] != "b.go" {
		t.Fatalf("modified = %v", d.FilesModified)
	}
	if len(d.FilesDeleted) != 1 || d.FilesDeleted[0] != "gone.go" {
		t.Fatalf("deleted = %v", d.FilesDeleted)
	}
	if d.LinesAdded != 2 || d.LinesRemoved != 1 {
		t.Fatalf("lines = +%d/-%d, want +2/-1", d.LinesAdded, d.LinesRemoved)
	}
}

func TestCaptureRoundTripDelta(t *testing.T) {
	dir := newRepo(t)
	svc := NewService(nil)
	ctx := context.Background()

	before, err := svc.Capture(ctx, dir)
	if err != nil {
		t.Fatalf("Capture before: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package main\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "main.go")); err != nil {
		t.Fatal(err)
	}

	after, err := svc.Capture(ctx, dir)
	if err != nil {
		t.Fatalf("Capture after: %v", err)
	}
	if !after.TakenAt.After(before.TakenAt.Add(-time.Second)) {
		t.Fatalf("timestamps out of order: %v then %v", before.TakenAt, after.TakenAt)
	}

	d := Diff(before, after)
	if len(d.FilesAdded) != 1 || d.FilesAdded[0] != "feature.go" {
		t.Fatalf("added = %v", d.FilesAdded)
	}
	if len(d.FilesDeleted) != 1 || d.FilesDeleted[0] != "main.go" {
		t.Fatalf("deleted = %v", d.FilesDeleted)
	}
}

package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitT(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{"-C", dir, "-c", "user.name=test", "-c", "user.email=test@local"}
	out, err := exec.Command("git", append(base, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// newFixture builds a repository with one pushed commit and a bare origin,
// and returns a manager over a fresh worktree base.
func newFixture(t *testing.T) (*Manager, string) {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	repo := filepath.Join(root, "repo")
	base := filepath.Join(root, "worktrees")

	if err := os.MkdirAll(origin, 0750); err != nil {
		t.Fatal(err)
	}
	gitT(t, origin, "init", "--bare")

	if err := os.MkdirAll(repo, 0750); err != nil {
		t.Fatal(err)
	}
	gitT(t, repo, "init")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0600); err != nil {
		t.Fatal(err)
	}
	gitT(t, repo, "add", "-A")
	gitT(t, repo, "commit", "-m", "init")
	gitT(t, repo, "remote", "add", "origin", origin)
	gitT(t, repo, "push", "-u", "origin", "HEAD")

	return NewManager(repo, base, nil), repo
}

func TestDirAndBranchNames(t *testing.T) {
	if got := DirName("github", "issues.opened", "42", "a1b2c3d4"); got != "skybridge-github-issues.opened-42-a1b2c3d4" {
		t.Fatalf("DirName = %q", got)
	}
	if got := BranchName("github", "42", "a1b2c3d4"); got != "webhook/github/issue/42/a1b2c3d4" {
		t.Fatalf("BranchName = %q", got)
	}
	// Hostile components must come out path and ref safe.
	got := DirName("GitHub", "issues opened", "a/b", "ffffffff")
	if strings.ContainsAny(got, " /") || got != strings.ToLower(got) {
		t.Fatalf("DirName not sanitized: %q", got)
	}
}

func TestCountChanges(t *testing.T) {
	porcelain := "M  staged.go\n M unstaged.go\n?? new.txt\nA  added.go\nMM both.go\n"
	staged, unstaged, untracked := CountChanges(porcelain)
	if staged != 3 || unstaged != 2 || untracked != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", staged, unstaged, untracked)
	}
}

func TestCreateIdempotent(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "github", "issues.opened", "7", "deadbeef")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wt.Reused {
		t.Fatal("first create reported reuse")
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}
	if wt.Branch != "webhook/github/issue/7/deadbeef" {
		t.Fatalf("branch = %q", wt.Branch)
	}

	again, err := m.Create(ctx, "github", "issues.opened", "7", "deadbeef")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if !again.Reused || again.Path != wt.Path {
		t.Fatalf("second create not idempotent: %+v", again)
	}
}

func TestValidateRemoval(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "github", "issues.opened", "8", "cafe0001")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	v, err := m.ValidateRemoval(ctx, wt.Name)
	if err != nil {
		t.Fatalf("ValidateRemoval: %v", err)
	}
	if !v.CanRemove || v.UnpushedCommits != 0 {
		t.Fatalf("fresh worktree should be removable: %+v", v)
	}

	// Untracked files are noted but do not block removal.
	if err := os.WriteFile(filepath.Join(wt.Path, "scratch.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	v, err = m.ValidateRemoval(ctx, wt.Name)
	if err != nil {
		t.Fatalf("ValidateRemoval: %v", err)
	}
	if !v.CanRemove || v.Untracked != 1 {
		t.Fatalf("untracked file should not block: %+v", v)
	}

	// A local commit blocks removal until pushed.
	if _, err := m.CommitAll(ctx, wt.Path, "wip"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	v, err = m.ValidateRemoval(ctx, wt.Name)
	if err != nil {
		t.Fatalf("ValidateRemoval: %v", err)
	}
	if v.CanRemove || v.UnpushedCommits != 1 {
		t.Fatalf("unpushed commit should block: %+v", v)
	}

	if err := m.Push(ctx, wt.Path, wt.Branch); err != nil {
		t.Fatalf("Push: %v", err)
	}
	v, err = m.ValidateRemoval(ctx, wt.Name)
	if err != nil {
		t.Fatalf("ValidateRemoval: %v", err)
	}
	if !v.CanRemove || v.UnpushedCommits != 0 {
		t.Fatalf("pushed worktree should be removable: %+v", v)
	}
}

func TestRemoveRefusesUnsavedWork(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "trello", "card", "abc", "beef0002")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "work.go"), []byte("package work\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CommitAll(ctx, wt.Path, "local only"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	if err := m.Remove(ctx, wt.Name, false); err == nil {
		t.Fatal("Remove should refuse unpushed work")
	}
	if err := m.Remove(ctx, wt.Name, true); err != nil {
		t.Fatalf("forced Remove: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Fatalf("worktree dir still present: %v", err)
	}
}

func TestCommitAllSetsFallbackIdentity(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "discord", "message", "99", "0badf00d")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "note.md"), []byte("note\n"), 0600); err != nil {
		t.Fatal(err)
	}

	changed, err := m.HasChanges(ctx, wt.Path)
	if err != nil || !changed {
		t.Fatalf("HasChanges = %v, %v; want true", changed, err)
	}

	sha, err := m.CommitAll(ctx, wt.Path, "add note")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if len(sha) < 7 {
		t.Fatalf("suspicious commit sha %q", sha)
	}

	changed, err = m.HasChanges(ctx, wt.Path)
	if err != nil || changed {
		t.Fatalf("HasChanges after commit = %v, %v; want false", changed, err)
	}
}

func TestStatusAndList(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()

	wt, err := m.Create(ctx, "github", "issues.opened", "11", "feed0003")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := m.Status(ctx, wt.Name)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Branch != wt.Branch || info.Head == "" {
		t.Fatalf("status = %+v", info)
	}

	infos, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != wt.Name {
		t.Fatalf("list = %+v", infos)
	}

	if _, err := m.Status(ctx, "../escape"); err == nil {
		t.Fatal("Status should reject non-managed names")
	}
}

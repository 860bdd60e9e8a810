// Package worktree provisions and retires the isolated git worktrees agent
// jobs run in. Every job gets its own directory and branch derived from the
// originating event, so concurrent jobs never touch each other's files and a
// re-dispatched event lands back in the same worktree.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const dirPrefix = "skybridge-"

// Manager owns the worktree base directory for one workspace. All git
// operations run against the workspace's canonical repository.
type Manager struct {
	repoPath string
	baseDir  string
	remote   string
	logger   *zap.Logger
}

// Worktree is a provisioned job sandbox.
type Worktree struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	Source     string `json:"source"`
	EventType  string `json:"event_type"`
	ExternalID string `json:"external_id"`
	ShortHash  string `json:"short_hash"`
	Reused     bool   `json:"reused,omitempty"`
}

// Info is the operator view of one worktree, including its dirty state.
type Info struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Branch    string `json:"branch"`
	Head      string `json:"head"`
	Staged    int    `json:"staged"`
	Unstaged  int    `json:"unstaged"`
	Untracked int    `json:"untracked"`
}

// Validation is the removal safety verdict for one worktree.
type Validation struct {
	Name            string   `json:"name"`
	CanRemove       bool     `json:"can_remove"`
	Staged          int      `json:"staged"`
	Unstaged        int      `json:"unstaged"`
	Untracked       int      `json:"untracked"`
	UnpushedCommits int      `json:"unpushed_commits"`
	Reasons         []string `json:"reasons,omitempty"`
}

// NewManager returns a manager rooted at baseDir for the repository at
// repoPath. Pushes go to the "origin" remote.
func NewManager(repoPath, baseDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repoPath: repoPath,
		baseDir:  baseDir,
		remote:   "origin",
		logger:   logger.Named("worktree"),
	}
}

// DirName builds the deterministic worktree directory name for an event.
func DirName(source, eventType, externalID, shortHash string) string {
	return dirPrefix + strings.Join([]string{
		sanitize(source),
		sanitize(eventType),
		sanitize(externalID),
		shortHash,
	}, "-")
}

// BranchName builds the branch a job commits to.
func BranchName(source, externalID, shortHash string) string {
	return fmt.Sprintf("webhook/%s/issue/%s/%s", sanitize(source), sanitize(externalID), shortHash)
}

// sanitize keeps name components path and ref safe. Dots survive because
// event types use them (issues.opened).
func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Create provisions the worktree and branch for an event. It is idempotent:
// if the branch or directory already exists from an earlier dispatch of the
// same event, the existing worktree is returned with Reused set.
func (m *Manager) Create(ctx context.Context, source, eventType, externalID, shortHash string) (*Worktree, error) {
	if err := os.MkdirAll(m.baseDir, 0750); err != nil {
		return nil, fmt.Errorf("creating worktree base: %w", err)
	}

	wt := &Worktree{
		Name:       DirName(source, eventType, externalID, shortHash),
		Branch:     BranchName(source, externalID, shortHash),
		Source:     source,
		EventType:  eventType,
		ExternalID: externalID,
		ShortHash:  shortHash,
	}
	wt.Path = filepath.Join(m.baseDir, wt.Name)

	if info, err := os.Stat(wt.Path); err == nil && info.IsDir() {
		if _, _, gitErr := runGit(ctx, wt.Path, "rev-parse", "--is-inside-work-tree"); gitErr == nil {
			wt.Reused = true
			m.logger.Info("reusing existing worktree",
				zap.String("name", wt.Name),
				zap.String("branch", wt.Branch))
			return wt, nil
		}
		// A stale directory that is not a worktree blocks git; clear it.
		if err := os.RemoveAll(wt.Path); err != nil {
			return nil, fmt.Errorf("clearing stale worktree dir: %w", err)
		}
		_, _, _ = runGit(ctx, m.repoPath, "worktree", "prune")
	}

	if branchExists(ctx, m.repoPath, wt.Branch) {
		if _, _, err := runGit(ctx, m.repoPath, "worktree", "add", wt.Path, wt.Branch); err != nil {
			return nil, err
		}
		wt.Reused = true
	} else {
		if _, _, err := runGit(ctx, m.repoPath, "worktree", "add", "-b", wt.Branch, wt.Path, "HEAD"); err != nil {
			return nil, err
		}
	}

	m.logger.Info("worktree created",
		zap.String("name", wt.Name),
		zap.String("branch", wt.Branch),
		zap.Bool("reused", wt.Reused))
	return wt, nil
}

// List returns the managed worktrees currently registered with git.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	out, _, err := runGit(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var infos []Info
	for _, block := range strings.Split(strings.TrimSpace(out), "\n\n") {
		var path, head, branch string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "worktree "):
				path = strings.TrimPrefix(line, "worktree ")
			case strings.HasPrefix(line, "HEAD "):
				head = strings.TrimPrefix(line, "HEAD ")
			case strings.HasPrefix(line, "branch "):
				branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		}
		name := filepath.Base(path)
		if !strings.HasPrefix(name, dirPrefix) {
			continue
		}
		info := Info{Name: name, Path: path, Branch: branch, Head: head}
		if porcelain, err := StatusPorcelain(ctx, path); err == nil {
			info.Staged, info.Unstaged, info.Untracked = CountChanges(porcelain)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Status reports one managed worktree by name.
func (m *Manager) Status(ctx context.Context, name string) (*Info, error) {
	path, err := m.resolve(name)
	if err != nil {
		return nil, err
	}

	info := &Info{Name: name, Path: path}
	if info.Head, err = HeadSHA(ctx, path); err != nil {
		return nil, err
	}
	if info.Branch, err = CurrentBranch(ctx, path); err != nil {
		return nil, err
	}
	porcelain, err := StatusPorcelain(ctx, path)
	if err != nil {
		return nil, err
	}
	info.Staged, info.Unstaged, info.Untracked = CountChanges(porcelain)
	return info, nil
}

// ValidateRemoval decides whether a worktree can be removed without losing
// work. Untracked files do not block removal but are reported so the
// operator can see them.
func (m *Manager) ValidateRemoval(ctx context.Context, name string) (*Validation, error) {
	path, err := m.resolve(name)
	if err != nil {
		return nil, err
	}

	porcelain, err := StatusPorcelain(ctx, path)
	if err != nil {
		return nil, err
	}
	v := &Validation{Name: name}
	v.Staged, v.Unstaged, v.Untracked = CountChanges(porcelain)

	if v.UnpushedCommits, err = unpushedCount(ctx, path); err != nil {
		return nil, err
	}

	if v.Staged > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("%d staged change(s)", v.Staged))
	}
	if v.Unstaged > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("%d unstaged change(s)", v.Unstaged))
	}
	if v.UnpushedCommits > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("%d unpushed commit(s)", v.UnpushedCommits))
	}
	if v.Untracked > 0 {
		v.Reasons = append(v.Reasons, fmt.Sprintf("%d untracked file(s), removal allowed", v.Untracked))
	}
	v.CanRemove = v.Staged == 0 && v.Unstaged == 0 && v.UnpushedCommits == 0
	return v, nil
}

// Remove detaches and deletes a worktree directory. The branch stays; pushed
// work remains reachable. Force skips the safety validation and is reserved
// for the password-confirmed operator path.
func (m *Manager) Remove(ctx context.Context, name string, force bool) error {
	path, err := m.resolve(name)
	if err != nil {
		return err
	}

	if !force {
		v, err := m.ValidateRemoval(ctx, name)
		if err != nil {
			return err
		}
		if !v.CanRemove {
			return fmt.Errorf("worktree %s has unsaved work: %s", name, strings.Join(v.Reasons, "; "))
		}
	}

	if _, _, err := runGit(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, _, _ = runGit(ctx, m.repoPath, "worktree", "prune")
	m.logger.Info("worktree removed", zap.String("name", name), zap.Bool("force", force))
	return nil
}

// CommitAll stages everything in the worktree and commits it. Repositories
// without a configured identity get a fallback committer so the daemon works
// on bare CI hosts.
func (m *Manager) CommitAll(ctx context.Context, path, message string) (string, error) {
	if _, _, err := runGit(ctx, path, "add", "-A"); err != nil {
		return "", err
	}
	_, _, err := runGit(ctx, path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(ctx, path,
				"-c", "user.name=skybridge",
				"-c", "user.email=skybridge@local",
				"commit", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(ctx, path)
}

// HasChanges reports whether the worktree differs from HEAD in any way,
// untracked files included.
func (m *Manager) HasChanges(ctx context.Context, path string) (bool, error) {
	porcelain, err := StatusPorcelain(ctx, path)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(porcelain) != "", nil
}

// Push publishes the branch, setting its upstream on first push.
func (m *Manager) Push(ctx context.Context, path, branch string) error {
	_, _, err := runGit(ctx, path, "push", "--set-upstream", m.remote, branch)
	return err
}

// resolve maps a worktree name to its directory, rejecting anything outside
// the managed base.
func (m *Manager) resolve(name string) (string, error) {
	if name != filepath.Base(name) || !strings.HasPrefix(name, dirPrefix) {
		return "", fmt.Errorf("not a managed worktree name: %q", name)
	}
	path := filepath.Join(m.baseDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("worktree %s: %w", name, err)
	}
	return path, nil
}

// Prune removes managed worktrees older than maxAge that pass the removal
// validation. It backs the janitor's retention sweep and returns the names
// it removed.
func (m *Manager) Prune(ctx context.Context, maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		v, err := m.ValidateRemoval(ctx, entry.Name())
		if err != nil || !v.CanRemove {
			continue
		}
		if err := m.Remove(ctx, entry.Name(), false); err != nil {
			m.logger.Warn("pruning worktree failed",
				zap.String("name", entry.Name()),
				zap.Error(err))
			continue
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

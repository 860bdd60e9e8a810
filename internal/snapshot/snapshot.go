// Package snapshot records the state of a worktree before and after an agent
// run. Snapshots carry the branch, HEAD, a content-hashed file inventory and
// unified diffs of dirty paths, so every job leaves an auditable record of
// exactly what the agent touched.
package snapshot

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/worktree"
)

// File is one inventory entry. Hash is the hex BLAKE3 digest of the file
// contents.
type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// Snapshot is the captured state of a worktree at one instant.
type Snapshot struct {
	Branch    string            `json:"branch"`
	Head      string            `json:"head"`
	TakenAt   time.Time         `json:"taken_at"`
	Staged    int               `json:"staged"`
	Unstaged  int               `json:"unstaged"`
	Untracked int               `json:"untracked"`
	Files     []File            `json:"files"`
	Diffs     map[string]string `json:"diffs,omitempty"`
}

// Delta aggregates what changed between two snapshots of the same worktree.
type Delta struct {
	FilesAdded    []string `json:"files_added"`
	FilesModified []string `json:"files_modified"`
	FilesDeleted  []string `json:"files_deleted"`
	LinesAdded    int      `json:"lines_added"`
	LinesRemoved  int      `json:"lines_removed"`
}

// Service captures worktree snapshots.
type Service struct {
	logger *zap.Logger
}

// NewService returns a snapshot service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger.Named("snapshot")}
}

// Capture records the current state of the worktree at dir. Regular files
// are hashed; sockets, symlinks and the .git directory are skipped.
func (s *Service) Capture(ctx context.Context, dir string) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: time.Now().UTC()}

	var err error
	if snap.Head, err = worktree.HeadSHA(ctx, dir); err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	if snap.Branch, err = worktree.CurrentBranch(ctx, dir); err != nil {
		return nil, fmt.Errorf("resolving branch: %w", err)
	}
	porcelain, err := worktree.StatusPorcelain(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	snap.Staged, snap.Unstaged, snap.Untracked = worktree.CountChanges(porcelain)

	if snap.Files, err = inventory(dir); err != nil {
		return nil, fmt.Errorf("building inventory: %w", err)
	}

	if snap.Staged > 0 || snap.Unstaged > 0 {
		diffs, err := worktree.DiffAgainstHead(ctx, dir)
		if err != nil {
			// A failed diff degrades the audit trail but should not fail
			// the job; the inventory still captures the outcome.
			s.logger.Warn("diff capture failed", zap.String("dir", dir), zap.Error(err))
		} else {
			snap.Diffs = diffs
		}
	}

	s.logger.Debug("snapshot captured",
		zap.String("dir", dir),
		zap.String("head", snap.Head),
		zap.Int("files", len(snap.Files)),
		zap.Int("diffs", len(snap.Diffs)))
	return snap, nil
}

func inventory(dir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		size, hash, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Size: size, Hash: hash})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := blake3.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// Diff compares two snapshots by content hash and tallies line churn from
// the after-side unified diffs.
func Diff(before, after *Snapshot) *Delta {
	d := &Delta{}

	prev := make(map[string]string, len(before.Files))
	for _, f := range before.Files {
		prev[f.Path] = f.Hash
	}
	seen := make(map[string]bool, len(after.Files))
	for _, f := range after.Files {
		seen[f.Path] = true
		hash, ok := prev[f.Path]
		switch {
		case !ok:
			d.FilesAdded = append(d.FilesAdded, f.Path)
		case hash != f.Hash:
			d.FilesModified = append(d.FilesModified, f.Path)
		}
	}
	for _, f := range before.Files {
		if !seen[f.Path] {
			d.FilesDeleted = append(d.FilesDeleted, f.Path)
		}
	}
	sort.Strings(d.FilesAdded)
	sort.Strings(d.FilesModified)
	sort.Strings(d.FilesDeleted)

	for _, diff := range after.Diffs {
		for _, line := range strings.Split(diff, "\n") {
			switch {
			case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			case strings.HasPrefix(line, "+"):
				d.LinesAdded++
			case strings.HasPrefix(line, "-"):
				d.LinesRemoved++
			}
		}
	}
	return d
}

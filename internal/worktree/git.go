package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandError carries the full output of a failed git invocation so callers
// can log or surface the real reason instead of just an exit code.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	// Background auto-maintenance is disabled so frequent worktree churn
	// never spawns long-running helper processes under the daemon.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func HeadSHA(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func branchExists(ctx context.Context, repoDir, branch string) bool {
	_, _, err := runGit(ctx, repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CountChanges tallies a porcelain status listing. Staged counts the index
// column, unstaged the worktree column, untracked the "??" entries.
func CountChanges(porcelain string) (staged, unstaged, untracked int) {
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' && y == '?' {
			untracked++
			continue
		}
		if x != ' ' {
			staged++
		}
		if y != ' ' {
			unstaged++
		}
	}
	return staged, unstaged, untracked
}

// DiffAgainstHead returns per-path unified diffs of all tracked changes,
// staged and unstaged, relative to HEAD.
func DiffAgainstHead(ctx context.Context, dir string) (map[string]string, error) {
	out, _, err := runGit(ctx, dir, "diff", "HEAD")
	if err != nil {
		return nil, err
	}
	diffs := make(map[string]string)
	var path string
	var b strings.Builder
	flush := func() {
		if path != "" && b.Len() > 0 {
			diffs[path] = b.String()
		}
		b.Reset()
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			path = diffHeaderPath(line)
		}
		if path != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	flush()
	return diffs, nil
}

// diffHeaderPath extracts the b-side path from a "diff --git a/x b/x"
// header. Quoted exotic paths come back verbatim; good enough for an audit
// trail.
func diffHeaderPath(line string) string {
	rest := strings.TrimPrefix(line, "diff --git ")
	if i := strings.LastIndex(rest, " b/"); i >= 0 {
		return rest[i+3:]
	}
	return rest
}

// unpushedCount reports commits on HEAD the remote does not have. Branches
// without an upstream are compared against every remote-tracking ref, so a
// fresh branch over a cloned base counts only its own commits.
func unpushedCount(ctx context.Context, dir string) (int, error) {
	out, _, err := runGit(ctx, dir, "rev-list", "--count", "@{u}..HEAD")
	if err != nil {
		out, _, err = runGit(ctx, dir, "rev-list", "--count", "HEAD", "--not", "--remotes")
		if err != nil {
			return 0, err
		}
	}
	n, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", strings.TrimSpace(out), convErr)
	}
	return n, nil
}

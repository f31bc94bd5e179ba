// Package git wraps the git CLI for the calls the orchestrator needs:
// per-workflow worktrees, base-commit snapshots, and review diffs.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/forgeline/overseer/common/state"
)

// Repo runs git commands inside one checkout.
type Repo struct {
	dir string
}

// NewRepo wraps the checkout at dir.
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the checkout path.
func (r *Repo) Dir() string { return r.dir }

// run executes a git command in the checkout directory.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// IsRepo reports whether the directory is inside a git checkout.
func (r *Repo) IsRepo(ctx context.Context) bool {
	_, err := r.run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// Head returns the full HEAD commit hash.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Branch returns the current branch name, or "HEAD" when detached.
func (r *Repo) Branch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DirtyFiles lists paths with uncommitted changes, untracked included.
func (r *Repo) DirtyFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

// Snapshot captures HEAD and the dirty set, taken before a batch runs so a
// review can be scoped to what the batch changed.
func (r *Repo) Snapshot(ctx context.Context) (state.GitSnapshot, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return state.GitSnapshot{}, err
	}
	dirty, err := r.DirtyFiles(ctx)
	if err != nil {
		return state.GitSnapshot{}, err
	}
	return state.GitSnapshot{HeadCommit: head, DirtyFiles: dirty}, nil
}

// Diff returns everything that changed since base: committed and uncommitted
// tracked changes, plus untracked files rendered as new-file diffs.
func (r *Repo) Diff(ctx context.Context, base string) (string, error) {
	tracked, err := r.run(ctx, "diff", base)
	if err != nil {
		return "", err
	}

	untracked, err := r.untrackedFiles(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(tracked)
	for _, f := range untracked {
		// diff --no-index exits 1 when files differ, which is the expected
		// outcome here, so the error is checked via output shape instead.
		cmd := exec.CommandContext(ctx, "git", "diff", "--no-index", "--", "/dev/null", f)
		cmd.Dir = r.dir
		out, _ := cmd.CombinedOutput()
		if len(out) > 0 {
			sb.Write(out)
		}
	}
	return sb.String(), nil
}

// untrackedFiles lists files not yet known to git, honoring .gitignore.
func (r *Repo) untrackedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// VisibleFiles lists tracked plus unignored untracked files, the set the
// oracle bundles context from.
func (r *Repo) VisibleFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "ls-files", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

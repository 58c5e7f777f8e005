package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/forgehive/swarmnode/internal/logger"
)

// gitWorktree shells out to the git binary for every worktree
// operation. No pack repo imports go-git, and the spec treats git
// command execution itself as an external collaborator, so os/exec is
// the idiomatic choice here, following the same exec.CommandContext
// pattern the teacher uses in pkg/agent/sandbox/host.go.
type gitWorktree struct {
	repoPath string
}

func newGitWorktree(repoPath string) *gitWorktree {
	return &gitWorktree{repoPath: repoPath}
}

func (g *gitWorktree) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

// EnsureWorktree creates worktreePath on branch (based on baseBranch)
// if it doesn't already exist, and returns the current HEAD commit.
func (g *gitWorktree) EnsureWorktree(ctx context.Context, worktreePath, branch, baseBranch string) (string, error) {
	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		if _, err := g.run(ctx, "worktree", "add", "-B", branch, worktreePath, baseBranch); err != nil {
			return "", fmt.Errorf("create worktree: %w", err)
		}
	}
	return g.headCommit(ctx, worktreePath)
}

func (g *gitWorktree) headCommit(ctx context.Context, worktreePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsClean reports whether worktreePath has no uncommitted changes.
func (g *gitWorktree) IsClean(ctx context.Context, worktreePath string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = worktreePath
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("status --porcelain: %w", err)
	}
	return len(strings.TrimSpace(string(out))) == 0, nil
}

// ResetTo reconciles worktreePath to targetCommit, bounded by a
// 30-second timeout; on that timeout it logs a warning and returns
// nil so the caller proceeds. Any other failure is returned as an
// error.
func (g *gitWorktree) ResetTo(ctx context.Context, worktreePath, targetCommit string) error {
	resetCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(resetCtx, "git", "reset", "--hard", targetCommit)
	cmd.Dir = worktreePath
	if out, err := cmd.CombinedOutput(); err != nil {
		if resetCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			logger.WarnCF("execution", "git reset timed out; proceeding", map[string]any{
				"worktree": worktreePath, "target": targetCommit,
			})
			return nil
		}
		return fmt.Errorf("reset --hard %s: %w: %s", targetCommit, err, out)
	}
	return nil
}

func (g *gitWorktree) Remove(ctx context.Context, worktreePath string) error {
	_, err := g.run(ctx, "worktree", "remove", "--force", worktreePath)
	return err
}

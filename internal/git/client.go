// Package git shells out to the git CLI to implement core.GitClient.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex-daemon/apexd/internal/core"
)

// Client wraps git CLI invocations scoped to one repository checkout.
type Client struct {
	timeout time.Duration
	gitPath string
}

// NewClient resolves the git binary once; repoPath is passed per-call since
// the daemon drives many repositories (one per task workspace).
func NewClient() (*Client, error) {
	path, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("locating git binary: %w", err)
	}
	return &Client{timeout: 30 * time.Second, gitPath: path}, nil
}

func (c *Client) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.gitPath, args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrExternalProvider("GIT_TIMEOUT", "git command timed out")
		}
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// DefaultBranch returns the branch origin's HEAD points at; without one it
// returns main if that branch exists, else master, else the current branch.
func (c *Client) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := c.run(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		return strings.TrimPrefix(out, "refs/remotes/origin/"), nil
	}
	// No remote HEAD; prefer main, then master, then the current branch.
	for _, candidate := range []string{"main", "master"} {
		if _, err := c.run(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return c.CurrentBranch(ctx, repoPath)
}

// CurrentBranch returns the repository's checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return c.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// HasUncommittedChanges reports whether the working tree has pending changes.
func (c *Client) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	out, err := c.run(ctx, repoPath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CommitAll stages all changes and commits them with message.
func (c *Client) CommitAll(ctx context.Context, repoPath, message string) error {
	if _, err := c.run(ctx, repoPath, "add", "-A"); err != nil {
		return err
	}
	_, err := c.run(ctx, repoPath, "commit", "-m", message)
	return err
}

// Pull fast-forwards the current branch from its upstream.
func (c *Client) Pull(ctx context.Context, repoPath string) error {
	_, err := c.run(ctx, repoPath, "pull", "--ff-only")
	return err
}

// Merge merges branch into the current branch, optionally squashing, and
// reports the resulting commit hash and changed file list.
func (c *Client) Merge(ctx context.Context, repoPath, branch string, squash bool) (string, []string, error) {
	args := []string{"merge"}
	if squash {
		args = append(args, "--squash")
	} else {
		args = append(args, "--no-edit")
	}
	args = append(args, branch)

	if _, err := c.run(ctx, repoPath, args...); err != nil {
		return "", nil, core.ErrExternalProvider("GIT_MERGE_FAILED", err.Error())
	}

	if squash {
		if _, err := c.run(ctx, repoPath, "commit", "-m", fmt.Sprintf("Merge %s (squash)", branch)); err != nil {
			return "", nil, err
		}
	}

	hash, err := c.run(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", nil, err
	}

	filesOut, err := c.run(ctx, repoPath, "show", "--name-only", "--pretty=format:", hash)
	if err != nil {
		return hash, nil, err
	}
	var files []string
	for _, line := range strings.Split(filesOut, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return hash, files, nil
}

// CreateBranch creates and checks out a new branch from the current HEAD.
func (c *Client) CreateBranch(ctx context.Context, repoPath, branch string) error {
	_, err := c.run(ctx, repoPath, "checkout", "-b", branch)
	return err
}

// Checkout switches repoPath's working tree to an existing branch.
func (c *Client) Checkout(ctx context.Context, repoPath, branch string) error {
	_, err := c.run(ctx, repoPath, "checkout", branch)
	return err
}

// IncompleteMergeState reports whether the repository is mid merge, rebase,
// or cherry-pick (detected via the presence of git's marker files).
func (c *Client) IncompleteMergeState(ctx context.Context, repoPath string) (merging, rebasing, cherryPicking bool) {
	gitDir, err := c.run(ctx, repoPath, "rev-parse", "--git-dir")
	if err != nil {
		return false, false, false
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(repoPath, gitDir)
	}
	exists := func(name string) bool {
		_, statErr := os.Stat(filepath.Join(gitDir, name))
		return statErr == nil
	}
	merging = exists("MERGE_HEAD")
	rebasing = exists("rebase-merge") || exists("rebase-apply")
	cherryPicking = exists("CHERRY_PICK_HEAD")
	return merging, rebasing, cherryPicking
}

// AbortMerge runs git merge --abort.
func (c *Client) AbortMerge(ctx context.Context, repoPath string) error {
	_, err := c.run(ctx, repoPath, "merge", "--abort")
	return err
}

// AbortRebase runs git rebase --abort.
func (c *Client) AbortRebase(ctx context.Context, repoPath string) error {
	_, err := c.run(ctx, repoPath, "rebase", "--abort")
	return err
}

// AbortCherryPick runs git cherry-pick --abort.
func (c *Client) AbortCherryPick(ctx context.Context, repoPath string) error {
	_, err := c.run(ctx, repoPath, "cherry-pick", "--abort")
	return err
}

var _ core.GitClient = (*Client)(nil)

// Package codehost wraps the GitHub CLI (gh) to implement core.CodeHostClient.
package codehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/apex-daemon/apexd/internal/core"
)

// Client shells out to gh for pull-request merge-state lookups.
type Client struct {
	timeout time.Duration
	ghPath  string
}

// NewClient resolves the gh binary and verifies it is authenticated.
func NewClient() (*Client, error) {
	path, err := exec.LookPath("gh")
	if err != nil {
		return nil, core.ErrConfiguration("GH_NOT_INSTALLED", "gh CLI not found on PATH")
	}
	c := &Client{timeout: 30 * time.Second, ghPath: path}
	if err := exec.Command(path, "auth", "status").Run(); err != nil {
		return nil, core.ErrConfiguration("GH_NOT_AUTHENTICATED", "gh CLI is not authenticated, run 'gh auth login'")
	}
	return c, nil
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.ghPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrExternalProvider("GH_TIMEOUT", "gh command timed out")
		}
		return "", fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsPRMerged reports whether the pull request at prURL has been merged.
func (c *Client) IsPRMerged(ctx context.Context, prURL string) (bool, error) {
	out, err := c.run(ctx, "pr", "view", prURL, "--json", "state,mergedAt")
	if err != nil {
		return false, core.ErrExternalProvider("GH_PR_LOOKUP_FAILED", err.Error()).WithCause(err)
	}

	var result struct {
		State    string `json:"state"`
		MergedAt string `json:"mergedAt"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return false, fmt.Errorf("parsing gh pr view output: %w", err)
	}
	return strings.EqualFold(result.State, "MERGED") && result.MergedAt != "", nil
}

var _ core.CodeHostClient = (*Client)(nil)

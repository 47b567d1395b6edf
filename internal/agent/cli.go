// Package agent implements core.AgentRunner by shelling out to a locally
// installed coding-agent CLI (claude, gemini, codex, copilot, ...). The LLM
// request API itself is an external collaborator the core never touches
// directly; this adapter is the thin shell around it, grounded on the
// teacher's internal/adapters/cli.BaseAdapter.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/logging"
)

// Config selects the CLI binary per agent name and its invocation shape.
// AgentPaths maps an AgentSpec.Name (e.g. "claude", "gemini") to the CLI
// invocation to run for it; DefaultPath is used for any name with no entry.
type Config struct {
	DefaultPath string
	AgentPaths  map[string]string
	Timeout     time.Duration
}

func (c Config) pathFor(agentName string) string {
	if p, ok := c.AgentPaths[agentName]; ok {
		return p
	}
	return c.DefaultPath
}

// CLIRunner drives an agent CLI as a child process per stage, streaming its
// stdout lines into ConversationMessage values.
type CLIRunner struct {
	cfg    Config
	logger *logging.Logger
}

// NewCLIRunner constructs a CLIRunner.
func NewCLIRunner(cfg Config, logger *logging.Logger) *CLIRunner {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Hour
	}
	return &CLIRunner{cfg: cfg, logger: logger}
}

// RunStage starts the agent CLI with the prompt on stdin and streams each
// stdout line as a ConversationMessage. The channel closes when the process
// exits or ctx is cancelled. A spawn failure is returned as an error; a
// non-zero exit is only logged and sends no extra message — the workflow
// engine observes the exit as the channel close plus its own ctx.Err() check.
func (r *CLIRunner) RunStage(ctx context.Context, spec core.AgentSpec, prompt string, conversationState []byte) (<-chan core.ConversationMessage, error) {
	path := r.cfg.pathFor(spec.Name)
	if path == "" {
		return nil, core.ErrConfiguration("AGENT_PATH_UNSET",
			fmt.Sprintf("no CLI path configured for agent %q", spec.Name))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)

	parts := strings.Fields(path)
	// #nosec G204 -- path comes from validated config, not user input
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(),
		"APEX_MANAGED=true",
		"APEX_AGENT="+spec.Name,
		"APEX_AGENT_MODEL="+spec.Model,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, core.ErrExternalProvider("AGENT_SPAWN_FAILED", "failed to attach agent stdout").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, core.ErrExternalProvider("AGENT_SPAWN_FAILED", "failed to attach agent stderr").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, core.ErrExternalProvider("AGENT_SPAWN_FAILED", "failed to start agent CLI").WithCause(err)
	}

	out := make(chan core.ConversationMessage, 16)

	go func() {
		defer cancel()
		defer close(out)

		go r.drainStderr(stderr, spec.Name)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			select {
			case out <- core.ConversationMessage{Role: "assistant", Text: line}:
			case <-ctx.Done():
				return
			}
		}

		if err := cmd.Wait(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				r.logger.Error("agent stage timed out", "agent", spec.Name, "timeout", r.cfg.Timeout)
			} else if ctx.Err() != context.Canceled {
				r.logger.Error("agent CLI exited with an error", "agent", spec.Name, "error", err)
			}
		}
	}()

	return out, nil
}

func (r *CLIRunner) drainStderr(pipe io.Reader, agentName string) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		r.logger.Debug("agent stderr", "agent", agentName, "line", scanner.Text())
	}
}

// DetectSessionLimit is a heuristic placeholder: real session-limit
// detection depends on the provider's own conversation-state format, which
// is opaque to the core. A zero-length state never reports near-limit.
func (r *CLIRunner) DetectSessionLimit(conversationState []byte) core.SessionLimitStatus {
	if len(conversationState) == 0 {
		return core.SessionLimitStatus{}
	}
	const assumedWindow = 200_000
	tokens := int64(len(conversationState) / 4)
	utilization := float64(tokens) / float64(assumedWindow)
	status := core.SessionLimitStatus{
		CurrentTokens: tokens,
		Utilization:   utilization,
	}
	if utilization >= 0.9 {
		status.NearLimit = true
		status.Recommendation = core.RecommendCheckpoint
	}
	return status
}

var _ core.AgentRunner = (*CLIRunner)(nil)

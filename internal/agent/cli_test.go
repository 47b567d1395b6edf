package agent

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-daemon/apexd/internal/core"
)

func TestCLIRunner_RunStage_StreamsStdoutLines(t *testing.T) {
	// "cat" simply echoes the prompt written to its stdin back out on
	// stdout, one line per RunStage message — no shell quoting involved.
	r := NewCLIRunner(Config{DefaultPath: "cat", Timeout: 5 * time.Second}, nil)

	out, err := r.RunStage(context.Background(), core.AgentSpec{Name: "test-agent"}, "line one\nline two\n", nil)
	require.NoError(t, err)

	var got []string
	for msg := range out {
		got = append(got, msg.Text)
	}

	assert.Equal(t, []string{"line one", "line two"}, got)
}

func TestCLIRunner_RunStage_RejectsUnconfiguredPath(t *testing.T) {
	r := NewCLIRunner(Config{}, nil)

	_, err := r.RunStage(context.Background(), core.AgentSpec{Name: "test-agent"}, "prompt", nil)
	assert.Error(t, err)
}

func TestCLIRunner_RunStage_ClosesChannelOnContextCancel(t *testing.T) {
	r := NewCLIRunner(Config{DefaultPath: "sleep 5", Timeout: 5 * time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := r.RunStage(ctx, core.AgentSpec{Name: "test-agent"}, "prompt", nil)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after context cancellation")
	}
}

func TestCLIRunner_DetectSessionLimit_EmptyStateNeverNearLimit(t *testing.T) {
	r := NewCLIRunner(Config{DefaultPath: "echo"}, nil)
	status := r.DetectSessionLimit(nil)
	assert.False(t, status.NearLimit)
}

func TestCLIRunner_DetectSessionLimit_LargeStateFlagsNearLimit(t *testing.T) {
	r := NewCLIRunner(Config{DefaultPath: "echo"}, nil)
	status := r.DetectSessionLimit(bytes.Repeat([]byte("x"), 900_000))
	assert.True(t, status.NearLimit)
	assert.Equal(t, core.RecommendCheckpoint, status.Recommendation)
}

// Package config defines the typed configuration tree the daemon is
// constructed with. The core never parses config files itself —
// config-file parsing is an external collaborator's job; this package only
// types the parsed result and supplies defaults.
package config

import "time"

// Config holds all daemon configuration, populated by the external loader
// (see cmd/apexd's use of viper) and handed to the Runner at construction.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Project   ProjectConfig   `mapstructure:"project"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Health    HealthConfig    `mapstructure:"health"`
	Hooks     HooksConfig     `mapstructure:"hooks"`
	State     StateConfig     `mapstructure:"state"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	File      string `mapstructure:"file"`
	AddSource bool   `mapstructure:"add_source"`
}

// ProjectConfig identifies the single project directory this daemon owns.
type ProjectConfig struct {
	Path string `mapstructure:"path"`
}

// RunnerConfig configures the daemon poll loop and shutdown behavior.
type RunnerConfig struct {
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	MinPollIntervalMs int `mapstructure:"min_poll_interval_ms"`
	MaxPollIntervalMs int `mapstructure:"max_poll_interval_ms"`
	ShutdownTimeoutMs int `mapstructure:"shutdown_timeout_ms"`
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
}

// ModeWindow configures a single time-of-day mode's resource thresholds.
type ModeWindow struct {
	Hours               []int   `mapstructure:"hours"`
	MaxTokensPerTask    int64   `mapstructure:"max_tokens_per_task"`
	MaxCostPerTask      float64 `mapstructure:"max_cost_per_task"`
	MaxConcurrentTasks  int     `mapstructure:"max_concurrent_tasks"`
	CapacityThreshold   float64 `mapstructure:"capacity_threshold"`
}

// UsageConfig configures budget and time-window accounting.
type UsageConfig struct {
	DailyBudget     float64              `mapstructure:"daily_budget"`
	TimeBasedEnabled bool                `mapstructure:"time_based_enabled"`
	Day             ModeWindow           `mapstructure:"day"`
	Night           ModeWindow           `mapstructure:"night"`
	OffHours        ModeWindow           `mapstructure:"off_hours"`
	ModelRates      map[string]ModelRate `mapstructure:"model_rates"`
}

// ModelRate is the linear per-token cost function for one model.
type ModelRate struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

// WorkflowConfig configures stage execution, retries and resume ceilings.
type WorkflowConfig struct {
	DefaultMaxRetries          int    `mapstructure:"default_max_retries"`
	DefaultMaxResumeAttempts   int    `mapstructure:"default_max_resume_attempts"`
	MaxTurns                   int    `mapstructure:"max_turns"`
	StageTimeout               string `mapstructure:"stage_timeout"`
	PromptTemplate             string `mapstructure:"prompt_template"`
	WorkflowsDir               string `mapstructure:"workflows_dir"`
	AgentsDir                  string `mapstructure:"agents_dir"`
	MaxConcurrentStagesPerTask int    `mapstructure:"max_concurrent_stages_per_task"`
}

// WorkspaceConfig configures per-task workspace isolation.
type WorkspaceConfig struct {
	DefaultStrategy     string `mapstructure:"default_strategy"`
	WorktreeParentDir   string `mapstructure:"worktree_parent_dir"`
	CleanupDelayMs      int64  `mapstructure:"cleanup_delay_ms"`
	PreserveOnFailure   bool   `mapstructure:"preserve_on_failure"`
	PruneStaleAfterDays int    `mapstructure:"prune_stale_after_days"`
	ContainerImage      string `mapstructure:"container_image"`
	ContainerAutoRemove bool   `mapstructure:"container_auto_remove"`
}

// HealthConfig configures the watchdog's restart policy.
type HealthConfig struct {
	RestartHistoryMax int    `mapstructure:"restart_history_max"`
	WatchdogEnabled   bool   `mapstructure:"watchdog_enabled"`
	RestartDelayMs    int    `mapstructure:"restart_delay_ms"`
	MaxRestarts       int    `mapstructure:"max_restarts"`
	RestartWindow     string `mapstructure:"restart_window"`
	StaleThreshold    string `mapstructure:"stale_threshold"`
}

// HooksConfig configures the default hook timeout.
type HooksConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// StateConfig configures the Store's backing database file.
type StateConfig struct {
	Path        string `mapstructure:"path"`
	BusyTimeout string `mapstructure:"busy_timeout"`
}

// Defaults returns a Config populated with the documented defaults; the
// loader applies these before merging file/env/flag overrides.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		Runner: RunnerConfig{
			PollIntervalMs:     1000,
			MinPollIntervalMs:  1000,
			MaxPollIntervalMs:  60000,
			ShutdownTimeoutMs:  30000,
			MaxConcurrentTasks: 3,
		},
		Usage: UsageConfig{
			DailyBudget:      100,
			TimeBasedEnabled: true,
			Day: ModeWindow{
				Hours:              []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19},
				MaxTokensPerTask:   500000,
				MaxCostPerTask:     5,
				MaxConcurrentTasks: 3,
				CapacityThreshold:  0.70,
			},
			Night: ModeWindow{
				Hours:              []int{20, 21, 22, 23, 0, 1, 2, 3, 4, 5},
				MaxTokensPerTask:   1000000,
				MaxCostPerTask:     10,
				MaxConcurrentTasks: 5,
				CapacityThreshold:  0.85,
			},
			OffHours: ModeWindow{
				Hours:              []int{6, 7},
				MaxTokensPerTask:   250000,
				MaxCostPerTask:     2,
				MaxConcurrentTasks: 1,
				CapacityThreshold:  0.50,
			},
		},
		Workflow: WorkflowConfig{
			DefaultMaxRetries:          3,
			DefaultMaxResumeAttempts:   3,
			MaxTurns:                   200,
			StageTimeout:               "30m",
			WorkflowsDir:               "workflows",
			AgentsDir:                  "agents",
			MaxConcurrentStagesPerTask: 2,
		},
		Workspace: WorkspaceConfig{
			DefaultStrategy:     "worktree",
			WorktreeParentDir:   ".apex-worktrees",
			CleanupDelayMs:      300000,
			PreserveOnFailure:   true,
			PruneStaleAfterDays: 7,
			ContainerAutoRemove: true,
		},
		Health: HealthConfig{
			RestartHistoryMax: 1000,
			WatchdogEnabled:   true,
			RestartDelayMs:    2000,
			MaxRestarts:       5,
			RestartWindow:     "10m",
			StaleThreshold:    "2m",
		},
		Hooks: HooksConfig{TimeoutMs: 5000},
		State: StateConfig{
			Path:        ".apex/state.db",
			BusyTimeout: "5s",
		},
	}
}

// ClampPollInterval clamps a requested poll interval (milliseconds) into
// [minPoll, maxPoll]. Malformed (non-positive) values fall back to
// the configured default rather than crashing the Runner.
func (c *RunnerConfig) ClampPollInterval(requestedMs int) int {
	minPoll, maxPoll := c.MinPollIntervalMs, c.MaxPollIntervalMs
	if minPoll <= 0 {
		minPoll = 1000
	}
	if maxPoll <= 0 {
		maxPoll = 60000
	}
	v := requestedMs
	if v <= 0 {
		v = c.PollIntervalMs
	}
	if v < minPoll {
		return minPoll
	}
	if v > maxPoll {
		return maxPoll
	}
	return v
}

// StageTimeoutDuration parses the configured stage timeout, falling back to
// 30 minutes on a malformed value.
func (c *WorkflowConfig) StageTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.StageTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// RestartWindowDuration parses the configured restart window, falling back
// to 10 minutes.
func (c *HealthConfig) RestartWindowDuration() time.Duration {
	d, err := time.ParseDuration(c.RestartWindow)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// StaleThresholdDuration parses the configured zombie-detection stale
// threshold, falling back to 2 minutes.
func (c *HealthConfig) StaleThresholdDuration() time.Duration {
	d, err := time.ParseDuration(c.StaleThreshold)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from flags, environment, config file
// and defaults, in that precedence order — the core itself never touches a
// filesystem path for config, it only receives the Config this Loader builds.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	projectDir string
	mu         sync.Mutex
}

// NewLoader creates a loader with APEX_ as its environment prefix.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "APEX"}
}

// NewLoaderWithViper builds a loader around an existing viper instance, for
// integration with CLI flag bindings (spf13/cobra PersistentFlags).
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "APEX"}
}

// WithConfigFile pins an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads configuration from all sources and returns the merged Config.
//
// Precedence (highest to lowest): CLI flags bound onto the viper instance,
// APEX_* environment variables, APEX_CONFIG_JSON (bypasses the file read
// entirely — the shape a forked daemon process is started with),
// <projectPath>/.apex/config.yaml, defaults.
func (l *Loader) Load(projectPath string) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if payload, ok := FromEnvOverride(); ok {
		l.v.SetConfigType("json")
		if err := l.v.ReadConfig(strings.NewReader(payload)); err != nil {
			return nil, fmt.Errorf("reading APEX_CONFIG_JSON: %w", err)
		}
	} else {
		if l.configFile != "" {
			l.v.SetConfigFile(l.configFile)
		} else {
			l.v.SetConfigName("config")
			l.v.SetConfigType("yaml")
			l.v.AddConfigPath(filepath.Join(projectPath, ".apex"))
		}

		if err := l.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				// No config file present: defaults + env + flags only.
			} else if os.IsNotExist(err) {
				// Explicit path that does not exist: same fallback.
			} else {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Project.Path == "" {
		cfg.Project.Path = projectPath
	}
	l.projectDir = cfg.Project.Path
	l.resolveAbsolutePaths(&cfg)

	normalize(&cfg)

	return &cfg, nil
}

// ProjectDir returns the resolved project root, available after Load.
func (l *Loader) ProjectDir() string {
	return l.projectDir
}

func (l *Loader) resolveAbsolutePaths(cfg *Config) {
	if cfg.State.Path != "" {
		cfg.State.Path = resolvePathRelativeTo(cfg.State.Path, cfg.Project.Path)
	}
	if cfg.Log.File != "" {
		cfg.Log.File = resolvePathRelativeTo(cfg.Log.File, cfg.Project.Path)
	}
	if cfg.Workflow.WorkflowsDir != "" {
		cfg.Workflow.WorkflowsDir = resolvePathRelativeTo(cfg.Workflow.WorkflowsDir, filepath.Join(cfg.Project.Path, ".apex"))
	}
	if cfg.Workflow.AgentsDir != "" {
		cfg.Workflow.AgentsDir = resolvePathRelativeTo(cfg.Workflow.AgentsDir, filepath.Join(cfg.Project.Path, ".apex"))
	}
}

func resolvePathRelativeTo(path, baseDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if len(path) > 0 && (path[0] == '/' || path[0] == '\\') {
		return path
	}
	return filepath.Join(baseDir, path)
}

// normalize clamps malformed numeric config into valid ranges rather than
// letting the Runner crash on bad input.
func normalize(cfg *Config) {
	cfg.Runner.PollIntervalMs = cfg.Runner.ClampPollInterval(cfg.Runner.PollIntervalMs)
	if cfg.Runner.MaxConcurrentTasks <= 0 {
		cfg.Runner.MaxConcurrentTasks = 1
	}
	if cfg.Runner.ShutdownTimeoutMs <= 0 {
		cfg.Runner.ShutdownTimeoutMs = 30000
	}
	if cfg.Health.RestartHistoryMax < 0 {
		cfg.Health.RestartHistoryMax = 0
	}
}

func (l *Loader) setDefaults() {
	d := Defaults()

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)

	l.v.SetDefault("runner.poll_interval_ms", d.Runner.PollIntervalMs)
	l.v.SetDefault("runner.min_poll_interval_ms", d.Runner.MinPollIntervalMs)
	l.v.SetDefault("runner.max_poll_interval_ms", d.Runner.MaxPollIntervalMs)
	l.v.SetDefault("runner.shutdown_timeout_ms", d.Runner.ShutdownTimeoutMs)
	l.v.SetDefault("runner.max_concurrent_tasks", d.Runner.MaxConcurrentTasks)

	l.v.SetDefault("usage.daily_budget", d.Usage.DailyBudget)
	l.v.SetDefault("usage.time_based_enabled", d.Usage.TimeBasedEnabled)
	l.v.SetDefault("usage.day.hours", d.Usage.Day.Hours)
	l.v.SetDefault("usage.day.max_tokens_per_task", d.Usage.Day.MaxTokensPerTask)
	l.v.SetDefault("usage.day.max_cost_per_task", d.Usage.Day.MaxCostPerTask)
	l.v.SetDefault("usage.day.max_concurrent_tasks", d.Usage.Day.MaxConcurrentTasks)
	l.v.SetDefault("usage.day.capacity_threshold", d.Usage.Day.CapacityThreshold)
	l.v.SetDefault("usage.night.hours", d.Usage.Night.Hours)
	l.v.SetDefault("usage.night.max_tokens_per_task", d.Usage.Night.MaxTokensPerTask)
	l.v.SetDefault("usage.night.max_cost_per_task", d.Usage.Night.MaxCostPerTask)
	l.v.SetDefault("usage.night.max_concurrent_tasks", d.Usage.Night.MaxConcurrentTasks)
	l.v.SetDefault("usage.night.capacity_threshold", d.Usage.Night.CapacityThreshold)
	l.v.SetDefault("usage.off_hours.hours", d.Usage.OffHours.Hours)
	l.v.SetDefault("usage.off_hours.max_tokens_per_task", d.Usage.OffHours.MaxTokensPerTask)
	l.v.SetDefault("usage.off_hours.max_cost_per_task", d.Usage.OffHours.MaxCostPerTask)
	l.v.SetDefault("usage.off_hours.max_concurrent_tasks", d.Usage.OffHours.MaxConcurrentTasks)
	l.v.SetDefault("usage.off_hours.capacity_threshold", d.Usage.OffHours.CapacityThreshold)

	l.v.SetDefault("workflow.default_max_retries", d.Workflow.DefaultMaxRetries)
	l.v.SetDefault("workflow.default_max_resume_attempts", d.Workflow.DefaultMaxResumeAttempts)
	l.v.SetDefault("workflow.max_turns", d.Workflow.MaxTurns)
	l.v.SetDefault("workflow.stage_timeout", d.Workflow.StageTimeout)
	l.v.SetDefault("workflow.workflows_dir", d.Workflow.WorkflowsDir)
	l.v.SetDefault("workflow.agents_dir", d.Workflow.AgentsDir)
	l.v.SetDefault("workflow.max_concurrent_stages_per_task", d.Workflow.MaxConcurrentStagesPerTask)

	l.v.SetDefault("workspace.default_strategy", d.Workspace.DefaultStrategy)
	l.v.SetDefault("workspace.worktree_parent_dir", d.Workspace.WorktreeParentDir)
	l.v.SetDefault("workspace.cleanup_delay_ms", d.Workspace.CleanupDelayMs)
	l.v.SetDefault("workspace.preserve_on_failure", d.Workspace.PreserveOnFailure)
	l.v.SetDefault("workspace.prune_stale_after_days", d.Workspace.PruneStaleAfterDays)
	l.v.SetDefault("workspace.container_auto_remove", d.Workspace.ContainerAutoRemove)

	l.v.SetDefault("health.restart_history_max", d.Health.RestartHistoryMax)
	l.v.SetDefault("health.watchdog_enabled", d.Health.WatchdogEnabled)
	l.v.SetDefault("health.restart_delay_ms", d.Health.RestartDelayMs)
	l.v.SetDefault("health.max_restarts", d.Health.MaxRestarts)
	l.v.SetDefault("health.restart_window", d.Health.RestartWindow)
	l.v.SetDefault("health.stale_threshold", d.Health.StaleThreshold)

	l.v.SetDefault("hooks.timeout_ms", d.Hooks.TimeoutMs)

	l.v.SetDefault("state.path", d.State.Path)
	l.v.SetDefault("state.busy_timeout", d.State.BusyTimeout)
}

// FromEnvOverride returns the APEX_CONFIG_JSON payload and true when that
// variable is set and non-empty, letting a forked daemon process skip the
// config-file read entirely when given a pre-serialized config.
func FromEnvOverride() (jsonPayload string, ok bool) {
	v, present := os.LookupEnv("APEX_CONFIG_JSON")
	return v, present && v != ""
}

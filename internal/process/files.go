package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/apex-daemon/apexd/internal/core"
)

// PidFile is the JSON contract written atomically at daemon startup and
// removed on clean exit.
type PidFile struct {
	Pid         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
	Version     string    `json:"version,omitempty"`
	ProjectPath string    `json:"projectPath"`
}

// RestartHistoryEntry mirrors health.RestartRecord in the StateFile's
// health.restartHistory field.
type RestartHistoryEntry struct {
	Timestamp           time.Time `json:"timestamp"`
	Reason               string   `json:"reason"`
	ExitCode             *int     `json:"exitCode,omitempty"`
	TriggeredByWatchdog  bool     `json:"triggeredByWatchdog"`
}

// CapacityState mirrors the Scheduler's last decision for external readers.
type CapacityState struct {
	Mode             string    `json:"mode"`
	Threshold        float64   `json:"threshold"`
	UsagePercent     float64   `json:"usagePercent"`
	IsAutoPaused     bool      `json:"isAutoPaused"`
	PauseReason      string    `json:"pauseReason,omitempty"`
	NextModeSwitch   time.Time `json:"nextModeSwitch"`
	TimeBasedEnabled bool      `json:"timeBasedEnabled"`
}

// HealthState mirrors the Health/Watchdog report for external readers.
type HealthState struct {
	Uptime         float64                `json:"uptime"`
	MemoryMB       float64                `json:"memoryMb"`
	TaskCounts     map[string]int         `json:"taskCounts"`
	RestartHistory []RestartHistoryEntry  `json:"restartHistory"`
}

// StateFile is rewritten periodically by the Runner. It is
// considered stale by external readers if older than 120s.
type StateFile struct {
	Timestamp time.Time     `json:"timestamp"`
	Pid       int           `json:"pid"`
	StartedAt time.Time     `json:"startedAt"`
	Capacity  CapacityState `json:"capacity"`
	Health    HealthState   `json:"health"`
}

// StaleAfter is the maximum StateFile age before external readers should
// consider the daemon unresponsive.
const StaleAfter = 120 * time.Second

// PidFilePath returns the deterministic PidFile location for a project.
func PidFilePath(projectPath string) string {
	return filepath.Join(projectPath, ".apex", "daemon.pid")
}

// WakeFilePath returns the deterministic wake-file location for a project.
// The Orchestrator touches this zero-byte file on createTask; the Runner
// watches it with fsnotify as its external wake signal.
func WakeFilePath(projectPath string) string {
	return filepath.Join(projectPath, ".apex", "wake")
}

// TouchWakeFile creates or updates the wake file's mtime, waking any
// fsnotify watcher blocked on it. Failures are the caller's to log; they
// never prevent task creation.
func TouchWakeFile(projectPath string) error {
	path := WakeFilePath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// StateFilePath returns the deterministic StateFile location for a project.
func StateFilePath(projectPath string) string {
	return filepath.Join(projectPath, ".apex", "daemon-state.json")
}

// WritePidFile atomically writes pf to its deterministic path.
func WritePidFile(projectPath string, pf PidFile) error {
	path := PidFilePath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(pf)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data, 0o644)
}

// ReadPidFile reads and parses the PidFile. A missing file yields
// (nil, nil); a malformed file yields a PidFileCorrupted DomainError.
func ReadPidFile(projectPath string) (*PidFile, error) {
	path := PidFilePath(projectPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pf PidFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, core.ErrResourceUnavailable(core.CodePidFileCorrupted, "pid file is not valid JSON").WithCause(err)
	}
	if pf.Pid == 0 || pf.ProjectPath == "" {
		return nil, core.ErrResourceUnavailable(core.CodePidFileCorrupted, "pid file is missing required fields")
	}
	return &pf, nil
}

// RemovePidFile removes the PidFile, ignoring a not-exist error.
func RemovePidFile(projectPath string) error {
	err := os.Remove(PidFilePath(projectPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteStateFile atomically writes sf to its deterministic path.
func WriteStateFile(projectPath string, sf StateFile) error {
	path := StateFilePath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(sf)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data, 0o644)
}

// ReadStateFile reads and parses the StateFile, if present.
func ReadStateFile(projectPath string) (*StateFile, error) {
	data, err := os.ReadFile(StateFilePath(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sf StateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// IsStale reports whether sf is older than StaleAfter relative to now.
func (sf StateFile) IsStale(now time.Time) bool {
	return now.Sub(sf.Timestamp) > StaleAfter
}

// AcquirePidFile implements single-instance enforcement: if a
// PidFile exists and its process is alive, returns ALREADY_RUNNING; a stale
// file is removed and treated as absent.
func AcquirePidFile(projectPath, version string) (*PidFile, error) {
	existing, err := ReadPidFile(projectPath)
	if err != nil {
		var domErr *core.DomainError
		if as, ok := err.(*core.DomainError); ok {
			domErr = as
		}
		if domErr == nil || domErr.Code != core.CodePidFileCorrupted {
			return nil, err
		}
		// Corrupted file: treat as stale and replace.
		_ = RemovePidFile(projectPath)
		existing = nil
	}

	if existing != nil && IsAlive(existing.Pid) {
		return nil, core.ErrResourceUnavailable(core.CodeAlreadyRunning,
			"another apexd instance is already running for this project")
	}
	if existing != nil {
		// Stale: process not alive, replace atomically below.
		_ = RemovePidFile(projectPath)
	}

	pf := PidFile{
		Pid:         os.Getpid(),
		StartedAt:   time.Now().UTC(),
		Version:     version,
		ProjectPath: projectPath,
	}
	if err := WritePidFile(projectPath, pf); err != nil {
		return nil, core.ErrResourceUnavailable(core.CodeLockFailed, "failed to write pid file").WithCause(err)
	}
	return &pf, nil
}

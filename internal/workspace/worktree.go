// Package workspace implements core.WorkspaceManager over git worktrees,
// containers, plain directories, or the project root itself.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/logging"
)

const (
	worktreeNameSeparator = "__"
	worktreeLabelMaxLen   = 48
	worktreeDirName       = ".apex-worktrees"
)

func resolvePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func normalizeLabel(input string, maxLen int) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	lastDash := false
	for _, r := range trimmed {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
		if maxLen > 0 && b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

func worktreeName(taskID core.TaskID, label string) string {
	id := string(taskID)
	norm := normalizeLabel(label, worktreeLabelMaxLen)
	if norm == "" {
		return id
	}
	return id + worktreeNameSeparator + norm
}

// Manager implements core.WorkspaceManager over the none/worktree/container/
// directory strategies.
type Manager struct {
	git         *gitRunner
	projectPath string
	parentDir   string
	logger      *logging.Logger
	dockerPath  string // empty if docker is unavailable, disabling container support

	mu      sync.Mutex
	created map[core.TaskID]*core.WorkspaceDescriptor
}

// gitRunner is the minimal shelling-out surface the workspace manager needs;
// it mirrors git.Client's run() but stays package-local so workspace has no
// hard dependency on internal/git's richer merge/rebase surface.
type gitRunner struct {
	timeout time.Duration
}

func (g *gitRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// New constructs a Manager rooted at projectPath. Worktrees are created
// under parentDir/.apex-worktrees/<task>.
func New(projectPath, parentDir string, logger *logging.Logger) *Manager {
	if parentDir == "" {
		parentDir = filepath.Dir(projectPath)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	dockerPath, _ := exec.LookPath("docker")
	return &Manager{
		git:         &gitRunner{timeout: 30 * time.Second},
		projectPath: projectPath,
		parentDir:   parentDir,
		logger:      logger,
		dockerPath:  dockerPath,
		created:     make(map[core.TaskID]*core.WorkspaceDescriptor),
	}
}

func (m *Manager) worktreeDir() string {
	return filepath.Join(m.parentDir, worktreeDirName)
}

func (m *Manager) worktreePath(taskID core.TaskID, label string) string {
	return filepath.Join(m.worktreeDir(), worktreeName(taskID, label))
}

// CreateWorkspace provisions an isolated workspace per the requested
// strategy, falling back to the project root for WorkspaceNone.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID core.TaskID, strategy core.WorkspaceStrategy, containerDefaults *core.ContainerInfo) (*core.WorkspaceDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var desc *core.WorkspaceDescriptor
	var err error

	switch strategy {
	case core.WorkspaceNone:
		desc = &core.WorkspaceDescriptor{Strategy: core.WorkspaceNone, Path: m.projectPath, Cleanup: false}
	case core.WorkspaceDirectory:
		desc, err = m.createDirectory(taskID)
	case core.WorkspaceWorktree:
		desc, err = m.createWorktree(ctx, taskID)
	case core.WorkspaceContainer:
		desc, err = m.createContainer(ctx, taskID, containerDefaults)
	default:
		return nil, core.ErrConfiguration("UNKNOWN_WORKSPACE_STRATEGY", fmt.Sprintf("unknown workspace strategy %q", strategy))
	}
	if err != nil {
		return nil, err
	}

	m.created[taskID] = desc
	return desc, nil
}

func (m *Manager) createDirectory(taskID core.TaskID) (*core.WorkspaceDescriptor, error) {
	path := filepath.Join(m.worktreeDir(), "dir-"+string(taskID))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, core.ErrResourceUnavailable("WORKSPACE_MKDIR_FAILED", err.Error()).WithCause(err)
	}
	return &core.WorkspaceDescriptor{Strategy: core.WorkspaceDirectory, Path: path, Cleanup: true}, nil
}

func (m *Manager) createWorktree(ctx context.Context, taskID core.TaskID) (*core.WorkspaceDescriptor, error) {
	path := m.worktreePath(taskID, "")
	branch := "apex/" + string(taskID)

	if err := os.MkdirAll(m.worktreeDir(), 0o755); err != nil {
		return nil, core.ErrResourceUnavailable("WORKTREE_DIR_FAILED", err.Error()).WithCause(err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, core.ErrDuplicate("worktree", string(taskID))
	}

	if _, err := m.git.run(ctx, m.projectPath, "worktree", "add", "-b", branch, path); err != nil {
		return nil, core.ErrExternalProvider("WORKTREE_CREATE_FAILED", err.Error()).WithCause(err)
	}

	return &core.WorkspaceDescriptor{Strategy: core.WorkspaceWorktree, Path: path, Cleanup: true}, nil
}

func (m *Manager) createContainer(ctx context.Context, taskID core.TaskID, defaults *core.ContainerInfo) (*core.WorkspaceDescriptor, error) {
	if !m.SupportsContainerWorkspaces() {
		return nil, core.ErrResourceUnavailable("DOCKER_UNAVAILABLE", "container workspaces require docker on PATH")
	}

	desc, err := m.createWorktree(ctx, taskID)
	if err != nil {
		return nil, err
	}

	image := "ubuntu:24.04"
	autoRemove := true
	env := map[string]string{}
	if defaults != nil {
		if defaults.Image != "" {
			image = defaults.Image
		}
		autoRemove = defaults.AutoRemove
		env = defaults.Environment
	}

	args := []string{"run", "-d", "--workdir", "/workspace", "-v", desc.Path + ":/workspace"}
	if autoRemove {
		args = append(args, "--rm")
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, image, "sleep", "infinity")

	cmd := exec.CommandContext(ctx, m.dockerPath, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, core.ErrExternalProvider("CONTAINER_CREATE_FAILED", err.Error()).WithCause(err)
	}

	desc.Strategy = core.WorkspaceContainer
	desc.Container = &core.ContainerInfo{
		ID:          strings.TrimSpace(string(out)),
		Image:       image,
		Environment: env,
		AutoRemove:  autoRemove,
	}
	return desc, nil
}

// SupportsContainerWorkspaces reports whether docker is available on PATH.
func (m *Manager) SupportsContainerWorkspaces() bool {
	return m.dockerPath != ""
}

// GetContainerHealth inspects a task's container, if any, via `docker inspect`.
func (m *Manager) GetContainerHealth(ctx context.Context, taskID core.TaskID) (*core.ContainerHealth, error) {
	m.mu.Lock()
	desc, ok := m.created[taskID]
	m.mu.Unlock()
	if !ok || desc.Container == nil {
		return &core.ContainerHealth{Healthy: false, Reason: "no container for task"}, nil
	}

	cmd := exec.CommandContext(ctx, m.dockerPath, "inspect", "-f", "{{.State.Running}}", desc.Container.ID)
	out, err := cmd.Output()
	if err != nil {
		return &core.ContainerHealth{Healthy: false, Reason: err.Error()}, nil
	}
	running := strings.TrimSpace(string(out)) == "true"
	if !running {
		return &core.ContainerHealth{Healthy: false, Reason: "container not running"}, nil
	}
	return &core.ContainerHealth{Healthy: true}, nil
}

// CleanupWorkspace reclaims a task's workspace, waiting delay seconds first
// so in-flight processes have a chance to release file handles. Removal
// failures are logged rather than returned; a context cancelled during the
// delay returns its error.
func (m *Manager) CleanupWorkspace(ctx context.Context, taskID core.TaskID, delay int64) error {
	m.mu.Lock()
	desc, ok := m.created[taskID]
	m.mu.Unlock()
	if !ok || !desc.Cleanup {
		return nil
	}

	if delay > 0 {
		select {
		case <-time.After(time.Duration(delay) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if desc.Container != nil {
		_ = exec.CommandContext(ctx, m.dockerPath, "rm", "-f", desc.Container.ID).Run()
	}

	switch desc.Strategy {
	case core.WorkspaceWorktree, core.WorkspaceContainer:
		if _, err := m.git.run(ctx, m.projectPath, "worktree", "remove", "--force", desc.Path); err != nil {
			m.logger.Warn("worktree remove failed, falling back to rmdir", "task_id", string(taskID), "error", err.Error())
			_ = os.RemoveAll(desc.Path)
		}
	case core.WorkspaceDirectory:
		if err := os.RemoveAll(desc.Path); err != nil {
			m.logger.Warn("workspace directory removal failed", "task_id", string(taskID), "error", err.Error())
		}
	}

	m.mu.Lock()
	delete(m.created, taskID)
	m.mu.Unlock()
	return nil
}

// CleanupMergedWorktree removes a task's worktree once its branch is known
// to be merged, leaving unmerged worktrees untouched. Returns whether a
// cleanup occurred.
//
// confirmedMerged lets a caller that has already established merge state
// through an authoritative source (e.g. the code host's PR status) skip
// this method's own local branch re-derivation — a squash-merged PR never
// makes the local branch show up in `git branch --merged`, so re-checking
// locally after a confirmed remote merge would always report false and
// silently skip cleanup. When confirmedMerged is false, the local
// `git branch --merged` check still runs, for callers with no PR to check
// (e.g. a periodic sweep over locally-merged branches).
func (m *Manager) CleanupMergedWorktree(ctx context.Context, taskID core.TaskID, confirmedMerged bool) (bool, error) {
	m.mu.Lock()
	desc, ok := m.created[taskID]
	m.mu.Unlock()
	if !ok || desc.Strategy != core.WorkspaceWorktree && desc.Strategy != core.WorkspaceContainer {
		return false, nil
	}

	branch := "apex/" + string(taskID)

	if !confirmedMerged {
		defaultBranch, err := m.git.run(ctx, m.projectPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return false, err
		}

		merged, err := m.git.run(ctx, m.projectPath, "branch", "--merged", defaultBranch)
		if err != nil {
			return false, err
		}
		if !strings.Contains(merged, branch) {
			return false, nil
		}
	}

	if err := m.CleanupWorkspace(ctx, taskID, 0); err != nil {
		return false, err
	}
	_, _ = m.git.run(ctx, m.projectPath, "branch", "-d", branch)
	return true, nil
}

// CleanupOldWorkspaces removes every entry under the worktree directory whose
// modification time is older than pruneAfter (a fixed seven days; the
// workspace.prune_stale_after_days setting is not read), then runs
// `git worktree prune`.
func (m *Manager) CleanupOldWorkspaces(ctx context.Context) error {
	dir := m.worktreeDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	const pruneAfter = 7 * 24 * time.Hour
	now := time.Now()
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < pruneAfter {
			continue
		}
		if _, err := m.git.run(ctx, m.projectPath, "worktree", "remove", "--force", path); err != nil {
			_ = os.RemoveAll(path)
		}
	}
	_, _ = m.git.run(ctx, m.projectPath, "worktree", "prune")
	return nil
}

var _ core.WorkspaceManager = (*Manager)(nil)

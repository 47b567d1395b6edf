package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apex-daemon/apexd/internal/agent"
	"github.com/apex-daemon/apexd/internal/codehost"
	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/git"
	"github.com/apex-daemon/apexd/internal/hooks"
	"github.com/apex-daemon/apexd/internal/logging"
	"github.com/apex-daemon/apexd/internal/orchestrator"
	"github.com/apex-daemon/apexd/internal/runner"
	"github.com/apex-daemon/apexd/internal/store"
	"github.com/apex-daemon/apexd/internal/usage"
	"github.com/apex-daemon/apexd/internal/workflow"
	"github.com/apex-daemon/apexd/internal/workspace"
)

var (
	runHTTPAddr string
	runAgentCLI string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon in the foreground",
	Long: `Start apexd's poll loop: acquires single-instance ownership of the
project directory, recovers any task a prior crash left in-progress, then
drives the task queue until interrupted.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runHTTPAddr, "http-addr", "127.0.0.1:4170",
		"address for the /healthz and /events HTTP surface")
	runCmd.Flags().StringVar(&runAgentCLI, "agent-cli", "claude",
		"default agent CLI binary invoked for stages with no per-agent override")
	rootCmd.AddCommand(runCmd)
}

// daemonInfra holds the collaborators that need explicit shutdown, so a
// failure partway through startup can still clean up what was acquired.
type daemonInfra struct {
	logger  *logging.Logger
	st      *store.SQLiteStore
	httpSrv *http.Server
}

func runRun(cmd *cobra.Command, _ []string) error {
	path, err := resolveProjectPath()
	if err != nil {
		return err
	}

	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}

	infra := &daemonInfra{logger: logger}
	cleanup := func() {
		if infra.httpSrv != nil {
			_ = infra.httpSrv.Close()
		}
		if infra.st != nil {
			if cerr := infra.st.Close(); cerr != nil {
				logger.Warn("failed to close store", "error", cerr)
			}
		}
	}

	st := store.New(cfg.State.Path)
	infra.st = st
	if err := st.Initialize(context.Background()); err != nil {
		cleanup()
		return fmt.Errorf("initializing store: %w", err)
	}

	gitClient, err := git.NewClient()
	if err != nil {
		cleanup()
		return fmt.Errorf("constructing git client: %w", err)
	}

	codehostClient, err := codehost.NewClient()
	if err != nil {
		logger.Warn("code-host CLI unavailable, PR merge-detection disabled", "error", err)
		codehostClient = nil
	}

	workspaces := workspace.New(path, cfg.Workspace.WorktreeParentDir, logger)
	hookGateway := hooks.NewGateway(logger, cfg.Hooks)
	accounter := usage.New(cfg.Usage)
	bus := core.NewBus()

	agentRunner := agent.NewCLIRunner(agent.Config{
		DefaultPath: runAgentCLI,
		Timeout:     cfg.Workflow.StageTimeoutDuration(),
	}, logger)

	engine := workflow.New(st, agentRunner, hookGateway, accounter, workspaces, gitClient, codehostClientOrNil(codehostClient), bus, logger, cfg.Workflow)

	orch := orchestrator.New(path, st, engine, bus, logger)

	recovery := workflow.NewRecoveryManager(st, gitClient, logger)

	r := runner.New(path, *cfg, orch, accounter, recovery, logger, appVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.Start(ctx); err != nil {
		cleanup()
		return fmt.Errorf("starting runner: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              runHTTPAddr,
		Handler:           orchestrator.NewServer(orch, path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	infra.httpSrv = httpSrv
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("http surface stopped", "error", err)
		}
	}()

	logger.Info("apexd started", "project_path", path, "http_addr", runHTTPAddr)
	fmt.Printf("apexd running for %s (http://%s/healthz)\n", path, runHTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Runner.ShutdownTimeoutMs)*time.Millisecond+5*time.Second)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	if err := r.Stop(shutdownCtx); err != nil {
		logger.Warn("runner shutdown reported an error", "error", err)
	}
	cleanup()

	logger.Info("apexd stopped")
	return nil
}

// codehostClientOrNil returns nil as a typed core.CodeHostClient when the
// concrete client is nil, since workflow.New's parameter is an interface and
// a nil *codehost.Client would otherwise produce a non-nil interface value.
func codehostClientOrNil(c *codehost.Client) core.CodeHostClient {
	if c == nil {
		return nil
	}
	return c
}

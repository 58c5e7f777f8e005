package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgehive/swarmnode/internal/config"
	"github.com/forgehive/swarmnode/internal/diagnostics"
	"github.com/forgehive/swarmnode/internal/execution"
	"github.com/forgehive/swarmnode/internal/logger"
	"github.com/forgehive/swarmnode/internal/logsvc"
	"github.com/forgehive/swarmnode/internal/noderunner"
	"github.com/forgehive/swarmnode/internal/proxy"
	"github.com/forgehive/swarmnode/internal/registry"
	"github.com/forgehive/swarmnode/internal/store"
	"github.com/forgehive/swarmnode/internal/sync"
	"github.com/forgehive/swarmnode/internal/tokens"
)

var version = "dev"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "swarmnode-node",
		Short:   "Run a swarmnode execution node",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to node config.json (defaults to $VK_NODE_HOME/config.json)")
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the node binary version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

// nodeRunner holds every initialized component of a running node. The
// constructor wires everything but starts nothing; run() starts every
// sub-service and blocks until ctx is cancelled, and stop() shuts down
// the HTTP server, unregisters the instance, closes the store, and
// then cancels ctx.
type nodeRunner struct {
	cfg      *config.Config
	paths    config.RuntimePaths
	store    *store.Store
	execMgr  *execution.Manager
	handler  *nodeHandler
	runner   *noderunner.Runner
	logSvc   *logsvc.Service
	syncEng  *sync.Engine
	httpSrv  *http.Server
	registry *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc
}

func createNodeRunner(configPath string) (*nodeRunner, error) {
	paths := config.ResolveRuntimePaths()
	if configPath != "" {
		paths.ConfigPath = configPath
	}

	cfg, err := config.LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	opts := store.DefaultOpts()
	opts.MaxOpenConns = cfg.Store.MaxOpenConns
	opts.BusyTimeoutMS = cfg.Store.BusyTimeoutMS
	s, err := store.Open(paths.DBPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	serverInstanceID := fmt.Sprintf("%s-%d", cfg.Hive.NodeName, os.Getpid())
	killGrace := time.Duration(cfg.Execution.KillGraceS) * time.Second
	execMgr := execution.NewManager(s, serverInstanceID, killGrace)

	signer := tokens.NewSigner([]byte(cfg.Tokens.ConnectionSecret))
	proxyClient := proxy.NewClient(serverInstanceID, tokens.NewSigner([]byte(cfg.Tokens.ProxySecret)))
	logSvc := logsvc.New(s, execMgr, signer, proxyClient, serverInstanceID)

	handler := newNodeHandler(s, execMgr)
	runnerCfg := noderunner.Config{
		HiveURL:   cfg.Hive.URL,
		APIKey:    cfg.Hive.AuthToken,
		Name:      cfg.Hive.NodeName,
		MachineID: serverInstanceID,
		Capabilities: noderunner.Capabilities{
			Executors:          []string{"claude", "codex", "gemini", "cursor"},
			MaxConcurrentTasks: cfg.Execution.MaxConcurrent,
			OS:                 runtime.GOOS,
			Arch:               runtime.GOARCH,
			Version:            version,
		},
		HeartbeatInterval: time.Duration(cfg.Hive.HeartbeatSec) * time.Second,
	}
	runner := noderunner.New(runnerCfg, handler)
	handler.attachRunner(runner)

	syncEng := sync.NewEngine(s, sync.NewHTTPClient(cfg.Hive.URL, cfg.Hive.AuthToken))

	diagReg, promReg := diagnostics.New(execMgr)
	mux := http.NewServeMux()
	logSvc.Mount(mux)
	diagReg.Handler(mux, promReg)

	reg := registry.New(paths.RegistryDir)

	ctx, cancel := context.WithCancel(context.Background())

	return &nodeRunner{
		cfg: cfg, paths: paths, store: s, execMgr: execMgr, handler: handler,
		runner: runner, logSvc: logSvc, syncEng: syncEng,
		httpSrv: &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port), Handler: mux},
		registry: reg, ctx: ctx, cancel: cancel,
	}, nil
}

func (r *nodeRunner) run() error {
	info := registry.Info{
		ProjectRoot: r.paths.HomeDir, PID: os.Getpid(), Binary: "swarmnode-node",
		StartedAt: time.Now().UTC(), Name: r.cfg.Hive.NodeName,
	}
	if err := r.registry.Register(info); err != nil {
		logger.WarnCF("node", "registry register failed", map[string]any{"error": err.Error()})
	}

	if n, err := r.execMgr.CleanupOrphanExecutions(r.ctx); err != nil {
		logger.WarnCF("node", "cleanup orphan executions failed", map[string]any{"error": err.Error()})
	} else if n > 0 {
		logger.InfoCF("node", "cleaned up orphan executions", map[string]any{"count": n})
	}

	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("node", "http server error", map[string]any{"error": err.Error()})
		}
	}()
	logger.InfoCF("node", "log service listening", map[string]any{"addr": r.httpSrv.Addr})

	if r.cfg.Hive.Enabled {
		go r.runner.Run(r.ctx)
		r.startProjectSync()
	}

	<-r.ctx.Done()
	return nil
}

// startProjectSync launches a task-shape and a label-activity sync
// loop for every project this node already knows is hive-linked.
// Projects linked after startup are picked up the next time the node
// restarts.
func (r *nodeRunner) startProjectSync() {
	projects, err := r.store.ListProjects(r.ctx)
	if err != nil {
		logger.WarnCF("node", "list projects for sync failed", map[string]any{"error": err.Error()})
		return
	}
	for _, p := range projects {
		if p.RemoteProjectID == "" {
			continue
		}
		go r.syncEng.RunTaskShapeSync(r.ctx, p.RemoteProjectID, p.ID, r.cfg.Hive.NodeName)
		go r.syncEng.RunLabelActivitySync(r.ctx, p.RemoteProjectID)
	}
}

func (r *nodeRunner) stop() {
	logger.InfoC("node", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpSrv.Shutdown(shutdownCtx)

	_ = r.registry.Unregister(r.paths.HomeDir)
	_ = r.store.Close(context.Background())
	r.cancel()
}

func runNode(configPath string) error {
	runner, err := createNodeRunner(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- runner.run() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runner.stop()
			return err
		}
	}
	runner.stop()
	return nil
}

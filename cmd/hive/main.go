package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/forgehive/swarmnode/internal/config"
	"github.com/forgehive/swarmnode/internal/diagnostics"
	"github.com/forgehive/swarmnode/internal/execution"
	"github.com/forgehive/swarmnode/internal/hiveserver"
	"github.com/forgehive/swarmnode/internal/logger"
	"github.com/forgehive/swarmnode/internal/logsvc"
	"github.com/forgehive/swarmnode/internal/proxy"
	"github.com/forgehive/swarmnode/internal/registry"
	"github.com/forgehive/swarmnode/internal/store"
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
		Use:     "swarmnode-hive",
		Short:   "Run the swarmnode hive coordinator",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHive(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to hive config.json (defaults to $VK_NODE_HOME/config.json)")
	root.AddCommand(&cobra.Command{
		Use: "version", Short: "Print the hive binary version", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error { fmt.Println(version); return nil },
	})
	return root
}

// hiveRunner holds every initialized hive component. Like
// cmd/node's nodeRunner, the constructor only wires components; run()
// starts them and blocks, stop() shuts them down.
type hiveRunner struct {
	cfg      *config.Config
	paths    config.RuntimePaths
	store    *store.Store
	cm       *hiveserver.ConnectionManager
	backfill *hiveserver.BackfillService
	logSvc   *logsvc.Service
	httpSrv  *http.Server
	registry *registry.Registry
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

func createHiveRunner(configPath string) (*hiveRunner, error) {
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

	cm := hiveserver.NewConnectionManager()
	backfill := hiveserver.NewBackfillService(s, cm)

	signer := tokens.NewSigner([]byte(cfg.Tokens.ConnectionSecret))
	proxyClient := proxy.NewClient("hive", tokens.NewSigner([]byte(cfg.Tokens.ProxySecret)))
	execMgr := execution.NewManager(s, "hive", time.Duration(cfg.Execution.KillGraceS)*time.Second)
	logSvc := logsvc.New(s, execMgr, signer, proxyClient, "hive")

	diagReg, promReg := diagnostics.New(execMgr)
	mux := http.NewServeMux()
	logSvc.Mount(mux)
	diagReg.Handler(mux, promReg)

	reg := registry.New(paths.RegistryDir)

	r := &hiveRunner{
		cfg: cfg, paths: paths, store: s, cm: cm, backfill: backfill, logSvc: logSvc,
		registry: reg,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux.HandleFunc("/ws/node", r.handleNodeUpgrade)

	r.httpSrv = &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port), Handler: mux}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// authNode validates a connecting node's shared secret against this
// hive's configured token. There's no per-node credential table in
// this schema, so every node in a deployment shares one secret and is
// identified by the name/machine_id it presents.
func (r *hiveRunner) authNode(apiKey, name, machineID string) (string, bool) {
	expected := r.cfg.Hive.AuthToken
	if expected == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
		return "", false
	}
	return fmt.Sprintf("%s-%s", name, machineID), true
}

func (r *hiveRunner) handleNodeUpgrade(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.WarnCF("hive", "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	if err := hiveserver.HandleConnection(r.ctx, conn, r.cm, r.authNode, r.backfill, r.backfill, r.store); err != nil {
		logger.DebugCF("hive", "node session ended", map[string]any{"error": err.Error()})
	}
}

func (r *hiveRunner) run() error {
	info := registry.Info{
		ProjectRoot: r.paths.HomeDir, PID: os.Getpid(), Binary: "swarmnode-hive",
		StartedAt: time.Now().UTC(), Name: "hive",
	}
	if err := r.registry.Register(info); err != nil {
		logger.WarnCF("hive", "registry register failed", map[string]any{"error": err.Error()})
	}

	go r.backfill.Run(r.ctx)

	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("hive", "http server error", map[string]any{"error": err.Error()})
		}
	}()
	logger.InfoCF("hive", "listening", map[string]any{"addr": r.httpSrv.Addr})

	<-r.ctx.Done()
	return nil
}

func (r *hiveRunner) stop() {
	logger.InfoC("hive", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpSrv.Shutdown(shutdownCtx)

	_ = r.registry.Unregister(r.paths.HomeDir)
	_ = r.store.Close(context.Background())
	r.cancel()
}

func runHive(configPath string) error {
	runner, err := createHiveRunner(configPath)
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

package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"cliprun/internal/config"
	"cliprun/internal/daemon"
	"cliprun/internal/ipc"
	"cliprun/internal/logging"
	"cliprun/internal/logs"
	"cliprun/internal/notifications"
	"cliprun/internal/objectstore"
	"cliprun/internal/orchestrator"
	"cliprun/internal/preflight"
	"cliprun/internal/runstore"
	"cliprun/internal/stage"
	"cliprun/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the cliprun daemon runtime loop and blocks until cmdCtx is
// cancelled or the process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logPath := logs.Path(cfg.Paths.LogDir)
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "cliprun.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := runstore.Open(signalCtx, cfg)
	if err != nil {
		logger.Error("open run store",
			logging.Error(err),
			logging.String(logging.FieldEventType, "store_open_failed"),
			logging.String(logging.FieldErrorHint, "check store.driver and the database settings"),
			logging.String(logging.FieldImpact, "daemon cannot start"),
		)
		return err
	}

	results, err := objectstore.New(signalCtx, cfg.ObjectStore)
	if err != nil {
		store.Close()
		return fmt.Errorf("open result store: %w", err)
	}

	pipeline, err := BuildPipeline(cfg)
	if err != nil {
		store.Close()
		return err
	}

	notifier := notifications.NewService(cfg)
	orc, err := orchestrator.New(cfg, orchestrator.Dependencies{
		Store:    store,
		Pipeline: pipeline,
		Results:  results,
		Notifier: notifier,
	}, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("create orchestrator: %w", err)
	}
	manager := workflow.NewManager(cfg, store, orc, logger)

	d, err := daemon.New(cfg, daemon.Dependencies{
		Store:        store,
		Results:      results,
		Orchestrator: orc,
		Workflow:     manager,
		Notifier:     notifier,
	}, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	logStartup(logger, cfg, d, pipeline)
	for _, failed := range preflight.Failed(preflight.RunAll(signalCtx, cfg, pipeline)) {
		logger.Warn("preflight check failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldErrorHint, "run cliprun doctor for the full report"),
			logging.String(logging.FieldImpact, "runs touching this collaborator may fail"),
		)
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	<-signalCtx.Done()
	logger.Info("cliprun daemon shutting down")
	return nil
}

// BuildPipeline loads the configured stage definition, or the default one,
// and resolves its handlers.
func BuildPipeline(cfg *config.Config) (*stage.Pipeline, error) {
	def, err := stage.LoadDefinition(cfg.Pipeline.Definition)
	if err != nil {
		return nil, err
	}
	pipeline, err := stage.Build(def, nil)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return pipeline, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logStartup(logger *slog.Logger, cfg *config.Config, d *daemon.Daemon, pipeline *stage.Pipeline) {
	status := d.Status(context.Background())
	ids := make([]string, 0, len(pipeline.Stages()))
	for _, st := range pipeline.Stages() {
		ids = append(ids, st.ID)
	}
	logger.Info("runtime snapshot",
		logging.String(logging.FieldEventType, "runtime_snapshot"),
		logging.String("store_driver", status.StoreDriver),
		logging.String("store_location", status.StoreLocation),
		logging.String("schema_version", status.SchemaVersion),
		logging.String("result_store", status.ResultStore),
		logging.String("pipeline", pipeline.Name()),
		logging.Any("stages", ids),
		logging.String("queue", cfg.Store.Queue),
		logging.Int("workers", cfg.Workflow.Workers),
		logging.Bool("webhook_configured", cfg.Notifications.WebhookURL != ""),
		logging.String("socket", cfg.SocketPath()),
	)
}

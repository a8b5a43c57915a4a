package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stemflow/internal/config"
	"stemflow/internal/daemon"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/notifications"
	"stemflow/internal/queue"
	"stemflow/internal/workflow"
)

const (
	shutdownTimeout   = 2 * time.Minute
	retentionInterval = 24 * time.Hour
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the stemflow daemon and blocks until ctx ends or the process
// receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("stemflow-%s.log", runID))
	logHub := logging.NewStreamHub(4096)

	level := strings.TrimSpace(opts.LogLevel)
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		FilePath:    logPath,
		Development: opts.Development,
		Stream:      logHub,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog() //nolint:errcheck

	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update stemflow.log link: %v\n", err)
	}
	pruneLogs(logger, cfg, logPath)

	pidPath := filepath.Join(cfg.Paths.LogDir, "stemflow.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open history store", logging.Error(err))
		return err
	}
	defer store.Close()

	collab, err := BuildCollaborators(signalCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build collaborators: %w", err)
	}
	logCollaboratorSnapshot(signalCtx, logger, collab)

	hub := events.NewHub(cfg.Workflow.EventHistory, logger)
	defer hub.Close()

	pipeline, err := workflow.NewPipeline(cfg, collab, hub, logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	coord := workflow.NewCoordinator(cfg, pipeline, hub, logger, workflow.WithRecorder(store))

	notifier := notifications.NewService(cfg)
	attachSinks(signalCtx, cfg, hub, notifier, logger)

	d, err := daemon.New(cfg, store, coord, logger,
		daemon.WithLogStream(logHub),
		daemon.WithNotifier(notifier),
	)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check for another running daemon and the api.bind address"),
		)
		return err
	}

	g, gctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stemflow daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		d.Stop(stopCtx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				pruneLogs(logger, cfg, logPath)
			}
		}
	})
	return g.Wait()
}

// previousRunLogs is how many earlier run logs survive regardless of age.
const previousRunLogs = 1

// pruneLogs removes run logs older than logging.retention_days, keeping the
// current one and the most recent previous run.
func pruneLogs(logger *slog.Logger, cfg *config.Config, current string) {
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{
			Dir:        cfg.Paths.LogDir,
			Pattern:    "stemflow-*.log",
			Exclude:    []string{current},
			KeepLatest: previousRunLogs,
		},
	)
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "stemflow.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

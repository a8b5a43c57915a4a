package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"stemflow/internal/config"
	"stemflow/internal/logging"
	"stemflow/internal/notifications"
	"stemflow/internal/queue"
	"stemflow/internal/workflow"
)

// interruptedReason is recorded on jobs a previous process left unfinished.
const interruptedReason = "daemon stopped"

// Daemon coordinates the background processing services and enforces
// single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	coord    *workflow.Coordinator
	logHub   *logging.StreamHub
	notifier notifications.Service

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	stopped atomic.Bool
	api     *apiServer
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Batch        workflow.Status
	DatabasePath string
	LockFilePath string
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLogStream exposes hub through /api/logs.
func WithLogStream(hub *logging.StreamHub) Option {
	return func(d *Daemon) { d.logHub = hub }
}

// WithNotifier overrides the notification service used by TestNotification.
func WithNotifier(svc notifications.Service) Option {
	return func(d *Daemon) { d.notifier = svc }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, coord *workflow.Coordinator, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || store == nil || coord == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, coordinator, and logger")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "stemflowd.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		coord:    coord,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = notifications.NewService(cfg)
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, closes out work left by a previous process
// and starts the API listener.
func (d *Daemon) Start(ctx context.Context) error {
	if d.stopped.Load() {
		return errors.New("daemon already stopped")
	}
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another stemflow daemon instance is already running")
	}

	cancelled, err := d.store.CancelInterrupted(ctx, interruptedReason)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if cancelled > 0 {
		d.logger.Warn("cancelled jobs left by previous daemon",
			logging.Int64("count", cancelled),
			logging.String(logging.FieldEventType, "interrupted_jobs_cancelled"),
			logging.String(logging.FieldErrorHint, "resubmit the sources to process them again"),
		)
	}

	if err := d.api.start(ctx); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("stemflow daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop closes the coordinator, waiting for the in-flight job until ctx ends,
// then stops the API and releases the lock.
func (d *Daemon) Stop(ctx context.Context) {
	if !d.running.Load() {
		return
	}
	d.stopped.Store(true)

	if err := d.coord.Close(ctx); err != nil {
		d.logger.Warn("coordinator shutdown incomplete", logging.Error(err))
	}
	d.api.stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("stemflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.Stop(ctx)
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Handler returns the HTTP API handler.
func (d *Daemon) Handler() http.Handler {
	return d.api.engine
}

// Addr returns the API listener address once started.
func (d *Daemon) Addr() string {
	return d.api.addr()
}

// Coordinator returns the batch coordinator.
func (d *Daemon) Coordinator() *workflow.Coordinator {
	return d.coord
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Batch:        d.coord.Status(),
		DatabasePath: d.store.Path(),
		LockFilePath: d.lockPath,
	}
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stemflow/internal/config"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/services"
)

// Coordinator owns the job queue and the lifecycle of the single active
// batch. All methods are safe for concurrent use.
type Coordinator struct {
	cfg      *config.Config
	pipeline *Pipeline
	hub      *events.Hub
	logger   *slog.Logger
	recorder Recorder

	// runCtx parents every worker; Close cancels it when the grace period ends.
	runCtx    context.Context
	runCancel context.CancelFunc
	stop      atomic.Bool

	mu      sync.Mutex
	queue   *queue.JobQueue
	jobs    map[string]*queue.Job
	order   []string
	active  *BatchRun
	last    *BatchRun
	current string
	done    chan struct{}
	closed  bool
}

// CoordinatorOption configures optional Coordinator behavior.
type CoordinatorOption func(*Coordinator)

// WithRecorder persists jobs and batches as they change.
func WithRecorder(recorder Recorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

// NewCoordinator constructs an idle coordinator.
func NewCoordinator(cfg *config.Config, pipeline *Pipeline, hub *events.Hub, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		pipeline:  pipeline,
		hub:       hub,
		logger:    logging.NewComponentLogger(logger, "coordinator"),
		runCtx:    runCtx,
		runCancel: cancel,
		queue:     queue.NewJobQueue(),
		jobs:      make(map[string]*queue.Job),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue validates and queues a job. The job is visible through Jobs and
// Job immediately.
func (c *Coordinator) Enqueue(ctx context.Context, sourcePath, outputDirectory string, metadata map[string]string) (queue.Job, error) {
	sourcePath = strings.TrimSpace(sourcePath)
	outputDirectory = strings.TrimSpace(outputDirectory)
	size, err := validateSubmission(sourcePath, outputDirectory)
	if err != nil {
		return queue.Job{}, err
	}
	job := queue.NewJob(sourcePath, outputDirectory, metadata, size)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return queue.Job{}, ErrClosed
	}
	if !c.queue.Enqueue(job) {
		c.mu.Unlock()
		return queue.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, sourcePath)
	}
	c.jobs[job.ID] = job
	c.order = append(c.order, job.ID)
	batchID := ""
	if c.active != nil {
		c.active.TotalSubmitted++
		batchID = c.active.ID
	}
	snapshot := job.Snapshot()
	c.mu.Unlock()

	c.saveJob(ctx, snapshot)
	c.logger.Info("job queued",
		logging.String(logging.FieldJobID, snapshot.ID),
		logging.String("source", snapshot.SourcePath),
		logging.String("output_directory", snapshot.OutputDirectory),
		logging.String("joined_batch", batchID),
		logging.String(logging.FieldEventType, "job_queued"),
	)
	return snapshot, nil
}

// Start activates a batch and spawns its worker.
func (c *Coordinator) Start(ctx context.Context) (BatchRun, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return BatchRun{}, ErrClosed
	case c.active != nil:
		c.mu.Unlock()
		return BatchRun{}, ErrAlreadyRunning
	case c.queue.Size() == 0:
		c.mu.Unlock()
		return BatchRun{}, ErrEmptyQueue
	}
	run := &BatchRun{
		ID:             uuid.NewString(),
		StartedAt:      time.Now().UTC(),
		TotalSubmitted: c.queue.Size(),
		Active:         true,
	}
	c.active = run
	c.stop.Store(false)
	done := make(chan struct{})
	c.done = done
	snapshot := *run
	c.mu.Unlock()

	c.logger.Info("batch started",
		logging.String(logging.FieldBatchID, snapshot.ID),
		logging.Int("queued", snapshot.TotalSubmitted),
		logging.String(logging.FieldEventType, "batch_started"),
		logging.String(logging.FieldCorrelationID, requestID(ctx)),
	)
	go c.runWorker(run, done)
	return snapshot, nil
}

// Stop requests cancellation of the active batch. It never blocks and is a
// no-op when no batch is active.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	active := c.active != nil
	batchID := ""
	if active {
		batchID = c.active.ID
		c.stop.Store(true)
	}
	c.mu.Unlock()
	if active {
		c.logger.Info("batch stop requested",
			logging.String(logging.FieldBatchID, batchID),
			logging.String(logging.FieldEventType, "batch_stop_requested"),
		)
	}
}

// Status returns the lock-protected summary of coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{QueueSize: c.queue.Size(), CurrentJobID: c.current}
	if c.active != nil {
		status.Active = true
		status.BatchID = c.active.ID
	}
	return status
}

// Job returns a snapshot of the job with id.
func (c *Coordinator) Job(id string) (queue.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return queue.Job{}, false
	}
	return job.Snapshot(), true
}

// Jobs returns snapshots of every known job in submission order.
func (c *Coordinator) Jobs() []queue.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]queue.Job, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.jobs[id].Snapshot())
	}
	return out
}

// Queued returns the pending queue in dequeue order.
func (c *Coordinator) Queued() []queue.Job {
	return c.queue.Snapshot()
}

// Remove cancels a job that is still queued.
func (c *Coordinator) Remove(ctx context.Context, id string) (queue.Job, error) {
	c.mu.Lock()
	job, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return queue.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, queued := c.queue.Remove(id); !queued {
		status := job.Status
		c.mu.Unlock()
		return queue.Job{}, fmt.Errorf("%w: %s is %s", ErrJobNotQueued, id, status)
	}
	if err := job.Cancel("removed"); err != nil {
		c.mu.Unlock()
		return queue.Job{}, err
	}
	if c.active != nil {
		c.active.Skipped++
	}
	snapshot := job.Snapshot()
	c.mu.Unlock()

	c.saveJob(ctx, snapshot)
	c.logger.Info("queued job removed",
		logging.String(logging.FieldJobID, id),
		logging.String(logging.FieldEventType, "job_removed"),
	)
	return snapshot, nil
}

// LastBatch returns the active batch or, when idle, the most recent one.
func (c *Coordinator) LastBatch() (BatchRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.active != nil:
		return *c.active, true
	case c.last != nil:
		return *c.last, true
	default:
		return BatchRun{}, false
	}
}

// Subscribe attaches a new observer to the progress hub. A buffer <= 0 uses
// workflow.subscriber_buffer.
func (c *Coordinator) Subscribe(buffer int) *events.Subscription {
	if buffer <= 0 && c.cfg != nil {
		buffer = c.cfg.Workflow.SubscriberBuffer
	}
	return c.hub.Subscribe(buffer)
}

// Hub returns the progress hub.
func (c *Coordinator) Hub() *events.Hub { return c.hub }

// Pipeline returns the phase pipeline.
func (c *Coordinator) Pipeline() *Pipeline { return c.pipeline }

// Wait blocks until the current worker, if any, has exited.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the active batch and rejects further work. When ctx ends
// before the worker exits, in-flight collaborator calls are cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop()
	err := c.Wait(ctx)
	c.runCancel()
	if err != nil {
		c.logger.Warn("worker still running at shutdown; collaborator calls cancelled",
			logging.Error(err),
			logging.String(logging.FieldEventType, "coordinator_close_timeout"),
			logging.String(logging.FieldImpact, "in-flight job fails with a cancellation error"),
		)
		return c.Wait(context.Background())
	}
	return nil
}

func (c *Coordinator) saveJob(ctx context.Context, job queue.Job) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		logging.WarnWithContext(c.logger, "failed to persist job", "job_persist_failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the history database"),
			logging.String(logging.FieldImpact, "job history may be stale after restart"),
		)
	}
}

func validateSubmission(sourcePath, outputDirectory string) (int64, error) {
	if sourcePath == "" {
		return 0, fmt.Errorf("%w: sourcePath is required", ErrInvalidJob)
	}
	if outputDirectory == "" {
		return 0, fmt.Errorf("%w: outputDirectory is required", ErrInvalidJob)
	}
	if queue.IsRemoteSource(sourcePath) {
		parsed, err := url.Parse(sourcePath)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		if parsed.Host == "" {
			return 0, fmt.Errorf("%w: %s has no host or bucket", ErrInvalidJob, sourcePath)
		}
		if strings.EqualFold(parsed.Scheme, "s3") && strings.Trim(parsed.Path, "/") == "" {
			return 0, fmt.Errorf("%w: %s has no object key", ErrInvalidJob, sourcePath)
		}
		return 0, nil
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("%w: source %s: %v", ErrInvalidJob, sourcePath, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: source %s is not a regular file", ErrInvalidJob, sourcePath)
	}
	return info.Size(), nil
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := services.RequestIDFromContext(ctx)
	return id
}

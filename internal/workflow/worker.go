package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/services"
)

const (
	reasonBatchStopped = "batch stopped"
	reasonInterrupted  = "batch stopped between phases"
)

// runWorker drains the queue for one batch. It is the only goroutine that
// mutates a Running job.
func (c *Coordinator) runWorker(run *BatchRun, done chan struct{}) {
	defer close(done)
	ctx := services.WithBatchID(c.runCtx, run.ID)
	logger := logging.WithContext(ctx, c.logger)

	err := c.drive(ctx, logger, run)
	c.finishBatch(ctx, logger, run, err)
}

func (c *Coordinator) drive(ctx context.Context, logger *slog.Logger, run *BatchRun) (err error) {
	var inFlight *queue.Job
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			if inFlight != nil {
				c.failInFlight(ctx, run, inFlight, err)
			}
		}
	}()

	c.publishBatch(events.KindBatchStarted, c.batchSnapshot(run))
	if c.recorder != nil {
		if err := c.recorder.SaveBatch(ctx, c.batchSnapshot(run).Record()); err != nil {
			return fmt.Errorf("record batch start: %w", err)
		}
	}

	for {
		if c.stop.Load() {
			c.skipRemaining(ctx, logger, run)
			return nil
		}
		job, ok := c.next(run)
		if !ok {
			return nil
		}
		inFlight = job
		c.process(ctx, run, job)
		inFlight = nil
	}
}

// next dequeues the head job as a worker-owned copy. When the queue is empty
// the batch is deactivated under the same lock, so a concurrent Enqueue
// either joins this batch or waits for the next one.
func (c *Coordinator) next(run *BatchRun) (*queue.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.queue.DequeueNext()
	if !ok {
		c.deactivateLocked(run)
		return nil, false
	}
	work := job.Snapshot()
	work.BatchID = run.ID
	c.current = work.ID
	return &work, true
}

func (c *Coordinator) process(ctx context.Context, run *BatchRun, job *queue.Job) {
	ctx = services.WithJobID(ctx, job.ID)
	logger := logging.WithContext(ctx, c.logger)

	if err := job.Transition(queue.StatusRunning); err != nil {
		panic(fmt.Sprintf("dequeued job %s: %v", job.ID, err))
	}
	c.commit(ctx, run, job, nil)
	c.hub.Publish(events.Event{
		BatchID: run.ID,
		JobID:   job.ID,
		Kind:    events.KindJobStarted,
		Payload: events.Payload{
			Status:     string(job.Status),
			SourcePath: job.SourcePath,
			Label:      job.Label(),
		},
	})
	logger.Info("job started",
		logging.String("source", job.SourcePath),
		logging.String(logging.FieldEventType, "job_started"),
	)
	started := time.Now()

	var interrupt func() bool
	if c.cfg != nil && c.cfg.Workflow.CancelBetweenPhases {
		interrupt = c.stop.Load
	}
	runErr := c.pipeline.Run(ctx, run.ID, job, interrupt)

	var failure *PhaseFailure
	switch {
	case runErr == nil:
		_ = job.Transition(queue.StatusCompleted)
		c.commit(ctx, run, job, func(r *BatchRun) { r.Succeeded++ })
		c.publishJob(run.ID, job, events.KindJobCompleted, events.Payload{})
		logger.Info("job completed",
			logging.Duration("elapsed", time.Since(started)),
			logging.String(logging.FieldEventType, "job_completed"),
		)
	case errors.Is(runErr, ErrInterrupted):
		_ = job.Cancel(reasonInterrupted)
		c.commit(ctx, run, job, func(r *BatchRun) { r.Interrupted++ })
		c.publishJob(run.ID, job, events.KindJobCompleted, events.Payload{State: events.StateInterrupted})
		logger.Info("job interrupted between phases",
			logging.Int("completed_phases", len(job.Results)),
			logging.String(logging.FieldEventType, "job_interrupted"),
		)
	default:
		jobErr := queue.JobError{Message: runErr.Error(), Kind: services.Classify(runErr)}
		if errors.As(runErr, &failure) {
			jobErr.Phase = failure.Phase.String()
			if failure.Cause != nil {
				jobErr.Message = failure.Cause.Error()
			}
		}
		_ = job.Fail(jobErr)
		c.commit(ctx, run, job, func(r *BatchRun) { r.Failed++ })
		c.publishJob(run.ID, job, events.KindJobFailed, events.Payload{
			Phase:     jobErr.Phase,
			Error:     jobErr.Message,
			ErrorKind: jobErr.Kind,
		})
		logging.ErrorWithContext(logger, "job failed", "job_failed",
			logging.String(logging.FieldPhase, jobErr.Phase),
			logging.String("error_kind", jobErr.Kind),
			logging.Error(runErr),
			logging.Duration("elapsed", time.Since(started)),
			logging.String(logging.FieldImpact, "batch continues with the next job"),
		)
	}
}

// commit publishes the worker's copy of job into the registry and applies
// count to run under the coordinator lock. Terminal jobs clear the
// current job id.
func (c *Coordinator) commit(ctx context.Context, run *BatchRun, job *queue.Job, count func(*BatchRun)) {
	snapshot := job.Snapshot()
	c.mu.Lock()
	if slot, ok := c.jobs[job.ID]; ok {
		*slot = snapshot
	}
	if snapshot.Status.IsTerminal() {
		c.current = ""
	}
	if count != nil {
		count(run)
	}
	c.mu.Unlock()
	c.saveJob(ctx, snapshot)
}

func (c *Coordinator) failInFlight(ctx context.Context, run *BatchRun, job *queue.Job, cause error) {
	if job.Status.IsTerminal() {
		return
	}
	if job.Status == queue.StatusQueued {
		_ = job.Transition(queue.StatusRunning)
	}
	_ = job.Fail(queue.JobError{Message: cause.Error(), Kind: services.Classify(cause)})
	c.commit(ctx, run, job, func(r *BatchRun) { r.Failed++ })
	c.publishJob(run.ID, job, events.KindJobFailed, events.Payload{Error: cause.Error()})
}

// skipRemaining cancels every queued job and deactivates the batch.
func (c *Coordinator) skipRemaining(ctx context.Context, logger *slog.Logger, run *BatchRun) {
	c.mu.Lock()
	drained := c.queue.Drain()
	snapshots := make([]queue.Job, 0, len(drained))
	for _, job := range drained {
		if err := job.Cancel(reasonBatchStopped); err != nil {
			continue
		}
		run.Skipped++
		snapshots = append(snapshots, job.Snapshot())
	}
	c.deactivateLocked(run)
	c.mu.Unlock()

	for _, job := range snapshots {
		c.saveJob(ctx, job)
	}
	logger.Info("batch stopped",
		logging.Int("skipped", len(snapshots)),
		logging.String(logging.FieldEventType, "batch_stopped"),
	)
}

// deactivateLocked closes run. Callers hold c.mu.
func (c *Coordinator) deactivateLocked(run *BatchRun) {
	if !run.Active {
		return
	}
	run.Active = false
	run.CompletedAt = time.Now().UTC()
	if c.active == run {
		c.active = nil
	}
	c.current = ""
	final := *run
	c.last = &final
}

func (c *Coordinator) finishBatch(ctx context.Context, logger *slog.Logger, run *BatchRun, runErr error) {
	c.mu.Lock()
	if runErr != nil {
		run.Error = runErr.Error()
	}
	c.deactivateLocked(run)
	final := *run
	if c.last == nil || c.last.ID == run.ID {
		c.last = &final
	}
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.SaveBatch(context.WithoutCancel(ctx), final.Record()); err != nil {
			logging.WarnWithContext(logger, "failed to persist batch summary", "batch_persist_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the history database"),
			)
		}
	}
	c.publishBatch(events.KindBatchCompleted, final)

	attrs := []logging.Attr{
		logging.Int("total_submitted", final.TotalSubmitted),
		logging.Int("succeeded", final.Succeeded),
		logging.Int("failed", final.Failed),
		logging.Int("skipped", final.Skipped),
		logging.Int("interrupted", final.Interrupted),
		logging.Duration("elapsed", final.CompletedAt.Sub(final.StartedAt)),
		logging.String(logging.FieldEventType, "batch_completed"),
	}
	if runErr != nil {
		attrs = append(attrs, logging.Error(runErr))
		logging.ErrorWithContext(logger, "batch ended by worker failure", "batch_failed", attrs...)
		return
	}
	logger.Info("batch completed", logging.Args(attrs...)...)
}

func (c *Coordinator) batchSnapshot(run *BatchRun) BatchRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *run
}

func (c *Coordinator) publishBatch(kind events.Kind, run BatchRun) {
	c.hub.Publish(events.Event{
		BatchID: run.ID,
		Kind:    kind,
		Payload: events.Payload{Summary: run.Summary()},
	})
}

func (c *Coordinator) publishJob(batchID string, job *queue.Job, kind events.Kind, payload events.Payload) {
	payload.Status = string(job.Status)
	payload.SourcePath = job.SourcePath
	payload.Label = job.Label()
	c.hub.Publish(events.Event{
		BatchID: batchID,
		JobID:   job.ID,
		Kind:    kind,
		Payload: payload,
	})
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stemflow/internal/config"
	"stemflow/internal/events"
	"stemflow/internal/logging"
	"stemflow/internal/queue"
	"stemflow/internal/services"
	"stemflow/internal/stage"
)

// Pipeline advances one job through the fixed phase sequence.
type Pipeline struct {
	collab   stage.Collaborators
	timeouts map[stage.Phase]time.Duration
	hub      *events.Hub
	logger   *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPhaseTimeout overrides the bound for one phase. A zero duration
// disables the bound.
func WithPhaseTimeout(phase stage.Phase, d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.timeouts[phase] = d
	}
}

// NewPipeline validates the collaborators and reads per-phase timeouts from cfg.
func NewPipeline(cfg *config.Config, collab stage.Collaborators, hub *events.Hub, logger *slog.Logger, opts ...PipelineOption) (*Pipeline, error) {
	if err := collab.Validate(); err != nil {
		return nil, fmt.Errorf("configure pipeline: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pipeline{
		collab:   collab,
		timeouts: make(map[stage.Phase]time.Duration, len(stage.Phases())),
		hub:      hub,
		logger:   logging.NewComponentLogger(logger, "pipeline"),
	}
	for _, phase := range stage.Phases() {
		if cfg != nil {
			p.timeouts[phase] = cfg.PhaseTimeout(phase.String())
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Collaborators exposes the configured collaborators (for health checks).
func (p *Pipeline) Collaborators() stage.Collaborators { return p.collab }

// Run executes every phase in order against job, which the caller owns for
// the duration of the call. interrupt, when non-nil, is consulted between
// phases; a true result stops the job with ErrInterrupted. A collaborator
// error stops the job with a *PhaseFailure and leaves earlier results intact.
func (p *Pipeline) Run(ctx context.Context, batchID string, job *queue.Job, interrupt func() bool) error {
	var results stage.Results
	for idx, phase := range stage.Phases() {
		if idx > 0 && interrupt != nil && interrupt() {
			return ErrInterrupted
		}
		if err := p.runPhase(ctx, batchID, job, phase, &results); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runPhase(ctx context.Context, batchID string, job *queue.Job, phase stage.Phase, results *stage.Results) error {
	ctx = services.WithPhase(ctx, phase.String())
	logger := logging.WithContext(ctx, p.logger)
	p.progress(batchID, job.ID, phase, events.StateStarted)
	started := time.Now()

	payload, skipped, err := p.dispatch(ctx, logger, job, phase, results)
	if err != nil {
		attrs := []logging.Attr{
			logging.Error(err),
			logging.String(logging.FieldEventType, "phase_failed"),
			logging.String("error_kind", services.Classify(err)),
			logging.Duration("elapsed", time.Since(started)),
		}
		logger.Warn("phase failed", logging.Args(attrs...)...)
		return &PhaseFailure{Phase: phase, Cause: err}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return &PhaseFailure{Phase: phase, Cause: services.Wrap(services.ErrValidation, phase.String(), "encode result", "", err)}
	}
	if err := job.SetResult(phase.String(), raw); err != nil {
		return &PhaseFailure{Phase: phase, Cause: err}
	}

	state := events.StateCompleted
	if skipped {
		state = events.StateSkipped
	}
	logger.Info("phase "+state,
		logging.String(logging.FieldEventType, "phase_"+state),
		logging.Duration("elapsed", time.Since(started)),
	)
	p.progress(batchID, job.ID, phase, state)
	return nil
}

// dispatch calls the collaborator for phase and stores the typed payload in
// results. Nothing is written to results on error.
func (p *Pipeline) dispatch(ctx context.Context, logger *slog.Logger, job *queue.Job, phase stage.Phase, results *stage.Results) (any, bool, error) {
	phaseCtx, cancel := p.phaseContext(ctx, phase)
	defer cancel()
	view := job.Snapshot()

	var (
		payload any
		err     error
	)
	switch phase {
	case stage.PhaseAcquire:
		if job.Flag(queue.MetaSkipAcquire) {
			if !job.IsRemote() {
				res := stage.AcquireResult{LocalPath: job.SourcePath, Source: job.SourcePath, Skipped: true}
				results.Acquire = &res
				return res, true, nil
			}
			logging.WarnWithContext(logger, "skip_acquire ignored for remote source", "skip_acquire_ignored",
				logging.String("source", job.SourcePath),
				logging.String(logging.FieldImpact, "source is downloaded before analysis"),
			)
		}
		var res stage.AcquireResult
		if res, err = p.collab.Acquirer.Acquire(phaseCtx, view); err == nil {
			results.Acquire = &res
			payload = res
		}
	case stage.PhaseArrange:
		var res stage.Arrangement
		if res, err = p.collab.Arranger.Arrange(phaseCtx, view, results.AudioPath()); err == nil {
			results.Arrangement = &res
			payload = res
		}
	case stage.PhaseSeparate:
		if job.Flag(queue.MetaSkipSeparation) {
			res := stage.Stems{Files: map[string]string{stage.MixStem: results.AudioPath()}, Skipped: true}
			results.Stems = &res
			return res, true, nil
		}
		var res stage.Stems
		if res, err = p.collab.Separator.Separate(phaseCtx, view, results.AudioPath()); err == nil {
			results.Stems = &res
			payload = res
		}
	case stage.PhaseAnalyze:
		var res stage.Performance
		if res, err = p.collab.Analyzer.Analyze(phaseCtx, view, *results.Stems, *results.Arrangement); err == nil {
			results.Performance = &res
			payload = res
		}
	case stage.PhasePostprocess:
		var res stage.Summary
		if res, err = p.collab.Postprocessor.Postprocess(phaseCtx, view, *results); err == nil {
			results.Summary = &res
			payload = res
		}
	case stage.PhaseExport:
		var res stage.ExportResult
		if res, err = p.collab.Exporter.Export(phaseCtx, view, *results); err == nil {
			payload = res
		}
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}
	if err != nil {
		return nil, false, p.timeoutCause(phaseCtx, phase, err)
	}
	return payload, false, nil
}

func (p *Pipeline) phaseContext(ctx context.Context, phase stage.Phase) (context.Context, context.CancelFunc) {
	if d := p.timeouts[phase]; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// timeoutCause tags err as a timeout when the phase deadline expired.
func (p *Pipeline) timeoutCause(phaseCtx context.Context, phase stage.Phase, err error) error {
	if errors.Is(err, services.ErrTimeout) || !errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
		return err
	}
	return services.Wrap(services.ErrTimeout, phase.String(), "call collaborator",
		fmt.Sprintf("exceeded %s", p.timeouts[phase]), err)
}

func (p *Pipeline) progress(batchID, jobID string, phase stage.Phase, state string) {
	p.hub.Publish(events.Event{
		BatchID: batchID,
		JobID:   jobID,
		Kind:    events.KindJobProgress,
		Payload: events.Payload{
			Phase:      phase.String(),
			PhaseIndex: phase.Index(),
			State:      state,
		},
	})
}

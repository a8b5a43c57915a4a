package workflow_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stemflow/internal/events"
	"stemflow/internal/queue"
	"stemflow/internal/stage"
	"stemflow/internal/testsupport"
	"stemflow/internal/workflow"
)

func TestJobsStartInSubmissionOrder(t *testing.T) {
	h := newHarness(t, harnessOption{})
	names := []string{"d.wav", "a.wav", "c.wav", "b.wav"}
	for _, name := range names {
		h.enqueue(t, name, nil)
	}

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	evts := h.waitBatch(t)

	var started []string
	for _, evt := range ofKind(evts, events.KindJobStarted) {
		started = append(started, evt.Payload.Label)
	}
	assert.Equal(t, names, started)
	assert.Equal(t, names, h.collab.called(stage.PhaseAcquire))

	var completed []string
	for _, evt := range ofKind(evts, events.KindJobCompleted) {
		completed = append(completed, evt.Payload.Label)
	}
	assert.Equal(t, names, completed)
}

func TestEnqueueVisibleBeforeProcessing(t *testing.T) {
	h := newHarness(t, harnessOption{})
	job := h.enqueue(t, "a.wav", map[string]string{"label": "Take 1"})

	assert.Equal(t, queue.StatusQueued, job.Status)
	got, ok := h.coord.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, "Take 1", got.Label())
	require.Len(t, h.coord.Jobs(), 1)
	assert.Equal(t, workflow.Status{QueueSize: 1}, h.coord.Status())
}

func TestStartPreconditions(t *testing.T) {
	h := newHarness(t, harnessOption{})
	_, err := h.coord.Start(context.Background())
	require.ErrorIs(t, err, workflow.ErrEmptyQueue)

	g := newGate()
	h.collab.hook = g.hook("a.wav", stage.PhaseArrange)
	h.enqueue(t, "a.wav", nil)
	h.enqueue(t, "b.wav", nil)

	run, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, run.Active)
	assert.Equal(t, 2, run.TotalSubmitted)
	jobID := g.waitEntered(t)

	status := h.coord.Status()
	assert.True(t, status.Active)
	assert.Equal(t, run.ID, status.BatchID)
	assert.Equal(t, jobID, status.CurrentJobID)
	assert.Equal(t, 1, status.QueueSize)

	for i := 0; i < 3; i++ {
		_, err = h.coord.Start(context.Background())
		require.ErrorIs(t, err, workflow.ErrAlreadyRunning)
	}

	close(g.release)
	evts := h.waitBatch(t)
	assert.Len(t, ofKind(evts, events.KindBatchStarted), 1)
	assert.Equal(t, 2, finalSummary(t, evts).Succeeded)
	assert.False(t, h.coord.Status().Active)
}

func TestFailedJobDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.collab.hook = failFor("job3.wav", stage.PhaseArrange)
	names := []string{"job1.wav", "job2.wav", "job3.wav", "job4.wav", "job5.wav"}
	for _, name := range names {
		h.enqueue(t, name, nil)
	}

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	summary := finalSummary(t, h.waitBatch(t))

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, len(names)-1, summary.Succeeded)
	assert.Equal(t, 0, summary.Skipped)
	assert.False(t, summary.Active)
	for _, job := range h.coord.Jobs() {
		assert.True(t, job.Status.IsTerminal(), "job %s not terminal", job.Label())
	}
}

func TestProgressIsMonotonicPerJob(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.collab.hook = failFor("b.wav", stage.PhaseAnalyze)
	for _, name := range []string{"a.wav", "b.wav", "c.wav"} {
		h.enqueue(t, name, map[string]string{queue.MetaSkipSeparation: "true"})
	}

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	evts := h.waitBatch(t)

	lastIndex := map[string]int{}
	lastCompleted := map[string]int{}
	lastSeq := uint64(0)
	for _, evt := range evts {
		require.Greater(t, evt.Sequence, lastSeq)
		lastSeq = evt.Sequence
		if evt.Kind != events.KindJobProgress {
			continue
		}
		prev, seen := lastIndex[evt.JobID]
		if seen {
			require.GreaterOrEqual(t, evt.Payload.PhaseIndex, prev, "phase went backwards for %s", evt.JobID)
		}
		lastIndex[evt.JobID] = evt.Payload.PhaseIndex
		if evt.Payload.State != events.StateStarted {
			if done, ok := lastCompleted[evt.JobID]; ok {
				require.Greater(t, evt.Payload.PhaseIndex, done)
			}
			lastCompleted[evt.JobID] = evt.Payload.PhaseIndex
		}
	}
	assert.Len(t, lastIndex, 3)
}

func TestStopCancelsQueuedJobs(t *testing.T) {
	h := newHarness(t, harnessOption{})
	g := newGate()
	h.collab.hook = g.hook("first.wav", stage.PhaseArrange)
	first := h.enqueue(t, "first.wav", nil)
	var rest []queue.Job
	for _, name := range []string{"r1.wav", "r2.wav", "r3.wav"} {
		rest = append(rest, h.enqueue(t, name, nil))
	}

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	g.waitEntered(t)
	h.coord.Stop()
	h.coord.Stop()
	close(g.release)

	evts := h.waitBatch(t)
	summary := finalSummary(t, evts)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, len(rest), summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Interrupted)

	got, _ := h.coord.Job(first.ID)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.Equal(t, allPhases(), resultKeys(got))
	for _, job := range rest {
		got, _ := h.coord.Job(job.ID)
		assert.Equal(t, queue.StatusCancelled, got.Status)
		assert.Equal(t, "batch stopped", got.CancelReason)
		assert.Empty(t, got.Results)
	}
	assert.Len(t, ofKind(evts, events.KindJobStarted), 1)
	assert.Zero(t, h.coord.Status().QueueSize)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.coord.Stop()
	h.enqueue(t, "a.wav", nil)

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	summary := finalSummary(t, h.waitBatch(t))
	assert.Equal(t, 1, summary.Succeeded)
	assert.Zero(t, summary.Skipped)
}

func TestCancelBetweenPhasesInterruptsInFlightJob(t *testing.T) {
	h := newHarness(t, harnessOption{cfgOpts: []testsupport.ConfigOption{testsupport.WithCancelBetweenPhases(true)}})
	g := newGate()
	h.collab.hook = g.hook("first.wav", stage.PhaseArrange)
	first := h.enqueue(t, "first.wav", nil)
	h.enqueue(t, "second.wav", nil)

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	g.waitEntered(t)
	h.coord.Stop()
	close(g.release)

	evts := h.waitBatch(t)
	summary := finalSummary(t, evts)
	assert.Equal(t, 1, summary.Interrupted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Succeeded)

	completed := ofKind(evts, events.KindJobCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].JobID)
	assert.Equal(t, events.StateInterrupted, completed[0].Payload.State)
	assert.Equal(t, string(queue.StatusCancelled), completed[0].Payload.Status)

	got, _ := h.coord.Job(first.ID)
	assert.Equal(t, queue.StatusCancelled, got.Status)
	assert.Equal(t, []string{"Acquire", "Arrange"}, resultKeys(got))
	assert.Nil(t, got.Error)
	assert.Empty(t, h.collab.called(stage.PhaseSeparate))
}

func TestFailedPhaseKeepsOnlyEarlierResults(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.collab.hook = func(_ context.Context, p stage.Phase, _ queue.Job) error {
		if p == stage.PhaseAnalyze {
			return errors.New("analysis service unavailable")
		}
		return nil
	}
	job := h.enqueue(t, "a.wav", nil)

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	evts := h.waitBatch(t)

	got, _ := h.coord.Job(job.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, []string{"Acquire", "Arrange", "Separate"}, resultKeys(got))
	require.NotNil(t, got.Error)
	assert.Equal(t, "Analyze", got.Error.Phase)
	assert.Contains(t, got.Error.Message, "analysis service unavailable")
	assert.Empty(t, h.collab.called(stage.PhasePostprocess))

	failed := ofKind(evts, events.KindJobFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "Analyze", failed[0].Payload.Phase)
	assert.Equal(t, string(queue.StatusFailed), failed[0].Payload.Status)
}

func TestThreeJobScenarioWithSeparateFailure(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.collab.hook = failFor("B.wav", stage.PhaseSeparate)
	a := h.enqueue(t, "A.wav", nil)
	b := h.enqueue(t, "B.wav", nil)
	c := h.enqueue(t, "C.wav", nil)

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	summary := finalSummary(t, h.waitBatch(t))

	assert.Equal(t, 3, summary.TotalSubmitted)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)

	for _, id := range []string{a.ID, c.ID} {
		got, _ := h.coord.Job(id)
		assert.Equal(t, queue.StatusCompleted, got.Status)
		assert.Equal(t, allPhases(), resultKeys(got))
	}
	got, _ := h.coord.Job(b.ID)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, []string{"Acquire", "Arrange"}, resultKeys(got))
	require.NotNil(t, got.Error)
	assert.Equal(t, "Separate", got.Error.Phase)
	assert.Equal(t, "external_tool", got.Error.Kind)
}

func TestStopImmediatelyAfterStart(t *testing.T) {
	h := newHarness(t, harnessOption{})
	for _, name := range []string{"1.wav", "2.wav", "3.wav", "4.wav", "5.wav"} {
		h.enqueue(t, name, nil)
	}

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	h.coord.Stop()
	evts := h.waitBatch(t)
	summary := finalSummary(t, evts)

	dequeued := len(ofKind(evts, events.KindJobStarted))
	assert.Equal(t, dequeued, summary.Succeeded)
	assert.Equal(t, 5-dequeued, summary.Skipped)
	cancelled := 0
	for _, job := range h.coord.Jobs() {
		switch job.Status {
		case queue.StatusCancelled:
			cancelled++
		case queue.StatusCompleted:
			assert.Equal(t, allPhases(), resultKeys(job))
		default:
			t.Fatalf("unexpected status %s for %s", job.Status, job.Label())
		}
	}
	assert.Equal(t, summary.Skipped, cancelled)
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	h := newHarness(t, harnessOption{})
	src := testsupport.AudioFile(t, h.srcDir, "dup.wav", 512)
	out := filepath.Join(h.outDir, "dup")

	_, err := h.coord.Enqueue(context.Background(), src, out, nil)
	require.NoError(t, err)
	_, err = h.coord.Enqueue(context.Background(), src, out, nil)
	require.ErrorIs(t, err, workflow.ErrDuplicateJob)
	require.ErrorIs(t, err, workflow.ErrInvalidJob)

	_, err = h.coord.Enqueue(context.Background(), src, out+"-alt", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, h.coord.Status().QueueSize)
}

func TestInvalidSubmissions(t *testing.T) {
	h := newHarness(t, harnessOption{})
	src := testsupport.AudioFile(t, h.srcDir, "ok.wav", 16)
	cases := map[string][2]string{
		"missing source":   {filepath.Join(h.srcDir, "absent.wav"), h.outDir},
		"empty source":     {"", h.outDir},
		"empty output":     {src, "  "},
		"directory":        {h.srcDir, h.outDir},
		"url without host": {"https:///song.wav", h.outDir},
		"s3 without key":   {"s3://bucket", h.outDir},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.coord.Enqueue(context.Background(), tc[0], tc[1], nil)
			require.ErrorIs(t, err, workflow.ErrInvalidJob)
		})
	}
	assert.Empty(t, h.coord.Jobs())

	_, err := h.coord.Enqueue(context.Background(), "s3://bucket/takes/a.wav", h.outDir, nil)
	require.NoError(t, err)
}

func TestPhaseTimeoutFailsOnlyThatJob(t *testing.T) {
	h := newHarness(t, harnessOption{
		pipelineOpts: []workflow.PipelineOption{workflow.WithPhaseTimeout(stage.PhaseSeparate, 30*time.Millisecond)},
	})
	h.collab.hook = func(ctx context.Context, p stage.Phase, job queue.Job) error {
		if p == stage.PhaseSeparate && job.Label() == "slow.wav" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	slow := h.enqueue(t, "slow.wav", nil)
	h.enqueue(t, "fast.wav", nil)

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	evts := h.waitBatch(t)
	summary := finalSummary(t, evts)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)

	got, _ := h.coord.Job(slow.ID)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Separate", got.Error.Phase)
	assert.Equal(t, "timeout", got.Error.Kind)

	failed := ofKind(evts, events.KindJobFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "timeout", failed[0].Payload.ErrorKind)
}

func TestSkipFlags(t *testing.T) {
	h := newHarness(t, harnessOption{})
	job := h.enqueue(t, "mix.wav", map[string]string{
		queue.MetaSkipAcquire:    "true",
		queue.MetaSkipSeparation: "yes",
	})

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	evts := h.waitBatch(t)
	require.Equal(t, 1, finalSummary(t, evts).Succeeded)

	assert.Empty(t, h.collab.called(stage.PhaseAcquire))
	assert.Empty(t, h.collab.called(stage.PhaseSeparate))
	assert.Equal(t, map[string]string{stage.MixStem: job.SourcePath}, h.collab.lastStems.Files)

	got, _ := h.coord.Job(job.ID)
	results, err := stage.DecodeResults(got.Results)
	require.NoError(t, err)
	require.NotNil(t, results.Acquire)
	assert.True(t, results.Acquire.Skipped)
	assert.Equal(t, job.SourcePath, results.Acquire.LocalPath)
	require.NotNil(t, results.Stems)
	assert.True(t, results.Stems.Skipped)

	var skipped []string
	for _, evt := range ofKind(evts, events.KindJobProgress) {
		if evt.Payload.State == events.StateSkipped {
			skipped = append(skipped, evt.Payload.Phase)
		}
	}
	assert.Equal(t, []string{"Acquire", "Separate"}, skipped)
}

func TestSkipAcquireIgnoredForRemoteSource(t *testing.T) {
	h := newHarness(t, harnessOption{})
	_, err := h.coord.Enqueue(context.Background(), "https://media.example/take.wav", h.outDir,
		map[string]string{queue.MetaSkipAcquire: "true"})
	require.NoError(t, err)

	_, err = h.coord.Start(context.Background())
	require.NoError(t, err)
	h.waitBatch(t)
	assert.Equal(t, []string{"take.wav"}, h.collab.called(stage.PhaseAcquire))
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := newHarness(t, harnessOption{})
	slow := h.coord.Subscribe(1)
	for _, name := range []string{"a.wav", "b.wav"} {
		h.enqueue(t, name, nil)
	}

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	summary := finalSummary(t, h.waitBatch(t))
	assert.Equal(t, 2, summary.Succeeded)

	assert.True(t, slow.Dropped())
	count := 0
	for range slow.Events() {
		count++
	}
	assert.Equal(t, 1, count)
	assert.False(t, h.sub.Dropped())
}

func TestLateJoinCountsTowardTotal(t *testing.T) {
	h := newHarness(t, harnessOption{})
	g := newGate()
	h.collab.hook = g.hook("early.wav", stage.PhaseArrange)
	h.enqueue(t, "early.wav", nil)

	run, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.TotalSubmitted)
	g.waitEntered(t)
	late := h.enqueue(t, "late.wav", nil)
	current, ok := h.coord.LastBatch()
	require.True(t, ok)
	assert.Equal(t, 2, current.TotalSubmitted)
	close(g.release)

	summary := finalSummary(t, h.waitBatch(t))
	assert.Equal(t, 2, summary.TotalSubmitted)
	assert.Equal(t, 2, summary.Succeeded)
	got, _ := h.coord.Job(late.ID)
	assert.Equal(t, run.ID, got.BatchID)
}

func TestRemoveQueuedJob(t *testing.T) {
	h := newHarness(t, harnessOption{})
	job := h.enqueue(t, "a.wav", nil)
	keep := h.enqueue(t, "b.wav", nil)

	removed, err := h.coord.Remove(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, removed.Status)
	assert.Equal(t, "removed", removed.CancelReason)

	_, err = h.coord.Remove(context.Background(), job.ID)
	require.ErrorIs(t, err, workflow.ErrJobNotQueued)
	_, err = h.coord.Remove(context.Background(), "missing")
	require.ErrorIs(t, err, workflow.ErrNotFound)

	queued := h.coord.Queued()
	require.Len(t, queued, 1)
	assert.Equal(t, keep.ID, queued[0].ID)
}

type failingRecorder struct{}

func (failingRecorder) SaveJob(context.Context, queue.Job) error { return nil }
func (failingRecorder) SaveBatch(context.Context, queue.BatchRecord) error {
	return errors.New("disk full")
}

func TestBookkeepingFailureEndsBatchWithError(t *testing.T) {
	h := newHarness(t, harnessOption{coordOpts: []workflow.CoordinatorOption{workflow.WithRecorder(failingRecorder{})}})
	job := h.enqueue(t, "a.wav", nil)

	_, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	summary := finalSummary(t, h.waitBatch(t))
	assert.False(t, summary.Active)
	assert.Contains(t, summary.Error, "disk full")
	assert.False(t, h.coord.Status().Active)

	got, _ := h.coord.Job(job.ID)
	assert.Equal(t, queue.StatusQueued, got.Status)
	last, ok := h.coord.LastBatch()
	require.True(t, ok)
	assert.NotEmpty(t, last.Error)
}

func TestRecorderPersistsHistory(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	h := newHarness(t, harnessOption{coordOpts: []workflow.CoordinatorOption{workflow.WithRecorder(store)}})
	h.collab.hook = failFor("bad.wav", stage.PhaseArrange)
	good := h.enqueue(t, "good.wav", nil)
	bad := h.enqueue(t, "bad.wav", nil)

	run, err := h.coord.Start(context.Background())
	require.NoError(t, err)
	h.waitBatch(t)

	stored, err := store.GetJob(context.Background(), good.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, queue.StatusCompleted, stored.Status)
	assert.Len(t, stored.Results, len(stage.Phases()))

	stored, err = store.GetJob(context.Background(), bad.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "Arrange", stored.Error.Phase)

	batches, err := store.ListBatches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, run.ID, batches[0].ID)
	assert.Equal(t, 1, batches[0].Succeeded)
	assert.Equal(t, 1, batches[0].Failed)
	assert.False(t, batches[0].Active)
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	h := newHarness(t, harnessOption{})
	src := testsupport.AudioFile(t, h.srcDir, "a.wav", 64)
	require.NoError(t, h.coord.Close(context.Background()))

	_, err := h.coord.Enqueue(context.Background(), src, h.outDir, nil)
	require.ErrorIs(t, err, workflow.ErrClosed)
	_, err = h.coord.Start(context.Background())
	require.ErrorIs(t, err, workflow.ErrClosed)
	require.NoError(t, h.coord.Wait(context.Background()))
}

func TestJobSnapshotsAreCopies(t *testing.T) {
	h := newHarness(t, harnessOption{})
	job := h.enqueue(t, "a.wav", map[string]string{"label": "orig"})

	snap, _ := h.coord.Job(job.ID)
	snap.Metadata["label"] = "mutated"
	again, _ := h.coord.Job(job.ID)
	assert.Equal(t, "orig", again.Metadata["label"])
}

// Package workflow runs batches of jobs through the phase pipeline.
//
// The Coordinator owns the pending JobQueue and the single active BatchRun.
// Callers enqueue jobs, start a batch, and observe it through the event hub
// or by polling Status. Start spawns one worker goroutine that drains the
// queue in FIFO order, handing each job to the Pipeline, which calls the
// phase collaborators (Acquire, Arrange, Separate, Analyze, Postprocess,
// Export) in order under a per-phase timeout.
//
// A failing job never aborts the batch. Stop is cooperative: the worker
// checks a flag before each dequeue and, when workflow.cancel_between_phases
// is enabled, between phases. Jobs still queued when the stop is observed are
// cancelled and counted as skipped.
package workflow

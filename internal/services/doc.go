// Package services defines shared utilities consumed by the pipeline phases
// and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, batch IDs, phase names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that let the workflow
//     classify phase failures (timeouts, tool errors, bad input).
//
// Collaborator implementations live in the subpackages (acquire, audiotool,
// objectstore). Use these helpers when wiring new phase logic so operational
// behaviour stays uniform across the pipeline.
package services

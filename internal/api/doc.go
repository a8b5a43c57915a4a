// Package api defines wire-format types and converters for the daemon's HTTP
// API, plus the HTTP client the CLI uses to talk to it. It translates
// internal queue, workflow and logging models into transport-friendly DTOs
// so consumers can render them without coupling to internal types.
//
// # Key Types
//
// Job: transport representation of a job snapshot with its completed phases,
// raw phase results and failure details.
//
// BatchStatus / Batch: the cheap coordinator status and the persisted batch
// history row.
//
// EventsResponse / LogStreamResponse: cursor-based pages for long-polling
// progress events and daemon logs.
//
// HealthResponse: collaborator readiness, disk space, sink counters and
// database diagnostics.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Timestamps use RFC3339 with milliseconds and
// are omitted when unset. Phase results are passed through as
// json.RawMessage to avoid double-encoding.
package api

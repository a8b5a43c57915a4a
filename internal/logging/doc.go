// Package logging builds the slog loggers used by the daemon and CLI.
//
// Console output uses a compact key=value handler; the per-run log file is
// JSON. Both are fanned out with slog-multi, and every record can be mirrored
// into a StreamHub so the HTTP API can serve recent log lines to `stemflow
// logs`. Helpers in attrs.go and context.go keep field names (job_id, phase,
// event_type) consistent across packages.
package logging

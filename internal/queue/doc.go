// Package queue holds the job model, the in-memory FIFO the coordinator
// drains, and the SQLite store that keeps job and batch history across
// daemon restarts.
//
// JobQueue is the only structure the worker and the submission path share.
// It is safe for concurrent use and never hands out live references to its
// contents through Snapshot. The Store is a history log rather than the
// source of truth for pending work: on startup, jobs that were Queued or
// Running when the previous daemon exited are marked Cancelled.
//
// Schema changes bump schemaVersion (stored as PRAGMA user_version) in
// schema.go; users delete the database to adopt the new layout.
package queue

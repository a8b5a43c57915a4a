// Package daemon coordinates the long-running stemflow process.
//
// It wires configuration, the history store, the batch coordinator and the
// HTTP API into a single lifecycle with flock-based locking to prevent
// multiple instances. On start it closes out jobs and batches a previous
// process left unfinished; on stop it lets the in-flight job settle before
// releasing the lock.
//
// Keep orchestration logic here: phase execution lives in internal/workflow
// and the collaborators in internal/services, while the daemon focuses on
// startup, shutdown, and the API surface.
package daemon

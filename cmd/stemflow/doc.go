// Package main hosts the stemflow CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground and translates
// every other invocation into HTTP calls against its API: job submission,
// batch control, progress watching, log tailing, and health reporting.
// Configuration resolution and API client construction live in the shared
// command context so subcommands only deal with presentation.
package main

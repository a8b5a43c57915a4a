// Package notifications posts batch and job alerts to ntfy.
//
// The Service formats individual messages; Sink adapts it to the event hub
// so batch start, batch completion and job failures are pushed as they
// happen. When no topic is configured a no-op service is used.
package notifications

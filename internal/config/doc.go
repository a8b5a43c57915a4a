// Package config loads, normalizes, and validates stemflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// STEMFLOW_API_TOKEN and AWS_REGION. The Config type centralizes every knob the
// daemon and CLI need: per-phase collaborator timeouts, the external analysis
// commands, broker sinks, and object storage.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config

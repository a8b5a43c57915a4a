// Package acquire implements the Acquire phase: it copies local sources into
// the job's acquire/ directory with integrity verification, or downloads
// http(s) and s3:// references into the same place.
package acquire

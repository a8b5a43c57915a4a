package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RetentionTarget selects files in Dir matching Pattern for pruning. Files
// listed in Exclude always survive, as do the KeepLatest newest matches.
type RetentionTarget struct {
	Dir        string
	Pattern    string
	Exclude    []string
	KeepLatest int
}

type retentionCandidate struct {
	path    string
	modTime time.Time
}

// CleanupOldLogs removes run logs older than retentionDays and returns how
// many were deleted. A retentionDays value of 0 disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, targets ...RetentionTarget) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	removed := 0
	for _, target := range targets {
		for _, candidate := range target.expired(cutoff) {
			if err := os.Remove(candidate.path); err != nil {
				WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
					String("path", candidate.path),
					Error(err),
					String(FieldErrorHint, "check permissions on paths.log_dir"),
					String(FieldImpact, "old log file remains on disk"),
				)
				continue
			}
			removed++
			if logger != nil {
				logger.Debug("old run log removed",
					String("path", candidate.path),
					String("age", time.Since(candidate.modTime).Round(time.Hour).String()),
					String(FieldEventType, "log_retention_pruned"),
				)
			}
		}
	}
	if removed > 0 && logger != nil {
		logger.Info("log retention pruned run logs",
			Int("removed", removed),
			Int("retention_days", retentionDays),
			String(FieldEventType, "log_retention_summary"),
		)
	}
	return removed
}

// expired lists matching files older than cutoff, newest first, after the
// exclusions and the KeepLatest allowance are applied.
func (t RetentionTarget) expired(cutoff time.Time) []retentionCandidate {
	dir := strings.TrimSpace(t.Dir)
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	skip := make(map[string]bool, len(t.Exclude))
	for _, path := range t.Exclude {
		if abs, err := filepath.Abs(strings.TrimSpace(path)); err == nil && strings.TrimSpace(path) != "" {
			skip[abs] = true
		}
	}
	pattern := strings.TrimSpace(t.Pattern)

	var matches []retentionCandidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if pattern != "" {
			if ok, err := filepath.Match(pattern, entry.Name()); err != nil || !ok {
				continue
			}
		}
		path, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil || skip[path] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		matches = append(matches, retentionCandidate{path: path, modTime: info.ModTime()})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].modTime.After(matches[j].modTime) })
	if t.KeepLatest > 0 {
		if t.KeepLatest >= len(matches) {
			return nil
		}
		matches = matches[t.KeepLatest:]
	}
	out := matches[:0]
	for _, candidate := range matches {
		if candidate.modTime.Before(cutoff) {
			out = append(out, candidate)
		}
	}
	return out
}

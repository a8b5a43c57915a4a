package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"stemflow/internal/config"
)

// Store persists job and batch history in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// BatchRecord is the persisted form of one batch run.
type BatchRecord struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt,omitzero"`
	TotalSubmitted int       `json:"totalSubmitted"`
	Succeeded      int       `json:"succeeded"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Interrupted    int       `json:"interrupted"`
	Active         bool      `json:"active"`
	Error          string    `json:"error,omitempty"`
}

// DatabaseHealth reports diagnostics for the history database.
type DatabaseHealth struct {
	DBPath         string `json:"dbPath"`
	SchemaVersion  int    `json:"schemaVersion"`
	Readable       bool   `json:"readable"`
	IntegrityCheck bool   `json:"integrityCheck"`
	TotalJobs      int    `json:"totalJobs"`
	TotalBatches   int    `json:"totalBatches"`
	Error          string `json:"error,omitempty"`
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the history database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.DatabasePath())
}

// OpenPath opens the database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// SaveJob inserts or replaces the persisted copy of a job.
func (s *Store) SaveJob(ctx context.Context, job Job) error {
	metadataJSON, err := marshalOptional(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	resultsJSON, err := marshalOptional(job.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	var errPhase, errMessage, errKind string
	if job.Error != nil {
		errPhase, errMessage, errKind = job.Error.Phase, job.Error.Message, job.Error.Kind
	}

	_, err = s.execWithRetry(ctx,
		`INSERT INTO jobs (
            id, source_path, output_directory, metadata_json, status,
            submitted_at, started_at, completed_at, results_json,
            error_phase, error_message, error_kind, cancel_reason,
            batch_id, file_size, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            metadata_json = excluded.metadata_json,
            started_at = excluded.started_at,
            completed_at = excluded.completed_at,
            results_json = excluded.results_json,
            error_phase = excluded.error_phase,
            error_message = excluded.error_message,
            error_kind = excluded.error_kind,
            cancel_reason = excluded.cancel_reason,
            batch_id = excluded.batch_id,
            updated_at = excluded.updated_at`,
		job.ID,
		job.SourcePath,
		job.OutputDirectory,
		metadataJSON,
		string(job.Status),
		formatTime(job.SubmittedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		resultsJSON,
		nullableString(errPhase),
		nullableString(errMessage),
		nullableString(errKind),
		nullableString(job.CancelReason),
		nullableString(job.BatchID),
		job.FileSize,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob fetches a job by id. A missing job returns nil without error.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns up to limit jobs, most recently submitted first, filtered
// by status when any are provided. A limit <= 0 returns everything.
func (s *Store) ListJobs(ctx context.Context, limit int, statuses ...Status) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY submitted_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// SaveBatch inserts or replaces a batch record.
func (s *Store) SaveBatch(ctx context.Context, batch BatchRecord) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO batches (
            id, started_at, completed_at, total_submitted, succeeded, failed,
            skipped, interrupted, active, error_message
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            completed_at = excluded.completed_at,
            total_submitted = excluded.total_submitted,
            succeeded = excluded.succeeded,
            failed = excluded.failed,
            skipped = excluded.skipped,
            interrupted = excluded.interrupted,
            active = excluded.active,
            error_message = excluded.error_message`,
		batch.ID,
		formatTime(batch.StartedAt),
		nullableTime(batch.CompletedAt),
		batch.TotalSubmitted,
		batch.Succeeded,
		batch.Failed,
		batch.Skipped,
		batch.Interrupted,
		boolToInt(batch.Active),
		nullableString(batch.Error),
	)
	if err != nil {
		return fmt.Errorf("save batch %s: %w", batch.ID, err)
	}
	return nil
}

// ListBatches returns up to limit batches, most recent first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	query := `SELECT id, started_at, completed_at, total_submitted, succeeded, failed,
        skipped, interrupted, active, error_message FROM batches ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []BatchRecord
	for rows.Next() {
		var (
			rec          BatchRecord
			startedRaw   string
			completedRaw sql.NullString
			active       int
			errMessage   sql.NullString
		)
		if err := rows.Scan(&rec.ID, &startedRaw, &completedRaw, &rec.TotalSubmitted,
			&rec.Succeeded, &rec.Failed, &rec.Skipped, &rec.Interrupted, &active, &errMessage); err != nil {
			return nil, err
		}
		rec.StartedAt, _ = parseTimeString(startedRaw)
		if completedRaw.Valid {
			rec.CompletedAt, _ = parseTimeString(completedRaw.String)
		}
		rec.Active = active != 0
		rec.Error = errMessage.String
		batches = append(batches, rec)
	}
	return batches, rows.Err()
}

// CancelInterrupted marks jobs left Queued or Running by a previous process
// as Cancelled and closes any batch still flagged active.
func (s *Store) CancelInterrupted(ctx context.Context, reason string) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs
         SET status = ?, cancel_reason = ?, completed_at = ?, updated_at = ?
         WHERE status IN (?, ?)`,
		string(StatusCancelled), reason, now, now,
		string(StatusQueued), string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel interrupted jobs: %w", err)
	}
	if _, err := s.execWithRetry(ctx,
		`UPDATE batches SET active = 0, completed_at = COALESCE(completed_at, ?), error_message = COALESCE(error_message, ?)
         WHERE active = 1`,
		now, reason,
	); err != nil {
		return 0, fmt.Errorf("close interrupted batches: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// CheckHealth returns diagnostic information about the history database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("history database path is unknown")
	}
	if _, err := os.Stat(s.path); err != nil {
		return health, fmt.Errorf("stat history database: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping history database: %w", err)
	}
	health.Readable = true

	checks := []struct {
		query string
		dest  any
	}{
		{"PRAGMA user_version", &health.SchemaVersion},
		{"SELECT COUNT(*) FROM jobs", &health.TotalJobs},
		{"SELECT COUNT(*) FROM batches", &health.TotalBatches},
	}
	for _, check := range checks {
		if err := s.db.QueryRowContext(connCtx, check.query).Scan(check.dest); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("query %q: %w", check.query, err)
		}
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}

const jobColumns = "id, source_path, output_directory, metadata_json, status, submitted_at, started_at, completed_at, results_json, error_phase, error_message, error_kind, cancel_reason, batch_id, file_size"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		metadataRaw  sql.NullString
		status       string
		submittedRaw string
		startedRaw   sql.NullString
		completedRaw sql.NullString
		resultsRaw   sql.NullString
		errPhase     sql.NullString
		errMessage   sql.NullString
		errKind      sql.NullString
		cancelReason sql.NullString
		batchID      sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.SourcePath,
		&job.OutputDirectory,
		&metadataRaw,
		&status,
		&submittedRaw,
		&startedRaw,
		&completedRaw,
		&resultsRaw,
		&errPhase,
		&errMessage,
		&errKind,
		&cancelReason,
		&batchID,
		&job.FileSize,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	job.CancelReason = cancelReason.String
	job.BatchID = batchID.String
	job.SubmittedAt, _ = parseTimeString(submittedRaw)
	if startedRaw.Valid {
		job.StartedAt, _ = parseTimeString(startedRaw.String)
	}
	if completedRaw.Valid {
		job.CompletedAt, _ = parseTimeString(completedRaw.String)
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		if err := json.Unmarshal([]byte(metadataRaw.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", job.ID, err)
		}
	}
	if resultsRaw.Valid && resultsRaw.String != "" {
		if err := json.Unmarshal([]byte(resultsRaw.String), &job.Results); err != nil {
			return nil, fmt.Errorf("decode results for %s: %w", job.ID, err)
		}
	}
	if errPhase.Valid || errMessage.Valid {
		job.Error = &JobError{Phase: errPhase.String, Message: errMessage.String, Kind: errKind.String}
	}
	return &job, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func marshalOptional[T any](value map[string]T) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Fixed-width so lexical ORDER BY matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

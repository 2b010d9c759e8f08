package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/convertica/convertica/internal/database"
)

// ErrNotFound is returned by Get when no run has the request id.
var ErrNotFound = errors.New("operation run not found")

// ErrRunFinished is returned by Upsert when the request id already belongs
// to a finished run. The finished row is left untouched.
var ErrRunFinished = errors.New("operation run already finished")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS operation_runs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id      TEXT NOT NULL UNIQUE,
    conversion_type TEXT NOT NULL,
    status          TEXT NOT NULL,
    user_id         TEXT,
    is_premium      BOOLEAN NOT NULL DEFAULT FALSE,
    remote_addr     TEXT NOT NULL DEFAULT '',
    user_agent      TEXT NOT NULL DEFAULT '',
    path            TEXT NOT NULL DEFAULT '',
    started_at      TEXT NOT NULL,
    finished_at     TEXT,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    error_type      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    output_size     INTEGER NOT NULL DEFAULT 0,
    synced          BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_operation_runs_status ON operation_runs(status, started_at);
CREATE INDEX IF NOT EXISTS idx_operation_runs_synced ON operation_runs(id) WHERE NOT synced;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS operation_runs (
    id              BIGSERIAL PRIMARY KEY,
    request_id      TEXT NOT NULL UNIQUE,
    conversion_type TEXT NOT NULL,
    status          TEXT NOT NULL,
    user_id         TEXT,
    is_premium      BOOLEAN NOT NULL DEFAULT FALSE,
    remote_addr     TEXT NOT NULL DEFAULT '',
    user_agent      TEXT NOT NULL DEFAULT '',
    path            TEXT NOT NULL DEFAULT '',
    started_at      TEXT NOT NULL,
    finished_at     TEXT,
    duration_ms     BIGINT NOT NULL DEFAULT 0,
    error_type      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    output_size     BIGINT NOT NULL DEFAULT 0,
    synced          BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_operation_runs_status ON operation_runs(status, started_at);
CREATE INDEX IF NOT EXISTS idx_operation_runs_synced ON operation_runs(id) WHERE NOT synced;
`

const runColumns = `id, request_id, conversion_type, status, user_id, is_premium,
	remote_addr, user_agent, path, started_at, finished_at, duration_ms,
	error_type, error_message, output_size, synced`

// Store persists operation runs in the shared SQL database.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore wraps db and runs the schema migration for its dialect.
func NewStore(ctx context.Context, db *database.DB) (*Store, error) {
	schema := sqliteSchema
	if db.Driver() == database.DriverPostgres {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate operation_runs: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Upsert creates the run for r.RequestID or refreshes the status and
// requester snapshot of an unfinished one. A finished run is left as it is
// and ErrRunFinished is returned.
func (s *Store) Upsert(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	var userID any
	if r.UserID != "" {
		userID = r.UserID
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO operation_runs (
			request_id, conversion_type, status, user_id, is_premium,
			remote_addr, user_agent, path, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			conversion_type = excluded.conversion_type,
			status = excluded.status,
			user_id = excluded.user_id,
			is_premium = excluded.is_premium,
			remote_addr = excluded.remote_addr,
			user_agent = excluded.user_agent,
			path = excluded.path,
			started_at = excluded.started_at
		WHERE operation_runs.finished_at IS NULL`),
		r.RequestID, r.ConversionType, string(r.Status), userID, r.IsPremium,
		r.RemoteAddr, r.UserAgent, r.Path, database.FormatTime(r.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", r.RequestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", r.RequestID, err)
	}
	if n == 0 {
		return ErrRunFinished
	}
	return nil
}

// Get returns the run with the given request id.
func (s *Store) Get(ctx context.Context, requestID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.Rebind("SELECT "+runColumns+" FROM operation_runs WHERE request_id = ?"),
		requestID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", requestID, err)
	}
	return r, nil
}

// MarkSuccess finishes an unfinished run as successful.
func (s *Store) MarkSuccess(ctx context.Context, requestID string, outputSize, durationMs int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE operation_runs
		SET status = ?, finished_at = ?, duration_ms = ?, output_size = ?
		WHERE request_id = ? AND finished_at IS NULL`),
		string(StatusSuccess), database.FormatTime(s.now()), durationMs, outputSize, requestID,
	)
	if err != nil {
		return fmt.Errorf("mark success %s: %w", requestID, err)
	}
	return nil
}

// MarkError finishes an unfinished run as failed.
func (s *Store) MarkError(ctx context.Context, requestID, errorType, errorMessage string, durationMs int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE operation_runs
		SET status = ?, finished_at = ?, duration_ms = ?, error_type = ?, error_message = ?
		WHERE request_id = ? AND finished_at IS NULL`),
		string(StatusError), database.FormatTime(s.now()), durationMs, errorType, errorMessage, requestID,
	)
	if err != nil {
		return fmt.Errorf("mark error %s: %w", requestID, err)
	}
	return nil
}

// MarkHTTPError records an HTTP error response. Status, finished_at and
// duration_ms are always refreshed; error_type and error_message are only
// filled in when still empty, so a reason written earlier by MarkError wins.
func (s *Store) MarkHTTPError(ctx context.Context, requestID, errorMessage string, durationMs int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE operation_runs
		SET status = ?,
			finished_at = ?,
			duration_ms = ?,
			error_type = CASE WHEN error_type = '' THEN ? ELSE error_type END,
			error_message = CASE WHEN error_message = '' THEN ? ELSE error_message END
		WHERE request_id = ?`),
		string(StatusError), database.FormatTime(s.now()), durationMs, HTTPErrorType, errorMessage, requestID,
	)
	if err != nil {
		return fmt.Errorf("mark http error %s: %w", requestID, err)
	}
	return nil
}

// RequestCancel moves a queued or running run to cancel_requested.
// It reports whether a run was changed.
func (s *Store) RequestCancel(ctx context.Context, requestID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE operation_runs SET status = ?
		WHERE request_id = ? AND status IN (?, ?)`),
		string(StatusCancelRequested), requestID, string(StatusQueued), string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("request cancel %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel %s: %w", requestID, err)
	}
	return n > 0, nil
}

// MarkCancelled finishes an unfinished run as cancelled.
func (s *Store) MarkCancelled(ctx context.Context, requestID string, durationMs int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE operation_runs SET status = ?, finished_at = ?, duration_ms = ?
		WHERE request_id = ? AND finished_at IS NULL`),
		string(StatusCancelled), database.FormatTime(s.now()), durationMs, requestID,
	)
	if err != nil {
		return fmt.Errorf("mark cancelled %s: %w", requestID, err)
	}
	return nil
}

// AbandonStuck marks runs that are still queued, running or waiting for
// cancellation and started before cutoff as abandoned. With dryRun set the
// matching runs are only counted.
func (s *Store) AbandonStuck(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	args := []any{
		string(StatusQueued), string(StatusRunning), string(StatusCancelRequested),
		database.FormatTime(cutoff),
	}
	const where = `status IN (?, ?, ?) AND started_at < ? AND finished_at IS NULL`

	if dryRun {
		var n int64
		err := s.db.QueryRowContext(ctx,
			s.db.Rebind("SELECT COUNT(*) FROM operation_runs WHERE "+where), args...,
		).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count stuck runs: %w", err)
		}
		return n, nil
	}

	now := s.now()
	msg := fmt.Sprintf("operation exceeded %s without finishing", now.Sub(cutoff).Round(time.Second))
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE operation_runs
		SET status = ?, finished_at = ?, error_type = ?, error_message = ?
		WHERE `+where),
		append([]any{string(StatusAbandoned), database.FormatTime(now), TimeoutErrorType, msg}, args...)...,
	)
	if err != nil {
		return 0, fmt.Errorf("abandon stuck runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("abandon stuck runs: %w", err)
	}
	return n, nil
}

// QueryUnsynced returns up to limit finished runs that have not been published.
func (s *Store) QueryUnsynced(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+runColumns+`
		FROM operation_runs
		WHERE NOT synced AND finished_at IS NOT NULL
		ORDER BY id ASC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkSynced sets the synced flag for the given run IDs.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.db.Rebind("UPDATE operation_runs SET synced = TRUE WHERE id = ?"))
	if err != nil {
		return fmt.Errorf("prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mark synced id=%d: %w", id, err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*Run, error) {
	var (
		r          Run
		status     string
		userID     sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	err := sc.Scan(
		&r.ID, &r.RequestID, &r.ConversionType, &status, &userID, &r.IsPremium,
		&r.RemoteAddr, &r.UserAgent, &r.Path, &startedAt, &finishedAt, &r.DurationMs,
		&r.ErrorType, &r.ErrorMessage, &r.OutputSize, &r.Synced,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.UserID = userID.String
	r.StartedAt = database.ParseTime(startedAt)
	if finishedAt.Valid {
		r.FinishedAt = database.ParseTime(finishedAt.String)
	}
	return &r, nil
}

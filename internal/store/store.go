// Package store is BKSD's Persistence component: a small relational store
// with three tables (targets, jobs, job_status_log), append-only except for
// upsert_target. Schema is bootstrapped with CREATE TABLE IF NOT EXISTS
// only — no migration framework.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/bksd/bksd/internal/bkerr"
	"github.com/bksd/bksd/internal/status"
)

const sqliteConnParams = "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"

// Target is a persistent record of a device ever seen, keyed by uuid.
type Target struct {
	UUID             string
	Label            string
	CapacityBytes    uint64
	AdapterName      string
	SourceDevicePath string
	CreatedAt        time.Time
}

// Job is a single attempt to back up a target.
type Job struct {
	ID              string
	TargetID        string
	DestinationPath string
	CreatedAt       time.Time
}

// StatusLogRow is one append-only row in job_status_log.
type StatusLogRow struct {
	ID          int64
	JobID       string
	StatusTag   status.Tag
	Description string
	CreatedAt   time.Time
}

// JobHeader is a Job joined with its most recently created status row.
type JobHeader struct {
	Job
	Latest status.Tag
}

// JobDetail is a job header plus its full ordered status history, oldest first.
type JobDetail struct {
	JobHeader
	History []StatusLogRow
}

// ListOptions filters and paginates jobs.list.
type ListOptions struct {
	Limit        int
	Offset       int
	StatusFilter *status.Tag
}

// Store is the Persistence component. Writes serialize behind a single
// mutex standing in for "one async connection"; Open caps the database/sql
// pool at one connection, so reads queue behind that same connection.
// go-sqlite3 cannot safely interleave concurrent writers against one file,
// so Store.mu enforces that at the Go level rather than relying on
// SQLITE_BUSY retries alone.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if absent) and opens the SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, bkerr.Wrapf(bkerr.KindPersistence, "create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+sqliteConnParams)
	if err != nil {
		return nil, bkerr.Wrapf(bkerr.KindPersistence, "open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY thrash; reads are cheap
	// enough on this schema to share it too.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.allocate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *Store) allocate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS targets (
		uuid TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		capacity_bytes INTEGER NOT NULL,
		adapter_name TEXT NOT NULL,
		source_device_path TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL REFERENCES targets(uuid),
		destination_path TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE TABLE IF NOT EXISTS job_status_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		status_tag TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_status_log_job_id ON job_status_log(job_id, id);
	`
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return bkerr.Wrapf(bkerr.KindPersistence, "allocate schema: %w", err)
	}
	return nil
}

// UpsertTarget inserts a new target row, or updates the label/capacity of
// an existing one. Targets are never deleted.
func (s *Store) UpsertTarget(ctx context.Context, t Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.withRetry(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			INSERT INTO targets(uuid, label, capacity_bytes, adapter_name, source_device_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				label = excluded.label,
				capacity_bytes = excluded.capacity_bytes
		`, t.UUID, t.Label, t.CapacityBytes, t.AdapterName, t.SourceDevicePath, t.CreatedAt.Unix())
	})
	if err != nil {
		return bkerr.Wrapf(bkerr.KindPersistence, "upsert target %s: %w", t.UUID, err)
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.withRetry(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			INSERT INTO jobs(id, target_id, destination_path, created_at) VALUES (?, ?, ?, ?)
		`, j.ID, j.TargetID, j.DestinationPath, j.CreatedAt.Unix())
	})
	if err != nil {
		return bkerr.Wrapf(bkerr.KindPersistence, "create job %s: %w", j.ID, err)
	}
	return nil
}

// AppendStatus appends a state-transition row. JobStatusLog rows are never
// updated or deleted.
func (s *Store) AppendStatus(ctx context.Context, jobID string, tag status.Tag, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.withRetry(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			INSERT INTO job_status_log(job_id, status_tag, description, created_at) VALUES (?, ?, ?, ?)
		`, jobID, string(tag), description, time.Now().Unix())
	})
	if err != nil {
		return bkerr.Wrapf(bkerr.KindPersistence, "append status for job %s: %w", jobID, err)
	}
	return nil
}

// withRetry retries a single write once synchronously on failure: a
// transient failure is retried once, and a second failure bubbles up to
// the caller.
func (s *Store) withRetry(ctx context.Context, fn func() (sql.Result, error)) (sql.Result, error) {
	res, err := fn()
	if err == nil {
		return res, nil
	}
	log.Warn().Err(err).Msg("persistence write failed, retrying once")
	return fn()
}

// ListJobs returns job headers newest-first, joined with their latest
// status row, honoring limit/offset/status filter.
func (s *Store) ListJobs(ctx context.Context, opts ListOptions) ([]JobHeader, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT j.id, j.target_id, j.destination_path, j.created_at, latest.status_tag
		FROM jobs j
		JOIN (
			SELECT job_id, status_tag, MAX(id) AS max_id
			FROM job_status_log
			GROUP BY job_id
		) latest ON latest.job_id = j.id
	`
	args := []any{}
	if opts.StatusFilter != nil {
		query += " WHERE latest.status_tag = ?"
		args = append(args, string(*opts.StatusFilter))
	}
	query += " ORDER BY j.created_at DESC, j.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, bkerr.Wrapf(bkerr.KindPersistence, "list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobHeader
	for rows.Next() {
		var h JobHeader
		var createdAt int64
		var tag string
		if err := rows.Scan(&h.ID, &h.TargetID, &h.DestinationPath, &createdAt, &tag); err != nil {
			return nil, bkerr.Wrapf(bkerr.KindPersistence, "scan job row: %w", err)
		}
		h.CreatedAt = time.Unix(createdAt, 0).UTC()
		h.Latest = status.Tag(tag)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, bkerr.Wrapf(bkerr.KindPersistence, "iterate job rows: %w", err)
	}
	return out, nil
}

// ErrJobNotFound is returned by GetJob when no job matches the id.
var ErrJobNotFound = fmt.Errorf("job not found")

// GetJob returns a job header plus its full ordered history, oldest first.
func (s *Store) GetJob(ctx context.Context, id string) (*JobDetail, error) {
	var d JobDetail
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `
		SELECT id, target_id, destination_path, created_at FROM jobs WHERE id = ?
	`, id)
	if err := row.Scan(&d.ID, &d.TargetID, &d.DestinationPath, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, bkerr.Wrapf(bkerr.KindPersistence, "get job %s: %w", id, err)
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status_tag, description, created_at
		FROM job_status_log WHERE job_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, bkerr.Wrapf(bkerr.KindPersistence, "get job history %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r StatusLogRow
		var ts int64
		if err := rows.Scan(&r.ID, &r.JobID, &r.StatusTag, &r.Description, &ts); err != nil {
			return nil, bkerr.Wrapf(bkerr.KindPersistence, "scan history row: %w", err)
		}
		r.CreatedAt = time.Unix(ts, 0).UTC()
		d.History = append(d.History, r)
	}
	if err := rows.Err(); err != nil {
		return nil, bkerr.Wrapf(bkerr.KindPersistence, "iterate history rows: %w", err)
	}
	if len(d.History) > 0 {
		d.Latest = d.History[len(d.History)-1].StatusTag
	}
	return &d, nil
}

// DestinationExists reports whether destPath is already used by a job, for
// collision resolution when minting a new destination path.
func (s *Store) DestinationExists(ctx context.Context, destPath string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE destination_path = ?`, destPath).Scan(&count)
	if err != nil {
		return false, bkerr.Wrapf(bkerr.KindPersistence, "check destination collision: %w", err)
	}
	return count > 0, nil
}

// Package serviceq implements the durable job queue driving the image
// pipeline, backed by the same SQLite database as the image catalog.
//
// Each row is one unit of service work (thumbnail, vector, detector) bound to
// an image. A job is born PENDING, is atomically claimed to RUNNING, and ends
// COMPLETED or FAILED. Claiming uses a single UPDATE ... RETURNING statement:
// SQLite serializes writers, so two claimers — goroutines or separate
// processes on the same file — can never return the same row. This is the
// SQLite analogue of a SKIP LOCKED claim on a server database.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS serviceq (
//	    id           TEXT PRIMARY KEY,
//	    image_id     TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
//	    service_type TEXT NOT NULL,
//	    status       TEXT NOT NULL DEFAULT 'PENDING',
//	    attempts     INTEGER NOT NULL DEFAULT 0,
//	    max_attempts INTEGER NOT NULL DEFAULT 3,
//	    created_at   INTEGER NOT NULL,  -- milliseconds since epoch
//	    updated_at   INTEGER NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS idx_serviceq_dispatch
//	    ON serviceq (status, created_at) WHERE attempts < max_attempts;
package serviceq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type identifies the pipeline stage a job belongs to.
type Type string

const (
	TypeThumb    Type = "THUMB"
	TypeVector   Type = "VECTOR"
	TypeDetector Type = "DETECTOR"
)

// Status is the job state. Completed and Failed are terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ErrNotRunning is returned when Complete or Fail targets a job that is not
// currently RUNNING. Terminal states never transition.
var ErrNotRunning = errors.New("serviceq: job is not RUNNING")

// Job is a row in the queue.
type Job struct {
	ID          string
	ImageID     string
	Type        Type
	Status      Status
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const ddl = `
CREATE TABLE IF NOT EXISTS serviceq (
    id           TEXT PRIMARY KEY,
    image_id     TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
    service_type TEXT NOT NULL CHECK (service_type IN ('THUMB','VECTOR','DETECTOR')),
    status       TEXT NOT NULL DEFAULT 'PENDING'
                 CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED')),
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_serviceq_dispatch
    ON serviceq (status, created_at) WHERE attempts < max_attempts;
`

// EnsureTable creates the serviceq table and its dispatch index. The partial
// index keeps the claim O(log n) under backlog: exhausted rows fall out of it.
func EnsureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}

// Options configures queue behaviour.
type Options struct {
	// MaxAttempts is stamped on enqueued jobs. Default: 3.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle over db. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// DB exposes the underlying handle for callers that compose transactions
// spanning the queue and the image catalog.
func (q *Q) DB() *sql.DB { return q.db }

// Enqueue inserts a PENDING job for imageID.
func (q *Q) Enqueue(ctx context.Context, imageID string, t Type) (string, error) {
	now := time.Now().UnixMilli()
	id := uuid.Must(uuid.NewV7()).String()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO serviceq (id, image_id, service_type, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', 0, ?, ?, ?)`,
		id, imageID, string(t), q.opts.MaxAttempts, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("serviceq: enqueue %s for image %s: %w", t, imageID, err)
	}
	return id, nil
}

// EnqueueTx is Enqueue inside an existing transaction. Chain-enqueue of the
// next pipeline stage commits atomically with the prior stage's completion.
func (q *Q) EnqueueTx(tx *sql.Tx, imageID string, t Type) (string, error) {
	now := time.Now().UnixMilli()
	id := uuid.Must(uuid.NewV7()).String()
	_, err := tx.Exec(`
		INSERT INTO serviceq (id, image_id, service_type, status, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', 0, ?, ?, ?)`,
		id, imageID, string(t), q.opts.MaxAttempts, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("serviceq: enqueue %s for image %s: %w", t, imageID, err)
	}
	return id, nil
}

// Claim atomically picks the oldest PENDING job with retries remaining, marks
// it RUNNING and charges one attempt. Returns nil, nil when nothing is
// eligible. FIFO by created_at with the time-ordered id as tiebreak.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE serviceq
		SET status = 'RUNNING', attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM serviceq
			WHERE status = 'PENDING' AND attempts < max_attempts
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING id, image_id, service_type, status, attempts, max_attempts, created_at, updated_at`,
		time.Now().UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Complete marks a RUNNING job COMPLETED.
func (q *Q) Complete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE serviceq SET status = 'COMPLETED', updated_at = ? WHERE id = ? AND status = 'RUNNING'`,
		time.Now().UnixMilli(), id,
	)
	return completeErr(res, err, id)
}

// CompleteTx is Complete inside an existing transaction, so handlers commit
// the image-row change and the job transition atomically.
func (q *Q) CompleteTx(tx *sql.Tx, id string) error {
	res, err := tx.Exec(
		`UPDATE serviceq SET status = 'COMPLETED', updated_at = ? WHERE id = ? AND status = 'RUNNING'`,
		time.Now().UnixMilli(), id,
	)
	return completeErr(res, err, id)
}

// Fail transitions a RUNNING job in one conditional update: back to PENDING
// while retries remain, FAILED once attempts have reached max_attempts. The
// decision reads the post-claim attempts value inside the statement.
func (q *Q) Fail(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE serviceq
		SET status = CASE WHEN attempts >= max_attempts THEN 'FAILED' ELSE 'PENDING' END,
		    updated_at = ?
		WHERE id = ? AND status = 'RUNNING'`,
		time.Now().UnixMilli(), id,
	)
	return completeErr(res, err, id)
}

func completeErr(res sql.Result, err error, id string) error {
	if err != nil {
		return fmt.Errorf("serviceq: job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("serviceq: job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("serviceq: job %s: %w", id, ErrNotRunning)
	}
	return nil
}

// Get returns a job by id, or nil, nil if absent.
func (q *Q) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, image_id, service_type, status, attempts, max_attempts, created_at, updated_at
		FROM serviceq WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ForImage returns all jobs for an image, oldest first.
func (q *Q) ForImage(ctx context.Context, imageID string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, image_id, service_type, status, attempts, max_attempts, created_at, updated_at
		FROM serviceq WHERE image_id = ? ORDER BY created_at, id`, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Depth returns the number of jobs per status.
func (q *Q) Depth(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM serviceq GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depth := map[Status]int{}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		depth[s] = n
	}
	return depth, rows.Err()
}

// ReclaimStale sweeps RUNNING jobs older than age and reports how many were
// swept. A job killed mid-flight by a hard crash stays RUNNING forever
// otherwise; run this once at boot before starting the dispatcher. Reclaimed
// jobs keep their attempt count: rows with retries remaining go back to
// PENDING, exhausted ones go to FAILED (a PENDING row at max attempts is
// never claimable and would linger).
func (q *Q) ReclaimStale(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE serviceq
		SET status = CASE WHEN attempts >= max_attempts THEN 'FAILED' ELSE 'PENDING' END,
		    updated_at = ?
		WHERE status = 'RUNNING' AND updated_at < ?`,
		time.Now().UnixMilli(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("serviceq: reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.opts.Logger.Warn("serviceq: reclaimed stale RUNNING jobs", "count", n, "age", age)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var creAt, updAt int64
	err := row.Scan(&j.ID, &j.ImageID, &j.Type, &j.Status, &j.Attempts, &j.MaxAttempts, &creAt, &updAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = time.UnixMilli(creAt)
	j.UpdatedAt = time.UnixMilli(updAt)
	return &j, nil
}

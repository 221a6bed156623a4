package jobs

import (
	"database/sql"
	"time"

	"github.com/forgesyte/forgesyte/errors"
)

// Store persists jobs in SQLite. Writes serialize through the driver;
// state transitions run inside transactions so the state machine holds
// under concurrent workers.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the jobs table if it does not exist.
func (s *Store) Migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			pipeline_id   TEXT NOT NULL,
			tool_name     TEXT,
			input_ref     TEXT NOT NULL,
			frame_stride  INTEGER NOT NULL DEFAULT 1,
			max_frames    INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL,
			progress      INTEGER NOT NULL DEFAULT 0,
			current_frame INTEGER NOT NULL DEFAULT 0,
			total_frames  INTEGER NOT NULL DEFAULT 0,
			error         TEXT,
			result        TEXT,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL,
			started_at    TIMESTAMP,
			completed_at  TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to migrate jobs table")
	}
	return nil
}

// Create inserts a new job.
func (s *Store) Create(job *Job) error {
	const query = `
		INSERT INTO jobs (
			id, pipeline_id, tool_name, input_ref, frame_stride, max_frames, status,
			progress, current_frame, total_frames,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	toolName := sql.NullString{String: job.ToolName, Valid: job.ToolName != ""}
	_, err := s.db.Exec(query,
		job.ID, job.PipelineID, toolName, job.InputRef, job.FrameStride, job.MaxFrames, job.Status,
		job.Progress, job.CurrentFrame, job.TotalFrames,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

const jobColumns = `
	id, pipeline_id, tool_name, input_ref, frame_stride, max_frames, status,
	progress, current_frame, total_frames,
	error, result, created_at, updated_at, started_at, completed_at
`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		job         Job
		toolName    sql.NullString
		jobError    sql.NullString
		result      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.PipelineID, &toolName, &job.InputRef, &job.FrameStride, &job.MaxFrames, &job.Status,
		&job.Progress, &job.CurrentFrame, &job.TotalFrames,
		&jobError, &result, &job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.ToolName = toolName.String
	job.Error = jobError.String
	if result.Valid {
		job.Result = []byte(result.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// Get retrieves a job by id.
func (s *Store) Get(id string) (*Job, error) {
	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Tag(errors.KindJobNotFound, "job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// List returns jobs ordered by created_at descending. status filters
// when non-nil; limit <= 0 means no limit.
func (s *Store) List(status *Status, limit, offset int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// Count returns the total number of stored jobs.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count jobs")
	}
	return n, nil
}

// CountByStatus returns the number of stored jobs per status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ClaimNext atomically claims the oldest queued job for a worker,
// transitioning it to running. Returns nil when the queue is empty.
// The claim is a single conditional UPDATE so concurrent workers never
// double-own a job.
func (s *Store) ClaimNext() (*Job, error) {
	now := time.Now().UTC()
	const claim = `
		UPDATE jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		) AND status = ?
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRow(claim, StatusRunning, now, now, StatusQueued, StatusQueued))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	return job, nil
}

// UpdateProgress persists progress counters for a running job.
// Progress never regresses: the guard clamps stale writes.
func (s *Store) UpdateProgress(id string, progress, currentFrame, totalFrames int) error {
	const query = `
		UPDATE jobs
		SET progress = MAX(progress, ?),
		    current_frame = MAX(current_frame, ?),
		    total_frames = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := s.db.Exec(query, progress, currentFrame, totalFrames, time.Now().UTC(), id, StatusRunning)
	if err != nil {
		return errors.Wrap(err, "failed to update job progress")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read progress update result")
	}
	if affected == 0 {
		// Job missing or no longer running; progress for non-running
		// jobs is dropped silently (the terminal write already won).
		return nil
	}
	return nil
}

// transition moves a job to a new status inside a transaction,
// enforcing the state machine. apply mutates the terminal columns.
func (s *Store) transition(id string, to Status, apply func(tx *sql.Tx, job *Job) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	const query = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(tx.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Tag(errors.KindJobNotFound, "job not found: %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read job for transition")
	}

	if !CanTransition(job.Status, to) {
		if job.Status.IsTerminal() {
			return errors.Tag(errors.KindJobTerminal,
				"job %s is %s; cannot transition to %s", id, job.Status, to)
		}
		return errors.Tag(errors.KindInvalidInput,
			"illegal job transition %s → %s for %s", job.Status, to, id)
	}

	if err := apply(tx, job); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit job transition")
	}
	return nil
}

// Complete moves a running job to completed and stores its result.
func (s *Store) Complete(id string, result []byte) error {
	return s.transition(id, StatusCompleted, func(tx *sql.Tx, _ *Job) error {
		now := time.Now().UTC()
		_, err := tx.Exec(`
			UPDATE jobs
			SET status = ?, result = ?, progress = 100,
			    completed_at = ?, updated_at = ?
			WHERE id = ?`,
			StatusCompleted, string(result), now, now, id)
		return errors.Wrap(err, "failed to complete job")
	})
}

// Fail moves a job to failed with an error message.
func (s *Store) Fail(id string, cause string) error {
	return s.transition(id, StatusFailed, func(tx *sql.Tx, _ *Job) error {
		now := time.Now().UTC()
		_, err := tx.Exec(`
			UPDATE jobs
			SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			StatusFailed, cause, now, now, id)
		return errors.Wrap(err, "failed to fail job")
	})
}

// Cancel moves a queued or running job to cancelled.
func (s *Store) Cancel(id string) error {
	return s.transition(id, StatusCancelled, func(tx *sql.Tx, _ *Job) error {
		now := time.Now().UTC()
		_, err := tx.Exec(`
			UPDATE jobs
			SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			StatusCancelled, now, now, id)
		return errors.Wrap(err, "failed to cancel job")
	})
}

// MarkInterrupted fails every job left running by a previous process.
// Called once at startup: jobs lost mid-flight are reported failed, not
// requeued. Returns the number of jobs marked.
func (s *Store) MarkInterrupted() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE status = ?`,
		StatusFailed, "worker_interrupted", now, now, StatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark interrupted jobs")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count interrupted jobs")
	}
	return int(affected), nil
}

// Cleanup evicts the oldest terminal jobs until the table holds at most
// capacity rows. Non-terminal jobs are never evicted; if they alone
// exceed capacity, nothing is removed. Returns the number evicted.
func (s *Store) Cleanup(capacity int) (int, error) {
	total, err := s.Count()
	if err != nil {
		return 0, err
	}
	excess := total - capacity
	if excess <= 0 {
		return 0, nil
	}

	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN (?, ?, ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		)`,
		StatusCompleted, StatusFailed, StatusCancelled, excess)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up jobs")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count cleaned up jobs")
	}
	return int(affected), nil
}

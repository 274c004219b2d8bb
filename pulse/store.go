package pulse

import (
	"database/sql"
	"time"

	"github.com/loomworks/loom/errors"
)

const jobColumns = `id, type, payload, concurrency_key, status, attempts, next_run_at, created_at, updated_at`

// Store handles persistence of pulse jobs.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO pulse_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}

	_, err := s.db.Exec(query,
		job.ID,
		job.Type,
		payload,
		job.ConcurrencyKey,
		job.Status,
		job.Attempts,
		job.NextRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pulse_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return job, nil
}

// UpdateJob updates an existing job.
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE pulse_jobs
		SET status = ?, attempts = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`

	_, err := s.db.Exec(query, job.Status, job.Attempts, job.NextRunAt, job.UpdatedAt, job.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	return nil
}

// DeleteJob removes a job permanently (terminal outcome).
func (s *Store) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM pulse_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}

	return nil
}

// ListDue returns pending jobs whose next_run_at has elapsed, oldest first.
func (s *Store) ListDue(now time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pulse_jobs
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, StatusPending, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(status *Status, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	base := `SELECT ` + jobColumns + ` FROM pulse_jobs`
	if status != nil {
		query = base + ` WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*status, limit}
	} else {
		query = base + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPendingByKey returns pending jobs sharing a concurrency key, oldest
// first.
func (s *Store) ListPendingByKey(key string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM pulse_jobs
		WHERE concurrency_key = ? AND status = ?
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query, key, StatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending jobs by key")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// RequeueRunning reverts every running job to pending, eligible immediately.
// Called once on scheduler start: rows stuck in running can only come from
// an ungraceful shutdown (crash, kill -9, power loss).
func (s *Store) RequeueRunning() (int, error) {
	result, err := s.db.Exec(`
		UPDATE pulse_jobs
		SET status = ?, next_run_at = ?, updated_at = ?
		WHERE status = ?`,
		StatusPending, time.Now(), time.Now(), StatusRunning,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to requeue running jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// CountByStatus returns job counts keyed by status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM pulse_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}

// CountRunningByKey returns the number of running jobs sharing a
// concurrency key. The scheduler keeps its own in-memory count; this is the
// durable view used by tests and the status command.
func (s *Store) CountRunningByKey(key string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pulse_jobs
		WHERE concurrency_key = ? AND status = ?`,
		key, StatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count running jobs by key")
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payload sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.ConcurrencyKey,
		&job.Status,
		&job.Attempts,
		&job.NextRunAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

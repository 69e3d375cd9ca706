package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// JobFilter narrows GetAll. A zero filter returns every job, newest first.
type JobFilter struct {
	Status *models.JobStatus
	Limit  int
	Offset int
}

// StatusChange is a compare-and-set status update. It is applied only if the
// job is still in From; the history row is written in the same transaction.
type StatusChange struct {
	JobID                string
	From                 models.JobStatus
	To                   models.JobStatus
	Message              *string
	ErrorMessage         *string
	ResultFile           *string
	AggregatedResultFile *string
	Progress             *float64
}

// JobDAO persists jobs, their parameters and their status history.
type JobDAO struct {
	base
	onDelete []func(ctx context.Context, jobID string)
}

var _ DAO[models.Job, string, JobFilter] = (*JobDAO)(nil)

func NewJobDAO(pool *Pool, log *zap.Logger) *JobDAO {
	return &JobDAO{base: newBase(pool, log, "jobs")}
}

// OnDelete registers fn to run after a job row has been deleted. Rows removed
// by the cascade may still be cached elsewhere; fn drops them.
func (d *JobDAO) OnDelete(fn func(ctx context.Context, jobID string)) {
	d.onDelete = append(d.onDelete, fn)
}

const jobColumns = `id, status, progress, result_file, aggregated_result_file, error_message,
	created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(&j.ID, &j.Status, &j.Progress, &j.ResultFile, &j.AggregatedResultFile,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadParameters(ctx context.Context, q querier, jobID string) (map[string]string, error) {
	rows, err := q.Query(ctx, `SELECT name, value FROM job_parameters WHERE job_id = $1 ORDER BY name`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	params := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		params[name] = value
	}
	return params, rows.Err()
}

// GetByID returns the job with its parameters, or (nil, nil) if it does not exist.
func (d *JobDAO) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job *models.Job
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		j, err := scanJob(conn.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		j.Parameters, err = loadParameters(ctx, conn, id)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, d.fail("GetByID", err, zap.String("job_id", id))
	}
	return job, nil
}

// GetAll lists jobs newest first. Parameters are not loaded.
func (d *JobDAO) GetAll(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*filter.Status))
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	var jobs []*models.Job
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, d.fail("GetAll", err)
	}
	return jobs, nil
}

// GetJobsByStatus lists all jobs in one status.
func (d *JobDAO) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return d.GetAll(ctx, JobFilter{Status: &status})
}

// Save inserts a new job, its parameters and its first history row in one
// transaction. Missing fields are defaulted: a random ID, status Submitted,
// progress 0 and the current time.
func (d *JobDAO) Save(ctx context.Context, job *models.Job) (*models.Job, error) {
	saved := *job
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.Status == "" {
		saved.Status = models.JobStatusSubmitted
	}
	now := time.Now().UTC()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now

	err := d.pool.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, status, progress, result_file, aggregated_result_file, error_message,
			                   created_at, started_at, completed_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			saved.ID, string(saved.Status), saved.Progress, saved.ResultFile, saved.AggregatedResultFile,
			saved.ErrorMessage, saved.CreatedAt, saved.StartedAt, saved.CompletedAt, saved.UpdatedAt)
		if err != nil {
			return err
		}
		for name, value := range saved.Parameters {
			if err := upsertParameter(ctx, tx, saved.ID, name, value); err != nil {
				return err
			}
		}
		_, err = insertHistory(ctx, tx, saved.ID, saved.Status, nil)
		return err
	})
	if err != nil {
		return nil, d.fail("Save", err, zap.String("job_id", saved.ID))
	}

	if saved.Parameters != nil {
		params := make(map[string]string, len(saved.Parameters))
		for k, v := range saved.Parameters {
			params[k] = v
		}
		saved.Parameters = params
	}
	d.log.Debug("job saved", zap.String("job_id", saved.ID), zap.String("status", saved.Status.String()))
	return &saved, nil
}

// Update writes the mutable fields of job and refreshes updated_at. Status is
// written as given; lifecycle rules are enforced by ApplyStatusChange.
func (d *JobDAO) Update(ctx context.Context, job *models.Job) (*models.Job, error) {
	var updated *models.Job
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		j, err := scanJob(conn.QueryRow(ctx,
			`UPDATE jobs SET status = $2, progress = $3, result_file = $4, aggregated_result_file = $5,
			        error_message = $6, started_at = $7, completed_at = $8, updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+jobColumns,
			job.ID, string(job.Status), job.Progress, job.ResultFile, job.AggregatedResultFile,
			job.ErrorMessage, job.StartedAt, job.CompletedAt))
		if err != nil {
			return err
		}
		j.Parameters = job.Parameters
		updated = j
		return nil
	})
	if err != nil {
		return nil, d.fail("Update", err, zap.String("job_id", job.ID))
	}
	return updated, nil
}

// Delete removes the job. Parameters, history, annotations and result files
// are removed with it.
func (d *JobDAO) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, d.fail("Delete", err, zap.String("job_id", id))
	}
	if deleted {
		for _, fn := range d.onDelete {
			fn(ctx, id)
		}
	}
	return deleted, nil
}

func upsertParameter(ctx context.Context, tx pgx.Tx, jobID, name, value string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO job_parameters (job_id, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (job_id, name) DO UPDATE SET value = EXCLUDED.value`,
		jobID, name, value)
	return err
}

// SetParameter adds or replaces one job parameter.
func (d *JobDAO) SetParameter(ctx context.Context, jobID, name, value string) error {
	err := d.pool.WithTx(ctx, func(tx pgx.Tx) error {
		if err := upsertParameter(ctx, tx, jobID, name, value); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE jobs SET updated_at = NOW() WHERE id = $1`, jobID)
		return err
	})
	return d.fail("SetParameter", err, zap.String("job_id", jobID), zap.String("name", name))
}

// GetParameters returns every parameter of a job. A missing job yields an empty map.
func (d *JobDAO) GetParameters(ctx context.Context, jobID string) (map[string]string, error) {
	var params map[string]string
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		var err error
		params, err = loadParameters(ctx, conn, jobID)
		return err
	})
	if err != nil {
		return nil, d.fail("GetParameters", err, zap.String("job_id", jobID))
	}
	return params, nil
}

// insertHistory appends a history row whose timestamp is never earlier than
// the job's previous row.
func insertHistory(ctx context.Context, tx pgx.Tx, jobID string, status models.JobStatus, message *string) (*models.StatusHistory, error) {
	h := models.StatusHistory{JobID: jobID, Status: status, Message: message}
	err := tx.QueryRow(ctx,
		`INSERT INTO job_status_history (job_id, status, message, created_at)
		 VALUES ($1, $2, $3, GREATEST(clock_timestamp(),
		         COALESCE((SELECT MAX(created_at) FROM job_status_history WHERE job_id = $1), '-infinity'::timestamptz)))
		 RETURNING id, created_at`,
		jobID, string(status), message,
	).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// SaveJobStatusHistory appends a history row without changing the job.
func (d *JobDAO) SaveJobStatusHistory(ctx context.Context, jobID string, status models.JobStatus, message *string) (*models.StatusHistory, error) {
	var h *models.StatusHistory
	err := d.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		h, err = insertHistory(ctx, tx, jobID, status, message)
		return err
	})
	if err != nil {
		return nil, d.fail("SaveJobStatusHistory", err, zap.String("job_id", jobID))
	}
	return h, nil
}

// GetJobStatusHistory returns a job's history oldest first.
func (d *JobDAO) GetJobStatusHistory(ctx context.Context, jobID string) ([]*models.StatusHistory, error) {
	var history []*models.StatusHistory
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT id, job_id, status, message, created_at FROM job_status_history
			 WHERE job_id = $1 ORDER BY created_at, id`, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h models.StatusHistory
			if err := rows.Scan(&h.ID, &h.JobID, &h.Status, &h.Message, &h.CreatedAt); err != nil {
				return err
			}
			history = append(history, &h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, d.fail("GetJobStatusHistory", err, zap.String("job_id", jobID))
	}
	return history, nil
}

// ApplyStatusChange moves a job from c.From to c.To and records the change.
// It fails with ErrStatusConflict if the job is no longer in c.From, and with
// ErrNotFound if the job does not exist. started_at is set on entering
// Running; completed_at on entering Completed, Error or Cancelled.
func (d *JobDAO) ApplyStatusChange(ctx context.Context, c StatusChange) (*models.Job, error) {
	now := time.Now().UTC()
	set := []string{"status = $3", "updated_at = $4"}
	args := []any{c.JobID, string(c.From), string(c.To), now}
	argIdx := 5

	switch c.To {
	case models.JobStatusRunning:
		set = append(set, fmt.Sprintf("started_at = COALESCE(started_at, $%d)", argIdx))
		args = append(args, now)
		argIdx++
	case models.JobStatusCompleted, models.JobStatusError, models.JobStatusCancelled:
		set = append(set, fmt.Sprintf("completed_at = $%d", argIdx))
		args = append(args, now)
		argIdx++
	}
	if c.ErrorMessage != nil {
		set = append(set, fmt.Sprintf("error_message = $%d", argIdx))
		args = append(args, *c.ErrorMessage)
		argIdx++
	}
	if c.ResultFile != nil {
		set = append(set, fmt.Sprintf("result_file = $%d", argIdx))
		args = append(args, *c.ResultFile)
		argIdx++
	}
	if c.AggregatedResultFile != nil {
		set = append(set, fmt.Sprintf("aggregated_result_file = $%d", argIdx))
		args = append(args, *c.AggregatedResultFile)
		argIdx++
	}
	if c.Progress != nil {
		set = append(set, fmt.Sprintf("progress = $%d", argIdx))
		args = append(args, *c.Progress)
	}

	query := `UPDATE jobs SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 AND status = $2 RETURNING ` + jobColumns

	var job *models.Job
	err := d.pool.WithTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, c.JobID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return errors.Wrapf(ErrStatusConflict, "job %s is %s, expected %s", c.JobID, current, c.From)
		}
		if err != nil {
			return err
		}
		if _, err := insertHistory(ctx, tx, c.JobID, c.To, c.Message); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, d.fail("ApplyStatusChange", err,
			zap.String("job_id", c.JobID), zap.String("from", c.From.String()), zap.String("to", c.To.String()))
	}
	return job, nil
}

// UpdateProgress sets a running job's progress. Values outside 0..100 are
// rejected with ErrInvalidRecord, lower values than the stored one with
// ErrProgressRegression, and jobs that are not Running with ErrNotRunning.
func (d *JobDAO) UpdateProgress(ctx context.Context, jobID string, progress float64) (*models.Job, error) {
	if progress < 0 || progress > 100 {
		return nil, d.fail("UpdateProgress", errors.Wrapf(ErrInvalidRecord, "progress %v outside 0..100", progress))
	}

	var job *models.Job
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		j, err := scanJob(conn.QueryRow(ctx,
			`UPDATE jobs SET progress = $2, updated_at = NOW()
			 WHERE id = $1 AND status = $3 AND progress <= $2
			 RETURNING `+jobColumns,
			jobID, progress, string(models.JobStatusRunning)))
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			var current float64
			err := conn.QueryRow(ctx, `SELECT status, progress FROM jobs WHERE id = $1`, jobID).Scan(&status, &current)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			if status != string(models.JobStatusRunning) {
				return errors.Wrapf(ErrNotRunning, "job %s is %s", jobID, status)
			}
			return errors.Wrapf(ErrProgressRegression, "job %s is at %v, got %v", jobID, current, progress)
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, d.fail("UpdateProgress", err, zap.String("job_id", jobID), zap.Float64("progress", progress))
	}
	return job, nil
}

// CountByStatus returns the number of jobs in each status. Statuses without
// jobs are reported as zero.
func (d *JobDAO) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	counts := make(map[models.JobStatus]int, len(models.AllJobStatuses))
	for _, s := range models.AllJobStatuses {
		counts[s] = 0
	}
	err := d.pool.WithConn(ctx, func(conn *Conn) error {
		rows, err := conn.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s string
			var n int
			if err := rows.Scan(&s, &n); err != nil {
				return err
			}
			counts[models.JobStatus(s)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, d.fail("CountByStatus", err)
	}
	return counts, nil
}

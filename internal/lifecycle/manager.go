// Package lifecycle drives jobs through their status state machine and
// records every applied transition in the job's status history.
package lifecycle

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/metrics"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// Parameter names maintained by Retry.
const (
	ParamRetryOf = "retry_of"
	ParamAttempt = "attempt"
)

// DefaultMaxAttempts bounds how often a failed job may be retried.
const DefaultMaxAttempts = 3

// conflictRetries bounds how often a transition is re-read and retried after
// losing a compare-and-set race.
const conflictRetries = 3

// JobStore is the persistence the manager needs. *store.JobDAO implements it.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*models.Job, error)
	Save(ctx context.Context, job *models.Job) (*models.Job, error)
	ApplyStatusChange(ctx context.Context, c store.StatusChange) (*models.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress float64) (*models.Job, error)
	GetJobStatusHistory(ctx context.Context, jobID string) ([]*models.StatusHistory, error)
}

// Manager applies job status changes.
type Manager struct {
	jobs        JobStore
	log         *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(jobs JobStore, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		jobs:        jobs,
		log:         logging.OrNop(log),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SubmitRequest describes a new job. An empty ID is generated.
type SubmitRequest struct {
	ID         string            `json:"id,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Submit stores a new job in status Submitted with progress 0.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	job, err := m.jobs.Save(ctx, &models.Job{
		ID:         req.ID,
		Status:     models.JobStatusSubmitted,
		Progress:   0,
		Parameters: req.Parameters,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("job submitted", zap.String("job_id", job.ID), zap.Int("parameters", len(job.Parameters)))
	return job, nil
}

// Get returns a job or ErrJobNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return job, nil
}

// History returns the job's status history, oldest first.
func (m *Manager) History(ctx context.Context, id string) ([]*models.StatusHistory, error) {
	return m.jobs.GetJobStatusHistory(ctx, id)
}

type transitionParams struct {
	message              *string
	errorMessage         *string
	resultFile           *string
	aggregatedResultFile *string
}

// TransitionOption attaches data to a transition.
type TransitionOption func(*transitionParams)

// WithMessage sets the history message.
func WithMessage(msg string) TransitionOption {
	return func(p *transitionParams) { p.message = &msg }
}

func WithErrorMessage(msg string) TransitionOption {
	return func(p *transitionParams) { p.errorMessage = &msg }
}

func WithResultFile(path string) TransitionOption {
	return func(p *transitionParams) { p.resultFile = &path }
}

func WithAggregatedResultFile(path string) TransitionOption {
	return func(p *transitionParams) { p.aggregatedResultFile = &path }
}

// Transition moves a job to status to. Transitions the state machine does
// not allow fail with *InvalidTransitionError and leave no history row. The
// write is conditional on the status that was read, so a job changed by
// another writer in the meantime is re-read and the transition re-checked.
func (m *Manager) Transition(ctx context.Context, id string, to models.JobStatus, opts ...TransitionOption) (*models.Job, error) {
	p := &transitionParams{}
	for _, opt := range opts {
		opt(p)
	}

	for attempt := 0; ; attempt++ {
		job, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		event, ok := eventFor(job.Status, to)
		if !ok || newMachine(job.Status).Event(ctx, event) != nil {
			metrics.JobTransitions.WithLabelValues(job.Status.String(), to.String(), "rejected").Inc()
			m.log.Warn("job transition rejected",
				zap.String("job_id", id), zap.String("from", job.Status.String()), zap.String("to", to.String()))
			return nil, &InvalidTransitionError{JobID: id, From: job.Status, To: to}
		}

		change := store.StatusChange{
			JobID:                id,
			From:                 job.Status,
			To:                   to,
			Message:              p.message,
			ErrorMessage:         p.errorMessage,
			ResultFile:           p.resultFile,
			AggregatedResultFile: p.aggregatedResultFile,
		}
		if to == models.JobStatusCompleted {
			full := 100.0
			change.Progress = &full
		}

		updated, err := m.jobs.ApplyStatusChange(ctx, change)
		if errors.Is(err, store.ErrStatusConflict) && attempt < conflictRetries {
			m.log.Debug("job changed concurrently, re-reading", zap.String("job_id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.JobTransitions.WithLabelValues(job.Status.String(), to.String(), "applied").Inc()
		m.log.Info("job transitioned",
			zap.String("job_id", id),
			zap.String("event", event),
			zap.String("from", job.Status.String()),
			zap.String("to", to.String()))
		return updated, nil
	}
}

// Start moves a submitted job to Running.
func (m *Manager) Start(ctx context.Context, id string) (*models.Job, error) {
	return m.Transition(ctx, id, models.JobStatusRunning)
}

// Complete finishes a running job. Empty paths are left unset.
func (m *Manager) Complete(ctx context.Context, id, resultFile, aggregatedResultFile string) (*models.Job, error) {
	var opts []TransitionOption
	if resultFile != "" {
		opts = append(opts, WithResultFile(resultFile))
	}
	if aggregatedResultFile != "" {
		opts = append(opts, WithAggregatedResultFile(aggregatedResultFile))
	}
	return m.Transition(ctx, id, models.JobStatusCompleted, opts...)
}

// Fail moves a running job to Error and records msg.
func (m *Manager) Fail(ctx context.Context, id, msg string) (*models.Job, error) {
	return m.Transition(ctx, id, models.JobStatusError, WithErrorMessage(msg), WithMessage(msg))
}

// Cancel stops a submitted or running job.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*models.Job, error) {
	var opts []TransitionOption
	if reason != "" {
		opts = append(opts, WithMessage(reason))
	}
	return m.Transition(ctx, id, models.JobStatusCancelled, opts...)
}

// Archive moves a completed or failed job to Archived.
func (m *Manager) Archive(ctx context.Context, id string) (*models.Job, error) {
	return m.Transition(ctx, id, models.JobStatusArchived)
}

// UpdateProgress records progress of a running job. Progress outside 0..100
// fails with ErrInvalidProgress, a job that is not Running with
// ErrNotRunning and a lower value than the current one with
// ErrProgressRegression.
func (m *Manager) UpdateProgress(ctx context.Context, id string, progress float64) (*models.Job, error) {
	if progress < 0 || progress > 100 {
		return nil, errors.Wrapf(ErrInvalidProgress, "got %v", progress)
	}
	job, err := m.jobs.UpdateProgress(ctx, id, progress)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Elapsed is the job's run time as of now.
func (m *Manager) Elapsed(job *models.Job) time.Duration {
	return job.Elapsed(m.now())
}

// Attempt returns the job's attempt number; first submissions are attempt 1.
func Attempt(job *models.Job) int {
	v, ok := job.Parameter(ParamAttempt)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// RetryEligible reports whether a failed job may be submitted again.
func (m *Manager) RetryEligible(job *models.Job) bool {
	return job != nil && job.Status == models.JobStatusError && Attempt(job) < m.maxAttempts
}

// Retry submits a new job with the failed job's parameters. The new job
// records the original in ParamRetryOf and the incremented ParamAttempt.
func (m *Manager) Retry(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.RetryEligible(job) {
		return nil, errors.Wrapf(ErrNotRetryable, "job %s is %s at attempt %d of %d",
			id, job.Status, Attempt(job), m.maxAttempts)
	}

	params := make(map[string]string, len(job.Parameters)+2)
	for k, v := range job.Parameters {
		params[k] = v
	}
	params[ParamRetryOf] = job.ID
	params[ParamAttempt] = strconv.Itoa(Attempt(job) + 1)

	retry, err := m.Submit(ctx, SubmitRequest{ID: uuid.NewString(), Parameters: params})
	if err != nil {
		return nil, err
	}
	m.log.Info("job retried", zap.String("job_id", id), zap.String("retry_id", retry.ID), zap.String("attempt", params[ParamAttempt]))
	return retry, nil
}

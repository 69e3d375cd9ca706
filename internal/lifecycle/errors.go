package lifecycle

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobNotFound       = errors.New("job not found")
	ErrNotRetryable      = errors.New("job is not eligible for retry")
	ErrInvalidProgress   = errors.New("progress must be between 0 and 100")

	// ErrNotRunning and ErrProgressRegression are the store's sentinels.
	ErrNotRunning         = store.ErrNotRunning
	ErrProgressRegression = store.ErrProgressRegression
)

// InvalidTransitionError is returned when the state machine does not allow
// moving a job from its current status to the requested one.
type InvalidTransitionError struct {
	JobID string
	From  models.JobStatus
	To    models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.JobID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

package lifecycle

import (
	"github.com/looplab/fsm"

	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

// Job events.
const (
	EventRun      = "run"
	EventComplete = "complete"
	EventFail     = "fail"
	EventArchive  = "archive"
	EventCancel   = "cancel"
)

var (
	submitted = string(models.JobStatusSubmitted)
	running   = string(models.JobStatusRunning)
	completed = string(models.JobStatusCompleted)
	failed    = string(models.JobStatusError)
	archived  = string(models.JobStatusArchived)
	cancelled = string(models.JobStatusCancelled)
)

var events = fsm.Events{
	{Name: EventRun, Src: []string{submitted}, Dst: running},
	{Name: EventComplete, Src: []string{running}, Dst: completed},
	{Name: EventFail, Src: []string{running}, Dst: failed},
	{Name: EventArchive, Src: []string{completed, failed}, Dst: archived},
	{Name: EventCancel, Src: []string{submitted, running}, Dst: cancelled},
}

// newMachine returns a state machine positioned at status.
func newMachine(status models.JobStatus) *fsm.FSM {
	return fsm.NewFSM(string(status), events, fsm.Callbacks{})
}

// eventFor returns the event that moves a job from one status to another.
func eventFor(from, to models.JobStatus) (string, bool) {
	m := newMachine(from)
	for _, e := range events {
		if e.Dst == string(to) && m.Can(e.Name) {
			return e.Name, true
		}
	}
	return "", false
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.JobStatus) bool {
	_, ok := eventFor(from, to)
	return ok
}

// NextStatuses lists the statuses reachable from status in one step.
func NextStatuses(status models.JobStatus) []models.JobStatus {
	m := newMachine(status)
	var out []models.JobStatus
	for _, e := range events {
		if m.Can(e.Name) {
			out = append(out, models.JobStatus(e.Dst))
		}
	}
	return out
}

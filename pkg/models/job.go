// Package models contains the shared records persisted by the job and annotation
// data layer.
package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a prediction/annotation job.
type JobStatus string

const (
	JobStatusSubmitted JobStatus = "Submitted"
	JobStatusRunning   JobStatus = "Running"
	JobStatusCompleted JobStatus = "Completed"
	JobStatusError     JobStatus = "Error"
	JobStatusArchived  JobStatus = "Archived"
	JobStatusCancelled JobStatus = "Cancelled"
)

// AllJobStatuses lists every status in lifecycle order.
var AllJobStatuses = []JobStatus{
	JobStatusSubmitted,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusError,
	JobStatusArchived,
	JobStatusCancelled,
}

// ParseJobStatus accepts a status name case-insensitively. "Processing" is an
// alias of Running, as older clients report it.
func ParseJobStatus(s string) (JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "submitted":
		return JobStatusSubmitted, nil
	case "running", "processing":
		return JobStatusRunning, nil
	case "completed":
		return JobStatusCompleted, nil
	case "error":
		return JobStatusError, nil
	case "archived":
		return JobStatusArchived, nil
	case "cancelled", "canceled":
		return JobStatusCancelled, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further work happens for a job in this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusArchived, JobStatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) String() string { return string(s) }

// Job tracks one submitted AMR prediction (and optional annotation) request.
// Parameters are stored in job_parameters and loaded alongside the job row.
type Job struct {
	ID                   string            `db:"id"                     json:"id"`
	Status               JobStatus         `db:"status"                 json:"status"`
	Progress             float64           `db:"progress"               json:"progress"`
	ResultFile           *string           `db:"result_file"            json:"result_file,omitempty"`
	AggregatedResultFile *string           `db:"aggregated_result_file" json:"aggregated_result_file,omitempty"`
	ErrorMessage         *string           `db:"error_message"          json:"error_message,omitempty"`
	Parameters           map[string]string `db:"-"                      json:"parameters,omitempty"`
	CreatedAt            time.Time         `db:"created_at"             json:"created_at"`
	StartedAt            *time.Time        `db:"started_at"             json:"started_at,omitempty"`
	CompletedAt          *time.Time        `db:"completed_at"           json:"completed_at,omitempty"`
	UpdatedAt            time.Time         `db:"updated_at"             json:"updated_at"`
}

// Elapsed returns how long the job has been running, measured from StartedAt
// (or CreatedAt if it never started) up to CompletedAt or now.
func (j *Job) Elapsed(now time.Time) time.Duration {
	start := j.CreatedAt
	if j.StartedAt != nil {
		start = *j.StartedAt
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// Parameter returns a named job parameter.
func (j *Job) Parameter(name string) (string, bool) {
	if j.Parameters == nil {
		return "", false
	}
	v, ok := j.Parameters[name]
	return v, ok
}

// JobParameter is one named value attached to a job. (job_id, name) is unique.
type JobParameter struct {
	JobID string `db:"job_id" json:"job_id"`
	Name  string `db:"name"   json:"name"`
	Value string `db:"value"  json:"value"`
}

// StatusHistory is one append-only audit row of a job status change.
type StatusHistory struct {
	ID        int64     `db:"id"         json:"id"`
	JobID     string    `db:"job_id"     json:"job_id"`
	Status    JobStatus `db:"status"     json:"status"`
	Message   *string   `db:"message"    json:"message,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

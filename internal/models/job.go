package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// JobType identifies the kind of work a job performs.
type JobType string

const (
	JobTypeExtraction     JobType = "extraction"
	JobTypeAnalysis       JobType = "analysis"
	JobTypeConnectionTest JobType = "connection_test"
	JobTypeOffboard       JobType = "offboard"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeExtraction, JobTypeAnalysis, JobTypeConnectionTest, JobTypeOffboard:
		return true
	}
	return false
}

// Submittable reports whether jobs of this type may be submitted through the
// job API. Offboard jobs are created by the organization lifecycle only.
func (t JobType) Submittable() bool {
	return t.Valid() && t != JobTypeOffboard
}

// JobStatus is the state of a job in its lifecycle.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// jobTransitions is the allowed-edge table, keyed by target state.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusRunning:   {JobStatusPending},
	JobStatusCompleted: {JobStatusRunning},
	JobStatusFailed:    {JobStatusRunning},
	JobStatusCancelled: {JobStatusPending, JobStatusRunning},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TransitionSources returns the states from which to may be reached.
func TransitionSources(to JobStatus) []JobStatus {
	return append([]JobStatus(nil), jobTransitions[to]...)
}

// Priority orders pending jobs within an organization.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the admission rank of p; lower ranks are admitted first.
// Unknown priorities rank with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Progress flags derived from log content.
const (
	FlagSourceLoggingDisabled  = "source_logging_disabled"
	FlagThrottled              = "throttled"
	FlagInsufficientPrivileges = "insufficient_privileges"
)

// Job is a unit of asynchronous work owned by one organization.
type Job struct {
	ID             uuid.UUID // UUIDv7
	OrganizationID uuid.UUID
	Type           JobType
	Status         JobStatus
	Priority       Priority

	Progress       int // 0-100
	CurrentMessage string
	Flags          map[string]bool

	Parameters map[string]any
	Result     map[string]any

	// NotBefore defers admission until the given time.
	NotBefore *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Duration returns the run time of a finished job, or zero.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Due reports whether the job may be admitted at now.
func (j *Job) Due(now time.Time) bool {
	return j.NotBefore == nil || !now.Before(*j.NotBefore)
}

// Clone returns a copy of j with its own maps and timestamps.
func (j *Job) Clone() *Job {
	c := *j
	c.Flags = maps.Clone(j.Flags)
	c.Parameters = maps.Clone(j.Parameters)
	c.Result = maps.Clone(j.Result)
	c.NotBefore = cloneTime(j.NotBefore)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

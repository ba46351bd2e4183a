package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
)

// Sentinel errors for job, log and cleanup storage operations
var (
	ErrJobNotFound           = errs.Sentinel(errs.ErrNotFound, "job not found")
	ErrJobAlreadyExists      = errs.Sentinel(errs.ErrConflict, "job already exists")
	ErrCleanupRecordNotFound = errs.Sentinel(errs.ErrNotFound, "cleanup record not found")
)

// JobUpdate carries the optional fields applied alongside a status transition.
type JobUpdate struct {
	Progress *int
	Message  *string
	Result   map[string]any
	// From narrows the allowed source statuses, when set.
	From []models.JobStatus
}

// ProgressUpdate carries a progress report for a running job. Flags are
// merged into the job's flags, the latest value for each key wins.
type ProgressUpdate struct {
	Percent *int
	Message *string
	Flags   map[string]bool
}

// JobFilter narrows a job listing. Empty slices match everything, and a zero
// PageSize returns every match.
type JobFilter struct {
	Statuses []models.JobStatus
	Types    []models.JobType
	Page     int // 1-based
	PageSize int
}

// JobStore defines the interface for durable job records. Status changes go
// through Transition, which enforces the job state machine atomically.
type JobStore interface {
	// Create inserts a new job. Returns ErrJobAlreadyExists on an id clash.
	Create(ctx context.Context, job *models.Job) error

	// Get returns ErrJobNotFound if the job doesn't exist.
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)

	// Transition moves the job to status if the current status allows it and
	// returns the updated job. Entering running stamps StartedAt; entering a
	// terminal state stamps CompletedAt. Returns an errs.InvalidTransitionError
	// when the edge is not allowed.
	Transition(ctx context.Context, jobID uuid.UUID, status models.JobStatus, update JobUpdate) (*models.Job, error)

	// UpdateProgress applies a progress report. Only running jobs accept
	// progress, anything else is an errs.InvalidTransitionError.
	UpdateProgress(ctx context.Context, jobID uuid.UUID, update ProgressUpdate) (*models.Job, error)

	// List returns the organization's jobs, newest first, with the total
	// number of matches before paging.
	List(ctx context.Context, orgID uuid.UUID, filter JobFilter) ([]*models.Job, int, error)

	// ListByStatus returns jobs across all organizations, oldest first.
	ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
}

// LogQuery selects log entries for incremental polling.
type LogQuery struct {
	AfterSequence int64      // only entries with a greater sequence
	Since         *time.Time // only entries with a later timestamp
	Limit         int        // 0 means no limit
}

// LogStore defines the interface for append-only job logs.
type LogStore interface {
	// Append assigns the next sequence number and a timestamp strictly after
	// the job's previous entry, then stores the entry. Returns ErrJobNotFound
	// for unknown jobs.
	Append(ctx context.Context, entry *models.LogEntry) (*models.LogEntry, error)

	// List returns matching entries ordered by sequence.
	List(ctx context.Context, jobID uuid.UUID, query LogQuery) ([]*models.LogEntry, error)

	// Prune deletes entries older than the cutoff and returns how many were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// CleanupStore persists purge progress. Records are keyed by organization and
// are kept after the organization itself is deleted.
type CleanupStore interface {
	// Get returns ErrCleanupRecordNotFound if no purge was ever started.
	Get(ctx context.Context, orgID uuid.UUID) (*models.CleanupRecord, error)

	// Save creates or replaces the organization's record.
	Save(ctx context.Context, rec *models.CleanupRecord) error
}

// PurgeResult reports what the primary store deleted for an organization.
type PurgeResult struct {
	LogEntries int64
	Jobs       int64
}

// DataPurger deletes every job and log entry scoped to an organization,
// children first, in one unit of work.
type DataPurger interface {
	PurgeOrganization(ctx context.Context, orgID uuid.UUID) (PurgeResult, error)
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Cooperating services walked by a purge, in order.
const (
	CleanupServicePrimaryStore       = "primary_store"
	CleanupServiceCache              = "cache"
	CleanupServiceExtractionExecutor = "extraction_executor"
	CleanupServiceAnalysisExecutor   = "analysis_executor"
)

// CleanupServices is the fixed purge order.
var CleanupServices = []string{
	CleanupServicePrimaryStore,
	CleanupServiceCache,
	CleanupServiceExtractionExecutor,
	CleanupServiceAnalysisExecutor,
}

type CleanupStepStatus string

const (
	CleanupStepPending   CleanupStepStatus = "pending"
	CleanupStepSucceeded CleanupStepStatus = "succeeded"
	CleanupStepFailed    CleanupStepStatus = "failed"
)

type CleanupStatus string

const (
	CleanupStatusInProgress CleanupStatus = "in_progress"
	CleanupStatusCompleted  CleanupStatus = "completed"
	CleanupStatusPartial    CleanupStatus = "partial"
)

// CleanupStep is the outcome of one service deletion.
type CleanupStep struct {
	Service   string            `json:"service"`
	Status    CleanupStepStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Attempts  int               `json:"attempts"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CleanupRecord tracks a purge of one organization across services. It
// outlives the organization row so that retries only re-attempt steps that
// have not succeeded.
type CleanupRecord struct {
	OrganizationID uuid.UUID
	JobID          *uuid.UUID
	Status         CleanupStatus
	Steps          []CleanupStep
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// NewCleanupRecord returns a record with every service pending.
func NewCleanupRecord(orgID uuid.UUID, now time.Time) *CleanupRecord {
	rec := &CleanupRecord{
		OrganizationID: orgID,
		Status:         CleanupStatusInProgress,
		StartedAt:      now,
	}
	for _, svc := range CleanupServices {
		rec.Steps = append(rec.Steps, CleanupStep{Service: svc, Status: CleanupStepPending, UpdatedAt: now})
	}
	return rec
}

// Step returns the step for service, or nil.
func (r *CleanupRecord) Step(service string) *CleanupStep {
	for i := range r.Steps {
		if r.Steps[i].Service == service {
			return &r.Steps[i]
		}
	}
	return nil
}

// Settle derives the record status from its steps.
func (r *CleanupRecord) Settle(now time.Time) {
	r.Status = CleanupStatusCompleted
	for _, s := range r.Steps {
		if s.Status != CleanupStepSucceeded {
			r.Status = CleanupStatusPartial
		}
	}
	r.FinishedAt = &now
}

// Clone returns a deep copy of r.
func (r *CleanupRecord) Clone() *CleanupRecord {
	c := *r
	c.Steps = append([]CleanupStep(nil), r.Steps...)
	c.JobID = cloneUUID(r.JobID)
	c.FinishedAt = cloneTime(r.FinishedAt)
	return &c
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// Package jobs creates, queries and cancels jobs on behalf of an
// organization, and hands new jobs to the dispatch queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/notify"
	"github.com/wolfeidau/caseflow/internal/store"
	"github.com/wolfeidau/caseflow/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Queue receives jobs ready for admission and is told about cancellations so
// it can release queue positions and running slots.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Cancelled(ctx context.Context, job *models.Job)
}

// CreateRequest describes a new job.
type CreateRequest struct {
	OrganizationID uuid.UUID
	Type           models.JobType
	Parameters     map[string]any
	Priority       models.Priority
	NotBefore      *time.Time
}

// Query filters a job listing.
type Query struct {
	Statuses []models.JobStatus
	Types    []models.JobType
	Page     int
	PageSize int
}

// Page is one page of a job listing.
type Page struct {
	Jobs     []*models.Job `json:"jobs"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

// Manager applies job rules on top of the job store.
type Manager struct {
	jobs     store.JobStore
	orgs     store.OrganizationStore
	queue    Queue
	notifier notify.Publisher
}

// NewManager creates a job manager. queue may be nil, in which case created
// jobs stay pending until something enqueues them.
func NewManager(jobs store.JobStore, orgs store.OrganizationStore, queue Queue, notifier notify.Publisher) *Manager {
	return &Manager{jobs: jobs, orgs: orgs, queue: queue, notifier: notifier}
}

// Create validates and stores a pending job.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Job, error) {
	if !req.Type.Valid() {
		return nil, errs.Validation("type", "unknown job type %q", req.Type)
	}

	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, errs.Validation("priority", "unknown priority %q", req.Priority)
	}

	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if err := ValidateParameters(req.Type, req.Parameters); err != nil {
		return nil, err
	}

	org, err := m.orgs.Get(ctx, req.OrganizationID)
	if err != nil {
		if errors.Is(err, store.ErrOrganizationNotFound) {
			return nil, errs.NotFound("organization", req.OrganizationID.String())
		}
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}

	if !org.Active && req.Type != models.JobTypeOffboard {
		return nil, errs.Conflict("organization %s is not active", org.ID)
	}

	if req.Type == models.JobTypeAnalysis {
		if err := m.checkExtractionJob(ctx, req); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	job := &models.Job{
		ID:             uuid.Must(uuid.NewV7()),
		OrganizationID: req.OrganizationID,
		Type:           req.Type,
		Status:         models.JobStatusPending,
		Priority:       req.Priority,
		Flags:          map[string]bool{},
		Parameters:     req.Parameters,
		NotBefore:      req.NotBefore,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	telemetry.GetMetrics().JobsCreatedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(job.Type)),
		attribute.String("priority", string(job.Priority)),
	))

	log.Info().
		Str("job_id", job.ID.String()).
		Str("org_id", job.OrganizationID.String()).
		Str("type", string(job.Type)).
		Str("priority", string(job.Priority)).
		Msg("Job created")

	jobID := job.ID
	notify.Send(ctx, m.notifier, notify.Event{
		Type:           notify.EventJobCreated,
		OrganizationID: job.OrganizationID,
		JobID:          &jobID,
		Status:         string(job.Status),
	})

	return job, nil
}

// Submit creates a job and offers it to the queue.
func (m *Manager) Submit(ctx context.Context, req CreateRequest) (*models.Job, error) {
	job, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if m.queue != nil {
		if err := m.queue.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to enqueue job: %w", err)
		}
		// admission may already have moved it to running
		if latest, err := m.jobs.Get(ctx, job.ID); err == nil {
			job = latest
		}
	}

	return job, nil
}

func (m *Manager) checkExtractionJob(ctx context.Context, req CreateRequest) error {
	id, err := extractionJobID(req.Parameters)
	if err != nil || id == nil {
		return err
	}

	ref, err := m.jobs.Get(ctx, *id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return errs.Validation("extractionJobId", "job %s not found", id)
		}
		return fmt.Errorf("failed to load extraction job: %w", err)
	}
	if ref.OrganizationID != req.OrganizationID || ref.Type != models.JobTypeExtraction {
		return errs.Validation("extractionJobId", "job %s is not an extraction job of this organization", id)
	}
	return nil
}

// Get returns a job owned by orgID.
func (m *Manager) Get(ctx context.Context, orgID, jobID uuid.UUID) (*models.Job, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, errs.NotFound("job", jobID.String())
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	// jobs of other organizations are indistinguishable from missing ones
	if job.OrganizationID != orgID {
		return nil, errs.NotFound("job", jobID.String())
	}

	return job, nil
}

// List returns a page of the organization's jobs, newest first.
func (m *Manager) List(ctx context.Context, orgID uuid.UUID, q Query) (*Page, error) {
	for _, s := range q.Statuses {
		if !s.Valid() {
			return nil, errs.Validation("status", "unknown status %q", s)
		}
	}
	for _, t := range q.Types {
		if !t.Valid() {
			return nil, errs.Validation("type", "unknown job type %q", t)
		}
	}

	page := max(q.Page, 1)
	pageSize := q.PageSize
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}

	jobs, total, err := m.jobs.List(ctx, orgID, store.JobFilter{
		Statuses: q.Statuses,
		Types:    q.Types,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return &Page{Jobs: jobs, Total: total, Page: page, PageSize: pageSize}, nil
}

// Cancel moves a pending or running job to cancelled and tells the queue.
// Cancelling a job that already finished returns it unchanged. A running
// offboard job cannot be cancelled, its purge is irreversible.
func (m *Manager) Cancel(ctx context.Context, orgID, jobID uuid.UUID) (*models.Job, error) {
	job, err := m.Get(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.IsTerminal() {
		return job, nil
	}
	if purgeStarted(job) {
		return nil, errs.Conflict("purge job %s has already started", jobID)
	}

	msg := "cancelled"
	update := store.JobUpdate{Message: &msg}
	if job.Type == models.JobTypeOffboard {
		update.From = []models.JobStatus{models.JobStatusPending}
	}

	cancelled, err := m.jobs.Transition(ctx, jobID, models.JobStatusCancelled, update)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidTransition) {
			// admitted or finished while we were looking at it
			current, getErr := m.Get(ctx, orgID, jobID)
			if getErr != nil {
				return nil, getErr
			}
			if purgeStarted(current) {
				return nil, errs.Conflict("purge job %s has already started", jobID)
			}
			return current, nil
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	log.Info().
		Str("job_id", jobID.String()).
		Str("org_id", orgID.String()).
		Str("previous_status", string(job.Status)).
		Msg("Job cancelled")

	if m.queue != nil {
		m.queue.Cancelled(ctx, cancelled)
	}

	notify.Send(ctx, m.notifier, notify.Event{
		Type:           notify.EventJobFinished,
		OrganizationID: orgID,
		JobID:          &jobID,
		Status:         string(cancelled.Status),
		Message:        msg,
	})

	return cancelled, nil
}

func purgeStarted(job *models.Job) bool {
	return job.Type == models.JobTypeOffboard && job.Status == models.JobStatusRunning
}

// ActiveJobs returns the organization's pending and running jobs, optionally
// restricted to the given types.
func (m *Manager) ActiveJobs(ctx context.Context, orgID uuid.UUID, types ...models.JobType) ([]*models.Job, error) {
	jobs, _, err := m.jobs.List(ctx, orgID, store.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusRunning},
		Types:    types,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return jobs, nil
}

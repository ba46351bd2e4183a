package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

// JobStore implements store.JobStore using in-memory storage.
// This implementation is for testing and development - data is lost on restart.
type JobStore struct {
	mu sync.RWMutex

	jobs map[uuid.UUID]*models.Job // job_id -> Job
}

// NewJobStore creates a new in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[uuid.UUID]*models.Job),
	}
}

// Create stores a new job.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrJobAlreadyExists
	}

	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, store.ErrJobNotFound
	}

	return job.Clone(), nil
}

// Transition applies a status change under the store lock so the edge check
// and the write are one step.
func (s *JobStore) Transition(ctx context.Context, jobID uuid.UUID, status models.JobStatus, update store.JobUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, store.ErrJobNotFound
	}

	if !models.CanTransition(job.Status, status) || (len(update.From) > 0 && !slices.Contains(update.From, job.Status)) {
		return nil, errs.InvalidTransition("job", jobID.String(), string(job.Status), string(status))
	}

	now := time.Now()
	job.Status = status
	job.UpdatedAt = now

	switch {
	case status == models.JobStatusRunning:
		job.StartedAt = &now
	case status.IsTerminal():
		job.CompletedAt = &now
	}
	if status == models.JobStatusCompleted {
		job.Progress = 100
	}

	if update.Progress != nil {
		job.Progress = clampPercent(*update.Progress)
	}
	if update.Message != nil {
		job.CurrentMessage = *update.Message
	}
	if update.Result != nil {
		job.Result = update.Result
	}

	return job.Clone(), nil
}

// UpdateProgress records a progress report for a running job.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, update store.ProgressUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, store.ErrJobNotFound
	}

	if job.Status != models.JobStatusRunning {
		return nil, errs.InvalidTransition("job", jobID.String(), string(job.Status), "progress")
	}

	if update.Percent != nil {
		job.Progress = clampPercent(*update.Percent)
	}
	if update.Message != nil {
		job.CurrentMessage = *update.Message
	}
	if len(update.Flags) > 0 {
		if job.Flags == nil {
			job.Flags = make(map[string]bool, len(update.Flags))
		}
		for k, v := range update.Flags {
			job.Flags[k] = v
		}
	}
	job.UpdatedAt = time.Now()

	return job.Clone(), nil
}

// List returns an organization's jobs, newest first.
func (s *JobStore) List(ctx context.Context, orgID uuid.UUID, filter store.JobFilter) ([]*models.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if job.OrganizationID != orgID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, job.Status) {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, job.Type) {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() > matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = paginate(matched, filter.Page, filter.PageSize)

	jobs := make([]*models.Job, 0, len(matched))
	for _, job := range matched {
		jobs = append(jobs, job.Clone())
	}

	return jobs, total, nil
}

// ListByStatus returns jobs in any of the statuses, oldest first.
func (s *JobStore) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if slices.Contains(statuses, job.Status) {
			jobs = append(jobs, job.Clone())
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID.String() < jobs[j].ID.String()
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// deleteByOrganization removes the organization's jobs. Callers hold no lock.
func (s *JobStore) deleteByOrganization(orgID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.OrganizationID == orgID {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

func paginate[T any](items []T, page, pageSize int) []T {
	if pageSize <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return nil
	}
	end := min(start+pageSize, len(items))
	return items[start:end]
}

func clampPercent(p int) int {
	return max(0, min(100, p))
}

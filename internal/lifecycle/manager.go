// Package lifecycle registers organizations and takes them through
// offboarding: a scheduled grace period, an optional restore, and finally an
// irreversible purge across every service holding organization data.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/jobs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/notify"
	"github.com/wolfeidau/caseflow/internal/store"
)

const (
	DefaultStepTimeout   = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultSweepInterval = time.Minute
)

// JobService is the slice of the job manager the lifecycle needs.
type JobService interface {
	Submit(ctx context.Context, req jobs.CreateRequest) (*models.Job, error)
	Get(ctx context.Context, orgID, jobID uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, orgID, jobID uuid.UUID) (*models.Job, error)
	ActiveJobs(ctx context.Context, orgID uuid.UUID, types ...models.JobType) ([]*models.Job, error)
}

// DataDeleter removes everything a cooperating service holds for an
// organization. Deleting an organization with no data must succeed.
type DataDeleter interface {
	Name() string
	DeleteOrganizationData(ctx context.Context, orgID uuid.UUID) error
}

// CacheDropper drops the organization's cache namespace.
type CacheDropper interface {
	DeleteOrganization(ctx context.Context, orgID uuid.UUID) error
}

// Forgetter drops in-memory scheduling state of an organization being
// purged. DropQueued runs before the purge cancels jobs so that freed slots
// are not handed to queued work; ForgetOrganization runs once it is gone.
type Forgetter interface {
	DropQueued(orgID uuid.UUID) int
	ForgetOrganization(orgID uuid.UUID)
}

// Deps are the collaborators of the manager. Cache, the executors, Forgetter
// and Notifier are optional.
type Deps struct {
	Organizations store.OrganizationStore
	Cleanups      store.CleanupStore
	Purger        store.DataPurger
	Jobs          JobService
	Cache         CacheDropper
	Extraction    DataDeleter
	Analysis      DataDeleter
	Forgetter     Forgetter
	Notifier      notify.Publisher
}

// Config bounds cleanup calls.
type Config struct {
	StepTimeout   time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Manager serializes lifecycle changes so an organization is never restored
// and purged at the same time.
type Manager struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	mu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a lifecycle manager.
func New(deps Deps, cfg Config) *Manager {
	cfg.applyDefaults()

	return &Manager{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the offboard sweep.
func (m *Manager) Start() error {
	log.Info().Dur("sweep_interval", m.cfg.SweepInterval).Msg("Starting offboard sweep")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop()
	}()

	return nil
}

// Stop ends the offboard sweep.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.SweepDue(context.Background()); err != nil {
				log.Error().Err(err).Msg("Offboard sweep failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Register creates an active organization.
func (m *Manager) Register(ctx context.Context, name, domain string, gracePeriodDays int) (*models.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.Validation("name", "must not be empty")
	}
	if gracePeriodDays < 0 || gracePeriodDays > models.MaxGracePeriodDays {
		return nil, errs.Validation("gracePeriodDays", "must be between 0 and %d", models.MaxGracePeriodDays)
	}
	if gracePeriodDays == 0 {
		gracePeriodDays = models.DefaultGracePeriodDays
	}

	now := m.now()
	org := &models.Organization{
		ID:              uuid.Must(uuid.NewV7()),
		Name:            name,
		Domain:          strings.ToLower(strings.TrimSpace(domain)),
		Active:          true,
		GracePeriodDays: gracePeriodDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := m.deps.Organizations.Create(ctx, org); err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	log.Info().
		Str("org_id", org.ID.String()).
		Str("name", org.Name).
		Msg("Organization registered")

	return org, nil
}

// EnsureDefault creates the reserved default organization when missing.
func (m *Manager) EnsureDefault(ctx context.Context) (*models.Organization, error) {
	org, err := m.deps.Organizations.Get(ctx, models.DefaultOrganizationID)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, store.ErrOrganizationNotFound) {
		return nil, fmt.Errorf("failed to load default organization: %w", err)
	}

	now := m.now()
	org = &models.Organization{
		ID:              models.DefaultOrganizationID,
		Name:            "Default",
		Active:          true,
		GracePeriodDays: models.DefaultGracePeriodDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.deps.Organizations.Create(ctx, org); err != nil && !errors.Is(err, store.ErrOrganizationAlreadyExists) {
		return nil, fmt.Errorf("failed to create default organization: %w", err)
	}

	log.Info().Msg("Default organization created")
	return org, nil
}

// Get returns an organization.
func (m *Manager) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	org, err := m.deps.Organizations.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrOrganizationNotFound) {
			return nil, errs.NotFound("organization", orgID.String())
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// List returns every organization.
func (m *Manager) List(ctx context.Context) ([]*models.Organization, error) {
	orgs, err := m.deps.Organizations.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

// ScheduleOffboard deactivates the organization and schedules its purge
// after the grace period. graceDays <= 0 uses the organization's own grace
// period.
func (m *Manager) ScheduleOffboard(ctx context.Context, orgID uuid.UUID, graceDays int, reason string) (time.Time, error) {
	if orgID == models.DefaultOrganizationID {
		return time.Time{}, errs.Permission("the default organization cannot be offboarded")
	}
	if graceDays > models.MaxGracePeriodDays {
		return time.Time{}, errs.Validation("graceDays", "must not exceed %d", models.MaxGracePeriodDays)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	org, err := m.Get(ctx, orgID)
	if err != nil {
		return time.Time{}, err
	}

	if org.OffboardScheduled() {
		return time.Time{}, &errs.ConflictError{
			Message:     fmt.Sprintf("organization %s is already scheduled for offboarding", orgID),
			ScheduledAt: org.OffboardScheduledAt,
		}
	}

	if graceDays <= 0 {
		graceDays = org.EffectiveGracePeriodDays()
	}
	offboardAt := m.now().UTC().Add(time.Duration(graceDays) * 24 * time.Hour)

	job, err := m.deps.Jobs.Submit(ctx, jobs.CreateRequest{
		OrganizationID: orgID,
		Type:           models.JobTypeOffboard,
		Priority:       models.PriorityHigh,
		Parameters:     map[string]any{"force": true, "reason": reason},
		NotBefore:      &offboardAt,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to schedule purge job: %w", err)
	}

	org.Active = false
	org.OffboardScheduledAt = &offboardAt
	org.OffboardReason = reason
	org.PurgeJobID = &job.ID
	org.UpdatedAt = m.now()

	if err := m.deps.Organizations.Update(ctx, org); err != nil {
		if _, cancelErr := m.deps.Jobs.Cancel(ctx, orgID, job.ID); cancelErr != nil {
			log.Error().Err(cancelErr).Str("job_id", job.ID.String()).Msg("Failed to cancel orphaned purge job")
		}
		return time.Time{}, fmt.Errorf("failed to update organization: %w", err)
	}

	log.Info().
		Str("org_id", orgID.String()).
		Str("job_id", job.ID.String()).
		Time("offboard_at", offboardAt).
		Int("grace_days", graceDays).
		Msg("Organization offboard scheduled")

	notify.Send(ctx, m.deps.Notifier, notify.Event{
		Type:           notify.EventOffboardScheduled,
		OrganizationID: orgID,
		JobID:          &job.ID,
		Message:        reason,
	})

	return offboardAt, nil
}

// Restore cancels a scheduled offboard whose purge has not started and
// reactivates the organization.
func (m *Manager) Restore(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, err := m.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	if !org.OffboardScheduled() {
		return nil, errs.Conflict("organization %s has no offboard scheduled", orgID)
	}

	if _, err := m.deps.Cleanups.Get(ctx, orgID); err == nil {
		return nil, errs.Conflict("purge of organization %s has already started", orgID)
	} else if !errors.Is(err, store.ErrCleanupRecordNotFound) {
		return nil, fmt.Errorf("failed to load cleanup record: %w", err)
	}

	if org.PurgeJobID != nil {
		if err := m.cancelPurgeJob(ctx, orgID, *org.PurgeJobID); err != nil {
			return nil, err
		}
	}

	org.Active = true
	org.OffboardScheduledAt = nil
	org.OffboardReason = ""
	org.PurgeJobID = nil
	org.UpdatedAt = m.now()

	if err := m.deps.Organizations.Update(ctx, org); err != nil {
		return nil, fmt.Errorf("failed to update organization: %w", err)
	}

	log.Info().Str("org_id", orgID.String()).Msg("Organization restored")

	notify.Send(ctx, m.deps.Notifier, notify.Event{
		Type:           notify.EventOffboardRestored,
		OrganizationID: orgID,
	})

	return org, nil
}

func (m *Manager) cancelPurgeJob(ctx context.Context, orgID, jobID uuid.UUID) error {
	job, err := m.deps.Jobs.Get(ctx, orgID, jobID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusPending:
	case models.JobStatusCancelled:
		return nil
	default:
		return errs.Conflict("purge of organization %s has already started", orgID)
	}

	cancelled, err := m.deps.Jobs.Cancel(ctx, orgID, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel purge job: %w", err)
	}
	if cancelled.Status != models.JobStatusCancelled {
		return errs.Conflict("purge of organization %s has already started", orgID)
	}
	return nil
}

// RequestPurge checks a purge may proceed and submits it as an offboard job
// that runs immediately.
func (m *Manager) RequestPurge(ctx context.Context, orgID uuid.UUID, force bool) (*models.Job, error) {
	if orgID == models.DefaultOrganizationID {
		return nil, errs.Permission("the default organization cannot be purged")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.Get(ctx, orgID); err != nil {
		return nil, err
	}

	if !force {
		if err := m.checkBlockingJobs(ctx, orgID, nil); err != nil {
			return nil, err
		}
	}

	job, err := m.deps.Jobs.Submit(ctx, jobs.CreateRequest{
		OrganizationID: orgID,
		Type:           models.JobTypeOffboard,
		Priority:       models.PriorityCritical,
		Parameters:     map[string]any{"force": force, "reason": "purge requested"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit purge job: %w", err)
	}

	log.Info().
		Str("org_id", orgID.String()).
		Str("job_id", job.ID.String()).
		Bool("force", force).
		Msg("Organization purge requested")

	return job, nil
}

func (m *Manager) checkBlockingJobs(ctx context.Context, orgID uuid.UUID, exclude *uuid.UUID) error {
	active, err := m.deps.Jobs.ActiveJobs(ctx, orgID, models.JobTypeExtraction)
	if err != nil {
		return err
	}

	var blocking []string
	for _, job := range active {
		if exclude != nil && job.ID == *exclude {
			continue
		}
		blocking = append(blocking, job.ID.String())
	}

	if len(blocking) > 0 {
		return &errs.ConflictError{
			Message:        fmt.Sprintf("organization %s has active extraction jobs", orgID),
			BlockingJobIDs: blocking,
		}
	}
	return nil
}

// Cleanup returns the organization's cleanup record.
func (m *Manager) Cleanup(ctx context.Context, orgID uuid.UUID) (*models.CleanupRecord, error) {
	rec, err := m.deps.Cleanups.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, store.ErrCleanupRecordNotFound) {
			return nil, errs.NotFound("cleanup record", orgID.String())
		}
		return nil, fmt.Errorf("failed to get cleanup record: %w", err)
	}
	return rec, nil
}

// SweepDue submits a purge for every organization whose offboard time has
// passed and whose purge job is gone or finished without removing it.
func (m *Manager) SweepDue(ctx context.Context) error {
	due, err := m.deps.Organizations.ListOffboardDue(ctx, m.now())
	if err != nil {
		return fmt.Errorf("failed to list due organizations: %w", err)
	}

	for _, org := range due {
		if org.PurgeJobID != nil {
			job, err := m.deps.Jobs.Get(ctx, org.ID, *org.PurgeJobID)
			if err == nil && !job.Status.IsTerminal() {
				continue
			}
		}

		if err := m.resubmitPurge(ctx, org.ID); err != nil {
			log.Error().Err(err).Str("org_id", org.ID.String()).Msg("Failed to resubmit purge")
		}
	}

	return nil
}

func (m *Manager) resubmitPurge(ctx context.Context, orgID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, err := m.Get(ctx, orgID)
	if err != nil {
		return err
	}
	if !org.OffboardScheduled() {
		return nil
	}

	job, err := m.deps.Jobs.Submit(ctx, jobs.CreateRequest{
		OrganizationID: orgID,
		Type:           models.JobTypeOffboard,
		Priority:       models.PriorityHigh,
		Parameters:     map[string]any{"force": true, "reason": org.OffboardReason},
	})
	if err != nil {
		return err
	}

	org.PurgeJobID = &job.ID
	org.UpdatedAt = m.now()
	if err := m.deps.Organizations.Update(ctx, org); err != nil {
		return fmt.Errorf("failed to record purge job: %w", err)
	}

	log.Info().
		Str("org_id", orgID.String()).
		Str("job_id", job.ID.String()).
		Msg("Overdue offboard purge submitted")

	return nil
}

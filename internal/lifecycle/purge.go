package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
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

// PurgeOptions control PurgeNow.
type PurgeOptions struct {
	// Force cancels the organization's jobs instead of refusing while
	// extraction jobs are active.
	Force bool
	// JobID is the purge job running this purge. It never blocks the purge
	// and is recorded on the cleanup record.
	JobID *uuid.UUID
}

// PurgeNow irreversibly deletes the organization's data from every
// cooperating service in order, recording each step. A failed step never
// stops later steps; the organization row goes only once the primary store
// step succeeded. Calling it again resumes the steps that have not
// succeeded, and succeeds without work once everything is gone.
//
// The returned error reports failures of the primary store or cache steps.
// Executor step failures are only logged.
func (m *Manager) PurgeNow(ctx context.Context, orgID uuid.UUID, opts PurgeOptions) (*models.CleanupRecord, error) {
	if orgID == models.DefaultOrganizationID {
		return nil, errs.Permission("the default organization cannot be purged")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	org, err := m.deps.Organizations.Get(ctx, orgID)
	if err != nil && !errors.Is(err, store.ErrOrganizationNotFound) {
		return nil, fmt.Errorf("failed to load organization: %w", err)
	}

	rec, err := m.deps.Cleanups.Get(ctx, orgID)
	if err != nil && !errors.Is(err, store.ErrCleanupRecordNotFound) {
		return nil, fmt.Errorf("failed to load cleanup record: %w", err)
	}

	if org == nil {
		if rec == nil || rec.Status == models.CleanupStatusCompleted {
			log.Debug().Str("org_id", orgID.String()).Msg("Organization already purged")
			return rec, nil
		}
		log.Info().Str("org_id", orgID.String()).Msg("Retrying unfinished cleanup steps")
		return m.runSteps(ctx, orgID, nil, rec)
	}

	if !opts.Force {
		if err := m.checkBlockingJobs(ctx, orgID, opts.JobID); err != nil {
			return nil, err
		}
	}

	if org.Active {
		// no new work while the purge runs
		org.Active = false
		org.UpdatedAt = m.now()
		if err := m.deps.Organizations.Update(ctx, org); err != nil {
			return nil, fmt.Errorf("failed to deactivate organization: %w", err)
		}
	}

	if m.deps.Forgetter != nil {
		if n := m.deps.Forgetter.DropQueued(orgID); n > 0 {
			log.Info().Str("org_id", orgID.String()).Int("jobs", n).Msg("Dropped queued jobs before purge")
		}
	}
	if opts.Force {
		m.cancelJobs(ctx, orgID, opts.JobID)
	}

	if rec == nil {
		rec = models.NewCleanupRecord(orgID, m.now())
	}
	rec.Status = models.CleanupStatusInProgress
	rec.FinishedAt = nil
	if opts.JobID != nil {
		rec.JobID = opts.JobID
	}

	return m.runSteps(ctx, orgID, org, rec)
}

func (m *Manager) cancelJobs(ctx context.Context, orgID uuid.UUID, exclude *uuid.UUID) {
	active, err := m.deps.Jobs.ActiveJobs(ctx, orgID)
	if err != nil {
		log.Warn().Err(err).Str("org_id", orgID.String()).Msg("Failed to list jobs to cancel")
		return
	}

	for _, job := range active {
		if exclude != nil && job.ID == *exclude {
			continue
		}
		if _, err := m.deps.Jobs.Cancel(ctx, orgID, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to cancel job before purge")
		}
	}
}

func (m *Manager) runSteps(ctx context.Context, orgID uuid.UUID, org *models.Organization, rec *models.CleanupRecord) (*models.CleanupRecord, error) {
	if err := m.deps.Cleanups.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save cleanup record: %w", err)
	}

	var failed []string
	for i := range rec.Steps {
		step := &rec.Steps[i]
		if step.Status == models.CleanupStepSucceeded {
			continue
		}

		m.runStep(ctx, orgID, step)

		if step.Service == models.CleanupServicePrimaryStore && step.Status == models.CleanupStepSucceeded && org != nil {
			if err := m.deleteOrganization(ctx, orgID); err != nil {
				step.Status = models.CleanupStepFailed
				step.Reason = err.Error()
			}
		}

		if err := m.deps.Cleanups.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to save cleanup record: %w", err)
		}

		if step.Status == models.CleanupStepFailed && !isExecutorStep(step.Service) {
			failed = append(failed, step.Service)
		}
	}

	rec.Settle(m.now())
	if err := m.deps.Cleanups.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save cleanup record: %w", err)
	}

	log.Info().
		Str("org_id", orgID.String()).
		Str("status", string(rec.Status)).
		Msg("Organization purge finished")

	notify.Send(ctx, m.deps.Notifier, notify.Event{
		Type:           notify.EventOrganizationPurged,
		OrganizationID: orgID,
		JobID:          rec.JobID,
		Status:         string(rec.Status),
	})

	if len(failed) > 0 {
		return rec, fmt.Errorf("purge of organization %s incomplete, failed steps: %v", orgID, failed)
	}
	return rec, nil
}

func (m *Manager) deleteOrganization(ctx context.Context, orgID uuid.UUID) error {
	if err := m.deps.Organizations.Delete(ctx, orgID); err != nil && !errors.Is(err, store.ErrOrganizationNotFound) {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	if m.deps.Forgetter != nil {
		m.deps.Forgetter.ForgetOrganization(orgID)
	}
	telemetry.GetMetrics().OrganizationsPurged.Add(ctx, 1)

	log.Info().Str("org_id", orgID.String()).Msg("Organization deleted")
	return nil
}

func isExecutorStep(service string) bool {
	return service == models.CleanupServiceExtractionExecutor || service == models.CleanupServiceAnalysisExecutor
}

// runStep performs one step with bounded retries and records the outcome.
func (m *Manager) runStep(ctx context.Context, orgID uuid.UUID, step *models.CleanupStep) {
	fn, name := m.stepFunc(step.Service)
	start := time.Now()

	attempts := 0
	var err error
	if fn == nil {
		log.Debug().Str("service", step.Service).Msg("No cooperating service configured, skipping step")
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.cfg.RetryInterval

		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
			defer cancel()

			if err := fn(stepCtx, orgID); err != nil {
				if errors.Is(err, errs.ErrPermission) || errors.Is(err, errs.ErrValidation) {
					return struct{}{}, backoff.Permanent(err)
				}
				return struct{}{}, err
			}
			return struct{}{}, nil
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(m.cfg.MaxAttempts)),
		)
	}

	step.Attempts += attempts
	step.UpdatedAt = m.now()

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		step.Status = models.CleanupStepFailed
		if isExecutorStep(step.Service) {
			err = errs.ExecutorUnavailable(name, err)
		}
		step.Reason = err.Error()

		evt := log.Error()
		if isExecutorStep(step.Service) {
			evt = log.Warn()
		}
		evt.Err(err).
			Str("org_id", orgID.String()).
			Str("service", step.Service).
			Int("attempts", attempts).
			Msg("Cleanup step failed")
	} else {
		step.Status = models.CleanupStepSucceeded
		step.Reason = ""
		log.Info().
			Str("org_id", orgID.String()).
			Str("service", step.Service).
			Int("attempts", attempts).
			Msg("Cleanup step succeeded")
	}

	attrs := metric.WithAttributes(
		attribute.String("service", step.Service),
		attribute.String("outcome", outcome),
	)
	telemetry.GetMetrics().CleanupStepsTotal.Add(ctx, 1, attrs)
	telemetry.GetMetrics().CleanupStepDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	notify.Send(ctx, m.deps.Notifier, notify.Event{
		Type:           notify.EventCleanupStepFinished,
		OrganizationID: orgID,
		Status:         string(step.Status),
		Message:        step.Service,
	})
}

func (m *Manager) stepFunc(service string) (func(context.Context, uuid.UUID) error, string) {
	switch service {
	case models.CleanupServicePrimaryStore:
		return func(ctx context.Context, orgID uuid.UUID) error {
			res, err := m.deps.Purger.PurgeOrganization(ctx, orgID)
			if err != nil {
				return err
			}
			log.Info().
				Str("org_id", orgID.String()).
				Int64("jobs", res.Jobs).
				Int64("log_entries", res.LogEntries).
				Msg("Deleted organization data from primary store")
			return nil
		}, service
	case models.CleanupServiceCache:
		if m.deps.Cache == nil {
			return nil, service
		}
		return m.deps.Cache.DeleteOrganization, service
	case models.CleanupServiceExtractionExecutor:
		return deleterFunc(m.deps.Extraction)
	case models.CleanupServiceAnalysisExecutor:
		return deleterFunc(m.deps.Analysis)
	}
	return func(context.Context, uuid.UUID) error {
		return fmt.Errorf("unknown cleanup service %q", service)
	}, service
}

func deleterFunc(d DataDeleter) (func(context.Context, uuid.UUID) error, string) {
	if d == nil {
		return nil, ""
	}
	return d.DeleteOrganizationData, d.Name()
}

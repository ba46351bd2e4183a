package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/dispatch"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
)

// EventSink receives the purge job's events.
type EventSink interface {
	OnExecutorEvent(ctx context.Context, jobID uuid.UUID, evt dispatch.Event) (*models.Job, error)
}

// PurgeExecutor runs offboard jobs in process.
type PurgeExecutor struct {
	manager *Manager
	events  EventSink

	wg sync.WaitGroup
}

// NewPurgeExecutor creates the offboard executor. events is usually the
// dispatcher the executor is registered with.
func NewPurgeExecutor(manager *Manager, events EventSink) *PurgeExecutor {
	return &PurgeExecutor{manager: manager, events: events}
}

func (e *PurgeExecutor) Name() string { return "lifecycle" }

// Dispatch starts the purge in the background.
func (e *PurgeExecutor) Dispatch(ctx context.Context, job *models.Job, taskToken string) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(context.WithoutCancel(ctx), job)
	}()
	return nil
}

// Cancel is accepted but a started purge always runs to the end.
func (e *PurgeExecutor) Cancel(ctx context.Context, job *models.Job) error {
	log.Warn().Str("job_id", job.ID.String()).Msg("Purge jobs cannot be interrupted once started")
	return nil
}

// Wait blocks until running purges return.
func (e *PurgeExecutor) Wait() {
	e.wg.Wait()
}

func (e *PurgeExecutor) run(ctx context.Context, job *models.Job) {
	force, _ := job.Parameters["force"].(bool)
	jobID := job.ID

	e.report(ctx, jobID, dispatch.Progress(0, "purging organization data"))

	rec, err := e.manager.PurgeNow(ctx, job.OrganizationID, PurgeOptions{Force: force, JobID: &jobID})
	if err != nil {
		e.report(ctx, jobID, dispatch.Failed(err.Error()))
		return
	}

	result := map[string]any{}
	if rec != nil {
		steps := make([]any, 0, len(rec.Steps))
		for _, s := range rec.Steps {
			steps = append(steps, map[string]any{
				"service":  s.Service,
				"status":   string(s.Status),
				"reason":   s.Reason,
				"attempts": s.Attempts,
			})
		}
		result["status"] = string(rec.Status)
		result["steps"] = steps
	}

	e.report(ctx, jobID, dispatch.Completed(result))
}

func (e *PurgeExecutor) report(ctx context.Context, jobID uuid.UUID, evt dispatch.Event) {
	if _, err := e.events.OnExecutorEvent(ctx, jobID, evt); err != nil {
		// the primary store step deletes the purge job along with the rest
		if errors.Is(err, errs.ErrNotFound) {
			return
		}
		log.Warn().Err(err).
			Str("job_id", jobID.String()).
			Str("event", string(evt.Kind)).
			Msg("Failed to report purge event")
	}
}

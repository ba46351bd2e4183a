package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

func newJob(orgID uuid.UUID, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:             uuid.Must(uuid.NewV7()),
		OrganizationID: orgID,
		Type:           models.JobTypeExtraction,
		Status:         models.JobStatusPending,
		Priority:       models.PriorityMedium,
		Parameters:     map[string]any{"sources": []any{"audit_logs"}},
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func TestJobStoreTransition(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.Must(uuid.NewV7())

	t.Run("follows the edge table", func(t *testing.T) {
		st := NewJobStore()
		job := newJob(orgID, time.Now())
		require.NoError(t, st.Create(ctx, job))

		running, err := st.Transition(ctx, job.ID, models.JobStatusRunning, store.JobUpdate{})
		require.NoError(t, err)
		require.Equal(t, models.JobStatusRunning, running.Status)
		require.NotNil(t, running.StartedAt)

		done, err := st.Transition(ctx, job.ID, models.JobStatusCompleted, store.JobUpdate{
			Message: strPtr("done"),
			Result:  map[string]any{"records": 12},
		})
		require.NoError(t, err)
		require.Equal(t, 100, done.Progress)
		require.Equal(t, "done", done.CurrentMessage)
		require.NotNil(t, done.CompletedAt)
		require.Equal(t, 12, done.Result["records"])
	})

	t.Run("terminal states are immutable", func(t *testing.T) {
		st := NewJobStore()
		job := newJob(orgID, time.Now())
		require.NoError(t, st.Create(ctx, job))

		_, err := st.Transition(ctx, job.ID, models.JobStatusCancelled, store.JobUpdate{})
		require.NoError(t, err)

		for _, to := range []models.JobStatus{models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusPending} {
			_, err := st.Transition(ctx, job.ID, to, store.JobUpdate{})
			require.ErrorIs(t, err, errs.ErrInvalidTransition, "cancelled -> %s", to)
		}

		got, err := st.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusCancelled, got.Status)
	})

	t.Run("pending cannot complete", func(t *testing.T) {
		st := NewJobStore()
		job := newJob(orgID, time.Now())
		require.NoError(t, st.Create(ctx, job))

		_, err := st.Transition(ctx, job.ID, models.JobStatusCompleted, store.JobUpdate{})
		var ite *errs.InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		require.Equal(t, "pending", ite.From)
		require.Equal(t, "completed", ite.To)
	})

	t.Run("unknown job", func(t *testing.T) {
		st := NewJobStore()
		_, err := st.Transition(ctx, uuid.New(), models.JobStatusRunning, store.JobUpdate{})
		require.ErrorIs(t, err, store.ErrJobNotFound)
		require.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestJobStoreUpdateProgress(t *testing.T) {
	ctx := context.Background()
	st := NewJobStore()
	job := newJob(uuid.Must(uuid.NewV7()), time.Now())
	require.NoError(t, st.Create(ctx, job))

	_, err := st.UpdateProgress(ctx, job.ID, store.ProgressUpdate{Percent: intPtr(10)})
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	_, err = st.Transition(ctx, job.ID, models.JobStatusRunning, store.JobUpdate{})
	require.NoError(t, err)

	got, err := st.UpdateProgress(ctx, job.ID, store.ProgressUpdate{
		Percent: intPtr(140),
		Message: strPtr("pulling sign-ins"),
		Flags:   map[string]bool{models.FlagThrottled: true},
	})
	require.NoError(t, err)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, "pulling sign-ins", got.CurrentMessage)

	got, err = st.UpdateProgress(ctx, job.ID, store.ProgressUpdate{
		Flags: map[string]bool{models.FlagThrottled: false, models.FlagSourceLoggingDisabled: true},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{models.FlagThrottled: false, models.FlagSourceLoggingDisabled: true}, got.Flags)
	require.Equal(t, "pulling sign-ins", got.CurrentMessage)
}

func TestJobStoreList(t *testing.T) {
	ctx := context.Background()
	st := NewJobStore()
	orgID := uuid.Must(uuid.NewV7())
	other := uuid.Must(uuid.NewV7())

	base := time.Now().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job := newJob(orgID, base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			job.Type = models.JobTypeAnalysis
		}
		require.NoError(t, st.Create(ctx, job))
		ids = append(ids, job.ID)
	}
	require.NoError(t, st.Create(ctx, newJob(other, base)))

	t.Run("newest first", func(t *testing.T) {
		jobs, total, err := st.List(ctx, orgID, store.JobFilter{})
		require.NoError(t, err)
		require.Equal(t, 5, total)
		require.Len(t, jobs, 5)
		require.Equal(t, ids[4], jobs[0].ID)
		require.Equal(t, ids[0], jobs[4].ID)
	})

	t.Run("paged", func(t *testing.T) {
		jobs, total, err := st.List(ctx, orgID, store.JobFilter{Page: 2, PageSize: 2})
		require.NoError(t, err)
		require.Equal(t, 5, total)
		require.Len(t, jobs, 2)
		require.Equal(t, ids[2], jobs[0].ID)

		jobs, _, err = st.List(ctx, orgID, store.JobFilter{Page: 4, PageSize: 2})
		require.NoError(t, err)
		require.Empty(t, jobs)
	})

	t.Run("filtered by type", func(t *testing.T) {
		jobs, total, err := st.List(ctx, orgID, store.JobFilter{Types: []models.JobType{models.JobTypeAnalysis}})
		require.NoError(t, err)
		require.Equal(t, 2, total)
		for _, j := range jobs {
			require.Equal(t, models.JobTypeAnalysis, j.Type)
		}
	})

	t.Run("by status across organizations", func(t *testing.T) {
		jobs, err := st.ListByStatus(ctx, models.JobStatusPending)
		require.NoError(t, err)
		require.Len(t, jobs, 6)
	})
}

func TestJobStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewJobStore()
	job := newJob(uuid.Must(uuid.NewV7()), time.Now())
	require.NoError(t, st.Create(ctx, job))

	job.Parameters["sources"] = []any{"sign_ins"}
	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, []any{"audit_logs"}, got.Parameters["sources"])

	require.ErrorIs(t, st.Create(ctx, got), store.ErrJobAlreadyExists)
}

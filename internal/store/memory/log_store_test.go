package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

func TestLogStoreAppend(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore()
	logs := NewLogStore(jobs)
	job := newJob(uuid.Must(uuid.NewV7()), time.Now())
	require.NoError(t, jobs.Create(ctx, job))

	var prev *models.LogEntry
	for i := 0; i < 50; i++ {
		e, err := logs.Append(ctx, &models.LogEntry{JobID: job.ID, Level: models.LogLevelInfo, Message: fmt.Sprintf("line %d", i)})
		require.NoError(t, err)
		require.Equal(t, job.OrganizationID, e.OrganizationID)
		require.Equal(t, int64(i+1), e.Sequence)
		if prev != nil {
			require.True(t, e.Timestamp.After(prev.Timestamp))
		}
		prev = e
	}

	_, err := logs.Append(ctx, &models.LogEntry{JobID: uuid.New(), Message: "orphan"})
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestLogStoreListIsRestartable(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore()
	logs := NewLogStore(jobs)
	job := newJob(uuid.Must(uuid.NewV7()), time.Now())
	require.NoError(t, jobs.Create(ctx, job))

	for i := 0; i < 3; i++ {
		_, err := logs.Append(ctx, &models.LogEntry{JobID: job.ID, Level: models.LogLevelInfo, Message: fmt.Sprintf("a%d", i)})
		require.NoError(t, err)
	}

	all, err := logs.List(ctx, job.ID, store.LogQuery{})
	require.NoError(t, err)
	since := all[0].Timestamp

	first, err := logs.List(ctx, job.ID, store.LogQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, first, 2)

	for i := 0; i < 2; i++ {
		_, err := logs.Append(ctx, &models.LogEntry{JobID: job.ID, Level: models.LogLevelWarn, Message: fmt.Sprintf("b%d", i)})
		require.NoError(t, err)
	}

	second, err := logs.List(ctx, job.ID, store.LogQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, second, 4)
	require.Equal(t, first, second[:len(first)])

	tail, err := logs.List(ctx, job.ID, store.LogQuery{AfterSequence: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "b0", tail[0].Message)
}

func TestLogStorePruneKeepsSequence(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore()
	logs := NewLogStore(jobs)
	job := newJob(uuid.Must(uuid.NewV7()), time.Now())
	require.NoError(t, jobs.Create(ctx, job))

	for i := 0; i < 3; i++ {
		_, err := logs.Append(ctx, &models.LogEntry{JobID: job.ID, Level: models.LogLevelInfo, Message: "old"})
		require.NoError(t, err)
	}

	removed, err := logs.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	e, err := logs.Append(ctx, &models.LogEntry{JobID: job.ID, Level: models.LogLevelInfo, Message: "new"})
	require.NoError(t, err)
	require.Equal(t, int64(4), e.Sequence)
}

func TestDataPurger(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore()
	logs := NewLogStore(jobs)
	purger := NewDataPurger(jobs, logs)

	orgID := uuid.Must(uuid.NewV7())
	keep := uuid.Must(uuid.NewV7())
	doomed := newJob(orgID, time.Now())
	kept := newJob(keep, time.Now())
	require.NoError(t, jobs.Create(ctx, doomed))
	require.NoError(t, jobs.Create(ctx, kept))
	for _, id := range []uuid.UUID{doomed.ID, kept.ID} {
		_, err := logs.Append(ctx, &models.LogEntry{JobID: id, Level: models.LogLevelInfo, Message: "x"})
		require.NoError(t, err)
	}

	res, err := purger.PurgeOrganization(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, store.PurgeResult{LogEntries: 1, Jobs: 1}, res)

	_, err = jobs.Get(ctx, doomed.ID)
	require.ErrorIs(t, err, store.ErrJobNotFound)
	_, err = jobs.Get(ctx, kept.ID)
	require.NoError(t, err)

	res, err = purger.PurgeOrganization(ctx, orgID)
	require.NoError(t, err)
	require.Zero(t, res.Jobs)
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{JobStatusPending, JobStatusRunning}:   true,
		{JobStatusRunning, JobStatusCompleted}: true,
		{JobStatusRunning, JobStatusFailed}:    true,
		{JobStatusRunning, JobStatusCancelled}: true,
		{JobStatusPending, JobStatusCancelled}: true,
	}

	all := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	for _, from := range all {
		for _, to := range all {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				require.Equal(t, allowed[[2]JobStatus{from, to}], CanTransition(from, to))
			})
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, from := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		require.True(t, from.IsTerminal())
		for _, to := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
			require.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	require.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	require.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	require.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
	require.Equal(t, PriorityMedium.Rank(), Priority("").Rank())
}

func TestJobDurationAndClone(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(90 * time.Second)
	job := &Job{
		StartedAt:   &start,
		CompletedAt: &end,
		Parameters:  map[string]any{"sources": []any{"audit_logs"}},
		Flags:       map[string]bool{FlagThrottled: true},
	}
	require.Equal(t, 90*time.Second, job.Duration())

	c := job.Clone()
	c.Flags[FlagThrottled] = false
	c.Parameters["extra"] = 1
	require.True(t, job.Flags[FlagThrottled])
	require.NotContains(t, job.Parameters, "extra")

	require.Zero(t, (&Job{StartedAt: &start}).Duration())
}

func TestCleanupRecordSettle(t *testing.T) {
	now := time.Now()
	rec := NewCleanupRecord(DefaultOrganizationID, now)
	require.Len(t, rec.Steps, len(CleanupServices))
	require.Equal(t, CleanupServicePrimaryStore, rec.Steps[0].Service)

	for i := range rec.Steps {
		rec.Steps[i].Status = CleanupStepSucceeded
	}
	rec.Step(CleanupServiceAnalysisExecutor).Status = CleanupStepFailed
	rec.Settle(now)
	require.Equal(t, CleanupStatusPartial, rec.Status)

	rec.Step(CleanupServiceAnalysisExecutor).Status = CleanupStepSucceeded
	rec.Settle(now)
	require.Equal(t, CleanupStatusCompleted, rec.Status)
	require.NotNil(t, rec.FinishedAt)
}

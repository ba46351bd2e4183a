package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/notify"
	"github.com/wolfeidau/caseflow/internal/store"
	"github.com/wolfeidau/caseflow/internal/store/memory"
)

type fakeExecutor struct {
	name string
	err  error

	mu         sync.Mutex
	dispatched []uuid.UUID
	tokens     []string
	cancelled  []uuid.UUID
}

func (e *fakeExecutor) Name() string { return e.name }

func (e *fakeExecutor) Dispatch(ctx context.Context, job *models.Job, taskToken string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatched = append(e.dispatched, job.ID)
	e.tokens = append(e.tokens, taskToken)
	return e.err
}

func (e *fakeExecutor) Cancel(ctx context.Context, job *models.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, job.ID)
	return nil
}

func (e *fakeExecutor) dispatchedIDs() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.dispatched...)
}

func (e *fakeExecutor) cancelledIDs() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uuid.UUID(nil), e.cancelled...)
}

type staticIssuer struct{}

func (staticIssuer) Issue(jobID, orgID uuid.UUID, jobType string) (string, error) {
	return "token-" + jobID.String(), nil
}

var (
	base    = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	testOrg = uuid.MustParse("0192f0c4-1111-7000-8000-000000000001")
)

func createJob(t *testing.T, jobs store.JobStore, jobType models.JobType, priority models.Priority, offset time.Duration) *models.Job {
	t.Helper()

	job := &models.Job{
		ID:             uuid.Must(uuid.NewV7()),
		OrganizationID: testOrg,
		Type:           jobType,
		Status:         models.JobStatusPending,
		Priority:       priority,
		CreatedAt:      base.Add(offset),
		UpdatedAt:      base.Add(offset),
	}
	require.NoError(t, jobs.Create(context.Background(), job))
	return job
}

func newDispatcher(t *testing.T, limit int) (*Dispatcher, *memory.JobStore, *fakeExecutor) {
	t.Helper()

	jobs := memory.NewJobStore()
	d := New(jobs, Config{MaxRunningPerOrg: limit}, staticIssuer{}, nil, notify.Nop{})
	exec := &fakeExecutor{name: "extraction"}
	d.Register(models.JobTypeExtraction, exec)
	t.Cleanup(func() { d.wg.Wait() })

	return d, jobs, exec
}

func requireStatus(t *testing.T, jobs store.JobStore, id uuid.UUID, status models.JobStatus) *models.Job {
	t.Helper()
	job, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, status, job.Status)
	return job
}

func TestConcurrencyLimitScenario(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 2)

	j1 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityLow, 0)
	j2 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)
	j3 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityLow, 2*time.Second)
	j4 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityCritical, 3*time.Second)
	j5 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityHigh, 4*time.Second)

	for _, j := range []*models.Job{j1, j2, j3, j4, j5} {
		require.NoError(t, d.Enqueue(ctx, j))
	}

	require.Equal(t, 2, d.Running(testOrg))
	require.Equal(t, 3, d.Queued(testOrg))
	requireStatus(t, jobs, j1.ID, models.JobStatusRunning)
	requireStatus(t, jobs, j2.ID, models.JobStatusRunning)
	for _, j := range []*models.Job{j3, j4, j5} {
		requireStatus(t, jobs, j.ID, models.JobStatusPending)
	}
	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 2 }, time.Second, 10*time.Millisecond)

	// finishing a job admits the highest priority pending job
	_, err := d.OnExecutorEvent(ctx, j1.ID, Completed(map[string]any{"events": 12}))
	require.NoError(t, err)
	requireStatus(t, jobs, j4.ID, models.JobStatusRunning)
	require.Equal(t, 2, d.Running(testOrg))

	_, err = d.OnExecutorEvent(ctx, j2.ID, Failed("tenant unreachable"))
	require.NoError(t, err)
	requireStatus(t, jobs, j5.ID, models.JobStatusRunning)
	requireStatus(t, jobs, j3.ID, models.JobStatusPending)

	_, err = d.OnExecutorEvent(ctx, j4.ID, CancelledAck())
	require.NoError(t, err)
	requireStatus(t, jobs, j3.ID, models.JobStatusRunning)
	require.Equal(t, 0, d.Queued(testOrg))

	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 5 }, time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []uuid.UUID{j1.ID, j2.ID, j3.ID, j4.ID, j5.ID}, exec.dispatchedIDs())
}

func TestLimitsAreOrganizationScoped(t *testing.T) {
	ctx := context.Background()
	d, jobs, _ := newDispatcher(t, 1)

	j1 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	other := &models.Job{
		ID:             uuid.Must(uuid.NewV7()),
		OrganizationID: uuid.Must(uuid.NewV7()),
		Type:           models.JobTypeExtraction,
		Status:         models.JobStatusPending,
		Priority:       models.PriorityMedium,
		CreatedAt:      base,
	}
	require.NoError(t, jobs.Create(ctx, other))

	require.NoError(t, d.Enqueue(ctx, j1))
	require.NoError(t, d.Enqueue(ctx, other))

	requireStatus(t, jobs, j1.ID, models.JobStatusRunning)
	requireStatus(t, jobs, other.ID, models.JobStatusRunning)
}

func TestHandOffFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 1)
	exec.err = errors.New("connection refused")

	j1 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	j2 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)
	require.NoError(t, d.Enqueue(ctx, j1))
	require.NoError(t, d.Enqueue(ctx, j2))

	require.Eventually(t, func() bool {
		job, err := jobs.Get(ctx, j1.ID)
		return err == nil && job.Status == models.JobStatusFailed
	}, time.Second, 10*time.Millisecond)

	failed := requireStatus(t, jobs, j1.ID, models.JobStatusFailed)
	require.Contains(t, failed.CurrentMessage, "executor unavailable: ")

	// the freed slot goes to the next job, which fails the same way
	require.Eventually(t, func() bool {
		job, err := jobs.Get(ctx, j2.ID)
		return err == nil && job.Status == models.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, d.Running(testOrg))
}

func TestMissingExecutorFailsJob(t *testing.T) {
	ctx := context.Background()
	d, jobs, _ := newDispatcher(t, 1)

	job := createJob(t, jobs, models.JobTypeAnalysis, models.PriorityMedium, 0)
	require.NoError(t, d.Enqueue(ctx, job))

	require.Eventually(t, func() bool {
		got, err := jobs.Get(ctx, job.ID)
		return err == nil && got.Status == models.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionTestUsesExtractionExecutor(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 1)

	job := createJob(t, jobs, models.JobTypeConnectionTest, models.PriorityHigh, 0)
	require.NoError(t, d.Enqueue(ctx, job))

	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)
	exec.mu.Lock()
	require.Equal(t, "token-"+job.ID.String(), exec.tokens[0])
	exec.mu.Unlock()
}

func TestLateEventsRejected(t *testing.T) {
	ctx := context.Background()
	d, jobs, _ := newDispatcher(t, 1)

	j1 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	require.NoError(t, d.Enqueue(ctx, j1))

	_, err := d.OnExecutorEvent(ctx, j1.ID, Started())
	require.NoError(t, err)
	got, err := d.OnExecutorEvent(ctx, j1.ID, Progress(40, "pulling sign-ins"))
	require.NoError(t, err)
	require.Equal(t, 40, got.Progress)
	require.Equal(t, "pulling sign-ins", got.CurrentMessage)

	_, err = d.OnExecutorEvent(ctx, j1.ID, Completed(nil))
	require.NoError(t, err)

	_, err = d.OnExecutorEvent(ctx, j1.ID, Completed(nil))
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	_, err = d.OnExecutorEvent(ctx, j1.ID, Progress(90, ""))
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	_, err = d.OnExecutorEvent(ctx, j1.ID, Failed("boom"))
	require.ErrorIs(t, err, errs.ErrInvalidTransition)

	done := requireStatus(t, jobs, j1.ID, models.JobStatusCompleted)
	require.Equal(t, 100, done.Progress)
}

func TestInvalidEvents(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDispatcher(t, 1)

	_, err := d.OnExecutorEvent(ctx, uuid.New(), Event{Kind: "paused"})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = d.OnExecutorEvent(ctx, uuid.New(), Failed(""))
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = d.OnExecutorEvent(ctx, uuid.New(), Progress(101, "too far"))
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = d.OnExecutorEvent(ctx, uuid.New(), Completed(nil))
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCancelledRunningJobReleasesSlot(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 1)

	j1 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	j2 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)
	require.NoError(t, d.Enqueue(ctx, j1))
	require.NoError(t, d.Enqueue(ctx, j2))

	cancelled, err := jobs.Transition(ctx, j1.ID, models.JobStatusCancelled, store.JobUpdate{})
	require.NoError(t, err)
	d.Cancelled(ctx, cancelled)

	requireStatus(t, jobs, j2.ID, models.JobStatusRunning)
	require.Eventually(t, func() bool { return len(exec.cancelledIDs()) == 1 }, time.Second, 10*time.Millisecond)

	// the executor finishing anyway is rejected
	_, err = d.OnExecutorEvent(ctx, j1.ID, Completed(nil))
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	requireStatus(t, jobs, j1.ID, models.JobStatusCancelled)
	requireStatus(t, jobs, j2.ID, models.JobStatusRunning)

	// acknowledging the cancel is accepted
	_, err = d.OnExecutorEvent(ctx, j1.ID, CancelledAck())
	require.NoError(t, err)
}

func TestCancelledPendingJobLeavesQueue(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 1)

	j1 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	j2 := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)
	require.NoError(t, d.Enqueue(ctx, j1))
	require.NoError(t, d.Enqueue(ctx, j2))

	cancelled, err := jobs.Transition(ctx, j2.ID, models.JobStatusCancelled, store.JobUpdate{})
	require.NoError(t, err)
	d.Cancelled(ctx, cancelled)
	require.Equal(t, 0, d.Queued(testOrg))

	_, err = d.OnExecutorEvent(ctx, j1.ID, Completed(nil))
	require.NoError(t, err)
	require.Equal(t, 0, d.Running(testOrg))
	requireStatus(t, jobs, j2.ID, models.JobStatusCancelled)
	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)
	require.Empty(t, exec.cancelledIDs())
}

func TestDeferredJobsAdmittedWhenDue(t *testing.T) {
	ctx := context.Background()
	d, jobs, _ := newDispatcher(t, 1)

	now := base
	d.now = func() time.Time { return now }

	notBefore := base.Add(time.Hour)
	job := &models.Job{
		ID:             uuid.Must(uuid.NewV7()),
		OrganizationID: testOrg,
		Type:           models.JobTypeExtraction,
		Status:         models.JobStatusPending,
		Priority:       models.PriorityHigh,
		NotBefore:      &notBefore,
		CreatedAt:      base,
	}
	require.NoError(t, jobs.Create(ctx, job))
	require.NoError(t, d.Enqueue(ctx, job))
	require.Equal(t, 1, d.Queued(testOrg))

	d.tick(ctx)
	requireStatus(t, jobs, job.ID, models.JobStatusPending)

	now = notBefore
	d.tick(ctx)
	requireStatus(t, jobs, job.ID, models.JobStatusRunning)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 2)

	running := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	_, err := jobs.Transition(ctx, running.ID, models.JobStatusRunning, store.JobUpdate{})
	require.NoError(t, err)
	pending := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)

	sink := &recordingSink{}
	d.sink = sink

	require.NoError(t, d.Recover(ctx))

	failed := requireStatus(t, jobs, running.ID, models.JobStatusFailed)
	require.Equal(t, "interrupted by restart", failed.CurrentMessage)
	requireStatus(t, jobs, pending.ID, models.JobStatusRunning)
	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)

	// the cached snapshot must not stay at running
	last := sink.last(running.ID)
	require.NotNil(t, last)
	require.Equal(t, models.JobStatusFailed, last.Status)
}

type recordingSink struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (s *recordingSink) PublishJob(ctx context.Context, job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, *job)
}

func (s *recordingSink) last(id uuid.UUID) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.jobs) - 1; i >= 0; i-- {
		if s.jobs[i].ID == id {
			job := s.jobs[i]
			return &job
		}
	}
	return nil
}

func TestOffboardBypassesLimit(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 1)
	purger := &fakeExecutor{name: "purge"}
	d.Register(models.JobTypeOffboard, purger)

	extraction := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	require.NoError(t, d.Enqueue(ctx, extraction))
	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)

	queued := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)
	require.NoError(t, d.Enqueue(ctx, queued))

	offboard := createJob(t, jobs, models.JobTypeOffboard, models.PriorityCritical, 2*time.Second)
	require.NoError(t, d.Enqueue(ctx, offboard))

	requireStatus(t, jobs, offboard.ID, models.JobStatusRunning)
	require.Eventually(t, func() bool { return len(purger.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)
	requireStatus(t, jobs, extraction.ID, models.JobStatusRunning)
	requireStatus(t, jobs, queued.ID, models.JobStatusPending)
	require.Equal(t, 2, d.Running(testOrg))
	require.Equal(t, 1, d.Queued(testOrg))
}

func TestStaleReservationIsRolledBack(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 1)

	first := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	require.NoError(t, d.Enqueue(ctx, first))
	stale := createJob(t, jobs, models.JobTypeExtraction, models.PriorityHigh, time.Second)
	require.NoError(t, d.Enqueue(ctx, stale))
	next := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 2*time.Second)
	require.NoError(t, d.Enqueue(ctx, next))

	// cancelled behind the dispatcher's back, so its reservation fails to start
	_, err := jobs.Transition(ctx, stale.ID, models.JobStatusCancelled, store.JobUpdate{})
	require.NoError(t, err)

	_, err = d.OnExecutorEvent(ctx, first.ID, Completed(nil))
	require.NoError(t, err)

	requireStatus(t, jobs, stale.ID, models.JobStatusCancelled)
	requireStatus(t, jobs, next.ID, models.JobStatusRunning)
	require.Equal(t, 1, d.Running(testOrg))
	require.Equal(t, 0, d.Queued(testOrg))
	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 2 }, time.Second, 10*time.Millisecond)
	require.NotContains(t, exec.dispatchedIDs(), stale.ID)
}

func TestForgetOrganization(t *testing.T) {
	ctx := context.Background()
	d, jobs, _ := newDispatcher(t, 1)

	require.NoError(t, d.Enqueue(ctx, createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)))
	require.NoError(t, d.Enqueue(ctx, createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)))

	d.ForgetOrganization(testOrg)
	require.Equal(t, 0, d.Running(testOrg))
	require.Equal(t, 0, d.Queued(testOrg))
}

func TestDropQueuedKeepsRunningSlots(t *testing.T) {
	ctx := context.Background()
	d, jobs, exec := newDispatcher(t, 1)

	running := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, 0)
	require.NoError(t, d.Enqueue(ctx, running))
	require.Eventually(t, func() bool { return len(exec.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)
	queued := createJob(t, jobs, models.JobTypeExtraction, models.PriorityMedium, time.Second)
	require.NoError(t, d.Enqueue(ctx, queued))

	require.Equal(t, 1, d.DropQueued(testOrg))
	require.Equal(t, 1, d.Running(testOrg))
	require.Equal(t, 0, d.Queued(testOrg))

	// the freed slot is not handed to the dropped job
	_, err := d.OnExecutorEvent(ctx, running.ID, Completed(nil))
	require.NoError(t, err)
	requireStatus(t, jobs, queued.ID, models.JobStatusPending)
	require.Equal(t, 0, d.Running(testOrg))
	require.Equal(t, []uuid.UUID{running.ID}, exec.dispatchedIDs())
}

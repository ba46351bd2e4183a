package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/caseflow/internal/cache"
	"github.com/wolfeidau/caseflow/internal/dispatch"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/jobs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/notify"
	"github.com/wolfeidau/caseflow/internal/store"
	"github.com/wolfeidau/caseflow/internal/store/memory"
)

type fakeDeleter struct {
	name string

	mu       sync.Mutex
	calls    int
	failures int // remaining failures, negative fails forever
}

func (d *fakeDeleter) Name() string { return d.name }

func (d *fakeDeleter) DeleteOrganizationData(ctx context.Context, orgID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return errors.New("503 service unavailable")
	}
	return nil
}

func (d *fakeDeleter) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordingForgetter struct {
	mu      sync.Mutex
	orgs    []uuid.UUID
	drained []uuid.UUID
}

func (f *recordingForgetter) DropQueued(orgID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = append(f.drained, orgID)
	return 0
}

func (f *recordingForgetter) ForgetOrganization(orgID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs = append(f.orgs, orgID)
}

type failingPurger struct{}

func (failingPurger) PurgeOrganization(ctx context.Context, orgID uuid.UUID) (store.PurgeResult, error) {
	return store.PurgeResult{}, errors.New("connection reset by peer")
}

type fixture struct {
	mgr        *Manager
	jobMgr     *jobs.Manager
	orgs       *memory.OrganizationStore
	jobs       *memory.JobStore
	logs       *memory.LogStore
	cleanups   *memory.CleanupStore
	cache      *cache.Cache
	extraction *fakeDeleter
	analysis   *fakeDeleter
	forgetter  *recordingForgetter
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, memory.NewJobStore(), nil, nil)
}

// newFixtureWith wires the job manager to queue and the lifecycle manager to
// forgetter. A nil forgetter records calls on f.forgetter.
func newFixtureWith(t *testing.T, jobStore *memory.JobStore, queue jobs.Queue, forgetter Forgetter) *fixture {
	t.Helper()

	c, err := cache.Open(cache.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	f := &fixture{
		orgs:       memory.NewOrganizationStore(),
		jobs:       jobStore,
		cleanups:   memory.NewCleanupStore(),
		cache:      c,
		extraction: &fakeDeleter{name: "extraction"},
		analysis:   &fakeDeleter{name: "analysis"},
		forgetter:  &recordingForgetter{},
		now:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.logs = memory.NewLogStore(f.jobs)
	f.jobMgr = jobs.NewManager(f.jobs, f.orgs, queue, notify.Nop{})
	if forgetter == nil {
		forgetter = f.forgetter
	}

	f.mgr = New(Deps{
		Organizations: f.orgs,
		Cleanups:      f.cleanups,
		Purger:        memory.NewDataPurger(f.jobs, f.logs),
		Jobs:          f.jobMgr,
		Cache:         c,
		Extraction:    f.extraction,
		Analysis:      f.analysis,
		Forgetter:     forgetter,
		Notifier:      notify.Nop{},
	}, Config{MaxAttempts: 2, RetryInterval: time.Millisecond})
	f.mgr.now = func() time.Time { return f.now }

	return f
}

func (f *fixture) register(t *testing.T) *models.Organization {
	t.Helper()
	org, err := f.mgr.Register(context.Background(), "Contoso", "Contoso.example", 0)
	require.NoError(t, err)
	return org
}

func (f *fixture) runningExtraction(t *testing.T, orgID uuid.UUID) *models.Job {
	t.Helper()
	ctx := context.Background()

	job, err := f.jobMgr.Create(ctx, jobs.CreateRequest{
		OrganizationID: orgID,
		Type:           models.JobTypeExtraction,
		Parameters:     map[string]any{"sources": []string{"audit_logs"}},
	})
	require.NoError(t, err)
	job, err = f.jobs.Transition(ctx, job.ID, models.JobStatusRunning, store.JobUpdate{})
	require.NoError(t, err)
	return job
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	org := f.register(t)
	require.True(t, org.Active)
	require.Equal(t, "contoso.example", org.Domain)
	require.Equal(t, models.DefaultGracePeriodDays, org.GracePeriodDays)

	_, err := f.mgr.Register(ctx, " ", "", 0)
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.mgr.Register(ctx, "Fabrikam", "", 366)
	require.ErrorIs(t, err, errs.ErrValidation)

	def, err := f.mgr.EnsureDefault(ctx)
	require.NoError(t, err)
	require.True(t, def.IsDefault())
	_, err = f.mgr.EnsureDefault(ctx)
	require.NoError(t, err)

	orgs, err := f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
}

func TestDefaultOrganizationProtected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.EnsureDefault(ctx)
	require.NoError(t, err)

	_, err = f.mgr.ScheduleOffboard(ctx, models.DefaultOrganizationID, 7, "test")
	require.ErrorIs(t, err, errs.ErrPermission)

	_, err = f.mgr.RequestPurge(ctx, models.DefaultOrganizationID, true)
	require.ErrorIs(t, err, errs.ErrPermission)

	_, err = f.mgr.PurgeNow(ctx, models.DefaultOrganizationID, PurgeOptions{Force: true})
	require.ErrorIs(t, err, errs.ErrPermission)

	org, err := f.mgr.Get(ctx, models.DefaultOrganizationID)
	require.NoError(t, err)
	require.True(t, org.Active)
	require.Zero(t, f.extraction.callCount())
}

func TestOffboardRestoreSymmetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	org := f.register(t)
	before, err := f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)

	offboardAt, err := f.mgr.ScheduleOffboard(ctx, org.ID, 0, "contract ended")
	require.NoError(t, err)
	require.Equal(t, f.now.Add(7*24*time.Hour), offboardAt)

	scheduled, err := f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)
	require.False(t, scheduled.Active)
	require.Equal(t, "contract ended", scheduled.OffboardReason)
	require.NotNil(t, scheduled.PurgeJobID)

	purgeJob, err := f.jobs.Get(ctx, *scheduled.PurgeJobID)
	require.NoError(t, err)
	require.Equal(t, models.JobTypeOffboard, purgeJob.Type)
	require.Equal(t, models.JobStatusPending, purgeJob.Status)
	require.Equal(t, offboardAt, *purgeJob.NotBefore)

	// scheduling twice reports the existing schedule
	_, err = f.mgr.ScheduleOffboard(ctx, org.ID, 3, "again")
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, offboardAt, *conflict.ScheduledAt)

	restored, err := f.mgr.Restore(ctx, org.ID)
	require.NoError(t, err)
	require.True(t, restored.Active)

	after, err := f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)
	before.UpdatedAt, after.UpdatedAt = time.Time{}, time.Time{}
	require.Equal(t, before, after)

	purgeJob, err = f.jobs.Get(ctx, purgeJob.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCancelled, purgeJob.Status)

	_, err = f.mgr.Restore(ctx, org.ID)
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestScheduleOffboardGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)

	_, err := f.mgr.ScheduleOffboard(ctx, org.ID, 366, "")
	require.ErrorIs(t, err, errs.ErrValidation)

	at, err := f.mgr.ScheduleOffboard(ctx, org.ID, 30, "")
	require.NoError(t, err)
	require.Equal(t, f.now.Add(30*24*time.Hour), at)

	_, err = f.mgr.ScheduleOffboard(ctx, uuid.New(), 1, "")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRestoreRefusedOnceRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)

	_, err := f.mgr.ScheduleOffboard(ctx, org.ID, 1, "")
	require.NoError(t, err)
	scheduled, err := f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)

	_, err = f.jobs.Transition(ctx, *scheduled.PurgeJobID, models.JobStatusRunning, store.JobUpdate{})
	require.NoError(t, err)

	_, err = f.mgr.Restore(ctx, org.ID)
	require.ErrorIs(t, err, errs.ErrConflict)

	job, err := f.jobs.Get(ctx, *scheduled.PurgeJobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, job.Status)
}

func TestPurgeBlockedByActiveExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)
	job := f.runningExtraction(t, org.ID)

	_, err := f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{})
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []string{job.ID.String()}, conflict.BlockingJobIDs)

	_, err = f.mgr.RequestPurge(ctx, org.ID, false)
	require.ErrorIs(t, err, errs.ErrConflict)

	_, err = f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)
	_, err = f.cleanups.Get(ctx, org.ID)
	require.ErrorIs(t, err, store.ErrCleanupRecordNotFound)
}

func TestForcedPurgeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)

	extraction := f.runningExtraction(t, org.ID)
	analysis, err := f.jobMgr.Create(ctx, jobs.CreateRequest{
		OrganizationID: org.ID,
		Type:           models.JobTypeAnalysis,
		Parameters:     map[string]any{"analyses": []string{"timeline"}, "extractionJobId": extraction.ID.String()},
	})
	require.NoError(t, err)
	_, err = f.logs.Append(ctx, &models.LogEntry{JobID: extraction.ID, Level: models.LogLevelInfo, Message: "pulling"})
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(ctx, org.ID, "progress/"+extraction.ID.String(), []byte("{}"), 0))
	require.NoError(t, f.orgs.UpdateCredentials(ctx, org.ID, []byte("sealed")))

	rec, err := f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, models.CleanupStatusCompleted, rec.Status)
	require.NotNil(t, rec.FinishedAt)
	for _, step := range rec.Steps {
		require.Equal(t, models.CleanupStepSucceeded, step.Status, step.Service)
	}

	_, err = f.orgs.Get(ctx, org.ID)
	require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	_, err = f.jobs.Get(ctx, extraction.ID)
	require.ErrorIs(t, err, store.ErrJobNotFound)
	_, err = f.jobs.Get(ctx, analysis.ID)
	require.ErrorIs(t, err, store.ErrJobNotFound)
	entries, err := f.logs.List(ctx, extraction.ID, store.LogQuery{})
	require.NoError(t, err)
	require.Empty(t, entries)
	_, ok, err := f.cache.Get(ctx, org.ID, "progress/"+extraction.ID.String())
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 1, f.extraction.callCount())
	require.Equal(t, 1, f.analysis.callCount())
	require.Equal(t, []uuid.UUID{org.ID}, f.forgetter.orgs)

	stored, err := f.mgr.Cleanup(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, models.CleanupStatusCompleted, stored.Status)
}

func TestPurgeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)

	_, err := f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{})
	require.NoError(t, err)

	rec, err := f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{})
	require.NoError(t, err)
	require.Equal(t, models.CleanupStatusCompleted, rec.Status)
	require.Equal(t, 1, f.extraction.callCount())
	require.Equal(t, 1, f.analysis.callCount())

	// never existed
	rec, err = f.mgr.PurgeNow(ctx, uuid.New(), PurgeOptions{})
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestPurgeResumesFailedSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)
	f.analysis.failures = -1

	rec, err := f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{})
	require.NoError(t, err, "executor failures are warnings")
	require.Equal(t, models.CleanupStatusPartial, rec.Status)

	step := rec.Step(models.CleanupServiceAnalysisExecutor)
	require.Equal(t, models.CleanupStepFailed, step.Status)
	require.Equal(t, 2, step.Attempts)
	require.Contains(t, step.Reason, "executor unavailable")
	require.Equal(t, models.CleanupStepSucceeded, rec.Step(models.CleanupServiceExtractionExecutor).Status)

	// primary store succeeded, so the organization is gone
	_, err = f.orgs.Get(ctx, org.ID)
	require.ErrorIs(t, err, store.ErrOrganizationNotFound)

	f.analysis.mu.Lock()
	f.analysis.failures = 0
	f.analysis.mu.Unlock()

	rec, err = f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{})
	require.NoError(t, err)
	require.Equal(t, models.CleanupStatusCompleted, rec.Status)
	require.Equal(t, 3, rec.Step(models.CleanupServiceAnalysisExecutor).Attempts)
	require.Equal(t, 1, f.extraction.callCount())
}

func TestPrimaryStoreFailureKeepsOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)
	f.mgr.deps.Purger = failingPurger{}

	_, err := f.mgr.ScheduleOffboard(ctx, org.ID, 1, "")
	require.NoError(t, err)

	rec, err := f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{Force: true})
	require.Error(t, err)
	require.Equal(t, models.CleanupStatusPartial, rec.Status)
	require.Equal(t, models.CleanupStepFailed, rec.Step(models.CleanupServicePrimaryStore).Status)
	require.Equal(t, models.CleanupStepSucceeded, rec.Step(models.CleanupServiceCache).Status)
	require.Equal(t, 1, f.analysis.callCount())

	_, err = f.orgs.Get(ctx, org.ID)
	require.NoError(t, err)
	require.Empty(t, f.forgetter.orgs)

	// a started purge cannot be restored
	_, err = f.mgr.Restore(ctx, org.ID)
	require.ErrorIs(t, err, errs.ErrConflict)
}

func TestSweepDueResubmitsLostPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)

	_, err := f.mgr.ScheduleOffboard(ctx, org.ID, 1, "")
	require.NoError(t, err)
	scheduled, err := f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)

	// not due yet
	require.NoError(t, f.mgr.SweepDue(ctx))
	unchanged, err := f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, scheduled.PurgeJobID, unchanged.PurgeJobID)

	// due and the pending purge job is still there
	f.now = f.now.Add(48 * time.Hour)
	require.NoError(t, f.mgr.SweepDue(ctx))
	unchanged, err = f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, scheduled.PurgeJobID, unchanged.PurgeJobID)

	// the purge job was lost
	_, err = f.jobs.Transition(ctx, *scheduled.PurgeJobID, models.JobStatusCancelled, store.JobUpdate{})
	require.NoError(t, err)
	require.NoError(t, f.mgr.SweepDue(ctx))

	resubmitted, err := f.mgr.Get(ctx, org.ID)
	require.NoError(t, err)
	require.NotEqual(t, *scheduled.PurgeJobID, *resubmitted.PurgeJobID)

	job, err := f.jobs.Get(ctx, *resubmitted.PurgeJobID)
	require.NoError(t, err)
	require.Equal(t, models.JobTypeOffboard, job.Type)
	require.Nil(t, job.NotBefore)
}

type fakeWorker struct {
	mu         sync.Mutex
	dispatched []uuid.UUID
	cancelled  []uuid.UUID
}

func (w *fakeWorker) Name() string { return "worker" }

func (w *fakeWorker) Dispatch(ctx context.Context, job *models.Job, taskToken string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dispatched = append(w.dispatched, job.ID)
	return nil
}

func (w *fakeWorker) Cancel(ctx context.Context, job *models.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = append(w.cancelled, job.ID)
	return nil
}

func (w *fakeWorker) dispatchedIDs() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uuid.UUID(nil), w.dispatched...)
}

func (w *fakeWorker) cancelledIDs() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uuid.UUID(nil), w.cancelled...)
}

// newDispatchedFixture runs jobs through a dispatcher that allows one running
// job per organization.
func newDispatchedFixture(t *testing.T) (*fixture, *dispatch.Dispatcher, *fakeWorker) {
	t.Helper()

	jobStore := memory.NewJobStore()
	d := dispatch.New(jobStore, dispatch.Config{MaxRunningPerOrg: 1}, nil, nil, notify.Nop{})
	f := newFixtureWith(t, jobStore, d, d)

	worker := &fakeWorker{}
	d.Register(models.JobTypeExtraction, worker)
	d.Register(models.JobTypeAnalysis, worker)
	return f, d, worker
}

func (f *fixture) submitExtraction(t *testing.T, orgID uuid.UUID) *models.Job {
	t.Helper()
	job, err := f.jobMgr.Submit(context.Background(), jobs.CreateRequest{
		OrganizationID: orgID,
		Type:           models.JobTypeExtraction,
		Parameters:     map[string]any{"sources": []string{"audit_logs"}},
	})
	require.NoError(t, err)
	return job
}

type recordingSink struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (s *recordingSink) OnExecutorEvent(ctx context.Context, jobID uuid.UUID, evt dispatch.Event) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil, store.ErrJobNotFound
}

func TestPurgeExecutor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.register(t)

	job, err := f.mgr.RequestPurge(ctx, org.ID, false)
	require.NoError(t, err)
	require.Equal(t, models.PriorityCritical, job.Priority)

	sink := &recordingSink{}
	exec := NewPurgeExecutor(f.mgr, sink)
	require.NoError(t, exec.Dispatch(ctx, job, ""))
	exec.Wait()

	require.Len(t, sink.events, 2)
	require.Equal(t, dispatch.EventProgress, sink.events[0].Kind)
	require.Equal(t, dispatch.EventCompleted, sink.events[1].Kind)
	require.Equal(t, "completed", sink.events[1].Result["status"])

	rec, err := f.mgr.Cleanup(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, *rec.JobID)
}

func TestForcedPurgeAdmittedAtLimit(t *testing.T) {
	f, d, worker := newDispatchedFixture(t)
	ctx := context.Background()
	org := f.register(t)

	purger := NewPurgeExecutor(f.mgr, d)
	d.Register(models.JobTypeOffboard, purger)

	extraction := f.submitExtraction(t, org.ID)
	require.Equal(t, models.JobStatusRunning, extraction.Status)
	require.Eventually(t, func() bool { return len(worker.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)

	// the only slot is taken by the job the purge has to cancel
	job, err := f.mgr.RequestPurge(ctx, org.ID, true)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, job.Status)

	require.Eventually(t, func() bool {
		rec, err := f.mgr.Cleanup(ctx, org.ID)
		return err == nil && rec.Status == models.CleanupStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	purger.Wait()

	_, err = f.orgs.Get(ctx, org.ID)
	require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	require.Eventually(t, func() bool { return len(worker.cancelledIDs()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []uuid.UUID{extraction.ID}, worker.cancelledIDs())
	require.Equal(t, 0, d.Running(org.ID))
}

func TestForcedPurgeDoesNotAdmitQueuedJobs(t *testing.T) {
	f, d, worker := newDispatchedFixture(t)
	ctx := context.Background()
	org := f.register(t)

	running := f.submitExtraction(t, org.ID)
	queued := f.submitExtraction(t, org.ID)
	require.Equal(t, models.JobStatusRunning, running.Status)
	require.Equal(t, models.JobStatusPending, queued.Status)
	require.Equal(t, 1, d.Queued(org.ID))
	require.Eventually(t, func() bool { return len(worker.dispatchedIDs()) == 1 }, time.Second, 10*time.Millisecond)

	rec, err := f.mgr.PurgeNow(ctx, org.ID, PurgeOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, models.CleanupStatusCompleted, rec.Status)

	require.Eventually(t, func() bool { return len(worker.cancelledIDs()) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []uuid.UUID{running.ID}, worker.dispatchedIDs())
	require.Equal(t, 0, d.Running(org.ID))
	require.Equal(t, 0, d.Queued(org.ID))
}

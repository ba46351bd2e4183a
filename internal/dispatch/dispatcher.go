// Package dispatch admits pending jobs under a per-organization running
// limit, hands them to executors and applies the events executors report.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
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
	DefaultMaxRunningPerOrg = 3
	DefaultDispatchTimeout  = 30 * time.Second
	DefaultTickInterval     = 5 * time.Second

	interruptedReason = "interrupted by restart"
)

var errNoExecutor = errors.New("no executor registered for job type")

// Executor runs jobs out of process. Dispatch must return once the executor
// has accepted the job; progress arrives later through OnExecutorEvent.
type Executor interface {
	Name() string
	Dispatch(ctx context.Context, job *models.Job, taskToken string) error
	Cancel(ctx context.Context, job *models.Job) error
}

// TokenIssuer signs the task token handed to an executor with each job.
type TokenIssuer interface {
	Issue(jobID, orgID uuid.UUID, jobType string) (string, error)
}

// ProgressSink receives job snapshots whenever the dispatcher changes a job.
type ProgressSink interface {
	PublishJob(ctx context.Context, job *models.Job)
}

// Config controls admission.
type Config struct {
	MaxRunningPerOrg int
	DispatchTimeout  time.Duration
	TickInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRunningPerOrg <= 0 {
		c.MaxRunningPerOrg = DefaultMaxRunningPerOrg
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
}

// slot is a reserved running position. started is set once the job's store
// record moved to running.
type slot struct {
	jobType models.JobType
	started bool
}

type queued struct {
	id        uuid.UUID
	jobType   models.JobType
	rank      int
	createdAt time.Time
	notBefore *time.Time
}

// Dispatcher owns the running slots. Every check-and-reserve of a slot
// happens under mu; store writes for reserved slots happen outside it.
// Offboard jobs hold a slot but are not bound by the limit.
type Dispatcher struct {
	jobs     store.JobStore
	cfg      Config
	tokens   TokenIssuer
	sink     ProgressSink
	notifier notify.Publisher
	now      func() time.Time

	mu        sync.Mutex
	executors map[models.JobType]Executor
	running   map[uuid.UUID]map[uuid.UUID]*slot // org_id -> job_id -> slot
	pending   map[uuid.UUID][]queued                     // org_id -> admission order

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher. tokens, sink and notifier are optional.
func New(jobs store.JobStore, cfg Config, tokens TokenIssuer, sink ProgressSink, notifier notify.Publisher) *Dispatcher {
	cfg.applyDefaults()

	return &Dispatcher{
		jobs:      jobs,
		cfg:       cfg,
		tokens:    tokens,
		sink:      sink,
		notifier:  notifier,
		now:       time.Now,
		executors: make(map[models.JobType]Executor),
		running:   make(map[uuid.UUID]map[uuid.UUID]*slot),
		pending:   make(map[uuid.UUID][]queued),
		stopCh:    make(chan struct{}),
	}
}

// Register assigns the executor for a job type.
func (d *Dispatcher) Register(jobType models.JobType, exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.executors[jobType] = exec
	log.Info().Str("type", string(jobType)).Str("executor", exec.Name()).Msg("Executor registered")
}

// Start launches the deferred admission loop.
func (d *Dispatcher) Start() error {
	log.Info().
		Int("max_running_per_org", d.cfg.MaxRunningPerOrg).
		Dur("tick_interval", d.cfg.TickInterval).
		Msg("Starting dispatcher")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.tickLoop()
	}()

	return nil
}

// Stop ends the admission loop and waits for in-flight hand-offs.
func (d *Dispatcher) Stop() error {
	log.Info().Msg("Stopping dispatcher")

	close(d.stopCh)
	d.wg.Wait()

	log.Info().Msg("Dispatcher stopped")
	return nil
}

func (d *Dispatcher) tickLoop() {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.tick(context.Background())
		case <-d.stopCh:
			return
		}
	}
}

// tick admits deferred jobs that became due.
func (d *Dispatcher) tick(ctx context.Context) {
	d.mu.Lock()
	reserved := make(map[uuid.UUID][]queued)
	for orgID := range d.pending {
		if r := d.reserveLocked(ctx, orgID); len(r) > 0 {
			reserved[orgID] = r
		}
	}
	d.mu.Unlock()

	for orgID, r := range reserved {
		d.admit(ctx, orgID, r)
	}
}

// Recover reconciles jobs left behind by a previous process: running jobs
// are failed, pending jobs are queued again.
func (d *Dispatcher) Recover(ctx context.Context) error {
	running, err := d.jobs.ListByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	reason := interruptedReason
	for _, job := range running {
		failed, err := d.jobs.Transition(ctx, job.ID, models.JobStatusFailed, store.JobUpdate{Message: &reason})
		if err != nil {
			log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to fail interrupted job")
			continue
		}
		log.Warn().
			Str("job_id", job.ID.String()).
			Str("org_id", job.OrganizationID.String()).
			Msg("Job interrupted by restart")
		d.announceFinished(ctx, failed)
		d.publish(ctx, failed)
	}

	pending, err := d.jobs.ListByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}

	for _, job := range pending {
		if err := d.Enqueue(ctx, job); err != nil {
			return err
		}
	}

	log.Info().
		Int("interrupted", len(running)).
		Int("requeued", len(pending)).
		Msg("Dispatcher recovered")

	return nil
}

// Enqueue queues a pending job and admits whatever the organization's free
// slots allow.
func (d *Dispatcher) Enqueue(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return errs.InvalidTransition("job", job.ID.String(), string(job.Status), string(models.JobStatusRunning))
	}

	d.mu.Lock()
	if !d.trackedLocked(job.OrganizationID, job.ID) {
		entries := append(d.pending[job.OrganizationID], queued{
			id:        job.ID,
			jobType:   job.Type,
			rank:      job.Priority.Rank(),
			createdAt: job.CreatedAt,
			notBefore: job.NotBefore,
		})
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].rank != entries[j].rank {
				return entries[i].rank < entries[j].rank
			}
			return entries[i].createdAt.Before(entries[j].createdAt)
		})
		d.pending[job.OrganizationID] = entries
	}
	reserved := d.reserveLocked(ctx, job.OrganizationID)
	d.mu.Unlock()

	d.admit(ctx, job.OrganizationID, reserved)
	return nil
}

func (d *Dispatcher) trackedLocked(orgID, jobID uuid.UUID) bool {
	if _, ok := d.running[orgID][jobID]; ok {
		return true
	}
	for _, q := range d.pending[orgID] {
		if q.id == jobID {
			return true
		}
	}
	return false
}

// reserveLocked takes the organization's due jobs off the queue, in
// admission order, while slots are free and reserves a slot for each.
// Offboard jobs are always reserved. Callers hold d.mu and pass the result to
// admit after unlocking.
func (d *Dispatcher) reserveLocked(ctx context.Context, orgID uuid.UUID) []queued {
	entries := d.pending[orgID]
	if len(entries) == 0 {
		delete(d.pending, orgID)
		return nil
	}

	now := d.now()
	used := d.usedSlotsLocked(orgID)

	var reserved []queued
	kept := make([]queued, 0, len(entries))
	for _, q := range entries {
		due := q.notBefore == nil || !now.Before(*q.notBefore)
		switch {
		case !due:
			kept = append(kept, q)
			continue
		case q.jobType == models.JobTypeOffboard:
		case used < d.cfg.MaxRunningPerOrg:
			used++
		default:
			kept = append(kept, q)
			continue
		}

		if d.running[orgID] == nil {
			d.running[orgID] = make(map[uuid.UUID]*slot)
		}
		d.running[orgID][q.id] = &slot{jobType: q.jobType}
		telemetry.GetMetrics().JobsRunning.Add(ctx, 1)
		reserved = append(reserved, q)
	}

	if len(kept) == 0 {
		delete(d.pending, orgID)
	} else {
		d.pending[orgID] = kept
	}

	return reserved
}

// usedSlotsLocked counts the slots that count against the limit.
func (d *Dispatcher) usedSlotsLocked(orgID uuid.UUID) int {
	n := 0
	for _, s := range d.running[orgID] {
		if s.jobType != models.JobTypeOffboard {
			n++
		}
	}
	return n
}

// admit moves reserved jobs to running and hands them off. A job that can no
// longer run gives its slot back, and the slot goes to the next due job.
func (d *Dispatcher) admit(ctx context.Context, orgID uuid.UUID, reserved []queued) {
	msg := "dispatched"

	for len(reserved) > 0 {
		q := reserved[0]
		reserved = reserved[1:]

		job, err := d.jobs.Transition(ctx, q.id, models.JobStatusRunning, store.JobUpdate{Message: &msg})

		d.mu.Lock()
		if err != nil {
			d.releaseLocked(ctx, orgID, q.id)
			reserved = append(reserved, d.reserveLocked(ctx, orgID)...)
			d.mu.Unlock()

			// cancelled or purged while queued
			log.Debug().Err(err).Str("job_id", q.id.String()).Msg("Skipping queued job")
			continue
		}
		s, held := d.running[orgID][q.id]
		if held {
			s.started = true
		}
		d.mu.Unlock()

		if !held {
			// cancelled or forgotten before the hand-off, the executor never saw it
			log.Debug().Str("job_id", q.id.String()).Msg("Slot released before hand-off")
			continue
		}

		telemetry.GetMetrics().JobsAdmittedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", string(job.Type))))

		d.handOff(ctx, job)
	}
}

// handOff announces a running job and dispatches it in the background.
func (d *Dispatcher) handOff(ctx context.Context, job *models.Job) {
	log.Info().
		Str("job_id", job.ID.String()).
		Str("org_id", job.OrganizationID.String()).
		Str("type", string(job.Type)).
		Msg("Job admitted")

	jobID := job.ID
	notify.Send(ctx, d.notifier, notify.Event{
		Type:           notify.EventJobStarted,
		OrganizationID: job.OrganizationID,
		JobID:          &jobID,
		Status:         string(job.Status),
	})
	d.publish(ctx, job)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(context.WithoutCancel(ctx), job)
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, job *models.Job) {
	d.mu.Lock()
	exec, ok := d.executors[executorType(job.Type)]
	d.mu.Unlock()

	if !ok {
		d.failDispatch(ctx, job, errs.ExecutorUnavailable(string(job.Type), errNoExecutor))
		return
	}

	var token string
	if d.tokens != nil {
		t, err := d.tokens.Issue(job.ID, job.OrganizationID, string(job.Type))
		if err != nil {
			d.failDispatch(ctx, job, fmt.Errorf("failed to issue task token: %w", err))
			return
		}
		token = t
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	err := exec.Dispatch(dispatchCtx, job, token)
	telemetry.GetMetrics().DispatchDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("executor", exec.Name())))

	if err != nil {
		d.failDispatch(ctx, job, errs.ExecutorUnavailable(exec.Name(), err))
		return
	}

	log.Debug().
		Str("job_id", job.ID.String()).
		Str("executor", exec.Name()).
		Msg("Job handed to executor")
}

// executorType routes connection tests to the extraction executor.
func executorType(t models.JobType) models.JobType {
	if t == models.JobTypeConnectionTest {
		return models.JobTypeExtraction
	}
	return t
}

func (d *Dispatcher) failDispatch(ctx context.Context, job *models.Job, cause error) {
	telemetry.GetMetrics().DispatchErrorsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", string(job.Type))))

	log.Error().Err(cause).
		Str("job_id", job.ID.String()).
		Str("org_id", job.OrganizationID.String()).
		Msg("Job hand-off failed")

	reason := cause.Error()
	failed, err := d.jobs.Transition(ctx, job.ID, models.JobStatusFailed, store.JobUpdate{Message: &reason})
	if err != nil {
		// cancelled meanwhile, the slot is already released
		log.Debug().Err(err).Str("job_id", job.ID.String()).Msg("Could not fail job after hand-off error")
		return
	}

	d.finish(ctx, failed)
}

// OnExecutorEvent applies an executor event to the job. Terminal events
// release the job's slot and admit the organization's next job, even when
// the event arrives too late to change the job.
func (d *Dispatcher) OnExecutorEvent(ctx context.Context, jobID uuid.UUID, evt Event) (*models.Job, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	var (
		job *models.Job
		err error
	)

	switch evt.Kind {
	case EventStarted:
		update := store.ProgressUpdate{}
		if evt.Message != "" {
			update.Message = &evt.Message
		}
		job, err = d.jobs.UpdateProgress(ctx, jobID, update)
	case EventProgress:
		update := store.ProgressUpdate{Percent: evt.Percent}
		if evt.Message != "" {
			update.Message = &evt.Message
		}
		job, err = d.jobs.UpdateProgress(ctx, jobID, update)
	case EventCompleted:
		update := store.JobUpdate{Result: evt.Result}
		if evt.Message != "" {
			update.Message = &evt.Message
		}
		job, err = d.jobs.Transition(ctx, jobID, models.JobStatusCompleted, update)
	case EventFailed:
		job, err = d.jobs.Transition(ctx, jobID, models.JobStatusFailed, store.JobUpdate{Message: &evt.Reason})
	case EventCancelledAck:
		msg := "cancelled by executor"
		job, err = d.jobs.Transition(ctx, jobID, models.JobStatusCancelled, store.JobUpdate{Message: &msg})
		if errors.Is(err, errs.ErrInvalidTransition) {
			// acknowledging an earlier cancel
			if current, getErr := d.jobs.Get(ctx, jobID); getErr == nil && current.Status == models.JobStatusCancelled {
				job, err = current, nil
			}
		}
	}

	if err != nil {
		if evt.Terminal() {
			d.releaseAndAdmit(ctx, jobID)
		}
		if errors.Is(err, errs.ErrInvalidTransition) {
			telemetry.GetMetrics().LateEventsTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("event", string(evt.Kind))))
			log.Warn().Err(err).
				Str("job_id", jobID.String()).
				Str("event", string(evt.Kind)).
				Msg("Rejected executor event")
		}
		return nil, err
	}

	if job.Status.IsTerminal() {
		d.finish(ctx, job)
	} else {
		d.publish(ctx, job)
	}

	return job, nil
}

// Cancelled drops a cancelled job from the queue or its running slot and
// asks the executor to stop when it was running.
func (d *Dispatcher) Cancelled(ctx context.Context, job *models.Job) {
	d.mu.Lock()
	entries := d.pending[job.OrganizationID]
	for i, q := range entries {
		if q.id == job.ID {
			d.pending[job.OrganizationID] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	s, held := d.running[job.OrganizationID][job.ID]
	wasRunning := held && s.started
	d.releaseLocked(ctx, job.OrganizationID, job.ID)
	exec := d.executors[executorType(job.Type)]
	reserved := d.reserveLocked(ctx, job.OrganizationID)
	d.mu.Unlock()

	telemetry.GetMetrics().JobsFinishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(job.Type)),
		attribute.String("status", string(job.Status)),
	))
	d.publish(ctx, job)

	if wasRunning && exec != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DispatchTimeout)
			defer cancel()
			if err := exec.Cancel(cancelCtx, job); err != nil {
				log.Warn().Err(err).
					Str("job_id", job.ID.String()).
					Str("executor", exec.Name()).
					Msg("Executor did not acknowledge cancel")
			}
		}()
	}

	d.admit(ctx, job.OrganizationID, reserved)
}

// ForgetOrganization drops every queued entry and running slot of a purged
// organization.
func (d *Dispatcher) ForgetOrganization(orgID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.running[orgID]); n > 0 {
		telemetry.GetMetrics().JobsRunning.Add(context.Background(), int64(-n))
	}
	delete(d.running, orgID)
	delete(d.pending, orgID)
}

// DropQueued removes the organization's queued jobs so nothing more is
// admitted for it. Running slots are kept until their jobs finish or are
// cancelled. It returns the number of dropped jobs.
func (d *Dispatcher) DropQueued(orgID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.pending[orgID])
	delete(d.pending, orgID)
	return n
}

// Running returns the number of slots held by the organization.
func (d *Dispatcher) Running(orgID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running[orgID])
}

// Queued returns the number of jobs waiting for a slot.
func (d *Dispatcher) Queued(orgID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[orgID])
}

func (d *Dispatcher) finish(ctx context.Context, job *models.Job) {
	log.Info().
		Str("job_id", job.ID.String()).
		Str("org_id", job.OrganizationID.String()).
		Str("status", string(job.Status)).
		Dur("duration", job.Duration()).
		Msg("Job finished")

	d.announceFinished(ctx, job)
	d.publish(ctx, job)
	d.releaseAndAdmit(ctx, job.ID)
}

func (d *Dispatcher) announceFinished(ctx context.Context, job *models.Job) {
	telemetry.GetMetrics().JobsFinishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(job.Type)),
		attribute.String("status", string(job.Status)),
	))

	jobID := job.ID
	notify.Send(ctx, d.notifier, notify.Event{
		Type:           notify.EventJobFinished,
		OrganizationID: job.OrganizationID,
		JobID:          &jobID,
		Status:         string(job.Status),
		Message:        job.CurrentMessage,
	})
}

func (d *Dispatcher) releaseAndAdmit(ctx context.Context, jobID uuid.UUID) {
	d.mu.Lock()
	var (
		orgID    uuid.UUID
		reserved []queued
	)
	for id, slots := range d.running {
		if _, ok := slots[jobID]; ok {
			orgID = id
			d.releaseLocked(ctx, orgID, jobID)
			reserved = d.reserveLocked(ctx, orgID)
			break
		}
	}
	d.mu.Unlock()

	d.admit(ctx, orgID, reserved)
}

func (d *Dispatcher) releaseLocked(ctx context.Context, orgID, jobID uuid.UUID) bool {
	slots := d.running[orgID]
	if _, ok := slots[jobID]; !ok {
		return false
	}

	delete(slots, jobID)
	if len(slots) == 0 {
		delete(d.running, orgID)
	}
	telemetry.GetMetrics().JobsRunning.Add(ctx, -1)
	return true
}

func (d *Dispatcher) publish(ctx context.Context, job *models.Job) {
	if d.sink != nil {
		d.sink.PublishJob(ctx, job)
	}
}

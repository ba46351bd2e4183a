// Package progress records job log lines and progress snapshots and pushes
// them to live subscribers.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
	"github.com/wolfeidau/caseflow/internal/telemetry"
)

const (
	DefaultRetention        = 30 * 24 * time.Hour
	DefaultPruneInterval    = time.Hour
	DefaultSnapshotTTL      = 24 * time.Hour
	DefaultSubscriberBuffer = 64
	DefaultLogLimit         = 500
	MaxLogLimit             = 5000
)

// Snapshot is the latest progress of a job.
type Snapshot struct {
	JobID          uuid.UUID        `json:"jobId"`
	OrganizationID uuid.UUID        `json:"organizationId"`
	Status         models.JobStatus `json:"status"`
	Percent        int              `json:"percent"`
	Message        string           `json:"message"`
	Flags          map[string]bool  `json:"flags"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func snapshotOf(job *models.Job) *Snapshot {
	flags := maps.Clone(job.Flags)
	if flags == nil {
		flags = map[string]bool{}
	}
	return &Snapshot{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		Status:         job.Status,
		Percent:        job.Progress,
		Message:        job.CurrentMessage,
		Flags:          flags,
		UpdatedAt:      job.UpdatedAt,
	}
}

// Update is pushed to subscribers. Exactly one field is set.
type Update struct {
	Log      *models.LogEntry
	Progress *Snapshot
}

// SnapshotCache stores snapshots under an organization namespace.
type SnapshotCache interface {
	Set(ctx context.Context, orgID uuid.UUID, k string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, orgID uuid.UUID, k string) ([]byte, bool, error)
}

// Config controls retention and fan-out.
type Config struct {
	Retention        time.Duration
	PruneInterval    time.Duration
	SnapshotTTL      time.Duration
	SubscriberBuffer int
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.SnapshotTTL <= 0 {
		c.SnapshotTTL = DefaultSnapshotTTL
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
}

type subscription struct {
	ch chan Update
}

// Channel is the progress and log channel.
type Channel struct {
	jobs  store.JobStore
	logs  store.LogStore
	cache SnapshotCache
	cfg   Config

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscription]struct{} // job_id -> subscribers

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a channel. cache may be nil.
func New(jobs store.JobStore, logs store.LogStore, cache SnapshotCache, cfg Config) *Channel {
	cfg.applyDefaults()

	return &Channel{
		jobs:   jobs,
		logs:   logs,
		cache:  cache,
		cfg:    cfg,
		subs:   make(map[uuid.UUID]map[*subscription]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start launches the retention loop.
func (c *Channel) Start() error {
	log.Info().Dur("retention", c.cfg.Retention).Msg("Starting log retention")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pruneLoop()
	}()

	return nil
}

// Stop ends the retention loop and closes all subscriptions.
func (c *Channel) Stop() error {
	close(c.stopCh)
	c.wg.Wait()

	c.mu.Lock()
	for jobID, subs := range c.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(c.subs, jobID)
	}
	c.mu.Unlock()

	return nil
}

func (c *Channel) pruneLoop() {
	ticker := time.NewTicker(c.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.Prune(context.Background(), time.Now().Add(-c.cfg.Retention)); err != nil {
				log.Error().Err(err).Msg("Failed to prune job logs")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Prune removes log entries older than the cutoff.
func (c *Channel) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := c.logs.Prune(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}

	if n > 0 {
		telemetry.GetMetrics().LogEntriesPruned.Add(ctx, n)
		log.Info().Int64("entries", n).Time("older_than", olderThan).Msg("Pruned job logs")
	}
	return n, nil
}

// AppendLog stores a log line for the job, records any flags the line raises
// on the job's progress and pushes both to subscribers.
func (c *Channel) AppendLog(ctx context.Context, jobID uuid.UUID, level models.LogLevel, message string) (*models.LogEntry, error) {
	if level == "" {
		level = models.LogLevelInfo
	}
	if !level.Valid() {
		return nil, errs.Validation("level", "unknown log level %q", level)
	}
	if strings.TrimSpace(message) == "" {
		return nil, errs.Validation("message", "must not be empty")
	}

	entry, err := c.logs.Append(ctx, &models.LogEntry{JobID: jobID, Level: level, Message: message})
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, errs.NotFound("job", jobID.String())
		}
		return nil, fmt.Errorf("failed to append log: %w", err)
	}

	telemetry.GetMetrics().LogEntriesAppended.Add(ctx, 1)
	c.fanout(jobID, Update{Log: entry})

	if flags := DeriveFlags(message); flags != nil {
		job, err := c.jobs.UpdateProgress(ctx, jobID, store.ProgressUpdate{Flags: flags})
		switch {
		case err == nil:
			c.PublishJob(ctx, job)
		case errors.Is(err, errs.ErrInvalidTransition):
			// only running jobs carry live progress
			log.Debug().Str("job_id", jobID.String()).Msg("Flags raised after job stopped running")
		default:
			return nil, fmt.Errorf("failed to record flags: %w", err)
		}
	}

	return entry, nil
}

// LogQuery selects log entries for polling.
type LogQuery struct {
	SinceSequence int64
	Since         *time.Time
	Limit         int
}

// GetLogs returns the job's entries after the given position, oldest first.
// Callers resume by passing the last sequence they saw.
func (c *Channel) GetLogs(ctx context.Context, orgID, jobID uuid.UUID, q LogQuery) ([]*models.LogEntry, error) {
	if _, err := c.job(ctx, orgID, jobID); err != nil {
		return nil, err
	}

	if q.SinceSequence < 0 {
		return nil, errs.Validation("sinceSequence", "must not be negative")
	}

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultLogLimit
	case limit > MaxLogLimit:
		limit = MaxLogLimit
	}

	entries, err := c.logs.List(ctx, jobID, store.LogQuery{
		AfterSequence: q.SinceSequence,
		Since:         q.Since,
		Limit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return entries, nil
}

// GetProgress returns the latest snapshot, from the cache when present.
func (c *Channel) GetProgress(ctx context.Context, orgID, jobID uuid.UUID) (*Snapshot, error) {
	if c.cache != nil {
		raw, ok, err := c.cache.Get(ctx, orgID, snapshotKey(jobID))
		if err != nil {
			log.Warn().Err(err).Str("job_id", jobID.String()).Msg("Progress cache read failed")
		}
		if ok {
			var snap Snapshot
			if err := json.Unmarshal(raw, &snap); err == nil {
				return &snap, nil
			}
		}
	}

	job, err := c.job(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}

	snap := snapshotOf(job)
	c.cacheSnapshot(ctx, snap)
	return snap, nil
}

// PublishJob records the job's current progress and pushes it to subscribers.
func (c *Channel) PublishJob(ctx context.Context, job *models.Job) {
	snap := snapshotOf(job)
	c.cacheSnapshot(ctx, snap)
	c.fanout(job.ID, Update{Progress: snap})
}

func (c *Channel) cacheSnapshot(ctx context.Context, snap *Snapshot) {
	if c.cache == nil {
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("job_id", snap.JobID.String()).Msg("Failed to encode progress snapshot")
		return
	}
	if err := c.cache.Set(ctx, snap.OrganizationID, snapshotKey(snap.JobID), raw, c.cfg.SnapshotTTL); err != nil {
		log.Warn().Err(err).Str("job_id", snap.JobID.String()).Msg("Progress cache write failed")
	}
}

func snapshotKey(jobID uuid.UUID) string {
	return "progress/" + jobID.String()
}

func (c *Channel) job(ctx context.Context, orgID, jobID uuid.UUID) (*models.Job, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, errs.NotFound("job", jobID.String())
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job.OrganizationID != orgID {
		return nil, errs.NotFound("job", jobID.String())
	}
	return job, nil
}

// Subscribe registers for pushed updates on a job. The returned cancel
// function must be called to release the subscription.
func (c *Channel) Subscribe(jobID uuid.UUID) (<-chan Update, func()) {
	sub := &subscription{ch: make(chan Update, c.cfg.SubscriberBuffer)}

	c.mu.Lock()
	if c.subs[jobID] == nil {
		c.subs[jobID] = make(map[*subscription]struct{})
	}
	c.subs[jobID][sub] = struct{}{}
	c.mu.Unlock()

	telemetry.GetMetrics().ActiveSubscriptions.Add(context.Background(), 1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			subs, ok := c.subs[jobID]
			if !ok {
				return
			}
			if _, ok := subs[sub]; !ok {
				return
			}
			delete(subs, sub)
			if len(subs) == 0 {
				delete(c.subs, jobID)
			}
			close(sub.ch)
			telemetry.GetMetrics().ActiveSubscriptions.Add(context.Background(), -1)
		})
	}

	return sub.ch, cancel
}

// fanout delivers without blocking. Slow subscribers lose updates and are
// expected to catch up with GetLogs.
func (c *Channel) fanout(jobID uuid.UUID, u Update) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for sub := range c.subs[jobID] {
		select {
		case sub.ch <- u:
		default:
			telemetry.GetMetrics().ChannelOverflowTotal.Add(context.Background(), 1)
			log.Warn().Str("job_id", jobID.String()).Msg("Subscriber buffer full, update dropped")
		}
	}
}

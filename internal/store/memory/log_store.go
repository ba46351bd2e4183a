package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

// LogStore implements store.LogStore using in-memory storage.
type LogStore struct {
	mu sync.RWMutex

	jobs    *JobStore
	entries map[uuid.UUID][]*models.LogEntry // job_id -> entries ordered by sequence
	heads   map[uuid.UUID]models.LogEntry    // job_id -> last appended entry, survives pruning
}

// NewLogStore creates a new in-memory log store. Appends are checked against jobs.
func NewLogStore(jobs *JobStore) *LogStore {
	return &LogStore{
		jobs:    jobs,
		entries: make(map[uuid.UUID][]*models.LogEntry),
		heads:   make(map[uuid.UUID]models.LogEntry),
	}
}

// Append stores the entry with the next sequence and a strictly increasing timestamp.
func (s *LogStore) Append(ctx context.Context, entry *models.LogEntry) (*models.LogEntry, error) {
	job, err := s.jobs.Get(ctx, entry.JobID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.OrganizationID = job.OrganizationID
	stored.Sequence = 1
	stored.Timestamp = time.Now().UTC().Truncate(time.Microsecond)

	if head, ok := s.heads[entry.JobID]; ok {
		stored.Sequence = head.Sequence + 1
		if !stored.Timestamp.After(head.Timestamp) {
			stored.Timestamp = head.Timestamp.Add(time.Microsecond)
		}
	}

	s.heads[entry.JobID] = stored
	s.entries[entry.JobID] = append(s.entries[entry.JobID], &stored)

	out := stored
	return &out, nil
}

// List returns entries for a job ordered by sequence.
func (s *LogStore) List(ctx context.Context, jobID uuid.UUID, query store.LogQuery) ([]*models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.LogEntry
	for _, e := range s.entries[jobID] {
		if e.Sequence <= query.AfterSequence {
			continue
		}
		if query.Since != nil && !e.Timestamp.After(*query.Since) {
			continue
		}
		c := *e
		result = append(result, &c)
		if query.Limit > 0 && len(result) >= query.Limit {
			break
		}
	}

	return result, nil
}

// Prune removes entries older than the cutoff.
func (s *LogStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for jobID, entries := range s.entries {
		kept := make([]*models.LogEntry, 0, len(entries))
		for _, e := range entries {
			if e.Timestamp.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		s.entries[jobID] = kept
	}

	return removed, nil
}

func (s *LogStore) deleteByOrganization(orgID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for jobID, head := range s.heads {
		if head.OrganizationID != orgID {
			continue
		}
		n += int64(len(s.entries[jobID]))
		delete(s.entries, jobID)
		delete(s.heads, jobID)
	}
	return n
}

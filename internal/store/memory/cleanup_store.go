package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

// CleanupStore implements store.CleanupStore using in-memory storage.
type CleanupStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.CleanupRecord // org_id -> record
}

// NewCleanupStore creates a new in-memory cleanup store.
func NewCleanupStore() *CleanupStore {
	return &CleanupStore{records: make(map[uuid.UUID]*models.CleanupRecord)}
}

func (s *CleanupStore) Get(ctx context.Context, orgID uuid.UUID) (*models.CleanupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[orgID]
	if !ok {
		return nil, store.ErrCleanupRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *CleanupStore) Save(ctx context.Context, rec *models.CleanupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.OrganizationID] = rec.Clone()
	return nil
}

// DataPurger implements store.DataPurger over the in-memory job and log stores.
type DataPurger struct {
	jobs *JobStore
	logs *LogStore
}

// NewDataPurger creates a purger deleting logs before jobs.
func NewDataPurger(jobs *JobStore, logs *LogStore) *DataPurger {
	return &DataPurger{jobs: jobs, logs: logs}
}

func (p *DataPurger) PurgeOrganization(ctx context.Context, orgID uuid.UUID) (store.PurgeResult, error) {
	var res store.PurgeResult
	res.LogEntries = p.logs.deleteByOrganization(orgID)
	res.Jobs = p.jobs.deleteByOrganization(orgID)
	return res, nil
}

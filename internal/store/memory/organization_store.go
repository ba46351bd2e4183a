package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

// OrganizationStore implements store.OrganizationStore using in-memory storage.
// This implementation is for testing only - data is lost on restart.
type OrganizationStore struct {
	mu sync.RWMutex

	organizations map[uuid.UUID]*models.Organization // org_id -> Organization
}

// NewOrganizationStore creates a new in-memory organization store.
func NewOrganizationStore() *OrganizationStore {
	return &OrganizationStore{
		organizations: make(map[uuid.UUID]*models.Organization),
	}
}

// Create creates a new organization in memory.
func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.organizations[org.ID]; exists {
		return store.ErrOrganizationAlreadyExists
	}

	// Clone to avoid external modifications
	s.organizations[org.ID] = org.Clone()

	return nil
}

// Get retrieves an organization by ID.
func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, exists := s.organizations[orgID]
	if !exists {
		return nil, store.ErrOrganizationNotFound
	}

	return org.Clone(), nil
}

// Update replaces the lifecycle fields of an existing organization.
func (s *OrganizationStore) Update(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.organizations[org.ID]
	if !exists {
		return store.ErrOrganizationNotFound
	}

	updated := org.Clone()
	updated.Credentials = existing.Credentials
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	s.organizations[org.ID] = updated

	return nil
}

// UpdateCredentials swaps the sealed credential bundle.
func (s *OrganizationStore) UpdateCredentials(ctx context.Context, orgID uuid.UUID, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.organizations[orgID]
	if !exists {
		return store.ErrOrganizationNotFound
	}

	updated := existing.Clone()
	updated.Credentials = append([]byte(nil), sealed...)
	updated.UpdatedAt = time.Now()
	s.organizations[orgID] = updated

	return nil
}

// Delete deletes an organization by ID.
func (s *OrganizationStore) Delete(ctx context.Context, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.organizations[orgID]; !exists {
		return store.ErrOrganizationNotFound
	}

	delete(s.organizations, orgID)
	return nil
}

// List returns all organizations ordered by name.
func (s *OrganizationStore) List(ctx context.Context) ([]*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgs := make([]*models.Organization, 0, len(s.organizations))
	for _, org := range s.organizations {
		orgs = append(orgs, org.Clone())
	}

	sort.Slice(orgs, func(i, j int) bool {
		return orgs[i].Name < orgs[j].Name
	})

	return orgs, nil
}

// ListOffboardDue returns organizations whose offboard time has passed.
func (s *OrganizationStore) ListOffboardDue(ctx context.Context, now time.Time) ([]*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.Organization
	for _, org := range s.organizations {
		if org.OffboardScheduledAt != nil && !org.OffboardScheduledAt.After(now) {
			due = append(due, org.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].OffboardScheduledAt.Before(*due[j].OffboardScheduledAt)
	})

	return due, nil
}

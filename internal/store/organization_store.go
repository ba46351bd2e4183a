package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
)

// Sentinel errors for organization store operations
var (
	ErrOrganizationNotFound      = errs.Sentinel(errs.ErrNotFound, "organization not found")
	ErrOrganizationAlreadyExists = errs.Sentinel(errs.ErrConflict, "organization already exists")
)

// OrganizationStore defines the interface for organization storage operations.
type OrganizationStore interface {
	// Create creates a new organization in the store.
	// Returns ErrOrganizationAlreadyExists if an organization with the same ID already exists.
	Create(ctx context.Context, org *models.Organization) error

	// Get retrieves an organization by ID.
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error)

	// Update replaces the mutable lifecycle fields of an existing organization
	// (name, domain, active, grace period, offboard schedule and purge job).
	// The credential blob is left untouched.
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	Update(ctx context.Context, org *models.Organization) error

	// UpdateCredentials swaps the sealed credential bundle in one write.
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	UpdateCredentials(ctx context.Context, orgID uuid.UUID, sealed []byte) error

	// Delete deletes an organization by ID.
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	Delete(ctx context.Context, orgID uuid.UUID) error

	// List returns all organizations ordered by name.
	List(ctx context.Context) ([]*models.Organization, error)

	// ListOffboardDue returns organizations whose offboard time is at or before now.
	ListOffboardDue(ctx context.Context, now time.Time) ([]*models.Organization, error)
}

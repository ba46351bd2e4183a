package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

const organizationColumns = `
	org_id, name, domain, active, grace_period_days, credentials,
	offboard_scheduled_at, offboard_reason, purge_job_id, created_at, updated_at`

// OrganizationStore implements store.OrganizationStore using PostgreSQL.
type OrganizationStore struct {
	pool *pgxpool.Pool
}

// NewOrganizationStore creates a new PostgreSQL-backed organization store.
// It shares the connection pool with other stores.
func NewOrganizationStore(pool *pgxpool.Pool) *OrganizationStore {
	return &OrganizationStore{pool: pool}
}

// Create creates a new organization in the database.
func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	query := `INSERT INTO organizations (` + organizationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		org.ID,
		org.Name,
		org.Domain,
		org.Active,
		org.GracePeriodDays,
		org.Credentials,
		org.OffboardScheduledAt,
		org.OffboardReason,
		org.PurgeJobID,
		org.CreatedAt,
		org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", org.ID.String()).
		Str("name", org.Name).
		Msg("Created organization")

	return nil
}

// Get retrieves an organization by ID.
func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE org_id = $1`, orgID)

	org, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", mapPostgresError(err))
	}

	return org, nil
}

// Update replaces the lifecycle fields of an organization.
func (s *OrganizationStore) Update(ctx context.Context, org *models.Organization) error {
	query := `
		UPDATE organizations SET
			name = $2,
			domain = $3,
			active = $4,
			grace_period_days = $5,
			offboard_scheduled_at = $6,
			offboard_reason = $7,
			purge_job_id = $8,
			updated_at = $9
		WHERE org_id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		org.ID,
		org.Name,
		org.Domain,
		org.Active,
		org.GracePeriodDays,
		org.OffboardScheduledAt,
		org.OffboardReason,
		org.PurgeJobID,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	return nil
}

// UpdateCredentials swaps the sealed credential bundle.
func (s *OrganizationStore) UpdateCredentials(ctx context.Context, orgID uuid.UUID, sealed []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET credentials = $2, updated_at = $3 WHERE org_id = $1`,
		orgID, sealed, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	return nil
}

// Delete deletes an organization by ID. Jobs must already be gone.
func (s *OrganizationStore) Delete(ctx context.Context, orgID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE org_id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	log.Debug().Str("org_id", orgID.String()).Msg("Deleted organization")
	return nil
}

// List returns all organizations ordered by name.
func (s *OrganizationStore) List(ctx context.Context) ([]*models.Organization, error) {
	return s.query(ctx, `SELECT `+organizationColumns+` FROM organizations ORDER BY name, org_id`)
}

// ListOffboardDue returns organizations whose offboard time has passed.
func (s *OrganizationStore) ListOffboardDue(ctx context.Context, now time.Time) ([]*models.Organization, error) {
	return s.query(ctx, `SELECT `+organizationColumns+` FROM organizations
		WHERE offboard_scheduled_at IS NOT NULL AND offboard_scheduled_at <= $1
		ORDER BY offboard_scheduled_at`, now)
}

func (s *OrganizationStore) query(ctx context.Context, sql string, args ...any) ([]*models.Organization, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var orgs []*models.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating organizations: %w", err)
	}

	return orgs, nil
}

func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.Domain,
		&org.Active,
		&org.GracePeriodDays,
		&org.Credentials,
		&org.OffboardScheduledAt,
		&org.OffboardReason,
		&org.PurgeJobID,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

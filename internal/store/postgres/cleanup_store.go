package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

// CleanupStore implements store.CleanupStore using PostgreSQL.
type CleanupStore struct {
	pool *pgxpool.Pool
}

// NewCleanupStore creates a new PostgreSQL-backed cleanup store.
func NewCleanupStore(pool *pgxpool.Pool) *CleanupStore {
	return &CleanupStore{pool: pool}
}

func (s *CleanupStore) Get(ctx context.Context, orgID uuid.UUID) (*models.CleanupRecord, error) {
	var (
		rec    models.CleanupRecord
		status string
		steps  []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT org_id, job_id, status, steps, started_at, finished_at
		FROM cleanup_records WHERE org_id = $1
	`, orgID).Scan(&rec.OrganizationID, &rec.JobID, &status, &steps, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCleanupRecordNotFound
		}
		return nil, fmt.Errorf("failed to get cleanup record: %w", mapPostgresError(err))
	}

	rec.Status = models.CleanupStatus(status)
	if err := json.Unmarshal(steps, &rec.Steps); err != nil {
		return nil, fmt.Errorf("invalid cleanup steps: %w", err)
	}

	return &rec, nil
}

func (s *CleanupStore) Save(ctx context.Context, rec *models.CleanupRecord) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal cleanup steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cleanup_records (org_id, job_id, status, steps, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`, rec.OrganizationID, rec.JobID, string(rec.Status), steps, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save cleanup record: %w", mapPostgresError(err))
	}

	return nil
}

// DataPurger implements store.DataPurger, deleting job logs then jobs in one transaction.
type DataPurger struct {
	pool *pgxpool.Pool
}

// NewDataPurger creates a new PostgreSQL-backed purger.
func NewDataPurger(pool *pgxpool.Pool) *DataPurger {
	return &DataPurger{pool: pool}
}

func (p *DataPurger) PurgeOrganization(ctx context.Context, orgID uuid.UUID) (store.PurgeResult, error) {
	var res store.PurgeResult

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM job_logs WHERE org_id = $1`, orgID)
		if err != nil {
			return err
		}
		res.LogEntries = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM jobs WHERE org_id = $1`, orgID)
		if err != nil {
			return err
		}
		res.Jobs = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return store.PurgeResult{}, fmt.Errorf("failed to purge organization data: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", orgID.String()).
		Int64("log_entries", res.LogEntries).
		Int64("jobs", res.Jobs).
		Msg("Purged organization data")

	return res, nil
}

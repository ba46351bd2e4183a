package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

// LogStore implements store.LogStore using PostgreSQL. The per-job sequence
// and last timestamp live on the jobs row, so pruning never rewinds them.
type LogStore struct {
	pool *pgxpool.Pool
}

// NewLogStore creates a new PostgreSQL-backed log store.
func NewLogStore(pool *pgxpool.Pool) *LogStore {
	return &LogStore{pool: pool}
}

// Append allocates the next sequence under the job row lock and inserts the entry.
func (s *LogStore) Append(ctx context.Context, entry *models.LogEntry) (*models.LogEntry, error) {
	stored := *entry

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE jobs SET
				log_sequence = log_sequence + 1,
				last_log_at = GREATEST($2::timestamptz, last_log_at + interval '1 microsecond')
			WHERE job_id = $1
			RETURNING org_id, log_sequence, last_log_at
		`, entry.JobID, time.Now().UTC()).Scan(&stored.OrganizationID, &stored.Sequence, &stored.Timestamp)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrJobNotFound
			}
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO job_logs (job_id, sequence, org_id, logged_at, level, message)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, stored.JobID, stored.Sequence, stored.OrganizationID, stored.Timestamp, string(stored.Level), stored.Message)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append log entry: %w", mapPostgresError(err))
	}

	return &stored, nil
}

// List returns entries for a job ordered by sequence.
func (s *LogStore) List(ctx context.Context, jobID uuid.UUID, query store.LogQuery) ([]*models.LogEntry, error) {
	sql := `
		SELECT job_id, org_id, sequence, logged_at, level, message
		FROM job_logs
		WHERE job_id = $1 AND sequence > $2 AND ($3::timestamptz IS NULL OR logged_at > $3)
		ORDER BY sequence`
	args := []any{jobID, query.AfterSequence, query.Since}
	if query.Limit > 0 {
		sql += ` LIMIT $4`
		args = append(args, query.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var (
			e     models.LogEntry
			level string
		)
		if err := rows.Scan(&e.JobID, &e.OrganizationID, &e.Sequence, &e.Timestamp, &level, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Level = models.LogLevel(level)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return entries, nil
}

// Prune deletes entries older than the cutoff.
func (s *LogStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_logs WHERE logged_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune log entries: %w", mapPostgresError(err))
	}
	return tag.RowsAffected(), nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
)

const jobColumns = `
	job_id, org_id, job_type, status, priority, progress, current_message,
	flags, parameters, result, not_before, created_at, started_at, completed_at, updated_at`

// JobStore implements store.JobStore using PostgreSQL. Status edges are
// enforced in the UPDATE predicate so concurrent writers cannot both win.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a new PostgreSQL-backed job store.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	params, err := marshalJSON(job.Parameters, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	flags, err := marshalJSON(job.Flags, "{}")
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, $10, $11, NULL, NULL, $12)`

	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.OrganizationID,
		string(job.Type),
		string(job.Status),
		string(job.Priority),
		job.Progress,
		job.CurrentMessage,
		flags,
		params,
		job.NotBefore,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("job_id", job.ID.String()).
		Str("org_id", job.OrganizationID.String()).
		Str("type", string(job.Type)).
		Msg("Created job")

	return nil
}

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", mapPostgresError(err))
	}
	return job, nil
}

// Transition moves a job along an allowed edge in a single conditional UPDATE.
func (s *JobStore) Transition(ctx context.Context, jobID uuid.UUID, status models.JobStatus, update store.JobUpdate) (*models.Job, error) {
	sources := models.TransitionSources(status)
	if len(update.From) > 0 {
		sources = slices.DeleteFunc(sources, func(from models.JobStatus) bool {
			return !slices.Contains(update.From, from)
		})
	}
	if len(sources) == 0 {
		return s.rejectTransition(ctx, jobID, status)
	}

	var result []byte
	if update.Result != nil {
		var err error
		if result, err = json.Marshal(update.Result); err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	var progress *int
	if update.Progress != nil {
		p := max(0, min(100, *update.Progress))
		progress = &p
	}

	query := `
		UPDATE jobs SET
			status = $2,
			started_at = CASE WHEN $2 = 'running' THEN $3::timestamptz ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN $3::timestamptz ELSE completed_at END,
			progress = COALESCE($4, CASE WHEN $2 = 'completed' THEN 100 ELSE progress END),
			current_message = COALESCE($5, current_message),
			result = COALESCE($6::jsonb, result),
			updated_at = $3
		WHERE job_id = $1 AND status = ANY($7)
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID,
		string(status),
		time.Now(),
		progress,
		update.Message,
		result,
		statusStrings(sources),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.rejectTransition(ctx, jobID, status)
		}
		return nil, fmt.Errorf("failed to transition job: %w", mapPostgresError(err))
	}

	return job, nil
}

// rejectTransition distinguishes a missing job from a disallowed edge after
// the conditional update matched nothing.
func (s *JobStore) rejectTransition(ctx context.Context, jobID uuid.UUID, status models.JobStatus) (*models.Job, error) {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE job_id = $1`, jobID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job status: %w", mapPostgresError(err))
	}
	return nil, errs.InvalidTransition("job", jobID.String(), current, string(status))
}

// UpdateProgress records a progress report for a running job.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, update store.ProgressUpdate) (*models.Job, error) {
	flags, err := marshalJSON(update.Flags, "{}")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal flags: %w", err)
	}

	var percent *int
	if update.Percent != nil {
		p := max(0, min(100, *update.Percent))
		percent = &p
	}

	query := `
		UPDATE jobs SET
			progress = COALESCE($2, progress),
			current_message = COALESCE($3, current_message),
			flags = flags || $4::jsonb,
			updated_at = $5
		WHERE job_id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID, percent, update.Message, flags, time.Now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, getErr := s.Get(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, errs.InvalidTransition("job", jobID.String(), string(current.Status), "progress")
		}
		return nil, fmt.Errorf("failed to update progress: %w", mapPostgresError(err))
	}

	return job, nil
}

// List returns an organization's jobs, newest first, with the unpaged total.
func (s *JobStore) List(ctx context.Context, orgID uuid.UUID, filter store.JobFilter) ([]*models.Job, int, error) {
	where := []string{"org_id = $1"}
	args := []any{orgID}

	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		where = append(where, fmt.Sprintf("job_type = ANY($%d)", len(args)))
	}

	predicate := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE `+predicate, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", mapPostgresError(err))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + predicate + ` ORDER BY created_at DESC, job_id DESC`
	if filter.PageSize > 0 {
		page := max(filter.Page, 1)
		args = append(args, filter.PageSize, (page-1)*filter.PageSize)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// ListByStatus returns jobs across organizations, oldest first.
func (s *JobStore) ListByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at, job_id`,
		statusStrings(statuses))
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job                          models.Job
		jobType, status, priority    string
		flags, parameters, resultRaw []byte
	)

	err := row.Scan(
		&job.ID,
		&job.OrganizationID,
		&jobType,
		&status,
		&priority,
		&job.Progress,
		&job.CurrentMessage,
		&flags,
		&parameters,
		&resultRaw,
		&job.NotBefore,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.Priority = models.Priority(priority)

	if err := unmarshalJSON(flags, &job.Flags); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	if err := unmarshalJSON(parameters, &job.Parameters); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if err := unmarshalJSON(resultRaw, &job.Result); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}

	return &job, nil
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// marshalJSON encodes v, using empty for nil maps.
func marshalJSON[M ~map[K]V, K comparable, V any](v M, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON[T any](data []byte, v *T) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

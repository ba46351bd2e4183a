package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/wolfeidau/caseflow/internal/auth"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/jobs"
	"github.com/wolfeidau/caseflow/internal/models"
)

// Job routes act on the caller's own organization.
func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a job",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, err := auth.RequirePermission(ctx, auth.PermJobsSubmit)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		jobType := models.JobType(input.Body.Type)
		if !jobType.Submittable() {
			return nil, handleError(ctx, errs.Validation("type", "jobs of type %q cannot be submitted", jobType))
		}

		job, err := cfg.Jobs.Submit(ctx, jobs.CreateRequest{
			OrganizationID: p.OrganizationID,
			Type:           jobType,
			Parameters:     input.Body.Parameters,
			Priority:       models.Priority(input.Body.Priority),
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status   []string `query:"status" doc:"Filter by status"`
		Type     []string `query:"type" doc:"Filter by job type"`
		Page     int      `query:"page" default:"1" minimum:"1"`
		PageSize int      `query:"pageSize" default:"50" minimum:"1"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		p, err := auth.RequirePermission(ctx, auth.PermJobsRead)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		q := jobs.Query{Page: input.Page, PageSize: input.PageSize}
		for _, s := range input.Status {
			q.Statuses = append(q.Statuses, models.JobStatus(s))
		}
		for _, t := range input.Type {
			q.Types = append(q.Types, models.JobType(t))
		}

		page, err := cfg.Jobs.List(ctx, p.OrganizationID, q)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{
			Jobs:     mapJobs(page.Jobs),
			Total:    page.Total,
			Page:     page.Page,
			PageSize: page.PageSize,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{jobId}",
		Summary:     "Get job",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"jobId"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, err := auth.RequirePermission(ctx, auth.PermJobsRead)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		jobID, err := parseID("jobId", input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		job, err := cfg.Jobs.Get(ctx, p.OrganizationID, jobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{jobId}/cancel",
		Summary:     "Cancel job",
		Description: "Cancelling a finished job returns it unchanged.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"jobId"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		p, err := auth.RequirePermission(ctx, auth.PermJobsCancel)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		jobID, err := parseID("jobId", input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		job, err := cfg.Jobs.Cancel(ctx, p.OrganizationID, jobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		requestLogger(ctx).Info().Str("job_id", job.ID.String()).Str("status", string(job.Status)).Msg("Cancel requested")

		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

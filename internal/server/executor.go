package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/auth"
	"github.com/wolfeidau/caseflow/internal/dispatch"
	"github.com/wolfeidau/caseflow/internal/models"
)

// Executor callbacks authenticate with the task token issued at dispatch,
// which names the single job the executor may write to.
func registerExecutorCallbacks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "executor-event",
		Method:      http.MethodPost,
		Path:        "/executor/jobs/{jobId}/events",
		Summary:     "Report an executor status event",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID         string         `path:"jobId"`
		Authorization string         `header:"Authorization"`
		Body          dispatch.Event `json:"body"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		jobID, err := verifyTask(cfg.Tokens, input.JobID, input.Authorization)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		job, err := cfg.Events.OnExecutorEvent(ctx, jobID, input.Body)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{Accepted: true, Status: string(job.Status)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "executor-log",
		Method:      http.MethodPost,
		Path:        "/executor/jobs/{jobId}/logs",
		Summary:     "Append a job log line",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID         string             `path:"jobId"`
		Authorization string             `header:"Authorization"`
		Body          ExecutorLogRequest `json:"body"`
	}) (*struct {
		Body LogEntryResponse `json:"body"`
	}, error) {
		jobID, err := verifyTask(cfg.Tokens, input.JobID, input.Authorization)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		entry, err := cfg.Progress.AppendLog(ctx, jobID, models.LogLevel(input.Body.Level), input.Body.Message)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body LogEntryResponse `json:"body"`
		}{Body: logEntryResponse(entry)}, nil
	})
}

func verifyTask(tokens TaskVerifier, rawJobID, authorization string) (uuid.UUID, error) {
	jobID, err := parseID("jobId", rawJobID)
	if err != nil {
		return uuid.Nil, err
	}

	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || token == "" {
		return uuid.Nil, auth.ErrInvalidTaskToken
	}

	if _, err := tokens.Verify(strings.TrimSpace(token), jobID); err != nil {
		return uuid.Nil, err
	}
	return jobID, nil
}

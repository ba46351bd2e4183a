package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/auth"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/progress"
)

func registerLogs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-job-logs",
		Method:      http.MethodGet,
		Path:        "/jobs/{jobId}/logs",
		Summary:     "Read job log entries after a sequence",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID         string `path:"jobId"`
		SinceSequence int64  `query:"sinceSequence" minimum:"0"`
		Since         string `query:"since" format:"date-time"`
		Limit         int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body LogsResponse `json:"body"`
	}, error) {
		p, jobID, err := jobScope(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		q := progress.LogQuery{SinceSequence: input.SinceSequence, Limit: input.Limit}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339Nano, input.Since)
			if err != nil {
				return nil, handleError(ctx, errs.Validation("since", "must be an RFC 3339 timestamp"))
			}
			q.Since = &since
		}

		entries, err := cfg.Progress.GetLogs(ctx, p.OrganizationID, jobID, q)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		resp := LogsResponse{
			JobID:        jobID.String(),
			Entries:      make([]LogEntryResponse, 0, len(entries)),
			NextSequence: input.SinceSequence,
		}
		for _, e := range entries {
			resp.Entries = append(resp.Entries, logEntryResponse(e))
			resp.NextSequence = e.Sequence
		}

		return &struct {
			Body LogsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-progress",
		Method:      http.MethodGet,
		Path:        "/jobs/{jobId}/progress",
		Summary:     "Get the latest progress snapshot",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"jobId"`
	}) (*struct {
		Body progress.Snapshot `json:"body"`
	}, error) {
		p, jobID, err := jobScope(ctx, input.JobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		snap, err := cfg.Progress.GetProgress(ctx, p.OrganizationID, jobID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body progress.Snapshot `json:"body"`
		}{Body: *snap}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-job-logs",
		Method:      http.MethodGet,
		Path:        "/jobs/{jobId}/logs/stream",
		Summary:     "Stream log entries and progress until the job finishes",
	}, map[string]any{
		"log":      LogEvent{},
		"progress": progress.Snapshot{},
		"error":    StreamError{},
	}, func(ctx context.Context, input *struct {
		JobID         string `path:"jobId"`
		SinceSequence int64  `query:"sinceSequence" minimum:"0"`
	}, send sse.Sender) {
		streamLogs(ctx, cfg.Progress, input.JobID, input.SinceSequence, send)
	})
}

// jobScope authorizes a read of a job in the caller's organization.
func jobScope(ctx context.Context, raw string) (*auth.Principal, uuid.UUID, error) {
	p, err := auth.RequirePermission(ctx, auth.PermJobsRead)
	if err != nil {
		return nil, uuid.Nil, err
	}
	jobID, err := parseID("jobId", raw)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return p, jobID, nil
}

// streamLogs replays entries after sinceSequence, then follows pushed
// updates. Dropped pushes are recovered by re-reading the log.
func streamLogs(ctx context.Context, ch *progress.Channel, rawJobID string, sinceSequence int64, send sse.Sender) {
	p, jobID, err := jobScope(ctx, rawJobID)
	if err != nil {
		sendStreamError(ctx, send, err)
		return
	}
	if _, err := ch.GetProgress(ctx, p.OrganizationID, jobID); err != nil {
		sendStreamError(ctx, send, err)
		return
	}

	updates, cancel := ch.Subscribe(jobID)
	defer cancel()

	last := sinceSequence
	catchUp := func() error {
		for {
			entries, err := ch.GetLogs(ctx, p.OrganizationID, jobID, progress.LogQuery{
				SinceSequence: last,
				Limit:         progress.MaxLogLimit,
			})
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := send.Data(logEvent(e)); err != nil {
					return err
				}
				last = e.Sequence
			}
			if len(entries) < progress.MaxLogLimit {
				return nil
			}
		}
	}

	if err := catchUp(); err != nil {
		sendStreamError(ctx, send, err)
		return
	}

	snap, err := ch.GetProgress(ctx, p.OrganizationID, jobID)
	if err != nil {
		sendStreamError(ctx, send, err)
		return
	}
	if err := send.Data(*snap); err != nil || snap.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch {
			case u.Log != nil && u.Log.Sequence == last+1:
				if err := send.Data(logEvent(u.Log)); err != nil {
					return
				}
				last = u.Log.Sequence
			case u.Log != nil && u.Log.Sequence > last:
				if err := catchUp(); err != nil {
					sendStreamError(ctx, send, err)
					return
				}
			case u.Progress != nil:
				if err := send.Data(*u.Progress); err != nil || u.Progress.Status.IsTerminal() {
					return
				}
			}
		}
	}
}

func sendStreamError(ctx context.Context, send sse.Sender, err error) {
	se := StreamError{Code: "internal_error", Message: err.Error()}
	var ae *apiError
	if errors.As(handleError(ctx, err), &ae) {
		se = StreamError{Code: ae.Body.Code, Message: ae.Body.Message}
	}
	_ = send.Data(se)
}

package server

import (
	"time"

	"github.com/wolfeidau/caseflow/internal/models"
)

// Request payloads

type CreateJobRequest struct {
	Type       string         `json:"type" enum:"extraction,analysis,connection_test"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   string         `json:"priority,omitempty" enum:"critical,high,medium,low"`
}

type RegisterOrganizationRequest struct {
	Name            string `json:"name" minLength:"1"`
	Domain          string `json:"domain,omitempty"`
	GracePeriodDays int    `json:"gracePeriodDays,omitempty" minimum:"0" maximum:"365"`
}

type OffboardRequest struct {
	GraceDays int    `json:"graceDays,omitempty" minimum:"0"`
	Reason    string `json:"reason,omitempty"`
}

type PurgeRequest struct {
	Confirm string `json:"confirm" doc:"Must repeat the organization id"`
	Force   bool   `json:"force,omitempty"`
}

type CredentialsRequest struct {
	ApplicationID         string `json:"applicationId"`
	ClientSecret          string `json:"clientSecret,omitempty"`
	CertificateThumbprint string `json:"certificateThumbprint,omitempty"`
}

type ExecutorLogRequest struct {
	Level   string `json:"level,omitempty" enum:"info,warn,error,success"`
	Message string `json:"message"`
}

// Response payloads

type JobResponse struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Priority       string          `json:"priority"`
	Progress       int             `json:"progress"`
	CurrentMessage string          `json:"currentMessage,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
	Parameters     map[string]any  `json:"parameters,omitempty"`
	Result         map[string]any  `json:"result,omitempty"`
	NotBefore      *time.Time      `json:"notBefore,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	DurationMS     int64           `json:"durationMs,omitempty"`
}

type JobListResponse struct {
	Jobs     []JobResponse `json:"jobs"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
}

type LogEntryResponse struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type LogsResponse struct {
	JobID        string             `json:"jobId"`
	Entries      []LogEntryResponse `json:"entries"`
	NextSequence int64              `json:"nextSequence" doc:"Pass as sinceSequence to continue"`
}

type OrganizationResponse struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Domain              string     `json:"domain,omitempty"`
	Active              bool       `json:"active"`
	GracePeriodDays     int        `json:"gracePeriodDays"`
	HasCredentials      bool       `json:"hasCredentials"`
	OffboardScheduledAt *time.Time `json:"offboardScheduledAt,omitempty"`
	OffboardReason      string     `json:"offboardReason,omitempty"`
	PurgeJobID          string     `json:"purgeJobId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

type OffboardResponse struct {
	OrganizationID string    `json:"organizationId"`
	OffboardAt     time.Time `json:"offboardAt"`
}

type PurgeResponse struct {
	OrganizationID string `json:"organizationId"`
	JobID          string `json:"jobId"`
}

type CleanupResponse struct {
	OrganizationID string               `json:"organizationId"`
	JobID          string               `json:"jobId,omitempty"`
	Status         string               `json:"status"`
	Steps          []models.CleanupStep `json:"steps"`
	StartedAt      time.Time            `json:"startedAt"`
	FinishedAt     *time.Time           `json:"finishedAt,omitempty"`
}

type AcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status,omitempty"`
}

// LogEvent is a log line pushed on the log stream.
type LogEvent struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// StreamError ends a log stream that could not be served.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func jobResponse(j *models.Job) JobResponse {
	return JobResponse{
		ID:             j.ID.String(),
		OrganizationID: j.OrganizationID.String(),
		Type:           string(j.Type),
		Status:         string(j.Status),
		Priority:       string(j.Priority),
		Progress:       j.Progress,
		CurrentMessage: j.CurrentMessage,
		Flags:          j.Flags,
		Parameters:     j.Parameters,
		Result:         j.Result,
		NotBefore:      j.NotBefore,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		UpdatedAt:      j.UpdatedAt,
		DurationMS:     j.Duration().Milliseconds(),
	}
}

func mapJobs(items []*models.Job) []JobResponse {
	out := make([]JobResponse, 0, len(items))
	for _, j := range items {
		out = append(out, jobResponse(j))
	}
	return out
}

func logEntryResponse(e *models.LogEntry) LogEntryResponse {
	return LogEntryResponse{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Level:     string(e.Level),
		Message:   e.Message,
	}
}

func logEvent(e *models.LogEntry) LogEvent {
	return LogEvent(logEntryResponse(e))
}

func organizationResponse(o *models.Organization) OrganizationResponse {
	resp := OrganizationResponse{
		ID:                  o.ID.String(),
		Name:                o.Name,
		Domain:              o.Domain,
		Active:              o.Active,
		GracePeriodDays:     o.EffectiveGracePeriodDays(),
		HasCredentials:      len(o.Credentials) > 0,
		OffboardScheduledAt: o.OffboardScheduledAt,
		OffboardReason:      o.OffboardReason,
		CreatedAt:           o.CreatedAt,
		UpdatedAt:           o.UpdatedAt,
	}
	if o.PurgeJobID != nil {
		resp.PurgeJobID = o.PurgeJobID.String()
	}
	return resp
}

func cleanupResponse(r *models.CleanupRecord) CleanupResponse {
	resp := CleanupResponse{
		OrganizationID: r.OrganizationID.String(),
		Status:         string(r.Status),
		Steps:          r.Steps,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
	if r.JobID != nil {
		resp.JobID = r.JobID.String()
	}
	return resp
}

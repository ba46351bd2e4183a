// Package executor talks to out-of-process extraction and analysis workers
// over HTTP.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
)

const DefaultTimeout = 30 * time.Second

// DispatchRequest is the body of POST {base}/jobs.
type DispatchRequest struct {
	JobID          uuid.UUID      `json:"jobId"`
	OrganizationID uuid.UUID      `json:"organizationId"`
	Type           models.JobType `json:"type"`
	Parameters     map[string]any `json:"parameters"`
	CallbackURL    string         `json:"callbackUrl"`
	TaskToken      string         `json:"taskToken"`
}

// Config for an executor client.
type Config struct {
	Name    string
	BaseURL string
	// CallbackBaseURL is the public base URL of this service; executors
	// report to {CallbackBaseURL}/api/v1/executor/jobs/{jobId}.
	CallbackBaseURL string
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// Client implements the executor contract of one worker service.
type Client struct {
	name     string
	base     *url.URL
	callback string
	http     *http.Client
}

// New creates an executor client.
func New(cfg Config) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("executor name is required")
	}

	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid executor base url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		name:     cfg.Name,
		base:     base,
		callback: strings.TrimSuffix(cfg.CallbackBaseURL, "/"),
		http:     httpClient,
	}, nil
}

func (c *Client) Name() string { return c.name }

// CallbackURL returns where the executor reports on jobID.
func (c *Client) CallbackURL(jobID uuid.UUID) string {
	return c.callback + "/api/v1/executor/jobs/" + jobID.String()
}

// Dispatch hands the job to the worker.
func (c *Client) Dispatch(ctx context.Context, job *models.Job, taskToken string) error {
	body := DispatchRequest{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		Type:           job.Type,
		Parameters:     job.Parameters,
		CallbackURL:    c.CallbackURL(job.ID),
		TaskToken:      taskToken,
	}

	if err := c.do(ctx, http.MethodPost, "/jobs", body, false); err != nil {
		return fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	log.Debug().
		Str("job_id", job.ID.String()).
		Str("executor", c.name).
		Msg("Executor accepted job")
	return nil
}

// Cancel asks the worker to stop. A worker that no longer knows the job
// counts as stopped.
func (c *Client) Cancel(ctx context.Context, job *models.Job) error {
	if err := c.do(ctx, http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil, true); err != nil {
		return fmt.Errorf("cancel job %s: %w", job.ID, err)
	}
	return nil
}

// DeleteOrganizationData removes everything the worker holds for the
// organization. 404 means there was nothing to delete.
func (c *Client) DeleteOrganizationData(ctx context.Context, orgID uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/organizations/"+orgID.String()+"/data", nil, true); err != nil {
		return fmt.Errorf("delete organization %s data: %w", orgID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, notFoundOK bool) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if resp.StatusCode == http.StatusNotFound && notFoundOK {
		return nil
	}

	return statusError(resp)
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.Validation("", "executor rejected request: %s", msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.Permission("executor refused request: %s", msg)
	}
	return fmt.Errorf("executor returned %d: %s", resp.StatusCode, msg)
}

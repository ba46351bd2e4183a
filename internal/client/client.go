// Package client is the Go client for the caseflow HTTP API used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/auth"
	"github.com/wolfeidau/caseflow/internal/progress"
	"github.com/wolfeidau/caseflow/internal/server"
	"github.com/wolfeidau/caseflow/internal/vault"
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
	Debug     bool

	// Identity forwarded as the trusted principal headers. In production an
	// authenticating proxy replaces these.
	PrincipalID    string
	OrganizationID string
	Roles          []string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
	}
}

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	details, _ := json.Marshal(e.Details)
	return fmt.Sprintf("%s (%d): %s %s", e.Code, e.Status, e.Message, details)
}

// Client calls the API.
type Client struct {
	cfg  Config
	base string
	http *http.Client
}

// New creates a client for the API at cfg.ServerURL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.ServerURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.ServerURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Client{
		cfg:  cfg,
		base: u.String() + server.DefaultBasePath,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// JobFilter selects jobs for ListJobs.
type JobFilter struct {
	Statuses []string
	Types    []string
	Page     int
	PageSize int
}

func (c *Client) SubmitJob(ctx context.Context, req server.CreateJobRequest) (*server.JobResponse, error) {
	return call[server.JobResponse](ctx, c, http.MethodPost, "/jobs", nil, req)
}

func (c *Client) ListJobs(ctx context.Context, f JobFilter) (*server.JobListResponse, error) {
	q := url.Values{}
	for _, s := range f.Statuses {
		q.Add("status", s)
	}
	for _, t := range f.Types {
		q.Add("type", t)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(f.PageSize))
	}

	return call[server.JobListResponse](ctx, c, http.MethodGet, "/jobs", q, nil)
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*server.JobResponse, error) {
	return call[server.JobResponse](ctx, c, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, nil)
}

func (c *Client) CancelJob(ctx context.Context, jobID string) (*server.JobResponse, error) {
	return call[server.JobResponse](ctx, c, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// GetLogs returns entries after sinceSequence. Pass the returned
// NextSequence to continue.
func (c *Client) GetLogs(ctx context.Context, jobID string, sinceSequence int64, limit int) (*server.LogsResponse, error) {
	q := url.Values{}
	q.Set("sinceSequence", strconv.FormatInt(sinceSequence, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	return call[server.LogsResponse](ctx, c, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/logs", q, nil)
}

func (c *Client) GetProgress(ctx context.Context, jobID string) (*progress.Snapshot, error) {
	return call[progress.Snapshot](ctx, c, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/progress", nil, nil)
}

// FollowLogs polls the job's log until the job finishes, calling fn for
// each entry in order.
func (c *Client) FollowLogs(ctx context.Context, jobID string, sinceSequence int64, interval time.Duration, fn func(server.LogEntryResponse)) (*progress.Snapshot, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := sinceSequence
	for {
		// read progress first so no entry written before a terminal status is missed
		snap, err := c.GetProgress(ctx, jobID)
		if err != nil {
			return nil, err
		}

		for {
			logs, err := c.GetLogs(ctx, jobID, next, progress.MaxLogLimit)
			if err != nil {
				return nil, err
			}
			for _, e := range logs.Entries {
				fn(e)
			}
			next = logs.NextSequence
			if len(logs.Entries) < progress.MaxLogLimit {
				break
			}
		}

		if snap.Status.IsTerminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) RegisterOrganization(ctx context.Context, req server.RegisterOrganizationRequest) (*server.OrganizationResponse, error) {
	return call[server.OrganizationResponse](ctx, c, http.MethodPost, "/organizations", nil, req)
}

func (c *Client) GetOrganization(ctx context.Context, orgID string) (*server.OrganizationResponse, error) {
	return call[server.OrganizationResponse](ctx, c, http.MethodGet, "/organizations/"+url.PathEscape(orgID), nil, nil)
}

func (c *Client) Offboard(ctx context.Context, orgID string, req server.OffboardRequest) (*server.OffboardResponse, error) {
	return call[server.OffboardResponse](ctx, c, http.MethodPost, "/organizations/"+url.PathEscape(orgID)+"/offboard", nil, req)
}

func (c *Client) Restore(ctx context.Context, orgID string) (*server.OrganizationResponse, error) {
	return call[server.OrganizationResponse](ctx, c, http.MethodPost, "/organizations/"+url.PathEscape(orgID)+"/restore", nil, nil)
}

// Purge requests an immediate purge. confirm must repeat orgID; the server
// rejects anything else.
func (c *Client) Purge(ctx context.Context, orgID, confirm string, force bool) (*server.PurgeResponse, error) {
	req := server.PurgeRequest{Confirm: confirm, Force: force}
	return call[server.PurgeResponse](ctx, c, http.MethodPost, "/organizations/"+url.PathEscape(orgID)+"/purge", nil, req)
}

func (c *Client) Cleanup(ctx context.Context, orgID string) (*server.CleanupResponse, error) {
	return call[server.CleanupResponse](ctx, c, http.MethodGet, "/organizations/"+url.PathEscape(orgID)+"/cleanup", nil, nil)
}

func (c *Client) PutCredentials(ctx context.Context, orgID string, req server.CredentialsRequest) (*vault.CredentialView, error) {
	return call[vault.CredentialView](ctx, c, http.MethodPut, "/organizations/"+url.PathEscape(orgID)+"/credentials", nil, req)
}

func (c *Client) GetCredentials(ctx context.Context, orgID string, reveal bool) (*vault.CredentialView, error) {
	q := url.Values{}
	if reveal {
		q.Set("reveal", "true")
	}
	return call[vault.CredentialView](ctx, c, http.MethodGet, "/organizations/"+url.PathEscape(orgID)+"/credentials", q, nil)
}

func call[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (*T, error) {
	var out T
	if err := c.do(ctx, method, path, query, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.setPrincipal(req.Header)

	if c.cfg.Debug {
		log.Debug().Str("method", method).Str("url", target).Msg("API request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setPrincipal(h http.Header) {
	if c.cfg.PrincipalID != "" {
		h.Set(auth.HeaderPrincipalID, c.cfg.PrincipalID)
	}
	if c.cfg.OrganizationID != "" {
		h.Set(auth.HeaderOrganizationID, c.cfg.OrganizationID)
	}
	if len(c.cfg.Roles) > 0 {
		h.Set(auth.HeaderRoles, strings.Join(c.cfg.Roles, ","))
	}
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	apiErr := &Error{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
		return apiErr
	}

	apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}

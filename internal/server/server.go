// Package server exposes jobs, logs, credentials and the organization
// lifecycle as a JSON API, plus the callback endpoints used by executors.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/auth"
	"github.com/wolfeidau/caseflow/internal/dispatch"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/jobs"
	"github.com/wolfeidau/caseflow/internal/lifecycle"
	"github.com/wolfeidau/caseflow/internal/logger"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/progress"
	"github.com/wolfeidau/caseflow/internal/vault"
)

const DefaultBasePath = "/api/v1"

// EventSink applies executor events to jobs.
type EventSink interface {
	OnExecutorEvent(ctx context.Context, jobID uuid.UUID, evt dispatch.Event) (*models.Job, error)
}

// TaskVerifier checks executor task tokens.
type TaskVerifier interface {
	Verify(token string, jobID uuid.UUID) (*auth.TaskClaims, error)
}

// Config for the HTTP API handler.
type Config struct {
	Jobs      *jobs.Manager
	Progress  *progress.Channel
	Lifecycle *lifecycle.Manager
	Vault     *vault.Vault
	Events    EventSink
	Tokens    TaskVerifier

	Logger      zerolog.Logger
	BasePath    string
	CORSOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"organization has active extraction jobs"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the error envelope returned by every operation.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler for the API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Jobs == nil || cfg.Progress == nil || cfg.Lifecycle == nil || cfg.Vault == nil {
		return nil, errors.New("server requires jobs, progress, lifecycle and vault")
	}
	if cfg.Events == nil || cfg.Tokens == nil {
		return nil, errors.New("server requires an event sink and task token verifier")
	}

	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request schema violations are the caller's input errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(logger.Requests(cfg.Logger))
	router.Use(auth.PrincipalMiddleware)

	hcfg := huma.DefaultConfig("caseflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(api)
	registerJobs(group, cfg)
	registerLogs(group, cfg)
	registerOrganizations(group, cfg)
	registerCredentials(group, cfg)
	registerExecutorCallbacks(group, cfg)

	if len(cfg.CORSOrigins) == 0 {
		return router, nil
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.HeaderPrincipalID, auth.HeaderOrganizationID, auth.HeaderRoles},
		AllowCredentials: true,
	})
	return c.Handler(router), nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the error taxonomy onto HTTP statuses.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}

	var ce *errs.ConflictError
	if errors.As(err, &ce) {
		details := map[string]any{}
		if len(ce.BlockingJobIDs) > 0 {
			details["blockingJobIds"] = ce.BlockingJobIDs
		}
		if ce.ScheduledAt != nil {
			details["scheduledAt"] = ce.ScheduledAt
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(http.StatusConflict, "conflict", err.Error(), details)
	}

	var ve *errs.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}

	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidTaskToken):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, errs.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, errs.ErrPermission):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, errs.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, errs.ErrExecutorUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "executor_unavailable", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		requestLogger(ctx).Error().Err(err).Msg("Unhandled API error")
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// orgScope authorizes perm and access to the organization named by raw.
func orgScope(ctx context.Context, perm auth.Permission, raw string) (*auth.Principal, uuid.UUID, error) {
	p, err := auth.RequirePermission(ctx, perm)
	if err != nil {
		return nil, uuid.Nil, err
	}

	orgID, err := parseID("orgId", raw)
	if err != nil {
		return nil, uuid.Nil, err
	}

	if !p.CanAccess(orgID) {
		// do not reveal other organizations
		return nil, uuid.Nil, errs.NotFound("organization", orgID.String())
	}

	return p, orgID, nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, errs.Validation(field, "must be a UUID")
	}
	return id, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func requestLogger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return &log.Logger
	}
	return l
}

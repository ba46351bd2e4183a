package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/wolfeidau/caseflow/internal/auth"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/vault"
)

type orgPath struct {
	OrgID string `path:"orgId"`
}

func registerOrganizations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-organization",
		Method:        http.MethodPost,
		Path:          "/organizations",
		Summary:       "Register organization",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterOrganizationRequest `json:"body"`
	}) (*struct {
		Body OrganizationResponse `json:"body"`
	}, error) {
		if _, err := auth.RequirePermission(ctx, auth.PermOrganizationsCreate); err != nil {
			return nil, handleError(ctx, err)
		}

		org, err := cfg.Lifecycle.Register(ctx, input.Body.Name, input.Body.Domain, input.Body.GracePeriodDays)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body OrganizationResponse `json:"body"`
		}{Body: organizationResponse(org)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-organization",
		Method:      http.MethodGet,
		Path:        "/organizations/{orgId}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body OrganizationResponse `json:"body"`
	}, error) {
		_, orgID, err := orgScope(ctx, auth.PermJobsRead, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		org, err := cfg.Lifecycle.Get(ctx, orgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body OrganizationResponse `json:"body"`
		}{Body: organizationResponse(org)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "offboard-organization",
		Method:      http.MethodPost,
		Path:        "/organizations/{orgId}/offboard",
		Summary:     "Schedule organization offboarding",
		Description: "Deactivates the organization and schedules a purge after the grace period.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrgID string          `path:"orgId"`
		Body  OffboardRequest `json:"body"`
	}) (*struct {
		Body OffboardResponse `json:"body"`
	}, error) {
		p, orgID, err := orgScope(ctx, auth.PermOrganizationsManage, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		offboardAt, err := cfg.Lifecycle.ScheduleOffboard(ctx, orgID, input.Body.GraceDays, input.Body.Reason)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		requestLogger(ctx).Info().
			Str("org_id", orgID.String()).
			Str("principal_id", p.ID).
			Time("offboard_at", offboardAt).
			Msg("Offboard scheduled")

		return &struct {
			Body OffboardResponse `json:"body"`
		}{Body: OffboardResponse{OrganizationID: orgID.String(), OffboardAt: offboardAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-organization",
		Method:      http.MethodPost,
		Path:        "/organizations/{orgId}/restore",
		Summary:     "Cancel a scheduled offboard",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body OrganizationResponse `json:"body"`
	}, error) {
		_, orgID, err := orgScope(ctx, auth.PermOrganizationsManage, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		org, err := cfg.Lifecycle.Restore(ctx, orgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body OrganizationResponse `json:"body"`
		}{Body: organizationResponse(org)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purge-organization",
		Method:        http.MethodPost,
		Path:          "/organizations/{orgId}/purge",
		Summary:       "Purge organization data now",
		Description:   "Irreversible. The body must repeat the organization id in confirm.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrgID string       `path:"orgId"`
		Body  PurgeRequest `json:"body"`
	}) (*struct {
		Body PurgeResponse `json:"body"`
	}, error) {
		p, orgID, err := orgScope(ctx, auth.PermOrganizationsPurge, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if !strings.EqualFold(strings.TrimSpace(input.Body.Confirm), orgID.String()) {
			return nil, handleError(ctx, errs.Validation("confirm", "must equal the organization id"))
		}

		job, err := cfg.Lifecycle.RequestPurge(ctx, orgID, input.Body.Force)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		requestLogger(ctx).Warn().
			Str("org_id", orgID.String()).
			Str("job_id", job.ID.String()).
			Str("principal_id", p.ID).
			Bool("force", input.Body.Force).
			Msg("Purge requested")

		return &struct {
			Body PurgeResponse `json:"body"`
		}{Body: PurgeResponse{OrganizationID: orgID.String(), JobID: job.ID.String()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cleanup-record",
		Method:      http.MethodGet,
		Path:        "/organizations/{orgId}/cleanup",
		Summary:     "Get the purge cleanup record",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body CleanupResponse `json:"body"`
	}, error) {
		_, orgID, err := orgScope(ctx, auth.PermOrganizationsPurge, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		rec, err := cfg.Lifecycle.Cleanup(ctx, orgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body CleanupResponse `json:"body"`
		}{Body: cleanupResponse(rec)}, nil
	})
}

func registerCredentials(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "put-credentials",
		Method:      http.MethodPut,
		Path:        "/organizations/{orgId}/credentials",
		Summary:     "Replace organization credentials",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"orgId"`
		Body  CredentialsRequest `json:"body"`
	}) (*struct {
		Body vault.CredentialView `json:"body"`
	}, error) {
		_, orgID, err := orgScope(ctx, auth.PermCredentialsWrite, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		err = cfg.Vault.Store(ctx, orgID, models.Credentials{
			ApplicationID:         input.Body.ApplicationID,
			ClientSecret:          input.Body.ClientSecret,
			CertificateThumbprint: input.Body.CertificateThumbprint,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}

		view, err := cfg.Vault.Retrieve(ctx, orgID, vault.RetrieveOptions{})
		if err != nil {
			return nil, handleError(ctx, err)
		}

		return &struct {
			Body vault.CredentialView `json:"body"`
		}{Body: *view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-credentials",
		Method:      http.MethodGet,
		Path:        "/organizations/{orgId}/credentials",
		Summary:     "Get organization credentials, masked unless reveal is set",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"orgId"`
		Reveal bool   `query:"reveal"`
	}) (*struct {
		Body vault.CredentialView `json:"body"`
	}, error) {
		perm := auth.PermCredentialsRead
		if input.Reveal {
			perm = auth.PermCredentialsReveal
		}
		p, orgID, err := orgScope(ctx, perm, input.OrgID)
		if err != nil {
			return nil, handleError(ctx, err)
		}

		view, err := cfg.Vault.Retrieve(ctx, orgID, vault.RetrieveOptions{Reveal: input.Reveal})
		if err != nil {
			return nil, handleError(ctx, err)
		}

		if input.Reveal {
			requestLogger(ctx).Info().Str("org_id", orgID.String()).Str("principal_id", p.ID).Msg("Credentials revealed")
		}

		return &struct {
			Body vault.CredentialView `json:"body"`
		}{Body: *view}, nil
	})
}

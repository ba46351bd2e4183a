package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/caseflow/internal/errs"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name           string
		roles          []Role
		permission     Permission
		expectedResult bool
	}{
		{"admin can purge", []Role{RoleAdmin}, PermOrganizationsPurge, true},
		{"admin cannot create organizations", []Role{RoleAdmin}, PermOrganizationsCreate, false},
		{"platform admin can create organizations", []Role{RolePlatformAdmin}, PermOrganizationsCreate, true},
		{"analyst can submit jobs", []Role{RoleAnalyst}, PermJobsSubmit, true},
		{"analyst cannot reveal credentials", []Role{RoleAnalyst}, PermCredentialsReveal, false},
		{"viewer can read jobs", []Role{RoleViewer}, PermJobsRead, true},
		{"viewer cannot cancel jobs", []Role{RoleViewer}, PermJobsCancel, false},
		{"roles combine", []Role{RoleViewer, RoleAnalyst}, PermJobsCancel, true},
		{"no roles", nil, PermJobsRead, false},
		{"unknown role", []Role{"root"}, PermJobsRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedResult, HasPermission(tt.roles, tt.permission))
		})
	}
}

func TestRequirePermission(t *testing.T) {
	_, err := RequirePermission(context.Background(), PermJobsRead)
	require.ErrorIs(t, err, ErrUnauthenticated)

	ctx := WithPrincipal(context.Background(), &Principal{ID: "u1", OrganizationID: uuid.New(), Roles: []Role{RoleViewer}})

	p, err := RequirePermission(ctx, PermJobsRead)
	require.NoError(t, err)
	require.Equal(t, "u1", p.ID)

	_, err = RequirePermission(ctx, PermOrganizationsPurge)
	require.ErrorIs(t, err, errs.ErrPermission)
}

func TestPrincipalMiddleware(t *testing.T) {
	orgID := uuid.Must(uuid.NewV7())

	var got *Principal
	h := PrincipalMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set(HeaderPrincipalID, "analyst@contoso.example")
	req.Header.Set(HeaderOrganizationID, orgID.String())
	req.Header.Set(HeaderRoles, "analyst, bogus ,viewer")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	require.Equal(t, orgID, got.OrganizationID)
	require.Equal(t, []Role{RoleAnalyst, RoleViewer}, got.Roles)
	require.True(t, got.CanAccess(orgID))
	require.False(t, got.CanAccess(uuid.New()))

	got = nil
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set(HeaderPrincipalID, "x")
	req.Header.Set(HeaderOrganizationID, "not-a-uuid")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Nil(t, got)
}

func TestTaskTokens(t *testing.T) {
	_, err := NewTaskTokens([]byte("short"), time.Hour)
	require.Error(t, err)

	tokens, err := NewTaskTokens([]byte("test-secret-key-min-32-bytes-long"), time.Hour)
	require.NoError(t, err)

	jobID := uuid.Must(uuid.NewV7())
	orgID := uuid.Must(uuid.NewV7())
	tok, err := tokens.Issue(jobID, orgID, "extraction")
	require.NoError(t, err)

	claims, err := tokens.Verify(tok, jobID)
	require.NoError(t, err)
	require.Equal(t, orgID.String(), claims.OrganizationID)
	require.Equal(t, "extraction", claims.JobType)

	t.Run("other job", func(t *testing.T) {
		_, err := tokens.Verify(tok, uuid.Must(uuid.NewV7()))
		require.ErrorIs(t, err, ErrInvalidTaskToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewTaskTokens([]byte("another-secret-key-min-32-bytes-xx"), time.Hour)
		require.NoError(t, err)
		_, err = other.Verify(tok, jobID)
		require.ErrorIs(t, err, ErrInvalidTaskToken)
	})

	t.Run("expired", func(t *testing.T) {
		short, err := NewTaskTokens([]byte("test-secret-key-min-32-bytes-long"), time.Nanosecond)
		require.NoError(t, err)
		tok, err := short.Issue(jobID, orgID, "analysis")
		require.NoError(t, err)
		time.Sleep(1100 * time.Millisecond)
		_, err = short.Verify(tok, jobID)
		require.ErrorIs(t, err, ErrInvalidTaskToken)
	})
}

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Headers set by the authenticating proxy in front of the API.
const (
	HeaderPrincipalID    = "X-Principal-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRoles          = "X-Principal-Roles"
)

// Principal is an authenticated caller scoped to one organization. Session
// handling happens upstream; this service trusts the proxy headers.
type Principal struct {
	ID             string
	OrganizationID uuid.UUID
	Roles          []Role
}

// HasRole reports whether the principal holds role.
func (p *Principal) HasRole(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanAccess reports whether the principal may act on orgID. Platform admins
// act across organizations.
func (p *Principal) CanAccess(orgID uuid.UUID) bool {
	return p.OrganizationID == orgID || p.HasRole(RolePlatformAdmin)
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored in ctx.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// PrincipalFromHeaders parses the trusted proxy headers. It returns false
// when the headers are missing or malformed.
func PrincipalFromHeaders(h http.Header) (*Principal, bool) {
	id := strings.TrimSpace(h.Get(HeaderPrincipalID))
	orgID, err := uuid.Parse(strings.TrimSpace(h.Get(HeaderOrganizationID)))
	if id == "" || err != nil {
		return nil, false
	}

	p := &Principal{ID: id, OrganizationID: orgID}
	for _, r := range strings.Split(h.Get(HeaderRoles), ",") {
		role := Role(strings.TrimSpace(r))
		if _, known := RolePermissions[role]; known {
			p.Roles = append(p.Roles, role)
		}
	}

	return p, true
}

// PrincipalMiddleware attaches the principal from trusted headers to the
// request context. Requests without one pass through unauthenticated.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromHeaders(r.Header)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := WithPrincipal(r.Context(), p)
		zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("principal_id", p.ID).Str("org_id", p.OrganizationID.String())
		})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

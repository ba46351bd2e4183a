package auth

import (
	"context"
	"errors"
	"slices"

	"github.com/wolfeidau/caseflow/internal/errs"
)

// ErrUnauthenticated is returned when no principal accompanies a request.
var ErrUnauthenticated = errors.New("not authenticated")

// Role is a role granted to a principal within its organization.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleAnalyst       Role = "analyst"
	RoleViewer        Role = "viewer"
	RolePlatformAdmin Role = "platform_admin"
)

// Permission represents an authorized action
type Permission string

const (
	PermJobsSubmit          Permission = "jobs:submit"
	PermJobsRead            Permission = "jobs:read"
	PermJobsCancel          Permission = "jobs:cancel"
	PermCredentialsRead     Permission = "credentials:read"
	PermCredentialsReveal   Permission = "credentials:reveal"
	PermCredentialsWrite    Permission = "credentials:write"
	PermOrganizationsManage Permission = "organizations:manage"
	PermOrganizationsPurge  Permission = "organizations:purge"
	PermOrganizationsCreate Permission = "organizations:create"
)

// RolePermissions maps roles to allowed permissions
var RolePermissions = map[Role][]Permission{
	RolePlatformAdmin: {
		PermJobsSubmit,
		PermJobsRead,
		PermJobsCancel,
		PermCredentialsRead,
		PermCredentialsReveal,
		PermCredentialsWrite,
		PermOrganizationsManage,
		PermOrganizationsPurge,
		PermOrganizationsCreate,
	},
	RoleAdmin: {
		PermJobsSubmit,
		PermJobsRead,
		PermJobsCancel,
		PermCredentialsRead,
		PermCredentialsReveal,
		PermCredentialsWrite,
		PermOrganizationsManage,
		PermOrganizationsPurge,
	},
	RoleAnalyst: {
		PermJobsSubmit,
		PermJobsRead,
		PermJobsCancel,
		PermCredentialsRead,
	},
	RoleViewer: {
		PermJobsRead,
		PermCredentialsRead,
	},
}

// HasPermission checks if any of the roles grants perm
func HasPermission(roles []Role, perm Permission) bool {
	for _, role := range roles {
		if slices.Contains(RolePermissions[role], perm) {
			return true
		}
	}
	return false
}

// RequirePermission checks authorization for the principal in ctx.
func RequirePermission(ctx context.Context, perm Permission) (*Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}

	if !HasPermission(p.Roles, perm) {
		return nil, errs.Permission("permission denied: %s requires %s", p.ID, perm)
	}

	return p, nil
}

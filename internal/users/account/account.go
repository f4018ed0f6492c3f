// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package account handles user administration on top of the security core.

It is a collaborator: every privileged decision is delegated to the request
guard through [Authorizer], and session revocation goes through the auth
session manager. It never reads the permission matrix or token internals.

# Architecture

  - Directory: region and company scoped listings of accounts.
  - Access changes: role, regions and company, never above the caller's own level.
  - Invitations: signed registration tokens that fix role and tenancy.
  - Audit listing: paged reads of the security audit log for the admin tier.
*/
package account

import (
	"context"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/permission"
	"github.com/taibuivan/portalcore/internal/users/auth"
)

// # Collaborator Contracts

// Authorizer is the request guard's authorization entry point.
type Authorizer interface {
	Authorize(ctx context.Context, user *auth.User, resource permission.Resource, action permission.Action, target permission.Target) error
}

// SessionRevoker terminates every session of an account.
type SessionRevoker interface {
	RevokeAllUserSessions(ctx context.Context, userID string) (int64, error)
}

// InvitationSigner issues registration invitations.
type InvitationSigner interface {
	GenerateInvitationToken(claims sec.InvitationClaims, timeToLive time.Duration) (string, error)
}

// Auditor records administrative events.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry)
}

// AuditReader pages through stored audit entries.
type AuditReader interface {
	List(ctx context.Context, filter audit.Filter, limit, offset int) ([]audit.Entry, int, error)
}

// # Directory

// ListFilter narrows a user listing. Zero fields are ignored.
type ListFilter struct {
	Role      sec.UserRole
	Regions   []string
	CompanyID string
	Search    string
	Active    *bool
}

// Directory lists accounts for administrators.
type Directory interface {

	/*
		List returns one page of accounts matching filter, ordered by email.

		Parameters:
		  - context: context.Context
		  - filter: ListFilter
		  - limit: int
		  - offset: int

		Returns:
		  - []*auth.User: Page of accounts
		  - int: Total matching accounts
		  - error: Storage failures
	*/
	List(context context.Context, filter ListFilter, limit, offset int) ([]*auth.User, int, error)
}

// # Invitations

// Invitation is the result of [Service.Invite].
type Invitation struct {
	Token     string       `json:"token"`
	Email     string       `json:"email"`
	Role      sec.UserRole `json:"role"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// # Field Identifiers

const (
	FieldDisplayName  = "display_name"
	FieldEmail        = "email"
	FieldRole         = "role"
	FieldHomeRegionID = "home_region_id"
	FieldRegions      = "regions"
	FieldCompanyID    = "company_id"
	FieldID           = "id"
	FieldRisk         = "min_risk"
	FieldSince        = "since"
)

// MaxDisplayNameLength bounds profile names.
const MaxDisplayNameLength = 100

// targetOf describes a stored account for the permission engine.
func targetOf(user *auth.User) permission.Target {
	return permission.Target{
		UserID:    &user.ID,
		RegionID:  &user.HomeRegionID,
		CompanyID: user.CompanyID,
	}
}

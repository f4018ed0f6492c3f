// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package permission evaluates role, region and ownership rules for every
privileged operation in the portal.

# Evaluation Order

 1. Region: a concrete target region must be in the caller's accessible set
    (or the caller holds the wildcard). Region is tenancy, so no role skips it.
 2. Matrix: role -> resource -> level lookup. Anything missing denies.
 3. Refinement: below the admin tier, write-level access is narrowed to the
    caller's own record (student) or own company (company_admin).

The engine is pure and holds no state besides its matrix, so it can be shared
across goroutines.
*/
package permission

import (
	"fmt"
	"slices"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/constants"
	"github.com/taibuivan/portalcore/internal/platform/sec"
)

// # Context

// Principal is the identity the engine evaluates. It is built by the caller
// from a loaded account, never from token claims alone.
type Principal struct {
	ID           string
	Role         sec.UserRole
	HomeRegionID string
	Regions      []string
	CompanyID    string
}

// Context is the argument to every evaluation. Target fields are optional
// and each one is checked independently.
type Context struct {
	Principal       Principal
	Resource        Resource
	Action          Action
	TargetUserID    *string
	TargetRegionID  *string
	TargetCompanyID *string
}

// Target names the record an operation touches. It is the caller-facing
// half of a [Context]; nil fields are not checked.
type Target struct {
	UserID    *string
	RegionID  *string
	CompanyID *string
}

// For builds the evaluation context for principal acting on target.
func For(principal Principal, resource Resource, action Action, target Target) Context {
	return Context{
		Principal:       principal,
		Resource:        resource,
		Action:          action,
		TargetUserID:    target.UserID,
		TargetRegionID:  target.RegionID,
		TargetCompanyID: target.CompanyID,
	}
}

// # Decisions

// Reason explains a denial. Empty on allow.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidPrincipal Reason = "invalid_principal"
	ReasonRegion           Reason = "region_not_accessible"
	ReasonUnknownAction    Reason = "unknown_action"
	ReasonMatrix           Reason = "not_granted"
	ReasonOwnership        Reason = "ownership_scope"
)

// Decision is the outcome of [Engine.Authorize].
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason Reason) Decision { return Decision{Reason: reason} }

// CrossRegion reports whether the denial came from the tenancy boundary.
func (d Decision) CrossRegion() bool { return d.Reason == ReasonRegion }

// Error carries the full evaluation context of a denial for server-side logs.
// It is attached as the cause of a FORBIDDEN [apperr.AppError] and never
// serialized to clients.
type Error struct {
	Context Context
	Reason  Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("permission denied (%s): principal=%s role=%s resource=%s action=%s target_user=%s target_region=%s target_company=%s",
		e.Reason,
		e.Context.Principal.ID,
		e.Context.Principal.Role,
		e.Context.Resource,
		e.Context.Action,
		deref(e.Context.TargetUserID),
		deref(e.Context.TargetRegionID),
		deref(e.Context.TargetCompanyID),
	)
}

// # Engine

// Engine evaluates a [Context] against a [Matrix].
type Engine struct {
	matrix Matrix
}

// NewEngine constructs an engine. A nil matrix selects [DefaultMatrix].
func NewEngine(matrix Matrix) *Engine {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	return &Engine{matrix: matrix}
}

/*
Authorize evaluates the context and returns allow or deny with a reason.

It never panics and never returns an error: unknown roles, resources and
actions simply deny.
*/
func (engine *Engine) Authorize(ctx Context) Decision {
	principal := ctx.Principal
	if principal.ID == "" || !principal.Role.Valid() {
		return deny(ReasonInvalidPrincipal)
	}

	// 1. Region is the outermost boundary and short-circuits the matrix.
	if ctx.TargetRegionID != nil && !CanAccessRegion(principal, *ctx.TargetRegionID) {
		return deny(ReasonRegion)
	}

	// 2. Matrix lookup, fail-closed.
	level, ok := LevelOf(ctx.Action)
	if !ok {
		return deny(ReasonUnknownAction)
	}
	if !engine.matrix.Allows(principal.Role, ctx.Resource, ctx.Action) {
		return deny(ReasonMatrix)
	}

	// 3. Ownership refinement. Reads are never narrowed.
	if level == LevelRead || IsAdminTier(principal.Role) {
		return allow()
	}

	switch principal.Role {
	case sec.RoleStudent:
		if !isSelf(principal, ctx.TargetUserID) {
			return deny(ReasonOwnership)
		}
	case sec.RoleCompanyAdmin:
		if ctx.TargetCompanyID != nil {
			if principal.CompanyID == "" || *ctx.TargetCompanyID != principal.CompanyID {
				return deny(ReasonOwnership)
			}
		} else if !isSelf(principal, ctx.TargetUserID) {
			return deny(ReasonOwnership)
		}
	default:
		return deny(ReasonOwnership)
	}

	return allow()
}

/*
Require is the assertion form of [Engine.Authorize].

Returns:
  - nil when allowed
  - *apperr.AppError FORBIDDEN otherwise, whose Cause is a [*Error] with the full context
*/
func (engine *Engine) Require(ctx Context) error {
	decision := engine.Authorize(ctx)
	if decision.Allowed {
		return nil
	}
	return apperr.Forbidden("You do not have permission to perform this action").
		WithCause(&Error{Context: ctx, Reason: decision.Reason})
}

// # Predicates

// HasAnyRole reports whether the principal holds one of roles.
func HasAnyRole(principal Principal, roles ...sec.UserRole) bool {
	return slices.Contains(roles, principal.Role)
}

// IsAdminTier reports whether role administers the whole portal.
func IsAdminTier(role sec.UserRole) bool {
	return role == sec.RoleOwner || role == sec.RoleSecretariat
}

// IsCompanyTier reports whether role administers a single company.
func IsCompanyTier(role sec.UserRole) bool {
	return role == sec.RoleCompanyAdmin
}

// CanAccessRegion reports whether the principal may touch data in region.
//
// The wildcard as a target matches every caller; the wildcard in the
// accessible set matches every target. The home region is always accessible.
func CanAccessRegion(principal Principal, region string) bool {
	if region == "" || region == constants.RegionWildcard {
		return true
	}
	if principal.HomeRegionID == region {
		return true
	}
	return HoldsWildcard(principal) || slices.Contains(principal.Regions, region)
}

// HoldsWildcard reports whether the principal may access every region.
func HoldsWildcard(principal Principal) bool {
	return slices.Contains(principal.Regions, constants.RegionWildcard)
}

func isSelf(principal Principal, target *string) bool {
	return target != nil && *target == principal.ID
}

func deref(value *string) string {
	if value == nil {
		return "-"
	}
	return *value
}

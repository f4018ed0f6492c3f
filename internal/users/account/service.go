// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package account

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/constants"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/permission"
	"github.com/taibuivan/portalcore/internal/users/auth"
	"github.com/taibuivan/portalcore/pkg/pagination"
	"github.com/taibuivan/portalcore/pkg/pointer"
)

// # Service Layer

// Dependencies lists the collaborators of [Service].
type Dependencies struct {
	Users         auth.UserRepository
	Directory     Directory
	Sessions      SessionRevoker
	Invitations   InvitationSigner
	Authorizer    Authorizer
	Audit         Auditor
	AuditLog      AuditReader
	Logger        *slog.Logger
	InvitationTTL time.Duration
}

// Service orchestrates user administration.
//
// Every operation authorizes against the stored state of the target account,
// never against values supplied by the caller.
type Service struct {
	users         auth.UserRepository
	directory     Directory
	sessions      SessionRevoker
	invitations   InvitationSigner
	authorizer    Authorizer
	audit         Auditor
	auditLog      AuditReader
	logger        *slog.Logger
	invitationTTL time.Duration
	now           func() time.Time
}

// NewService constructs a new [Service].
func NewService(deps Dependencies) *Service {
	return &Service{
		users:         deps.Users,
		directory:     deps.Directory,
		sessions:      deps.Sessions,
		invitations:   deps.Invitations,
		authorizer:    deps.Authorizer,
		audit:         deps.Audit,
		auditLog:      deps.AuditLog,
		logger:        deps.Logger,
		invitationTTL: deps.InvitationTTL,
		now:           time.Now,
	}
}

// # Profile Management

/*
Get returns an account after authorizing the caller to read it.

Returns:
  - *auth.User
  - error: NOT_FOUND, FORBIDDEN or storage errors
*/
func (service *Service) Get(context context.Context, actor *auth.User, id string) (*auth.User, error) {
	user, err := service.users.FindByID(context, id)
	if err != nil {
		return nil, err
	}

	if err := service.authorizer.Authorize(context, actor, permission.ResourceUser, permission.ActionRead, targetOf(user)); err != nil {
		return nil, err
	}

	return user, nil
}

/*
List pages through accounts visible to the caller.

Administrators without the region wildcard only ever see their accessible
regions, whatever the filter asks for. Company administrators are pinned to
their own company.
*/
func (service *Service) List(context context.Context, actor *auth.User, filter ListFilter, page pagination.Params) ([]*auth.User, pagination.Meta, error) {
	principal := actor.Principal()

	filter, ok := scopeFilter(principal, filter)
	if !ok {
		return nil, pagination.Meta{}, service.deny(context, actor, "", "directory_not_granted")
	}
	if err := service.checkRegionGrant(context, actor, "", filter.Regions); err != nil {
		return nil, pagination.Meta{}, err
	}

	target := permission.Target{}
	for _, region := range filter.Regions {
		if err := service.authorizer.Authorize(context, actor, permission.ResourceUser, permission.ActionRead, permission.Target{RegionID: pointer.To(region)}); err != nil {
			return nil, pagination.Meta{}, err
		}
	}
	if filter.CompanyID != "" {
		target.CompanyID = pointer.To(filter.CompanyID)
	}
	if err := service.authorizer.Authorize(context, actor, permission.ResourceUser, permission.ActionRead, target); err != nil {
		return nil, pagination.Meta{}, err
	}

	users, total, err := service.directory.List(context, filter, page.Limit, page.Offset())
	if err != nil {
		return nil, pagination.Meta{}, fmt.Errorf("account_service_list_failed: %w", err)
	}

	return users, pagination.NewMeta(page.Page, page.Limit, total), nil
}

// scopeFilter narrows filter to what principal may see. Students have no directory.
func scopeFilter(principal permission.Principal, filter ListFilter) (ListFilter, bool) {
	switch {
	case permission.IsAdminTier(principal.Role):
		if !permission.HoldsWildcard(principal) && len(filter.Regions) == 0 {
			filter.Regions = principal.Regions
		}
		return filter, true
	case permission.IsCompanyTier(principal.Role) && principal.CompanyID != "":
		filter.CompanyID = principal.CompanyID
		return filter, true
	default:
		return filter, false
	}
}

/*
UpdateProfile changes the display name of an account.

Members edit themselves; administrators may edit accounts in their scope.
*/
func (service *Service) UpdateProfile(context context.Context, actor *auth.User, id, displayName string) (*auth.User, error) {
	current, err := service.users.FindByID(context, id)
	if err != nil {
		return nil, err
	}

	if err := service.authorizer.Authorize(context, actor, permission.ResourceUser, permission.ActionUpdate, targetOf(current)); err != nil {
		return nil, err
	}

	updated, err := service.users.UpdateProfile(context, id, displayName)
	if err != nil {
		return nil, fmt.Errorf("account_service_update_profile_failed: %w", err)
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &actor.ID,
		Action:  audit.ActionUserUpdated,
		Risk:    audit.RiskLow,
		Details: map[string]any{"user_id": id, "fields": []string{FieldDisplayName}},
	})

	return updated, nil
}

// # Access Administration

// AccessInput is the desired authorization state of an account.
type AccessInput struct {
	Role         sec.UserRole
	HomeRegionID string
	Regions      []string
	CompanyID    *string
}

/*
UpdateAccess replaces role, regions and company of an account.

The caller must administer both the account as stored and its new home
region, may not grant a role above its own, and may not touch an account that
outranks it or its own account. Every session of the target is revoked so the
new grants apply at once.

Returns:
  - *auth.User: Updated account
  - error: FORBIDDEN, VALIDATION_ERROR, NOT_FOUND or storage errors
*/
func (service *Service) UpdateAccess(context context.Context, actor *auth.User, id string, input AccessInput) (*auth.User, error) {
	current, err := service.users.FindByID(context, id)
	if err != nil {
		return nil, err
	}

	if err := service.checkAdministrable(context, actor, current, permission.ActionAdmin); err != nil {
		return nil, err
	}

	if err := validateAccess(input); err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(input.Role) {
		return nil, service.deny(context, actor, id, "role_above_own_level")
	}

	regions := auth.NormalizeRegions(input.Role, input.HomeRegionID, input.Regions)
	if err := service.checkRegionGrant(context, actor, id, regions); err != nil {
		return nil, err
	}

	newTarget := permission.Target{UserID: &current.ID, RegionID: &input.HomeRegionID, CompanyID: input.CompanyID}
	if err := service.authorizer.Authorize(context, actor, permission.ResourceUser, permission.ActionAdmin, newTarget); err != nil {
		return nil, err
	}
	for _, region := range regions {
		if err := service.authorizer.Authorize(context, actor, permission.ResourceUser, permission.ActionAdmin, permission.Target{RegionID: pointer.To(region)}); err != nil {
			return nil, err
		}
	}

	updated, err := service.users.UpdateAccess(context, id, auth.AccessUpdate{
		Role:         input.Role,
		HomeRegionID: input.HomeRegionID,
		Regions:      regions,
		CompanyID:    input.CompanyID,
	})
	if err != nil {
		return nil, fmt.Errorf("account_service_update_access_failed: %w", err)
	}

	revoked, err := service.sessions.RevokeAllUserSessions(context, id)
	if err != nil {
		return nil, err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &actor.ID,
		Action:  audit.ActionUserAccessChanged,
		Risk:    audit.RiskHigh,
		Details: map[string]any{
			"user_id":          id,
			"from_role":        current.Role,
			"to_role":          updated.Role,
			"from_region":      current.HomeRegionID,
			"to_region":        updated.HomeRegionID,
			"regions":          updated.Regions,
			"sessions_revoked": revoked,
		},
	})

	return updated, nil
}

/*
Deactivate disables an account and revokes all of its sessions.

Deactivating an already inactive account is a no-op that still succeeds.
*/
func (service *Service) Deactivate(context context.Context, actor *auth.User, id string) error {
	current, err := service.users.FindByID(context, id)
	if err != nil {
		return err
	}

	if err := service.checkAdministrable(context, actor, current, permission.ActionDelete); err != nil {
		return err
	}

	if err := service.users.Deactivate(context, id); err != nil {
		return fmt.Errorf("account_service_deactivate_failed: %w", err)
	}

	revoked, err := service.sessions.RevokeAllUserSessions(context, id)
	if err != nil {
		return err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &actor.ID,
		Action:  audit.ActionUserDeactivated,
		Risk:    audit.RiskHigh,
		Details: map[string]any{"user_id": id, "sessions_revoked": revoked},
	})

	return nil
}

// checkAdministrable applies the rules shared by access changes and deactivation.
func (service *Service) checkAdministrable(context context.Context, actor, target *auth.User, action permission.Action) error {
	if actor.ID == target.ID {
		return service.deny(context, actor, target.ID, "self_administration")
	}

	if err := service.authorizer.Authorize(context, actor, permission.ResourceUser, action, targetOf(target)); err != nil {
		return err
	}

	if !actor.Role.AtLeast(target.Role) {
		return service.deny(context, actor, target.ID, "target_outranks_actor")
	}

	return nil
}

// checkRegionGrant refuses the region wildcard to callers that do not hold it.
// A wildcard target passes every region check in the engine.
func (service *Service) checkRegionGrant(context context.Context, actor *auth.User, targetID string, regions []string) error {
	if slices.Contains(regions, constants.RegionWildcard) && !permission.HoldsWildcard(actor.Principal()) {
		return service.deny(context, actor, targetID, "region_wildcard_not_held")
	}
	return nil
}

// deny records a refusal the permission engine does not model.
func (service *Service) deny(context context.Context, actor *auth.User, targetID, reason string) error {
	service.audit.Log(context, audit.Entry{
		ActorID: &actor.ID,
		Action:  audit.ActionPermissionDenied,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"resource": permission.ResourceUser, "target_user": targetID, "reason": reason},
	})
	return apperr.Forbidden("You do not have permission to perform this action")
}

func validateAccess(input AccessInput) error {
	if !input.Role.Valid() {
		return apperr.ValidationError("Invalid access settings",
			apperr.FieldError{Field: FieldRole, Message: "Unknown role"})
	}
	if input.Role != sec.RoleOwner && input.HomeRegionID == "" {
		return apperr.ValidationError("Invalid access settings",
			apperr.FieldError{Field: FieldHomeRegionID, Message: "This field is required"})
	}
	if input.Role == sec.RoleCompanyAdmin && (input.CompanyID == nil || *input.CompanyID == "") {
		return apperr.ValidationError("Invalid access settings",
			apperr.FieldError{Field: FieldCompanyID, Message: "Company administrators need a company"})
	}
	return nil
}

// # Invitations

// InviteInput describes the account an invitation will create.
type InviteInput struct {
	Email        string
	Role         sec.UserRole
	HomeRegionID string
	Regions      []string
	CompanyID    *string
}

/*
Invite signs a registration invitation.

The invitation grants at most the caller's own role, only in regions the
caller administers. Addresses that are already registered are refused.

Returns:
  - *Invitation
  - error: FORBIDDEN, VALIDATION_ERROR, EMAIL_EXISTS
*/
func (service *Service) Invite(context context.Context, actor *auth.User, input InviteInput) (*Invitation, error) {
	access := AccessInput{Role: input.Role, HomeRegionID: input.HomeRegionID, Regions: input.Regions, CompanyID: input.CompanyID}
	if err := validateAccess(access); err != nil {
		return nil, err
	}

	target := permission.Target{RegionID: &input.HomeRegionID, CompanyID: input.CompanyID}
	if err := service.authorizer.Authorize(context, actor, permission.ResourceInvitation, permission.ActionCreate, target); err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(input.Role) {
		return nil, service.deny(context, actor, "", "role_above_own_level")
	}

	regions := auth.NormalizeRegions(input.Role, input.HomeRegionID, input.Regions)
	if err := service.checkRegionGrant(context, actor, "", regions); err != nil {
		return nil, err
	}
	for _, region := range regions {
		if err := service.authorizer.Authorize(context, actor, permission.ResourceInvitation, permission.ActionCreate, permission.Target{RegionID: pointer.To(region)}); err != nil {
			return nil, err
		}
	}

	email := auth.NormalizeEmail(input.Email)
	if _, err := service.users.FindByEmail(context, email); err == nil {
		return nil, apperr.EmailExists()
	} else if !apperr.HasCode(err, apperr.CodeNotFound) {
		return nil, err
	}

	claims := sec.InvitationClaims{
		Email:        email,
		Role:         string(input.Role),
		HomeRegionID: input.HomeRegionID,
		Regions:      regions,
		CompanyID:    pointer.Val(input.CompanyID),
		InvitedBy:    actor.ID,
	}

	token, err := service.invitations.GenerateInvitationToken(claims, service.invitationTTL)
	if err != nil {
		return nil, fmt.Errorf("account_service_invite_failed: %w", err)
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &actor.ID,
		Action:  audit.ActionInvitationIssued,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"email": email, "role": input.Role, "home_region_id": input.HomeRegionID},
	})

	return &Invitation{
		Token:     token,
		Email:     email,
		Role:      input.Role,
		ExpiresAt: service.now().Add(service.invitationTTL).UTC(),
	}, nil
}

// # Audit Listing

/*
AuditLog pages through security events for the admin tier.
*/
func (service *Service) AuditLog(context context.Context, actor *auth.User, filter audit.Filter, page pagination.Params) ([]audit.Entry, pagination.Meta, error) {
	if err := service.authorizer.Authorize(context, actor, permission.ResourceAuditLog, permission.ActionRead, permission.Target{}); err != nil {
		return nil, pagination.Meta{}, err
	}

	entries, total, err := service.auditLog.List(context, filter, page.Limit, page.Offset())
	if err != nil {
		return nil, pagination.Meta{}, fmt.Errorf("account_service_audit_log_failed: %w", err)
	}

	return entries, pagination.NewMeta(page.Page, page.Limit, total), nil
}

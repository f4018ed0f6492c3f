// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package account provides the HTTP delivery layer for user administration.

# Security

Every endpoint runs behind the request guard's Authenticated middleware, so
handlers can rely on the resolved account being present in the context.
Authorization itself happens in the service layer.
*/
package account

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	requestutil "github.com/taibuivan/portalcore/internal/platform/request"
	"github.com/taibuivan/portalcore/internal/platform/respond"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/platform/validate"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/users/auth"
	"github.com/taibuivan/portalcore/pkg/pagination"
	"github.com/taibuivan/portalcore/pkg/query"
)

// Authenticator is the middleware that resolves the calling account.
type Authenticator interface {
	Authenticated(next http.Handler) http.Handler
}

// Handler implements the HTTP layer for user administration.
type Handler struct {
	accountService *Service
	gate           Authenticator
}

// NewHandler constructs a new account [Handler].
func NewHandler(service *Service, gate Authenticator) *Handler {
	return &Handler{accountService: service, gate: gate}
}

// UsersRoutes returns the router mounted at /users.
func (handler *Handler) UsersRoutes() chi.Router {
	router := chi.NewRouter()
	router.Use(handler.gate.Authenticated)

	// Directory
	router.Get("/", handler.list)
	router.Get("/me", handler.getMe)
	router.Get("/{id}", handler.get)

	// Administration
	router.Patch("/{id}", handler.updateProfile)
	router.Put("/{id}/access", handler.updateAccess)
	router.Delete("/{id}", handler.deactivate)

	// Invitations
	router.Post("/invitations", handler.invite)

	return router
}

// AuditRoutes returns the router mounted at /audit.
func (handler *Handler) AuditRoutes() chi.Router {
	router := chi.NewRouter()
	router.Use(handler.gate.Authenticated)

	router.Get("/", handler.listAudit)

	return router
}

// actor returns the account resolved by the guard.
func actor(request *http.Request) (*auth.User, error) {
	user := auth.UserFromContext(request.Context())
	if user == nil {
		return nil, apperr.Unauthorized("Authentication required")
	}
	return user, nil
}

// # Directory Endpoints

/*
GET /api/v1/users.

Description: Lists accounts visible to the caller.

Request:
  - role, region (comma-separated), company_id, q, active, page, limit

Response:
  - 200: []User: One page of accounts
  - 400: ErrValidation: Malformed filter
  - 403: ErrForbidden: No directory access
*/
func (handler *Handler) list(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	values := request.URL.Query()
	role := values.Get(FieldRole)

	v := &validate.Validator{}
	if role != "" {
		v.OneOf(FieldRole, role, sec.RoleStrings()...)
	}
	active, activeErr := query.Bool(values, "active")
	v.Custom("active", activeErr != nil, "Must be true or false")
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	filter := ListFilter{
		Role:      sec.UserRole(role),
		Regions:   query.List(values, "region"),
		CompanyID: values.Get(FieldCompanyID),
		Search:    values.Get("q"),
		Active:    active,
	}

	users, meta, err := handler.accountService.List(request.Context(), user, filter, pagination.FromRequest(request))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, users, meta)
}

/*
GET /api/v1/users/me.

Description: Returns the authenticated account.

Response:
  - 200: User
  - 401: ErrUnauthorized: Authentication required
*/
func (handler *Handler) getMe(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, user)
}

/*
GET /api/v1/users/{id}.

Response:
  - 200: User
  - 403: ErrForbidden: Account outside the caller's scope
  - 404: ErrNotFound: Unknown account
*/
func (handler *Handler) get(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	id := requestutil.Param(request, FieldID)
	if err := (&validate.Validator{}).UUID(FieldID, id).Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	found, err := handler.accountService.Get(request.Context(), user, id)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, found)
}

// # Administration Endpoints

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
}

/*
PATCH /api/v1/users/{id}.

Description: Changes the display name of an account.

Response:
  - 200: User: The updated account
  - 400: ErrValidation
  - 403: ErrForbidden
*/
func (handler *Handler) updateProfile(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input updateProfileRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	id := requestutil.Param(request, FieldID)
	v := &validate.Validator{}
	v.UUID(FieldID, id).
		Required(FieldDisplayName, input.DisplayName).
		MaxLen(FieldDisplayName, input.DisplayName, MaxDisplayNameLength)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	updated, err := handler.accountService.UpdateProfile(request.Context(), user, id, input.DisplayName)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, updated)
}

type accessRequest struct {
	Role         string   `json:"role"`
	HomeRegionID string   `json:"home_region_id"`
	Regions      []string `json:"regions"`
	CompanyID    *string  `json:"company_id"`
}

/*
PUT /api/v1/users/{id}/access.

Description: Replaces role, regions and company of an account. All sessions
of the account are revoked.

Response:
  - 200: User: The updated account
  - 400: ErrValidation
  - 403: ErrForbidden
*/
func (handler *Handler) updateAccess(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input accessRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	id := requestutil.Param(request, FieldID)
	v := &validate.Validator{}
	v.UUID(FieldID, id).
		Required(FieldRole, input.Role).
		OneOf(FieldRole, input.Role, sec.RoleStrings()...)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	updated, err := handler.accountService.UpdateAccess(request.Context(), user, id, AccessInput{
		Role:         sec.UserRole(input.Role),
		HomeRegionID: input.HomeRegionID,
		Regions:      input.Regions,
		CompanyID:    input.CompanyID,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, updated)
}

/*
DELETE /api/v1/users/{id}.

Description: Deactivates an account and signs it out everywhere.

Response:
  - 204: No Content
  - 403: ErrForbidden
  - 404: ErrNotFound
*/
func (handler *Handler) deactivate(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	id := requestutil.Param(request, FieldID)
	if err := (&validate.Validator{}).UUID(FieldID, id).Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.accountService.Deactivate(request.Context(), user, id); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

type inviteRequest struct {
	Email        string   `json:"email"`
	Role         string   `json:"role"`
	HomeRegionID string   `json:"home_region_id"`
	Regions      []string `json:"regions"`
	CompanyID    *string  `json:"company_id"`
}

/*
POST /api/v1/users/invitations.

Description: Signs a registration invitation.

Response:
  - 201: Invitation
  - 400: ErrValidation
  - 403: ErrForbidden
  - 409: ErrEmailExists
*/
func (handler *Handler) invite(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input inviteRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, err)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldEmail, input.Email).
		Email(FieldEmail, input.Email).
		Required(FieldRole, input.Role).
		OneOf(FieldRole, input.Role, sec.RoleStrings()...)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	invitation, err := handler.accountService.Invite(request.Context(), user, InviteInput{
		Email:        input.Email,
		Role:         sec.UserRole(input.Role),
		HomeRegionID: input.HomeRegionID,
		Regions:      input.Regions,
		CompanyID:    input.CompanyID,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Created(writer, invitation)
}

// # Audit Endpoints

/*
GET /api/v1/audit.

Description: Pages through security events, newest first.

Request:
  - actor_id, action, min_risk, since (RFC 3339), page, limit

Response:
  - 200: []Entry
  - 400: ErrValidation: Malformed filter
  - 403: ErrForbidden: Outside the admin tier
*/
func (handler *Handler) listAudit(writer http.ResponseWriter, request *http.Request) {
	user, err := actor(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	values := request.URL.Query()
	risk := values.Get(FieldRisk)
	since, sinceErr := query.Time(values, FieldSince)

	v := &validate.Validator{}
	if risk != "" {
		v.OneOf(FieldRisk, risk,
			string(audit.RiskLow), string(audit.RiskMedium), string(audit.RiskHigh), string(audit.RiskCritical))
	}
	if actorID := values.Get("actor_id"); actorID != "" {
		v.UUID("actor_id", actorID)
	}
	v.Custom(FieldSince, sinceErr != nil, "Must be an RFC 3339 timestamp")
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	filter := audit.Filter{
		ActorID: values.Get("actor_id"),
		Action:  values.Get("action"),
		MinRisk: audit.Risk(risk),
		Since:   since,
	}

	entries, meta, err := handler.accountService.AuditLog(request.Context(), user, filter, pagination.FromRequest(request))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, entries, meta)
}

// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

// # HTTP Delivery
//
// The handler is a thin mediation layer between the web and [Service]: it
// validates input, resolves the caller from the request context and shapes
// responses. Authentication, rate limiting for authenticated routes and the
// TOTP gate are applied by the [Gatekeeper] middleware.

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/constants"
	requestutil "github.com/taibuivan/portalcore/internal/platform/request"
	"github.com/taibuivan/portalcore/internal/platform/respond"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/platform/validate"
	"github.com/taibuivan/portalcore/internal/security/permission"
)

// # Definitions & Constructors

// Gatekeeper is the request guard as seen by this handler.
type Gatekeeper interface {
	// Authenticated rejects anonymous callers and sessions still waiting for a second factor.
	Authenticated(next http.Handler) http.Handler

	// AllowPending accepts sessions that have not yet passed the second factor.
	AllowPending(next http.Handler) http.Handler

	// Authorize asks the permission engine and audits a denial.
	Authorize(ctx context.Context, user *User, resource permission.Resource, action permission.Action, target permission.Target) error
}

// Handler implements authentication-related HTTP endpoints.
type Handler struct {
	authService *Service
	gate        Gatekeeper
	secure      bool
}

// NewHandler constructs a new [Handler]. secureCookies should be true outside local development.
func NewHandler(service *Service, gate Gatekeeper, secureCookies bool) *Handler {
	return &Handler{authService: service, gate: gate, secure: secureCookies}
}

// Routes returns a [chi.Router] configured with authentication-specific routes.
//
// # Endpoints
//   - POST /register, /login, /refresh, /password-reset, /password-reset/confirm : public
//   - POST /logout, /totp/verify, GET /totp : any session, second factor pending or not
//   - everything else : fully authenticated sessions
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	// Public endpoints
	router.Post("/register", handler.register)
	router.Post("/login", handler.login)
	router.Post("/refresh", handler.refresh)
	router.Post("/password-reset", handler.requestPasswordReset)
	router.Post("/password-reset/confirm", handler.confirmPasswordReset)

	// Reachable while the second factor is outstanding
	router.Group(func(r chi.Router) {
		r.Use(handler.gate.AllowPending)
		r.Post("/logout", handler.logout)
		r.Post("/totp/verify", handler.verifyTOTP)
		r.Get("/totp", handler.totpStatus)
	})

	// Protected endpoints
	router.Group(func(r chi.Router) {
		r.Use(handler.gate.Authenticated)
		r.Post("/logout-all", handler.logoutAll)
		r.Get("/sessions", handler.listSessions)
		r.Delete("/sessions/{id}", handler.revokeSession)
		r.Post("/totp/setup", handler.setupTOTP)
		r.Post("/totp/backup-codes", handler.regenerateBackupCodes)
		r.Post("/change-password", handler.changePassword)
	})

	return router
}

// # Request Payloads

type registerRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	DisplayName     string `json:"display_name"`
	InvitationToken string `json:"invitation_token"`
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TOTPCode   string `json:"totp_code"`
	BackupCode bool   `json:"backup_code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type setupTOTPRequest struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

type verifyTOTPRequest struct {
	Token      string `json:"token"`
	BackupCode bool   `json:"backup_code"`
}

type codeRequest struct {
	Token string `json:"token"`
}

type passwordResetRequest struct {
	Email string `json:"email"`
}

type confirmPasswordResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// # Response Payloads

type authResponse struct {
	User   *User      `json:"user"`
	Tokens *TokenPair `json:"tokens"`
}

type verifyTOTPResponse struct {
	Tokens      *TokenPair `json:"tokens"`
	Method      string     `json:"method"`
	BackupCodes int        `json:"remaining_backup_codes"`
}

// # Public Endpoints

/*
Register handles the creation of a new user account.

POST /api/v1/auth/register

Request:
  - Body: registerRequest (Email, Password, DisplayName, InvitationToken?)

Response:
  - 201: authResponse: Created user and first token pair
  - 400: VALIDATION_ERROR or INVALID_TOKEN (bad invitation)
  - 409: EMAIL_EXISTS
  - 429: RATE_LIMIT_EXCEEDED
*/
func (handler *Handler) register(writer http.ResponseWriter, request *http.Request) {
	var input registerRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(FieldEmail, input.Email).
		Email(FieldEmail, input.Email).
		Required(FieldPassword, input.Password).
		Password(FieldPassword, input.Password).
		MaxLen(FieldPassword, input.Password, MaxPasswordLength).
		Required(FieldDisplayName, input.DisplayName).
		MaxLen(FieldDisplayName, input.DisplayName, MaxDisplayNameLength)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	user, pair, err := handler.authService.Register(request.Context(), RegisterInput{
		Email:           input.Email,
		Password:        input.Password,
		DisplayName:     input.DisplayName,
		InvitationToken: input.InvitationToken,
	}, clientMeta(request))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.setRefreshCookie(writer, pair)
	respond.Created(writer, authResponse{User: user, Tokens: pair})
}

/*
Login authenticates a user and establishes a session.

POST /api/v1/auth/login

Response:
  - 200: authResponse
  - 401: AUTHENTICATION_ERROR (same for unknown email and wrong password)
  - 428: TOTP_REQUIRED with meta.pending_token
  - 429: RATE_LIMIT_EXCEEDED
*/
func (handler *Handler) login(writer http.ResponseWriter, request *http.Request) {
	var input loginRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(FieldEmail, input.Email)
	validator.Required(FieldPassword, input.Password)
	validator.MaxLen(FieldPassword, input.Password, MaxPasswordLength)

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	user, pair, err := handler.authService.Login(request.Context(), LoginInput{
		Email:        input.Email,
		Password:     input.Password,
		TOTPCode:     input.TOTPCode,
		IsBackupCode: input.BackupCode,
	}, clientMeta(request))
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.setRefreshCookie(writer, pair)
	respond.OK(writer, authResponse{User: user, Tokens: pair})
}

/*
Refresh rotates the refresh token taken from the body or the cookie.

POST /api/v1/auth/refresh

Response:
  - 200: TokenPair: Rotated credentials
  - 401: AUTHENTICATION_ERROR: Missing, revoked, expired or reused token
*/
func (handler *Handler) refresh(writer http.ResponseWriter, request *http.Request) {
	var input refreshRequest

	// The body is optional when the cookie carries the token.
	if request.ContentLength != 0 {
		if err := requestutil.DecodeJSON(request, &input); err != nil {
			respond.Error(writer, request, validate.ErrInvalidJSON)
			return
		}
	}

	token := input.RefreshToken
	if token == "" {
		if cookie, err := request.Cookie(constants.RefreshTokenCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		respond.Error(writer, request, apperr.Unauthorized("Missing refresh token"))
		return
	}

	pair, err := handler.authService.Refresh(request.Context(), token, clientMeta(request))
	if err != nil {
		handler.clearRefreshCookie(writer)
		respond.Error(writer, request, err)
		return
	}

	handler.setRefreshCookie(writer, pair)
	respond.OK(writer, pair)
}

/*
RequestPasswordReset initiates the password recovery flow.

POST /api/v1/auth/password-reset

Response:
  - 200: Generic message, whether or not the email is registered
*/
func (handler *Handler) requestPasswordReset(writer http.ResponseWriter, request *http.Request) {
	var input passwordResetRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldEmail, input.Email).Email(FieldEmail, input.Email)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.authService.RequestPasswordReset(request.Context(), input.Email, clientMeta(request)); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		FieldMessage: "If this email is registered, a reset link has been sent.",
	})
}

/*
ConfirmPasswordReset completes the password recovery flow.

POST /api/v1/auth/password-reset/confirm

Response:
  - 200: Password updated; every session revoked and TOTP disabled
  - 400: VALIDATION_ERROR or INVALID_TOKEN
*/
func (handler *Handler) confirmPasswordReset(writer http.ResponseWriter, request *http.Request) {
	var input confirmPasswordResetRequest

	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldToken, input.Token).
		Required(FieldPassword, input.Password).
		Password(FieldPassword, input.Password).
		MaxLen(FieldPassword, input.Password, MaxPasswordLength)

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.authService.ConfirmPasswordReset(request.Context(), input.Token, input.Password, clientMeta(request)); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]string{
		FieldMessage: "Password updated successfully",
	})
}

// # Session Endpoints

/*
Logout terminates the current session.

POST /api/v1/auth/logout

Response:
  - 204: No Content
*/
func (handler *Handler) logout(writer http.ResponseWriter, request *http.Request) {
	user, claims, ok := caller(writer, request)
	if !ok {
		return
	}

	if err := handler.authService.Logout(request.Context(), user, claims.SessionID); err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.clearRefreshCookie(writer)
	respond.NoContent(writer)
}

/*
LogoutAll revokes every session of the caller.

POST /api/v1/auth/logout-all
*/
func (handler *Handler) logoutAll(writer http.ResponseWriter, request *http.Request) {
	user, _, ok := caller(writer, request)
	if !ok {
		return
	}

	revoked, err := handler.authService.LogoutAll(request.Context(), user)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.clearRefreshCookie(writer)
	respond.OK(writer, map[string]int64{"revoked": revoked})
}

/*
ListSessions returns the caller's live sessions.

GET /api/v1/auth/sessions
*/
func (handler *Handler) listSessions(writer http.ResponseWriter, request *http.Request) {
	user, claims, ok := caller(writer, request)
	if !ok {
		return
	}

	sessions, err := handler.authService.ListSessions(request.Context(), user, claims.SessionID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, sessions)
}

/*
RevokeSession revokes a session by id.

DELETE /api/v1/auth/sessions/{id}

Response:
  - 204: Revoked
  - 403: FORBIDDEN: Session belongs to a user outside the caller's scope
  - 404: NOT_FOUND
*/
func (handler *Handler) revokeSession(writer http.ResponseWriter, request *http.Request) {
	user, _, ok := caller(writer, request)
	if !ok {
		return
	}

	sessionID := requestutil.Param(request, "id")
	v := &validate.Validator{}
	if err := v.UUID("id", sessionID).Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	authorize := func(target permission.Target) error {
		return handler.gate.Authorize(request.Context(), user, permission.ResourceSession, permission.ActionDelete, target)
	}

	if err := handler.authService.RevokeSession(request.Context(), user, sessionID, authorize); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

// # Second Factor Endpoints

/*
SetupTOTP starts or confirms enrollment.

POST /api/v1/auth/totp/setup

Request:
  - Body: {"action": "generate"} or {"action": "verify", "token": "123456"}

Response:
  - 200: generate: Secret, provisioning URI and backup codes (shown once)
  - 200: verify: Elevated token pair for the current session
  - 400: INVALID_TOKEN
  - 409: TOTP_ALREADY_ENABLED
*/
func (handler *Handler) setupTOTP(writer http.ResponseWriter, request *http.Request) {
	user, claims, ok := caller(writer, request)
	if !ok {
		return
	}

	var input setupTOTPRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldAction, input.Action).OneOf(FieldAction, input.Action, SetupActionGenerate, SetupActionVerify)
	if input.Action == SetupActionVerify {
		v.Required(FieldToken, input.Token).Digits(FieldToken, input.Token, 6)
	}
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if input.Action == SetupActionGenerate {
		setup, err := handler.authService.BeginTOTPSetup(request.Context(), user)
		if err != nil {
			respond.Error(writer, request, err)
			return
		}
		respond.OK(writer, setup)
		return
	}

	pair, err := handler.authService.ConfirmTOTPSetup(request.Context(), user, claims.SessionID, input.Token)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.setRefreshCookie(writer, pair)
	respond.OK(writer, map[string]any{"enabled": true, "tokens": pair})
}

/*
VerifyTOTP elevates a pending session.

POST /api/v1/auth/totp/verify

Response:
  - 200: verifyTOTPResponse with the elevated pair
  - 401: AUTHENTICATION_ERROR
  - 429: RATE_LIMIT_EXCEEDED
*/
func (handler *Handler) verifyTOTP(writer http.ResponseWriter, request *http.Request) {
	user, claims, ok := caller(writer, request)
	if !ok {
		return
	}

	var input verifyTOTPRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldToken, input.Token).MaxLen(FieldToken, input.Token, 16)
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	pair, verification, err := handler.authService.VerifyTOTP(request.Context(), user, claims.SessionID, input.Token, input.BackupCode)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.setRefreshCookie(writer, pair)
	respond.OK(writer, verifyTOTPResponse{
		Tokens:      pair,
		Method:      verification.Method,
		BackupCodes: verification.RemainingBackupCodes,
	})
}

/*
TOTPStatus reports the caller's enrollment.

GET /api/v1/auth/totp
*/
func (handler *Handler) totpStatus(writer http.ResponseWriter, request *http.Request) {
	user, _, ok := caller(writer, request)
	if !ok {
		return
	}

	status, err := handler.authService.TOTPStatus(request.Context(), user)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, status)
}

/*
RegenerateBackupCodes replaces the backup codes after a TOTP check.

POST /api/v1/auth/totp/backup-codes
*/
func (handler *Handler) regenerateBackupCodes(writer http.ResponseWriter, request *http.Request) {
	user, _, ok := caller(writer, request)
	if !ok {
		return
	}

	var input codeRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	if err := v.Required(FieldToken, input.Token).Digits(FieldToken, input.Token, 6).Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	codes, err := handler.authService.RegenerateBackupCodes(request.Context(), user, input.Token)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string][]string{"backup_codes": codes})
}

/*
ChangePassword updates the authenticated user's password.

POST /api/v1/auth/change-password

Response:
  - 200: Password changed; every session revoked and TOTP disabled
  - 401: AUTHENTICATION_ERROR: Current password is incorrect
*/
func (handler *Handler) changePassword(writer http.ResponseWriter, request *http.Request) {
	user, _, ok := caller(writer, request)
	if !ok {
		return
	}

	var input changePasswordRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	v := &validate.Validator{}
	v.Required(FieldCurrentPassword, input.CurrentPassword).
		Required(FieldNewPassword, input.NewPassword).
		Password(FieldNewPassword, input.NewPassword).
		MaxLen(FieldNewPassword, input.NewPassword, MaxPasswordLength)
	v.Custom(FieldNewPassword, input.NewPassword != "" && input.NewPassword == input.CurrentPassword, "Must differ from the current password")

	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	if err := handler.authService.ChangePassword(request.Context(), user, input.CurrentPassword, input.NewPassword); err != nil {
		respond.Error(writer, request, err)
		return
	}

	handler.clearRefreshCookie(writer)
	respond.OK(writer, map[string]string{
		FieldMessage: "Password changed successfully",
	})
}

// # Helpers

// caller returns the account and claims injected by the guard middleware.
func caller(writer http.ResponseWriter, request *http.Request) (*User, *sec.AuthClaims, bool) {
	claims, err := requestutil.RequiredClaims(request)
	user := UserFromContext(request.Context())
	if err != nil || user == nil {
		respond.Error(writer, request, apperr.Unauthorized("Authentication required"))
		return nil, nil, false
	}
	return user, claims, true
}

func clientMeta(request *http.Request) ClientMeta {
	info := requestutil.Client(request)
	return ClientMeta{UserAgent: info.UserAgent, IPAddress: info.IP}
}

func (handler *Handler) setRefreshCookie(writer http.ResponseWriter, pair *TokenPair) {
	http.SetCookie(writer, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    pair.RefreshToken,
		Path:     constants.RefreshTokenCookiePath,
		Expires:  pair.RefreshTokenExpiresAt,
		Secure:   handler.secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (handler *Handler) clearRefreshCookie(writer http.ResponseWriter) {
	http.SetCookie(writer, &http.Cookie{
		Name:     constants.RefreshTokenCookieName,
		Value:    "",
		Path:     constants.RefreshTokenCookiePath,
		MaxAge:   -1,
		Secure:   handler.secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

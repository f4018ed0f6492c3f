// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/permission"
	"github.com/taibuivan/portalcore/internal/security/ratelimit"
	"github.com/taibuivan/portalcore/internal/users/totp"
	"github.com/taibuivan/portalcore/pkg/uuid"
)

// # Contracts & Types

// RateLimiter throttles a flow before it does any work.
type RateLimiter interface {
	Enforce(ctx context.Context, id ratelimit.Identifier, policy ratelimit.Policy) error
}

// InvitationVerifier validates admin-issued registration invitations.
type InvitationVerifier interface {
	VerifyInvitationToken(tokenString string) (*sec.InvitationClaims, error)
}

// SecondFactor is the TOTP state machine as seen by the login flows.
type SecondFactor interface {
	BeginEnrollment(ctx context.Context, userID, accountName string) (*totp.Setup, error)
	ConfirmEnrollment(ctx context.Context, userID, code string) error
	VerifyFactor(ctx context.Context, userID, code string, isBackupCode bool) (*totp.Verification, error)
	RegenerateBackupCodes(ctx context.Context, userID, code string) ([]string, error)
	Disable(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (*totp.Status, error)
}

// Notifier delivers a password reset token to its owner.
type Notifier interface {
	SendPasswordReset(ctx context.Context, user *User, token string, expiresAt time.Time) error
}

// Dependencies lists the collaborators of [Service].
type Dependencies struct {
	Users           UserRepository
	Sessions        *SessionManager
	ResetTokens     ResetTokenRepository
	Factors         SecondFactor
	Limiter         RateLimiter
	Policies        ratelimit.Policies
	Invitations     InvitationVerifier
	Notifier        Notifier
	Audit           Auditor
	Logger          *slog.Logger
	DefaultRegionID string
	ResetTokenTTL   time.Duration
}

// Service implements user authentication use cases.
//
// # Review Process
//
// This service is critical for security. Any changes to hashing, registration,
// login or recovery logic must be reviewed by the security team.
type Service struct {
	users         UserRepository
	sessions      *SessionManager
	resetTokens   ResetTokenRepository
	factors       SecondFactor
	limiter       RateLimiter
	policies      ratelimit.Policies
	invitations   InvitationVerifier
	notifier      Notifier
	audit         Auditor
	logger        *slog.Logger
	defaultRegion string
	resetTTL      time.Duration
	now           func() time.Time
}

// NewService constructs a new [Service] with necessary dependencies.
func NewService(deps Dependencies) *Service {
	return &Service{
		users:         deps.Users,
		sessions:      deps.Sessions,
		resetTokens:   deps.ResetTokens,
		factors:       deps.Factors,
		limiter:       deps.Limiter,
		policies:      deps.Policies,
		invitations:   deps.Invitations,
		notifier:      deps.Notifier,
		audit:         deps.Audit,
		logger:        deps.Logger,
		defaultRegion: deps.DefaultRegionID,
		resetTTL:      deps.ResetTokenTTL,
		now:           time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (service *Service) WithClock(now func() time.Time) *Service {
	service.now = now
	return service
}

// Sessions exposes the session manager to the request guard.
func (service *Service) Sessions() *SessionManager {
	return service.sessions
}

// # Registration Flow

// RegisterInput holds the data required to enroll a new member.
type RegisterInput struct {
	Email           string
	Password        string
	DisplayName     string
	InvitationToken string
}

/*
Register validates, hashes, and persists a brand new user account and opens
its first session.

Without an invitation the account is a student in the default region. An
invitation fixes role, regions and company, and must be addressed to the
registering email.

Parameters:
  - context: context.Context
  - input: RegisterInput
  - client: ClientMeta

Returns:
  - *User: Created entity
  - *TokenPair: First session credentials
  - error: EMAIL_EXISTS, INVALID_TOKEN, RATE_LIMIT_EXCEEDED or storage errors
*/
func (service *Service) Register(context context.Context, input RegisterInput, client ClientMeta) (*User, *TokenPair, error) {
	if err := service.limiter.Enforce(context, ratelimit.ByIP(client.IPAddress), service.policies.Register); err != nil {
		return nil, nil, err
	}

	email := NormalizeEmail(input.Email)
	user := &User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  input.DisplayName,
		Role:         sec.RoleStudent,
		HomeRegionID: service.defaultRegion,
		IsActive:     true,
	}

	invited := input.InvitationToken != ""
	if invited {
		claims, err := service.invitations.VerifyInvitationToken(input.InvitationToken)
		if err != nil {
			return nil, nil, apperr.InvalidCode("Invitation is invalid or expired").WithCause(err)
		}
		if NormalizeEmail(claims.Email) != email {
			return nil, nil, apperr.ValidationError("Invitation does not match this email",
				apperr.FieldError{Field: FieldInvitation, Message: "issued for a different email"})
		}

		role := sec.UserRole(claims.Role)
		if !role.Valid() {
			return nil, nil, apperr.InvalidCode("Invitation is invalid or expired")
		}

		user.Role = role
		user.HomeRegionID = claims.HomeRegionID
		user.Regions = claims.Regions
		if claims.CompanyID != "" {
			companyID := claims.CompanyID
			user.CompanyID = &companyID
		}
	}

	// Prevent storing plain-text passwords.
	hashedPassword, err := sec.HashPassword(input.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("auth_service_hash_failed: %w", err)
	}
	user.PasswordHash = hashedPassword

	if err := service.users.Create(context, user); err != nil {
		return nil, nil, err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionUserRegistered,
		Risk:    audit.RiskLow,
		Details: map[string]any{"role": user.Role, "invited": invited},
	})

	pair, err := service.sessions.Create(context, user, client, false)
	if err != nil {
		return nil, nil, err
	}

	return user, pair, nil
}

// # Authentication Flow

// LoginInput defines credentials for an authentication attempt.
type LoginInput struct {
	Email        string
	Password     string
	TOTPCode     string
	IsBackupCode bool
}

/*
Login validates credentials and opens a session.

Unknown emails, wrong passwords and inactive accounts produce the same
response and take comparable time. When the account has TOTP enabled and no
code is presented, a non-elevated session is opened and TOTP_REQUIRED is
returned with its access token in meta.pending_token.

Returns:
  - *User: Authenticated account
  - *TokenPair: Session credentials
  - error: AUTHENTICATION_ERROR, TOTP_REQUIRED, RATE_LIMIT_EXCEEDED or storage errors
*/
func (service *Service) Login(context context.Context, input LoginInput, client ClientMeta) (*User, *TokenPair, error) {
	email := NormalizeEmail(input.Email)

	if err := service.limiter.Enforce(context, ratelimit.ByIP(client.IPAddress), service.policies.LoginIP); err != nil {
		return nil, nil, err
	}
	if err := service.limiter.Enforce(context, ratelimit.ByEmail(email), service.policies.LoginEmail); err != nil {
		return nil, nil, err
	}

	user, err := service.users.FindByEmail(context, email)
	if err != nil {
		if !apperr.HasCode(err, apperr.CodeNotFound) {
			service.audit.Log(context, audit.StoreFailure(nil, "login", err))
			return nil, nil, err
		}
		sec.BurnPasswordCheck(input.Password)
		return nil, nil, service.rejectLogin(context, nil, email, "unknown_email")
	}

	if !sec.CheckPasswordHash(input.Password, user.PasswordHash) {
		return nil, nil, service.rejectLogin(context, &user.ID, email, "wrong_password")
	}
	if !user.IsActive {
		return nil, nil, service.rejectLogin(context, &user.ID, email, "account_inactive")
	}

	elevated := false
	if user.TOTPEnabled {
		if input.TOTPCode == "" {
			return nil, nil, service.pendingLogin(context, user, client)
		}

		if err := service.limiter.Enforce(context, ratelimit.ByUserPath(user.ID, ratelimit.ActionTOTPVerify), service.policies.TOTPVerify); err != nil {
			return nil, nil, err
		}
		if _, err := service.factors.VerifyFactor(context, user.ID, input.TOTPCode, input.IsBackupCode); err != nil {
			return nil, nil, err
		}
		elevated = true
	}

	pair, err := service.sessions.Create(context, user, client, elevated)
	if err != nil {
		return nil, nil, err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionLoginSucceeded,
		Risk:    audit.RiskLow,
		Details: map[string]any{"session_id": pair.SessionID, "elevated": elevated},
	})

	return user, pair, nil
}

// pendingLogin opens a non-elevated session that only the TOTP endpoints accept.
func (service *Service) pendingLogin(context context.Context, user *User, client ClientMeta) error {
	pair, err := service.sessions.Create(context, user, client, false)
	if err != nil {
		return err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionLoginTOTPRequired,
		Risk:    audit.RiskLow,
		Details: map[string]any{"session_id": pair.SessionID},
	})

	return apperr.TOTPRequired("Two-factor verification required").
		WithMeta("pending_token", pair.AccessToken).
		WithMeta("expires_in", pair.ExpiresIn)
}

func (service *Service) rejectLogin(context context.Context, actorID *string, email, reason string) error {
	service.audit.Log(context, audit.Entry{
		ActorID: actorID,
		Action:  audit.ActionLoginFailed,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"email": email, "reason": reason},
	})
	return apperr.Unauthorized("Invalid email or password")
}

// # Session Management

/*
Refresh rotates a refresh token.

Returns:
  - *TokenPair: New credentials; the presented token is unusable afterwards
  - error: AUTHENTICATION_ERROR, RATE_LIMIT_EXCEEDED or storage errors
*/
func (service *Service) Refresh(context context.Context, refreshToken string, client ClientMeta) (*TokenPair, error) {
	if err := service.limiter.Enforce(context, ratelimit.ByIP(client.IPAddress), service.policies.Refresh); err != nil {
		return nil, err
	}

	pair, err := service.sessions.Refresh(context, refreshToken, client)
	if err != nil {
		return nil, err
	}

	service.audit.Log(context, audit.Entry{
		Action:  audit.ActionSessionRefreshed,
		Risk:    audit.RiskLow,
		Details: map[string]any{"session_id": pair.SessionID},
	})

	return pair, nil
}

/*
Logout revokes the session behind the caller's access token.
*/
func (service *Service) Logout(context context.Context, user *User, sessionID string) error {
	if err := service.sessions.RevokeSession(context, sessionID); err != nil {
		return fmt.Errorf("auth_service_logout_failed: %w", err)
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionLogout,
		Risk:    audit.RiskLow,
		Details: map[string]any{"session_id": sessionID},
	})

	return nil
}

/*
LogoutAll revokes every session of the caller, including the current one.
*/
func (service *Service) LogoutAll(context context.Context, user *User) (int64, error) {
	revoked, err := service.sessions.RevokeAllUserSessions(context, user.ID)
	if err != nil {
		return 0, err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionAllSessionsRevoked,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"count": revoked, "reason": "logout_all"},
	})

	return revoked, nil
}

// ListSessions returns the live sessions of the caller.
func (service *Service) ListSessions(context context.Context, user *User, currentSessionID string) ([]*Session, error) {
	return service.sessions.ListSessions(context, user.ID, currentSessionID)
}

// AuthorizeFunc checks the caller against the record an operation touches.
type AuthorizeFunc func(target permission.Target) error

/*
RevokeSession revokes one session after authorize accepts its owner as target.

Owners revoking their own session and administrators revoking someone else's
go through the same check, so the permission engine decides both.

Returns:
  - error: NOT_FOUND, FORBIDDEN or storage errors
*/
func (service *Service) RevokeSession(context context.Context, actor *User, sessionID string, authorize AuthorizeFunc) error {
	session, err := service.sessions.FindSession(context, sessionID)
	if err != nil {
		return err
	}

	owner, err := service.users.FindByID(context, session.UserID)
	if err != nil {
		return err
	}

	if err := authorize(permission.Target{
		UserID:    &owner.ID,
		RegionID:  &owner.HomeRegionID,
		CompanyID: owner.CompanyID,
	}); err != nil {
		return err
	}

	if err := service.sessions.RevokeSession(context, session.ID); err != nil {
		return err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &actor.ID,
		Action:  audit.ActionSessionRevoked,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"session_id": session.ID, "owner_id": owner.ID},
	})

	return nil
}

// # Second Factor

// BeginTOTPSetup starts or restarts enrollment for the caller.
func (service *Service) BeginTOTPSetup(context context.Context, user *User) (*totp.Setup, error) {
	return service.factors.BeginEnrollment(context, user.ID, user.Email)
}

/*
ConfirmTOTPSetup enables TOTP and elevates the current session, so the caller
is not locked out by the gate that now applies to the account.

Returns:
  - *TokenPair: Elevated credentials for the current session
  - error: INVALID_TOKEN (400), TOTP_ALREADY_ENABLED, RATE_LIMIT_EXCEEDED
*/
func (service *Service) ConfirmTOTPSetup(context context.Context, user *User, sessionID, code string) (*TokenPair, error) {
	if err := service.limiter.Enforce(context, ratelimit.ByUserPath(user.ID, ratelimit.ActionTOTPVerify), service.policies.TOTPVerify); err != nil {
		return nil, err
	}

	if err := service.factors.ConfirmEnrollment(context, user.ID, code); err != nil {
		return nil, err
	}

	return service.sessions.Elevate(context, user, sessionID)
}

/*
VerifyTOTP satisfies the second factor for a pending session.

Returns:
  - *TokenPair: Elevated credentials
  - *totp.Verification: Method used and remaining backup codes
  - error: AUTHENTICATION_ERROR or RATE_LIMIT_EXCEEDED
*/
func (service *Service) VerifyTOTP(context context.Context, user *User, sessionID, code string, isBackupCode bool) (*TokenPair, *totp.Verification, error) {
	if err := service.limiter.Enforce(context, ratelimit.ByUserPath(user.ID, ratelimit.ActionTOTPVerify), service.policies.TOTPVerify); err != nil {
		return nil, nil, err
	}

	verification, err := service.factors.VerifyFactor(context, user.ID, code, isBackupCode)
	if err != nil {
		return nil, nil, err
	}

	pair, err := service.sessions.Elevate(context, user, sessionID)
	if err != nil {
		return nil, nil, err
	}

	return pair, verification, nil
}

// TOTPStatus reports the enrollment state of the caller.
func (service *Service) TOTPStatus(context context.Context, user *User) (*totp.Status, error) {
	return service.factors.Status(context, user.ID)
}

// RegenerateBackupCodes issues a new backup code list after a TOTP check.
func (service *Service) RegenerateBackupCodes(context context.Context, user *User, code string) ([]string, error) {
	if err := service.limiter.Enforce(context, ratelimit.ByUserPath(user.ID, ratelimit.ActionTOTPVerify), service.policies.TOTPVerify); err != nil {
		return nil, err
	}
	return service.factors.RegenerateBackupCodes(context, user.ID, code)
}

// # Password Recovery

/*
RequestPasswordReset initiates the forgot-password flow.

The outcome is invisible to the caller: unknown and inactive accounts return
the same nil error as a successful issue.
*/
func (service *Service) RequestPasswordReset(context context.Context, email string, client ClientMeta) error {
	email = NormalizeEmail(email)

	if err := service.limiter.Enforce(context, ratelimit.ByIP(client.IPAddress), service.policies.PasswordReset); err != nil {
		return err
	}
	if err := service.limiter.Enforce(context, ratelimit.ByEmail(email), service.policies.PasswordReset); err != nil {
		return err
	}

	user, err := service.users.FindByEmail(context, email)
	if err != nil || !user.IsActive {
		if err != nil && !apperr.HasCode(err, apperr.CodeNotFound) {
			return err
		}
		service.audit.Log(context, audit.Entry{
			Action:  audit.ActionPasswordResetRequested,
			Risk:    audit.RiskLow,
			Details: map[string]any{"email": email, "issued": false},
		})
		return nil
	}

	token, err := sec.GenerateSecureToken(ResetTokenLength)
	if err != nil {
		return fmt.Errorf("auth_service_generate_reset_token_failed: %w", err)
	}

	expiresAt := service.now().Add(service.resetTTL).UTC()
	if err := service.resetTokens.Create(context, &ResetToken{
		TokenHash: sec.HashToken(token),
		UserID:    user.ID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return err
	}

	if err := service.notifier.SendPasswordReset(context, user, token, expiresAt); err != nil {
		service.logger.Error("password_reset_delivery_failed", slog.String("user_id", user.ID), slog.Any("error", err))
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionPasswordResetRequested,
		Risk:    audit.RiskLow,
		Details: map[string]any{"email": email, "issued": true},
	})

	return nil
}

/*
ConfirmPasswordReset consumes a reset token and replaces the password.

Every session is revoked and TOTP is disabled, so recovery from a credential
compromise never leaves an attacker's session or second factor behind.

Returns:
  - error: INVALID_TOKEN (400) when the token is unknown, used or expired
*/
func (service *Service) ConfirmPasswordReset(context context.Context, token, newPassword string, client ClientMeta) error {
	if err := service.limiter.Enforce(context, ratelimit.ByIP(client.IPAddress), service.policies.PasswordReset); err != nil {
		return err
	}

	hashedPassword, err := sec.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth_service_reset_password_hash_failed: %w", err)
	}

	userID, err := service.resetTokens.Consume(context, sec.HashToken(token))
	if err != nil {
		if !apperr.HasCode(err, apperr.CodeNotFound) {
			return err
		}
		service.audit.Log(context, audit.Entry{
			Action: audit.ActionPasswordResetFailed,
			Risk:   audit.RiskMedium,
		})
		return apperr.InvalidCode("Reset token is invalid or expired")
	}

	if err := service.resetCredentials(context, userID, hashedPassword); err != nil {
		return err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionPasswordResetCompleted,
		Risk:    audit.RiskHigh,
	})

	return nil
}

/*
ChangePassword replaces the password of an authenticated caller.

Like a reset it revokes every session and disables TOTP; the caller logs in
again with the new password.
*/
func (service *Service) ChangePassword(context context.Context, user *User, currentPassword, newPassword string) error {
	if !sec.CheckPasswordHash(currentPassword, user.PasswordHash) {
		service.audit.Log(context, audit.Entry{
			ActorID: &user.ID,
			Action:  audit.ActionPasswordChangeFailed,
			Risk:    audit.RiskMedium,
		})
		return apperr.Unauthorized("Current password is incorrect")
	}

	hashedPassword, err := sec.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("auth_service_change_password_hash_failed: %w", err)
	}

	if err := service.resetCredentials(context, user.ID, hashedPassword); err != nil {
		return err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionPasswordChanged,
		Risk:    audit.RiskMedium,
	})

	return nil
}

func (service *Service) resetCredentials(context context.Context, userID, passwordHash string) error {
	if err := service.users.UpdatePassword(context, userID, passwordHash); err != nil {
		return err
	}

	revoked, err := service.sessions.RevokeAllUserSessions(context, userID)
	if err != nil {
		return err
	}

	service.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionAllSessionsRevoked,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"count": revoked, "reason": "credential_change"},
	})

	return service.factors.Disable(context, userID)
}

// # Housekeeping

/*
Housekeep purges dead sessions and spent reset tokens older than retention.

Returns:
  - int64: Sessions deleted
  - int64: Reset tokens deleted
  - error: Storage failures
*/
func (service *Service) Housekeep(context context.Context, retention time.Duration) (int64, int64, error) {
	sessions, err := service.sessions.Housekeep(context, retention)
	if err != nil {
		return 0, 0, fmt.Errorf("auth_housekeep_sessions_failed: %w", err)
	}

	tokens, err := service.resetTokens.DeleteExpired(context, service.now().Add(-retention))
	if err != nil {
		return sessions, 0, fmt.Errorf("auth_housekeep_reset_tokens_failed: %w", err)
	}

	return sessions, tokens, nil
}

// # Notification

// LogNotifier writes reset tokens to the structured log. It stands in for an
// email gateway; the token itself is only logged when reveal is set.
type LogNotifier struct {
	logger *slog.Logger
	reveal bool
}

// NewLogNotifier constructs a [LogNotifier].
func NewLogNotifier(logger *slog.Logger, reveal bool) *LogNotifier {
	return &LogNotifier{logger: logger, reveal: reveal}
}

// SendPasswordReset implements [Notifier].
func (notifier *LogNotifier) SendPasswordReset(_ context.Context, user *User, token string, expiresAt time.Time) error {
	attrs := []any{
		slog.String("user_id", user.ID),
		slog.Time("expires_at", expiresAt),
	}
	if notifier.reveal {
		attrs = append(attrs, slog.String("token", token))
	}
	notifier.logger.Info("password_reset_issued", attrs...)
	return nil
}

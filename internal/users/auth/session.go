// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/pkg/uuid"
)

// # Contracts

// TokenProvider signs and verifies access tokens.
type TokenProvider interface {
	GenerateAccessToken(input sec.AccessTokenInput, timeToLive time.Duration) (string, error)
	VerifyToken(tokenString string) (*sec.AuthClaims, error)
}

// Auditor receives security events. It never fails from the caller's view.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry)
}

// # Session Manager

// SessionManager owns the refresh-token lifecycle and access token issuance.
type SessionManager struct {
	users      UserRepository
	sessions   SessionRepository
	tokens     TokenProvider
	audit      Auditor
	logger     *slog.Logger
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewSessionManager constructs a session manager.
func NewSessionManager(
	users UserRepository,
	sessions SessionRepository,
	tokens TokenProvider,
	auditor Auditor,
	logger *slog.Logger,
	accessTTL, refreshTTL time.Duration,
) *SessionManager {
	return &SessionManager{
		users:      users,
		sessions:   sessions,
		tokens:     tokens,
		audit:      auditor,
		logger:     logger,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (manager *SessionManager) WithClock(now func() time.Time) *SessionManager {
	manager.now = now
	return manager
}

/*
Create opens a new session for an authenticated user and issues its first pair.

The session expiry is fixed here and never extended by rotation.

Parameters:
  - context: context.Context
  - user: *User
  - client: ClientMeta
  - elevated: bool (true once the second factor has been satisfied)

Returns:
  - *TokenPair
  - error: Storage or signing failures
*/
func (manager *SessionManager) Create(context context.Context, user *User, client ClientMeta, elevated bool) (*TokenPair, error) {
	refreshToken, err := sec.GenerateSecureToken(RefreshTokenLength)
	if err != nil {
		return nil, fmt.Errorf("auth_session_refresh_token_failed: %w", err)
	}

	session := &Session{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: sec.HashToken(refreshToken),
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		Elevated:  elevated,
		ExpiresAt: manager.now().Add(manager.refreshTTL).UTC(),
	}

	if err := manager.sessions.Create(context, session); err != nil {
		return nil, err
	}

	return manager.issue(user, session, refreshToken)
}

/*
VerifyAccessToken checks signature and expiry without touching storage.

Returns:
  - *sec.AuthClaims: Embedded user and session identifiers
  - error: TOKEN_EXPIRED or INVALID_TOKEN
*/
func (manager *SessionManager) VerifyAccessToken(token string) (*sec.AuthClaims, error) {
	claims, err := manager.tokens.VerifyToken(token)
	if err != nil {
		if errors.Is(err, sec.ErrTokenExpired) {
			return nil, apperr.TokenExpired().WithCause(err)
		}
		return nil, apperr.InvalidToken("Invalid access token").WithCause(err)
	}
	return claims, nil
}

/*
Refresh rotates a refresh token and issues a new pair.

A token that was already rotated away is treated as stolen: the whole session
is revoked and a critical audit entry is written.

Returns:
  - *TokenPair: Rotated credentials
  - error: AUTHENTICATION_ERROR when the session cannot be refreshed, or storage errors
*/
func (manager *SessionManager) Refresh(context context.Context, refreshToken string, client ClientMeta) (*TokenPair, error) {
	oldHash := sec.HashToken(refreshToken)

	newToken, err := sec.GenerateSecureToken(RefreshTokenLength)
	if err != nil {
		return nil, fmt.Errorf("auth_session_refresh_token_failed: %w", err)
	}

	session, err := manager.sessions.Rotate(context, oldHash, sec.HashToken(newToken), client)
	if err != nil {
		if !apperr.HasCode(err, apperr.CodeNotFound) {
			manager.audit.Log(context, audit.StoreFailure(nil, "refresh", err))
			return nil, err
		}
		return nil, manager.rejectRefresh(context, oldHash)
	}

	user, err := manager.users.FindByID(context, session.UserID)
	if err != nil && !apperr.HasCode(err, apperr.CodeNotFound) {
		manager.audit.Log(context, audit.StoreFailure(&session.UserID, "refresh", err))
		return nil, err
	}
	if user == nil || !user.IsActive {
		if err := manager.sessions.Revoke(context, session.ID); err != nil {
			return nil, err
		}
		manager.audit.Log(context, audit.Entry{
			ActorID: &session.UserID,
			Action:  audit.ActionRefreshFailed,
			Risk:    audit.RiskMedium,
			Details: map[string]any{"session_id": session.ID, "reason": "account_inactive"},
		})
		return nil, apperr.Unauthorized("Session is no longer valid")
	}

	return manager.issue(user, session, newToken)
}

// rejectRefresh distinguishes a replayed token from a simply unknown one.
func (manager *SessionManager) rejectRefresh(context context.Context, tokenHash string) error {
	reused, err := manager.sessions.FindByPreviousHash(context, tokenHash)
	if err != nil && !apperr.HasCode(err, apperr.CodeNotFound) {
		return err
	}

	if reused != nil && !reused.IsRevoked {
		if err := manager.sessions.Revoke(context, reused.ID); err != nil {
			return err
		}
		manager.logger.Warn("refresh_token_reuse_detected",
			slog.String("session_id", reused.ID),
			slog.String("user_id", reused.UserID),
		)
		manager.audit.Log(context, audit.Entry{
			ActorID: &reused.UserID,
			Action:  audit.ActionRefreshTokenReuse,
			Risk:    audit.RiskCritical,
			Details: map[string]any{"session_id": reused.ID},
		})
		return apperr.Unauthorized("Invalid or expired refresh token")
	}

	manager.audit.Log(context, audit.Entry{
		Action:  audit.ActionRefreshFailed,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"reason": "unknown_or_expired"},
	})
	return apperr.Unauthorized("Invalid or expired refresh token")
}

/*
Elevate marks a session as second-factor verified and issues an elevated pair.

The previous refresh token of the session stops working.
*/
func (manager *SessionManager) Elevate(context context.Context, user *User, sessionID string) (*TokenPair, error) {
	newToken, err := sec.GenerateSecureToken(RefreshTokenLength)
	if err != nil {
		return nil, fmt.Errorf("auth_session_refresh_token_failed: %w", err)
	}

	session, err := manager.sessions.Elevate(context, sessionID, user.ID, sec.HashToken(newToken))
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, apperr.Unauthorized("Session is no longer valid")
		}
		return nil, err
	}

	return manager.issue(user, session, newToken)
}

/*
RevokeSession invalidates one session. Future refreshes fail immediately;
access tokens already issued stay valid until they expire.
*/
func (manager *SessionManager) RevokeSession(context context.Context, sessionID string) error {
	return manager.sessions.Revoke(context, sessionID)
}

/*
RevokeAllUserSessions invalidates every live session of a user.
*/
func (manager *SessionManager) RevokeAllUserSessions(context context.Context, userID string) (int64, error) {
	return manager.sessions.RevokeAll(context, userID)
}

// FindSession returns a session by id.
func (manager *SessionManager) FindSession(context context.Context, sessionID string) (*Session, error) {
	return manager.sessions.FindByID(context, sessionID)
}

// ListSessions returns the live sessions of a user, flagging currentSessionID.
func (manager *SessionManager) ListSessions(context context.Context, userID, currentSessionID string) ([]*Session, error) {
	sessions, err := manager.sessions.ListActive(context, userID)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		session.Current = session.ID == currentSessionID
	}
	return sessions, nil
}

/*
Housekeep deletes sessions that expired or were revoked more than retention
ago. Deletes are idempotent, so concurrent runs on several instances are safe.
*/
func (manager *SessionManager) Housekeep(context context.Context, retention time.Duration) (int64, error) {
	return manager.sessions.DeleteExpired(context, manager.now().Add(-retention))
}

func (manager *SessionManager) issue(user *User, session *Session, refreshToken string) (*TokenPair, error) {
	accessToken, err := manager.tokens.GenerateAccessToken(sec.AccessTokenInput{
		UserID:    user.ID,
		SessionID: session.ID,
		Role:      string(user.Role),
		Elevated:  session.Elevated,
	}, manager.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("auth_session_access_token_failed: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		TokenType:             TokenTypeBearer,
		ExpiresIn:             int(manager.accessTTL.Seconds()),
		AccessTokenExpiresAt:  manager.now().Add(manager.accessTTL).UTC(),
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: session.ExpiresAt,
		SessionID:             session.ID,
		Elevated:              session.Elevated,
	}, nil
}

// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/ratelimit"
)

/*
TestSessionManager_CreateIssuesBoundPair verifies the access token carries the
session id and the refresh token is only stored as a hash.
*/
func TestSessionManager_CreateIssuesBoundPair(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)

	pair, err := f.manager.Create(context.Background(), user, f.client, false)
	require.NoError(t, err)

	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int(testAccessTTL.Seconds()), pair.ExpiresIn)
	assert.Equal(t, f.now.Add(testRefreshTTL), pair.RefreshTokenExpiresAt)

	claims, err := f.manager.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, pair.SessionID, claims.SessionID)
	assert.Equal(t, string(sec.RoleStudent), claims.Role)
	assert.False(t, claims.Elevated)

	stored := f.sessions.get(pair.SessionID)
	assert.Equal(t, sec.HashToken(pair.RefreshToken), stored.TokenHash)
	assert.NotEqual(t, pair.RefreshToken, stored.TokenHash)
}

/*
TestSessionManager_VerifyAccessToken distinguishes expired from malformed tokens.
*/
func TestSessionManager_VerifyAccessToken(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)

	pair, err := f.manager.Create(context.Background(), user, f.client, false)
	require.NoError(t, err)

	_, err = f.manager.VerifyAccessToken("not-a-jwt")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidToken))

	f.advance(testAccessTTL + time.Minute)
	_, err = f.manager.VerifyAccessToken(pair.AccessToken)
	assert.True(t, apperr.HasCode(err, apperr.CodeTokenExpired))
}

/*
TestSessionManager_RefreshRotates ensures each refresh invalidates the token it consumed.
*/
func TestSessionManager_RefreshRotates(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, user, f.client, false)
	require.NoError(t, err)

	second, err := f.manager.Refresh(ctx, first.RefreshToken, f.client)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.SessionID, second.SessionID)

	// Rotation never extends the absolute session lifetime.
	assert.Equal(t, first.RefreshTokenExpiresAt, second.RefreshTokenExpiresAt)

	third, err := f.manager.Refresh(ctx, second.RefreshToken, f.client)
	require.NoError(t, err)
	assert.NotEqual(t, second.RefreshToken, third.RefreshToken)
}

/*
TestSessionManager_RefreshReuseRevokesSession checks that replaying a rotated
token kills the session and audits at critical risk.
*/
func TestSessionManager_RefreshReuseRevokesSession(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, user, f.client, false)
	require.NoError(t, err)
	second, err := f.manager.Refresh(ctx, first.RefreshToken, f.client)
	require.NoError(t, err)

	_, err = f.manager.Refresh(ctx, first.RefreshToken, f.client)
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthentication))

	assert.True(t, f.sessions.get(first.SessionID).IsRevoked)
	assert.True(t, hasAction(f.auditor.find(audit.ActionRefreshTokenReuse), audit.RiskCritical))

	// The legitimate holder is logged out too.
	_, err = f.manager.Refresh(ctx, second.RefreshToken, f.client)
	assert.True(t, apperr.HasCode(err, apperr.CodeAuthentication))
}

/*
TestSessionManager_RefreshRejections covers unknown, expired and revoked sessions
and inactive owners.
*/
func TestSessionManager_RefreshRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture, sessionID string)
		token func(refreshToken string) string
	}{
		{
			name:  "unknown token",
			setup: func(*fixture, string) {},
			token: func(string) string { return "unknown" },
		},
		{
			name:  "expired session",
			setup: func(f *fixture, _ string) { f.advance(testRefreshTTL + time.Second) },
			token: func(token string) string { return token },
		},
		{
			name: "revoked session",
			setup: func(f *fixture, sessionID string) {
				require.NoError(t, f.manager.RevokeSession(context.Background(), sessionID))
			},
			token: func(token string) string { return token },
		},
		{
			name: "inactive account",
			setup: func(f *fixture, _ string) {
				require.NoError(t, f.users.Deactivate(context.Background(), "u-1"))
			},
			token: func(token string) string { return token },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ratelimit.Policies{})
			user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)

			pair, err := f.manager.Create(context.Background(), user, f.client, false)
			require.NoError(t, err)
			tt.setup(f, pair.SessionID)

			_, err = f.manager.Refresh(context.Background(), tt.token(pair.RefreshToken), f.client)
			assert.True(t, apperr.HasCode(err, apperr.CodeAuthentication), "got %v", err)
		})
	}
}

/*
TestSessionManager_ConcurrentRefresh asserts only one of many parallel
rotations of the same token wins.
*/
func TestSessionManager_ConcurrentRefresh(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)

	pair, err := f.manager.Create(context.Background(), user, f.client, false)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Refresh(context.Background(), pair.RefreshToken, f.client); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
}

/*
TestSessionManager_RefreshStoreUnavailable audits a failing rotation at high
risk and never reports it as a rejected token.
*/
func TestSessionManager_RefreshStoreUnavailable(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)
	ctx := context.Background()

	pair, err := f.manager.Create(ctx, user, f.client, false)
	require.NoError(t, err)

	f.sessions.mu.Lock()
	f.sessions.rotateFailure = apperr.DatabaseUnavailable(errors.New("connection reset"))
	f.sessions.mu.Unlock()

	_, err = f.manager.Refresh(ctx, pair.RefreshToken, f.client)
	assert.True(t, apperr.HasCode(err, apperr.CodeDatabaseUnavailable))

	entries := f.auditor.find(audit.ActionStoreUnavailable)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.RiskHigh, entries[0].Risk)
	assert.Equal(t, "refresh", entries[0].Details["operation"])
	assert.Empty(t, f.auditor.find(audit.ActionRefreshFailed))
	assert.Empty(t, f.auditor.find(audit.ActionRefreshTokenReuse))
}

/*
TestSessionManager_Elevate verifies elevation rotates the token and marks the
new access token as second-factor verified.
*/
func TestSessionManager_Elevate(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)
	other := f.seedUser(t, "u-2", "other@example.com", sec.RoleStudent)
	ctx := context.Background()

	pending, err := f.manager.Create(ctx, user, f.client, false)
	require.NoError(t, err)

	t.Run("foreign session", func(t *testing.T) {
		_, err := f.manager.Elevate(ctx, other, pending.SessionID)
		assert.True(t, apperr.HasCode(err, apperr.CodeAuthentication))

		stored := f.sessions.get(pending.SessionID)
		assert.False(t, stored.Elevated)
		assert.Equal(t, sec.HashToken(pending.RefreshToken), stored.TokenHash)
	})

	t.Run("own session", func(t *testing.T) {
		elevated, err := f.manager.Elevate(ctx, user, pending.SessionID)
		require.NoError(t, err)
		assert.True(t, elevated.Elevated)

		claims, err := f.manager.VerifyAccessToken(elevated.AccessToken)
		require.NoError(t, err)
		assert.True(t, claims.Elevated)

		_, err = f.manager.Refresh(ctx, pending.RefreshToken, f.client)
		assert.Error(t, err)
	})
}

/*
TestSessionManager_ListAndHousekeep flags the current session and purges old rows.
*/
func TestSessionManager_ListAndHousekeep(t *testing.T) {
	f := newFixture(t, ratelimit.Policies{})
	user := f.seedUser(t, "u-1", "student@example.com", sec.RoleStudent)
	ctx := context.Background()

	first, err := f.manager.Create(ctx, user, f.client, false)
	require.NoError(t, err)
	second, err := f.manager.Create(ctx, user, f.client, false)
	require.NoError(t, err)

	sessions, err := f.manager.ListSessions(ctx, user.ID, second.SessionID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, session := range sessions {
		assert.Equal(t, session.ID == second.SessionID, session.Current)
	}

	require.NoError(t, f.manager.RevokeSession(ctx, first.SessionID))
	f.advance(48 * time.Hour)

	deleted, err := f.manager.Housekeep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

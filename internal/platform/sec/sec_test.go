// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/internal/platform/sec"
)

func newTokenService(t *testing.T) *sec.TokenService {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return sec.NewTokenServiceFromKey(key, "portal.test")
}

/*
TestUserRole_Ordering confirms the owner > secretariat > company_admin > student chain.
*/
func TestUserRole_Ordering(t *testing.T) {
	tests := []struct {
		role   sec.UserRole
		target sec.UserRole
		want   bool
	}{
		{sec.RoleOwner, sec.RoleSecretariat, true},
		{sec.RoleSecretariat, sec.RoleCompanyAdmin, true},
		{sec.RoleCompanyAdmin, sec.RoleStudent, true},
		{sec.RoleStudent, sec.RoleCompanyAdmin, false},
		{sec.RoleSecretariat, sec.RoleOwner, false},
		{sec.UserRole("guest"), sec.RoleStudent, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"_"+string(tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.role.AtLeast(tt.target))
		})
	}

	assert.False(t, sec.UserRole("guest").Valid())
	assert.Equal(t, "Company Administrator", sec.RoleCompanyAdmin.Label())
}

/*
TestPasswordHash_RoundTrip verifies bcrypt hashing and comparison.
*/
func TestPasswordHash_RoundTrip(t *testing.T) {
	hash, err := sec.HashPassword("correct horse battery")
	require.NoError(t, err)

	assert.True(t, sec.CheckPasswordHash("correct horse battery", hash))
	assert.False(t, sec.CheckPasswordHash("wrong", hash))
}

/*
TestSecureToken_Distinct checks opaque tokens are random and hashed deterministically.
*/
func TestSecureToken_Distinct(t *testing.T) {
	first, err := sec.GenerateSecureToken(32)
	require.NoError(t, err)
	second, err := sec.GenerateSecureToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, first, 43)
	assert.Equal(t, sec.HashToken(first), sec.HashToken(first))
	assert.Len(t, sec.HashToken(first), 64)
}

/*
TestAccessToken_Verify covers a valid token, expiry classification and tampering.
*/
func TestAccessToken_Verify(t *testing.T) {
	service := newTokenService(t)

	token, err := service.GenerateAccessToken(sec.AccessTokenInput{
		UserID: "user-1", SessionID: "session-1", Role: "student", Elevated: true,
	}, time.Minute)
	require.NoError(t, err)

	claims, err := service.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.True(t, claims.Elevated)

	// Expired tokens are reported distinctly from invalid ones.
	past := time.Now().Add(-time.Hour)
	expiredService := newTokenService(t).WithClock(func() time.Time { return past })
	expired, err := expiredService.GenerateAccessToken(sec.AccessTokenInput{UserID: "u", SessionID: "s", Role: "student"}, time.Minute)
	require.NoError(t, err)
	expiredService.WithClock(time.Now)
	_, err = expiredService.VerifyToken(expired)
	assert.ErrorIs(t, err, sec.ErrTokenExpired)

	// A token signed by another key is invalid.
	_, err = newTokenService(t).VerifyToken(token)
	assert.ErrorIs(t, err, sec.ErrInvalidToken)

	_, err = service.VerifyToken("not-a-jwt")
	assert.ErrorIs(t, err, sec.ErrInvalidToken)
}

/*
TestInvitationToken_AudienceIsolation ensures invitations and access tokens are not interchangeable.
*/
func TestInvitationToken_AudienceIsolation(t *testing.T) {
	service := newTokenService(t)

	invitation, err := service.GenerateInvitationToken(sec.InvitationClaims{
		Email: "new@example.com", Role: "secretariat", HomeRegionID: "kanto", InvitedBy: "owner-1",
	}, time.Hour)
	require.NoError(t, err)

	claims, err := service.VerifyInvitationToken(invitation)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", claims.Email)
	assert.Equal(t, "kanto", claims.HomeRegionID)

	_, err = service.VerifyToken(invitation)
	assert.ErrorIs(t, err, sec.ErrInvalidToken)

	access, err := service.GenerateAccessToken(sec.AccessTokenInput{UserID: "u", SessionID: "s", Role: "owner"}, time.Minute)
	require.NoError(t, err)
	_, err = service.VerifyInvitationToken(access)
	assert.ErrorIs(t, err, sec.ErrInvalidToken)
}

// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package auth implements the user identity and session management layer.

It defines the core domain entities (User, Session, ResetToken) and the
session lifecycle:

	Created -> Active -> (Rotated)* -> Revoked | Expired

# Architecture

Access tokens are short-lived RS256 JWTs verified without touching storage.
Refresh tokens are opaque random strings; only their SHA-256 hash is stored,
and every use rotates them with a single conditional update.
*/
package auth

import (
	"context"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/taibuivan/portalcore/internal/platform/constants"
	"github.com/taibuivan/portalcore/internal/platform/ctxkey"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/permission"
	"github.com/taibuivan/portalcore/pkg/pointer"
)

// # Domain Entities

// User represents a registered member of the portal.
type User struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"` // Explicitly omitted from JSON for security.
	DisplayName  string       `json:"display_name"`
	Role         sec.UserRole `json:"role"`
	HomeRegionID string       `json:"home_region_id"`
	Regions      []string     `json:"regions"`
	CompanyID    *string      `json:"company_id,omitempty"`
	IsActive     bool         `json:"is_active"`
	TOTPEnabled  bool         `json:"totp_enabled"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Principal projects the account onto the permission engine's identity.
func (user *User) Principal() permission.Principal {
	return permission.Principal{
		ID:           user.ID,
		Role:         user.Role,
		HomeRegionID: user.HomeRegionID,
		Regions:      NormalizeRegions(user.Role, user.HomeRegionID, user.Regions),
		CompanyID:    pointer.Val(user.CompanyID),
	}
}

// Session represents a refresh-token session.
type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	TokenHash         string     `json:"-"` // Hashed value of the refresh token. Omitted for security.
	PreviousTokenHash string     `json:"-"`
	UserAgent         string     `json:"user_agent"`
	IPAddress         string     `json:"ip_address"`
	Elevated          bool       `json:"elevated"`
	ExpiresAt         time.Time  `json:"expires_at"`
	IsRevoked         bool       `json:"is_revoked"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	CreatedAt         time.Time  `json:"created_at"`

	// Current marks the session of the caller in listings. Not persisted.
	Current bool `json:"current"`
}

// ResetToken is a single-use password reset credential.
type ResetToken struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// TokenPair is the credential bundle returned on login, refresh and elevation.
type TokenPair struct {
	AccessToken           string    `json:"access_token"`
	TokenType             string    `json:"token_type"`
	ExpiresIn             int       `json:"expires_in"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	SessionID             string    `json:"session_id"`
	Elevated              bool      `json:"elevated"`
}

// # Identity Normalisation

var emailFolder = cases.Fold()

// NormalizeEmail returns the canonical lookup form of an email address.
func NormalizeEmail(email string) string {
	return emailFolder.String(strings.TrimSpace(email))
}

// NormalizeRegions returns the accessible region set, with the home region
// always present and owners always holding the wildcard.
func NormalizeRegions(role sec.UserRole, home string, regions []string) []string {
	if role == sec.RoleOwner {
		return []string{constants.RegionWildcard}
	}

	out := make([]string, 0, len(regions)+1)
	if home != "" {
		out = append(out, home)
	}
	for _, region := range regions {
		region = strings.ToUpper(strings.TrimSpace(region))
		if region != "" && !slices.Contains(out, region) {
			out = append(out, region)
		}
	}
	return out
}

// # Context Propagation

// WithUser stores the resolved account of the caller.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, ctxkey.KeyPrincipal, user)
}

// UserFromContext returns the account stored by [WithUser], or nil.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(ctxkey.KeyPrincipal).(*User)
	return user
}

// # Field Identifiers

// Global field names for validation in the authentication domain.
const (
	FieldEmail           = "email"
	FieldPassword        = "password"
	FieldDisplayName     = "display_name"
	FieldInvitation      = "invitation_token"
	FieldTOTPCode        = "totp_code"
	FieldToken           = "token"
	FieldRefreshToken    = "refresh_token"
	FieldAction          = "action"
	FieldCurrentPassword = "current_password"
	FieldNewPassword     = "new_password"
	FieldMessage         = "message"
)

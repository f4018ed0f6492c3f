// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

// # Authentication Constraints

const (
	// RefreshTokenLength is the byte length of the random secure token.
	RefreshTokenLength = 32

	// ResetTokenLength is the byte length of the random password reset token.
	ResetTokenLength = 32

	// TokenTypeBearer is the token_type of every issued pair.
	TokenTypeBearer = "Bearer"

	// MaxDisplayNameLength bounds the display name on every write.
	MaxDisplayNameLength = 100

	// MaxPasswordLength is bcrypt's input limit.
	MaxPasswordLength = 72
)

// Setup actions accepted by POST /auth/totp/setup.
const (
	SetupActionGenerate = "generate"
	SetupActionVerify   = "verify"
)

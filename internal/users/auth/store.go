// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

import (
	"context"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/sec"
)

// # User Data Access

// AccessUpdate carries the admin-controlled authorization fields of an account.
type AccessUpdate struct {
	Role         sec.UserRole
	HomeRegionID string
	Regions      []string
	CompanyID    *string
}

// UserRepository defines the data access contract for user accounts.
type UserRepository interface {

	/*
		FindByID returns the account with the given ID.

		Parameters:
		  - context: context.Context
		  - id: string

		Returns:
		  - *User: Hydrated entity
		  - error: apperr.NotFound or database errors
	*/
	FindByID(context context.Context, id string) (*User, error)

	/*
		FindByEmail returns the account with the given normalized email.

		Parameters:
		  - context: context.Context
		  - email: string

		Returns:
		  - *User: Hydrated entity
		  - error: apperr.NotFound or database errors
	*/
	FindByEmail(context context.Context, email string) (*User, error)

	/*
		Create persists a brand-new user account to the storage.

		Returns:
		  - error: apperr EMAIL_EXISTS on a duplicate email
	*/
	Create(context context.Context, user *User) error

	/*
		UpdateProfile persists the self-service profile fields.
	*/
	UpdateProfile(context context.Context, id, displayName string) (*User, error)

	/*
		UpdateAccess replaces role, regions and company in one statement.
	*/
	UpdateAccess(context context.Context, id string, update AccessUpdate) (*User, error)

	/*
		UpdatePassword replaces only the user's password hash.
	*/
	UpdatePassword(context context.Context, id, passwordHash string) error

	/*
		Deactivate clears the active flag. Idempotent.
	*/
	Deactivate(context context.Context, id string) error
}

// # Session Data Access

// ClientMeta identifies the device presenting a credential.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// SessionRepository defines the storage contract for refresh-token sessions.
type SessionRepository interface {

	/*
		Create persists a new session.
	*/
	Create(context context.Context, session *Session) error

	/*
		Rotate swaps the refresh token hash of a live session.

		It only matches a row whose current hash is oldHash, is not revoked and
		has not expired, so two concurrent rotations of the same token cannot
		both succeed.

		Returns:
		  - *Session: Updated entity
		  - error: apperr.NotFound when nothing matched
	*/
	Rotate(context context.Context, oldHash, newHash string, client ClientMeta) (*Session, error)

	/*
		FindByPreviousHash returns the session whose last rotated-away hash is tokenHash.

		Returns:
		  - *Session
		  - error: apperr.NotFound when the token was never rotated
	*/
	FindByPreviousHash(context context.Context, tokenHash string) (*Session, error)

	/*
		FindByID returns a session by id, revoked or not.
	*/
	FindByID(context context.Context, id string) (*Session, error)

	/*
		Elevate marks a live session of userID as second-factor verified and rotates its token.

		Returns:
		  - *Session: Updated entity
		  - error: apperr.NotFound if the session is revoked, expired or owned by another user
	*/
	Elevate(context context.Context, sessionID, userID, newHash string) (*Session, error)

	/*
		Revoke invalidates one session. Revoking an already revoked session is a no-op.
	*/
	Revoke(context context.Context, id string) error

	/*
		RevokeAll invalidates every live session of a user.

		Returns:
		  - int64: Number of sessions revoked
		  - error: Persistence failures
	*/
	RevokeAll(context context.Context, userID string) (int64, error)

	/*
		ListActive returns the live sessions of a user, newest first.
	*/
	ListActive(context context.Context, userID string) ([]*Session, error)

	/*
		DeleteExpired removes sessions that expired or were revoked before cutoff.
	*/
	DeleteExpired(context context.Context, cutoff time.Time) (int64, error)
}

// # Password Reset Data Access

// ResetTokenRepository defines the storage contract for password reset tokens.
type ResetTokenRepository interface {

	/*
		Create stores a hashed reset token.
	*/
	Create(context context.Context, token *ResetToken) error

	/*
		Consume marks an unused, unexpired token as used.

		Returns:
		  - string: Owning user id
		  - error: apperr.NotFound when the token is unknown, used or expired
	*/
	Consume(context context.Context, tokenHash string) (string, error)

	/*
		DeleteExpired removes tokens that can no longer be consumed.
	*/
	DeleteExpired(context context.Context, cutoff time.Time) (int64, error)
}

// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth

// # Storage Layer
//
// Repositories in this file implement the contracts of store.go on
// [pgxpool.Pool]. Storage errors are classified through [dberr.Wrap] so that
// pgx.ErrNoRows becomes NOT_FOUND and an unreachable database becomes
// DATABASE_UNAVAILABLE, never an authentication failure.

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/dberr"
)

// # User Repository

const userColumns = `id, email, passwordhash, displayname, role, homeregionid, regions, companyid,
	isactive, totpenabled, createdat, updatedat`

// PostgresUserRepository implements the UserRepository interface using pgx.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new PostgreSQL implementation of the UserRepository.
func NewUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.DisplayName,
		&user.Role,
		&user.HomeRegionID,
		&user.Regions,
		&user.CompanyID,
		&user.IsActive,
		&user.TOTPEnabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Regions = NormalizeRegions(user.Role, user.HomeRegionID, user.Regions)
	return user, nil
}

/*
Create persists a new user record into the users.account table.

Parameters:
  - context: context.Context
  - user: *User (Entity to persist)

Returns:
  - error: apperr EMAIL_EXISTS or database errors
*/
func (repository *PostgresUserRepository) Create(context context.Context, user *User) error {
	const query = `
		INSERT INTO users.account (
			id, email, passwordhash, displayname, role, homeregionid, regions, companyid,
			isactive, totpenabled, createdat, updatedat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $10)`

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Regions = NormalizeRegions(user.Role, user.HomeRegionID, user.Regions)

	_, err := repository.pool.Exec(context, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.DisplayName,
		user.Role,
		user.HomeRegionID,
		user.Regions,
		user.CompanyID,
		user.IsActive,
		now,
	)
	if err != nil {
		if dberr.IsUniqueViolation(err) {
			return apperr.EmailExists()
		}
		return dberr.Wrap(fmt.Errorf("postgres_user_repo_create_failed: %w", err), "User")
	}

	return nil
}

/*
FindByEmail retrieves a user record by its case-folded email address.

Returns:
  - *User: Hydrated account entity
  - error: apperr.NotFound or database errors
*/
func (repository *PostgresUserRepository) FindByEmail(context context.Context, email string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users.account WHERE email = $1"

	user, err := scanUser(repository.pool.QueryRow(context, query, email))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}

	return user, nil
}

/*
FindByID retrieves a user record by their unique ID.

Returns:
  - *User: Hydrated account entity
  - error: Not found or execution errors
*/
func (repository *PostgresUserRepository) FindByID(context context.Context, id string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users.account WHERE id = $1"

	user, err := scanUser(repository.pool.QueryRow(context, query, id))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}

	return user, nil
}

/*
UpdateProfile persists the display name and returns the updated row.
*/
func (repository *PostgresUserRepository) UpdateProfile(context context.Context, id, displayName string) (*User, error) {
	query := `
		UPDATE users.account
		SET displayname = $2, updatedat = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(repository.pool.QueryRow(context, query, id, displayName))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}

	return user, nil
}

/*
UpdateAccess replaces the authorization fields of an account.

Regions are normalised before writing so an owner is stored with the wildcard.
*/
func (repository *PostgresUserRepository) UpdateAccess(context context.Context, id string, update AccessUpdate) (*User, error) {
	query := `
		UPDATE users.account
		SET role = $2, homeregionid = $3, regions = $4, companyid = $5, updatedat = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	regions := NormalizeRegions(update.Role, update.HomeRegionID, update.Regions)

	user, err := scanUser(repository.pool.QueryRow(context, query,
		id,
		update.Role,
		update.HomeRegionID,
		regions,
		update.CompanyID,
	))
	if err != nil {
		return nil, dberr.Wrap(err, "User")
	}

	return user, nil
}

/*
UpdatePassword updates only the password hash for a specific user.
*/
func (repository *PostgresUserRepository) UpdatePassword(context context.Context, id, passwordHash string) error {
	const query = "UPDATE users.account SET passwordhash = $2, updatedat = NOW() WHERE id = $1"

	tag, err := repository.pool.Exec(context, query, id, passwordHash)
	if err != nil {
		return dberr.Wrap(fmt.Errorf("postgres_user_repo_update_password_failed: %w", err), "User")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User")
	}

	return nil
}

/*
Deactivate clears the active flag of an account.
*/
func (repository *PostgresUserRepository) Deactivate(context context.Context, id string) error {
	const query = "UPDATE users.account SET isactive = FALSE, updatedat = NOW() WHERE id = $1"

	tag, err := repository.pool.Exec(context, query, id)
	if err != nil {
		return dberr.Wrap(fmt.Errorf("postgres_user_repo_deactivate_failed: %w", err), "User")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("User")
	}

	return nil
}

// # Session Repository

const sessionColumns = `id, userid, tokenhash, COALESCE(previoustokenhash, ''), useragent, ipaddress,
	elevated, expiresat, isrevoked, revokedat, lastactivityat, createdat`

// PostgresSessionRepository implements the SessionRepository interface.
type PostgresSessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new PostgreSQL implementation of SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *PostgresSessionRepository {
	return &PostgresSessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.PreviousTokenHash,
		&session.UserAgent,
		&session.IPAddress,
		&session.Elevated,
		&session.ExpiresAt,
		&session.IsRevoked,
		&session.RevokedAt,
		&session.LastActivityAt,
		&session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

/*
Create persists a new session record into the users.session table.
*/
func (repository *PostgresSessionRepository) Create(context context.Context, session *Session) error {
	const query = `
		INSERT INTO users.session (
			id, userid, tokenhash, useragent, ipaddress, elevated, expiresat, isrevoked, lastactivityat, createdat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $8)`

	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActivityAt = now

	_, err := repository.pool.Exec(context, query,
		session.ID,
		session.UserID,
		session.TokenHash,
		session.UserAgent,
		session.IPAddress,
		session.Elevated,
		session.ExpiresAt,
		now,
	)
	if err != nil {
		return dberr.Wrap(fmt.Errorf("postgres_session_repo_create_failed: %w", err), "Session")
	}

	return nil
}

/*
Rotate swaps the token hash of a live session in one conditional statement.

The previous hash is kept so a replay of the rotated-away token can be recognised.
*/
func (repository *PostgresSessionRepository) Rotate(context context.Context, oldHash, newHash string, client ClientMeta) (*Session, error) {
	query := `
		UPDATE users.session
		SET tokenhash = $2,
		    previoustokenhash = $1,
		    useragent = COALESCE(NULLIF($3, ''), useragent),
		    ipaddress = COALESCE(NULLIF($4, ''), ipaddress),
		    lastactivityat = NOW()
		WHERE tokenhash = $1 AND isrevoked = FALSE AND expiresat > NOW()
		RETURNING ` + sessionColumns

	session, err := scanSession(repository.pool.QueryRow(context, query, oldHash, newHash, client.UserAgent, client.IPAddress))
	if err != nil {
		return nil, dberr.Wrap(err, "Session")
	}

	return session, nil
}

/*
FindByPreviousHash resolves a token that has already been rotated away.
*/
func (repository *PostgresSessionRepository) FindByPreviousHash(context context.Context, tokenHash string) (*Session, error) {
	query := "SELECT " + sessionColumns + " FROM users.session WHERE previoustokenhash = $1"

	session, err := scanSession(repository.pool.QueryRow(context, query, tokenHash))
	if err != nil {
		return nil, dberr.Wrap(err, "Session")
	}

	return session, nil
}

/*
FindByID retrieves a session by id.
*/
func (repository *PostgresSessionRepository) FindByID(context context.Context, id string) (*Session, error) {
	query := "SELECT " + sessionColumns + " FROM users.session WHERE id = $1"

	session, err := scanSession(repository.pool.QueryRow(context, query, id))
	if err != nil {
		return nil, dberr.Wrap(err, "Session")
	}

	return session, nil
}

/*
Elevate sets the elevated flag and rotates the token of a live session.
*/
func (repository *PostgresSessionRepository) Elevate(context context.Context, sessionID, userID, newHash string) (*Session, error) {
	query := `
		UPDATE users.session
		SET elevated = TRUE, previoustokenhash = tokenhash, tokenhash = $3, lastactivityat = NOW()
		WHERE id = $1 AND userid = $2 AND isrevoked = FALSE AND expiresat > NOW()
		RETURNING ` + sessionColumns

	session, err := scanSession(repository.pool.QueryRow(context, query, sessionID, userID, newHash))
	if err != nil {
		return nil, dberr.Wrap(err, "Session")
	}

	return session, nil
}

/*
Revoke marks a specific session as revoked.
*/
func (repository *PostgresSessionRepository) Revoke(context context.Context, id string) error {
	const query = "UPDATE users.session SET isrevoked = TRUE, revokedat = NOW() WHERE id = $1 AND isrevoked = FALSE"

	if _, err := repository.pool.Exec(context, query, id); err != nil {
		return dberr.Wrap(fmt.Errorf("postgres_session_repo_revoke_failed: %w", err), "Session")
	}

	return nil
}

/*
RevokeAll marks all active sessions for a user as revoked.
*/
func (repository *PostgresSessionRepository) RevokeAll(context context.Context, userID string) (int64, error) {
	const query = "UPDATE users.session SET isrevoked = TRUE, revokedat = NOW() WHERE userid = $1 AND isrevoked = FALSE"

	tag, err := repository.pool.Exec(context, query, userID)
	if err != nil {
		return 0, dberr.Wrap(fmt.Errorf("postgres_session_repo_revoke_all_failed: %w", err), "Session")
	}

	return tag.RowsAffected(), nil
}

/*
ListActive returns the live sessions of a user, newest activity first.
*/
func (repository *PostgresSessionRepository) ListActive(context context.Context, userID string) ([]*Session, error) {
	query := "SELECT " + sessionColumns + `
		FROM users.session
		WHERE userid = $1 AND isrevoked = FALSE AND expiresat > NOW()
		ORDER BY lastactivityat DESC`

	rows, err := repository.pool.Query(context, query, userID)
	if err != nil {
		return nil, dberr.Wrap(fmt.Errorf("postgres_session_repo_list_failed: %w", err), "Session")
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, dberr.Wrap(err, "Session")
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, dberr.Wrap(err, "Session")
	}

	return sessions, nil
}

/*
DeleteExpired permanently removes sessions that can never be used again.
*/
func (repository *PostgresSessionRepository) DeleteExpired(context context.Context, cutoff time.Time) (int64, error) {
	const query = `
		DELETE FROM users.session
		WHERE expiresat <= $1 OR (isrevoked = TRUE AND revokedat <= $1)`

	tag, err := repository.pool.Exec(context, query, cutoff)
	if err != nil {
		return 0, dberr.Wrap(fmt.Errorf("postgres_session_repo_delete_expired_failed: %w", err), "Session")
	}

	return tag.RowsAffected(), nil
}

// # Reset Token Repository

// PostgresResetTokenRepository implements ResetTokenRepository on users.password_reset_token.
type PostgresResetTokenRepository struct {
	pool *pgxpool.Pool
}

// NewResetTokenRepository creates a new PostgreSQL implementation of ResetTokenRepository.
func NewResetTokenRepository(pool *pgxpool.Pool) *PostgresResetTokenRepository {
	return &PostgresResetTokenRepository{pool: pool}
}

/*
Create stores a hashed reset token.
*/
func (repository *PostgresResetTokenRepository) Create(context context.Context, token *ResetToken) error {
	const query = "INSERT INTO users.password_reset_token (tokenhash, userid, expiresat) VALUES ($1, $2, $3)"

	if _, err := repository.pool.Exec(context, query, token.TokenHash, token.UserID, token.ExpiresAt); err != nil {
		return dberr.Wrap(fmt.Errorf("postgres_reset_token_repo_create_failed: %w", err), "Reset token")
	}

	return nil
}

/*
Consume sets usedat on a token that is unused and unexpired.

Only one concurrent caller can flip usedat from NULL, so a token is
consumed at most once.
*/
func (repository *PostgresResetTokenRepository) Consume(context context.Context, tokenHash string) (string, error) {
	const query = `
		UPDATE users.password_reset_token
		SET usedat = NOW()
		WHERE tokenhash = $1 AND usedat IS NULL AND expiresat > NOW()
		RETURNING userid`

	var userID string
	if err := repository.pool.QueryRow(context, query, tokenHash).Scan(&userID); err != nil {
		return "", dberr.Wrap(err, "Reset token")
	}

	return userID, nil
}

/*
DeleteExpired removes tokens that expired or were used before cutoff.
*/
func (repository *PostgresResetTokenRepository) DeleteExpired(context context.Context, cutoff time.Time) (int64, error) {
	const query = "DELETE FROM users.password_reset_token WHERE expiresat <= $1 OR usedat <= $1"

	tag, err := repository.pool.Exec(context, query, cutoff)
	if err != nil {
		return 0, dberr.Wrap(fmt.Errorf("postgres_reset_token_repo_delete_expired_failed: %w", err), "Reset token")
	}

	return tag.RowsAffected(), nil
}

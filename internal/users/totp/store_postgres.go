// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package totp

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/dberr"
	"github.com/taibuivan/portalcore/internal/platform/postgres"
)

// PostgresRepository implements [Repository] on users.totp_enrollment.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL implementation of the enrollment store.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

/*
Find retrieves the enrollment row for a user.

Returns:
  - *Enrollment
  - error: apperr.NotFound or database errors
*/
func (repository *PostgresRepository) Find(context context.Context, userID string) (*Enrollment, error) {
	const query = `
		SELECT userid, secret, backupcodes, enabled, lastusedcounter, enrolledat, confirmedat
		FROM users.totp_enrollment
		WHERE userid = $1`

	enrollment := &Enrollment{}
	err := repository.pool.QueryRow(context, query, userID).Scan(
		&enrollment.UserID,
		&enrollment.Secret,
		&enrollment.BackupCodes,
		&enrollment.Enabled,
		&enrollment.LastUsedCounter,
		&enrollment.EnrolledAt,
		&enrollment.ConfirmedAt,
	)
	if err != nil {
		return nil, dberr.Wrap(err, "Two-factor enrollment")
	}

	return enrollment, nil
}

/*
UpsertPending inserts a pending enrollment or replaces a previous pending one.

The conflict branch only fires while the existing row is not enabled, so an
enabled enrollment is never overwritten.
*/
func (repository *PostgresRepository) UpsertPending(context context.Context, enrollment *Enrollment) error {
	const query = `
		INSERT INTO users.totp_enrollment (userid, secret, backupcodes, enabled, lastusedcounter, enrolledat)
		VALUES ($1, $2, $3, FALSE, 0, $4)
		ON CONFLICT (userid) DO UPDATE
		SET secret = EXCLUDED.secret,
		    backupcodes = EXCLUDED.backupcodes,
		    lastusedcounter = 0,
		    enrolledat = EXCLUDED.enrolledat,
		    confirmedat = NULL
		WHERE users.totp_enrollment.enabled = FALSE`

	tag, err := repository.pool.Exec(context, query,
		enrollment.UserID,
		enrollment.Secret,
		enrollment.BackupCodes,
		enrollment.EnrolledAt,
	)
	if err != nil {
		return dberr.Wrap(err, "Two-factor enrollment")
	}

	if tag.RowsAffected() == 0 {
		return apperr.TOTPAlreadyEnabled()
	}

	return nil
}

/*
Enable confirms the pending enrollment and flags the account in one transaction.
*/
func (repository *PostgresRepository) Enable(context context.Context, userID string, counter int64) error {
	return mapTx(postgres.WithTx(context, repository.pool, func(tx pgx.Tx) error {
		const enable = `
			UPDATE users.totp_enrollment
			SET enabled = TRUE, confirmedat = NOW(), lastusedcounter = $2
			WHERE userid = $1 AND enabled = FALSE`

		tag, err := tx.Exec(context, enable, userID, counter)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.TOTPAlreadyEnabled()
		}

		const flag = "UPDATE users.account SET totpenabled = TRUE, updatedat = NOW() WHERE id = $1"
		_, err = tx.Exec(context, flag, userID)
		return err
	}))
}

/*
AdvanceCounter moves lastusedcounter forward only if counter is newer.
*/
func (repository *PostgresRepository) AdvanceCounter(context context.Context, userID string, counter int64) (bool, error) {
	const query = `
		UPDATE users.totp_enrollment
		SET lastusedcounter = $2
		WHERE userid = $1 AND enabled = TRUE AND lastusedcounter < $2`

	tag, err := repository.pool.Exec(context, query, userID, counter)
	if err != nil {
		return false, dberr.Wrap(err, "Two-factor enrollment")
	}

	return tag.RowsAffected() == 1, nil
}

/*
ConsumeBackupCode removes codeHash in a single conditional update.

Two concurrent calls with the same hash serialize on the row lock; the second
re-evaluates the ANY() predicate against the updated array and matches nothing.
*/
func (repository *PostgresRepository) ConsumeBackupCode(context context.Context, userID, codeHash string) (int, bool, error) {
	const query = `
		UPDATE users.totp_enrollment
		SET backupcodes = array_remove(backupcodes, $2)
		WHERE userid = $1 AND enabled = TRUE AND $2 = ANY(backupcodes)
		RETURNING cardinality(backupcodes)`

	var remaining int
	err := repository.pool.QueryRow(context, query, userID, codeHash).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, dberr.Wrap(err, "Two-factor enrollment")
	}

	return remaining, true, nil
}

/*
ReplaceBackupCodes overwrites the hashed list of an enabled enrollment.
*/
func (repository *PostgresRepository) ReplaceBackupCodes(context context.Context, userID string, hashes []string) error {
	const query = "UPDATE users.totp_enrollment SET backupcodes = $2 WHERE userid = $1 AND enabled = TRUE"

	tag, err := repository.pool.Exec(context, query, userID, hashes)
	if err != nil {
		return dberr.Wrap(err, "Two-factor enrollment")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Two-factor enrollment")
	}

	return nil
}

/*
Delete drops the enrollment and clears the account flag in one transaction.
*/
func (repository *PostgresRepository) Delete(context context.Context, userID string) error {
	return mapTx(postgres.WithTx(context, repository.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(context, "DELETE FROM users.totp_enrollment WHERE userid = $1", userID); err != nil {
			return err
		}
		_, err := tx.Exec(context, "UPDATE users.account SET totpenabled = FALSE, updatedat = NOW() WHERE id = $1", userID)
		return err
	}))
}

// mapTx classifies a transaction failure, keeping domain errors raised inside it.
func mapTx(err error) error {
	if err == nil {
		return nil
	}
	if appErr := apperr.As(err); appErr != nil {
		return appErr
	}
	return dberr.Wrap(fmt.Errorf("totp_transaction_failed: %w", err), "Two-factor enrollment")
}

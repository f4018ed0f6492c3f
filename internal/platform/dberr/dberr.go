// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package dberr provides a bridge between low-level database errors and
// higher-level application errors.
package dberr

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
)

// SQLSTATE classes and codes that matter to callers.
const (
	uniqueViolation        = "23505"
	classConnection        = "08"
	classResources         = "53"
	classOperatorIntervene = "57"
)

// Wrap inspects a database error and wraps it into a meaningful [apperr.AppError].
// It hides internal database details from the client while classifying the error type.
//
// The resource name is used for NOT_FOUND messages.
func Wrap(err error, resource string) error {
	if err == nil {
		return nil
	}

	// Callers may already have classified the error.
	if apperr.IsAppError(err) {
		return err
	}

	// 1. Not Found mapping
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(resource).WithCause(err)
	}

	// 2. Unique constraint violations
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation:
			return apperr.Conflict(resource + " already exists").WithCause(err)
		case hasClass(pgErr.Code, classConnection, classResources, classOperatorIntervene):
			return apperr.DatabaseUnavailable(err)
		}
		return apperr.Internal(err)
	}

	// 3. Unreachable or slow store
	if IsUnavailable(err) {
		return apperr.DatabaseUnavailable(err)
	}

	// 4. Unknown query errors become Internal Server Errors
	return apperr.Internal(err)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsUnavailable reports whether err means the database could not be reached in time.
func IsUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func hasClass(code string, classes ...string) bool {
	if len(code) < 2 {
		return false
	}
	for _, class := range classes {
		if code[:2] == class {
			return true
		}
	}
	return false
}

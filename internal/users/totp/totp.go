// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package totp implements the second-factor state machine.

	NotEnrolled -> PendingVerification -> Enabled -> (deleted on credential recovery)

# Replay & Single Use

A time-step counter is stored per user and may only move forward, so a code
accepted once is never accepted again. Backup codes are stored hashed and
removed with one conditional update, so two concurrent requests presenting the
same code cannot both succeed.
*/
package totp

import (
	"context"
	"time"
)

// # Domain Entities

// Enrollment is the per-user second-factor record. The secret is never serialized.
type Enrollment struct {
	UserID          string     `json:"user_id"`
	Secret          string     `json:"-"`
	BackupCodes     []string   `json:"-"`
	Enabled         bool       `json:"enabled"`
	LastUsedCounter int64      `json:"-"`
	EnrolledAt      time.Time  `json:"enrolled_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

// Setup is returned exactly once by [Manager.BeginEnrollment].
type Setup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// Verification reports how a factor was satisfied.
type Verification struct {
	Method               string `json:"method"`
	RemainingBackupCodes int    `json:"remaining_backup_codes"`
}

// Status is the client-visible view of an enrollment.
type Status struct {
	Enabled              bool       `json:"enabled"`
	Pending              bool       `json:"pending"`
	EnrolledAt           *time.Time `json:"enrolled_at,omitempty"`
	RemainingBackupCodes int        `json:"remaining_backup_codes"`
}

// Verification methods.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// # Repository Contract

// Repository persists enrollments. Every mutating method is a single atomic
// statement or transaction.
type Repository interface {

	/*
		Find returns the enrollment for userID.

		Returns:
		  - *Enrollment: Hydrated entity
		  - error: apperr.NotFound when the user never enrolled
	*/
	Find(context context.Context, userID string) (*Enrollment, error)

	/*
		UpsertPending stores a new pending enrollment, replacing an earlier pending one.

		Returns:
		  - error: apperr TOTP_ALREADY_ENABLED if an enabled enrollment exists
	*/
	UpsertPending(context context.Context, enrollment *Enrollment) error

	/*
		Enable flips a pending enrollment to enabled, records the first accepted
		counter and marks the account as TOTP-protected.

		Returns:
		  - error: apperr TOTP_ALREADY_ENABLED or NOT_FOUND when nothing is pending
	*/
	Enable(context context.Context, userID string, counter int64) error

	/*
		AdvanceCounter moves the replay guard forward.

		Returns:
		  - bool: false when counter is not greater than the stored one
		  - error: Persistence failures
	*/
	AdvanceCounter(context context.Context, userID string, counter int64) (bool, error)

	/*
		ConsumeBackupCode removes codeHash from the enabled enrollment if present.

		Returns:
		  - int: Codes left after removal
		  - bool: false when the code was not present
		  - error: Persistence failures
	*/
	ConsumeBackupCode(context context.Context, userID, codeHash string) (int, bool, error)

	/*
		ReplaceBackupCodes swaps the hashed code list of an enabled enrollment.
	*/
	ReplaceBackupCodes(context context.Context, userID string, hashes []string) error

	/*
		Delete removes the enrollment and clears the account flag. Idempotent.
	*/
	Delete(context context.Context, userID string) error
}

// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package totp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/security/audit"
)

// # Parameters

const (
	// Period is the RFC 6238 time step.
	Period = 30

	// Skew is the number of adjacent steps accepted on each side.
	Skew = 1

	// SecretSize is the raw secret length in bytes (160 bits for SHA1).
	SecretSize = 20

	// BackupCodeCount is how many single-use codes an enrollment receives.
	BackupCodeCount = 10

	// backupCodeLength excludes the display separator.
	backupCodeLength = 10

	// backupCodeAlphabet has 32 symbols without 0/O and 1/I so a masked random byte is uniform.
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var validateOpts = totp.ValidateOpts{
	Period:    Period,
	Skew:      0,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Auditor receives TOTP outcomes.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry)
}

// # Manager

// Manager drives enrollment, confirmation and verification.
type Manager struct {
	repository Repository
	issuer     string
	audit      Auditor
	now        func() time.Time
}

// NewManager constructs a TOTP manager. issuer is shown in authenticator apps.
func NewManager(repository Repository, issuer string, auditor Auditor) *Manager {
	return &Manager{
		repository: repository,
		issuer:     issuer,
		audit:      auditor,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (manager *Manager) WithClock(now func() time.Time) *Manager {
	manager.now = now
	return manager
}

/*
BeginEnrollment creates or replaces a pending enrollment.

The plaintext backup codes in the result are never stored and cannot be
retrieved again.

Parameters:
  - context: context.Context
  - userID: string
  - accountName: string (label in the authenticator, usually the email)

Returns:
  - *Setup: Secret, provisioning URI and backup codes
  - error: TOTP_ALREADY_ENABLED or storage failures
*/
func (manager *Manager) BeginEnrollment(context context.Context, userID, accountName string) (*Setup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      manager.issuer,
		AccountName: accountName,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("totp_manager_generate_failed: %w", err)
	}

	codes, hashes, err := newBackupCodes(userID)
	if err != nil {
		return nil, fmt.Errorf("totp_manager_backup_codes_failed: %w", err)
	}

	enrollment := &Enrollment{
		UserID:      userID,
		Secret:      key.Secret(),
		BackupCodes: hashes,
		EnrolledAt:  manager.now().UTC(),
	}

	if err := manager.repository.UpsertPending(context, enrollment); err != nil {
		return nil, err
	}

	manager.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionTOTPEnrollmentStarted,
		Risk:    audit.RiskLow,
	})

	return &Setup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

/*
ConfirmEnrollment enables a pending enrollment once the user proves possession.

Returns:
  - error: INVALID_TOKEN (400) on a wrong code, TOTP_ALREADY_ENABLED, NOT_FOUND
*/
func (manager *Manager) ConfirmEnrollment(context context.Context, userID, code string) error {
	enrollment, err := manager.repository.Find(context, userID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return apperr.NotFound("Pending two-factor enrollment")
		}
		return err
	}

	if enrollment.Enabled {
		return apperr.TOTPAlreadyEnabled()
	}

	counter, ok := manager.match(enrollment.Secret, code)
	if !ok {
		manager.audit.Log(context, audit.Entry{
			ActorID: &userID,
			Action:  audit.ActionTOTPEnrollmentFailed,
			Risk:    audit.RiskMedium,
		})
		return apperr.InvalidCode("The verification code is incorrect")
	}

	if err := manager.repository.Enable(context, userID, counter); err != nil {
		return err
	}

	manager.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionTOTPEnabled,
		Risk:    audit.RiskMedium,
	})

	return nil
}

/*
VerifyFactor checks a second factor for an enabled enrollment.

For a time-based code the replay counter is advanced; for a backup code the
code is removed. Both happen atomically in the store.

Returns:
  - *Verification: Method used and backup codes remaining
  - error: AUTHENTICATION_ERROR (401) on any failure
*/
func (manager *Manager) VerifyFactor(context context.Context, userID, code string, isBackupCode bool) (*Verification, error) {
	enrollment, err := manager.repository.Find(context, userID)
	if err != nil && !apperr.HasCode(err, apperr.CodeNotFound) {
		return nil, err
	}

	if enrollment == nil || !enrollment.Enabled {
		return nil, manager.rejectFactor(context, userID, "not_enrolled")
	}

	if isBackupCode {
		return manager.consumeBackupCode(context, enrollment, code)
	}

	counter, ok := manager.match(enrollment.Secret, code)
	if !ok {
		return nil, manager.rejectFactor(context, userID, "invalid_code")
	}

	advanced, err := manager.repository.AdvanceCounter(context, userID, counter)
	if err != nil {
		return nil, err
	}
	if !advanced {
		return nil, manager.rejectFactor(context, userID, "replayed_code")
	}

	manager.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionTOTPVerified,
		Risk:    audit.RiskLow,
		Details: map[string]any{"method": MethodTOTP},
	})

	return &Verification{Method: MethodTOTP, RemainingBackupCodes: len(enrollment.BackupCodes)}, nil
}

func (manager *Manager) consumeBackupCode(context context.Context, enrollment *Enrollment, code string) (*Verification, error) {
	hash := hashBackupCode(enrollment.UserID, code)

	// Scan the whole list so the comparison time does not depend on the match position.
	found := 0
	for _, stored := range enrollment.BackupCodes {
		found |= subtle.ConstantTimeCompare([]byte(stored), []byte(hash))
	}
	if found != 1 {
		return nil, manager.rejectFactor(context, enrollment.UserID, "invalid_backup_code")
	}

	remaining, consumed, err := manager.repository.ConsumeBackupCode(context, enrollment.UserID, hash)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, manager.rejectFactor(context, enrollment.UserID, "backup_code_already_used")
	}

	risk := audit.RiskMedium
	if remaining <= 2 {
		risk = audit.RiskHigh
	}
	manager.audit.Log(context, audit.Entry{
		ActorID: &enrollment.UserID,
		Action:  audit.ActionBackupCodeUsed,
		Risk:    risk,
		Details: map[string]any{"remaining": remaining},
	})

	return &Verification{Method: MethodBackupCode, RemainingBackupCodes: remaining}, nil
}

/*
Disable removes the enrollment so the user must enroll again.

Called after password reset and password change. Safe to call when the user
never enrolled.
*/
func (manager *Manager) Disable(context context.Context, userID string) error {
	enrollment, err := manager.repository.Find(context, userID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil
		}
		return err
	}

	if err := manager.repository.Delete(context, userID); err != nil {
		return err
	}

	manager.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionTOTPDisabled,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"was_enabled": enrollment.Enabled},
	})

	return nil
}

/*
RegenerateBackupCodes replaces every backup code after re-verifying a TOTP code.

Returns:
  - []string: New plaintext codes, shown once
  - error: AUTHENTICATION_ERROR on a wrong or replayed code
*/
func (manager *Manager) RegenerateBackupCodes(context context.Context, userID, code string) ([]string, error) {
	if _, err := manager.VerifyFactor(context, userID, code, false); err != nil {
		return nil, err
	}

	codes, hashes, err := newBackupCodes(userID)
	if err != nil {
		return nil, fmt.Errorf("totp_manager_backup_codes_failed: %w", err)
	}

	if err := manager.repository.ReplaceBackupCodes(context, userID, hashes); err != nil {
		return nil, err
	}

	manager.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionBackupCodesRegenerated,
		Risk:    audit.RiskMedium,
	})

	return codes, nil
}

// Status reports the enrollment state of userID.
func (manager *Manager) Status(context context.Context, userID string) (*Status, error) {
	enrollment, err := manager.repository.Find(context, userID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return &Status{}, nil
		}
		return nil, err
	}

	enrolledAt := enrollment.EnrolledAt
	return &Status{
		Enabled:              enrollment.Enabled,
		Pending:              !enrollment.Enabled,
		EnrolledAt:           &enrolledAt,
		RemainingBackupCodes: len(enrollment.BackupCodes),
	}, nil
}

// # Helpers

// match returns the time-step counter a code was generated for, checking the
// current step and Skew steps either side.
func (manager *Manager) match(secret, code string) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != int(otp.DigitsSix) {
		return 0, false
	}

	current := manager.now().Unix() / Period
	for offset := int64(-Skew); offset <= Skew; offset++ {
		counter := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(counter*Period, 0), validateOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return counter, true
		}
	}

	return 0, false
}

func (manager *Manager) rejectFactor(context context.Context, userID, reason string) error {
	manager.audit.Log(context, audit.Entry{
		ActorID: &userID,
		Action:  audit.ActionTOTPVerifyFailed,
		Risk:    audit.RiskMedium,
		Details: map[string]any{"reason": reason},
	})
	return apperr.Unauthorized("Invalid verification code")
}

// newBackupCodes returns display codes and their storage hashes.
func newBackupCodes(userID string) ([]string, []string, error) {
	codes := make([]string, 0, BackupCodeCount)
	hashes := make([]string, 0, BackupCodeCount)
	seen := make(map[string]struct{}, BackupCodeCount)

	buffer := make([]byte, backupCodeLength)
	for len(codes) < BackupCodeCount {
		if _, err := rand.Read(buffer); err != nil {
			return nil, nil, err
		}

		raw := make([]byte, backupCodeLength)
		for i, b := range buffer {
			raw[i] = backupCodeAlphabet[b&31]
		}

		canonical := string(raw)
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}

		codes = append(codes, canonical[:5]+"-"+canonical[5:])
		hashes = append(hashes, hashBackupCode(userID, canonical))
	}

	return codes, hashes, nil
}

// hashBackupCode binds the code to its owner so equal codes of two users hash differently.
func hashBackupCode(userID, code string) string {
	canonical := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(code))
	sum := sha256.Sum256([]byte(userID + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package audit records security events in an append-only trail.

# Delivery

[Logger.Log] never fails from the caller's point of view. It writes to the
primary [Store] on a context detached from request cancellation, retries once,
and finally writes the entry as a JSON line to a local fallback sink so that a
security event is never dropped. A persisted entry is then handed to an
optional [Publisher] for SIEM fan-out.

Entries are a sink. No enforcement code reads them back.
*/
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/constants"
	"github.com/taibuivan/portalcore/internal/platform/ctxutil"
	"github.com/taibuivan/portalcore/internal/platform/obs"
	"github.com/taibuivan/portalcore/pkg/ids"
)

// # Risk Levels

// Risk is the coarse severity of an entry.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Rank orders risks for filtering. Unknown risks rank 0.
func (r Risk) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast returns every risk ranked at or above r.
func (r Risk) AtLeast() []Risk {
	var risks []Risk
	for _, candidate := range []Risk{RiskLow, RiskMedium, RiskHigh, RiskCritical} {
		if candidate.Rank() >= r.Rank() {
			risks = append(risks, candidate)
		}
	}
	return risks
}

// # Event Names

const (
	ActionLoginSucceeded         = "login_succeeded"
	ActionLoginFailed            = "login_failed"
	ActionLoginTOTPRequired      = "login_totp_required"
	ActionUserRegistered         = "user_registered"
	ActionSessionRefreshed       = "session_refreshed"
	ActionRefreshFailed          = "refresh_failed"
	ActionRefreshTokenReuse      = "refresh_token_reuse"
	ActionLogout                 = "logout"
	ActionSessionRevoked         = "session_revoked"
	ActionAllSessionsRevoked     = "all_sessions_revoked"
	ActionTOTPEnrollmentStarted  = "totp_enrollment_started"
	ActionTOTPEnrollmentFailed   = "totp_enrollment_failed"
	ActionTOTPEnabled            = "totp_enabled"
	ActionTOTPVerified           = "totp_verified"
	ActionTOTPVerifyFailed       = "totp_verify_failed"
	ActionBackupCodeUsed         = "backup_code_used"
	ActionBackupCodesRegenerated = "backup_codes_regenerated"
	ActionTOTPDisabled           = "totp_disabled"
	ActionPasswordResetRequested = "password_reset_requested"
	ActionPasswordResetCompleted = "password_reset_completed"
	ActionPasswordResetFailed    = "password_reset_failed"
	ActionPasswordChanged        = "password_changed"
	ActionPasswordChangeFailed   = "password_change_failed"
	ActionAuthenticationFailed   = "authentication_failed"
	ActionTOTPGateBlocked        = "totp_gate_blocked"
	ActionPermissionDenied       = "permission_denied"
	ActionRateLimitExceeded      = "rate_limit_exceeded"
	ActionUserUpdated            = "user_updated"
	ActionUserAccessChanged      = "user_access_changed"
	ActionUserDeactivated        = "user_deactivated"
	ActionInvitationIssued       = "invitation_issued"
	ActionStoreUnavailable       = "store_unavailable"
)

// # Entry

// Entry is one security event.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   *string        `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Risk      Risk           `json:"risk"`
	RequestID string         `json:"request_id,omitempty"`
}

/*
StoreFailure builds the high-risk entry for a backing store that failed while
operation was running. Only the error code is recorded, never the cause text.
*/
func StoreFailure(actorID *string, operation string, err error) Entry {
	return Entry{
		ActorID: actorID,
		Action:  ActionStoreUnavailable,
		Risk:    RiskHigh,
		Details: map[string]any{"operation": operation, "code": apperr.CodeOf(err)},
	}
}

// # Contracts

// Store persists entries. Implementations must be append-only.
type Store interface {

	/*
		Insert appends one entry.

		Parameters:
		  - context: context.Context
		  - entry: Entry

		Returns:
		  - error: Persistence failures
	*/
	Insert(context context.Context, entry Entry) error
}

// Publisher forwards persisted entries to an external consumer.
type Publisher interface {
	Publish(context context.Context, entry Entry) error
}

// # Logger

// Logger is the audit entry point shared by every security component.
type Logger struct {
	store     Store
	publisher Publisher
	fallback  *slog.Logger
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// Option configures a [Logger].
type Option func(*Logger)

// WithPublisher forwards every persisted entry to publisher.
func WithPublisher(publisher Publisher) Option {
	return func(logger *Logger) { logger.publisher = publisher }
}

// WithFallback replaces the stderr fallback sink.
func WithFallback(fallback *slog.Logger) Option {
	return func(logger *Logger) { logger.fallback = fallback }
}

// WithTimeout bounds each store attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(logger *Logger) { logger.timeout = timeout }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(logger *Logger) { logger.now = now }
}

// NewLogger constructs an audit logger over store.
//
// The application logger receives store and publish failures; the fallback
// sink receives entries that could not be persisted.
func NewLogger(store Store, logger *slog.Logger, opts ...Option) *Logger {
	audit := &Logger{
		store:    store,
		logger:   logger,
		fallback: NewFallbackLogger(),
		timeout:  constants.StoreTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(audit)
	}
	return audit
}

/*
Log records entry and returns once it is persisted or written to the fallback sink.

Missing id, timestamp, actor, client info and request id are filled from ctx.
Cancellation of ctx does not abort the write.
*/
func (audit *Logger) Log(ctx context.Context, entry Entry) {
	entry = audit.complete(ctx, entry)

	detached := context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = audit.insert(detached, entry)
		if err == nil {
			obs.AuditWrites.WithLabelValues("stored").Inc()
			audit.publish(detached, entry)
			return
		}
	}

	obs.AuditWrites.WithLabelValues("fallback").Inc()
	audit.logger.Error("audit_store_failed", slog.String("action", entry.Action), slog.Any("error", err))
	audit.fallback.LogAttrs(detached, slog.LevelWarn, "audit_fallback", entryAttrs(entry)...)
}

func (audit *Logger) insert(ctx context.Context, entry Entry) error {
	attemptCtx, cancel := context.WithTimeout(ctx, audit.timeout)
	defer cancel()
	return audit.store.Insert(attemptCtx, entry)
}

func (audit *Logger) publish(ctx context.Context, entry Entry) {
	if audit.publisher == nil {
		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, audit.timeout)
	defer cancel()

	if err := audit.publisher.Publish(publishCtx, entry); err != nil {
		obs.AuditWrites.WithLabelValues("publish_failed").Inc()
		audit.logger.Warn("audit_publish_failed", slog.String("id", entry.ID), slog.Any("error", err))
	}
}

func (audit *Logger) complete(ctx context.Context, entry Entry) Entry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = audit.now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.Timestamp)
	}
	if entry.Risk == "" {
		entry.Risk = RiskLow
	}
	if entry.ActorID == nil {
		entry.ActorID = ctxutil.ActorID(ctx)
	}

	client := ctxutil.GetClientInfo(ctx)
	if entry.IP == "" {
		entry.IP = client.IP
	}
	if entry.UserAgent == "" {
		entry.UserAgent = client.UserAgent
	}
	if entry.RequestID == "" {
		entry.RequestID = ctxutil.GetRequestID(ctx)
	}

	return entry
}

// NewFallbackLogger returns the JSON-lines sink on stderr used when the store is down.
func NewFallbackLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(slog.String("sink", "security_audit"))
}

func entryAttrs(entry Entry) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("id", entry.ID),
		slog.Time("timestamp", entry.Timestamp),
		slog.String("action", entry.Action),
		slog.String("risk", string(entry.Risk)),
		slog.String("ip", entry.IP),
		slog.String("user_agent", entry.UserAgent),
		slog.String("request_id", entry.RequestID),
		slog.Any("details", entry.Details),
	}
	if entry.ActorID != nil {
		attrs = append(attrs, slog.String("actor_id", *entry.ActorID))
	}
	return attrs
}

// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package ratelimit implements the fixed-window brute-force guard.

Every call is one atomic increment-and-read on a [Store]. A window starts on
the first hit for a key and resets lazily once it has elapsed, so a caller is
never blocked after the window rolls over.

# Failure Policy

The limiter fails open: when the store is unreachable the request is allowed,
logged and counted. Counters are not the last line of defence and losing them
on restart is acceptable.
*/
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/config"
	"github.com/taibuivan/portalcore/internal/platform/constants"
	"github.com/taibuivan/portalcore/internal/platform/obs"
)

// # Identifiers

// Kind selects which attribute of the caller a counter is keyed on.
type Kind string

const (
	KindIP       Kind = "ip"
	KindEmail    Kind = "email"
	KindUserPath Kind = "user_path"
)

// Identifier is the composite identity a counter belongs to.
type Identifier struct {
	Kind  Kind
	Value string
}

// ByIP keys anonymous actions on the client address.
func ByIP(ip string) Identifier {
	return Identifier{Kind: KindIP, Value: ip}
}

// ByEmail keys per-account throttling. The address is case-folded.
func ByEmail(email string) Identifier {
	return Identifier{Kind: KindEmail, Value: strings.ToLower(strings.TrimSpace(email))}
}

// ByUserPath keys authenticated traffic on user and route.
func ByUserPath(userID, path string) Identifier {
	return Identifier{Kind: KindUserPath, Value: userID + ":" + path}
}

// # Policies

// Action names used as the first key segment and metric label.
const (
	ActionLogin         = "login"
	ActionRegister      = "register"
	ActionRefresh       = "refresh"
	ActionPasswordReset = "password_reset"
	ActionTOTPVerify    = "totp_verify"
	ActionAPI           = "api"
)

// Policy is a caller-supplied limit for one action.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// Policies is the per-endpoint table used by the auth flows and the guard.
type Policies struct {
	LoginIP       Policy
	LoginEmail    Policy
	Register      Policy
	Refresh       Policy
	PasswordReset Policy
	TOTPVerify    Policy
	Authenticated Policy
}

// PoliciesFromConfig builds the table from environment configuration.
func PoliciesFromConfig(limits config.RateLimits) Policies {
	return Policies{
		LoginIP:       Policy{Action: ActionLogin, Limit: limits.LoginIPLimit, Window: limits.LoginIPWindow},
		LoginEmail:    Policy{Action: ActionLogin, Limit: limits.LoginEmailLimit, Window: limits.LoginEmailWindow},
		Register:      Policy{Action: ActionRegister, Limit: limits.RegisterLimit, Window: limits.RegisterWindow},
		Refresh:       Policy{Action: ActionRefresh, Limit: limits.RefreshLimit, Window: limits.RefreshWindow},
		PasswordReset: Policy{Action: ActionPasswordReset, Limit: limits.PasswordResetLimit, Window: limits.PasswordResetWindow},
		TOTPVerify:    Policy{Action: ActionTOTPVerify, Limit: limits.TOTPVerifyLimit, Window: limits.TOTPVerifyWindow},
		Authenticated: Policy{Action: ActionAPI, Limit: limits.AuthenticatedLimit, Window: limits.AuthenticatedWindow},
	}
}

// # Decisions

// Decision is the outcome of one [Limiter.Consume] call.
type Decision struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time

	// Degraded is set when the store failed and the call was allowed anyway.
	Degraded bool
}

// Store performs the single atomic operation the limiter needs.
type Store interface {

	/*
		Increment adds one hit to key, starting a new window when none is active.

		Parameters:
		  - context: context.Context
		  - key: string
		  - window: time.Duration

		Returns:
		  - int64: Hits in the current window, including this one
		  - time.Time: When the current window ends
		  - error: Store failures
	*/
	Increment(context context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// RejectHook is called exactly once for every denied call.
type RejectHook func(ctx context.Context, id Identifier, policy Policy, decision Decision)

// # Limiter

// Limiter applies policies against a [Store].
type Limiter struct {
	store    Store
	logger   *slog.Logger
	onReject RejectHook
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithRejectHook registers fn to observe denials (the audit log uses this).
func WithRejectHook(fn RejectHook) Option {
	return func(limiter *Limiter) { limiter.onReject = fn }
}

// NewLimiter constructs a limiter over store.
func NewLimiter(store Store, logger *slog.Logger, opts ...Option) *Limiter {
	limiter := &Limiter{store: store, logger: logger}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter
}

// Key returns the storage key for id under policy.
func Key(id Identifier, policy Policy) string {
	return constants.RedisPrefixRateLimit + policy.Action + ":" + string(id.Kind) + ":" + id.Value
}

/*
Consume counts one hit against id under policy.

A policy with a non-positive limit or window is treated as disabled.
*/
func (limiter *Limiter) Consume(ctx context.Context, id Identifier, policy Policy) Decision {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return Decision{Allowed: true}
	}

	count, resetAt, err := limiter.store.Increment(ctx, Key(id, policy), policy.Window)
	if err != nil {
		obs.RateLimitStoreErrors.WithLabelValues(policy.Action).Inc()
		limiter.logger.Warn("rate_limit_store_failed",
			slog.String("action", policy.Action),
			slog.String("kind", string(id.Kind)),
			slog.Any("error", err),
		)
		return Decision{Allowed: true, Degraded: true}
	}

	decision := Decision{
		Allowed:   count <= int64(policy.Limit),
		Count:     count,
		Remaining: max(int64(policy.Limit)-count, 0),
		ResetAt:   resetAt,
	}

	if !decision.Allowed {
		obs.RateLimitRejections.WithLabelValues(policy.Action).Inc()
		if limiter.onReject != nil {
			limiter.onReject(ctx, id, policy, decision)
		}
	}

	return decision
}

// Enforce is [Limiter.Consume] returning RATE_LIMIT_EXCEEDED on denial.
func (limiter *Limiter) Enforce(ctx context.Context, id Identifier, policy Policy) error {
	decision := limiter.Consume(ctx, id, policy)
	if decision.Allowed {
		return nil
	}
	return apperr.RateLimitExceeded(decision.ResetAt).
		WithCause(fmt.Errorf("ratelimit: %s exceeded for %s (%d/%d)", policy.Action, id.Kind, decision.Count, policy.Limit))
}

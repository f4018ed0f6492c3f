// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package guard composes the security core for every privileged request.

# Flow

 1. Extract the bearer token and verify it without touching storage.
 2. Load the account; inactive or missing accounts are rejected.
 3. Count the request against the caller's per-route policy.
 4. Block sessions that still owe a second factor (the TOTP gate).
 5. Inject claims and account into the request context.

Handlers then call [Guard.Authorize] for the record they touch. Every
rejection along the way is written to the audit log exactly once.
*/
package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/ctxutil"
	"github.com/taibuivan/portalcore/internal/platform/obs"
	requestutil "github.com/taibuivan/portalcore/internal/platform/request"
	"github.com/taibuivan/portalcore/internal/platform/respond"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/permission"
	"github.com/taibuivan/portalcore/internal/security/ratelimit"
	"github.com/taibuivan/portalcore/internal/users/auth"
)

// # Contracts

// TokenVerifier resolves an access token to its claims.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*sec.AuthClaims, error)
}

// UserFinder loads the account behind a token.
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*auth.User, error)
}

// Limiter throttles authenticated traffic.
type Limiter interface {
	Enforce(ctx context.Context, id ratelimit.Identifier, policy ratelimit.Policy) error
}

// Auditor receives rejection events.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry)
}

// errAccountInactive marks tokens whose account was deactivated or removed.
var errAccountInactive = errors.New("guard: account inactive")

// TargetFunc extracts the record a request touches.
type TargetFunc func(request *http.Request) (permission.Target, error)

// # Guard

// Dependencies lists the collaborators of [Guard].
type Dependencies struct {
	Tokens  TokenVerifier
	Users   UserFinder
	Engine  *permission.Engine
	Limiter Limiter
	Policy  ratelimit.Policy
	Audit   Auditor
	Logger  *slog.Logger
}

// Guard is the composition root collaborators call into.
type Guard struct {
	tokens  TokenVerifier
	users   UserFinder
	engine  *permission.Engine
	limiter Limiter
	policy  ratelimit.Policy
	audit   Auditor
	logger  *slog.Logger
}

// New constructs a [Guard].
func New(deps Dependencies) *Guard {
	engine := deps.Engine
	if engine == nil {
		engine = permission.NewEngine(nil)
	}
	return &Guard{
		tokens:  deps.Tokens,
		users:   deps.Users,
		engine:  engine,
		limiter: deps.Limiter,
		policy:  deps.Policy,
		audit:   deps.Audit,
		logger:  deps.Logger,
	}
}

/*
CurrentUser resolves the caller of a request.

Returns:
  - *auth.User, *sec.AuthClaims: nil, nil when no Authorization header is present
  - error: INVALID_TOKEN, TOKEN_EXPIRED, or AUTHENTICATION_ERROR for inactive accounts
*/
func (guard *Guard) CurrentUser(request *http.Request) (*auth.User, *sec.AuthClaims, error) {
	token, err := requestutil.BearerToken(request)
	if err != nil {
		return nil, nil, err
	}
	if token == "" {
		return nil, nil, nil
	}

	claims, err := guard.tokens.VerifyAccessToken(token)
	if err != nil {
		return nil, nil, err
	}

	user, err := guard.users.FindByID(request.Context(), claims.UserID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, nil, apperr.Unauthorized("Account is not active").WithCause(errAccountInactive)
		}
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, apperr.Unauthorized("Account is not active").WithCause(errAccountInactive)
	}

	return user, claims, nil
}

// Authenticated admits fully authenticated callers only.
func (guard *Guard) Authenticated(next http.Handler) http.Handler {
	return guard.chain(next, true)
}

// AllowPending admits callers whose session still owes a second factor.
func (guard *Guard) AllowPending(next http.Handler) http.Handler {
	return guard.chain(next, false)
}

func (guard *Guard) chain(next http.Handler, enforceTOTP bool) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()

		// ── 1. Identity ───────────────────────────────────────────────────
		user, claims, err := guard.CurrentUser(request)
		if err == nil && user == nil {
			err = apperr.Unauthorized("Authentication required")
		}
		if err != nil {
			if !isCredentialFailure(err) {
				guard.audit.Log(ctx, audit.StoreFailure(nil, "authenticate", err))
				respond.Error(writer, request, err)
				return
			}
			guard.audit.Log(ctx, audit.Entry{
				Action:  audit.ActionAuthenticationFailed,
				Risk:    authenticationRisk(err),
				Details: map[string]any{"path": request.URL.Path, "code": apperr.CodeOf(err)},
			})
			respond.Error(writer, request, err)
			return
		}

		// ── 2. Throttling ─────────────────────────────────────────────────
		// Rejections are audited by the limiter hook.
		if err := guard.limiter.Enforce(ctx, ratelimit.ByUserPath(user.ID, request.URL.Path), guard.policy); err != nil {
			respond.Error(writer, request, err)
			return
		}

		// ── 3. Second Factor Gate ─────────────────────────────────────────
		if enforceTOTP && user.TOTPEnabled && !claims.Elevated {
			guard.audit.Log(ctx, audit.Entry{
				ActorID: &user.ID,
				Action:  audit.ActionTOTPGateBlocked,
				Risk:    audit.RiskMedium,
				Details: map[string]any{"path": request.URL.Path, "session_id": claims.SessionID},
			})
			respond.Error(writer, request, apperr.TOTPRequired("Two-factor verification required"))
			return
		}

		// ── 4. Context Injection ──────────────────────────────────────────
		ctx = ctxutil.WithAuthUser(ctx, claims)
		ctx = auth.WithUser(ctx, user)
		next.ServeHTTP(writer, request.WithContext(ctx))
	})
}

/*
Authorize evaluates user acting on target and audits a denial.

Cross-region denials are logged at high risk, every other denial at medium.

Returns:
  - error: FORBIDDEN carrying a [*permission.Error] cause
*/
func (guard *Guard) Authorize(ctx context.Context, user *auth.User, resource permission.Resource, action permission.Action, target permission.Target) error {
	if user == nil {
		return apperr.Unauthorized("Authentication required")
	}

	evaluation := permission.For(user.Principal(), resource, action, target)
	decision := guard.engine.Authorize(evaluation)
	if decision.Allowed {
		return nil
	}

	risk := audit.RiskMedium
	if decision.CrossRegion() {
		risk = audit.RiskHigh
	}

	obs.AuthorizationDenials.WithLabelValues(string(resource), string(action)).Inc()
	guard.audit.Log(ctx, audit.Entry{
		ActorID: &user.ID,
		Action:  audit.ActionPermissionDenied,
		Risk:    risk,
		Details: map[string]any{
			"resource":      resource,
			"action":        action,
			"reason":        decision.Reason,
			"target_user":   target.UserID,
			"target_region": target.RegionID,
		},
	})

	permissionErr := &permission.Error{Context: evaluation, Reason: decision.Reason}
	guard.logger.Debug("permission_denied", slog.String("detail", permissionErr.Error()))

	return apperr.Forbidden("You do not have permission to perform this action").WithCause(permissionErr)
}

/*
Protect authenticates, then authorizes resource/action against the target
extracted by targetFn. A nil targetFn checks the matrix only.
*/
func (guard *Guard) Protect(resource permission.Resource, action permission.Action, targetFn TargetFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		authorized := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			var target permission.Target
			if targetFn != nil {
				resolved, err := targetFn(request)
				if err != nil {
					respond.Error(writer, request, err)
					return
				}
				target = resolved
			}

			user := auth.UserFromContext(request.Context())
			if err := guard.Authorize(request.Context(), user, resource, action, target); err != nil {
				respond.Error(writer, request, err)
				return
			}

			next.ServeHTTP(writer, request)
		})
		return guard.Authenticated(authorized)
	}
}

// # Rate Limit Auditing

/*
RateLimitAuditor returns a limiter hook that records every denial.

Email identifiers are stored hashed so the audit log does not collect
addresses of accounts that may not exist.
*/
func RateLimitAuditor(auditor Auditor) ratelimit.RejectHook {
	return func(ctx context.Context, id ratelimit.Identifier, policy ratelimit.Policy, decision ratelimit.Decision) {
		value := id.Value
		if id.Kind == ratelimit.KindEmail {
			value = sec.HashToken(value)
		}

		auditor.Log(ctx, audit.Entry{
			Action: audit.ActionRateLimitExceeded,
			Risk:   audit.RiskMedium,
			Details: map[string]any{
				"policy":     policy.Action,
				"kind":       id.Kind,
				"identifier": value,
				"limit":      policy.Limit,
				"count":      decision.Count,
				"reset_at":   decision.ResetAt,
			},
		})
	}
}

// # Helpers

// isCredentialFailure separates rejected credentials from storage outages.
func isCredentialFailure(err error) bool {
	return apperr.HasCode(err, apperr.CodeAuthentication) ||
		apperr.HasCode(err, apperr.CodeInvalidToken) ||
		apperr.HasCode(err, apperr.CodeTokenExpired)
}

// authenticationRisk grades a rejected credential: forged tokens and dead
// accounts are medium, missing or expired tokens are routine.
func authenticationRisk(err error) audit.Risk {
	if apperr.HasCode(err, apperr.CodeInvalidToken) || errors.Is(err, errAccountInactive) {
		return audit.RiskMedium
	}
	return audit.RiskLow
}

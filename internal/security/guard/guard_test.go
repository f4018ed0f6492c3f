// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package guard_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/ctxutil"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/guard"
	"github.com/taibuivan/portalcore/internal/security/permission"
	"github.com/taibuivan/portalcore/internal/security/ratelimit"
	"github.com/taibuivan/portalcore/internal/users/auth"
)

// # Fakes

type tokenTable map[string]*sec.AuthClaims

func (table tokenTable) VerifyAccessToken(token string) (*sec.AuthClaims, error) {
	if token == "expired" {
		return nil, apperr.TokenExpired()
	}
	claims, ok := table[token]
	if !ok {
		return nil, apperr.InvalidToken("Invalid access token")
	}
	return claims, nil
}

type userTable map[string]*auth.User

func (table userTable) FindByID(_ context.Context, id string) (*auth.User, error) {
	user, ok := table[id]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	return user, nil
}

type unavailableUsers struct{}

func (unavailableUsers) FindByID(context.Context, string) (*auth.User, error) {
	return nil, apperr.DatabaseUnavailable(errors.New("dial tcp: connection refused"))
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (auditor *recordingAuditor) Log(_ context.Context, entry audit.Entry) {
	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	auditor.entries = append(auditor.entries, entry)
}

func (auditor *recordingAuditor) all() []audit.Entry {
	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	return append([]audit.Entry(nil), auditor.entries...)
}

// # Fixture

type fixture struct {
	guard   *guard.Guard
	auditor *recordingAuditor
}

func newFixture(t *testing.T, policy ratelimit.Policy) *fixture {
	t.Helper()

	company := "acme"
	users := userTable{
		"u-student": {ID: "u-student", Role: sec.RoleStudent, HomeRegionID: "FUK", IsActive: true},
		"u-totp":    {ID: "u-totp", Role: sec.RoleStudent, HomeRegionID: "FUK", IsActive: true, TOTPEnabled: true},
		"u-gone":    {ID: "u-gone", Role: sec.RoleStudent, HomeRegionID: "FUK", IsActive: false},
		"u-secret":  {ID: "u-secret", Role: sec.RoleSecretariat, HomeRegionID: "FUK", Regions: []string{"TYO"}, IsActive: true},
		"u-company": {ID: "u-company", Role: sec.RoleCompanyAdmin, HomeRegionID: "FUK", CompanyID: &company, IsActive: true},
	}
	tokens := tokenTable{
		"student":         {UserID: "u-student", SessionID: "s-1"},
		"totp-pending":    {UserID: "u-totp", SessionID: "s-2"},
		"totp-elevated":   {UserID: "u-totp", SessionID: "s-3", Elevated: true},
		"gone":            {UserID: "u-gone", SessionID: "s-4"},
		"secretariat":     {UserID: "u-secret", SessionID: "s-5"},
		"company":         {UserID: "u-company", SessionID: "s-6"},
		"deleted-someone": {UserID: "u-missing", SessionID: "s-7"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := &recordingAuditor{}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(time.Now), logger,
		ratelimit.WithRejectHook(guard.RateLimitAuditor(auditor)))

	return &fixture{
		auditor: auditor,
		guard: guard.New(guard.Dependencies{
			Tokens:  tokens,
			Users:   users,
			Limiter: limiter,
			Policy:  policy,
			Audit:   auditor,
			Logger:  logger,
		}),
	}
}

func request(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/protected", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// echoHandler replies 200 with the id of the injected account.
func echoHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		claims := ctxutil.GetAuthUser(r.Context())
		require.NotNil(t, user)
		require.NotNil(t, claims)
		assert.Equal(t, user.ID, claims.UserID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(user.ID))
	})
}

// # Tests

/*
TestGuard_Authenticated covers each rejection of the middleware chain and the
single audit entry it produces.
*/
func TestGuard_Authenticated(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		token      string
		wantStatus int
		wantAction string
		wantRisk   audit.Risk
	}{
		{name: "valid token", token: "student", wantStatus: http.StatusOK},
		{name: "missing token", wantStatus: http.StatusUnauthorized, wantAction: audit.ActionAuthenticationFailed, wantRisk: audit.RiskLow},
		{name: "malformed header", header: "Token abc", wantStatus: http.StatusUnauthorized, wantAction: audit.ActionAuthenticationFailed, wantRisk: audit.RiskMedium},
		{name: "forged token", token: "forged", wantStatus: http.StatusUnauthorized, wantAction: audit.ActionAuthenticationFailed, wantRisk: audit.RiskMedium},
		{name: "expired token", token: "expired", wantStatus: http.StatusUnauthorized, wantAction: audit.ActionAuthenticationFailed, wantRisk: audit.RiskLow},
		{name: "inactive account", token: "gone", wantStatus: http.StatusUnauthorized, wantAction: audit.ActionAuthenticationFailed, wantRisk: audit.RiskMedium},
		{name: "deleted account", token: "deleted-someone", wantStatus: http.StatusUnauthorized, wantAction: audit.ActionAuthenticationFailed, wantRisk: audit.RiskMedium},
		{name: "second factor pending", token: "totp-pending", wantStatus: http.StatusPreconditionRequired, wantAction: audit.ActionTOTPGateBlocked, wantRisk: audit.RiskMedium},
		{name: "second factor satisfied", token: "totp-elevated", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ratelimit.Policy{})
			req := request(tt.token)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			f.guard.Authenticated(echoHandler(t)).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			entries := f.auditor.all()
			if tt.wantAction == "" {
				assert.Empty(t, entries)
				return
			}
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantAction, entries[0].Action)
			assert.Equal(t, tt.wantRisk, entries[0].Risk)
		})
	}
}

/*
TestGuard_AllowPending lets a session that owes a second factor through.
*/
func TestGuard_AllowPending(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{})
	rec := httptest.NewRecorder()

	f.guard.AllowPending(echoHandler(t)).ServeHTTP(rec, request("totp-pending"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-totp", rec.Body.String())
	assert.Empty(t, f.auditor.all())
}

/*
TestGuard_RateLimit throttles per user and path once the policy is exhausted.
*/
func TestGuard_RateLimit(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{Action: ratelimit.ActionAPI, Limit: 2, Window: time.Minute})
	handler := f.guard.Authenticated(echoHandler(t))

	for range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request("student"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("student"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	entries := f.auditor.all()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRateLimitExceeded, entries[0].Action)
	assert.Equal(t, ratelimit.ActionAPI, entries[0].Details["policy"])

	// Another caller has its own counter.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request("secretariat"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

/*
TestGuard_CurrentUser returns no identity and no error for anonymous requests.
*/
func TestGuard_CurrentUser(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{})

	user, claims, err := f.guard.CurrentUser(request(""))
	assert.NoError(t, err)
	assert.Nil(t, user)
	assert.Nil(t, claims)

	user, claims, err = f.guard.CurrentUser(request("secretariat"))
	require.NoError(t, err)
	assert.Equal(t, sec.RoleSecretariat, user.Role)
	assert.Equal(t, "s-5", claims.SessionID)
}

/*
TestGuard_Authorize audits denials with region violations graded higher.
*/
func TestGuard_Authorize(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{})
	users := map[string]*auth.User{}
	for _, token := range []string{"student", "secretariat", "company"} {
		user, _, err := f.guard.CurrentUser(request(token))
		require.NoError(t, err)
		users[token] = user
	}

	other := "u-other"
	osaka := "OSA"
	tokyo := "TYO"
	acme := "acme"
	globex := "globex"

	tests := []struct {
		name     string
		user     *auth.User
		resource permission.Resource
		action   permission.Action
		target   permission.Target
		wantRisk audit.Risk
	}{
		{"secretariat in extra region", users["secretariat"], permission.ResourceUser, permission.ActionUpdate, permission.Target{RegionID: &tokyo}, ""},
		{"secretariat outside regions", users["secretariat"], permission.ResourceUser, permission.ActionRead, permission.Target{RegionID: &osaka}, audit.RiskHigh},
		{"student edits someone else", users["student"], permission.ResourceUser, permission.ActionUpdate, permission.Target{UserID: &other}, audit.RiskMedium},
		{"student reads audit log", users["student"], permission.ResourceAuditLog, permission.ActionRead, permission.Target{}, audit.RiskMedium},
		{"company admin own company", users["company"], permission.ResourceUser, permission.ActionUpdate, permission.Target{CompanyID: &acme}, ""},
		{"company admin other company", users["company"], permission.ResourceUser, permission.ActionUpdate, permission.Target{CompanyID: &globex}, audit.RiskMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.auditor.all())
			err := f.guard.Authorize(context.Background(), tt.user, tt.resource, tt.action, tt.target)
			entries := f.auditor.all()[before:]

			if tt.wantRisk == "" {
				assert.NoError(t, err)
				assert.Empty(t, entries)
				return
			}

			assert.True(t, apperr.HasCode(err, apperr.CodeForbidden))
			var permissionErr *permission.Error
			assert.ErrorAs(t, err, &permissionErr)
			require.Len(t, entries, 1)
			assert.Equal(t, audit.ActionPermissionDenied, entries[0].Action)
			assert.Equal(t, tt.wantRisk, entries[0].Risk)
		})
	}
}

/*
TestGuard_Protect authenticates and authorizes in one middleware.
*/
func TestGuard_Protect(t *testing.T) {
	f := newFixture(t, ratelimit.Policy{})
	middleware := f.guard.Protect(permission.ResourceAuditLog, permission.ActionRead, nil)
	handler := middleware(echoHandler(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request("secretariat"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request("student"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	failing := f.guard.Protect(permission.ResourceUser, permission.ActionRead, func(*http.Request) (permission.Target, error) {
		return permission.Target{}, apperr.NotFound("User")
	})
	rec = httptest.NewRecorder()
	failing(echoHandler(t)).ServeHTTP(rec, request("secretariat"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

/*
TestGuard_StoreUnavailable audits a failing account lookup at high risk and
answers 500 without recording an authentication failure.
*/
func TestGuard_StoreUnavailable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auditor := &recordingAuditor{}
	g := guard.New(guard.Dependencies{
		Tokens:  tokenTable{"student": {UserID: "u-student", SessionID: "s-1"}},
		Users:   unavailableUsers{},
		Limiter: ratelimit.NewLimiter(ratelimit.NewMemoryStore(time.Now), logger),
		Audit:   auditor,
		Logger:  logger,
	})

	rec := httptest.NewRecorder()
	g.Authenticated(echoHandler(t)).ServeHTTP(rec, request("student"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	entries := auditor.all()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionStoreUnavailable, entries[0].Action)
	assert.Equal(t, audit.RiskHigh, entries[0].Risk)
	assert.Equal(t, apperr.CodeDatabaseUnavailable, entries[0].Details["code"])
	assert.Equal(t, "authenticate", entries[0].Details["operation"])
}

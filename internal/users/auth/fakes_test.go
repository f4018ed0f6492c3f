// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/security/audit"
	"github.com/taibuivan/portalcore/internal/security/ratelimit"
	"github.com/taibuivan/portalcore/internal/users/auth"
	"github.com/taibuivan/portalcore/internal/users/totp"
)

// # Users

type memoryUsers struct {
	mu   sync.Mutex
	rows map[string]*auth.User
	// failure, when set, is returned by every lookup.
	failure error
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{rows: map[string]*auth.User{}}
}

func (users *memoryUsers) FindByID(_ context.Context, id string) (*auth.User, error) {
	users.mu.Lock()
	defer users.mu.Unlock()

	if users.failure != nil {
		return nil, users.failure
	}

	user, ok := users.rows[id]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	copied := *user
	return &copied, nil
}

func (users *memoryUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	users.mu.Lock()
	defer users.mu.Unlock()

	if users.failure != nil {
		return nil, users.failure
	}

	for _, user := range users.rows {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("User")
}

func (users *memoryUsers) Create(_ context.Context, user *auth.User) error {
	users.mu.Lock()
	defer users.mu.Unlock()

	for _, existing := range users.rows {
		if existing.Email == user.Email {
			return apperr.EmailExists()
		}
	}
	copied := *user
	users.rows[user.ID] = &copied
	return nil
}

func (users *memoryUsers) UpdateProfile(_ context.Context, id, displayName string) (*auth.User, error) {
	users.mu.Lock()
	defer users.mu.Unlock()

	user, ok := users.rows[id]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	user.DisplayName = displayName
	copied := *user
	return &copied, nil
}

func (users *memoryUsers) UpdateAccess(_ context.Context, id string, update auth.AccessUpdate) (*auth.User, error) {
	users.mu.Lock()
	defer users.mu.Unlock()

	user, ok := users.rows[id]
	if !ok {
		return nil, apperr.NotFound("User")
	}
	user.Role = update.Role
	user.HomeRegionID = update.HomeRegionID
	user.Regions = update.Regions
	user.CompanyID = update.CompanyID
	copied := *user
	return &copied, nil
}

func (users *memoryUsers) UpdatePassword(_ context.Context, id, passwordHash string) error {
	users.mu.Lock()
	defer users.mu.Unlock()

	user, ok := users.rows[id]
	if !ok {
		return apperr.NotFound("User")
	}
	user.PasswordHash = passwordHash
	return nil
}

func (users *memoryUsers) Deactivate(_ context.Context, id string) error {
	users.mu.Lock()
	defer users.mu.Unlock()

	user, ok := users.rows[id]
	if !ok {
		return apperr.NotFound("User")
	}
	user.IsActive = false
	return nil
}

func (users *memoryUsers) fail(err error) {
	users.mu.Lock()
	defer users.mu.Unlock()
	users.failure = err
}

func (users *memoryUsers) setTOTP(id string, enabled bool) {
	users.mu.Lock()
	defer users.mu.Unlock()
	users.rows[id].TOTPEnabled = enabled
}

// # Sessions

// memorySessions mirrors the conditional updates of the Postgres store.
type memorySessions struct {
	mu   sync.Mutex
	rows map[string]*auth.Session
	now  func() time.Time
	// rotateFailure, when set, is returned by Rotate.
	rotateFailure error
}

func newMemorySessions(now func() time.Time) *memorySessions {
	return &memorySessions{rows: map[string]*auth.Session{}, now: now}
}

func (sessions *memorySessions) live(session *auth.Session) bool {
	return !session.IsRevoked && session.ExpiresAt.After(sessions.now())
}

func (sessions *memorySessions) Create(_ context.Context, session *auth.Session) error {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	copied := *session
	copied.CreatedAt = sessions.now()
	copied.LastActivityAt = copied.CreatedAt
	sessions.rows[session.ID] = &copied
	return nil
}

func (sessions *memorySessions) Rotate(_ context.Context, oldHash, newHash string, client auth.ClientMeta) (*auth.Session, error) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	if sessions.rotateFailure != nil {
		return nil, sessions.rotateFailure
	}

	for _, session := range sessions.rows {
		if session.TokenHash == oldHash && sessions.live(session) {
			session.PreviousTokenHash = oldHash
			session.TokenHash = newHash
			session.UserAgent = client.UserAgent
			session.IPAddress = client.IPAddress
			session.LastActivityAt = sessions.now()
			copied := *session
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("Session")
}

func (sessions *memorySessions) FindByPreviousHash(_ context.Context, tokenHash string) (*auth.Session, error) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	for _, session := range sessions.rows {
		if session.PreviousTokenHash == tokenHash {
			copied := *session
			return &copied, nil
		}
	}
	return nil, apperr.NotFound("Session")
}

func (sessions *memorySessions) FindByID(_ context.Context, id string) (*auth.Session, error) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	session, ok := sessions.rows[id]
	if !ok {
		return nil, apperr.NotFound("Session")
	}
	copied := *session
	return &copied, nil
}

func (sessions *memorySessions) Elevate(_ context.Context, sessionID, userID, newHash string) (*auth.Session, error) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	session, ok := sessions.rows[sessionID]
	if !ok || session.UserID != userID || !sessions.live(session) {
		return nil, apperr.NotFound("Session")
	}
	session.Elevated = true
	session.PreviousTokenHash = session.TokenHash
	session.TokenHash = newHash
	copied := *session
	return &copied, nil
}

func (sessions *memorySessions) Revoke(_ context.Context, id string) error {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	if session, ok := sessions.rows[id]; ok && !session.IsRevoked {
		revokedAt := sessions.now()
		session.IsRevoked = true
		session.RevokedAt = &revokedAt
	}
	return nil
}

func (sessions *memorySessions) RevokeAll(_ context.Context, userID string) (int64, error) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	var count int64
	for _, session := range sessions.rows {
		if session.UserID == userID && !session.IsRevoked {
			revokedAt := sessions.now()
			session.IsRevoked = true
			session.RevokedAt = &revokedAt
			count++
		}
	}
	return count, nil
}

func (sessions *memorySessions) ListActive(_ context.Context, userID string) ([]*auth.Session, error) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	var out []*auth.Session
	for _, session := range sessions.rows {
		if session.UserID == userID && sessions.live(session) {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (sessions *memorySessions) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()

	var count int64
	for id, session := range sessions.rows {
		if session.ExpiresAt.Before(cutoff) || (session.RevokedAt != nil && session.RevokedAt.Before(cutoff)) {
			delete(sessions.rows, id)
			count++
		}
	}
	return count, nil
}

func (sessions *memorySessions) get(id string) *auth.Session {
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	copied := *sessions.rows[id]
	return &copied
}

// # Reset Tokens

type memoryResetTokens struct {
	mu   sync.Mutex
	rows map[string]*auth.ResetToken
	now  func() time.Time
}

func newMemoryResetTokens(now func() time.Time) *memoryResetTokens {
	return &memoryResetTokens{rows: map[string]*auth.ResetToken{}, now: now}
}

func (tokens *memoryResetTokens) Create(_ context.Context, token *auth.ResetToken) error {
	tokens.mu.Lock()
	defer tokens.mu.Unlock()
	copied := *token
	tokens.rows[token.TokenHash] = &copied
	return nil
}

func (tokens *memoryResetTokens) Consume(_ context.Context, tokenHash string) (string, error) {
	tokens.mu.Lock()
	defer tokens.mu.Unlock()

	token, ok := tokens.rows[tokenHash]
	if !ok || token.UsedAt != nil || !token.ExpiresAt.After(tokens.now()) {
		return "", apperr.NotFound("Reset token")
	}
	usedAt := tokens.now()
	token.UsedAt = &usedAt
	return token.UserID, nil
}

func (tokens *memoryResetTokens) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	tokens.mu.Lock()
	defer tokens.mu.Unlock()

	var count int64
	for hash, token := range tokens.rows {
		if !token.ExpiresAt.After(cutoff) || (token.UsedAt != nil && !token.UsedAt.After(cutoff)) {
			delete(tokens.rows, hash)
			count++
		}
	}
	return count, nil
}

// # Second Factor

// stubFactors accepts validCode (and validBackup when isBackupCode is set).
type stubFactors struct {
	mu          sync.Mutex
	validCode   string
	validBackup string
	disabled    []string
	enrolled    map[string]bool
}

func (factors *stubFactors) setEnrolled(userID string, enrolled bool) {
	factors.mu.Lock()
	defer factors.mu.Unlock()
	if factors.enrolled == nil {
		factors.enrolled = map[string]bool{}
	}
	factors.enrolled[userID] = enrolled
}

func (factors *stubFactors) BeginEnrollment(_ context.Context, userID, accountName string) (*totp.Setup, error) {
	factors.mu.Lock()
	defer factors.mu.Unlock()
	if factors.enrolled[userID] {
		return nil, apperr.TOTPAlreadyEnabled()
	}
	return &totp.Setup{Secret: "SECRET", ProvisioningURI: "otpauth://totp/" + accountName}, nil
}

func (factors *stubFactors) ConfirmEnrollment(_ context.Context, userID, code string) error {
	if code != factors.validCode {
		return apperr.InvalidCode("Invalid verification code")
	}
	return nil
}

func (factors *stubFactors) VerifyFactor(_ context.Context, userID, code string, isBackupCode bool) (*totp.Verification, error) {
	if isBackupCode && code == factors.validBackup {
		return &totp.Verification{Method: totp.MethodBackupCode, RemainingBackupCodes: 9}, nil
	}
	if !isBackupCode && code == factors.validCode {
		return &totp.Verification{Method: totp.MethodTOTP, RemainingBackupCodes: 10}, nil
	}
	return nil, apperr.Unauthorized("Invalid verification code")
}

func (factors *stubFactors) RegenerateBackupCodes(_ context.Context, userID, code string) ([]string, error) {
	return []string{"AAAAA-BBBBB"}, nil
}

func (factors *stubFactors) Disable(_ context.Context, userID string) error {
	factors.mu.Lock()
	defer factors.mu.Unlock()
	factors.disabled = append(factors.disabled, userID)
	return nil
}

func (factors *stubFactors) Status(_ context.Context, userID string) (*totp.Status, error) {
	return &totp.Status{}, nil
}

// # Audit & Notification

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (auditor *recordingAuditor) Log(_ context.Context, entry audit.Entry) {
	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	auditor.entries = append(auditor.entries, entry)
}

func (auditor *recordingAuditor) find(action string) []audit.Entry {
	auditor.mu.Lock()
	defer auditor.mu.Unlock()

	var out []audit.Entry
	for _, entry := range auditor.entries {
		if entry.Action == action {
			out = append(out, entry)
		}
	}
	return out
}

type capturingNotifier struct {
	mu     sync.Mutex
	tokens []string
}

func (notifier *capturingNotifier) SendPasswordReset(_ context.Context, _ *auth.User, token string, _ time.Time) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.tokens = append(notifier.tokens, token)
	return nil
}

// # Fixture

const (
	testPassword   = "correct-horse-9"
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 24 * time.Hour
	testRegion     = "FUK"
)

type fixture struct {
	now          time.Time
	users        *memoryUsers
	sessions     *memorySessions
	resets       *memoryResetTokens
	factors      *stubFactors
	auditor      *recordingAuditor
	notifier     *capturingNotifier
	tokens       *sec.TokenService
	manager      *auth.SessionManager
	service      *auth.Service
	client       auth.ClientMeta
	passwordHash string
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func newFixture(t *testing.T, policies ratelimit.Policies) *fixture {
	t.Helper()

	f := &fixture{
		now:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		users:    newMemoryUsers(),
		factors:  &stubFactors{validCode: "123456", validBackup: "ABCDE-FGHJK"},
		auditor:  &recordingAuditor{},
		notifier: &capturingNotifier{},
		client:   auth.ClientMeta{UserAgent: "test-agent", IPAddress: "203.0.113.7"},
	}
	clock := func() time.Time { return f.now }

	f.sessions = newMemorySessions(clock)
	f.resets = newMemoryResetTokens(clock)
	f.tokens = sec.NewTokenServiceFromKey(signingKey(t), "portal-test").WithClock(clock)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.manager = auth.NewSessionManager(f.users, f.sessions, f.tokens, f.auditor, logger, testAccessTTL, testRefreshTTL).WithClock(clock)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clock), logger)

	f.service = auth.NewService(auth.Dependencies{
		Users:           f.users,
		Sessions:        f.manager,
		ResetTokens:     f.resets,
		Factors:         f.factors,
		Limiter:         limiter,
		Policies:        policies,
		Invitations:     f.tokens,
		Notifier:        f.notifier,
		Audit:           f.auditor,
		Logger:          logger,
		DefaultRegionID: testRegion,
		ResetTokenTTL:   time.Hour,
	}).WithClock(clock)

	return f
}

// seedUser stores an active account with testPassword.
func (f *fixture) seedUser(t *testing.T, id, email string, role sec.UserRole) *auth.User {
	t.Helper()

	if f.passwordHash == "" {
		hash, err := sec.HashPassword(testPassword)
		require.NoError(t, err)
		f.passwordHash = hash
	}

	user := &auth.User{
		ID:           id,
		Email:        email,
		PasswordHash: f.passwordHash,
		DisplayName:  "Test " + string(role),
		Role:         role,
		HomeRegionID: testRegion,
		IsActive:     true,
	}
	require.NoError(t, f.users.Create(context.Background(), user))
	return user
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func hasAction(entries []audit.Entry, risk audit.Risk) bool {
	return slices.ContainsFunc(entries, func(entry audit.Entry) bool { return entry.Risk == risk })
}

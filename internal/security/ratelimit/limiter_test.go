// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/config"
	"github.com/taibuivan/portalcore/internal/security/ratelimit"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var loginPolicy = ratelimit.Policy{Action: ratelimit.ActionLogin, Limit: 3, Window: 60 * time.Second}

/*
TestConsume_FixedWindow denies the 4th call and recovers after the window.
*/
func TestConsume_FixedWindow(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(clk.Now), discardLogger())
	id := ratelimit.ByIP("203.0.113.5")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		decision := limiter.Consume(ctx, id, loginPolicy)
		require.True(t, decision.Allowed, "call %d", i)
		assert.Equal(t, int64(3-i), decision.Remaining)
	}

	denied := limiter.Consume(ctx, id, loginPolicy)
	assert.False(t, denied.Allowed)
	assert.True(t, denied.ResetAt.After(clk.Now()))
	assert.Equal(t, clk.Now().Add(60*time.Second), denied.ResetAt)

	// Other identities are unaffected.
	assert.True(t, limiter.Consume(ctx, ratelimit.ByIP("203.0.113.6"), loginPolicy).Allowed)

	clk.Advance(61 * time.Second)
	again := limiter.Consume(ctx, id, loginPolicy)
	assert.True(t, again.Allowed)
	assert.Equal(t, int64(1), again.Count)
}

/*
TestConsume_Concurrent never admits more than the limit under a burst.
*/
func TestConsume_Concurrent(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(nil), discardLogger())
	policy := ratelimit.Policy{Action: ratelimit.ActionTOTPVerify, Limit: 10, Window: time.Minute}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Consume(context.Background(), ratelimit.ByEmail("a@b.example"), policy).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

/*
TestConsume_FailsOpen allows the call when the store is down.
*/
func TestConsume_FailsOpen(t *testing.T) {
	limiter := ratelimit.NewLimiter(failingStore{}, discardLogger())

	decision := limiter.Consume(context.Background(), ratelimit.ByIP("198.51.100.1"), loginPolicy)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Degraded)
}

/*
TestEnforce_RejectHook returns RATE_LIMIT_EXCEEDED and fires the hook once per denial.
*/
func TestEnforce_RejectHook(t *testing.T) {
	var rejections int
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(nil), discardLogger(),
		ratelimit.WithRejectHook(func(ctx context.Context, id ratelimit.Identifier, policy ratelimit.Policy, decision ratelimit.Decision) {
			rejections++
			assert.Equal(t, ratelimit.KindEmail, id.Kind)
			assert.Equal(t, "user@portal.example", id.Value)
		}),
	)

	policy := ratelimit.Policy{Action: ratelimit.ActionLogin, Limit: 1, Window: time.Minute}
	id := ratelimit.ByEmail(" User@Portal.Example ")

	require.NoError(t, limiter.Enforce(context.Background(), id, policy))

	err := limiter.Enforce(context.Background(), id, policy)
	require.Error(t, err)
	appErr := apperr.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperr.CodeRateLimitExceeded, appErr.Code)
	require.NotNil(t, appErr.ResetAt)

	_ = limiter.Enforce(context.Background(), id, policy)
	assert.Equal(t, 2, rejections)
}

/*
TestConsume_DisabledPolicy treats zero limits as unlimited.
*/
func TestConsume_DisabledPolicy(t *testing.T) {
	limiter := ratelimit.NewLimiter(failingStore{}, discardLogger())
	decision := limiter.Consume(context.Background(), ratelimit.ByIP("x"), ratelimit.Policy{Action: "noop"})
	assert.True(t, decision.Allowed)
	assert.False(t, decision.Degraded)
}

/*
TestKey keeps identifier kinds in separate namespaces.
*/
func TestKey(t *testing.T) {
	assert.Equal(t, "rl:login:ip:10.0.0.1", ratelimit.Key(ratelimit.ByIP("10.0.0.1"), loginPolicy))
	assert.Equal(t, "rl:login:email:a@b.example", ratelimit.Key(ratelimit.ByEmail("A@B.example"), loginPolicy))
	assert.Equal(t, "rl:api:user_path:u1:/api/v1/users/me", ratelimit.Key(ratelimit.ByUserPath("u1", "/api/v1/users/me"), ratelimit.Policy{Action: ratelimit.ActionAPI}))
}

/*
TestMemoryStore_Sweep drops only expired windows.
*/
func TestMemoryStore_Sweep(t *testing.T) {
	clk := &clock{now: time.Now()}
	store := ratelimit.NewMemoryStore(clk.Now)

	_, _, _ = store.Increment(context.Background(), "short", time.Second)
	_, _, _ = store.Increment(context.Background(), "long", time.Hour)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

/*
TestRedisStore_Window runs the Lua increment against miniredis.
*/
func TestRedisStore_Window(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client, nil), discardLogger())
	id := ratelimit.ByIP("203.0.113.9")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Consume(ctx, id, loginPolicy).Allowed)
	}

	denied := limiter.Consume(ctx, id, loginPolicy)
	assert.False(t, denied.Allowed)
	assert.Equal(t, int64(4), denied.Count)
	assert.True(t, denied.ResetAt.After(time.Now()))

	ttl := mr.TTL(ratelimit.Key(id, loginPolicy))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 60*time.Second)

	mr.FastForward(61 * time.Second)
	assert.True(t, limiter.Consume(ctx, id, loginPolicy).Allowed)
}

/*
TestRedisStore_Unavailable fails open when Redis is gone.
*/
func TestRedisStore_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client, nil), discardLogger())
	decision := limiter.Consume(context.Background(), ratelimit.ByIP("203.0.113.9"), loginPolicy)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.Degraded)
}

/*
TestPoliciesFromConfig maps the environment table onto policies.
*/
func TestPoliciesFromConfig(t *testing.T) {
	policies := ratelimit.PoliciesFromConfig(config.RateLimits{
		LoginIPLimit: 20, LoginIPWindow: 15 * time.Minute,
		TOTPVerifyLimit: 5, TOTPVerifyWindow: 5 * time.Minute,
	})

	assert.Equal(t, ratelimit.Policy{Action: ratelimit.ActionLogin, Limit: 20, Window: 15 * time.Minute}, policies.LoginIP)
	assert.Equal(t, ratelimit.ActionTOTPVerify, policies.TOTPVerify.Action)
	assert.Equal(t, 5, policies.TOTPVerify.Limit)
}

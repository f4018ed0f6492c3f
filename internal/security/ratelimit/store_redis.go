// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript runs INCR, arms the expiry on the first hit and reads the
// remaining TTL in one server-side step. A key that somehow lost its TTL is
// re-armed so it cannot stick forever.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore keeps counters in Redis so every replica shares them.
type RedisStore struct {
	client redis.Scripter
	now    func() time.Time
}

// NewRedisStore constructs a store over client. A nil clock selects [time.Now].
func NewRedisStore(client redis.Scripter, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, now: now}
}

/*
Increment implements [Store] with a single atomic script call.

Parameters:
  - context: context.Context
  - key: string
  - window: time.Duration

Returns:
  - int64: Hits in the current window
  - time.Time: Window end derived from the key TTL
  - error: Redis failures
*/
func (store *RedisStore) Increment(context context.Context, key string, window time.Duration) (int64, time.Time, error) {
	values, err := incrementScript.Run(context, store.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis_rate_limit_increment_failed: %w", err)
	}

	if len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis_rate_limit_increment_failed: unexpected reply %v", values)
	}

	return values[0], store.now().Add(time.Duration(values[1]) * time.Millisecond), nil
}

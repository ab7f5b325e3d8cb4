// Copyright 2025 The Lorekeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes from a bucket atomically. The bucket
// hash holds the token count and the last refill timestamp in milliseconds;
// it expires after two idle windows.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] refill per ms, ARGV[3] now ms, ARGV[4] window ms
//
// Returns {allowed (0/1), retry-after ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[4])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

tokens = math.min(capacity, tokens + (now - ts) * rate)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {allowed, retry}
`)

// RedisStore is the shared production limiter backend.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given Redis URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit store url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

// Take consumes one token from the bucket for key.
func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	windowMs := window.Milliseconds()
	ratePerMs := float64(limit) / float64(windowMs)

	raw, err := tokenBucketScript.Run(ctx, s.client,
		[]string{"ratelimit:" + key},
		limit, ratePerMs, time.Now().UnixMilli(), windowMs).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply %v", raw)
	}
	allowed, _ := values[0].(int64)
	retryMs, _ := values[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	retry := time.Duration(retryMs) * time.Millisecond
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

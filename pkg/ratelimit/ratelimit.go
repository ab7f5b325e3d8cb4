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

// Package ratelimit gates inbound traffic with token buckets keyed by
// source IP (separate read and write quotas) and by authenticated user.
// The limiter fails open when its backing store is unreachable.
package ratelimit

import (
	"context"
	"time"
)

// Decision reports the outcome of one admission check.
type Decision struct {
	Allowed bool

	// RetryAfter hints when the caller may try again; zero when allowed.
	RetryAfter time.Duration
}

// Store implements a token bucket per key. Take consumes one token from
// the bucket identified by key, refilled at limit tokens per window.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Close() error
}

// Config carries the quotas, bound from the environment.
type Config struct {
	ReadPerMin  int `yaml:"read_per_min"`
	WritePerMin int `yaml:"write_per_min"`
	UserPerHour int `yaml:"user_per_hour"`
}

// SetDefaults applies defaults for unset values.
func (c *Config) SetDefaults() {
	if c.ReadPerMin == 0 {
		c.ReadPerMin = 120
	}
	if c.WritePerMin == 0 {
		c.WritePerMin = 30
	}
	if c.UserPerHour == 0 {
		c.UserPerHour = 1000
	}
}

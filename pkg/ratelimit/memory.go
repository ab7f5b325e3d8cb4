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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore is a per-process fallback used in development and tests.
// It does not share state across replicas.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewMemoryStore creates an in-process limiter backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*rate.Limiter)}
}

var _ Store = (*MemoryStore)(nil)

// Take consumes one token from the bucket for key.
func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	s.mu.Lock()
	bucket, ok := s.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit)
		s.buckets[key] = bucket
	}
	s.mu.Unlock()

	reservation := bucket.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return Decision{Allowed: true}, nil
	}
	reservation.Cancel()

	if delay < time.Second {
		delay = time.Second
	}
	return Decision{Allowed: false, RetryAfter: delay}, nil
}

func (s *MemoryStore) Close() error { return nil }

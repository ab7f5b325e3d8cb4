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
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/lorekeep/lorekeep/pkg/apierr"
)

// Limiter applies the configured quotas against a Store.
type Limiter struct {
	store  Store
	config Config
	logger *slog.Logger
}

// NewLimiter creates a limiter.
func NewLimiter(store Store, cfg Config) *Limiter {
	cfg.SetDefaults()
	return &Limiter{
		store:  store,
		config: cfg,
		logger: slog.Default().With("component", "ratelimit"),
	}
}

// AllowRead checks the per-IP read quota.
func (l *Limiter) AllowRead(ctx context.Context, ip string) Decision {
	return l.take(ctx, "read:"+ip, l.config.ReadPerMin, time.Minute)
}

// AllowWrite checks the per-IP write quota.
func (l *Limiter) AllowWrite(ctx context.Context, ip string) Decision {
	return l.take(ctx, "write:"+ip, l.config.WritePerMin, time.Minute)
}

// AllowUser checks the per-user hourly quota.
func (l *Limiter) AllowUser(ctx context.Context, userID string) Decision {
	return l.take(ctx, "user:"+userID, l.config.UserPerHour, time.Hour)
}

// take consults the store, failing open when it is unreachable.
func (l *Limiter) take(ctx context.Context, key string, limit int, window time.Duration) Decision {
	decision, err := l.store.Take(ctx, key, limit, window)
	if err != nil {
		l.logger.Warn("Rate limit store unreachable, failing open", "key", key, "error", err)
		return Decision{Allowed: true}
	}
	return decision
}

// writeMethods use the write quota; everything else counts as a read.
var writeMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Middleware gates requests by client IP, choosing the read or write quota
// from the HTTP method, then applies the hourly per-user quota. User
// identity comes from the X-User-ID header when an upstream auth layer set
// one, otherwise the client IP stands in. Exceeded quotas answer 429 with
// Retry-After.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		var decision Decision
		if writeMethods[r.Method] {
			decision = l.AllowWrite(r.Context(), ip)
		} else {
			decision = l.AllowRead(r.Context(), ip)
		}
		if decision.Allowed {
			decision = l.AllowUser(r.Context(), userIdentity(r, ip))
		}

		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"kind":        string(apierr.KindRateLimited),
					"message":     "rate limit exceeded",
					"retry_after": retryAfter,
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIdentity(r *http.Request, ip string) string {
	if user := r.Header.Get("X-User-ID"); user != "" {
		return user
	}
	return ip
}

// clientIP extracts the originating address, trusting X-Forwarded-For only
// for its first hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

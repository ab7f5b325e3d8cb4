package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreEnforcesLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		decision, err := store.Take(ctx, "write:1.2.3.4", 10, time.Minute)
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should pass", i+1)
	}

	decision, err := store.Take(ctx, "write:1.2.3.4", 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.GreaterOrEqual(t, decision.RetryAfter, time.Second)
}

func TestMemoryStoreIsolatesKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Take(ctx, "write:1.1.1.1", 5, time.Minute)
		require.NoError(t, err)
	}
	decision, err := store.Take(ctx, "write:2.2.2.2", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

type brokenStore struct{}

func (brokenStore) Take(context.Context, string, int, time.Duration) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func (brokenStore) Close() error { return nil }

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter(brokenStore{}, Config{})
	decision := l.AllowWrite(context.Background(), "1.2.3.4")
	assert.True(t, decision.Allowed)
}

func TestMiddlewareReturns429WithRetryAfter(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), Config{WritePerMin: 10})

	var served int
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusNoContent)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req.RemoteAddr = "1.2.3.4:5555"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}

	assert.Equal(t, 10, served)
	require.Equal(t, http.StatusTooManyRequests, last.Code)
	retryAfter, err := strconv.Atoi(last.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestMiddlewareUsesSeparateReadQuota(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), Config{ReadPerMin: 100, WritePerMin: 1})

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// Exhaust the write quota.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.RemoteAddr = "9.9.9.9:1"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	// Reads from the same IP still pass.
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "9.9.9.9:1"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareEnforcesHourlyUserQuota(t *testing.T) {
	l := NewLimiter(NewMemoryStore(), Config{ReadPerMin: 100, WritePerMin: 100, UserPerHour: 5})

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	// The user identity follows the header across addresses, so rotating
	// IPs does not stretch the hourly budget.
	served := 0
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1", i+1)
		req.Header.Set("X-User-ID", "u-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusNoContent {
			served++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
	assert.Equal(t, 5, served)

	// A different user is unaffected.
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1"
	req.Header.Set("X-User-ID", "u-43")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1", clientIP(req))
}

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

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/docstore"
)

// ClusterConfig tunes dispatch behaviour.
type ClusterConfig struct {
	// HealthInterval is the probe period; HealthTimeout bounds one probe.
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthTimeout  time.Duration `yaml:"health_timeout"`

	// MaxPerBackend bounds concurrent requests per backend.
	MaxPerBackend int `yaml:"max_per_backend"`

	// AdmissionWait is how long a request queues for a slot before
	// failing with BackendUnavailable.
	AdmissionWait time.Duration `yaml:"admission_wait"`

	// MaxFailovers caps re-dispatch attempts after a transient failure.
	MaxFailovers int `yaml:"max_failovers"`

	// CompletionTTL is the full-completion cache lifetime.
	CompletionTTL time.Duration `yaml:"completion_ttl"`
}

func (c *ClusterConfig) SetDefaults() {
	if c.HealthInterval == 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.MaxPerBackend == 0 {
		c.MaxPerBackend = 4
	}
	if c.AdmissionWait == 0 {
		c.AdmissionWait = 10 * time.Second
	}
	if c.MaxFailovers == 0 {
		c.MaxFailovers = 2
	}
	if c.CompletionTTL == 0 {
		c.CompletionTTL = time.Hour
	}
}

// Request is one chat completion.
type Request struct {
	Project     string
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// NoCache bypasses the completion cache; voice sessions and explicit
	// opt-outs set it.
	NoCache bool
}

// Cluster routes requests across registered backends.
type Cluster struct {
	config     ClusterConfig
	registry   *Registry
	client     *client
	cacheStore cache.Store
	logger     *slog.Logger

	mu       sync.RWMutex
	backends map[string]*backend // server id → runtime state
}

// NewCluster creates the dispatch cluster. cacheStore may be nil.
func NewCluster(cfg ClusterConfig, registry *Registry, cacheStore cache.Store) *Cluster {
	cfg.SetDefaults()
	return &Cluster{
		config:     cfg,
		registry:   registry,
		client:     newClient(),
		cacheStore: cacheStore,
		logger:     slog.Default().With("component", "llm"),
		backends:   make(map[string]*backend),
	}
}

// Run drives the health loop until ctx is cancelled.
func (c *Cluster) Run(ctx context.Context) error {
	// First probe immediately so the pool is usable at startup.
	c.checkAll(ctx)

	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// checkAll syncs the runtime pool with the registry and probes every
// enabled backend in parallel.
func (c *Cluster) checkAll(ctx context.Context) {
	servers, err := c.registry.List(ctx)
	if err != nil {
		c.logger.Warn("Failed to list llm servers", "error", err)
		return
	}

	enabled := make(map[string]Server, len(servers))
	for _, server := range servers {
		if server.Enabled {
			enabled[server.ID] = server
		}
	}

	c.mu.Lock()
	for id := range c.backends {
		if _, ok := enabled[id]; !ok {
			delete(c.backends, id)
		}
	}
	for id, server := range enabled {
		if b, ok := c.backends[id]; ok {
			b.server = server
		} else {
			c.backends[id] = newBackend(server, c.config.MaxPerBackend)
		}
	}
	pool := make([]*backend, 0, len(c.backends))
	for _, b := range c.backends {
		pool = append(pool, b)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range pool {
		wg.Add(1)
		go func(b *backend) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
			defer cancel()

			models, err := c.client.tags(probeCtx, b.server.BaseURL)
			if err != nil {
				b.recordCheck(false, nil)
				return
			}
			b.recordCheck(true, models)
		}(b)
	}
	wg.Wait()
}

// Status returns the observable pool state.
func (c *Cluster) Status() []BackendStatus {
	c.mu.RLock()
	pool := make([]*backend, 0, len(c.backends))
	for _, b := range c.backends {
		pool = append(pool, b)
	}
	c.mu.RUnlock()

	out := make([]BackendStatus, len(pool))
	for i, b := range pool {
		out[i] = b.status()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Server.CreatedAt.Before(out[j].Server.CreatedAt)
	})
	return out
}

// candidates returns up backends advertising the model, best first: least
// in-flight, then lowest latency EWMA.
func (c *Cluster) candidates(model string) []*backend {
	c.mu.RLock()
	var pool []*backend
	for _, b := range c.backends {
		if b.isUp() && b.advertises(model) {
			pool = append(pool, b)
		}
	}
	c.mu.RUnlock()

	sort.Slice(pool, func(i, j int) bool {
		inflightI, ewmaI := pool[i].load()
		inflightJ, ewmaJ := pool[j].load()
		if inflightI != inflightJ {
			return inflightI < inflightJ
		}
		return ewmaI < ewmaJ
	})
	return pool
}

// ChatStream dispatches a streaming completion. The returned channel is
// closed when the stream ends; a mid-stream failure is delivered as a
// Chunk with Err set. Failover happens only before the first token.
func (c *Cluster) ChatStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if cached, ok := c.fromCache(ctx, &req); ok {
		out := make(chan Chunk, 2)
		out <- Chunk{Content: cached}
		out <- Chunk{Done: true}
		close(out)
		return out, nil
	}

	pool := c.candidates(req.Model)
	if len(pool) == 0 {
		return nil, apierr.New(apierr.KindBackendUnavailable,
			fmt.Sprintf("no healthy backend serves model %q", req.Model))
	}

	chatReq := chatRequest{Model: req.Model, Messages: req.Messages}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		chatReq.Options = map[string]any{}
		if req.Temperature != 0 {
			chatReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens != 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}

	attempts := c.config.MaxFailovers + 1
	if attempts > len(pool) {
		attempts = len(pool)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)

		var lastErr error
		for i := 0; i < attempts; i++ {
			if ctx.Err() != nil {
				return
			}
			b := pool[i]

			if !b.acquire(ctx, c.config.AdmissionWait) {
				lastErr = apierr.New(apierr.KindResourceExhausted, "backend admission queue full")
				continue
			}

			start := time.Now()
			relay := newCachingRelay(out)
			started, err := c.client.chatStream(ctx, b.server.BaseURL, chatReq, relay.inner)
			relay.stop()
			b.recordLatency(time.Since(start))
			b.release()

			if err == nil {
				c.toCache(ctx, &req, relay.text())
				return
			}
			if started {
				// Tokens already flowed; the error went in-band and
				// the client must retry itself.
				return
			}

			lastErr = err
			var notFound *modelNotFoundError
			var transient *transientError
			switch {
			case errors.As(err, &notFound):
				b.demoteModel(req.Model)
				c.logger.Warn("Backend demoted model", "backend", b.server.BaseURL, "model", req.Model)
			case errors.As(err, &transient):
				b.recordRequestFailure()
				c.logger.Warn("Backend failed, failing over",
					"backend", b.server.BaseURL, "error", err)
			default:
				// Non-transient request error; failover will not help.
				out <- Chunk{Err: err}
				return
			}
		}
		if lastErr != nil {
			out <- Chunk{Err: apierr.Wrap(apierr.KindUpstreamTransient,
				"all candidate backends failed", lastErr)}
		}
	}()
	return out, nil
}

// Complete runs a completion to the end and returns the full text.
func (c *Cluster) Complete(ctx context.Context, req Request) (string, error) {
	stream, err := c.ChatStream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		sb.WriteString(chunk.Content)
	}
	return sb.String(), nil
}

// cachingRelay forwards chunks to the consumer while accumulating the full
// text for the completion cache.
type cachingRelay struct {
	inner chan Chunk
	buf   strings.Builder
	done  chan struct{}
}

func newCachingRelay(out chan<- Chunk) *cachingRelay {
	r := &cachingRelay{
		inner: make(chan Chunk, 16),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for chunk := range r.inner {
			if chunk.Err == nil {
				r.buf.WriteString(chunk.Content)
			}
			out <- chunk
		}
	}()
	return r
}

// stop closes the relay and waits for buffered chunks to drain.
func (r *cachingRelay) stop() {
	close(r.inner)
	<-r.done
}

func (r *cachingRelay) text() string {
	return r.buf.String()
}

func (c *Cluster) cacheKey(req *Request) string {
	var sb strings.Builder
	sb.WriteString(req.Model)
	for _, msg := range req.Messages {
		sb.WriteString("\x1f")
		sb.WriteString(msg.Role)
		sb.WriteString("\x1e")
		sb.WriteString(msg.Content)
	}
	fmt.Fprintf(&sb, "\x1f%g:%d", req.Temperature, req.MaxTokens)
	project := req.Project
	if project == "" {
		project = "_global"
	}
	return cache.Key(cache.NamespaceLLM, project, docstore.HashText(sb.String())[:32])
}

func (c *Cluster) fromCache(ctx context.Context, req *Request) (string, bool) {
	if c.cacheStore == nil || req.NoCache {
		return "", false
	}
	data, err := c.cacheStore.Get(ctx, c.cacheKey(req))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (c *Cluster) toCache(ctx context.Context, req *Request, completion string) {
	if c.cacheStore == nil || req.NoCache || completion == "" {
		return
	}
	if err := c.cacheStore.Set(ctx, c.cacheKey(req), []byte(completion), c.config.CompletionTTL); err != nil {
		c.logger.Debug("Failed to cache completion", "error", err)
	}
}

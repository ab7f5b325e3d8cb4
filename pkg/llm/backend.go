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
	"sync"
	"time"
)

// Health states of a backend.
const (
	HealthUnknown = "unknown"
	HealthUp      = "up"
	HealthDown    = "down"
)

// Hysteresis thresholds: a backend flips down after this many consecutive
// failures and back up after this many consecutive successes.
const (
	failsToDown = 3
	oksToUp     = 2
)

// ewmaWeight is the smoothing factor of the latency average.
const ewmaWeight = 0.2

// backend is the runtime state of one registered server.
type backend struct {
	server Server

	mu        sync.Mutex
	health    string
	fails     int
	oks       int
	models    map[string]bool
	ewmaMs    float64
	lastCheck time.Time

	inflight int
	sem      chan struct{}
}

func newBackend(server Server, maxConcurrent int) *backend {
	return &backend{
		server: server,
		health: HealthUnknown,
		models: make(map[string]bool),
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// BackendStatus is the observable snapshot exposed by the admin surface.
type BackendStatus struct {
	Server    Server    `json:"server"`
	Health    string    `json:"health"`
	Models    []string  `json:"models"`
	EWMAMs    float64   `json:"ewma_ms"`
	InFlight  int       `json:"in_flight"`
	LastCheck time.Time `json:"last_check"`
}

func (b *backend) status() BackendStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	models := make([]string, 0, len(b.models))
	for model := range b.models {
		models = append(models, model)
	}
	return BackendStatus{
		Server:    b.server,
		Health:    b.health,
		Models:    models,
		EWMAMs:    b.ewmaMs,
		InFlight:  b.inflight,
		LastCheck: b.lastCheck,
	}
}

// recordCheck applies one health-probe outcome with hysteresis.
func (b *backend) recordCheck(ok bool, models []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastCheck = time.Now()
	if ok {
		b.fails = 0
		b.oks++
		if b.health != HealthUp && b.oks >= oksToUp {
			b.health = HealthUp
		}
		b.models = make(map[string]bool, len(models))
		for _, model := range models {
			b.models[model] = true
		}
		return
	}

	b.oks = 0
	b.fails++
	if b.fails >= failsToDown {
		b.health = HealthDown
	}
}

// recordLatency folds one request duration into the EWMA.
func (b *backend) recordLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	b.mu.Lock()
	if b.ewmaMs == 0 {
		b.ewmaMs = ms
	} else {
		b.ewmaMs = ewmaWeight*ms + (1-ewmaWeight)*b.ewmaMs
	}
	b.mu.Unlock()
}

// recordRequestFailure counts a dispatch failure toward the down
// transition, without waiting for the next probe.
func (b *backend) recordRequestFailure() {
	b.mu.Lock()
	b.oks = 0
	b.fails++
	if b.fails >= failsToDown {
		b.health = HealthDown
	}
	b.mu.Unlock()
}

// demoteModel drops a model the backend claimed but failed to serve. The
// next successful probe re-adds it if it reappears.
func (b *backend) demoteModel(model string) {
	b.mu.Lock()
	delete(b.models, model)
	b.mu.Unlock()
}

func (b *backend) isUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health == HealthUp
}

func (b *backend) advertises(model string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.models[model]
}

func (b *backend) load() (inflight int, ewmaMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight, b.ewmaMs
}

// acquire takes a concurrency slot, waiting at most admissionWait.
func (b *backend) acquire(ctx context.Context, admissionWait time.Duration) bool {
	select {
	case b.sem <- struct{}{}:
	default:
		timer := time.NewTimer(admissionWait)
		defer timer.Stop()
		select {
		case b.sem <- struct{}{}:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
	return true
}

func (b *backend) release() {
	<-b.sem
	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
}

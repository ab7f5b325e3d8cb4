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

// Package observability exposes the Prometheus metric set and the
// HTTP instrumentation middleware.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the platform's instrument handles.
type Metrics struct {
	registry *prometheus.Registry

	HTTPDuration    *prometheus.HistogramVec
	ChatRequests    *prometheus.CounterVec
	ChatTokens      prometheus.Counter
	RetrievalHits   *prometheus.CounterVec
	CrawledPages    *prometheus.CounterVec
	IndexedChunks   *prometheus.CounterVec
	LLMRequests     *prometheus.CounterVec
	LLMLatency      *prometheus.HistogramVec
	VoiceSessions   prometheus.Gauge
	ActionsExecuted *prometheus.CounterVec
}

// New registers the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lorekeep_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lorekeep_chat_requests_total",
			Help: "Chat requests by project and outcome.",
		}, []string{"project", "outcome"}),
		ChatTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "lorekeep_chat_tokens_total",
			Help: "Tokens streamed to chat clients.",
		}),
		RetrievalHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lorekeep_retrieval_total",
			Help: "Retrieval requests by source (cache, qa, hybrid, degraded).",
		}, []string{"source"}),
		CrawledPages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lorekeep_crawled_pages_total",
			Help: "Crawled pages by project and result.",
		}, []string{"project", "result"}),
		IndexedChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lorekeep_indexed_chunks_total",
			Help: "Chunks published to the indices.",
		}, []string{"project"}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lorekeep_llm_requests_total",
			Help: "LLM requests by backend and outcome.",
		}, []string{"backend", "outcome"}),
		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lorekeep_llm_latency_seconds",
			Help:    "LLM request latency by backend.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend"}),
		VoiceSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lorekeep_voice_sessions",
			Help: "Live voice sessions.",
		}),
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lorekeep_actions_total",
			Help: "Executed side effects by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware records request latency per route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		m.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(recorder.status)).
			Observe(time.Since(start).Seconds())
	})
}

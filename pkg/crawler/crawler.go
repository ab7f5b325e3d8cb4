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

package crawler

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/config"
	"github.com/lorekeep/lorekeep/pkg/docstore"
	"github.com/lorekeep/lorekeep/pkg/project"
)

const (
	defaultMaxDepth = 3
	defaultMaxPages = 500

	// progressFlushInterval keeps the persisted counters within the
	// observable-lag bound.
	progressFlushInterval = 2 * time.Second
)

// StartRequest is the per-job configuration.
type StartRequest struct {
	SeedURL  string `json:"seed_url"`
	MaxDepth int    `json:"max_depth"`
	MaxPages int    `json:"max_pages"`
}

// Status is the observable state of a project's crawl.
type Status struct {
	Job    *Job       `json:"job"`
	Errors []JobError `json:"errors,omitempty"`
}

// Crawler runs at most one job per project.
type Crawler struct {
	config config.CrawlerConfig
	docs   *docstore.Store
	jobs   *JobStore
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the crawler.
func New(cfg config.CrawlerConfig, docs *docstore.Store, jobs *JobStore) *Crawler {
	return &Crawler{
		config: cfg,
		docs:   docs,
		jobs:   jobs,
		logger: slog.Default().With("component", "crawler"),
		active: make(map[string]*run),
	}
}

// Start validates the seed and launches a job. It fails fast on an invalid
// or unsafe seed, or when a job is already running for the project.
func (c *Crawler) Start(ctx context.Context, proj *project.Project, req StartRequest) (*Job, error) {
	if req.MaxDepth <= 0 {
		req.MaxDepth = defaultMaxDepth
	}
	if req.MaxPages <= 0 {
		req.MaxPages = defaultMaxPages
	}

	seed, err := Normalize(nil, req.SeedURL)
	if err != nil {
		return nil, apierr.Validation("seed_url", err.Error())
	}
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, apierr.Validation("seed_url", err.Error())
	}
	guard := NewGuard(proj.Domain)
	if err := guard.Check(ctx, seedURL); err != nil {
		return nil, apierr.Validation("seed_url", err.Error())
	}

	job, err := c.jobs.Create(ctx, proj.Slug, seed, req.MaxDepth, req.MaxPages)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.active[proj.Slug] = r
	c.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.active, proj.Slug)
			c.mu.Unlock()
		}()
		c.execute(runCtx, proj, guard, job)
	}()

	return job, nil
}

// Stop cancels the project's running job. The job transitions to stopped at
// the next safe point.
func (c *Crawler) Stop(projectSlug string) error {
	c.mu.Lock()
	r := c.active[projectSlug]
	c.mu.Unlock()

	if r == nil {
		return ErrNoJob
	}
	r.cancel()
	return nil
}

// Status returns the latest job with its recent errors.
func (c *Crawler) Status(ctx context.Context, projectSlug string) (*Status, error) {
	job, err := c.jobs.Latest(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	jobErrs, err := c.jobs.Errors(ctx, job.ID, 20)
	if err != nil {
		return nil, err
	}
	return &Status{Job: job, Errors: jobErrs}, nil
}

// execute drives one job to a terminal state.
func (c *Crawler) execute(ctx context.Context, proj *project.Project, guard *Guard, job *Job) {
	logger := c.logger.With("project", proj.Slug, "job", job.ID)

	f := newFetcher(c.config.PageTimeout, c.config.MaxBodyBytes)
	robots := newRobotsCache(f.raw)

	var renderer *Renderer
	if c.config.JSRender && proj.Features.JSRender {
		renderer = NewRenderer(ctx, c.config.PageTimeout)
		defer renderer.Close()
	}

	state := &crawlState{
		crawler:  c,
		project:  proj,
		guard:    guard,
		job:      job,
		fetcher:  f,
		robots:   robots,
		renderer: renderer,
		visited:  make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}

	_ = c.jobs.SetStatus(ctx, job.ID, StatusRunning, "")

	// Flush progress on a fixed cadence so status stays fresh during the
	// run.
	flushCtx, stopFlush := context.WithCancel(context.Background())
	var flushWG sync.WaitGroup
	flushWG.Add(1)
	go func() {
		defer flushWG.Done()
		ticker := time.NewTicker(progressFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-flushCtx.Done():
				return
			case <-ticker.C:
				state.flushProgress(flushCtx)
			}
		}
	}()

	status, lastErr := state.runFrontier(ctx)

	stopFlush()
	flushWG.Wait()

	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state.flushProgress(finalCtx)
	_ = c.jobs.SetStatus(finalCtx, job.ID, status, lastErr)
	logger.Info("Crawl finished", "status", status,
		"done", atomic.LoadInt64(&state.done), "failed", atomic.LoadInt64(&state.failed))
}

// crawlState is the shared mutable state of one job.
type crawlState struct {
	crawler  *Crawler
	project  *project.Project
	guard    *Guard
	job      *Job
	fetcher  *fetcher
	robots   *robotsCache
	renderer *Renderer
	logger   *slog.Logger

	mu       sync.Mutex
	visited  map[string]bool
	limiters map[string]*rate.Limiter

	queued     int64
	inProgress int64
	scheduled  int64
	done       int64
	failed     int64
	lastURL    atomic.Value
}

// runFrontier walks the BFS levels and returns the terminal status.
func (s *crawlState) runFrontier(ctx context.Context) (string, string) {
	level := []string{s.job.SeedURL}
	s.markVisited(s.job.SeedURL)

	// Merge sitemap URLs into the first level when present.
	if seedURL, err := url.Parse(s.job.SeedURL); err == nil {
		for _, raw := range discoverSitemap(ctx, s.fetcher, Origin(seedURL)) {
			if normalized, ok := s.admit(ctx, seedURL, raw); ok {
				level = append(level, normalized)
			}
		}
	}

	for depth := 0; depth <= s.job.MaxDepth && len(level) > 0; depth++ {
		if ctx.Err() != nil {
			return StatusStopped, ""
		}

		atomic.AddInt64(&s.queued, int64(len(level)))

		var nextMu sync.Mutex
		var next []string

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.crawler.config.MaxConcurrency)

		for _, pageURL := range level {
			if s.pagesExhausted() {
				break
			}
			group.Go(func() error {
				if groupCtx.Err() != nil {
					return nil
				}
				links := s.crawlOne(groupCtx, pageURL, depth)
				if len(links) > 0 {
					nextMu.Lock()
					next = append(next, links...)
					nextMu.Unlock()
				}
				return nil
			})
		}
		_ = group.Wait()

		if s.pagesExhausted() {
			break
		}
		level = next
	}

	if ctx.Err() != nil {
		return StatusStopped, ""
	}
	if atomic.LoadInt64(&s.done) == 0 && atomic.LoadInt64(&s.failed) > 0 {
		return StatusFailed, "seed unreachable"
	}
	return StatusDone, ""
}

// crawlOne fetches a single page and returns the admitted outgoing links.
// Failures are recorded and never abort the job. A page is only fetched
// under a slot reservation, so done+failed cannot pass MaxPages no matter
// how many workers are already in flight.
func (s *crawlState) crawlOne(ctx context.Context, pageURL string, depth int) []string {
	atomic.AddInt64(&s.queued, -1)
	if !s.reservePage() {
		return nil
	}
	atomic.AddInt64(&s.inProgress, 1)
	defer atomic.AddInt64(&s.inProgress, -1)

	s.lastURL.Store(pageURL)

	parsed, err := url.Parse(pageURL)
	if err != nil {
		s.recordFailure(ctx, pageURL, "parse", 0, err.Error())
		return nil
	}

	if !s.robots.Allowed(ctx, Origin(parsed), parsed.RequestURI()) {
		s.recordFailure(ctx, pageURL, "robots", 0, "disallowed by robots.txt")
		return nil
	}

	if err := s.limiter(Origin(parsed)).Wait(ctx); err != nil {
		s.releasePage()
		return nil
	}

	result, err := s.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		var fe *fetchError
		if errors.As(err, &fe) {
			s.recordFailure(ctx, pageURL, fe.Kind, fe.Status, fe.Message)
		} else {
			s.recordFailure(ctx, pageURL, "fetch", 0, err.Error())
		}
		return nil
	}

	extraction, blob, mimeType, err := s.extract(ctx, pageURL, result)
	if err != nil {
		s.recordFailure(ctx, pageURL, "extract", result.Status, err.Error())
		return nil
	}
	if extraction == nil {
		// Unsupported content type; nothing to store.
		s.releasePage()
		return nil
	}

	if err := s.store(ctx, pageURL, mimeType, extraction, blob); err != nil {
		s.recordFailure(ctx, pageURL, "store", 0, err.Error())
		return nil
	}
	atomic.AddInt64(&s.done, 1)

	if depth >= s.job.MaxDepth {
		return nil
	}
	base, err := url.Parse(result.FinalURL)
	if err != nil {
		base = parsed
	}
	var links []string
	for _, href := range extraction.Links {
		if normalized, ok := s.admit(ctx, base, href); ok {
			links = append(links, normalized)
		}
	}
	return links
}

// extract dispatches on content type. HTML goes through the renderer when
// enabled. Binary formats keep their raw bytes for blob storage.
func (s *crawlState) extract(ctx context.Context, pageURL string, result *fetchResult) (*Extraction, []byte, string, error) {
	switch {
	case strings.Contains(result.ContentType, "text/html"),
		strings.Contains(result.ContentType, "application/xhtml"):
		body := result.Body
		if s.renderer != nil {
			if rendered, err := s.renderer.Render(ctx, pageURL); err == nil {
				body = rendered
			} else {
				s.logger.Warn("JS render failed, using raw HTML", "url", pageURL, "error", err)
			}
		}
		extraction, err := ExtractHTML(body)
		return extraction, nil, "text/html", err

	case strings.Contains(result.ContentType, "application/pdf"):
		extraction, err := ExtractPDF(result.Body)
		return extraction, result.Body, "application/pdf", err

	case strings.Contains(result.ContentType, "officedocument.wordprocessingml"):
		extraction, err := ExtractDOCX(result.Body)
		return extraction, result.Body,
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document", err

	case strings.HasPrefix(result.ContentType, "text/plain"):
		return &Extraction{Text: collapseWhitespace(string(result.Body))}, nil, "text/plain", nil

	default:
		return nil, nil, result.ContentType, nil
	}
}

// store upserts the extracted document and, for binaries, the original
// bytes.
func (s *crawlState) store(ctx context.Context, pageURL, mimeType string, extraction *Extraction, blob []byte) error {
	text := strings.TrimSpace(extraction.Text)
	if text == "" {
		return nil
	}

	doc := &docstore.Document{
		Project:   s.project.Slug,
		SourceURL: pageURL,
		Origin:    "crawl",
		MIME:      mimeType,
		Title:     extraction.Title,
		Text:      text,
		Size:      int64(len(text)),
		FetchedAt: time.Now(),
	}
	id, dedup, err := s.crawler.docs.Upsert(ctx, doc)
	if err != nil {
		return err
	}
	if dedup || blob == nil {
		return nil
	}
	return s.crawler.docs.PutBlob(ctx, &docstore.Blob{
		DocumentID: id,
		Project:    s.project.Slug,
		MIME:       mimeType,
		Data:       blob,
	})
}

// admit normalizes and safety-checks a candidate link, deduplicating
// against the visited set.
func (s *crawlState) admit(ctx context.Context, base *url.URL, href string) (string, bool) {
	normalized, err := Normalize(base, href)
	if err != nil {
		return "", false
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", false
	}
	if err := s.guard.Check(ctx, parsed); err != nil {
		return "", false
	}
	if !s.markVisited(normalized) {
		return "", false
	}
	return normalized, true
}

func (s *crawlState) markVisited(normalized string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visited[normalized] {
		return false
	}
	s.visited[normalized] = true
	return true
}

func (s *crawlState) limiter(origin string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter := s.limiters[origin]
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(s.crawler.config.PerOriginRPS), 1)
		s.limiters[origin] = limiter
	}
	return limiter
}

// reservePage claims one of the job's page slots. Every done or failed
// count is recorded under a reservation; slots that turn out not to count
// a page are released.
func (s *crawlState) reservePage() bool {
	for {
		current := atomic.LoadInt64(&s.scheduled)
		if current >= int64(s.job.MaxPages) {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.scheduled, current, current+1) {
			return true
		}
	}
}

func (s *crawlState) releasePage() {
	atomic.AddInt64(&s.scheduled, -1)
}

func (s *crawlState) pagesExhausted() bool {
	return atomic.LoadInt64(&s.scheduled) >= int64(s.job.MaxPages)
}

func (s *crawlState) recordFailure(ctx context.Context, pageURL, kind string, status int, message string) {
	atomic.AddInt64(&s.failed, 1)
	if ctx.Err() != nil {
		return
	}
	if err := s.crawler.jobs.RecordError(ctx, &JobError{
		JobID:      s.job.ID,
		Project:    s.project.Slug,
		URL:        pageURL,
		Kind:       kind,
		HTTPStatus: status,
		Message:    message,
	}); err != nil {
		s.logger.Warn("Failed to record crawl error", "url", pageURL, "error", err)
	}
}

func (s *crawlState) flushProgress(ctx context.Context) {
	counters := Counters{
		Queued:     atomic.LoadInt64(&s.queued),
		InProgress: atomic.LoadInt64(&s.inProgress),
		Done:       atomic.LoadInt64(&s.done),
		Failed:     atomic.LoadInt64(&s.failed),
	}
	lastURL, _ := s.lastURL.Load().(string)
	if err := s.crawler.jobs.UpdateProgress(ctx, s.job.ID, counters, lastURL); err != nil && ctx.Err() == nil {
		s.logger.Warn("Failed to flush crawl progress", "error", err)
	}
}

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
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/temoto/robotstxt"
)

const userAgent = "LorekeepBot/1.0 (+https://lorekeep.dev/bot)"

// robotsCache fetches and caches robots.txt per origin for the duration of
// one job.
type robotsCache struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]*robotstxt.RobotsData // origin → rules, nil means allow-all
}

func newRobotsCache(client *http.Client) *robotsCache {
	return &robotsCache{client: client, entries: make(map[string]*robotstxt.RobotsData)}
}

// Allowed reports whether the user agent may fetch the path. Unreachable or
// malformed robots.txt permits everything, matching common crawler practice.
func (rc *robotsCache) Allowed(ctx context.Context, origin, path string) bool {
	rc.mu.Lock()
	data, ok := rc.entries[origin]
	rc.mu.Unlock()

	if !ok {
		data = rc.fetch(ctx, origin)
		rc.mu.Lock()
		rc.entries[origin] = data
		rc.mu.Unlock()
	}
	if data == nil {
		return true
	}
	return data.TestAgent(path, userAgent)
}

func (rc *robotsCache) fetch(ctx context.Context, origin string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := rc.client.Do(req)
	if err != nil {
		slog.Debug("Failed to fetch robots.txt", "origin", origin, "error", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		slog.Debug("Malformed robots.txt", "origin", origin, "error", err)
		return nil
	}
	return data
}

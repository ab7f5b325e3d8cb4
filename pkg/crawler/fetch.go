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
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/httpclient"
)

const maxRedirects = 5

// fetchResult is one successfully fetched response.
type fetchResult struct {
	Body        []byte
	ContentType string
	FinalURL    string
	Status      int
}

// fetcher wraps the retrying client with the crawl-specific limits: bounded
// body, capped redirects, per-request timeout.
type fetcher struct {
	client   *httpclient.Client
	raw      *http.Client
	maxBytes int64
}

func newFetcher(timeout time.Duration, maxBytes int64) *fetcher {
	raw := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &fetcher{
		client: httpclient.New(
			httpclient.WithHTTPClient(raw),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
		raw:      raw,
		maxBytes: maxBytes,
	}
}

// Fetch retrieves one URL. A non-2xx terminal status is returned as a
// *fetchError carrying the status so callers can record it without
// retrying.
func (f *fetcher) Fetch(ctx context.Context, rawURL string) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &fetchError{Kind: "request", Message: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		status := 0
		var exhausted *httpclient.ExhaustedError
		if errors.As(err, &exhausted) {
			status = exhausted.StatusCode
		}
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return nil, &fetchError{Kind: "fetch", Status: status, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &fetchError{Kind: "read", Status: resp.StatusCode, Message: err.Error()}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &fetchError{Kind: "too_large", Status: resp.StatusCode,
			Message: fmt.Sprintf("response exceeds %d bytes", f.maxBytes)}
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &fetchResult{
		Body:        body,
		ContentType: strings.ToLower(contentType),
		FinalURL:    finalURL,
		Status:      resp.StatusCode,
	}, nil
}

// fetchError is a structured per-URL failure, recorded in the job's error
// log.
type fetchError struct {
	Kind    string
	Status  int
	Message string
}

func (e *fetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

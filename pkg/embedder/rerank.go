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

package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/httpclient"
)

// RerankConfig configures the cross-encoder rerank endpoint. The endpoint
// speaks the common rerank API shape: POST {model, query, documents} →
// {results: [{index, relevance_score}]}.
type RerankConfig struct {
	Host    string        `yaml:"host"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`

	// BatchSize bounds how many passages go into one request.
	BatchSize int `yaml:"batch_size"`
}

func (c *RerankConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
}

// HTTPReranker calls a rerank model over HTTP.
type HTTPReranker struct {
	config RerankConfig
	client *httpclient.Client
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewHTTPReranker creates a reranker. Returns nil when no host is
// configured; callers treat a nil reranker as disabled.
func NewHTTPReranker(cfg RerankConfig) *HTTPReranker {
	if cfg.Host == "" || cfg.Model == "" {
		return nil
	}
	cfg.SetDefaults()
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	return &HTTPReranker{
		config: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(1),
		),
	}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))

	for start := 0; start < len(passages); start += r.config.BatchSize {
		end := start + r.config.BatchSize
		if end > len(passages) {
			end = len(passages)
		}
		batch := passages[start:end]

		payload, err := json.Marshal(rerankRequest{
			Model:     r.config.Model,
			Query:     query,
			Documents: batch,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Host+"/rerank", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create rerank request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("rerank request failed: %w", err)
		}

		func() {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				err = fmt.Errorf("rerank server returned status %d", resp.StatusCode)
				return
			}
			var response rerankResponse
			if derr := json.NewDecoder(resp.Body).Decode(&response); derr != nil {
				err = fmt.Errorf("failed to decode rerank response: %w", derr)
				return
			}
			for _, result := range response.Results {
				if result.Index >= 0 && result.Index < len(batch) {
					scores[start+result.Index] = result.RelevanceScore
				}
			}
		}()
		if err != nil {
			return nil, err
		}
	}

	return scores, nil
}

// Ensure HTTPReranker implements Reranker.
var _ Reranker = (*HTTPReranker)(nil)

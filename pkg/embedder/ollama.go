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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"context"

	"github.com/lorekeep/lorekeep/pkg/httpclient"
)

// OllamaConfig configures the Ollama embedding provider.
type OllamaConfig struct {
	Host      string        `yaml:"host"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (c *OllamaConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "http://localhost:11434"
	}
	if c.Model == "" {
		c.Model = "nomic-embed-text"
	}
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// OllamaEmbedder computes embeddings through an Ollama server's /api/embed
// endpoint, which accepts batched input.
type OllamaEmbedder struct {
	config OllamaConfig
	client *httpclient.Client
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// NewOllamaEmbedder creates an embedder over the given Ollama host.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	cfg.SetDefaults()
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	return &OllamaEmbedder{
		config: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("embedding server error: %s", response.Error)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding server returned %d vectors for %d inputs",
			len(response.Embeddings), len(texts))
	}

	slog.Debug("Computed embeddings", "model", e.config.Model, "batch", len(texts))
	return response.Embeddings, nil
}

func (e *OllamaEmbedder) Model() string {
	return e.config.Model
}

func (e *OllamaEmbedder) Dimension() int {
	return e.config.Dimension
}

// Ensure OllamaEmbedder implements Provider.
var _ Provider = (*OllamaEmbedder)(nil)

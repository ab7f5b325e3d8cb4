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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one streamed piece of a completion.
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatStreamChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// transientError marks a failure worth failing over to another backend.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// modelNotFoundError marks a backend that advertised a model it cannot
// serve.
type modelNotFoundError struct{ model string }

func (e *modelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not found on backend", e.model)
}

// client speaks the Ollama HTTP API against a single base URL.
type client struct {
	http *http.Client
}

func newClient() *client {
	// No overall timeout: streams can legitimately run for minutes. The
	// caller's context bounds each request.
	return &client{http: &http.Client{}}
}

// tags fetches the models a backend advertises.
func (c *client) tags(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags returned status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	models := make([]string, 0, len(tags.Models))
	for _, model := range tags.Models {
		models = append(models, model.Name)
	}
	return models, nil
}

// chatStream opens a streaming completion and relays chunks to out until
// the stream ends or ctx is cancelled. The first error before any token
// arrives is returned directly so the caller can fail over; errors after
// tokens flowed are delivered in-band.
func (c *client) chatStream(ctx context.Context, baseURL string, request chatRequest, out chan<- Chunk) (started bool, err error) {
	request.Stream = true
	payload, err := json.Marshal(request)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, &transientError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiError struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &apiError)
		if resp.StatusCode == http.StatusNotFound ||
			strings.Contains(strings.ToLower(apiError.Error), "not found") {
			return false, &modelNotFoundError{model: request.Model}
		}
		err := fmt.Errorf("chat returned status %d: %s", resp.StatusCode, apiError.Error)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return false, &transientError{err}
		}
		return false, err
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var chunk chatStreamChunk
			if jsonErr := json.Unmarshal(line, &chunk); jsonErr == nil {
				if chunk.Error != "" {
					streamErr := fmt.Errorf("backend error: %s", chunk.Error)
					if !started {
						return false, &transientError{streamErr}
					}
					out <- Chunk{Err: streamErr}
					return true, nil
				}
				if chunk.Message.Content != "" {
					started = true
					select {
					case out <- Chunk{Content: chunk.Message.Content}:
					case <-ctx.Done():
						return started, ctx.Err()
					}
				}
				if chunk.Done {
					out <- Chunk{Done: true}
					return true, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if started {
					out <- Chunk{Done: true}
					return true, nil
				}
				return false, &transientError{fmt.Errorf("stream ended without content")}
			}
			if !started {
				return false, &transientError{readErr}
			}
			out <- Chunk{Err: readErr}
			return true, nil
		}
	}
}

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

package voice

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

const speechTimeout = 60 * time.Second

// maxAudioResponse bounds a synthesized audio payload.
const maxAudioResponse = 16 << 20

// HTTPRecognizer posts buffered utterances to a speech-to-text service.
// A nil recognizer (empty host) keeps voice sessions startable while
// recognition reports an error.
type HTTPRecognizer struct {
	host   string
	client *httpclient.Client
}

// NewHTTPRecognizer creates a recognizer, or nil when host is empty.
func NewHTTPRecognizer(host string) *HTTPRecognizer {
	if host == "" {
		return nil
	}
	return &HTTPRecognizer{
		host: strings.TrimSuffix(host, "/"),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: speechTimeout}),
			httpclient.WithMaxRetries(2),
		),
	}
}

var _ Recognizer = (*HTTPRecognizer)(nil)

// Transcribe posts the audio and returns the recognized text.
func (r *HTTPRecognizer) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	url := fmt.Sprintf("%s/transcribe?language=%s", r.host, language)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(audio)), nil
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription returned status %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("malformed transcription response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// HTTPSynthesizer posts assistant text to a text-to-speech service.
type HTTPSynthesizer struct {
	host   string
	client *httpclient.Client
}

// NewHTTPSynthesizer creates a synthesizer, or nil when host is empty.
func NewHTTPSynthesizer(host string) *HTTPSynthesizer {
	if host == "" {
		return nil
	}
	return &HTTPSynthesizer{
		host: strings.TrimSuffix(host, "/"),
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: speechTimeout}),
			httpclient.WithMaxRetries(2),
		),
	}
}

var _ Synthesizer = (*HTTPSynthesizer)(nil)

// Synthesize renders text as audio bytes.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, voiceName, emotion string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"text":    text,
		"voice":   voiceName,
		"emotion": emotion,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesized audio: %w", err)
	}
	return audio, nil
}

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

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lorekeep/lorekeep/pkg/apierr"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	Field         string `json:"field,omitempty"`
	RetryAfter    int    `json:"retry_after,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a classified error onto the wire. Internal detail is
// logged, never echoed.
func writeError(w http.ResponseWriter, err error) {
	ae := apierr.As(err)
	if ae.Kind == apierr.KindInternal {
		slog.Default().Error("Request failed",
			"correlation_id", ae.CorrelationID, "error", err)
	}

	body := errorBody{
		Kind:          string(ae.Kind),
		Message:       ae.Message,
		Field:         ae.Field,
		CorrelationID: ae.CorrelationID,
	}
	if ae.RetryAfter > 0 {
		seconds := int(ae.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		body.RetryAfter = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, apierr.HTTPStatus(ae.Kind), map[string]any{"error": body})
}

// decodeJSON reads a bounded JSON body.
func decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return apierr.Validation("body", fmt.Sprintf("malformed request body: %v", err))
	}
	return nil
}

// requireProject extracts a non-empty project parameter from the query.
func requireProject(r *http.Request) (string, error) {
	slug := r.URL.Query().Get("project")
	if slug == "" {
		return "", apierr.Validation("project", "project is required")
	}
	return slug, nil
}

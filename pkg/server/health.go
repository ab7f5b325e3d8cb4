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
	"context"
	"net/http"
	"time"
)

const healthProbeTimeout = 3 * time.Second

// handleLiveness answers as long as the process serves requests.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth probes every backing store and reports per-store status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	body := make(map[string]string, len(s.deps.HealthChecks)+1)
	healthy := true
	for name, pinger := range s.deps.HealthChecks {
		if err := pinger.Ping(ctx); err != nil {
			body[name] = "down"
			healthy = false
		} else {
			body[name] = "up"
		}
	}

	status := http.StatusOK
	body["status"] = "ok"
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

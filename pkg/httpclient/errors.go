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

package httpclient

import (
	"fmt"
	"time"
)

// ExhaustedError reports a request the client gave up on after spending its
// retry budget. StatusCode is the last observed status, zero when no
// response arrived. RetryAfter carries the backend's hint when one was
// given, otherwise the client's next computed backoff.
type ExhaustedError struct {
	Attempts   int
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ExhaustedError) Error() string {
	switch {
	case e.StatusCode > 0 && e.RetryAfter > 0:
		return fmt.Sprintf("gave up after %d attempts: HTTP %d (retry after %v)",
			e.Attempts, e.StatusCode, e.RetryAfter)
	case e.StatusCode > 0:
		return fmt.Sprintf("gave up after %d attempts: HTTP %d", e.Attempts, e.StatusCode)
	default:
		return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
	}
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Temporary reports that the failure may clear on its own; the client has
// spent its own budget, but a later request can still succeed.
func (e *ExhaustedError) Temporary() bool {
	return true
}

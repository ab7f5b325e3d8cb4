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

// Package apierr defines the error taxonomy shared by all API surfaces.
//
// Every error that crosses a component boundary is classified into one of a
// small set of kinds. Transport layers map kinds to HTTP status codes;
// internal detail never reaches end users.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an error for API surfacing and logging.
type Kind string

const (
	KindValidation           Kind = "ValidationError"
	KindProjectNotFound      Kind = "ProjectNotFound"
	KindProjectMisconfigured Kind = "ProjectMisconfigured"
	KindRateLimited          Kind = "RateLimited"
	KindBackendUnavailable   Kind = "BackendUnavailable"
	KindUpstreamTransient    Kind = "UpstreamTransient"
	KindResourceExhausted    Kind = "ResourceExhausted"
	KindConflict             Kind = "Conflict"
	KindInternal             Kind = "Internal"
)

// Error is a classified error with optional machine-readable detail.
type Error struct {
	Kind Kind

	// Message is safe to surface to API callers.
	Message string

	// Field names the offending input for validation errors.
	Field string

	// RetryAfter hints when a rate-limited caller may retry.
	RetryAfter time.Duration

	// CorrelationID identifies internal errors in logs without echoing
	// the underlying failure to the caller.
	CorrelationID string

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a validation error naming the offending field.
func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field}
}

// Internal wraps an unexpected error, assigning a correlation id. The
// underlying error is retained for logs but not serialized.
func Internal(err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "internal error",
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As unwraps err into *Error, classifying unknown errors as Internal.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindProjectNotFound:
		return http.StatusNotFound
	case KindProjectMisconfigured, KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstreamTransient:
		return http.StatusBadGateway
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

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

package actions

import (
	"encoding/json"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema constrains the directive a model may emit on the first
// line of its response. Anything that fails validation is treated as plain
// text, never as an action.
const envelopeSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {"enum": ["crm_ticket", "email"]},
		"subject": {"type": "string", "maxLength": 200},
		"message": {"type": "string", "maxLength": 4000},
		"contact": {"type": "string", "maxLength": 200}
	},
	"additionalProperties": false
}`

var compiledEnvelopeSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// Envelope is a validated action directive.
type Envelope struct {
	Action  string `mapstructure:"action"`
	Subject string `mapstructure:"subject"`
	Message string `mapstructure:"message"`
	Contact string `mapstructure:"contact"`
}

// Payload renders the envelope as a job payload.
func (e *Envelope) Payload() map[string]any {
	return map[string]any{
		"subject": e.Subject,
		"message": e.Message,
		"contact": e.Contact,
	}
}

// ParseEnvelope inspects the first line of a model response. When it is a
// valid directive the envelope and the remaining user-facing text are
// returned; otherwise the text passes through untouched.
func ParseEnvelope(response string) (*Envelope, string) {
	trimmed := strings.TrimLeft(response, " \t\r\n")
	if !strings.HasPrefix(trimmed, "{") {
		return nil, response
	}

	firstLine := trimmed
	rest := ""
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine = trimmed[:idx]
		rest = trimmed[idx+1:]
	}

	var raw any
	if err := json.Unmarshal([]byte(firstLine), &raw); err != nil {
		return nil, response
	}
	if err := compiledEnvelopeSchema.Validate(raw); err != nil {
		return nil, response
	}

	var envelope Envelope
	if err := mapstructure.Decode(raw, &envelope); err != nil {
		return nil, response
	}
	return &envelope, strings.TrimLeft(rest, "\r\n")
}

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

// Package project defines the tenant model. Every piece of content and
// policy on the platform is scoped to exactly one project.
package project

import (
	"fmt"
	"regexp"
	"time"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// Features toggles optional behaviour per project.
type Features struct {
	Emotions      bool `bson:"emotions" json:"emotions"`
	Voice         bool `bson:"voice" json:"voice"`
	Sources       bool `bson:"sources" json:"sources"`
	ImageCaptions bool `bson:"image_captions" json:"image_captions"`
	Debug         bool `bson:"debug" json:"debug"`
	JSRender      bool `bson:"js_render" json:"js_render"`
}

// Integrations holds external side-effect endpoints. These are untrusted
// and SSRF-checked before use.
type Integrations struct {
	CRMWebhookURL string `bson:"crm_webhook_url,omitempty" json:"crm_webhook_url,omitempty"`
	MailHost      string `bson:"mail_host,omitempty" json:"mail_host,omitempty"`
	MailPort      int    `bson:"mail_port,omitempty" json:"mail_port,omitempty"`
	MailUser      string `bson:"mail_user,omitempty" json:"mail_user,omitempty"`
	MailPassword  string `bson:"mail_password,omitempty" json:"-"`
	MailTo        string `bson:"mail_to,omitempty" json:"mail_to,omitempty"`
	BotToken      string `bson:"bot_token,omitempty" json:"-"`
}

// Project is a tenant namespace.
type Project struct {
	// Slug uniquely identifies the project. Lowercase, URL-safe.
	Slug string `bson:"_id" json:"slug"`

	Title  string `bson:"title" json:"title"`
	Domain string `bson:"domain,omitempty" json:"domain,omitempty"`

	// Model selects the LLM used for this project. Empty uses the
	// platform default.
	Model string `bson:"model,omitempty" json:"model,omitempty"`

	SystemPrompt string `bson:"system_prompt" json:"system_prompt"`

	// NoAnswerSentinel is the phrase the model is instructed to emit when
	// the retrieved context cannot answer the question.
	NoAnswerSentinel string `bson:"no_answer_sentinel,omitempty" json:"no_answer_sentinel,omitempty"`

	Features     Features     `bson:"features" json:"features"`
	Integrations Integrations `bson:"integrations" json:"integrations"`

	Enabled   bool      `bson:"enabled" json:"enabled"`
	CreatedAt time.Time `bson:"created_at,omitempty" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// DefaultNoAnswerSentinel is used when a project does not configure one.
const DefaultNoAnswerSentinel = "I don't have that in the knowledge base."

// Sentinel returns the project's no-answer phrase.
func (p *Project) Sentinel() string {
	if p.NoAnswerSentinel != "" {
		return p.NoAnswerSentinel
	}
	return DefaultNoAnswerSentinel
}

// Validate checks structural invariants.
func (p *Project) Validate() error {
	if !slugPattern.MatchString(p.Slug) {
		return fmt.Errorf("invalid project slug %q", p.Slug)
	}
	if p.Title == "" {
		return fmt.Errorf("project title is required")
	}
	return nil
}

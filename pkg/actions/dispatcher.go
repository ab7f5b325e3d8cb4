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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/lorekeep/lorekeep/pkg/crawler"
	"github.com/lorekeep/lorekeep/pkg/project"
)

const pollInterval = 3 * time.Second

// Dispatcher drains the job queue and executes side effects.
type Dispatcher struct {
	store    *Store
	projects *project.Store
	client   *http.Client
	guard    *crawler.Guard
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store *Store, projects *project.Store) *Dispatcher {
	return &Dispatcher{
		store:    store,
		projects: projects,
		client:   &http.Client{Timeout: 15 * time.Second},
		// Integration endpoints are untrusted input; a guard without a
		// domain restriction still blocks private address space.
		guard:  crawler.NewGuard(""),
		logger: slog.Default().With("component", "actions"),
	}
}

// Run polls for due jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				job, err := d.store.claim(ctx)
				if err != nil {
					d.logger.Warn("Failed to claim action job", "error", err)
					break
				}
				if job == nil {
					break
				}
				d.execute(ctx, job)
			}
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *Job) {
	proj, err := d.projects.Get(ctx, job.Project)
	if err != nil {
		d.finish(ctx, job, fmt.Errorf("failed to load project: %w", err))
		return
	}

	switch job.Kind {
	case KindCRMTicket:
		err = d.sendCRMTicket(ctx, proj, job)
	case KindEmail:
		err = d.sendEmail(ctx, proj, job)
	default:
		err = fmt.Errorf("unknown action kind %q", job.Kind)
	}
	d.finish(ctx, job, err)
}

func (d *Dispatcher) finish(ctx context.Context, job *Job, cause error) {
	if cause == nil {
		if err := d.store.complete(ctx, job.IdempotencyKey); err != nil {
			d.logger.Warn("Failed to complete action job", "job", job.IdempotencyKey, "error", err)
		}
		d.logger.Info("Action executed", "job", job.IdempotencyKey, "kind", job.Kind)
		return
	}
	d.logger.Warn("Action failed", "job", job.IdempotencyKey, "kind", job.Kind,
		"attempt", job.Attempts+1, "error", cause)
	if err := d.store.fail(ctx, job, cause); err != nil {
		d.logger.Warn("Failed to record action failure", "job", job.IdempotencyKey, "error", err)
	}
}

// sendCRMTicket posts the payload to the project's CRM webhook.
func (d *Dispatcher) sendCRMTicket(ctx context.Context, proj *project.Project, job *Job) error {
	webhook := proj.Integrations.CRMWebhookURL
	if webhook == "" {
		return fmt.Errorf("project has no CRM webhook configured")
	}
	parsed, err := url.Parse(webhook)
	if err != nil {
		return fmt.Errorf("invalid CRM webhook url: %w", err)
	}
	if err := d.guard.Check(ctx, parsed); err != nil {
		return fmt.Errorf("CRM webhook rejected: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"project":    job.Project,
		"request_id": job.RequestID,
		"ticket":     job.Payload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("CRM webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("CRM webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// sendEmail delivers the payload through the project's SMTP settings.
func (d *Dispatcher) sendEmail(ctx context.Context, proj *project.Project, job *Job) error {
	integrations := proj.Integrations
	if integrations.MailHost == "" || integrations.MailTo == "" {
		return fmt.Errorf("project has no mail integration configured")
	}

	subject, _ := job.Payload["subject"].(string)
	if subject == "" {
		subject = fmt.Sprintf("[%s] assistant notification", proj.Slug)
	}
	message, _ := job.Payload["message"].(string)
	contact, _ := job.Payload["contact"].(string)
	if contact != "" {
		message = message + "\n\nContact: " + contact
	}

	msg := mail.NewMsg()
	if err := msg.From(integrations.MailUser); err != nil {
		return fmt.Errorf("invalid mail sender: %w", err)
	}
	if err := msg.To(integrations.MailTo); err != nil {
		return fmt.Errorf("invalid mail recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, message)

	opts := []mail.Option{mail.WithTimeout(15 * time.Second)}
	if integrations.MailPort != 0 {
		opts = append(opts, mail.WithPort(integrations.MailPort))
	}
	if integrations.MailUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(integrations.MailUser),
			mail.WithPassword(integrations.MailPassword))
	}

	client, err := mail.NewClient(integrations.MailHost, opts...)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

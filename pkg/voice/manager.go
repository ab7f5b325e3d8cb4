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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/docstore"
	"github.com/lorekeep/lorekeep/pkg/orchestrator"
	"github.com/lorekeep/lorekeep/pkg/project"
)

// Config carries voice policy, bound from the environment.
type Config struct {
	SessionTimeout time.Duration `yaml:"session_timeout"`
	MaxSessions    int           `yaml:"max_sessions"`
	TTSCacheTTL    time.Duration `yaml:"tts_cache_ttl"`
}

// SetDefaults applies defaults for unset values.
func (c *Config) SetDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 5 * time.Minute
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 20
	}
	if c.TTSCacheTTL == 0 {
		c.TTSCacheTTL = 24 * time.Hour
	}
}

const gcInterval = 30 * time.Second

// Answerer runs the chat pipeline for a transcript.
type Answerer interface {
	Answer(ctx context.Context, req orchestrator.Request) (<-chan orchestrator.Event, error)
}

// Resolver loads enabled projects.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (*project.Project, error)
}

// Event is one downstream voice session event. Audio travels separately
// as binary frames; everything else is JSON.
type Event struct {
	Type       string              `json:"type"`
	Text       string              `json:"text,omitempty"`
	Transcript string              `json:"transcript,omitempty"`
	State      State               `json:"state,omitempty"`
	Inner      *orchestrator.Event `json:"inner,omitempty"`
	ErrorKind  string              `json:"error_kind,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Sink receives downstream events and audio for one session.
type Sink interface {
	// Send delivers one JSON event.
	Send(ctx context.Context, event Event) error

	// SendAudio delivers one synthesized audio chunk.
	SendAudio(ctx context.Context, audio []byte) error
}

// Manager owns all live sessions and enforces the global cap.
type Manager struct {
	config     Config
	projects   Resolver
	answerer   Answerer
	stt        Recognizer
	tts        Synthesizer
	cacheStore cache.Store
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the session manager. cacheStore may be nil, which
// disables audio caching.
func NewManager(cfg Config, projects Resolver, answerer Answerer, stt Recognizer, tts Synthesizer, cacheStore cache.Store) *Manager {
	cfg.SetDefaults()
	return &Manager{
		config:     cfg,
		projects:   projects,
		answerer:   answerer,
		stt:        stt,
		tts:        tts,
		cacheStore: cacheStore,
		logger:     slog.Default().With("component", "voice"),
		sessions:   make(map[string]*Session),
	}
}

// Start allocates a session, subject to the global concurrency cap.
func (m *Manager) Start(ctx context.Context, projectSlug, language string, opts Options) (*Session, error) {
	proj, err := m.projects.Resolve(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	if !proj.Features.Voice {
		return nil, apierr.New(apierr.KindProjectMisconfigured, "voice is not enabled for this project")
	}
	if language == "" {
		language = "en-US"
	}

	session := &Session{
		ID:           uuid.NewString(),
		Project:      proj.Slug,
		Language:     language,
		Options:      opts,
		CreatedAt:    time.Now(),
		state:        StateIdle,
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.config.MaxSessions {
		return nil, apierr.New(apierr.KindResourceExhausted, "too many voice sessions")
	}
	m.sessions[session.ID] = session
	m.logger.Info("Voice session started", "session", session.ID, "project", proj.Slug)
	return session, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, apierr.New(apierr.KindValidation, "voice session not found")
	}
	return session, nil
}

// Close ends a session and releases its slot.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		_ = session.transition(StateClosed)
		m.logger.Info("Voice session closed", "session", id)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run garbage-collects idle sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.config.SessionTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, session := range m.sessions {
		if session.LastActivity().Before(cutoff) {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range expired {
		_ = session.transition(StateClosed)
		m.logger.Info("Voice session expired", "session", session.ID)
	}
}

// PushAudio buffers an upstream audio chunk on a session.
func (m *Manager) PushAudio(session *Session, chunk []byte) error {
	return session.appendAudio(chunk)
}

// EndUtterance runs the buffered audio through recognition, the answer
// pipeline and synthesis, delivering events and audio to sink. The session
// returns to idle on success and error state on failure.
func (m *Manager) EndUtterance(ctx context.Context, session *Session, sink Sink) error {
	if err := session.transition(StateProcessing); err != nil {
		return err
	}
	if err := m.runUtterance(ctx, session, sink); err != nil {
		_ = session.transition(StateError)
		_ = sink.Send(ctx, Event{
			Type:      "error",
			ErrorKind: string(apierr.KindOf(err)),
			Error:     err.Error(),
		})
		return err
	}
	return nil
}

func (m *Manager) runUtterance(ctx context.Context, session *Session, sink Sink) error {
	if m.stt == nil || m.tts == nil {
		return apierr.New(apierr.KindProjectMisconfigured, "speech providers are not configured")
	}

	audio := session.takeUtterance()
	if len(audio) == 0 {
		return apierr.New(apierr.KindValidation, "no audio buffered for utterance")
	}

	transcript, err := m.stt.Transcribe(ctx, audio, session.Language)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstreamTransient, "speech recognition failed", err)
	}
	if transcript == "" {
		// Silence; go back to idle without a dialog turn.
		return session.transition(StateIdle)
	}

	session.appendTurn("user", transcript)
	if err := sink.Send(ctx, Event{Type: "transcript", Transcript: transcript}); err != nil {
		return err
	}

	answer, err := m.converse(ctx, session, transcript, sink)
	if err != nil {
		return err
	}
	session.appendTurn("assistant", answer)

	if err := session.transition(StateSpeaking); err != nil {
		return err
	}
	if err := m.speak(ctx, session, answer, sink); err != nil {
		return err
	}
	return session.transition(StateIdle)
}

// converse streams the answer pipeline, forwarding its events, and returns
// the accumulated assistant text.
func (m *Manager) converse(ctx context.Context, session *Session, transcript string, sink Sink) (string, error) {
	history := session.historyCopy()
	// The transcript was already appended as the latest user turn.
	if len(history) > 0 {
		history = history[:len(history)-1]
	}

	events, err := m.answerer.Answer(ctx, orchestrator.Request{
		Project: session.Project,
		Message: transcript,
		History: history,
		Voice:   true,
	})
	if err != nil {
		return "", err
	}

	var answer string
	for event := range events {
		inner := event
		switch event.Type {
		case orchestrator.EventToken:
			answer += event.Token
			if err := sink.Send(ctx, Event{Type: "token", Text: event.Token}); err != nil {
				return "", err
			}
		case orchestrator.EventError:
			return "", apierr.New(apierr.Kind(event.ErrorKind), event.Error)
		default:
			if err := sink.Send(ctx, Event{Type: string(event.Type), Inner: &inner}); err != nil {
				return "", err
			}
		}
	}
	if answer == "" {
		return "", apierr.New(apierr.KindInternal, "answer stream produced no text")
	}
	return answer, nil
}

// speak synthesizes the answer, consulting the audio cache first.
func (m *Manager) speak(ctx context.Context, session *Session, text string, sink Sink) error {
	audio, err := m.synthesizeCached(ctx, session, text)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstreamTransient, "speech synthesis failed", err)
	}
	return sink.SendAudio(ctx, audio)
}

func (m *Manager) synthesizeCached(ctx context.Context, session *Session, text string) ([]byte, error) {
	opts := session.Options
	key := ""
	if m.cacheStore != nil {
		digest := docstore.HashText(fmt.Sprintf("%s\x1f%s\x1f%s", text, opts.Voice, opts.Emotion))
		key = cache.Key(cache.NamespaceTTS, session.Project, digest)
		if audio, err := m.cacheStore.Get(ctx, key); err == nil {
			return audio, nil
		}
	}

	audio, err := m.tts.Synthesize(ctx, text, opts.Voice, opts.Emotion)
	if err != nil {
		return nil, err
	}
	if key != "" {
		if err := m.cacheStore.Set(ctx, key, audio, m.config.TTSCacheTTL); err != nil {
			m.logger.Warn("Failed to cache synthesized audio", "session", session.ID, "error", err)
		}
	}
	return audio, nil
}

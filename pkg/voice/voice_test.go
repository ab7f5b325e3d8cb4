package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/orchestrator"
	"github.com/lorekeep/lorekeep/pkg/project"
)

type fakeResolver struct{ proj *project.Project }

func (f *fakeResolver) Resolve(context.Context, string) (*project.Project, error) {
	return f.proj, nil
}

type fakeAnswerer struct {
	answer string
}

func (f *fakeAnswerer) Answer(context.Context, orchestrator.Request) (<-chan orchestrator.Event, error) {
	out := make(chan orchestrator.Event, 2)
	out <- orchestrator.Event{Type: orchestrator.EventToken, Token: f.answer}
	out <- orchestrator.Event{Type: orchestrator.EventDone}
	close(out)
	return out, nil
}

type fakeRecognizer struct {
	transcript string
}

func (f *fakeRecognizer) Transcribe(context.Context, []byte, string) (string, error) {
	return f.transcript, nil
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text, _, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []byte("audio:" + text), nil
}

type memorySink struct {
	events []Event
	audio  [][]byte
}

func (s *memorySink) Send(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) SendAudio(_ context.Context, audio []byte) error {
	s.audio = append(s.audio, audio)
	return nil
}

func voiceProject() *project.Project {
	return &project.Project{
		Slug:     "acme",
		Title:    "Acme",
		Features: project.Features{Voice: true},
		Enabled:  true,
	}
}

func testManager(tts *fakeSynthesizer) *Manager {
	return NewManager(Config{MaxSessions: 2},
		&fakeResolver{proj: voiceProject()},
		&fakeAnswerer{answer: "We open at 9am."},
		&fakeRecognizer{transcript: "When do you open?"},
		tts,
		cache.NewMemoryStore())
}

func TestSessionStateMachine(t *testing.T) {
	s := &Session{state: StateIdle}

	require.NoError(t, s.transition(StateListening))
	require.NoError(t, s.transition(StateProcessing))
	require.NoError(t, s.transition(StateSpeaking))
	require.NoError(t, s.transition(StateIdle))

	// Speaking cannot restart listening without returning to idle first.
	require.NoError(t, s.transition(StateListening))
	require.NoError(t, s.transition(StateProcessing))
	require.NoError(t, s.transition(StateSpeaking))
	assert.Error(t, s.transition(StateListening))

	require.NoError(t, s.transition(StateError))
	require.NoError(t, s.transition(StateIdle))

	require.NoError(t, s.transition(StateClosed))
	assert.Error(t, s.transition(StateIdle))
}

func TestStartEnforcesSessionCap(t *testing.T) {
	m := testManager(&fakeSynthesizer{})
	ctx := context.Background()

	_, err := m.Start(ctx, "acme", "en-US", Options{})
	require.NoError(t, err)
	second, err := m.Start(ctx, "acme", "en-US", Options{})
	require.NoError(t, err)

	_, err = m.Start(ctx, "acme", "en-US", Options{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindResourceExhausted, apierr.KindOf(err))

	m.Close(second.ID)
	_, err = m.Start(ctx, "acme", "en-US", Options{})
	assert.NoError(t, err)
}

func TestStartRejectsVoiceDisabledProject(t *testing.T) {
	proj := voiceProject()
	proj.Features.Voice = false
	m := NewManager(Config{}, &fakeResolver{proj: proj}, &fakeAnswerer{}, &fakeRecognizer{}, &fakeSynthesizer{}, nil)

	_, err := m.Start(context.Background(), "acme", "en-US", Options{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindProjectMisconfigured, apierr.KindOf(err))
}

func TestEndUtterancePipeline(t *testing.T) {
	tts := &fakeSynthesizer{}
	m := testManager(tts)
	ctx := context.Background()

	session, err := m.Start(ctx, "acme", "en-US", Options{Voice: "nova"})
	require.NoError(t, err)
	require.NoError(t, m.PushAudio(session, []byte("pcm-bytes")))

	sink := &memorySink{}
	require.NoError(t, m.EndUtterance(ctx, session, sink))

	assert.Equal(t, StateIdle, session.State())
	require.Len(t, sink.audio, 1)
	assert.Equal(t, []byte("audio:We open at 9am."), sink.audio[0])

	var types []string
	for _, event := range sink.events {
		types = append(types, event.Type)
	}
	assert.Contains(t, types, "transcript")
	assert.Contains(t, types, "token")

	history := session.historyCopy()
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestEndUtteranceReusesCachedAudio(t *testing.T) {
	tts := &fakeSynthesizer{}
	m := testManager(tts)
	ctx := context.Background()

	session, err := m.Start(ctx, "acme", "en-US", Options{Voice: "nova"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, m.PushAudio(session, []byte("pcm-bytes")))
		require.NoError(t, m.EndUtterance(ctx, session, &memorySink{}))
	}
	assert.Equal(t, 1, tts.calls)
}

func TestPushAudioBoundsBuffer(t *testing.T) {
	s := &Session{state: StateIdle}
	require.NoError(t, s.appendAudio(make([]byte, maxUtteranceBytes)))
	err := s.appendAudio([]byte{0})
	require.Error(t, err)
	assert.Equal(t, apierr.KindResourceExhausted, apierr.KindOf(err))
}

func TestSweepClosesIdleSessions(t *testing.T) {
	m := testManager(&fakeSynthesizer{})
	session, err := m.Start(context.Background(), "acme", "en-US", Options{})
	require.NoError(t, err)

	session.mu.Lock()
	session.lastActivity = session.lastActivity.Add(-time.Hour)
	session.mu.Unlock()

	m.sweep()
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, StateClosed, session.State())
}

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
	"sync"
	"time"

	"github.com/lorekeep/lorekeep/pkg/apierr"
	"github.com/lorekeep/lorekeep/pkg/prompt"
)

// State is a session state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// transitions lists the legal moves. StateError is reachable from any
// state and StateClosed is terminal; both are handled in transition.
var transitions = map[State][]State{
	StateIdle:       {StateListening},
	StateListening:  {StateProcessing, StateIdle},
	StateProcessing: {StateSpeaking, StateIdle},
	StateSpeaking:   {StateIdle},
	StateError:      {StateIdle},
}

const (
	// maxUtteranceBytes bounds the audio buffered for one utterance.
	maxUtteranceBytes = 2 << 20

	// maxHistoryTurns bounds the dialog history kept per session.
	maxHistoryTurns = 12
)

// Options selects synthesis behaviour for a session.
type Options struct {
	Voice   string `json:"voice,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// Session is one live voice interaction.
type Session struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Language  string    `json:"language"`
	Options   Options   `json:"options"`
	CreatedAt time.Time `json:"created_at"`

	mu           sync.Mutex
	state        State
	buffer       bytes.Buffer
	history      []prompt.Turn
	lastActivity time.Time
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last interaction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// transition moves the state machine, rejecting illegal moves. Any state
// may enter StateError or StateClosed; StateClosed is terminal.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return apierr.New(apierr.KindConflict, "voice session is closed")
	}
	if to == StateError || to == StateClosed {
		s.state = to
		s.lastActivity = time.Now()
		return nil
	}
	for _, legal := range transitions[s.state] {
		if legal == to {
			s.state = to
			s.lastActivity = time.Now()
			return nil
		}
	}
	return apierr.New(apierr.KindConflict,
		"illegal voice session transition "+string(s.state)+" -> "+string(to))
}

// appendAudio buffers an upstream audio chunk, entering listening from
// idle on the first chunk of an utterance.
func (s *Session) appendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StateError:
		s.state = StateListening
	case StateListening:
	default:
		return apierr.New(apierr.KindConflict,
			"audio not accepted while "+string(s.state))
	}

	if s.buffer.Len()+len(chunk) > maxUtteranceBytes {
		return apierr.New(apierr.KindResourceExhausted, "utterance buffer full")
	}
	s.buffer.Write(chunk)
	s.lastActivity = time.Now()
	return nil
}

// takeUtterance drains and returns the buffered audio.
func (s *Session) takeUtterance() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	audio := make([]byte, s.buffer.Len())
	copy(audio, s.buffer.Bytes())
	s.buffer.Reset()
	return audio
}

// appendTurn records a dialog turn, keeping the history bounded.
func (s *Session) appendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, prompt.Turn{Role: role, Content: content})
	if len(s.history) > maxHistoryTurns {
		s.history = s.history[len(s.history)-maxHistoryTurns:]
	}
	s.lastActivity = time.Now()
}

// historyCopy snapshots the dialog history.
func (s *Session) historyCopy() []prompt.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]prompt.Turn, len(s.history))
	copy(out, s.history)
	return out
}

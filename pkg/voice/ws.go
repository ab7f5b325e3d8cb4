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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	pingInterval = 20 * time.Second
	pingTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second

	// maxFrameBytes bounds one inbound audio or control frame.
	maxFrameBytes = 256 << 10
)

// control is an inbound JSON command on the session socket.
type control struct {
	Type string `json:"type"`
}

// wsSink adapts a websocket connection to the Sink interface. Audio goes
// out as binary frames, everything else as JSON text frames.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, event)
}

func (s *wsSink) SendAudio(ctx context.Context, audio []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageBinary, audio)
}

// HandleWS upgrades the request and serves one session's bidirectional
// stream until the peer disconnects, the session closes, or pings time out.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request, sessionID string, originPatterns []string) {
	session, err := m.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		m.logger.Warn("WebSocket accept failed", "session", sessionID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Keep-alive: a failed ping cancels the whole session handler.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					m.logger.Info("Voice session ping timeout", "session", sessionID)
					cancel()
					return
				}
			}
		}
	}()

	sink := &wsSink{conn: conn}
	_ = sink.Send(ctx, Event{Type: "state", State: session.State()})

	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				return
			}
			m.logger.Info("Voice session read ended", "session", sessionID, "error", err)
			return
		}

		switch kind {
		case websocket.MessageBinary:
			if err := m.PushAudio(session, data); err != nil {
				_ = sink.Send(ctx, Event{Type: "error", Error: err.Error()})
			}
		case websocket.MessageText:
			var cmd control
			if err := json.Unmarshal(data, &cmd); err != nil {
				_ = sink.Send(ctx, Event{Type: "error", Error: "malformed control frame"})
				continue
			}
			switch cmd.Type {
			case "end_utterance":
				if err := m.EndUtterance(ctx, session, sink); err != nil {
					m.logger.Warn("Utterance failed", "session", sessionID, "error", err)
					continue
				}
				_ = sink.Send(ctx, Event{Type: "state", State: session.State()})
			case "close":
				m.Close(sessionID)
				return
			default:
				_ = sink.Send(ctx, Event{Type: "error", Error: "unknown control type"})
			}
		}
	}
}

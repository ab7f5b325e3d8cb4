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

// Package voice runs real-time audio sessions: speech recognition, the
// answer pipeline and synthesis behind a per-session state machine.
package voice

import "context"

// Recognizer converts a buffered utterance into text. Vendor SDKs sit
// behind this interface and are selected at startup.
type Recognizer interface {
	// Transcribe recognizes one utterance. An empty transcript with a nil
	// error means silence.
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Synthesizer renders assistant text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceName, emotion string) ([]byte, error)
}

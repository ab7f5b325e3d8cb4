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

// Package prompt compiles the message sequence sent to the model: system
// prompt, cited context, bounded history, user turn.
package prompt

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lorekeep/lorekeep/pkg/llm"
	"github.com/lorekeep/lorekeep/pkg/project"
	"github.com/lorekeep/lorekeep/pkg/retriever"
)

const (
	// defaultTokenBudget bounds the whole compiled prompt.
	defaultTokenBudget = 4096

	// maxHistoryTurns bounds how many prior turns are kept.
	maxHistoryTurns = 6

	// perMessageOverhead approximates role framing tokens per message.
	perMessageOverhead = 4
)

// ellipsis is appended to truncated context.
const ellipsis = "…"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates tokens with the cl100k_base encoding; when the
// encoding cannot be loaded it falls back to a bytes/4 estimate.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// Builder compiles prompts within a token budget.
type Builder struct {
	budget int
}

// NewBuilder creates a builder. A zero budget selects the default.
func NewBuilder(tokenBudget int) *Builder {
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &Builder{budget: tokenBudget}
}

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Citation maps a [n] marker back to its source.
type Citation struct {
	Index     int    `json:"index"`
	ChunkID   string `json:"chunk_id"`
	SourceURL string `json:"source_url,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Compiled is the ready-to-send message sequence plus its citation table.
type Compiled struct {
	Messages  []llm.Message
	Citations []Citation
	Tokens    int
}

// Build compiles the prompt. Chunks must arrive ranked best first; when
// the budget overflows, the lowest-scored chunks are dropped and the last
// surviving chunk is truncated at a sentence boundary.
func (b *Builder) Build(proj *project.Project, results []retriever.Result, history []Turn, userMsg string) *Compiled {
	system := b.systemMessage(proj)

	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}

	fixed := countTokens(system) + countTokens(userMsg) + 2*perMessageOverhead
	for _, turn := range history {
		fixed += countTokens(turn.Content) + perMessageOverhead
	}

	contextBudget := b.budget - fixed
	contextMsg, citations := b.contextMessage(results, contextBudget)

	messages := make([]llm.Message, 0, len(history)+3)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	if contextMsg != "" {
		messages = append(messages, llm.Message{Role: "system", Content: contextMsg})
	}
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMsg})

	total := fixed
	if contextMsg != "" {
		total += countTokens(contextMsg) + perMessageOverhead
	}
	return &Compiled{Messages: messages, Citations: citations, Tokens: total}
}

func (b *Builder) systemMessage(proj *project.Project) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(proj.SystemPrompt))
	sb.WriteString("\n\n")
	sb.WriteString("Answer strictly from the provided context. ")
	sb.WriteString("Cite the context passages you used as [1], [2] and so on. ")
	fmt.Fprintf(&sb, "If the context does not contain the answer, reply exactly: %q", proj.Sentinel())
	return sb.String()
}

// contextMessage renders the retrieved chunks with stable [n] markers,
// dropping from the tail (lowest score) when the budget overflows.
func (b *Builder) contextMessage(results []retriever.Result, budget int) (string, []Citation) {
	if len(results) == 0 || budget <= 0 {
		return "", nil
	}

	header := "Context passages:\n"
	used := countTokens(header)

	var sb strings.Builder
	sb.WriteString(header)
	var citations []Citation

	for i, result := range results {
		entry := renderEntry(i+1, &result)
		cost := countTokens(entry)

		if used+cost > budget {
			// Reserve room for the citation framing around the
			// truncated content.
			frame := result
			frame.Content = ellipsis
			remaining := budget - used - countTokens(renderEntry(i+1, &frame))
			if remaining <= 0 {
				break
			}
			truncated := truncateToTokens(result.Content, remaining)
			if truncated == "" {
				break
			}
			shortened := result
			shortened.Content = truncated
			entry = renderEntry(i+1, &shortened)
			sb.WriteString(entry)
			citations = append(citations, citation(i+1, &result))
			break
		}

		sb.WriteString(entry)
		used += cost
		citations = append(citations, citation(i+1, &result))
	}

	if len(citations) == 0 {
		return "", nil
	}
	return sb.String(), citations
}

func renderEntry(index int, result *retriever.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d]", index)
	if result.Title != "" {
		fmt.Fprintf(&sb, " %s", result.Title)
	}
	if result.SourceURL != "" {
		fmt.Fprintf(&sb, " (%s)", result.SourceURL)
	}
	sb.WriteString("\n")
	content := result.Content
	if content == "" {
		content = result.Excerpt
	}
	sb.WriteString(strings.TrimSpace(content))
	sb.WriteString("\n\n")
	return sb.String()
}

func citation(index int, result *retriever.Result) Citation {
	return Citation{
		Index:     index,
		ChunkID:   result.ChunkID,
		SourceURL: result.SourceURL,
		Title:     result.Title,
	}
}

// truncateToTokens cuts text to roughly maxTokens, preferring a sentence
// boundary and appending an ellipsis. UTF-8 sequences are never split.
func truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= perMessageOverhead {
		return ""
	}
	if countTokens(text) <= maxTokens {
		return text
	}

	// Binary search the longest prefix within budget.
	low, high := 0, len(text)
	for low < high {
		mid := (low + high + 1) / 2
		cut := validPrefix(text, mid)
		if countTokens(cut) <= maxTokens-1 {
			low = len(cut)
		} else {
			high = len(cut) - 1
		}
	}
	cut := validPrefix(text, low)
	if cut == "" {
		return ""
	}

	// Prefer ending at a sentence boundary when one exists in the back
	// half of the cut.
	if idx := lastSentenceEnd(cut); idx > len(cut)/2 {
		return cut[:idx]
	}
	if idx := strings.LastIndex(cut, " "); idx > len(cut)/2 {
		cut = cut[:idx]
	}
	return cut + ellipsis
}

// validPrefix returns the longest prefix of at most n bytes that does not
// split a UTF-8 sequence.
func validPrefix(text string, n int) string {
	if n >= len(text) {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n", "。", "！", "？"}

func lastSentenceEnd(text string) int {
	best := -1
	for _, ender := range sentenceEnders {
		if idx := strings.LastIndex(text, ender); idx >= 0 {
			end := idx + len(ender)
			if end > best {
				best = end
			}
		}
	}
	return best
}

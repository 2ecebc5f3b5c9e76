// Package aggregate assembles streamed tokens into whole conversation turns.
//
// The user aggregator buffers speech-to-text output between the
// started-speaking and stopped-speaking signals and yields exactly one user
// message per turn. The assistant aggregator buffers language-model tokens
// between response-start and response-end, runs the reference repair before
// committing, and yields exactly one assistant message per generation.
//
// Aggregators hold no reference to the LLM context themselves; the pipeline
// wires their completed turns into the engine, which owns the context.
package aggregate

import (
	"strings"
	"sync"
)

// UserAggregator accumulates transcribed user speech for the current turn.
// Safe for concurrent use, though the pipeline drives it from one goroutine.
type UserAggregator struct {
	mu        sync.Mutex
	speaking  bool
	fragments []string
}

// NewUserAggregator creates an empty user aggregator.
func NewUserAggregator() *UserAggregator {
	return &UserAggregator{}
}

// StartTurn marks the beginning of user speech. Fragments arriving before
// StartTurn are still buffered; speech recognition often finalizes a word or
// two before the VAD confirms onset.
func (a *UserAggregator) StartTurn() {
	a.mu.Lock()
	a.speaking = true
	a.mu.Unlock()
}

// AddTranscript buffers one final transcript fragment.
func (a *UserAggregator) AddTranscript(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	a.mu.Lock()
	a.fragments = append(a.fragments, text)
	a.mu.Unlock()
}

// EndTurn marks the end of user speech and returns the assembled turn. The
// boolean is false when no speech accumulated, in which case no user message
// must be pushed.
func (a *UserAggregator) EndTurn() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.speaking = false
	if len(a.fragments) == 0 {
		return "", false
	}
	turn := strings.Join(a.fragments, " ")
	a.fragments = nil
	return turn, true
}

// Speaking reports whether a turn is currently open.
func (a *UserAggregator) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaking
}

// Pending returns the text buffered so far without closing the turn. The
// turn-end classifier reads this as the prefix of the current segment.
func (a *UserAggregator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.fragments, " ")
}

// Reset discards any buffered speech, e.g. after an interruption cancels the
// turn.
func (a *UserAggregator) Reset() {
	a.mu.Lock()
	a.fragments = nil
	a.speaking = false
	a.mu.Unlock()
}

// CorrectionFunc repairs an assembled assistant turn before it is committed.
// The engine supplies one backed by the reference text it accumulated from
// the model's own token stream.
type CorrectionFunc func(corrupted string) string

// AssistantAggregator accumulates assistant tokens for the current
// generation. Safe for concurrent use.
type AssistantAggregator struct {
	mu      sync.Mutex
	open    bool
	builder strings.Builder
	correct CorrectionFunc
}

// NewAssistantAggregator creates an assistant aggregator. correct may be nil,
// in which case turns are committed verbatim.
func NewAssistantAggregator(correct CorrectionFunc) *AssistantAggregator {
	return &AssistantAggregator{correct: correct}
}

// StartResponse marks the beginning of a generation. Tokens from a previous
// unterminated response are discarded.
func (a *AssistantAggregator) StartResponse() {
	a.mu.Lock()
	a.open = true
	a.builder.Reset()
	a.mu.Unlock()
}

// AddText buffers one token of assistant output. Tokens outside an open
// response are ignored.
func (a *AssistantAggregator) AddText(text string) {
	a.mu.Lock()
	if a.open {
		a.builder.WriteString(text)
	}
	a.mu.Unlock()
}

// EndResponse closes the generation, runs the correction, and returns the
// final assistant turn. The boolean is false when the generation produced no
// text (a pure tool-call response), in which case no assistant message must
// be pushed.
func (a *AssistantAggregator) EndResponse() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	turn := strings.TrimSpace(a.builder.String())
	a.builder.Reset()
	if turn == "" {
		return "", false
	}
	if a.correct != nil {
		turn = a.correct(turn)
	}
	return turn, true
}

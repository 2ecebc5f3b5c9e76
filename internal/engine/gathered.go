package engine

import "sync"

// Well-known gathered context keys.
const (
	// KeyCallDisposition is the disposition extracted from the conversation.
	KeyCallDisposition = "call_disposition"

	// KeyMappedDisposition is the tenant-mapped disposition written at
	// termination.
	KeyMappedDisposition = "mapped_call_disposition"

	// KeyCallTags is the accumulated []string of call tags.
	KeyCallTags = "call_tags"

	// KeyVoicemailTranscript and KeyVoicemailConfidence record the voicemail
	// detector's evidence.
	KeyVoicemailTranscript = "voicemail_transcript"
	KeyVoicemailConfidence = "voicemail_confidence"
)

// Call tags appended when the answering-machine detector terminates a call.
const (
	TagVoicemailDetected = "voicemail_detected"
	TagNotConnected      = "not_connected"
)

// Gathered is the bag of values collected during a call: extracted
// variables, tags, and the final dispositions. It is the only state that
// background tasks (extraction, voicemail classification) write into, so it
// is safe for concurrent use.
type Gathered struct {
	mu     sync.Mutex
	values map[string]any
}

// NewGathered creates an empty gathered context.
func NewGathered() *Gathered {
	return &Gathered{values: make(map[string]any)}
}

// Set stores one value.
func (g *Gathered) Set(key string, value any) {
	g.mu.Lock()
	g.values[key] = value
	g.mu.Unlock()
}

// SetAll stores every entry of m.
func (g *Gathered) SetAll(m map[string]any) {
	g.mu.Lock()
	for k, v := range m {
		g.values[k] = v
	}
	g.mu.Unlock()
}

// Get returns one value.
func (g *Gathered) Get(key string) (any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.values[key]
	return v, ok
}

// GetString returns a value coerced to string; empty when absent or not a
// string.
func (g *Gathered) GetString(key string) string {
	v, ok := g.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// AddTags appends tags to the call_tags list, skipping duplicates.
func (g *Gathered) AddTags(tags ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, _ := g.values[KeyCallTags].([]string)
	for _, tag := range tags {
		dup := false
		for _, have := range existing {
			if have == tag {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, tag)
		}
	}
	g.values[KeyCallTags] = existing
}

// Tags returns the current call tags.
func (g *Gathered) Tags() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, _ := g.values[KeyCallTags].([]string)
	out := make([]string, len(existing))
	copy(out, existing)
	return out
}

// Snapshot returns a copy of every value, suitable for persisting into the
// workflow run record.
func (g *Gathered) Snapshot() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]any, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

// Package voicemail implements answering-machine detection for the opening
// seconds of an outbound call.
//
// The detector taps the caller audio independently of VAD, collects a
// bounded window, transcribes it, and classifies the transcript in two
// stages: a cheap fuzzy match against known voicemail greeting phrases, then
// an LLM classification for transcripts the pre-match is unsure about. A
// positive verdict invokes the configured callback, which terminates the
// call with the voicemail disposition.
package voicemail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/stt"
)

const (
	// defaultDetectionWindow is how much caller audio is analysed.
	defaultDetectionWindow = 5 * time.Second

	// greetingMatchThreshold is the Jaro-Winkler similarity above which a
	// transcript counts as a known voicemail greeting without consulting the
	// LLM.
	greetingMatchThreshold = 0.88

	// classifyTimeout bounds the LLM classification call.
	classifyTimeout = 8 * time.Second
)

// knownGreetings are openings that voicemail systems speak near-verbatim.
// The fuzzy pre-match absorbs transcription noise.
var knownGreetings = []string{
	"please leave a message after the tone",
	"please leave your message after the tone",
	"please record your message after the tone",
	"the person you are trying to reach is not available",
	"the number you have dialed is not available",
	"you have reached the voicemail of",
	"your call has been forwarded to an automated voice messaging system",
	"at the tone please record your message",
	"no one is available to take your call",
}

// Result is the detector's verdict.
type Result struct {
	IsVoicemail bool
	Confidence  float64
	Transcript  string
	Reasoning   string
}

// Config assembles a Detector.
type Config struct {
	// STT transcribes the tapped audio.
	STT stt.Provider

	// LLM classifies transcripts the greeting pre-match is unsure about.
	LLM llm.Provider

	// SampleRate and Encoding describe the tapped audio.
	SampleRate int
	Encoding   string

	// Window bounds the analysed audio; defaults to 5 s.
	Window time.Duration

	// OnVoicemail runs when the verdict is positive.
	OnVoicemail func(res Result)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Detector analyses the opening audio of one call.
type Detector struct {
	cfg Config
	log *slog.Logger
}

// New creates a Detector.
func New(cfg Config) (*Detector, error) {
	if cfg.STT == nil {
		return nil, errors.New("voicemail: STT provider is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("voicemail: LLM provider is required")
	}
	if cfg.OnVoicemail == nil {
		return nil, errors.New("voicemail: OnVoicemail callback is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultDetectionWindow
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Detector{cfg: cfg, log: log}, nil
}

// Run consumes tapped caller audio until the detection window elapses, the
// channel closes (call disconnected), or ctx is cancelled, then classifies
// what was heard. Run is launched as an isolated background task by the
// pipeline; it never touches the LLM context.
func (d *Detector) Run(ctx context.Context, audio <-chan []byte) {
	transcript, err := d.transcribeWindow(ctx, audio)
	if err != nil {
		d.log.Warn("voicemail transcription failed", "error", err)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		return
	}

	res := d.classify(ctx, transcript)
	d.log.Info("voicemail analysis complete",
		"is_voicemail", res.IsVoicemail, "confidence", res.Confidence)
	if res.IsVoicemail {
		d.cfg.OnVoicemail(res)
	}
}

// transcribeWindow streams tapped audio into an STT session for the
// detection window and returns the concatenated final transcripts.
func (d *Detector) transcribeWindow(ctx context.Context, audio <-chan []byte) (string, error) {
	session, err := d.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: d.cfg.SampleRate,
		Channels:   1,
		Encoding:   d.cfg.Encoding,
	})
	if err != nil {
		return "", fmt.Errorf("voicemail: start stt stream: %w", err)
	}

	var parts []string
	partsDone := make(chan struct{})
	go func() {
		defer close(partsDone)
		for t := range session.Finals() {
			if t.Text != "" {
				parts = append(parts, t.Text)
			}
		}
	}()
	// Partials are irrelevant here but must be drained.
	go func() {
		for range session.Partials() {
		}
	}()

	deadline := time.NewTimer(d.cfg.Window)
	defer deadline.Stop()

feed:
	for {
		select {
		case <-ctx.Done():
			break feed
		case <-deadline.C:
			break feed
		case chunk, ok := <-audio:
			if !ok {
				break feed
			}
			if err := session.SendAudio(chunk); err != nil {
				break feed
			}
		}
	}

	// Close flushes pending audio and closes the transcript channels.
	if err := session.Close(); err != nil {
		return "", fmt.Errorf("voicemail: close stt session: %w", err)
	}
	<-partsDone

	return strings.Join(parts, " "), nil
}

// classify runs the greeting pre-match and falls through to the LLM.
func (d *Detector) classify(ctx context.Context, transcript string) Result {
	if score, greeting := matchKnownGreeting(transcript); score >= greetingMatchThreshold {
		return Result{
			IsVoicemail: true,
			Confidence:  score,
			Transcript:  transcript,
			Reasoning:   fmt.Sprintf("matched known voicemail greeting %q", greeting),
		}
	}
	return d.classifyLLM(ctx, transcript)
}

// matchKnownGreeting returns the best Jaro-Winkler similarity between the
// transcript and the known greeting phrases. Long transcripts are compared
// in a sliding fashion by checking each greeting against the transcript
// prefix of comparable length.
func matchKnownGreeting(transcript string) (float64, string) {
	normalized := normalize(transcript)
	var bestScore float64
	var bestGreeting string
	for _, g := range knownGreetings {
		window := normalized
		if len(window) > len(g)+16 {
			window = window[:len(g)+16]
		}
		score := matchr.JaroWinkler(window, g, true)
		if strings.Contains(normalized, g) {
			score = 1
		}
		if score > bestScore {
			bestScore = score
			bestGreeting = g
		}
	}
	return bestScore, bestGreeting
}

func normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// classificationPrompt instructs the model to return a strict JSON verdict.
const classificationPrompt = `You classify the opening seconds of an outbound phone call. Decide whether the audio transcript below comes from a voicemail greeting or answering machine rather than a live person.

Respond with a single JSON object: {"is_voicemail": bool, "confidence": number between 0 and 1, "reasoning": string}.`

// llmVerdict mirrors the JSON the classification prompt requests.
type llmVerdict struct {
	IsVoicemail bool    `json:"is_voicemail"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

func (d *Detector) classifyLLM(ctx context.Context, transcript string) Result {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	resp, err := d.cfg.LLM.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classificationPrompt},
			{Role: llm.RoleUser, Content: transcript},
		},
	})
	if err != nil {
		d.log.Warn("voicemail classification failed", "error", err)
		return Result{Transcript: transcript}
	}

	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end < start {
		d.log.Warn("voicemail classifier returned no JSON", "content", resp.Content)
		return Result{Transcript: transcript}
	}
	var v llmVerdict
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &v); err != nil {
		d.log.Warn("voicemail classifier JSON malformed", "error", err)
		return Result{Transcript: transcript}
	}

	return Result{
		IsVoicemail: v.IsVoicemail,
		Confidence:  v.Confidence,
		Transcript:  transcript,
		Reasoning:   v.Reasoning,
	}
}

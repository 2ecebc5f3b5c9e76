package processors

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/parleyvoice/parley/pkg/frame"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	llmmock "github.com/parleyvoice/parley/pkg/provider/llm/mock"
	"github.com/parleyvoice/parley/pkg/provider/stt"
	sttmock "github.com/parleyvoice/parley/pkg/provider/stt/mock"
	"github.com/parleyvoice/parley/pkg/provider/tts"
	ttsmock "github.com/parleyvoice/parley/pkg/provider/tts/mock"
	"github.com/parleyvoice/parley/pkg/provider/vad"
	vadmock "github.com/parleyvoice/parley/pkg/provider/vad/mock"
)

// fakeEngine records the engine hooks the stages invoke.
type fakeEngine struct {
	mu sync.Mutex

	userStarts, userStops  int
	userTurns              []string
	assistantTurns         []string
	generationsStarted     int
	generationsComplete    int
	reference              strings.Builder
	toolCalls              []llm.ToolCall
	botStarted, botStopped int
}

func (e *fakeEngine) OnUserStartedSpeaking() { e.mu.Lock(); e.userStarts++; e.mu.Unlock() }
func (e *fakeEngine) OnUserStoppedSpeaking() { e.mu.Lock(); e.userStops++; e.mu.Unlock() }
func (e *fakeEngine) CommitUserTurn(_ context.Context, text string) {
	e.mu.Lock()
	e.userTurns = append(e.userTurns, text)
	e.mu.Unlock()
}
func (e *fakeEngine) CommitAssistantTurn(text string) {
	e.mu.Lock()
	e.assistantTurns = append(e.assistantTurns, text)
	e.mu.Unlock()
}
func (e *fakeEngine) OnGenerationStarted() { e.mu.Lock(); e.generationsStarted++; e.mu.Unlock() }
func (e *fakeEngine) OnGenerationComplete(context.Context) {
	e.mu.Lock()
	e.generationsComplete++
	e.mu.Unlock()
}
func (e *fakeEngine) HandleLLMTextFrame(text string) {
	e.mu.Lock()
	e.reference.WriteString(text)
	e.mu.Unlock()
}
func (e *fakeEngine) HandleToolCall(_ context.Context, call llm.ToolCall) {
	e.mu.Lock()
	e.toolCalls = append(e.toolCalls, call)
	e.mu.Unlock()
}
func (e *fakeEngine) OnBotStartedSpeaking() { e.mu.Lock(); e.botStarted++; e.mu.Unlock() }
func (e *fakeEngine) OnBotStoppedSpeaking() { e.mu.Lock(); e.botStopped++; e.mu.Unlock() }

func (e *fakeEngine) snapshotUserTurns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.userTurns...)
}

func (e *fakeEngine) snapshotToolCalls() []llm.ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.ToolCall(nil), e.toolCalls...)
}

func (e *fakeEngine) counters() (gens, done int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generationsStarted, e.generationsComplete
}

// fakeConvo supplies a fixed completion request.
type fakeConvo struct{ req llm.CompletionRequest }

func (c *fakeConvo) CompletionRequest() llm.CompletionRequest { return c.req }

func TestVAD_EmitsSpeakingFrames(t *testing.T) {
	t.Parallel()
	session := &vadmock.Session{Events: []vad.Event{
		{Type: vad.Silence},
		{Type: vad.SpeechStart, Probability: 0.9},
		{Type: vad.SpeechContinue, Probability: 0.9},
		{Type: vad.SpeechEnd, Probability: 0.1},
	}}
	p := NewVAD(&vadmock.Engine{Session: session}, vad.Config{
		Confidence: 0.7, StartSecs: 0.2, StopSecs: 0.8, MinVolume: 0.1,
	})
	c := &collector{}
	ctx := context.Background()

	p.ProcessFrame(ctx, startFrame(), c.push)
	// 4 detector frames of 20 ms at 8 kHz PCM-16 = 4 × 320 bytes.
	p.ProcessFrame(ctx, audioFrame(4*320), c.push)

	starts := c.count(func(f frame.Frame) bool { _, ok := f.(*frame.UserStartedSpeakingFrame); return ok })
	stops := c.count(func(f frame.Frame) bool { _, ok := f.(*frame.UserStoppedSpeakingFrame); return ok })
	if starts != 1 || stops != 1 {
		t.Errorf("starts=%d stops=%d, want 1 and 1", starts, stops)
	}
	if len(session.Frames) != 4 {
		t.Errorf("detector saw %d frames, want 4", len(session.Frames))
	}

	end := &frame.EndFrame{}
	end.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, end, c.push)
	if !session.Closed() {
		t.Error("session must be closed at end of call")
	}
}

func TestVAD_InterruptionOnBargeIn(t *testing.T) {
	t.Parallel()
	session := &vadmock.Session{Events: []vad.Event{{Type: vad.SpeechStart, Probability: 0.9}}}
	p := NewVAD(&vadmock.Engine{Session: session}, vad.Config{
		Confidence: 0.7, StartSecs: 0.2, StopSecs: 0.8, MinVolume: 0.1,
	})
	c := &collector{}
	ctx := context.Background()

	sf := startFrame()
	sf.Params.AllowInterruptions = true
	p.ProcessFrame(ctx, sf, c.push)
	p.ProcessFrame(ctx, audioFrame(320), c.push)

	if n := c.count(func(f frame.Frame) bool { _, ok := f.(*frame.InterruptionFrame); return ok }); n != 1 {
		t.Errorf("interruptions = %d, want 1", n)
	}
}

func TestSTT_TranscriptsBecomeFrames(t *testing.T) {
	t.Parallel()
	session := sttmock.NewSession()
	provider := &sttmock.Provider{Session: session}
	p := NewSTT(provider, stt.StreamConfig{Encoding: "mulaw"})
	c := &collector{}
	ctx := context.Background()

	p.ProcessFrame(ctx, startFrame(), c.push)
	if len(provider.StartCalls) != 1 || provider.StartCalls[0].SampleRate != 8000 {
		t.Fatalf("unexpected StartStream calls: %+v", provider.StartCalls)
	}

	p.ProcessFrame(ctx, audioFrame(160), c.push)
	if session.SentBytes() != 160 {
		t.Errorf("session received %d bytes, want 160", session.SentBytes())
	}

	session.EmitPartial("hel")
	session.EmitFinal("hello there", 0.92)
	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.TranscriptionFrame); return ok }) == 1
	})
	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.InterimTranscriptionFrame); return ok }) == 1
	})
	// The final also accounted the transcribed audio.
	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.MetricsFrame); return ok }) == 1
	})

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUserAggregator_CommitsOneTurn(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	p := NewUserAggregator(eng)
	c := &collector{}
	ctx := context.Background()

	started := &frame.UserStartedSpeakingFrame{}
	started.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, started, c.push)

	for _, text := range []string{"I would like", "to confirm my booking"} {
		tf := &frame.TranscriptionFrame{Text: text}
		tf.SetDirection(frame.Downstream)
		p.ProcessFrame(ctx, tf, c.push)
	}

	stopped := &frame.UserStoppedSpeakingFrame{}
	stopped.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, stopped, c.push)

	turns := eng.snapshotUserTurns()
	if len(turns) != 1 || turns[0] != "I would like to confirm my booking" {
		t.Errorf("turns = %q", turns)
	}
	if eng.userStarts != 1 || eng.userStops != 1 {
		t.Errorf("speaking hooks: starts=%d stops=%d", eng.userStarts, eng.userStops)
	}
}

func TestUserAggregator_LateFinalClosesTurn(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	p := NewUserAggregator(eng)
	c := &collector{}
	ctx := context.Background()

	started := &frame.UserStartedSpeakingFrame{}
	started.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, started, c.push)
	stopped := &frame.UserStoppedSpeakingFrame{}
	stopped.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, stopped, c.push)

	// The recognizer finalizes after the VAD stop: the turn commits late.
	tf := &frame.TranscriptionFrame{Text: "yes please"}
	tf.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, tf, c.push)

	turns := eng.snapshotUserTurns()
	if len(turns) != 1 || turns[0] != "yes please" {
		t.Errorf("turns = %q", turns)
	}
}

func TestLLM_GenerationProducesFramesAndToolCalls(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Sure, "},
		{Text: "one moment."},
		{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{ID: "t1", Name: "user_agrees"}},
			Usage: &llm.Usage{PromptTokens: 40, CompletionTokens: 8}},
	}}
	eng := &fakeEngine{}
	convo := &fakeConvo{req: llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleSystem}}}}
	p := NewLLM(provider, eng, convo, nil)
	c := &collector{}
	ctx := context.Background()

	p.ProcessFrame(ctx, startFrame(), c.push)
	cf := &frame.LLMContextFrame{}
	cf.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, cf, c.push)

	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.LLMFullResponseEndFrame); return ok }) == 1
	})
	waitFor(t, func() bool { return len(eng.snapshotToolCalls()) == 1 })

	texts := c.count(func(f frame.Frame) bool { _, ok := f.(*frame.LLMTextFrame); return ok })
	if texts != 2 {
		t.Errorf("text frames = %d, want 2", texts)
	}
	if n := c.count(func(f frame.Frame) bool { _, ok := f.(*frame.MetricsFrame); return ok }); n != 1 {
		t.Errorf("metrics frames = %d, want 1", n)
	}
	if gens, _ := eng.counters(); gens != 1 {
		t.Errorf("generations started = %d", gens)
	}
	if got := eng.snapshotToolCalls()[0].Name; got != "user_agrees" {
		t.Errorf("tool call = %q", got)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestLLM_ToolResultRunLLMTriggersNewGeneration(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "done"}}}
	eng := &fakeEngine{}
	p := NewLLM(provider, eng, &fakeConvo{}, nil)
	c := &collector{}
	ctx := context.Background()

	p.ProcessFrame(ctx, startFrame(), c.push)

	tr := &frame.ToolResultFrame{ID: "t1", Name: "calculator", Result: `{"result": 4}`, RunLLM: true}
	tr.SetDirection(frame.Downstream)
	p.Inject(tr)

	// The result frame is forwarded and a fresh generation runs.
	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.ToolResultFrame); return ok }) == 1
	})
	waitFor(t, func() bool { gens, _ := eng.counters(); return gens == 1 })

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// chainingEngine reacts to a tool call the way the workflow engine does when
// one response carries both a regular tool and an edge transition: the tool
// result reruns the model and the node switch pushes fresh context.
type chainingEngine struct {
	fakeEngine
	llm *LLM
}

func (e *chainingEngine) HandleToolCall(ctx context.Context, call llm.ToolCall) {
	e.fakeEngine.HandleToolCall(ctx, call)
	tr := &frame.ToolResultFrame{ID: call.ID, Name: call.Name, Result: `{"result": 102}`, RunLLM: true}
	tr.SetDirection(frame.Downstream)
	e.llm.Inject(tr)
	cf := &frame.LLMContextFrame{}
	cf.SetDirection(frame.Downstream)
	e.llm.Inject(cf)
}

func TestLLM_ToolRerunAndTransitionCoalesce(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		Scripted: [][]llm.Chunk{
			{{Text: "Let me check."}, {FinishReason: "tool_calls",
				ToolCalls: []llm.ToolCall{{ID: "t1", Name: "calculator"}}}},
			{{Text: "All set, goodbye."}},
		},
	}
	eng := &chainingEngine{}
	p := NewLLM(provider, eng, &fakeConvo{}, nil)
	eng.llm = p
	c := &collector{}
	ctx := context.Background()

	p.ProcessFrame(ctx, startFrame(), c.push)
	cf := &frame.LLMContextFrame{}
	cf.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, cf, c.push)

	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.LLMFullResponseEndFrame); return ok }) == 2
	})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The rerun and the context push come from the same response bracket;
	// exactly one follow-up generation answers both.
	if calls := len(provider.Calls()); calls != 2 {
		t.Errorf("StreamCompletion calls = %d, want 2", calls)
	}
	if gens, _ := eng.counters(); gens != 2 {
		t.Errorf("generations started = %d, want 2", gens)
	}
}

func TestAssistantAggregator_CommitsRepairedTurn(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	transcript := NewTranscript()
	correct := func(corrupted string) string { return strings.ReplaceAll(corrupted, "NAR GES", "NARGES") }
	p := NewAssistantAggregator(eng, correct, transcript)
	c := &collector{}
	ctx := context.Background()

	start := &frame.LLMFullResponseStartFrame{}
	start.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, start, c.push)
	for _, text := range []string{"My name is ", "NAR GES."} {
		tf := &frame.LLMTextFrame{Text: text}
		tf.SetDirection(frame.Downstream)
		p.ProcessFrame(ctx, tf, c.push)
	}
	end := &frame.LLMFullResponseEndFrame{}
	end.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, end, c.push)

	if len(eng.assistantTurns) != 1 || eng.assistantTurns[0] != "My name is NARGES." {
		t.Errorf("assistant turns = %q", eng.assistantTurns)
	}
	if _, done := eng.counters(); done != 1 {
		t.Error("generation-complete hook must run after the commit")
	}
	if lines := transcript.Lines(); len(lines) != 1 || lines[0].Text != "My name is NARGES." {
		t.Errorf("transcript = %+v", lines)
	}
}

func TestAssistantAggregator_RelaysPlaybackSignals(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	p := NewAssistantAggregator(eng, nil, nil)
	c := &collector{}
	ctx := context.Background()

	bs := &frame.BotStartedSpeakingFrame{}
	bs.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, bs, c.push)
	be := &frame.BotStoppedSpeakingFrame{}
	be.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, be, c.push)

	if eng.botStarted != 1 || eng.botStopped != 1 {
		t.Errorf("playback hooks: started=%d stopped=%d", eng.botStarted, eng.botStopped)
	}
}

func TestTTS_SynthesizesGenerationAndSpeakLines(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{EchoText: true}
	p := NewTTS(TTSConfig{
		Provider: provider,
		Voice:    tts.VoiceProfile{ID: "v1", Provider: "elevenlabs"},
	})
	c := &collector{}
	ctx := context.Background()

	p.ProcessFrame(ctx, startFrame(), c.push)

	start := &frame.LLMFullResponseStartFrame{}
	start.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, start, c.push)
	tf := &frame.LLMTextFrame{Text: "Hello there."}
	tf.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, tf, c.push)
	end := &frame.LLMFullResponseEndFrame{}
	end.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, end, c.push)

	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.OutputAudioRawFrame); return ok }) == 1
	})
	// Stream closed after the flush: usage follows the audio.
	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.MetricsFrame); return ok }) == 1
	})

	sp := &frame.TTSSpeakFrame{Text: "Just checking in."}
	sp.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, sp, c.push)
	waitFor(t, func() bool {
		return c.count(func(f frame.Frame) bool { _, ok := f.(*frame.OutputAudioRawFrame); return ok }) == 2
	})

	got := provider.ReceivedFragments()
	if len(got) != 2 || got[0] != "Hello there." || got[1] != "Just checking in." {
		t.Errorf("fragments = %q", got)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTTS_InterruptionCutsStream(t *testing.T) {
	t.Parallel()
	provider := &ttsmock.Provider{EchoText: true}
	p := NewTTS(TTSConfig{Provider: provider, Voice: tts.VoiceProfile{ID: "v1"}})
	c := &collector{}
	ctx := context.Background()

	p.ProcessFrame(ctx, startFrame(), c.push)
	start := &frame.LLMFullResponseStartFrame{}
	start.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, start, c.push)

	intr := &frame.InterruptionFrame{}
	intr.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, intr, c.push)

	// The stream is gone; further tokens are dropped without blocking.
	tf := &frame.LLMTextFrame{Text: "never spoken"}
	tf.SetDirection(frame.Downstream)
	p.ProcessFrame(ctx, tf, c.push)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, frag := range provider.ReceivedFragments() {
		if frag == "never spoken" {
			t.Error("fragment must not reach the provider after interruption")
		}
	}
}

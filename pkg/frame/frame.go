// Package frame defines the typed frames that flow through a call pipeline.
//
// Frames are the lingua franca between transports, analyzers, aggregators, the
// workflow engine, and the synthesis stages. Every frame carries a direction:
// downstream frames travel from the transport input towards the transport
// output (audio in → STT → LLM → TTS → audio out), upstream frames travel the
// reverse path (interruptions, end-of-task requests, transport events).
//
// The set is a closed tagged sum: processors switch on the concrete type and
// must forward frames they do not handle so that control signals reach every
// stage of the chain.
package frame

import "time"

// Direction indicates which way a frame travels along the processor chain.
type Direction int

const (
	// Downstream frames flow from transport input towards transport output.
	Downstream Direction = iota

	// Upstream frames flow from transport output towards transport input.
	Upstream
)

// String returns "downstream" or "upstream".
func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Frame is the interface implemented by every pipeline frame.
//
// Implementations embed [Base], which provides the direction accessors. The
// direction is set by the emitter before the frame is pushed and must not be
// mutated by intermediate processors.
type Frame interface {
	// Direction reports which way this frame is travelling.
	Direction() Direction

	// SetDirection stamps the travel direction. Called once by the emitter.
	SetDirection(d Direction)
}

// Base provides the direction bookkeeping shared by all frame types.
// Embed it as the first field of a concrete frame.
type Base struct {
	dir Direction
}

// Direction reports which way this frame is travelling.
func (b *Base) Direction() Direction { return b.dir }

// SetDirection stamps the travel direction.
func (b *Base) SetDirection(d Direction) { b.dir = d }

// ─── Lifecycle frames ─────────────────────────────────────────────────────────

// PipelineParams carries the per-call parameters distributed with the
// [StartFrame]. All processors receive the same instance and must treat it as
// read-only.
type PipelineParams struct {
	// ConversationID uniquely identifies the call across logs, recordings,
	// and persisted run state.
	ConversationID string

	// InputSampleRate is the sample rate of audio entering the pipeline, in Hz.
	InputSampleRate int

	// OutputSampleRate is the sample rate of audio leaving the pipeline, in Hz.
	OutputSampleRate int

	// AllowInterruptions controls whether user speech cancels in-flight bot audio.
	AllowInterruptions bool

	// StartMetadata is an arbitrary bag forwarded from the call admission
	// (campaign context variables, tenant identifiers).
	StartMetadata map[string]any
}

// StartFrame is the first frame every processor sees. It distributes the
// pipeline parameters and arms per-call state.
type StartFrame struct {
	Base
	Params PipelineParams
}

// EndFrame requests a graceful shutdown: processors flush buffered work,
// forward the frame, and stop accepting new input.
type EndFrame struct {
	Base
}

// CancelFrame requests an immediate shutdown. Processors holding external
// resources (sockets, upload streams, background tasks) must release them
// before forwarding.
type CancelFrame struct {
	Base
}

// HeartbeatFrame is emitted on a fixed cadence by the pipeline task and used
// by elapsed-time watchdogs such as the max-duration processor.
type HeartbeatFrame struct {
	Base

	// At is the wall-clock time the heartbeat was generated.
	At time.Time
}

// ─── Audio frames ─────────────────────────────────────────────────────────────

// AudioEncoding identifies the byte encoding of raw audio data.
type AudioEncoding string

const (
	// EncodingPCM16 is 16-bit little-endian linear PCM (2 bytes per sample).
	EncodingPCM16 AudioEncoding = "pcm16"

	// EncodingULaw is G.711 μ-law (1 byte per sample), the carrier wire format.
	EncodingULaw AudioEncoding = "ulaw"
)

// BytesPerSample returns the per-sample width of the encoding. Unknown
// encodings default to PCM-16.
func (e AudioEncoding) BytesPerSample() int {
	if e == EncodingULaw {
		return 1
	}
	return 2
}

// InputAudioRawFrame carries one chunk of caller audio from the transport
// input towards VAD and STT.
type InputAudioRawFrame struct {
	Base

	// Data holds the raw audio bytes in the declared encoding.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count; telephony audio is mono.
	Channels int

	// Encoding describes the byte layout of Data. Empty means PCM-16.
	Encoding AudioEncoding
}

// OutputAudioRawFrame carries one chunk of synthesised bot audio towards the
// transport output, which releases it at real-time pace.
type OutputAudioRawFrame struct {
	Base

	Data       []byte
	SampleRate int
	Channels   int
	Encoding   AudioEncoding
}

// OutputDTMFFrame asks the transport output to play one DTMF keypad digit
// in-band on the wire, paced like synthesised speech.
type OutputDTMFFrame struct {
	Base

	// Digit is one of 0-9, '*', '#', or 'A'-'D'.
	Digit rune
}

// ─── Text frames ──────────────────────────────────────────────────────────────

// LLMTextFrame is a single token (or token group) streamed from the LLM.
// The engine accumulates these as the reference text for aggregation repair.
type LLMTextFrame struct {
	Base
	Text string
}

// TTSSpeakFrame instructs the TTS stage to speak literal text that did not
// originate from an LLM generation (idle check-ins, closing lines).
type TTSSpeakFrame struct {
	Base
	Text string
}

// TranscriptionFrame is a final STT result for a stretch of user speech.
type TranscriptionFrame struct {
	Base

	Text string

	// Confidence is the provider-reported score in [0.0, 1.0]; zero when the
	// provider does not report one.
	Confidence float64

	// At is when the provider finalised the result.
	At time.Time
}

// InterimTranscriptionFrame is a low-latency partial STT result. Interims are
// buffered by the user aggregator and never written to the context directly.
type InterimTranscriptionFrame struct {
	Base
	Text string
}

// ─── Control frames ───────────────────────────────────────────────────────────

// UserStartedSpeakingFrame is emitted by the VAD when caller speech begins.
type UserStartedSpeakingFrame struct{ Base }

// UserStoppedSpeakingFrame is emitted by the VAD when caller speech ends.
type UserStoppedSpeakingFrame struct{ Base }

// BotStartedSpeakingFrame is emitted by the transport output when bot audio
// playback begins.
type BotStartedSpeakingFrame struct{ Base }

// BotStoppedSpeakingFrame is emitted by the transport output when bot audio
// playback drains.
type BotStoppedSpeakingFrame struct{ Base }

// InterruptionFrame signals that in-flight generation and playback must be
// discarded because the user started speaking over the bot.
type InterruptionFrame struct{ Base }

// LLMFullResponseStartFrame brackets the beginning of one LLM generation.
type LLMFullResponseStartFrame struct{ Base }

// LLMFullResponseEndFrame brackets the end of one LLM generation. The
// assistant aggregator commits its buffered turn when this frame arrives.
type LLMFullResponseEndFrame struct{ Base }

// ClientConnectedFrame is emitted by the transport input once the remote peer
// is fully established (ICE complete, stream open).
type ClientConnectedFrame struct{ Base }

// ClientDisconnectedFrame is emitted by the transport input when the remote
// peer goes away. Reason is transport-specific and may be empty.
type ClientDisconnectedFrame struct {
	Base
	Reason string
}

// EndTaskFrame travels upstream from the engine to the pipeline task and
// requests call termination with a disposition already decided.
type EndTaskFrame struct {
	Base

	// Reason is the raw disposition code recorded for the call.
	Reason string

	// Abort requests an immediate CancelFrame instead of a graceful EndFrame.
	Abort bool
}

// ─── Context and tool frames ──────────────────────────────────────────────────

// LLMContextFrame signals the LLM service to run a generation against the
// engine-owned conversation context. The context itself is not copied into the
// frame; the engine guarantees it is consistent when the frame is processed.
type LLMContextFrame struct {
	Base
}

// ToolCallFrame carries a tool invocation requested by the LLM.
type ToolCallFrame struct {
	Base

	// ID is the provider-assigned identifier for this call.
	ID string

	// Name is the registered tool name (a built-in or an edge function).
	Name string

	// Arguments is the JSON-encoded argument string.
	Arguments string
}

// ToolResultFrame carries the result of a tool execution back towards the LLM
// service.
type ToolResultFrame struct {
	Base

	// ID echoes the originating ToolCallFrame ID.
	ID string

	// Name echoes the tool name.
	Name string

	// Result is the JSON-encoded result payload.
	Result string

	// RunLLM indicates whether a new generation should be triggered so the
	// model can see the result. Edge transitions set this false because the
	// node change itself triggers the next generation.
	RunLLM bool
}

// ─── Metrics frames ───────────────────────────────────────────────────────────

// ServiceUsage is one service's consumption for a slice of the call.
type ServiceUsage struct {
	// Service names the stage ("stt", "llm", "tts").
	Service string

	// PromptTokens and CompletionTokens are LLM token counts; zero for
	// audio services.
	PromptTokens     int
	CompletionTokens int

	// AudioSeconds is the processed audio duration for STT/TTS services.
	AudioSeconds float64
}

// MetricsFrame carries incremental usage data emitted by service adapters and
// folded into the call's usage_info by the metrics aggregator.
type MetricsFrame struct {
	Base
	Usage []ServiceUsage
}

package processors

import (
	"context"
	"log/slog"
	"sync"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/frame"
	"github.com/parleyvoice/parley/pkg/provider/tts"
)

// TTS converts assistant text into bot audio. Token frames within one
// generation feed a single synthesis stream so prosody stays continuous;
// literal speak lines (idle check-ins, closing lines) each get a one-shot
// stream. An interruption cancels the active stream, which is the barge-in
// cut-off path.
type TTS struct {
	provider   tts.Provider
	voice      tts.VoiceProfile
	sampleRate int
	encoding   frame.AudioEncoding
	log        *slog.Logger

	mu     sync.Mutex
	push   pipeline.PushFunc
	textCh chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ pipeline.Processor = (*TTS)(nil)
	_ pipeline.Closer    = (*TTS)(nil)
)

// TTSConfig assembles the synthesis stage.
type TTSConfig struct {
	Provider tts.Provider
	Voice    tts.VoiceProfile

	// SampleRate and Encoding describe the audio the provider is configured
	// to emit; they are stamped on the output frames. SampleRate zero
	// defaults to the pipeline's output rate.
	SampleRate int
	Encoding   frame.AudioEncoding

	Logger *slog.Logger
}

// NewTTS creates the synthesis stage.
func NewTTS(cfg TTSConfig) *TTS {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &TTS{
		provider:   cfg.Provider,
		voice:      cfg.Voice,
		sampleRate: cfg.SampleRate,
		encoding:   cfg.Encoding,
		log:        log,
	}
}

// Name implements pipeline.Processor.
func (p *TTS) Name() string { return "tts" }

// ProcessFrame implements pipeline.Processor.
func (p *TTS) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	p.mu.Lock()
	p.push = push
	p.mu.Unlock()

	switch t := f.(type) {
	case *frame.StartFrame:
		if p.sampleRate == 0 {
			p.sampleRate = t.Params.OutputSampleRate
		}
	case *frame.LLMFullResponseStartFrame:
		p.openStream(ctx)
	case *frame.LLMTextFrame:
		p.feed(t.Text)
	case *frame.LLMFullResponseEndFrame:
		p.flush()
	case *frame.TTSSpeakFrame:
		p.speakLine(ctx, t.Text)
	case *frame.InterruptionFrame:
		p.abort()
	case *frame.EndFrame, *frame.CancelFrame:
		p.abort()
	}
	push(f)
	return nil
}

// openStream starts one synthesis stream for the generation.
func (p *TTS) openStream(ctx context.Context) {
	p.abort()
	synthCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	textCh := make(chan string, 64)
	audioCh, err := p.provider.SynthesizeStream(synthCtx, textCh, p.voice)
	if err != nil {
		p.log.Error("tts stream failed to start", "error", err)
		cancel()
		return
	}
	p.mu.Lock()
	p.textCh = textCh
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pump(audioCh)
}

func (p *TTS) feed(text string) {
	p.mu.Lock()
	textCh := p.textCh
	p.mu.Unlock()
	if textCh == nil {
		return
	}
	select {
	case textCh <- text:
	default:
		p.log.Warn("tts text buffer full, dropping fragment")
	}
}

// flush closes the text side so the provider synthesizes the tail and ends
// the audio stream.
func (p *TTS) flush() {
	p.mu.Lock()
	if p.textCh != nil {
		close(p.textCh)
		p.textCh = nil
	}
	p.mu.Unlock()
}

// speakLine synthesizes one literal line outside a generation.
func (p *TTS) speakLine(ctx context.Context, text string) {
	if text == "" {
		return
	}
	p.openStream(ctx)
	p.feed(text)
	p.flush()
}

// abort cancels the active stream; buffered audio downstream is flushed by
// the transport output on the same interruption frame.
func (p *TTS) abort() {
	p.mu.Lock()
	if p.textCh != nil {
		close(p.textCh)
		p.textCh = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
}

// pump forwards synthesized audio into the chain and accounts usage.
func (p *TTS) pump(audioCh <-chan []byte) {
	defer p.wg.Done()
	var bytes int
	for chunk := range audioCh {
		bytes += len(chunk)
		af := &frame.OutputAudioRawFrame{
			Data:       chunk,
			SampleRate: p.sampleRate,
			Channels:   1,
			Encoding:   p.encoding,
		}
		af.SetDirection(frame.Downstream)
		p.emit(af)
	}
	if bytes > 0 && p.sampleRate > 0 {
		d := audio.ChunkDuration(bytes, p.sampleRate, p.encoding.BytesPerSample(), 1)
		mf := &frame.MetricsFrame{Usage: []frame.ServiceUsage{{
			Service:      "tts",
			AudioSeconds: d.Seconds(),
		}}}
		mf.SetDirection(frame.Downstream)
		p.emit(mf)
	}
}

func (p *TTS) emit(f frame.Frame) {
	p.mu.Lock()
	push := p.push
	p.mu.Unlock()
	if push != nil {
		push(f)
	}
}

// Close implements pipeline.Closer.
func (p *TTS) Close() error {
	p.abort()
	p.wg.Wait()
	return nil
}

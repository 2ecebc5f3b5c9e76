package processors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
	"github.com/parleyvoice/parley/pkg/provider/stt"
)

// STT streams caller audio into a speech-to-text session and turns the
// provider's transcript streams into transcription frames. Partials become
// interim frames for turn-taking; finals become transcription frames the
// user aggregator commits.
type STT struct {
	provider stt.Provider
	cfg      stt.StreamConfig

	mu        sync.Mutex
	session   stt.SessionHandle
	push      pipeline.PushFunc
	sentBytes int
	lastEmit  int
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ pipeline.Processor = (*STT)(nil)
	_ pipeline.Closer    = (*STT)(nil)
)

// NewSTT creates the transcription stage. Sample rate and channel count
// default from the StartFrame parameters when cfg leaves them zero.
func NewSTT(provider stt.Provider, cfg stt.StreamConfig) *STT {
	return &STT{provider: provider, cfg: cfg}
}

// Name implements pipeline.Processor.
func (p *STT) Name() string { return "stt" }

// ProcessFrame implements pipeline.Processor.
func (p *STT) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.StartFrame:
		if err := p.start(ctx, t.Params, push); err != nil {
			push(f)
			return err
		}
	case *frame.InputAudioRawFrame:
		p.send(t.Data)
	case *frame.EndFrame, *frame.CancelFrame:
		p.Close()
	}
	push(f)
	return nil
}

func (p *STT) start(ctx context.Context, params frame.PipelineParams, push pipeline.PushFunc) error {
	if p.cfg.SampleRate == 0 {
		p.cfg.SampleRate = params.InputSampleRate
	}
	if p.cfg.Channels == 0 {
		p.cfg.Channels = 1
	}
	session, err := p.provider.StartStream(context.WithoutCancel(ctx), p.cfg)
	if err != nil {
		return fmt.Errorf("stt: start stream: %w", err)
	}

	p.mu.Lock()
	p.session = session
	p.push = push
	p.mu.Unlock()

	p.wg.Add(2)
	go p.readPartials(session)
	go p.readFinals(session)
	return nil
}

func (p *STT) send(chunk []byte) {
	p.mu.Lock()
	session := p.session
	p.sentBytes += len(chunk)
	p.mu.Unlock()
	if session != nil {
		_ = session.SendAudio(chunk)
	}
}

func (p *STT) readPartials(session stt.SessionHandle) {
	defer p.wg.Done()
	for t := range session.Partials() {
		if t.Text == "" {
			continue
		}
		f := &frame.InterimTranscriptionFrame{Text: t.Text}
		f.SetDirection(frame.Downstream)
		p.emit(f)
	}
}

func (p *STT) readFinals(session stt.SessionHandle) {
	defer p.wg.Done()
	for t := range session.Finals() {
		if t.Text == "" {
			continue
		}
		f := &frame.TranscriptionFrame{Text: t.Text, Confidence: t.Confidence, At: time.Now()}
		f.SetDirection(frame.Downstream)
		p.emit(f)
		p.emitUsage()
	}
}

// emitUsage reports the audio seconds transcribed since the previous final.
func (p *STT) emitUsage() {
	p.mu.Lock()
	delta := p.sentBytes - p.lastEmit
	p.lastEmit = p.sentBytes
	bytesPerSample := 2
	if p.cfg.Encoding == "mulaw" {
		bytesPerSample = 1
	}
	rate := p.cfg.SampleRate
	p.mu.Unlock()
	if delta <= 0 || rate <= 0 {
		return
	}
	mf := &frame.MetricsFrame{Usage: []frame.ServiceUsage{{
		Service:      "stt",
		AudioSeconds: float64(delta) / float64(bytesPerSample) / float64(rate),
	}}}
	mf.SetDirection(frame.Downstream)
	p.emit(mf)
}

func (p *STT) emit(f frame.Frame) {
	p.mu.Lock()
	push := p.push
	p.mu.Unlock()
	if push != nil {
		push(f)
	}
}

// Close implements pipeline.Closer. It terminates the session and waits for
// the reader goroutines to drain.
func (p *STT) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		session := p.session
		p.session = nil
		p.mu.Unlock()
		if session != nil {
			err = session.Close()
		}
		p.wg.Wait()
	})
	return err
}

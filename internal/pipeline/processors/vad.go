package processors

import (
	"context"
	"fmt"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/frame"
	"github.com/parleyvoice/parley/pkg/provider/vad"
)

// VAD runs voice activity detection over the caller audio and emits the
// speaking control frames that drive turn-taking. μ-law input is decoded to
// PCM-16 for analysis; the original frames are forwarded untouched.
//
// When the pipeline allows interruptions, a speech onset additionally emits
// an InterruptionFrame so the synthesis and playback stages cut the bot off.
type VAD struct {
	engine vad.Engine
	cfg    vad.Config

	session    vad.SessionHandle
	frameBytes int
	pcm        []byte
	interrupts bool
}

var (
	_ pipeline.Processor = (*VAD)(nil)
	_ pipeline.Closer    = (*VAD)(nil)
)

// NewVAD creates the detection stage. Sample rate defaults to the pipeline's
// input rate when cfg leaves it zero.
func NewVAD(engine vad.Engine, cfg vad.Config) *VAD {
	return &VAD{engine: engine, cfg: cfg}
}

// Name implements pipeline.Processor.
func (p *VAD) Name() string { return "vad" }

// ProcessFrame implements pipeline.Processor.
func (p *VAD) ProcessFrame(_ context.Context, f frame.Frame, push pipeline.PushFunc) error {
	switch t := f.(type) {
	case *frame.StartFrame:
		if err := p.start(t.Params); err != nil {
			push(f)
			return err
		}
	case *frame.InputAudioRawFrame:
		p.analyse(t, push)
	case *frame.EndFrame, *frame.CancelFrame:
		p.Close()
	}
	push(f)
	return nil
}

func (p *VAD) start(params frame.PipelineParams) error {
	if p.cfg.SampleRate == 0 {
		p.cfg.SampleRate = params.InputSampleRate
	}
	if p.cfg.FrameSizeMs == 0 {
		p.cfg.FrameSizeMs = 20
	}
	p.interrupts = params.AllowInterruptions
	p.frameBytes = p.cfg.SampleRate * p.cfg.FrameSizeMs / 1000 * 2
	session, err := p.engine.NewSession(p.cfg)
	if err != nil {
		return fmt.Errorf("vad: new session: %w", err)
	}
	p.session = session
	return nil
}

// analyse feeds complete detector frames from the rolling PCM buffer.
func (p *VAD) analyse(af *frame.InputAudioRawFrame, push pipeline.PushFunc) {
	if p.session == nil {
		return
	}
	data := af.Data
	if af.Encoding == frame.EncodingULaw {
		data = audio.DecodeULaw(data)
	}
	p.pcm = append(p.pcm, data...)

	for len(p.pcm) >= p.frameBytes {
		chunk := p.pcm[:p.frameBytes]
		p.pcm = p.pcm[p.frameBytes:]
		ev, err := p.session.ProcessFrame(chunk)
		if err != nil {
			continue
		}
		switch ev.Type {
		case vad.SpeechStart:
			started := &frame.UserStartedSpeakingFrame{}
			started.SetDirection(frame.Downstream)
			push(started)
			if p.interrupts {
				intr := &frame.InterruptionFrame{}
				intr.SetDirection(frame.Downstream)
				push(intr)
			}
		case vad.SpeechEnd:
			stopped := &frame.UserStoppedSpeakingFrame{}
			stopped.SetDirection(frame.Downstream)
			push(stopped)
		}
	}
}

// Close implements pipeline.Closer.
func (p *VAD) Close() error {
	if p.session != nil {
		err := p.session.Close()
		p.session = nil
		return err
	}
	return nil
}

package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/frame"
)

// Input is the first station of a call pipeline. It announces the connected
// peer, then pumps inbound wire audio into the chain until the peer goes away
// or the call ends. Any receive error is a disconnect; the reason travels on
// the ClientDisconnectedFrame so the engine can pick a disposition.
type Input struct {
	wire   Wire
	format StreamFormat
	log    *slog.Logger

	mu     sync.Mutex
	push   pipeline.PushFunc
	cancel context.CancelFunc

	started sync.Once
	closed  sync.Once
	wg      sync.WaitGroup
}

var (
	_ pipeline.Processor = (*Input)(nil)
	_ pipeline.Closer    = (*Input)(nil)
)

// NewInput creates the transport input stage for one wire.
func NewInput(wire Wire, format StreamFormat, log *slog.Logger) *Input {
	if log == nil {
		log = slog.Default()
	}
	return &Input{wire: wire, format: format, log: log}
}

// Name implements pipeline.Processor.
func (p *Input) Name() string { return "transport_input" }

// ProcessFrame implements pipeline.Processor.
func (p *Input) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	p.mu.Lock()
	p.push = push
	p.mu.Unlock()

	switch f.(type) {
	case *frame.StartFrame:
		p.started.Do(func() {
			connected := &frame.ClientConnectedFrame{}
			connected.SetDirection(frame.Downstream)
			push(connected)

			loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			p.mu.Lock()
			p.cancel = cancel
			p.mu.Unlock()
			p.wg.Add(1)
			go p.readLoop(loopCtx)
		})
	case *frame.EndFrame, *frame.CancelFrame:
		p.stop()
	}
	push(f)
	return nil
}

// readLoop pumps wire audio into the chain until the peer disconnects.
func (p *Input) readLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		chunk, err := p.wire.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Info("transport peer disconnected", "error", err)
				gone := &frame.ClientDisconnectedFrame{Reason: err.Error()}
				gone.SetDirection(frame.Downstream)
				p.emit(gone)
			}
			return
		}
		af := &frame.InputAudioRawFrame{
			Data:       chunk,
			SampleRate: p.format.SampleRate,
			Channels:   p.format.Channels,
			Encoding:   p.format.Encoding,
		}
		af.SetDirection(frame.Downstream)
		p.emit(af)
	}
}

func (p *Input) emit(f frame.Frame) {
	p.mu.Lock()
	push := p.push
	p.mu.Unlock()
	if push != nil {
		push(f)
	}
}

func (p *Input) stop() {
	p.closed.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if err := p.wire.Close(); err != nil {
			p.log.Warn("transport wire close failed", "error", err)
		}
	})
}

// Close implements pipeline.Closer.
func (p *Input) Close() error {
	p.stop()
	p.wg.Wait()
	return nil
}

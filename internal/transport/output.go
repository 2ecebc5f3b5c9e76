package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleyvoice/parley/internal/pipeline"
	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/frame"
)

// DefaultChunkDuration is the wire pacing interval. Telephony media is framed
// at 20 ms, which is 160 bytes of 8 kHz μ-law.
const DefaultChunkDuration = 20 * time.Millisecond

// outputQueueSize bounds synthesized audio waiting for its wall-clock slot.
// TTS runs much faster than real time, so the queue holds whole sentences.
const outputQueueSize = 256

type outChunk struct {
	gen  uint64
	data []byte
}

// Output is the last station of a call pipeline. It consumes synthesized
// audio and DTMF digits and releases both onto the wire at wall-clock rate:
// next_send_time advances by exactly one chunk duration per send, sleeping
// when ahead and catching up without sleeping when behind. It also derives
// the bot-speaking signals from its own playback state, which is what makes
// allow_interrupt track the node the user is actually hearing.
//
// An interruption bumps the flush generation; queued audio from the
// interrupted generation is dropped instead of played.
type Output struct {
	wire     Wire
	format   StreamFormat
	chunkDur time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	push   pipeline.PushFunc
	queue  chan outChunk
	gen    atomic.Uint64
	cancel context.CancelFunc

	started  sync.Once
	stopped  sync.Once
	wg       sync.WaitGroup
	draining atomic.Bool
}

var (
	_ pipeline.Processor = (*Output)(nil)
	_ pipeline.Closer    = (*Output)(nil)
)

// NewOutput creates the paced transport output stage. chunkDur zero defaults
// to 20 ms.
func NewOutput(wire Wire, format StreamFormat, chunkDur time.Duration, log *slog.Logger) *Output {
	if chunkDur <= 0 {
		chunkDur = DefaultChunkDuration
	}
	if log == nil {
		log = slog.Default()
	}
	return &Output{
		wire:     wire,
		format:   format,
		chunkDur: chunkDur,
		log:      log,
		queue:    make(chan outChunk, outputQueueSize),
	}
}

// Name implements pipeline.Processor.
func (p *Output) Name() string { return "transport_output" }

// ProcessFrame implements pipeline.Processor.
func (p *Output) ProcessFrame(ctx context.Context, f frame.Frame, push pipeline.PushFunc) error {
	p.mu.Lock()
	p.push = push
	p.mu.Unlock()

	switch t := f.(type) {
	case *frame.StartFrame:
		if p.format.SampleRate == 0 {
			p.format.SampleRate = t.Params.OutputSampleRate
		}
		if p.format.Channels == 0 {
			p.format.Channels = 1
		}
		p.started.Do(func() {
			paceCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			p.mu.Lock()
			p.cancel = cancel
			p.mu.Unlock()
			p.wg.Add(1)
			go p.pace(paceCtx)
		})
	case *frame.OutputAudioRawFrame:
		p.enqueue(ctx, t.Data)
	case *frame.OutputDTMFFrame:
		p.enqueueDTMF(ctx, t.Digit)
	case *frame.InterruptionFrame:
		// Queued audio from the interrupted generation must not play.
		p.gen.Add(1)
	case *frame.EndFrame:
		p.drainAndStop()
	case *frame.CancelFrame:
		p.gen.Add(1)
		p.drainAndStop()
	}
	push(f)
	return nil
}

func (p *Output) enqueue(ctx context.Context, data []byte) {
	if p.draining.Load() || len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case p.queue <- outChunk{gen: p.gen.Load(), data: cp}:
	case <-ctx.Done():
	}
}

// dtmfToneDuration is how long one in-band keypad tone plays.
const dtmfToneDuration = 180 * time.Millisecond

// enqueueDTMF synthesises the digit's dual tone in the wire encoding and
// queues it behind any pending speech.
func (p *Output) enqueueDTMF(ctx context.Context, digit rune) {
	pcm := audio.DTMFTone(digit, p.format.SampleRate, dtmfToneDuration)
	if pcm == nil {
		p.log.Warn("unplayable dtmf digit", "digit", string(digit))
		return
	}
	if p.format.Encoding == frame.EncodingULaw {
		pcm = audio.EncodeULaw(pcm)
	}
	p.enqueue(ctx, pcm)
}

// drainAndStop closes the queue so the pacer plays what is left and exits.
// A cancel bumps the generation first, which turns the drain into a drop.
func (p *Output) drainAndStop() {
	p.stopped.Do(func() {
		p.draining.Store(true)
		close(p.queue)
	})
}

// pace is the real-time release loop.
func (p *Output) pace(ctx context.Context) {
	defer p.wg.Done()

	chunkBytes := p.format.chunkBytes(p.chunkDur)
	if chunkBytes <= 0 {
		chunkBytes = 160
	}

	var pending []byte
	var pendingGen uint64
	var next time.Time
	speaking := false

	setSpeaking := func(on bool) {
		if on == speaking {
			return
		}
		speaking = on
		var f frame.Frame
		if on {
			f = &frame.BotStartedSpeakingFrame{}
		} else {
			f = &frame.BotStoppedSpeakingFrame{}
		}
		f.SetDirection(frame.Upstream)
		p.emit(f)
	}
	defer setSpeaking(false)

	for {
		if pendingGen != p.gen.Load() {
			pending = nil
		}

		if len(pending) == 0 {
			// Drained: stop the speaking signal, then block for more audio.
			select {
			case c, ok := <-p.queue:
				if !ok {
					return
				}
				pending, pendingGen = c.data, c.gen
			case <-ctx.Done():
				return
			default:
				setSpeaking(false)
				select {
				case c, ok := <-p.queue:
					if !ok {
						return
					}
					pending, pendingGen = c.data, c.gen
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		if len(pending) < chunkBytes {
			// Top up without blocking so chunks stay full-size mid-sentence;
			// if nothing is queued the short tail goes out as-is.
			select {
			case c, ok := <-p.queue:
				if ok {
					if c.gen == pendingGen {
						pending = append(pending, c.data...)
					} else {
						// Newer generation: the held tail is stale.
						pending, pendingGen = c.data, c.gen
					}
					continue
				}
			default:
			}
		}

		n := chunkBytes
		if n > len(pending) {
			n = len(pending)
		}
		chunk := pending[:n]
		pending = pending[n:]

		if !speaking {
			setSpeaking(true)
			next = time.Now()
		}
		if err := p.wire.Send(ctx, chunk); err != nil {
			if ctx.Err() == nil {
				p.log.Warn("transport send failed", "error", err)
			}
			return
		}

		// The grid advances by exactly one chunk per send. Behind schedule
		// means no sleep until the grid catches the clock again.
		next = next.Add(p.chunkDur)
		if d := time.Until(next); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
	}
}

func (p *Output) emit(f frame.Frame) {
	p.mu.Lock()
	push := p.push
	p.mu.Unlock()
	if push != nil {
		push(f)
	}
}

// Close implements pipeline.Closer.
func (p *Output) Close() error {
	p.drainAndStop()
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	return nil
}

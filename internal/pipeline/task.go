package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"context"

	"github.com/parleyvoice/parley/pkg/frame"
)

// Task lifecycle states.
const (
	stateCreated int32 = iota
	stateRunning
	stateTerminating
	stateTerminated
)

const (
	defaultQueueSize         = 128
	defaultHeartbeatInterval = time.Second
)

// TaskConfig assembles a Task.
type TaskConfig struct {
	// Params is distributed to every processor inside the StartFrame.
	Params frame.PipelineParams

	// QueueSize is the per-direction inbox capacity of each stage.
	// Defaults to 128.
	QueueSize int

	// HeartbeatInterval is the cadence of HeartbeatFrames; zero means 1 s,
	// negative disables heartbeats.
	HeartbeatInterval time.Duration

	// OnEndTask, when set, observes the EndTaskFrame that terminated the
	// call before the shutdown frame is injected.
	OnEndTask func(*frame.EndTaskFrame)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// station pairs a processor with its per-direction inboxes.
type station struct {
	proc Processor
	down chan frame.Frame
	up   chan frame.Frame
}

// Task runs one call's processor chain.
type Task struct {
	cfg      TaskConfig
	log      *slog.Logger
	stations []*station

	state atomic.Int32

	// control receives frames that travel upstream past the first stage.
	control chan frame.Frame

	// sink receives frames that travel downstream past the last stage.
	sink chan frame.Frame

	cancelRequested chan struct{}
	cancelOnce      sync.Once
	done            chan struct{}
}

// NewTask links the processors in order, transport input first.
func NewTask(cfg TaskConfig, procs ...Processor) (*Task, error) {
	if len(procs) == 0 {
		return nil, errors.New("pipeline: at least one processor is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	t := &Task{
		cfg:             cfg,
		log:             log,
		control:         make(chan frame.Frame, cfg.QueueSize),
		sink:            make(chan frame.Frame, cfg.QueueSize),
		cancelRequested: make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, p := range procs {
		t.stations = append(t.stations, &station{
			proc: p,
			down: make(chan frame.Frame, cfg.QueueSize),
			up:   make(chan frame.Frame, cfg.QueueSize),
		})
	}
	return t, nil
}

// Run executes the pipeline until the chain terminates or ctx is cancelled.
// It delivers the StartFrame first, then blocks; it returns after every stage
// has stopped and external resources are closed.
func (t *Task) Run(ctx context.Context) error {
	if !t.state.CompareAndSwap(stateCreated, stateRunning) {
		return errors.New("pipeline: task already started")
	}
	defer close(t.done)

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	var wg sync.WaitGroup
	for i := range t.stations {
		wg.Add(1)
		go t.runStation(runCtx, i, &wg)
	}
	if t.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go t.runHeartbeat(runCtx, &wg)
	}

	start := &frame.StartFrame{Params: t.cfg.Params}
	start.SetDirection(frame.Downstream)
	t.deliver(runCtx, t.stations[0].down, start)

	t.supervise(ctx, runCtx)

	// The terminal frame has passed the last stage (or the task was
	// cancelled outright). Stop the stations and release resources.
	t.state.Store(stateTerminated)
	stop()
	wg.Wait()
	t.closeProcessors()
	return nil
}

// supervise waits for a termination trigger, injects the shutdown frame, and
// returns once it has drained past the final stage.
func (t *Task) supervise(ctx, runCtx context.Context) {
	injected := false
	for {
		select {
		case <-ctx.Done():
			t.injectShutdown(runCtx, true)
			return
		case <-t.cancelRequested:
			t.injectShutdown(runCtx, true)
			return
		case f := <-t.control:
			if et, ok := f.(*frame.EndTaskFrame); ok && !injected {
				injected = true
				t.state.Store(stateTerminating)
				if t.cfg.OnEndTask != nil {
					t.cfg.OnEndTask(et)
				}
				t.injectAsync(runCtx, et.Abort)
			}
		case f := <-t.sink:
			switch f.(type) {
			case *frame.EndFrame, *frame.CancelFrame:
				return
			}
			// Other frames that fall off the end of the chain are dropped.
		}
	}
}

// injectAsync pushes the shutdown frame from a separate goroutine so the
// supervisor keeps draining the sink while the frame works its way down.
func (t *Task) injectAsync(runCtx context.Context, abort bool) {
	go func() {
		var f frame.Frame
		if abort {
			f = &frame.CancelFrame{}
		} else {
			f = &frame.EndFrame{}
		}
		f.SetDirection(frame.Downstream)
		t.deliver(runCtx, t.stations[0].down, f)
	}()
}

// injectShutdown cancels the chain and waits for the cancel frame to drain,
// bounded by the run context.
func (t *Task) injectShutdown(runCtx context.Context, abort bool) {
	t.state.Store(stateTerminating)
	t.injectAsync(runCtx, abort)
	for {
		select {
		case <-runCtx.Done():
			return
		case f := <-t.sink:
			switch f.(type) {
			case *frame.EndFrame, *frame.CancelFrame:
				return
			}
		case <-time.After(5 * time.Second):
			t.log.Warn("pipeline shutdown frame did not drain, forcing stop")
			return
		}
	}
}

// Cancel requests immediate termination. Safe to call from any goroutine and
// more than once.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelRequested) })
}

// Done closes when the task has fully terminated.
func (t *Task) Done() <-chan struct{} { return t.done }

// Terminated reports whether the task has stopped accepting frames.
func (t *Task) Terminated() bool { return t.state.Load() == stateTerminated }

// runStation is the single goroutine serving one processor: it consumes both
// direction inboxes in FIFO order per direction.
func (t *Task) runStation(ctx context.Context, i int, wg *sync.WaitGroup) {
	defer wg.Done()
	st := t.stations[i]
	push := t.pushFrom(ctx, i)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-st.down:
			t.process(ctx, st, f, push)
		case f := <-st.up:
			t.process(ctx, st, f, push)
		}
	}
}

func (t *Task) process(ctx context.Context, st *station, f frame.Frame, push PushFunc) {
	if err := st.proc.ProcessFrame(ctx, f, push); err != nil {
		t.log.Error("processor failed", "processor", st.proc.Name(), "error", err)
	}
}

// pushFrom builds the PushFunc for stage i: downstream frames go to the next
// stage (or the sink), upstream frames to the previous stage (or the control
// channel). Frames pushed after termination are dropped.
func (t *Task) pushFrom(ctx context.Context, i int) PushFunc {
	return func(f frame.Frame) {
		if t.state.Load() == stateTerminated {
			return
		}
		if f.Direction() == frame.Upstream {
			if i == 0 {
				t.deliver(ctx, t.control, f)
			} else {
				t.deliver(ctx, t.stations[i-1].up, f)
			}
			return
		}
		if i == len(t.stations)-1 {
			t.deliver(ctx, t.sink, f)
		} else {
			t.deliver(ctx, t.stations[i+1].down, f)
		}
	}
}

// deliver enqueues a frame, giving up when the chain is being torn down.
func (t *Task) deliver(ctx context.Context, ch chan<- frame.Frame, f frame.Frame) {
	select {
	case ch <- f:
	case <-ctx.Done():
	}
}

// runHeartbeat emits HeartbeatFrames downstream on the configured cadence.
func (t *Task) runHeartbeat(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C:
			if t.state.Load() != stateRunning {
				continue
			}
			hb := &frame.HeartbeatFrame{At: at}
			hb.SetDirection(frame.Downstream)
			t.deliver(ctx, t.stations[0].down, hb)
		}
	}
}

// closeProcessors releases external resources in reverse chain order.
func (t *Task) closeProcessors() {
	for i := len(t.stations) - 1; i >= 0; i-- {
		if c, ok := t.stations[i].proc.(Closer); ok {
			if err := c.Close(); err != nil {
				t.log.Warn("processor close failed",
					"processor", t.stations[i].proc.Name(), "error", err)
			}
		}
	}
}

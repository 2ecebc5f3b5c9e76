package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parleyvoice/parley/pkg/frame"
)

// recordingProcessor forwards every frame and records the order it saw them.
type recordingProcessor struct {
	name string

	mu     sync.Mutex
	seen   []frame.Frame
	closed bool
}

func (p *recordingProcessor) Name() string { return p.name }

func (p *recordingProcessor) ProcessFrame(_ context.Context, f frame.Frame, push PushFunc) error {
	p.mu.Lock()
	p.seen = append(p.seen, f)
	p.mu.Unlock()
	push(f)
	return nil
}

func (p *recordingProcessor) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *recordingProcessor) frames() []frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]frame.Frame, len(p.seen))
	copy(out, p.seen)
	return out
}

func (p *recordingProcessor) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// endAfter emits an upstream EndTaskFrame once it has seen n downstream
// audio frames, standing in for the engine's termination decision.
type endAfter struct {
	recordingProcessor
	n     int
	count int
	abort bool
}

func (p *endAfter) ProcessFrame(ctx context.Context, f frame.Frame, push PushFunc) error {
	if _, ok := f.(*frame.InputAudioRawFrame); ok {
		p.count++
		if p.count == p.n {
			et := &frame.EndTaskFrame{Reason: "USER_QUALIFIED", Abort: p.abort}
			et.SetDirection(frame.Upstream)
			push(et)
		}
	}
	return p.recordingProcessor.ProcessFrame(ctx, f, push)
}

// feeder injects audio frames downstream after the StartFrame arrives.
type feeder struct {
	recordingProcessor
	chunks int
}

func (p *feeder) ProcessFrame(ctx context.Context, f frame.Frame, push PushFunc) error {
	// Forward the incoming frame first so the StartFrame precedes the audio.
	err := p.recordingProcessor.ProcessFrame(ctx, f, push)
	if _, ok := f.(*frame.StartFrame); ok {
		for i := 0; i < p.chunks; i++ {
			af := &frame.InputAudioRawFrame{Data: make([]byte, 160), SampleRate: 8000, Channels: 1}
			af.SetDirection(frame.Downstream)
			push(af)
		}
	}
	return err
}

func runTask(t *testing.T, task *Task) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- task.Run(context.Background()) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task did not terminate")
	}
}

func TestTask_StartFrameFirstAndFIFO(t *testing.T) {
	t.Parallel()
	in := &feeder{recordingProcessor: recordingProcessor{name: "input"}, chunks: 5}
	mid := &endAfter{recordingProcessor: recordingProcessor{name: "engine"}, n: 5}
	out := &recordingProcessor{name: "output"}

	task, err := NewTask(TaskConfig{HeartbeatInterval: -1}, in, mid, out)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	runTask(t, task)

	for _, p := range []*recordingProcessor{&in.recordingProcessor, &mid.recordingProcessor, out} {
		seen := p.frames()
		if len(seen) == 0 {
			t.Fatalf("%s saw no frames", p.name)
		}
		if _, ok := seen[0].(*frame.StartFrame); !ok {
			t.Errorf("%s: first frame = %T, want StartFrame", p.name, seen[0])
		}
	}

	// Downstream FIFO: the five audio chunks arrive in order at the engine
	// stage, before the EndFrame.
	audio, endIdx := 0, -1
	for i, f := range mid.frames() {
		switch f.(type) {
		case *frame.InputAudioRawFrame:
			audio++
		case *frame.EndFrame:
			endIdx = i
		}
	}
	if audio != 5 {
		t.Errorf("engine saw %d audio frames, want 5", audio)
	}
	if endIdx != len(mid.frames())-1 {
		t.Errorf("EndFrame not last at engine stage (index %d of %d)", endIdx, len(mid.frames()))
	}
	if !task.Terminated() {
		t.Error("task should be terminated")
	}
}

func TestTask_EndTaskGracefulReachesEveryStage(t *testing.T) {
	t.Parallel()
	in := &feeder{recordingProcessor: recordingProcessor{name: "input"}, chunks: 1}
	mid := &endAfter{recordingProcessor: recordingProcessor{name: "engine"}, n: 1}
	out := &recordingProcessor{name: "output"}

	var observed *frame.EndTaskFrame
	task, err := NewTask(TaskConfig{
		HeartbeatInterval: -1,
		OnEndTask:         func(f *frame.EndTaskFrame) { observed = f },
	}, in, mid, out)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	runTask(t, task)

	if observed == nil || observed.Reason != "USER_QUALIFIED" || observed.Abort {
		t.Fatalf("OnEndTask observed %+v", observed)
	}
	for _, p := range []*recordingProcessor{&in.recordingProcessor, &mid.recordingProcessor, out} {
		hasEnd := false
		for _, f := range p.frames() {
			if _, ok := f.(*frame.EndFrame); ok {
				hasEnd = true
			}
			if _, ok := f.(*frame.CancelFrame); ok {
				t.Errorf("%s saw CancelFrame on graceful shutdown", p.name)
			}
		}
		if !hasEnd {
			t.Errorf("%s never saw the EndFrame", p.name)
		}
		if !p.wasClosed() {
			t.Errorf("%s was not closed", p.name)
		}
	}
}

func TestTask_AbortInjectsCancel(t *testing.T) {
	t.Parallel()
	in := &feeder{recordingProcessor: recordingProcessor{name: "input"}, chunks: 1}
	mid := &endAfter{recordingProcessor: recordingProcessor{name: "engine"}, n: 1, abort: true}
	out := &recordingProcessor{name: "output"}

	task, err := NewTask(TaskConfig{HeartbeatInterval: -1}, in, mid, out)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	runTask(t, task)

	hasCancel := false
	for _, f := range out.frames() {
		if _, ok := f.(*frame.CancelFrame); ok {
			hasCancel = true
		}
	}
	if !hasCancel {
		t.Error("abort termination must deliver a CancelFrame to the output stage")
	}
}

func TestTask_CancelStopsTheChain(t *testing.T) {
	t.Parallel()
	in := &recordingProcessor{name: "input"}
	out := &recordingProcessor{name: "output"}
	task, err := NewTask(TaskConfig{HeartbeatInterval: -1}, in, out)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		task.Cancel()
		task.Cancel() // idempotent
	}()
	runTask(t, task)

	if !in.wasClosed() || !out.wasClosed() {
		t.Error("processors must be closed after cancellation")
	}
}

func TestTask_Heartbeats(t *testing.T) {
	t.Parallel()
	in := &recordingProcessor{name: "input"}
	out := &recordingProcessor{name: "output"}
	task, err := NewTask(TaskConfig{HeartbeatInterval: 10 * time.Millisecond}, in, out)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	go func() {
		time.Sleep(80 * time.Millisecond)
		task.Cancel()
	}()
	runTask(t, task)

	beats := 0
	for _, f := range out.frames() {
		if _, ok := f.(*frame.HeartbeatFrame); ok {
			beats++
		}
	}
	if beats < 3 {
		t.Errorf("expected several heartbeats, got %d", beats)
	}
}

func TestTask_RunTwiceFails(t *testing.T) {
	t.Parallel()
	in := &recordingProcessor{name: "input"}
	task, err := NewTask(TaskConfig{HeartbeatInterval: -1}, in)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		task.Cancel()
	}()
	runTask(t, task)

	if err := task.Run(context.Background()); err == nil {
		t.Error("second Run must fail")
	}
}

func TestNewTask_NoProcessors(t *testing.T) {
	t.Parallel()
	if _, err := NewTask(TaskConfig{}); err == nil {
		t.Error("expected error for empty chain")
	}
}

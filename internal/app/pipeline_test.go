package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parleyvoice/parley/internal/turnend"
	"github.com/parleyvoice/parley/pkg/frame"
)

// pushRecorder collects the frames a processor pushes.
type pushRecorder struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (r *pushRecorder) push(f frame.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *pushRecorder) all() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

type disconnectRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (d *disconnectRecorder) NotifyClientDisconnected(reason string) {
	d.mu.Lock()
	d.reasons = append(d.reasons, reason)
	d.mu.Unlock()
}

func TestCallControl_RelaysDisconnect(t *testing.T) {
	t.Parallel()
	notify := &disconnectRecorder{}
	p := newCallControl(notify)
	rec := &pushRecorder{}
	ctx := context.Background()

	gone := &frame.ClientDisconnectedFrame{Reason: "ws closed"}
	if err := p.ProcessFrame(ctx, gone, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if len(notify.reasons) != 1 || notify.reasons[0] != "ws closed" {
		t.Errorf("notified reasons = %v", notify.reasons)
	}
	if got := rec.all(); len(got) != 1 || got[0] != frame.Frame(gone) {
		t.Errorf("disconnect frame not forwarded: %v", got)
	}

	// Unrelated frames pass untouched.
	audio := &frame.InputAudioRawFrame{Data: []byte{1, 2}}
	if err := p.ProcessFrame(ctx, audio, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if len(notify.reasons) != 1 {
		t.Errorf("audio frame triggered a notification: %v", notify.reasons)
	}
	if got := rec.all(); len(got) != 2 {
		t.Errorf("expected 2 forwarded frames, got %d", len(got))
	}
}

// startPredictionServer runs a fake end-of-turn service answering every text
// payload with the verdict chosen by classify.
func startPredictionServer(t *testing.T, classify func(text string) (int, float64)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			pred, prob := classify(req.Text)
			out, _ := json.Marshal(map[string]any{"prediction": pred, "probability": prob})
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type staticPending string

func (s staticPending) Pending() string { return string(s) }

func connectedClassifier(t *testing.T, url string) *turnend.Classifier {
	t.Helper()
	cls, err := turnend.New(url)
	if err != nil {
		t.Fatalf("turnend.New: %v", err)
	}
	t.Cleanup(func() { cls.Close() })
	if err := cls.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return cls
}

func TestTurnGate_NilClassifierPassesThrough(t *testing.T) {
	t.Parallel()
	gate := newTurnGate(nil, staticPending(""), nil)
	rec := &pushRecorder{}

	stop := &frame.UserStoppedSpeakingFrame{}
	if err := gate.ProcessFrame(context.Background(), stop, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if got := rec.all(); len(got) != 1 || got[0] != frame.Frame(stop) {
		t.Errorf("stop frame not forwarded: %v", got)
	}
}

func TestTurnGate_ConfidentEndPassesThrough(t *testing.T) {
	t.Parallel()
	url := startPredictionServer(t, func(string) (int, float64) { return 1, 0.95 })
	gate := newTurnGate(connectedClassifier(t, url), staticPending("okay thanks goodbye"), nil)
	rec := &pushRecorder{}

	stop := &frame.UserStoppedSpeakingFrame{}
	if err := gate.ProcessFrame(context.Background(), stop, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("end-of-turn verdict must forward the stop, got %d frames", len(got))
	}
}

func TestTurnGate_HoldsMidSentencePause(t *testing.T) {
	t.Parallel()
	url := startPredictionServer(t, func(string) (int, float64) { return 0, 0.92 })
	gate := newTurnGate(connectedClassifier(t, url), staticPending("so what I was"), nil)
	rec := &pushRecorder{}
	ctx := context.Background()

	stop := &frame.UserStoppedSpeakingFrame{}
	if err := gate.ProcessFrame(ctx, stop, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("confident mid-sentence stop must be held, got %v", got)
	}

	// A heartbeat before the hold deadline releases nothing.
	early := &frame.HeartbeatFrame{At: time.Now()}
	if err := gate.ProcessFrame(ctx, early, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("early heartbeat should only forward itself, got %v", got)
	}

	// Past the deadline the stop is synthesised ahead of the heartbeat.
	late := &frame.HeartbeatFrame{At: time.Now().Add(2 * holdTimeout)}
	if err := gate.ProcessFrame(ctx, late, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("expected released stop plus heartbeat, got %d frames", len(got))
	}
	if _, ok := got[1].(*frame.UserStoppedSpeakingFrame); !ok {
		t.Errorf("frame after hold = %T, want UserStoppedSpeakingFrame", got[1])
	}
	if got[1].Direction() != frame.Downstream {
		t.Error("released stop must travel downstream")
	}
}

func TestTurnGate_UserResumingClearsHold(t *testing.T) {
	t.Parallel()
	url := startPredictionServer(t, func(string) (int, float64) { return 0, 0.92 })
	gate := newTurnGate(connectedClassifier(t, url), staticPending("and then I"), nil)
	rec := &pushRecorder{}
	ctx := context.Background()

	if err := gate.ProcessFrame(ctx, &frame.UserStoppedSpeakingFrame{}, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if err := gate.ProcessFrame(ctx, &frame.UserStartedSpeakingFrame{}, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	// The resumed turn means a later heartbeat releases nothing.
	late := &frame.HeartbeatFrame{At: time.Now().Add(2 * holdTimeout)}
	if err := gate.ProcessFrame(ctx, late, rec.push); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	for _, f := range rec.all() {
		if _, ok := f.(*frame.UserStoppedSpeakingFrame); ok {
			t.Fatal("cleared hold must not release a stop frame")
		}
	}
}

package webrtcws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// scriptedManager answers offers with a fixed SDP and trickles the configured
// candidates.
type scriptedManager struct {
	mu         sync.Mutex
	candidates []CandidateInit
	offerErr   error

	offers     []Offer
	added      []*CandidateInit
	renegs     []Renegotiate
}

func (m *scriptedManager) HandleOffer(_ context.Context, offer Offer) (Answer, <-chan CandidateInit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, offer)
	if m.offerErr != nil {
		return Answer{}, nil, m.offerErr
	}
	ch := make(chan CandidateInit, len(m.candidates))
	for _, c := range m.candidates {
		ch <- c
	}
	close(ch)
	return Answer{PCID: offer.PCID, SDP: "v=0 answer", Type: "answer"}, ch, nil
}

func (m *scriptedManager) AddCandidate(_ context.Context, pcID string, cand *CandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, cand)
	return nil
}

func (m *scriptedManager) Renegotiate(_ context.Context, reneg Renegotiate) (Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renegs = append(m.renegs, reneg)
	return Answer{PCID: reneg.PCID, SDP: "v=0 answer 2", Type: "answer"}, nil
}

func signalingServer(t *testing.T, mgr PeerManager) (*httptest.Server, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := Accept(w, r, mgr, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer s.Close()
		s.Run(r.Context())
	}))
	return srv, srv.Close
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func sendEnvelope(t *testing.T, ctx context.Context, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, _ := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, ctx context.Context, ws *websocket.Conn) Envelope {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestSignaler_OfferAnswerWithTrickledCandidates(t *testing.T) {
	t.Parallel()
	mgr := &scriptedManager{candidates: []CandidateInit{
		{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host", SDPMid: "0"},
		{Candidate: "candidate:2 1 udp 1694498815 198.51.100.1 60000 typ srflx raddr 192.0.2.1 rport 54321", SDPMid: "0"},
	}}
	srv, stop := signalingServer(t, mgr)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dial(t, ctx, srv)
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, ctx, ws, TypeOffer, Offer{
		PCID: "pc-1", SDP: "v=0 offer", Type: "offer",
		CallContextVars: map[string]string{"first_name": "Ada"},
	})

	// The answer arrives before any candidate.
	env := readEnvelope(t, ctx, ws)
	if env.Type != TypeAnswer {
		t.Fatalf("first reply type = %q, want answer", env.Type)
	}
	var answer Answer
	json.Unmarshal(env.Payload, &answer)
	if answer.PCID != "pc-1" || answer.SDP == "" {
		t.Errorf("answer = %+v", answer)
	}

	// Two candidates trickle, then the candidate-less end marker.
	var got []ICEMessage
	for i := 0; i < 3; i++ {
		env := readEnvelope(t, ctx, ws)
		if env.Type != TypeICECandidate {
			t.Fatalf("reply %d type = %q, want ice-candidate", i, env.Type)
		}
		var msg ICEMessage
		json.Unmarshal(env.Payload, &msg)
		got = append(got, msg)
	}
	if got[0].Candidate == nil || got[1].Candidate == nil {
		t.Error("trickled candidates must carry payloads")
	}
	if got[2].Candidate != nil {
		t.Error("final message must be candidate-less end-of-candidates")
	}
	if got[2].PCID != "pc-1" {
		t.Errorf("end-of-candidates pc_id = %q", got[2].PCID)
	}
}

func TestSignaler_ClientCandidatesReachManager(t *testing.T) {
	t.Parallel()
	mgr := &scriptedManager{}
	srv, stop := signalingServer(t, mgr)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dial(t, ctx, srv)
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, ctx, ws, TypeICECandidate, ICEMessage{
		PCID:      "pc-1",
		Candidate: &CandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.9 4444 typ host"},
	})
	// Candidate-less payload: end of client candidates.
	sendEnvelope(t, ctx, ws, TypeICECandidate, ICEMessage{PCID: "pc-1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		n := len(mgr.added)
		mgr.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.added) != 2 {
		t.Fatalf("manager saw %d candidates, want 2", len(mgr.added))
	}
	if mgr.added[0] == nil || mgr.added[1] != nil {
		t.Error("first candidate must be real, second must be the nil end marker")
	}
}

func TestSignaler_RenegotiateGetsFreshAnswer(t *testing.T) {
	t.Parallel()
	mgr := &scriptedManager{}
	srv, stop := signalingServer(t, mgr)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dial(t, ctx, srv)
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, ctx, ws, TypeRenegotiate, Renegotiate{
		PCID: "pc-1", SDP: "v=0 offer 2", Type: "offer", RestartPC: true,
	})
	env := readEnvelope(t, ctx, ws)
	if env.Type != TypeAnswer {
		t.Fatalf("reply type = %q, want answer", env.Type)
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.renegs) != 1 || !mgr.renegs[0].RestartPC {
		t.Errorf("renegotiations = %+v", mgr.renegs)
	}
}

func TestSignaler_ErrorsGoBackAsErrorEnvelopes(t *testing.T) {
	t.Parallel()
	mgr := &scriptedManager{offerErr: errors.New("no media ports available")}
	srv, stop := signalingServer(t, mgr)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws := dial(t, ctx, srv)
	defer ws.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, ctx, ws, TypeOffer, Offer{PCID: "pc-1", SDP: "v=0", Type: "offer"})
	env := readEnvelope(t, ctx, ws)
	if env.Type != TypeError {
		t.Fatalf("reply type = %q, want error", env.Type)
	}
	var msg ErrorMessage
	json.Unmarshal(env.Payload, &msg)
	if !strings.Contains(msg.Message, "no media ports") {
		t.Errorf("error message = %q", msg.Message)
	}

	// Unknown types also answer with an error instead of dropping silently.
	sendEnvelope(t, ctx, ws, "ping", struct{}{})
	if env := readEnvelope(t, ctx, ws); env.Type != TypeError {
		t.Errorf("unknown type reply = %q, want error", env.Type)
	}
}

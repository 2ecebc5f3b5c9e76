// Package webrtcws implements the browser call leg: a JSON signaling channel
// over WebSocket (SDP offer/answer with trickled ICE) plus an Opus media
// bridge that adapts the established peer connection to transport.Wire.
//
// The signaling contract is envelope-based: every message is
// {"type": ..., "payload": ...}. The server answers an offer before ICE
// gathering completes and streams its candidates afterwards over the same
// socket; a candidate-less ice-candidate message marks end of candidates.
package webrtcws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Envelope message types.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeRenegotiate  = "renegotiate"
	TypeError        = "error"
)

// Envelope is the outer signaling message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Offer is a client SDP offer opening (or reopening) a call.
type Offer struct {
	PCID            string            `json:"pc_id"`
	SDP             string            `json:"sdp"`
	Type            string            `json:"type"`
	CallContextVars map[string]string `json:"call_context_vars,omitempty"`
}

// Answer is the server SDP reply to an offer or renegotiation.
type Answer struct {
	PCID string `json:"pc_id"`
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// CandidateInit mirrors the browser RTCIceCandidateInit shape.
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// ICEMessage carries one trickled candidate. A nil Candidate signals end of
// candidates for the peer connection.
type ICEMessage struct {
	PCID      string         `json:"pc_id"`
	Candidate *CandidateInit `json:"candidate,omitempty"`
}

// Renegotiate asks for a new answer on an existing peer connection, e.g.
// after a network change. RestartPC forces a fresh connection.
type Renegotiate struct {
	PCID      string `json:"pc_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	RestartPC bool   `json:"restart_pc,omitempty"`
}

// ErrorMessage is the server→client failure envelope payload.
type ErrorMessage struct {
	Message string `json:"message"`
}

// PeerManager is the peer-connection side of the signaling exchange. The
// returned candidate channel trickles local candidates gathered after the
// answer; the manager closes it when gathering finishes.
type PeerManager interface {
	HandleOffer(ctx context.Context, offer Offer) (Answer, <-chan CandidateInit, error)
	AddCandidate(ctx context.Context, pcID string, cand *CandidateInit) error
	Renegotiate(ctx context.Context, reneg Renegotiate) (Answer, error)
}

// Signaler runs the signaling protocol for one client socket.
type Signaler struct {
	ws  *websocket.Conn
	mgr PeerManager
	log *slog.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Accept upgrades an incoming signaling HTTP request.
func Accept(w http.ResponseWriter, r *http.Request, mgr PeerManager, log *slog.Logger) (*Signaler, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("webrtcws: accept: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Signaler{ws: ws, mgr: mgr, log: log}, nil
}

// Run reads signaling messages until the socket closes or ctx is done.
// It returns the read error that ended the session.
func (s *Signaler) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		_, data, err := s.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("webrtcws: read: %w", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(ctx, fmt.Sprintf("malformed envelope: %v", err))
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *Signaler) dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeOffer:
		var offer Offer
		if err := json.Unmarshal(env.Payload, &offer); err != nil {
			s.sendError(ctx, fmt.Sprintf("malformed offer: %v", err))
			return
		}
		answer, cands, err := s.mgr.HandleOffer(ctx, offer)
		if err != nil {
			s.sendError(ctx, err.Error())
			return
		}
		s.send(ctx, TypeAnswer, answer)
		s.wg.Add(1)
		go s.trickle(ctx, offer.PCID, cands)

	case TypeICECandidate:
		var msg ICEMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.sendError(ctx, fmt.Sprintf("malformed candidate: %v", err))
			return
		}
		if err := s.mgr.AddCandidate(ctx, msg.PCID, msg.Candidate); err != nil {
			s.sendError(ctx, err.Error())
		}

	case TypeRenegotiate:
		var reneg Renegotiate
		if err := json.Unmarshal(env.Payload, &reneg); err != nil {
			s.sendError(ctx, fmt.Sprintf("malformed renegotiate: %v", err))
			return
		}
		answer, err := s.mgr.Renegotiate(ctx, reneg)
		if err != nil {
			s.sendError(ctx, err.Error())
			return
		}
		s.send(ctx, TypeAnswer, answer)

	default:
		s.sendError(ctx, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// trickle streams gathered local candidates, then the end-of-candidates
// marker (a candidate-less message for the same peer connection).
func (s *Signaler) trickle(ctx context.Context, pcID string, cands <-chan CandidateInit) {
	defer s.wg.Done()
	for c := range cands {
		cand := c
		s.send(ctx, TypeICECandidate, ICEMessage{PCID: pcID, Candidate: &cand})
	}
	s.send(ctx, TypeICECandidate, ICEMessage{PCID: pcID})
}

func (s *Signaler) send(ctx context.Context, typ string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("signaling marshal failed", "type", typ, "error", err)
		return
	}
	data, _ := json.Marshal(Envelope{Type: typ, Payload: raw})
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Warn("signaling write failed", "type", typ, "error", err)
	}
}

func (s *Signaler) sendError(ctx context.Context, msg string) {
	s.send(ctx, TypeError, ErrorMessage{Message: msg})
}

// Close shuts the signaling socket down.
func (s *Signaler) Close() error {
	s.ws.Close(websocket.StatusNormalClosure, "session ended")
	return nil
}

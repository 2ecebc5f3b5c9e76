// Package carrierws carries telephony call audio over a bidirectional
// WebSocket: binary messages are raw 8 kHz μ-law, 160 bytes per 20 ms chunk.
// Text messages are carrier control chatter and are skipped.
package carrierws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/parleyvoice/parley/internal/transport"
	"github.com/parleyvoice/parley/pkg/frame"
)

// Format is the fixed wire format of a carrier stream.
func Format() transport.StreamFormat {
	return transport.StreamFormat{
		SampleRate: 8000,
		Channels:   1,
		Encoding:   frame.EncodingULaw,
	}
}

// Conn is one carrier call leg. It implements transport.Wire.
type Conn struct {
	ws *websocket.Conn
}

var _ transport.Wire = (*Conn)(nil)

// Accept upgrades an incoming carrier HTTP request to a call stream.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("carrierws: accept: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Dial opens an outbound carrier stream, used when the platform originates
// the media connection.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("carrierws: dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// Receive implements transport.Wire. It returns the next binary audio chunk,
// skipping any interleaved text messages.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("carrierws: read: %w", err)
		}
		if typ == websocket.MessageBinary {
			return data, nil
		}
	}
}

// Send implements transport.Wire.
func (c *Conn) Send(ctx context.Context, chunk []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("carrierws: write: %w", err)
	}
	return nil
}

// Close implements transport.Wire. Safe to call multiple times.
func (c *Conn) Close() error {
	c.ws.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}

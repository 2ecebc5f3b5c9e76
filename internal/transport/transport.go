// Package transport binds one call's wire connection to the media pipeline.
//
// Each transport is an input/output processor pair around a Wire. The input
// reads caller audio off the wire and emits InputAudioRawFrames plus the
// connected/disconnected control frames; the output releases bot audio back
// onto the wire at real-time pace so playback never drains faster than the
// bot generates. Concrete wires live in the carrierws and webrtcws
// subpackages.
package transport

import (
	"context"
	"time"

	"github.com/parleyvoice/parley/pkg/audio"
	"github.com/parleyvoice/parley/pkg/frame"
)

// Wire is a bidirectional audio connection for one call.
type Wire interface {
	// Receive blocks until the next inbound audio chunk arrives. It returns
	// an error once the peer is gone; the input loop treats any error as a
	// disconnect.
	Receive(ctx context.Context) ([]byte, error)

	// Send writes one outbound audio chunk to the wire.
	Send(ctx context.Context, chunk []byte) error

	// Close releases the connection. Safe to call multiple times.
	Close() error
}

// StreamFormat describes the audio carried on one side of the wire.
type StreamFormat struct {
	SampleRate int
	Channels   int
	Encoding   frame.AudioEncoding
}

// chunkBytes returns the wire size of one chunk of the given duration.
// μ-law is 1 byte per sample, so a 20 ms chunk at 8 kHz is 160 bytes.
func (f StreamFormat) chunkBytes(d time.Duration) int {
	return audio.ChunkSize(d, f.SampleRate, f.Encoding.BytesPerSample(), f.Channels)
}

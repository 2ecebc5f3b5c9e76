package webrtcws

import (
	"context"
	"fmt"

	"layeh.com/gopus"

	"github.com/parleyvoice/parley/internal/transport"
	"github.com/parleyvoice/parley/pkg/frame"
)

// Browser audio is 48 kHz mono Opus at 20 ms frame size.
const (
	mediaSampleRate = 48000
	mediaChannels   = 1
	mediaFrameMs    = 20
	// samplesPerFrame is the number of samples per 20 ms frame.
	samplesPerFrame = mediaSampleRate * mediaFrameMs / 1000 // 960
	frameBytes      = samplesPerFrame * 2
)

// PacketStream delivers raw Opus packets for one established peer
// connection. The RTP/SRTP plumbing behind it is vendor territory; the core
// only needs ordered packets in and out.
type PacketStream interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(ctx context.Context, pkt []byte) error
	Close() error
}

// MediaFormat is the PCM format an OpusWire presents to the pipeline.
func MediaFormat() transport.StreamFormat {
	return transport.StreamFormat{
		SampleRate: mediaSampleRate,
		Channels:   mediaChannels,
		Encoding:   frame.EncodingPCM16,
	}
}

// OpusWire adapts a peer connection's Opus packet stream to transport.Wire:
// inbound packets decode to PCM-16, outbound PCM accumulates into full 20 ms
// frames before encoding. Codec state is per-call, matching one decoder per
// remote stream.
type OpusWire struct {
	stream PacketStream
	dec    *gopus.Decoder
	enc    *gopus.Encoder

	// out buffers outbound PCM that does not yet fill a whole Opus frame.
	out []byte
}

var _ transport.Wire = (*OpusWire)(nil)

// NewOpusWire wraps an established packet stream with the Opus codec pair.
func NewOpusWire(stream PacketStream) (*OpusWire, error) {
	dec, err := gopus.NewDecoder(mediaSampleRate, mediaChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtcws: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(mediaSampleRate, mediaChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtcws: create opus encoder: %w", err)
	}
	return &OpusWire{stream: stream, dec: dec, enc: enc}, nil
}

// Receive implements transport.Wire. It returns one decoded 20 ms PCM chunk.
func (w *OpusWire) Receive(ctx context.Context) ([]byte, error) {
	pkt, err := w.stream.ReadPacket(ctx)
	if err != nil {
		return nil, err
	}
	pcm, err := w.dec.Decode(pkt, samplesPerFrame, false)
	if err != nil {
		return nil, fmt.Errorf("webrtcws: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// Send implements transport.Wire. Partial frames are held until enough PCM
// arrives to fill a 20 ms Opus frame.
func (w *OpusWire) Send(ctx context.Context, chunk []byte) error {
	w.out = append(w.out, chunk...)
	for len(w.out) >= frameBytes {
		pcm := bytesToInt16s(w.out[:frameBytes])
		w.out = w.out[frameBytes:]
		pkt, err := w.enc.Encode(pcm, samplesPerFrame, frameBytes)
		if err != nil {
			return fmt.Errorf("webrtcws: opus encode: %w", err)
		}
		if err := w.stream.WritePacket(ctx, pkt); err != nil {
			return err
		}
	}
	return nil
}

// Close implements transport.Wire. A held partial frame is padded with
// silence and flushed so the last syllable is not cut.
func (w *OpusWire) Close() error {
	if len(w.out) > 0 {
		padded := make([]byte, frameBytes)
		copy(padded, w.out)
		w.out = nil
		pcm := bytesToInt16s(padded)
		if pkt, err := w.enc.Encode(pcm, samplesPerFrame, frameBytes); err == nil {
			_ = w.stream.WritePacket(context.Background(), pkt)
		}
	}
	return w.stream.Close()
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

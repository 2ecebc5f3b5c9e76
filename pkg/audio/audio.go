// Package audio provides the PCM utilities shared by transports and providers:
// format conversion, linear resampling, the G.711 μ-law codec used by carrier
// streams, and wire chunk sizing.
//
// All PCM data is 16-bit little-endian unless a function documents otherwise.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "8000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// ChunkSize returns the number of bytes in one chunk of the given duration for
// audio at sampleRate with bytesPerSample bytes per sample and channels
// channels.
//
// A 20 ms chunk of 8 kHz μ-law (1 byte per sample, mono) is 160 bytes; the
// same chunk in PCM-16 is 320 bytes. Transports must size their wire chunks
// from the advertised encoding, not assume PCM-16.
func ChunkSize(d time.Duration, sampleRate, bytesPerSample, channels int) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * bytesPerSample * channels
}

// ChunkDuration returns the playback duration of n bytes of audio at
// sampleRate with bytesPerSample bytes per sample and channels channels.
// Returns zero when any parameter is non-positive.
func ChunkDuration(n, sampleRate, bytesPerSample, channels int) time.Duration {
	if n <= 0 || sampleRate <= 0 || bytesPerSample <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (bytesPerSample * channels)
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

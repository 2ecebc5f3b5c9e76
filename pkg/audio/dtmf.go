package audio

// DTMF tone synthesis. Carrier call legs have no out-of-band signalling
// channel, so keypad digits go out in-band as the standard dual-tone audio.

import (
	"encoding/binary"
	"math"
	"time"
)

// dtmfTones maps each keypad digit to its low/high frequency pair in Hz,
// per the ITU-T Q.23 grid.
var dtmfTones = map[rune][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// dtmfAmplitude keeps the summed pair well below full scale.
const dtmfAmplitude = 0.35

// DTMFTone synthesises one keypad digit as 16-bit little-endian mono PCM of
// the given duration. Returns nil for a rune outside the keypad grid.
func DTMFTone(digit rune, sampleRate int, d time.Duration) []byte {
	pair, ok := dtmfTones[digit]
	if !ok || sampleRate <= 0 || d <= 0 {
		return nil
	}
	n := int(float64(sampleRate) * d.Seconds())
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		v := dtmfAmplitude*math.Sin(2*math.Pi*pair[0]*t) +
			dtmfAmplitude*math.Sin(2*math.Pi*pair[1]*t)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

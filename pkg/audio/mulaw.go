package audio

// G.711 μ-law codec. Carrier WebSocket streams exchange 8 kHz μ-law audio
// (1 byte per sample); everything inside the pipeline is 16-bit linear PCM.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// muLawDecodeTable maps each μ-law byte to its linear PCM-16 value.
var muLawDecodeTable [256]int16

func init() {
	for i := range muLawDecodeTable {
		u := ^uint8(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := (int32(mantissa)<<3 + muLawBias) << exponent
		sample -= muLawBias
		if sign != 0 {
			sample = -sample
		}
		muLawDecodeTable[i] = int16(sample)
	}
}

// DecodeULaw expands μ-law bytes into 16-bit little-endian PCM.
// The output is exactly twice the length of the input.
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := muLawDecodeTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeULaw compresses 16-bit little-endian PCM into μ-law bytes.
// Odd trailing bytes are ignored. The output is half the length of the input.
func EncodeULaw(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples)
	for i := range samples {
		s := int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		out[i] = encodeULawSample(s)
	}
	return out
}

// encodeULawSample compresses a single linear sample to its μ-law byte.
func encodeULawSample(sample int32) byte {
	sign := byte(0)
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

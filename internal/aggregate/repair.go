package aggregate

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minRepairAlnum is the minimum alphanumeric length of a corrupted string
// before repair is attempted; shorter strings carry too little signal to
// anchor an alignment.
const minRepairAlnum = 10

// anchorLen is how many leading characters of the corrupted string are used
// to locate the alignment start inside the reference.
const anchorLen = 10

// punctuation the repair walk is allowed to heal in from the reference.
func isHealablePunct(r rune) bool {
	switch r {
	case '.', ',', ';', ':', '!', '?':
		return true
	}
	return false
}

// Repair aligns a corrupted assistant turn against the reference text the
// engine accumulated from the model's own output and returns a healed
// string. Word-aligned TTS transcripts sometimes come back with spurious
// whitespace or missing punctuation; since the model's text is ground truth,
// spaces present only in the corrupted string are dropped and spaces or
// punctuation present only in the reference are restored.
//
// Repair is conservative: when the corrupted string is already a substring
// of the reference, when either string is too short to align, when no
// anchor is found, or when the healed output would change the alphanumeric
// content, the corrupted string is returned unchanged.
func Repair(reference, corrupted string) string {
	if corrupted == "" || strings.Contains(reference, corrupted) {
		return corrupted
	}
	corAlnum := alnumProjection(corrupted)
	corAlnumLen := utf8.RuneCountInString(corAlnum)
	if utf8.RuneCountInString(alnumProjection(reference)) < corAlnumLen || corAlnumLen < minRepairAlnum {
		return corrupted
	}

	cor := []rune(corrupted)
	anchor := string(cor[:min(anchorLen, len(cor))])
	start := strings.LastIndex(reference, anchor)
	if start < 0 {
		return corrupted
	}

	ref := []rune(reference[start:])
	out := make([]rune, 0, len(ref))
	i, j := 0, 0
	for i < len(ref) && j < len(cor) {
		switch {
		case ref[i] == cor[j]:
			out = append(out, ref[i])
			i++
			j++
		case cor[j] == ' ':
			// Extra space injected by the transcript; drop it.
			j++
		case ref[i] == ' ' || isHealablePunct(ref[i]):
			// Space or punctuation the transcript lost; restore it.
			out = append(out, ref[i])
			i++
		default:
			out = append(out, ref[i])
			i++
			j++
		}
	}
	// Anything past the end of the reference window is kept verbatim.
	out = append(out, cor[j:]...)

	repaired := string(out)
	if alnumProjection(repaired) != corAlnum {
		return corrupted
	}
	return repaired
}

// alnumProjection strips every non-alphanumeric rune.
func alnumProjection(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package webrtcws

import (
	"fmt"
	"strconv"
	"strings"
)

// Candidate is one parsed ICE candidate from the standard SDP
// "candidate:" line grammar (RFC 8839 §5.1).
type Candidate struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	Address    string
	Port       int
	Type       string

	// RelAddr and RelPort are set for reflexive and relay candidates.
	RelAddr string
	RelPort int
}

// ParseCandidate parses a candidate attribute line. The "a=" and
// "candidate:" prefixes are both optional so browser candidate strings and
// raw SDP lines parse alike.
func ParseCandidate(line string) (Candidate, error) {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "a=")
	s = strings.TrimPrefix(s, "candidate:")
	fields := strings.Fields(s)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("webrtcws: candidate %q: want at least 8 fields, got %d", line, len(fields))
	}
	if fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("webrtcws: candidate %q: field 7 is %q, want \"typ\"", line, fields[6])
	}

	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("webrtcws: candidate component: %w", err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("webrtcws: candidate priority: %w", err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, fmt.Errorf("webrtcws: candidate port: %w", err)
	}

	c := Candidate{
		Foundation: fields[0],
		Component:  component,
		Protocol:   strings.ToLower(fields[2]),
		Priority:   uint32(priority),
		Address:    fields[4],
		Port:       port,
		Type:       fields[7],
	}

	// Optional extension pairs follow the type.
	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.RelAddr = fields[i+1]
		case "rport":
			p, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return Candidate{}, fmt.Errorf("webrtcws: candidate rport: %w", err)
			}
			c.RelPort = p
		}
	}
	return c, nil
}

// Package dispo defines the call disposition codes the engine produces and
// the tenant-configurable mapping applied before a disposition is persisted.
package dispo

import "time"

// Code is a raw disposition the engine can assign to a call.
type Code string

// Dispositions the engine produces. Tenant mapping may translate these into
// arbitrary outbound codes.
const (
	// UserQualified marks a conversation that reached an end node normally.
	UserQualified Code = "USER_QUALIFIED"

	// UserHangup marks a client disconnect within the first seconds of the
	// call, before the engine initiated termination.
	UserHangup Code = "USER_HANGUP"

	// UserIdle marks a call terminated after the user stayed silent through
	// both idle timeouts.
	UserIdle Code = "USER_IDLE_MAX_DURATION_EXCEEDED"

	// DurationExceeded marks a call cut off by the max-duration limit.
	DurationExceeded Code = "CALL_DURATION_EXCEEDED"

	// VoicemailDetected marks a call answered by a voicemail system.
	VoicemailDetected Code = "VOICEMAIL_DETECTED"

	// NIBP ("not interested, by phone") marks a carrier hangup after the
	// conversation was underway.
	NIBP Code = "NIBP"

	// HU marks a generic hangup reported by the carrier.
	HU Code = "HU"

	// Unknown is the fallback when no disposition was determined.
	Unknown Code = "UNKNOWN"
)

// hangupReclassifyAfter is the call age at which a client disconnect stops
// counting as an early hangup and becomes NIBP.
const hangupReclassifyAfter = 10 * time.Second

// Resolve computes the raw disposition for a terminating call.
//
// Priority: a disposition extracted from the conversation wins; otherwise
// the termination reason; otherwise Unknown. A client disconnect that
// happened before the engine initiated termination overrides both: early
// disconnects are UserHangup, later carrier disconnects are NIBP.
func Resolve(extracted Code, reason Code, clientDisconnected bool, callDuration time.Duration) Code {
	if clientDisconnected {
		if callDuration < hangupReclassifyAfter {
			return UserHangup
		}
		return NIBP
	}
	if extracted != "" {
		return extracted
	}
	if reason != "" {
		return reason
	}
	return Unknown
}

// Mapping is a tenant-scoped disposition translation table. Raw codes absent
// from the table pass through unchanged.
type Mapping map[Code]string

// Apply translates a raw code through the mapping.
func (m Mapping) Apply(raw Code) string {
	if mapped, ok := m[raw]; ok {
		return mapped
	}
	return string(raw)
}

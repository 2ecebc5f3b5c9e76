package aggregate

import "testing"

func TestRepair_SpuriousSpaceHealed(t *testing.T) {
	t.Parallel()
	reference := "Good Morning Mr NARGES, my name is Alex and I am calling about your enquiry."
	corrupted := "Good Morning Mr NAR GES, my name is Alex and I am calling about your enquiry."

	got := Repair(reference, corrupted)
	if got != reference {
		t.Errorf("Repair:\n got  %q\n want %q", got, reference)
	}
}

func TestRepair_MissingPunctuationRestored(t *testing.T) {
	t.Parallel()
	reference := "Sure thing, I can help with that. What time works for you?"
	corrupted := "Sure thing I can help with that What time works for you"

	// Punctuation inside the walked region is restored; the trailing "?"
	// lies beyond the corrupted text's length and stays absent.
	want := "Sure thing, I can help with that. What time works for you"
	got := Repair(reference, corrupted)
	if got != want {
		t.Errorf("Repair:\n got  %q\n want %q", got, want)
	}
}

func TestRepair_IdenticalInputUnchanged(t *testing.T) {
	t.Parallel()
	reference := "Thanks for your time today, have a great afternoon."
	if got := Repair(reference, reference); got != reference {
		t.Errorf("Repair(ref, ref) = %q, want unchanged", got)
	}
}

func TestRepair_SubstringUnchanged(t *testing.T) {
	t.Parallel()
	reference := "Thanks for your time today, have a great afternoon."
	sub := "your time today, have a great"
	if got := Repair(reference, sub); got != sub {
		t.Errorf("Repair(ref, substring) = %q, want unchanged", got)
	}
}

func TestRepair_ShortInputUnchanged(t *testing.T) {
	t.Parallel()
	// Fewer than 10 alphanumerics: no repair attempted.
	if got := Repair("Hello there friend", "Hi there"); got != "Hi there" {
		t.Errorf("Repair on short input = %q, want unchanged", got)
	}
}

func TestRepair_ReferenceShorterUnchanged(t *testing.T) {
	t.Parallel()
	corrupted := "This corrupted string is much longer than the reference text"
	if got := Repair("short ref", corrupted); got != corrupted {
		t.Errorf("Repair with short reference = %q, want unchanged", got)
	}
}

func TestRepair_NoAnchorUnchanged(t *testing.T) {
	t.Parallel()
	// The first 10 characters of the corrupted string never occur in the
	// reference, so alignment cannot start.
	corrupted := "Completely unrelated opening with enough characters"
	reference := "Good Morning Mr NARGES, my name is Alex."
	if got := Repair(reference, corrupted); got != corrupted {
		t.Errorf("Repair without anchor = %q, want unchanged", got)
	}
}

func TestRepair_LetterMismatchRejected(t *testing.T) {
	t.Parallel()
	// Alignment starts but the corrupted text diverges in actual letters, so
	// the healed output changes the alphanumeric content and is rejected.
	reference := "Good Morning Mr NARGES, my name is Alex."
	corrupted := "Good Morning Mr NARGES, my name is Axel."
	if got := Repair(reference, corrupted); got != corrupted {
		t.Errorf("Repair with letter mismatch = %q, want unchanged", got)
	}
}

func TestRepair_AnchorUsesLastOccurrence(t *testing.T) {
	t.Parallel()
	// The anchor text appears twice in the reference; alignment must start
	// at the last occurrence, where the corrupted tail actually matches.
	reference := "I said yes. Let me repeat: I said yes, that works for me."
	corrupted := "I said yes that works for me."
	want := "I said yes, that works for me."
	if got := Repair(reference, corrupted); got != want {
		t.Errorf("Repair:\n got  %q\n want %q", got, want)
	}
}

func TestRepair_EmptyCorrupted(t *testing.T) {
	t.Parallel()
	if got := Repair("some reference", ""); got != "" {
		t.Errorf("Repair(ref, \"\") = %q, want empty", got)
	}
}

package types

import "testing"

func TestPermittedOwnerPrecedence(t *testing.T) {
	// owner bits: RW (0x2), group bits: RO (0x1), other bits: none.
	mode := Mode(uint64(CapReadWrite) | uint64(CapReadOnly)<<NBITS)

	if !Permitted(100, 200, 100, 999, mode, CapReadWrite) {
		t.Fatal("owner should be granted read-write")
	}
	if Permitted(100, 200, 100, 999, mode, CapExclusive) {
		t.Fatal("owner should not be granted bits it wasn't given")
	}
}

func TestPermittedGroupPrecedence(t *testing.T) {
	mode := Mode(uint64(CapReadWrite) | uint64(CapReadOnly)<<NBITS)

	if !Permitted(100, 200, 999, 200, mode, CapReadOnly) {
		t.Fatal("group member should be granted read-only")
	}
	if Permitted(100, 200, 999, 200, mode, CapReadWrite) {
		t.Fatal("group member should not get owner's wider bits")
	}
}

func TestPermittedOtherFallback(t *testing.T) {
	mode := Mode(uint64(CapReadWrite) | uint64(CapReadOnly)<<NBITS)

	if Permitted(100, 200, 999, 999, mode, CapReadOnly) {
		t.Fatal("non-owner non-member should get only the other triplet")
	}
}

func TestPermittedUIDTakesPrecedenceOverGID(t *testing.T) {
	// A requester matching both uid and gid gets the owner triplet, not
	// the (possibly narrower) group triplet.
	mode := Mode(uint64(CapReadWrite) | uint64(CapReadOnly)<<NBITS)
	if !Permitted(100, 200, 100, 200, mode, CapReadWrite) {
		t.Fatal("matching both uid and gid should still grant owner bits")
	}
}

func TestErrorIsAndKindOf(t *testing.T) {
	err := NewError(KindBusy, "handle conflict")
	if !Is(err, KindBusy) {
		t.Fatal("Is should match the error's own kind")
	}
	if Is(err, KindExist) {
		t.Fatal("Is should not match an unrelated kind")
	}
	if KindOf(err) != KindBusy {
		t.Fatal("KindOf should return the error's kind")
	}

	if KindOf(errPlain{}) != KindIO {
		t.Fatal("KindOf should default untyped errors to IO")
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "plain" }

func TestUUIDNilAndParse(t *testing.T) {
	var u UUID
	if !u.IsNil() {
		t.Fatal("zero-value UUID should be nil")
	}
	n := NewUUID()
	if n.IsNil() {
		t.Fatal("generated UUID should not be nil")
	}
	parsed, err := ParseUUID(n.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != n {
		t.Fatal("round-tripped UUID should be equal")
	}
	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Fatal("expected error parsing invalid uuid")
	}
}

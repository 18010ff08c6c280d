package bits

import "testing"

func TestFieldRoundTrip(t *testing.T) {
	// Every value of a 6-bit field survives With+Field unchanged.
	for v := uint32(0); v < 1<<6; v++ {
		raw := WithField(uint32(0xdeadbeef), 8, 6, v)
		if got := Field(raw, 8, 6); got != v {
			t.Fatalf("round trip of %#x: got %#x", v, got)
		}
	}
}

func TestWithFieldPreservesOtherBits(t *testing.T) {
	const orig = uint32(0xdeadbeef)
	raw := WithField(orig, 8, 6, 0x15)
	mask := uint32(0x3f) << 8
	if raw&^mask != orig&^mask {
		t.Fatalf("bits outside field changed: %#x vs %#x", raw, orig)
	}
}

func TestWithFieldTruncates(t *testing.T) {
	// Over-wide values are masked, not rejected.
	raw := WithField(uint16(0), 4, 3, 0xff)
	if got := Field(raw, 4, 3); got != 0x7 {
		t.Fatalf("expected truncation to 0x7, got %#x", got)
	}
}

func TestFullWidthField(t *testing.T) {
	raw := WithField(uint8(0xa5), 0, 8, 0x3c)
	if raw != 0x3c {
		t.Fatalf("full-width replace: got %#x", raw)
	}
	if got := Field(raw, 0, 8); got != 0x3c {
		t.Fatalf("full-width extract: got %#x", got)
	}
}

func TestBitAccessors(t *testing.T) {
	raw := uint8(0)
	raw = WithBit(raw, 6, true)
	if !Bit(raw, 6) {
		t.Fatal("bit 6 should be set")
	}
	if Bit(raw, 5) {
		t.Fatal("bit 5 should be clear")
	}
	raw = WithBit(raw, 6, false)
	if raw != 0 {
		t.Fatalf("expected zero after clearing, got %#x", raw)
	}
}

func TestMaskPanicsOnOverWideField(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for 9-bit mask on uint8")
		}
	}()
	_ = Mask[uint8](9)
}

func TestFieldPanicsOutsideRegister(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for field crossing register width")
		}
	}()
	_ = Field(uint16(0), 12, 8)
}

// Package bits provides field accessors for hardware register values.
//
// Device register types are fixed-width unsigned integers with named bit
// ranges. Each device package declares a type per register (for example
// xhci.HcStructuralParameters1) whose accessors are thin wrappers over the
// generic helpers here. All operations are pure: WithField returns a new
// value and never mutates the receiver, mirroring the read-modify-write
// discipline real drivers use against the register itself.
package bits

import mathbits "math/bits"

// Uint is the set of unsigned integer widths a register value may have.
type Uint interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Width returns the bit width of T.
func Width[T Uint]() uint {
	return uint(mathbits.Len64(uint64(^T(0))))
}

// Mask returns a value with the low width bits set. A width larger than T is
// a definition-time programmer error.
func Mask[T Uint](width uint) T {
	total := Width[T]()
	if width > total {
		panic("bits: field width exceeds register width")
	}
	if width == total {
		return ^T(0)
	}
	return T(1)<<width - 1
}

// Field extracts the bits in [lo, lo+width) of raw, right-shifted to bit 0.
func Field[T Uint](raw T, lo, width uint) T {
	checkRange[T](lo, width)
	return (raw >> lo) & Mask[T](width)
}

// WithField returns raw with bits [lo, lo+width) replaced by v. Bits of v
// beyond the field width are silently truncated, matching hardware register
// semantics for over-wide writes.
func WithField[T Uint](raw T, lo, width uint, v T) T {
	checkRange[T](lo, width)
	m := Mask[T](width)
	return (raw &^ (m << lo)) | ((v & m) << lo)
}

// Bit reports whether bit pos of raw is set.
func Bit[T Uint](raw T, pos uint) bool {
	checkRange[T](pos, 1)
	return raw&(T(1)<<pos) != 0
}

// WithBit returns raw with bit pos set to v.
func WithBit[T Uint](raw T, pos uint, v bool) T {
	checkRange[T](pos, 1)
	if v {
		return raw | T(1)<<pos
	}
	return raw &^ (T(1) << pos)
}

func checkRange[T Uint](lo, width uint) {
	total := Width[T]()
	if width == 0 || lo >= total || lo+width > total {
		panic("bits: field range outside register width")
	}
}

package regmap

import "encoding/binary"

// Op is one guest-initiated access against a byte range of a register space.
// The concrete type carries the direction: *ReadOp when the guest reads
// (the device fills the buffer) and *WriteOp when the guest writes (the
// device consumes the buffer). Offsets are relative to the register space
// the op is presented to; the map splitter rebases them when an access
// spans registers.
type Op interface {
	Offset() int
	Len() int
}

// ReadOp carries a guest read. Device handlers append result bytes through
// the WriteUint* methods; the accessors fail loudly on overrun because an
// overrun is a handler bug, not a runtime condition.
type ReadOp struct {
	offset int
	buf    []byte
	pos    int
}

// NewReadOp wraps buf as a read operation at the given offset. The buffer
// contents start undefined and must be fully populated by the handlers.
func NewReadOp(offset int, buf []byte) *ReadOp {
	return &ReadOp{offset: offset, buf: buf}
}

func (ro *ReadOp) Offset() int { return ro.offset }
func (ro *ReadOp) Len() int    { return len(ro.buf) }

// WriteUint8 appends an 8-bit result value at the cursor.
func (ro *ReadOp) WriteUint8(v uint8) {
	ro.reserve(1)[0] = v
}

// WriteUint16 appends a 16-bit result value, little-endian.
func (ro *ReadOp) WriteUint16(v uint16) {
	binary.LittleEndian.PutUint16(ro.reserve(2), v)
}

// WriteUint32 appends a 32-bit result value, little-endian.
func (ro *ReadOp) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(ro.reserve(4), v)
}

// WriteUint64 appends a 64-bit result value, little-endian.
func (ro *ReadOp) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(ro.reserve(8), v)
}

// WriteBytes appends p at the cursor.
func (ro *ReadOp) WriteBytes(p []byte) {
	copy(ro.reserve(len(p)), p)
}

// Fill pads the rest of the buffer with b. Used for reserved or absent
// registers: 0x00 for unimplemented MMIO, 0xFF for missing PCI config space.
func (ro *ReadOp) Fill(b byte) {
	rest := ro.buf[ro.pos:]
	for i := range rest {
		rest[i] = b
	}
	ro.pos = len(ro.buf)
}

func (ro *ReadOp) reserve(n int) []byte {
	if ro.pos+n > len(ro.buf) {
		panic("regmap: read op result overruns access length")
	}
	p := ro.buf[ro.pos : ro.pos+n]
	ro.pos += n
	return p
}

// Child derives a read op addressing bytes [start, end) of the parent's
// buffer under a new offset. The child shares the parent's storage, so
// results written through it land in the original buffer.
func (ro *ReadOp) Child(offset, start, end int) *ReadOp {
	return &ReadOp{offset: offset, buf: ro.buf[start:end]}
}

// WriteOp carries a guest write. The buffer is pre-populated with the
// guest-supplied bytes; handlers consume them through the ReadUint* methods.
type WriteOp struct {
	offset int
	buf    []byte
	pos    int
}

// NewWriteOp wraps buf, already holding guest bytes, as a write operation.
func NewWriteOp(offset int, buf []byte) *WriteOp {
	return &WriteOp{offset: offset, buf: buf}
}

func (wo *WriteOp) Offset() int { return wo.offset }
func (wo *WriteOp) Len() int    { return len(wo.buf) }

// ReadUint8 consumes an 8-bit value at the cursor.
func (wo *WriteOp) ReadUint8() uint8 {
	return wo.consume(1)[0]
}

// ReadUint16 consumes a 16-bit little-endian value.
func (wo *WriteOp) ReadUint16() uint16 {
	return binary.LittleEndian.Uint16(wo.consume(2))
}

// ReadUint32 consumes a 32-bit little-endian value.
func (wo *WriteOp) ReadUint32() uint32 {
	return binary.LittleEndian.Uint32(wo.consume(4))
}

// ReadUint64 consumes a 64-bit little-endian value.
func (wo *WriteOp) ReadUint64() uint64 {
	return binary.LittleEndian.Uint64(wo.consume(8))
}

// ReadBytes consumes len(p) bytes into p.
func (wo *WriteOp) ReadBytes(p []byte) {
	copy(p, wo.consume(len(p)))
}

func (wo *WriteOp) consume(n int) []byte {
	if wo.pos+n > len(wo.buf) {
		panic("regmap: write op consumed past access length")
	}
	p := wo.buf[wo.pos : wo.pos+n]
	wo.pos += n
	return p
}

// Child derives a write op addressing bytes [start, end) of the parent's
// buffer under a new offset.
func (wo *WriteOp) Child(offset, start, end int) *WriteOp {
	return &WriteOp{offset: offset, buf: wo.buf[start:end]}
}

// Rebase returns a child spanning op's whole buffer under a new offset.
// Bus layers use it to translate between address spaces, for example from a
// CONFIG_DATA port offset to a function's configuration-space offset.
func Rebase(op Op, offset int) Op {
	switch o := op.(type) {
	case *ReadOp:
		return o.Child(offset, 0, o.Len())
	case *WriteOp:
		return o.Child(offset, 0, o.Len())
	default:
		panic("regmap: unknown operation type")
	}
}

package pci

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

// recordingFunction captures config ops and answers reads with a marker.
type recordingFunction struct {
	offsets []int
	lens    []int
	fill    byte
}

func (f *recordingFunction) ConfigRW(op regmap.Op) {
	f.offsets = append(f.offsets, op.Offset())
	f.lens = append(f.lens, op.Len())
	if ro, ok := op.(*regmap.ReadOp); ok {
		ro.Fill(f.fill)
	}
}

func latchAddr(t *testing.T, b *Bus, addr uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, addr)
	b.PioRW(PortConfigAddress, regmap.NewWriteOp(0, buf))
}

func readData(t *testing.T, b *Bus, off, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	b.PioRW(PortConfigAddress, regmap.NewReadOp(cfgDataOff+off, buf))
	return buf
}

func TestParseCfgAddr(t *testing.T) {
	tests := []struct {
		addr     uint32
		ok       bool
		bus, dev uint8
		fn, off  uint8
	}{
		{addr: 0x80001234, ok: true, bus: 0x00, dev: 0x02, fn: 0x02, off: 0x34},
		{addr: 0x80000000, ok: true, bus: 0, dev: 0, fn: 0, off: 0},
		{addr: 0x80ff0700, ok: true, bus: 0xff, dev: 0, fn: 7, off: 0},
		// Enable bit clear: disabled regardless of the rest.
		{addr: 0x00001234, ok: false},
		{addr: 0x7fffffff, ok: false},
		// Device number with bit 4 set is outside the modeled range.
		{addr: 0x80008000, ok: false},
		// Low two offset bits come from the data port lanes.
		{addr: 0x80000037, ok: true, bus: 0, dev: 0, fn: 0, off: 0x34},
	}

	for _, tc := range tests {
		bdf, off, ok := parseCfgAddr(tc.addr)
		if ok != tc.ok {
			t.Fatalf("addr %#x: ok=%v want %v", tc.addr, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if bdf.Bus() != tc.bus || bdf.Device() != tc.dev || bdf.Function() != tc.fn || off != tc.off {
			t.Fatalf("addr %#x decoded to %s offset %#x", tc.addr, bdf, off)
		}
	}
}

func TestConfigAddrLatchAndReadback(t *testing.T) {
	b := NewBus()
	latchAddr(t, b, 0x80001234)

	buf := make([]byte, 4)
	b.PioRW(PortConfigAddress, regmap.NewReadOp(0, buf))
	if got := binary.LittleEndian.Uint32(buf); got != 0x80001234 {
		t.Fatalf("latched address reads back %#x", got)
	}
}

func TestMisalignedConfigAddrWriteIgnored(t *testing.T) {
	b := NewBus()
	latchAddr(t, b, 0x80001234)

	// 1-byte and 2-byte writes must leave the latch untouched.
	b.PioRW(PortConfigAddress, regmap.NewWriteOp(0, []byte{0xaa}))
	b.PioRW(PortConfigAddress, regmap.NewWriteOp(2, []byte{0xbb, 0xcc}))

	buf := make([]byte, 4)
	b.PioRW(PortConfigAddress, regmap.NewReadOp(0, buf))
	if got := binary.LittleEndian.Uint32(buf); got != 0x80001234 {
		t.Fatalf("latch changed by misaligned write: %#x", got)
	}
}

func TestConfigDataUnmappedReadsAllOnes(t *testing.T) {
	b := NewBus()
	latchAddr(t, b, 0x80001800) // 00:03.0, no function registered

	got := readData(t, b, 0, 4)
	if !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("absent function read: % x", got)
	}
}

func TestConfigDataDisabledReadsAllOnes(t *testing.T) {
	b := NewBus()
	fn := &recordingFunction{fill: 0x5a}
	if err := b.Register(MustBDF(0, 0, 0), fn); err != nil {
		t.Fatalf("register: %v", err)
	}

	latchAddr(t, b, 0x00000000) // enable bit clear
	got := readData(t, b, 0, 4)
	if !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("disabled address read: % x", got)
	}
	if len(fn.offsets) != 0 {
		t.Fatal("function must not be reached while disabled")
	}
}

func TestConfigDataRoutesToFunction(t *testing.T) {
	b := NewBus()
	fn := &recordingFunction{fill: 0x5a}
	if err := b.Register(MustBDF(0, 2, 1), fn); err != nil {
		t.Fatalf("register: %v", err)
	}

	latchAddr(t, b, 0x80000000|2<<11|1<<8|0x40)
	got := readData(t, b, 0, 4)
	if !bytes.Equal(got, []byte{0x5a, 0x5a, 0x5a, 0x5a}) {
		t.Fatalf("routed read: % x", got)
	}
	if fn.offsets[0] != 0x40 || fn.lens[0] != 4 {
		t.Fatalf("function saw offset %d len %d", fn.offsets[0], fn.lens[0])
	}
}

func TestConfigDataSubWidthAccessRebases(t *testing.T) {
	b := NewBus()
	fn := &recordingFunction{fill: 0x5a}
	if err := b.Register(MustBDF(0, 0, 0), fn); err != nil {
		t.Fatalf("register: %v", err)
	}

	latchAddr(t, b, 0x80000008)
	// 1-byte read through data port lane 2 → config offset 0x0a.
	_ = readData(t, b, 2, 1)
	if fn.offsets[0] != 0x0a || fn.lens[0] != 1 {
		t.Fatalf("sub-width access saw offset %#x len %d", fn.offsets[0], fn.lens[0])
	}
}

func TestDeviceNumberAboveFifteenIsAbsent(t *testing.T) {
	b := NewBus()
	fn := &recordingFunction{fill: 0x5a}
	if err := b.Register(MustBDF(0, 0, 0), fn); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Device 16 aliases to device 0 on hardware that drops bit 4; this
	// model reports no function instead.
	latchAddr(t, b, 0x80000000|16<<11)
	got := readData(t, b, 0, 4)
	if !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("device 16 read: % x", got)
	}
	if len(fn.offsets) != 0 {
		t.Fatal("device 0 must not see device 16 traffic")
	}
}

func TestDuplicateRegistrationKeepsOriginal(t *testing.T) {
	b := NewBus()
	orig := &recordingFunction{fill: 0x11}
	dup := &recordingFunction{fill: 0x22}

	bdf := MustBDF(0, 4, 0)
	if err := b.Register(bdf, orig); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := b.Register(bdf, dup); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	latchAddr(t, b, 0x80000000|4<<11)
	got := readData(t, b, 0, 4)
	if !bytes.Equal(got, []byte{0x11, 0x11, 0x11, 0x11}) {
		t.Fatalf("original registration not intact: % x", got)
	}
}

func TestConfigDataWriteToAbsentFunctionDropped(t *testing.T) {
	b := NewBus()
	latchAddr(t, b, 0x80002000)
	// Must not panic or error; just swallowed.
	b.PioRW(PortConfigAddress, regmap.NewWriteOp(cfgDataOff, []byte{1, 2, 3, 4}))
}

func TestNewBDFRejectsOutOfRange(t *testing.T) {
	if _, err := NewBDF(0, 16, 0); err == nil {
		t.Fatal("device 16 must be rejected")
	}
	if _, err := NewBDF(0, 0, 8); err == nil {
		t.Fatal("function 8 must be rejected")
	}
	if _, err := NewBDF(255, 15, 7); err != nil {
		t.Fatalf("maximal valid BDF rejected: %v", err)
	}
}

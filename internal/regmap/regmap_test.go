package regmap

import (
	"bytes"
	"testing"
)

type testReg int

const (
	regA testReg = iota
	regB
	regC
	regResv
)

func threeRegMap(t *testing.T) *RegMap[testReg] {
	t.Helper()
	return New(12, []Entry[testReg]{
		{regA, 4},
		{regB, 4},
		{regC, 4},
	})
}

func TestCoverage(t *testing.T) {
	m := threeRegMap(t)
	regions := m.Regions()

	// Every offset belongs to exactly one region.
	for off := 0; off < m.Size(); off++ {
		owners := 0
		for _, r := range regions {
			if off >= r.Start && off < r.End {
				owners++
			}
		}
		if owners != 1 {
			t.Fatalf("offset %d owned by %d regions", off, owners)
		}
	}
}

func TestProcessSingleRegister(t *testing.T) {
	m := threeRegMap(t)

	var calls []testReg
	buf := make([]byte, 4)
	m.Process(NewReadOp(4, buf), func(id testReg, op Op) {
		calls = append(calls, id)
		if op.Offset() != 0 || op.Len() != 4 {
			t.Fatalf("sub-op geometry: offset %d len %d", op.Offset(), op.Len())
		}
		op.(*ReadOp).WriteUint32(0x11223344)
	})
	if len(calls) != 1 || calls[0] != regB {
		t.Fatalf("expected single callback for B, got %v", calls)
	}
}

// A read at offset 2 length 8 over three 4-byte registers must split into
// (A offset=2 len=2), (B offset=0 len=4), (C offset=0 len=2) in that order,
// and the concatenated result must match a flat read of the backing bytes.
func TestProcessSplitAcrossRegisters(t *testing.T) {
	m := threeRegMap(t)

	backing := []byte{
		0xa0, 0xa1, 0xa2, 0xa3,
		0xb0, 0xb1, 0xb2, 0xb3,
		0xc0, 0xc1, 0xc2, 0xc3,
	}
	starts := map[testReg]int{regA: 0, regB: 4, regC: 8}

	type call struct {
		id      testReg
		off, ln int
	}
	var calls []call

	buf := make([]byte, 8)
	m.Process(NewReadOp(2, buf), func(id testReg, op Op) {
		calls = append(calls, call{id, op.Offset(), op.Len()})
		ro := op.(*ReadOp)
		base := starts[id]
		ro.WriteBytes(backing[base+op.Offset() : base+op.Offset()+op.Len()])
	})

	want := []call{{regA, 2, 2}, {regB, 0, 4}, {regC, 0, 2}}
	if len(calls) != len(want) {
		t.Fatalf("expected %d callbacks, got %d: %+v", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("callback %d: got %+v want %+v", i, calls[i], want[i])
		}
	}
	if !bytes.Equal(buf, backing[2:10]) {
		t.Fatalf("split read assembled % x, flat read gives % x", buf, backing[2:10])
	}
}

func TestProcessSplitWrite(t *testing.T) {
	m := threeRegMap(t)

	got := make([]byte, 12)
	starts := map[testReg]int{regA: 0, regB: 4, regC: 8}

	payload := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15}
	m.Process(NewWriteOp(3, append([]byte(nil), payload...)), func(id testReg, op Op) {
		wo := op.(*WriteOp)
		chunk := make([]byte, wo.Len())
		wo.ReadBytes(chunk)
		copy(got[starts[id]+wo.Offset():], chunk)
	})

	want := make([]byte, 12)
	copy(want[3:], payload)
	if !bytes.Equal(got, want) {
		t.Fatalf("split write landed % x, want % x", got, want)
	}
}

func TestNewPackedPadsTrailingGap(t *testing.T) {
	resv := regResv
	m := NewPacked(16, []Entry[testReg]{
		{regA, 4},
		{regB, 4},
	}, &resv)

	var ids []testReg
	buf := make([]byte, 8)
	m.Process(NewReadOp(6, buf), func(id testReg, op Op) {
		ids = append(ids, id)
		op.(*ReadOp).Fill(0)
	})
	if len(ids) != 2 || ids[0] != regB || ids[1] != regResv {
		t.Fatalf("expected [B Resv], got %v", ids)
	}
}

func TestCreateRejectsGapWithoutReserved(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for short layout with no reserved id")
		}
	}()
	New(16, []Entry[testReg]{{regA, 4}})
}

func TestCreateRejectsZeroLengthEntry(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero-length entry")
		}
	}()
	New(4, []Entry[testReg]{{regA, 0}, {regB, 4}})
}

func TestCreateRejectsOverflowingEntry(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for entry past declared size")
		}
	}()
	New(4, []Entry[testReg]{{regA, 8}})
}

func TestProcessRejectsOutOfRangeOp(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for op past the register space")
		}
	}()
	m := threeRegMap(t)
	m.Process(NewReadOp(10, make([]byte, 4)), func(testReg, Op) {})
}

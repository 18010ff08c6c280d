package regmap

import (
	"bytes"
	"testing"
)

func TestReadOpLittleEndian(t *testing.T) {
	buf := make([]byte, 7)
	ro := NewReadOp(0, buf)
	ro.WriteUint8(0x11)
	ro.WriteUint16(0x3322)
	ro.WriteUint32(0x77665544)

	want := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	if !bytes.Equal(buf, want) {
		t.Fatalf("read op buffer mismatch: got % x want % x", buf, want)
	}
}

func TestReadOpFillRemainder(t *testing.T) {
	buf := make([]byte, 4)
	ro := NewReadOp(0, buf)
	ro.WriteUint8(0xaa)
	ro.Fill(0xff)

	want := []byte{0xaa, 0xff, 0xff, 0xff}
	if !bytes.Equal(buf, want) {
		t.Fatalf("fill mismatch: got % x want % x", buf, want)
	}
}

func TestReadOpOverrunPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing past access length")
		}
	}()
	ro := NewReadOp(0, make([]byte, 2))
	ro.WriteUint32(0)
}

func TestWriteOpLittleEndian(t *testing.T) {
	wo := NewWriteOp(0, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77})
	if v := wo.ReadUint8(); v != 0x11 {
		t.Fatalf("u8: got %#x", v)
	}
	if v := wo.ReadUint16(); v != 0x3322 {
		t.Fatalf("u16: got %#x", v)
	}
	if v := wo.ReadUint32(); v != 0x77665544 {
		t.Fatalf("u32: got %#x", v)
	}
}

func TestWriteOpUnderrunPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic reading past access length")
		}
	}()
	wo := NewWriteOp(0, []byte{0x01})
	wo.ReadUint16()
}

func TestOpOffsetAndLen(t *testing.T) {
	ro := NewReadOp(6, make([]byte, 2))
	if ro.Offset() != 6 || ro.Len() != 2 {
		t.Fatalf("read op geometry: offset %d len %d", ro.Offset(), ro.Len())
	}
	wo := NewWriteOp(3, make([]byte, 5))
	if wo.Offset() != 3 || wo.Len() != 5 {
		t.Fatalf("write op geometry: offset %d len %d", wo.Offset(), wo.Len())
	}
}

package uart

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/tinyvmm/tinyvmm/internal/chipset"
	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

type levelLine struct {
	high   bool
	raises int
}

func (l *levelLine) SetLevel(high bool) {
	if high && !l.high {
		l.raises++
	}
	l.high = high
}

func (l *levelLine) PulseInterrupt() {}

func regReadByte(t *testing.T, u *Uart, reg Register) byte {
	t.Helper()
	var buf [1]byte
	u.PioRW(0, regmap.NewReadOp(int(reg), buf[:]))
	return buf[0]
}

func regWriteByte(u *Uart, reg Register, v byte) {
	u.PioRW(0, regmap.NewWriteOp(int(reg), []byte{v}))
}

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New(0x3f8, nil, &out, nil)

	for _, b := range []byte("hello") {
		regWriteByte(u, RegData, b)
	}

	if got := out.String(); got != "hello" {
		t.Fatalf("transmitted %q, want %q", got, "hello")
	}
	if lsr := regReadByte(t, u, RegLineStatus); lsr&lsrTHRE == 0 || lsr&lsrTEMT == 0 {
		t.Fatalf("LSR = %#02x, want THRE and TEMT set", lsr)
	}
}

func TestReceive(t *testing.T) {
	u := New(0x3f8, nil, nil, strings.NewReader("ab"))

	if lsr := regReadByte(t, u, RegLineStatus); lsr&lsrDataReady != 0 {
		t.Fatalf("data ready before poll, LSR = %#02x", lsr)
	}

	if err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if lsr := regReadByte(t, u, RegLineStatus); lsr&lsrDataReady == 0 {
		t.Fatalf("no data ready after poll, LSR = %#02x", lsr)
	}
	if got := regReadByte(t, u, RegData); got != 'a' {
		t.Fatalf("read %q, want %q", got, byte('a'))
	}

	// Without the FIFO only one byte is buffered; the second arrives on
	// the next poll.
	if err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := regReadByte(t, u, RegData); got != 'b' {
		t.Fatalf("read %q, want %q", got, byte('b'))
	}
	if lsr := regReadByte(t, u, RegLineStatus); lsr&lsrDataReady != 0 {
		t.Fatalf("data ready after draining, LSR = %#02x", lsr)
	}
}

func TestDivisorLatch(t *testing.T) {
	u := New(0x3f8, nil, nil, nil)

	regWriteByte(u, RegLineControl, lcrDLAB)
	regWriteByte(u, RegData, 0x0c)
	regWriteByte(u, RegIntrEnable, 0x00)

	if got := regReadByte(t, u, RegData); got != 0x0c {
		t.Fatalf("DLL = %#02x, want 0x0c", got)
	}

	// Clearing DLAB banks back to data/IER.
	regWriteByte(u, RegLineControl, 0x03)
	regWriteByte(u, RegIntrEnable, 0x05)
	if got := regReadByte(t, u, RegIntrEnable); got != 0x05 {
		t.Fatalf("IER = %#02x, want 0x05", got)
	}
	regWriteByte(u, RegLineControl, lcrDLAB)
	if got := regReadByte(t, u, RegData); got != 0x0c {
		t.Fatalf("DLL clobbered by data write, got %#02x", got)
	}
}

func TestLoopback(t *testing.T) {
	var out bytes.Buffer
	u := New(0x3f8, nil, &out, nil)

	regWriteByte(u, RegModemControl, mcrLoop)
	regWriteByte(u, RegData, 0x5a)

	if out.Len() != 0 {
		t.Fatalf("loopback byte leaked to output: %q", out.Bytes())
	}
	if lsr := regReadByte(t, u, RegLineStatus); lsr&lsrDataReady == 0 {
		t.Fatalf("no data ready in loopback, LSR = %#02x", lsr)
	}
	if got := regReadByte(t, u, RegData); got != 0x5a {
		t.Fatalf("looped byte = %#02x, want 0x5a", got)
	}

	// Modem outputs reflect into the status inputs.
	regWriteByte(u, RegModemControl, mcrLoop|mcrDTR|mcrRTS)
	msr := regReadByte(t, u, RegModemStatus)
	if msr&msrDSR == 0 || msr&msrCTS == 0 || msr&msrDCD != 0 {
		t.Fatalf("MSR = %#02x in loopback with DTR|RTS", msr)
	}
}

func TestInterruptGatedByOUT2(t *testing.T) {
	line := &levelLine{}
	u := New(0x3f8, line, nil, strings.NewReader("x"))

	regWriteByte(u, RegIntrEnable, 0x01)
	if err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if line.high {
		t.Fatal("line asserted without OUT2")
	}

	regWriteByte(u, RegModemControl, mcrOUT2)
	if !line.high {
		t.Fatal("line not asserted with data ready and OUT2 set")
	}
	if iir := regReadByte(t, u, RegIntrIdent); iir&0x0f != iirRxAvailable {
		t.Fatalf("IIR = %#02x, want rx-available", iir)
	}

	regReadByte(t, u, RegData)
	if line.high {
		t.Fatal("line still asserted after draining rx")
	}
}

func TestReentrantLineCallback(t *testing.T) {
	// A level callback that services the device immediately, the way a
	// guest interrupt handler does. The device must not hold its lock
	// across the callback.
	var u *Uart
	var sawIIR byte
	var entered bool
	line := chipset.LineInterruptFromFunc(func(level bool) {
		if !level || entered {
			return
		}
		entered = true
		sawIIR = regReadByte(t, u, RegIntrIdent)
	})
	u = New(0x3f8, line, nil, nil)

	regWriteByte(u, RegModemControl, mcrOUT2)
	regWriteByte(u, RegIntrEnable, 0x02)

	if !entered {
		t.Fatal("line callback never fired")
	}
	if sawIIR&0x0f != iirTxEmpty {
		t.Fatalf("IIR from inside the callback = %#02x, want tx-empty", sawIIR)
	}
}

func TestInterruptPriority(t *testing.T) {
	line := &levelLine{}
	u := New(0x3f8, line, nil, strings.NewReader("x"))

	regWriteByte(u, RegModemControl, mcrOUT2)
	regWriteByte(u, RegIntrEnable, 0x03) // rx and tx-empty
	if err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Rx-available outranks tx-empty.
	if iir := regReadByte(t, u, RegIntrIdent); iir&0x0f != iirRxAvailable {
		t.Fatalf("IIR = %#02x, want rx-available", iir)
	}
	regReadByte(t, u, RegData)
	if iir := regReadByte(t, u, RegIntrIdent); iir&0x0f != iirTxEmpty {
		t.Fatalf("IIR = %#02x, want tx-empty", iir)
	}
}

func TestFifoBuffersInput(t *testing.T) {
	u := New(0x3f8, nil, nil, strings.NewReader("abcd"))

	regWriteByte(u, RegIntrIdent, 0x01) // enable FIFO
	if iir := regReadByte(t, u, RegIntrIdent); iir&0xc0 != 0xc0 {
		t.Fatalf("IIR = %#02x, want FIFO-enabled bits", iir)
	}

	if err := u.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, want := range []byte("abcd") {
		if got := regReadByte(t, u, RegData); got != want {
			t.Fatalf("read %q, want %q", got, want)
		}
	}
	if lsr := regReadByte(t, u, RegLineStatus); lsr&lsrDataReady != 0 {
		t.Fatalf("data ready after draining FIFO, LSR = %#02x", lsr)
	}
}

func TestOverrun(t *testing.T) {
	u := New(0x3f8, nil, nil, nil)

	regWriteByte(u, RegModemControl, mcrLoop)
	regWriteByte(u, RegData, 1)
	regWriteByte(u, RegData, 2)

	lsr := regReadByte(t, u, RegLineStatus)
	if lsr&lsrOverrun == 0 {
		t.Fatalf("LSR = %#02x, want overrun", lsr)
	}
	if got := regReadByte(t, u, RegData); got != 1 {
		t.Fatalf("overrun clobbered held byte, got %#02x", got)
	}
}

func TestWideReadSplitsPerRegister(t *testing.T) {
	u := New(0x3f8, nil, nil, nil)
	regWriteByte(u, RegScratch, 0xaa)

	// A 2-byte read covering LSR and MSR decodes as two 1-byte accesses.
	var buf [2]byte
	u.PioRW(0, regmap.NewReadOp(int(RegLineStatus), buf[:]))
	if buf[0]&lsrTHRE == 0 {
		t.Fatalf("LSR byte = %#02x, want THRE", buf[0])
	}
	if buf[1]&msrDSR == 0 {
		t.Fatalf("MSR byte = %#02x, want DSR", buf[1])
	}
}

func TestReset(t *testing.T) {
	u := New(0x3f8, nil, nil, nil)

	regWriteByte(u, RegScratch, 0x77)
	regWriteByte(u, RegIntrEnable, 0x0f)
	if err := u.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := regReadByte(t, u, RegScratch); got != 0 {
		t.Fatalf("SCR = %#02x after reset", got)
	}
	if got := regReadByte(t, u, RegIntrEnable); got != 0 {
		t.Fatalf("IER = %#02x after reset", got)
	}
}

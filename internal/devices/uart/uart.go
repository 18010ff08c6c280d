// Package uart emulates a 16550-compatible serial port.
//
// The eight one-byte registers are dispatched through a packed register map
// shared by every instance. Interrupt line updates are computed under the
// device lock but delivered after it is released, so a guest re-entering
// the device from an interrupt path cannot deadlock.
package uart

import (
	"context"
	"io"
	"sync"

	"github.com/tinyvmm/tinyvmm/internal/chipset"
	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

// Register names one of the eight 16550 registers by offset. Offset 0 and 1
// are banked: with DLAB set they address the divisor latch instead.
type Register uint8

const (
	RegData          Register = iota // RBR/THR, or DLL under DLAB
	RegIntrEnable                    // IER, or DLM under DLAB
	RegIntrIdent                     // IIR on read, FCR on write
	RegLineControl                   // LCR
	RegModemControl                  // MCR
	RegLineStatus                    // LSR
	RegModemStatus                   // MSR
	RegScratch                       // SCR

	registerCount = 8
)

var registers = sync.OnceValue(func() *regmap.RegMap[Register] {
	layout := make([]regmap.Entry[Register], registerCount)
	for i := range layout {
		layout[i] = regmap.Entry[Register]{ID: Register(i), Len: 1}
	}
	return regmap.New(registerCount, layout)
})

// Layout exposes the register regions for inspection tools.
func Layout() []regmap.Region[Register] {
	return registers().Regions()
}

func (r Register) String() string {
	switch r {
	case RegData:
		return "RBR/THR"
	case RegIntrEnable:
		return "IER"
	case RegIntrIdent:
		return "IIR/FCR"
	case RegLineControl:
		return "LCR"
	case RegModemControl:
		return "MCR"
	case RegLineStatus:
		return "LSR"
	case RegModemStatus:
		return "MSR"
	case RegScratch:
		return "SCR"
	}
	return "unknown"
}

const (
	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3 // gates the interrupt line
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	iirNone        = 0x01
	iirTxEmpty     = 0x02
	iirRxAvailable = 0x04
	iirLineStatus  = 0x06

	fifoSize = 16
)

// Uart is one 16550 instance.
type Uart struct {
	base    uint16
	irqLine chipset.LineInterrupt
	out     io.Writer
	in      io.Reader

	mu sync.Mutex

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	lsr byte
	msr byte
	scr byte

	rxFIFO  [fifoSize]byte
	rxHead  int
	rxTail  int
	rxCount int

	pendingIIR  byte
	fifoEnabled bool
	fifoTrigger int
}

// New creates a uart claiming eight ports at base. out receives transmitted
// bytes; in, when non-nil, is polled for received bytes.
func New(base uint16, irqLine chipset.LineInterrupt, out io.Writer, in io.Reader) *Uart {
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	u := &Uart{
		base:    base,
		irqLine: irqLine,
		out:     out,
		in:      in,
	}
	u.resetLocked()
	return u
}

// Start implements chipset.ChangeDeviceState.
func (u *Uart) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (u *Uart) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (u *Uart) Reset() error {
	u.mu.Lock()
	u.resetLocked()
	asserted := u.updateInterruptsLocked()
	u.mu.Unlock()
	u.irqLine.SetLevel(asserted)
	return nil
}

func (u *Uart) resetLocked() {
	u.dll = 0
	u.dlm = 0
	u.ier = 0
	u.fcr = 0
	u.lcr = 0
	u.mcr = 0
	u.lsr = lsrTHRE | lsrTEMT
	u.msr = msrCTS | msrDSR | msrDCD
	u.scr = 0
	u.rxHead = 0
	u.rxTail = 0
	u.rxCount = 0
	u.pendingIIR = iirNone
	u.fifoEnabled = false
	u.fifoTrigger = 1
}

// SupportsPortIO implements chipset.Device.
func (u *Uart) SupportsPortIO() *chipset.PioIntercept {
	return &chipset.PioIntercept{
		Base:    u.base,
		Len:     registerCount,
		Handler: u,
	}
}

// SupportsMmio implements chipset.Device.
func (u *Uart) SupportsMmio() *chipset.MmioIntercept { return nil }

// SupportsPollDevice implements chipset.Device.
func (u *Uart) SupportsPollDevice() *chipset.PollDevice {
	if u.in == nil {
		return nil
	}
	return &chipset.PollDevice{Handler: u}
}

// Poll implements chipset.PollHandler, pulling pending input bytes.
func (u *Uart) Poll(ctx context.Context) error {
	if u.in == nil {
		return nil
	}
	var buf [1]byte
	u.mu.Lock()
	for u.rxSpaceLocked() {
		n, err := u.in.Read(buf[:])
		if n == 0 || err != nil {
			break
		}
		u.rxByteLocked(buf[0])
	}
	asserted := u.updateInterruptsLocked()
	u.mu.Unlock()
	u.irqLine.SetLevel(asserted)
	return nil
}

// PioRW implements chipset.PioDevice.
func (u *Uart) PioRW(_ uint16, op regmap.Op) {
	registers().Process(op, func(id Register, sub regmap.Op) {
		switch o := sub.(type) {
		case *regmap.ReadOp:
			o.WriteUint8(u.regRead(id))
		case *regmap.WriteOp:
			u.regWrite(id, o.ReadUint8())
		}
	})
}

func (u *Uart) regRead(id Register) byte {
	u.mu.Lock()
	var v byte
	switch id {
	case RegData:
		if u.lcr&lcrDLAB != 0 {
			v = u.dll
		} else {
			v = u.rxReadLocked()
		}
	case RegIntrEnable:
		if u.lcr&lcrDLAB != 0 {
			v = u.dlm
		} else {
			v = u.ier
		}
	case RegIntrIdent:
		v = u.pendingIIR
		if u.fifoEnabled {
			v |= 0xc0
		}
	case RegLineControl:
		v = u.lcr
	case RegModemControl:
		v = u.mcr
	case RegLineStatus:
		v = u.lsr
	case RegModemStatus:
		v = u.modemStatusLocked()
	case RegScratch:
		v = u.scr
	}
	asserted := u.updateInterruptsLocked()
	u.mu.Unlock()
	u.irqLine.SetLevel(asserted)
	return v
}

func (u *Uart) regWrite(id Register, v byte) {
	var txByte byte
	txPending := false

	u.mu.Lock()
	switch id {
	case RegData:
		if u.lcr&lcrDLAB != 0 {
			u.dll = v
		} else if u.mcr&mcrLoop != 0 {
			u.rxByteLocked(v)
		} else {
			txByte = v
			txPending = true
		}
	case RegIntrEnable:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = v
		} else {
			u.ier = v & 0x0f
		}
	case RegIntrIdent:
		u.setFCRLocked(v)
	case RegLineControl:
		u.lcr = v
	case RegModemControl:
		u.setMCRLocked(v)
	case RegLineStatus, RegModemStatus:
		// Read-only.
	case RegScratch:
		u.scr = v
	}
	asserted := u.updateInterruptsLocked()
	u.mu.Unlock()

	u.irqLine.SetLevel(asserted)
	if txPending && u.out != nil {
		// Writing to the backing stream happens outside the lock: the
		// writer may be arbitrary host code.
		_, _ = u.out.Write([]byte{txByte})
	}
}

// updateInterruptsLocked recomputes the pending IIR by priority and returns
// whether the line should be asserted.
func (u *Uart) updateInterruptsLocked() bool {
	interrupt := byte(iirNone)
	switch {
	case u.ier&0x04 != 0 && u.lsr&0x1e != 0:
		interrupt = iirLineStatus
	case u.ier&0x01 != 0 && u.lsr&lsrDataReady != 0:
		interrupt = iirRxAvailable
	case u.ier&0x02 != 0 && u.lsr&lsrTHRE != 0:
		interrupt = iirTxEmpty
	}
	u.pendingIIR = interrupt

	// OUT2 gates the physical line.
	return interrupt != iirNone && u.mcr&mcrOUT2 != 0
}

func (u *Uart) rxSpaceLocked() bool {
	if u.fifoEnabled {
		return u.rxCount < fifoSize
	}
	return u.lsr&lsrDataReady == 0
}

func (u *Uart) rxByteLocked(v byte) {
	if u.fifoEnabled {
		if u.rxCount >= fifoSize {
			u.lsr |= lsrOverrun
			return
		}
		u.rxFIFO[u.rxTail] = v
		u.rxTail = (u.rxTail + 1) % fifoSize
		u.rxCount++
		if u.rxCount >= u.fifoTrigger {
			u.lsr |= lsrDataReady
		}
		return
	}
	if u.lsr&lsrDataReady != 0 {
		u.lsr |= lsrOverrun
		return
	}
	u.rxFIFO[0] = v
	u.lsr |= lsrDataReady
}

func (u *Uart) rxReadLocked() byte {
	if u.fifoEnabled {
		if u.rxCount == 0 {
			return 0
		}
		v := u.rxFIFO[u.rxHead]
		u.rxHead = (u.rxHead + 1) % fifoSize
		u.rxCount--
		if u.rxCount == 0 {
			u.lsr &^= lsrDataReady
		}
		return v
	}
	v := u.rxFIFO[0]
	u.lsr &^= lsrDataReady
	return v
}

func (u *Uart) setFCRLocked(v byte) {
	if v&0x02 != 0 {
		u.rxHead = 0
		u.rxTail = 0
		u.rxCount = 0
		u.lsr &^= lsrDataReady
	}
	u.fcr = v
	u.fifoEnabled = v&0x01 != 0
	switch v & 0xc0 {
	case 0x40:
		u.fifoTrigger = 4
	case 0x80:
		u.fifoTrigger = 8
	case 0xc0:
		u.fifoTrigger = 14
	default:
		u.fifoTrigger = 1
	}
}

func (u *Uart) setMCRLocked(v byte) {
	prev := u.mcr
	u.mcr = v & 0x1f
	if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
		// Leaving loopback discards looped input.
		u.rxHead = 0
		u.rxTail = 0
		u.rxCount = 0
		u.lsr &^= lsrDataReady
	}
	u.updateModemStatusLocked()
}

func (u *Uart) modemStatusLocked() byte {
	u.updateModemStatusLocked()
	return u.msr
}

func (u *Uart) updateModemStatusLocked() {
	if u.mcr&mcrLoop != 0 {
		// Loopback reflects the control outputs into the status inputs.
		u.msr = 0
		if u.mcr&mcrDTR != 0 {
			u.msr |= msrDSR
		}
		if u.mcr&mcrRTS != 0 {
			u.msr |= msrCTS
		}
		if u.mcr&mcrOUT1 != 0 {
			u.msr |= msrRI
		}
		if u.mcr&mcrOUT2 != 0 {
			u.msr |= msrDCD
		}
		return
	}
	// A virtual line partner is always ready.
	u.msr = msrCTS | msrDSR | msrDCD
}

var (
	_ chipset.Device      = (*Uart)(nil)
	_ chipset.PioDevice   = (*Uart)(nil)
	_ chipset.PollHandler = (*Uart)(nil)
)

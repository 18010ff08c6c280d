// Package pci models the virtual PCI bus: configuration mechanism #1
// address decoding, per-function configuration space, and the routing of
// guest config accesses to registered functions.
package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyvmm/tinyvmm/internal/chipset"
	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

const (
	cfgAddrEnable = 1 << 31

	// Offsets of the two ports inside the bus's claimed 0xCF8..0xCFF range.
	cfgAddrOff = 0
	cfgDataOff = 4
	cfgPortLen = 4
)

// Function is a registered PCI function's configuration-space handler. The
// op offset is the absolute configuration-space offset (0..0xFF).
type Function interface {
	ConfigRW(op regmap.Op)
}

// Bus demultiplexes the CONFIG_ADDRESS/CONFIG_DATA port pair to registered
// functions. The only state beyond the registry is the latched 32-bit
// address; every port access is a stateless transaction on top of it.
type Bus struct {
	mu        sync.Mutex
	cfgAddr   uint32
	functions map[BDF]Function
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		functions: make(map[BDF]Function),
	}
}

// Register binds a function to a BDF. Binding two functions to one BDF is a
// construction-time bug; the original registration stays intact.
func (b *Bus) Register(bdf BDF, fn Function) error {
	if fn == nil {
		return fmt.Errorf("pci: function for %s is nil", bdf)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.functions[bdf]; exists {
		return fmt.Errorf("pci: function already registered at %s", bdf)
	}
	b.functions[bdf] = fn
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (b *Bus) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (b *Bus) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfgAddr = 0
	return nil
}

// SupportsPortIO implements chipset.Device, claiming 0xCF8..0xCFF.
func (b *Bus) SupportsPortIO() *chipset.PioIntercept {
	return &chipset.PioIntercept{
		Base:    PortConfigAddress,
		Len:     8,
		Handler: b,
	}
}

// SupportsMmio implements chipset.Device.
func (b *Bus) SupportsMmio() *chipset.MmioIntercept { return nil }

// SupportsPollDevice implements chipset.Device.
func (b *Bus) SupportsPollDevice() *chipset.PollDevice { return nil }

// PioRW implements chipset.PioDevice for the claimed port range.
func (b *Bus) PioRW(_ uint16, op regmap.Op) {
	switch {
	case op.Offset() < cfgDataOff:
		b.configAddrRW(op)
	default:
		b.configDataRW(op)
	}
}

// configAddrRW services CONFIG_ADDRESS. Hardware latches only aligned
// 32-bit writes; anything else is dropped, not failed, since real bridges
// tolerate malformed bus traffic the same way.
func (b *Bus) configAddrRW(op regmap.Op) {
	aligned := op.Offset() == cfgAddrOff && op.Len() == cfgPortLen

	switch o := op.(type) {
	case *regmap.WriteOp:
		if !aligned {
			return
		}
		v := o.ReadUint32()
		b.mu.Lock()
		b.cfgAddr = v
		b.mu.Unlock()
	case *regmap.ReadOp:
		if !aligned {
			o.Fill(0xff)
			return
		}
		b.mu.Lock()
		v := b.cfgAddr
		b.mu.Unlock()
		o.WriteUint32(v)
	}
}

// configDataRW services CONFIG_DATA. Sub-width accesses are legal and add
// their port offset to the latched register offset.
func (b *Bus) configDataRW(op regmap.Op) {
	dataOff := op.Offset() - cfgDataOff
	if dataOff+op.Len() > cfgPortLen {
		// Wider than the 4-byte data window: malformed guest traffic.
		readInval(op)
		return
	}

	b.mu.Lock()
	bdf, regOff, ok := parseCfgAddr(b.cfgAddr)
	var fn Function
	if ok {
		fn = b.functions[bdf]
	}
	b.mu.Unlock()

	if fn == nil {
		if ok {
			slog.Debug("pci: config access to absent function", "bdf", bdf.String(), "offset", regOff)
		}
		readInval(op)
		return
	}

	// The function handler runs without the bus lock so a re-entrant access
	// from a notification cannot deadlock.
	fn.ConfigRW(regmap.Rebase(op, int(regOff)+dataOff))
}

// readInval applies the "no device present" convention: reads float to all
// ones, writes disappear.
func readInval(op regmap.Op) {
	if ro, ok := op.(*regmap.ReadOp); ok {
		ro.Fill(0xff)
	}
}

// parseCfgAddr decodes a latched CONFIG_ADDRESS value. Bit 31 enables the
// cycle; bus is bits 23:16, device 15:11, function 10:8 and the register
// offset bits 7:2 (the low two bits are supplied by the CONFIG_DATA byte
// lanes). The device field is five bits wide on the wire but the model only
// populates sixteen slots per bus; decoded device numbers above 15 resolve
// to "no function present" rather than aliasing onto a low slot.
func parseCfgAddr(addr uint32) (BDF, uint8, bool) {
	if addr&cfgAddrEnable == 0 {
		return BDF{}, 0, false
	}
	offset := uint8(addr & 0xfc)
	fn := uint8(addr>>8) & maskFunc
	dev := uint8(addr>>11) & 0x1f
	bus := uint8(addr>>16) & maskBus
	if dev&^maskDev != 0 {
		return BDF{}, 0, false
	}
	bdf, err := NewBDF(bus, dev, fn)
	if err != nil {
		return BDF{}, 0, false
	}
	return bdf, offset, true
}

var (
	_ chipset.Device    = (*Bus)(nil)
	_ chipset.PioDevice = (*Bus)(nil)
)

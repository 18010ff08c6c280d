// Package machine assembles an instance from its configuration: a chipset
// with the PCI bus and the configured device models attached.
package machine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/tinyvmm/tinyvmm/internal/chipset"
	"github.com/tinyvmm/tinyvmm/internal/config"
	"github.com/tinyvmm/tinyvmm/internal/devices/uart"
	"github.com/tinyvmm/tinyvmm/internal/devices/xhci"
	"github.com/tinyvmm/tinyvmm/internal/pci"
)

var (
	comBases = [4]uint16{0x3f8, 0x2f8, 0x3e8, 0x2e8}
	comIRQs  = [4]uint8{4, 3, 4, 3}
)

// PCI BAR windows are carved out of the 32-bit MMIO hole below 4 GiB.
const mmioHoleBase = 0xc0000000

// Machine is an assembled instance.
type Machine struct {
	Chipset *chipset.Chipset
	PCI     *pci.Bus
	Lines   *chipset.LineSet
}

// Build wires up a machine from cfg. Console output of the first com port
// goes to console when it is non-nil.
func Build(cfg config.Config, console io.Writer) (*Machine, error) {
	builder := chipset.NewBuilder()
	lines := chipset.NewLineSet(nil)
	bus := pci.NewBus()
	if err := builder.RegisterDevice("pci-bus", bus); err != nil {
		return nil, err
	}

	claimed := map[uint16]bool{}
	nextSlot := 1
	mmioNext := uint32(mmioHoleBase)

	// Deterministic attach order regardless of map iteration.
	names := make([]string, 0, len(cfg.Devices))
	for name := range cfg.Devices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dev := cfg.Devices[name]
		switch dev.Driver {
		case "uart":
			base := uint16(dev.Int("port", int(comBases[0])))
			var out io.Writer
			if dev.Bool("console", false) {
				out = console
			}
			irq := lines.AllocateLine(uint8(dev.Int("irq", 4)))
			u := uart.New(base, irq, out, nil)
			if err := builder.RegisterDevice(name, u); err != nil {
				return nil, err
			}
			claimed[base] = true

		case "pci-xhci":
			slot := dev.Slot(nextSlot)
			bdf, err := pci.NewBDF(0, uint8(slot), 0)
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			ctrl := xhci.New()
			if err := pci.Attach(bus, bdf, ctrl); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			if err := claimBars(builder, ctrl, &mmioNext); err != nil {
				return nil, fmt.Errorf("device %q: %w", name, err)
			}
			slog.Debug("attached pci function", "name", name, "bdf", bdf.String())
			nextSlot = slot + 1

		default:
			return nil, fmt.Errorf("device %q: unknown driver %q", name, dev.Driver)
		}
	}

	for i := 0; i < cfg.ChipsetOpts.ComPorts && i < len(comBases); i++ {
		base := comBases[i]
		if claimed[base] {
			continue
		}
		u := uart.New(base, lines.AllocateLine(comIRQs[i]), nil, nil)
		if err := builder.RegisterDevice(fmt.Sprintf("com%d", i+1), u); err != nil {
			return nil, err
		}
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return &Machine{Chipset: cs, PCI: bus, Lines: lines}, nil
}

// claimBars assigns guest-physical windows to a function's memory BARs and
// claims them on the chipset, so the register spaces behind them are
// reachable through MMIO dispatch.
func claimBars(builder *chipset.Builder, dev pci.Device, next *uint32) error {
	st := dev.DeviceState()
	for bar := pci.Bar0; bar <= pci.Bar5; bar++ {
		size, ok := st.BarSize(bar)
		if !ok {
			continue
		}
		base := (*next + size - 1) &^ (size - 1)
		if err := st.ProgramBar(bar, base); err != nil {
			return err
		}
		if err := builder.WithMmioRegion(uint64(base), uint64(size), pci.BarMmioDevice(dev, bar)); err != nil {
			return err
		}
		*next = base + size
	}
	return nil
}

// ReadConfigDword issues a CONFIG_ADDRESS/CONFIG_DATA cycle through the
// chipset's port space, the way firmware enumerates the bus.
func (m *Machine) ReadConfigDword(bdf pci.BDF, offset uint8) (uint32, error) {
	addr := uint32(1)<<31 |
		uint32(bdf.Bus())<<16 |
		uint32(bdf.Device())<<11 |
		uint32(bdf.Function())<<8 |
		uint32(offset&0xfc)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], addr)
	if err := m.Chipset.HandlePIO(pci.PortConfigAddress, buf[:], true); err != nil {
		return 0, err
	}
	if err := m.Chipset.HandlePIO(pci.PortConfigData, buf[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ScannedFunction is one present PCI function found by Scan.
type ScannedFunction struct {
	BDF      pci.BDF
	VendorID uint16
	DeviceID uint16
	Class    uint8
	Subclass uint8
	ProgIF   uint8
}

// Scan walks bus 0 the way firmware does and reports present functions.
func (m *Machine) Scan() ([]ScannedFunction, error) {
	var found []ScannedFunction
	for dev := uint8(0); dev < 16; dev++ {
		for fn := uint8(0); fn < 8; fn++ {
			bdf := pci.MustBDF(0, dev, fn)
			ident, err := m.ReadConfigDword(bdf, 0)
			if err != nil {
				return nil, err
			}
			if ident == 0xffffffff {
				continue
			}
			class, err := m.ReadConfigDword(bdf, 0x08)
			if err != nil {
				return nil, err
			}
			found = append(found, ScannedFunction{
				BDF:      bdf,
				VendorID: uint16(ident),
				DeviceID: uint16(ident >> 16),
				Class:    uint8(class >> 24),
				Subclass: uint8(class >> 16),
				ProgIF:   uint8(class >> 8),
			})
		}
	}
	return found, nil
}

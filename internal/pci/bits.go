package pci

import "github.com/tinyvmm/tinyvmm/internal/bits"

// Legacy configuration mechanism #1 ports.
const (
	PortConfigAddress uint16 = 0x0cf8
	PortConfigData    uint16 = 0x0cfc
)

// Configuration space sizes.
const (
	LenCfg    = 0x100 // full type-0 configuration space
	LenCfgStd = 0x40  // standard header
)

// Command is the configuration-space command register.
type Command uint16

func (c Command) IOEnable() bool        { return bits.Bit(uint16(c), 0) }
func (c Command) MMIOEnable() bool      { return bits.Bit(uint16(c), 1) }
func (c Command) BusMasterEnable() bool { return bits.Bit(uint16(c), 2) }
func (c Command) INTxDisable() bool     { return bits.Bit(uint16(c), 10) }

func (c Command) WithIOEnable(v bool) Command {
	return Command(bits.WithBit(uint16(c), 0, v))
}
func (c Command) WithMMIOEnable(v bool) Command {
	return Command(bits.WithBit(uint16(c), 1, v))
}
func (c Command) WithBusMasterEnable(v bool) Command {
	return Command(bits.WithBit(uint16(c), 2, v))
}
func (c Command) WithINTxDisable(v bool) Command {
	return Command(bits.WithBit(uint16(c), 10, v))
}

// DefaultCommand is the reset value: legacy interrupts disabled until the
// guest opts in.
func DefaultCommand() Command {
	return Command(0).WithINTxDisable(true)
}

// commandWritable masks the bits the guest may change.
const commandWritable = uint16(1<<0 | 1<<1 | 1<<2 | 1<<10)

// Status is the configuration-space status register.
type Status uint16

func (s Status) IntrStatus() bool { return bits.Bit(uint16(s), 3) }
func (s Status) CapList() bool    { return bits.Bit(uint16(s), 4) }

func (s Status) WithIntrStatus(v bool) Status {
	return Status(bits.WithBit(uint16(s), 3, v))
}
func (s Status) WithCapList(v bool) Status {
	return Status(bits.WithBit(uint16(s), 4, v))
}

// BAR type bits (low bits of a base address register).
const (
	BarTypeIO    uint32 = 0b01
	BarTypeMem   uint32 = 0b000
	BarTypeMem64 uint32 = 0b100
)

// Capability ids.
const (
	CapIDMSI    uint8 = 0x05
	CapIDVendor uint8 = 0x09
	CapIDMSIX   uint8 = 0x11
)

// Class codes.
const (
	ClassUnclassified uint8 = 0
	ClassStorage      uint8 = 1
	ClassNetwork      uint8 = 2
	ClassDisplay      uint8 = 3
	ClassMultimedia   uint8 = 4
	ClassMemory       uint8 = 5
	ClassBridge       uint8 = 6
	ClassSerialBus    uint8 = 0x0c
)

const (
	SubclassNVM uint8 = 8
	SubclassUSB uint8 = 3
)

const (
	ProgIFEnterpriseNVMe uint8 = 2
	ProgIFUSB3           uint8 = 0x30
)

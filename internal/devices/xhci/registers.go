package xhci

import (
	"fmt"
	"sync"

	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

// UsbPciCfgReg names a register in the USB-specific PCI configuration
// region (xHCI 1.2 Section 5.2).
type UsbPciCfgReg uint8

const (
	// SerialBusReleaseNumber reports which USB revision the controller
	// implements.
	SerialBusReleaseNumber UsbPciCfgReg = iota
	// FrameLengthAdjustmentReg is FLADJ.
	FrameLengthAdjustmentReg
	// BestEffortServiceLatencies is DBESL/DBESLD.
	BestEffortServiceLatencies
)

var usbPciCfgRegs = sync.OnceValue(func() *regmap.RegMap[UsbPciCfgReg] {
	layout := []regmap.Entry[UsbPciCfgReg]{
		{ID: SerialBusReleaseNumber, Len: 1},
		{ID: FrameLengthAdjustmentReg, Len: 1},
		{ID: BestEffortServiceLatencies, Len: 1},
	}
	return regmap.New(UsbPciCfgSize, layout)
})

// RegisterKind discriminates the MMIO register groups behind BAR0.
type RegisterKind uint8

const (
	KindReserved RegisterKind = iota
	KindCapability
	KindOperational
	KindPort
	KindRuntime
	KindInterrupter
	KindDoorbell
)

// CapabilityRegister names a host controller capability register
// (xHCI 1.2 Section 5.3).
type CapabilityRegister uint8

const (
	CapLength CapabilityRegister = iota
	HciVersion
	HcsParams1
	HcsParams2
	HcsParams3
	HccParams1
	HccParams2
	DoorbellOffset
	RuntimeOffset
)

// OperationalRegister names a host controller operational register
// (xHCI 1.2 Section 5.4).
type OperationalRegister uint8

const (
	UsbCommand OperationalRegister = iota
	UsbStatus
	PageSize
	DeviceNotificationControl
	CommandRingControl
	DeviceContextBaseAddrArray
	Configure
)

// PortRegister names one register of a port register set
// (xHCI 1.2 Sections 5.4.8-5.4.11).
type PortRegister uint8

const (
	PortStatusControl PortRegister = iota
	PortPowerManagement
	PortLinkInfo
	PortHardwareLpmControl
)

// InterrupterRegister names one register of an interrupter register set
// (xHCI 1.2 Section 5.5.2).
type InterrupterRegister uint8

const (
	IntrManagement InterrupterRegister = iota
	IntrModeration
	EventRingSegTableSize
	EventRingSegTableBase
	EventRingDequeuePointer
)

// Register identifies one MMIO register behind BAR0. Only the fields
// selected by Kind are meaningful; Index carries the port number,
// interrupter index, or doorbell target.
type Register struct {
	Kind RegisterKind
	Cap  CapabilityRegister
	Op   OperationalRegister
	Port PortRegister
	Intr InterrupterRegister

	Index uint16
}

func capReg(r CapabilityRegister) Register {
	return Register{Kind: KindCapability, Cap: r}
}

func opReg(r OperationalRegister) Register {
	return Register{Kind: KindOperational, Op: r}
}

func portReg(port uint16, r PortRegister) Register {
	return Register{Kind: KindPort, Port: r, Index: port}
}

func intrReg(intr uint16, r InterrupterRegister) Register {
	return Register{Kind: KindInterrupter, Intr: r, Index: intr}
}

// MMIO layout constants for BAR0. Operational registers start right after
// the capability region; port register sets sit at their architectural
// 0x400 offset from the operational base.
const (
	barSize     = 0x2000
	opBase      = capRegionSize
	portBase    = opBase + 0x400
	portSetSize = 0x10

	runtimeBase  = 0x800
	intrSetBase  = runtimeBase + 0x20
	intrSetSize  = 0x20
	doorbellBase = 0x1000
)

var xhcRegs = sync.OnceValue(func() *regmap.RegMap[Register] {
	reserved := Register{Kind: KindReserved}
	var layout []regmap.Entry[Register]

	add := func(id Register, ln int) {
		layout = append(layout, regmap.Entry[Register]{ID: id, Len: ln})
	}
	pos := 0
	at := func(off int) {
		if off < pos {
			panic("xhci: register layout moved backwards")
		}
		if off > pos {
			add(reserved, off-pos)
		}
		pos = off
	}
	emit := func(id Register, ln int) {
		add(id, ln)
		pos += ln
	}

	emit(capReg(CapLength), 1)
	emit(reserved, 1)
	emit(capReg(HciVersion), 2)
	emit(capReg(HcsParams1), 4)
	emit(capReg(HcsParams2), 4)
	emit(capReg(HcsParams3), 4)
	emit(capReg(HccParams1), 4)
	emit(capReg(DoorbellOffset), 4)
	emit(capReg(RuntimeOffset), 4)
	emit(capReg(HccParams2), 4)

	at(opBase)
	emit(opReg(UsbCommand), 4)
	emit(opReg(UsbStatus), 4)
	emit(opReg(PageSize), 4)
	at(opBase + 0x14)
	emit(opReg(DeviceNotificationControl), 4)
	emit(opReg(CommandRingControl), 8)
	at(opBase + 0x30)
	emit(opReg(DeviceContextBaseAddrArray), 8)
	emit(opReg(Configure), 4)

	for port := uint16(1); port <= maxPorts; port++ {
		at(portBase + int(port-1)*portSetSize)
		emit(portReg(port, PortStatusControl), 4)
		emit(portReg(port, PortPowerManagement), 4)
		emit(portReg(port, PortLinkInfo), 4)
		emit(portReg(port, PortHardwareLpmControl), 4)
	}

	at(runtimeBase)
	emit(Register{Kind: KindRuntime}, 4) // MFINDEX
	for intr := uint16(0); intr < maxIntrs; intr++ {
		at(intrSetBase + int(intr)*intrSetSize)
		emit(intrReg(intr, IntrManagement), 4)
		emit(intrReg(intr, IntrModeration), 4)
		emit(intrReg(intr, EventRingSegTableSize), 4)
		at(intrSetBase + int(intr)*intrSetSize + 0x10)
		emit(intrReg(intr, EventRingSegTableBase), 8)
		emit(intrReg(intr, EventRingDequeuePointer), 8)
	}

	at(doorbellBase)
	for slot := uint16(0); slot <= maxSlots; slot++ {
		emit(Register{Kind: KindDoorbell, Index: slot}, 4)
	}

	return regmap.NewPacked(barSize, layout, &reserved)
})

// BarLayout exposes the BAR0 register regions for inspection tools.
func BarLayout() []regmap.Region[Register] {
	return xhcRegs().Regions()
}

// UsbCfgLayout exposes the USB configuration region layout.
func UsbCfgLayout() []regmap.Region[UsbPciCfgReg] {
	return usbPciCfgRegs().Regions()
}

func (r UsbPciCfgReg) String() string {
	switch r {
	case SerialBusReleaseNumber:
		return "SBRN"
	case FrameLengthAdjustmentReg:
		return "FLADJ"
	case BestEffortServiceLatencies:
		return "DBESL/DBESLD"
	}
	return "unknown"
}

var capRegNames = map[CapabilityRegister]string{
	CapLength:      "CAPLENGTH",
	HciVersion:     "HCIVERSION",
	HcsParams1:     "HCSPARAMS1",
	HcsParams2:     "HCSPARAMS2",
	HcsParams3:     "HCSPARAMS3",
	HccParams1:     "HCCPARAMS1",
	HccParams2:     "HCCPARAMS2",
	DoorbellOffset: "DBOFF",
	RuntimeOffset:  "RTSOFF",
}

var opRegNames = map[OperationalRegister]string{
	UsbCommand:                 "USBCMD",
	UsbStatus:                  "USBSTS",
	PageSize:                   "PAGESIZE",
	DeviceNotificationControl:  "DNCTRL",
	CommandRingControl:         "CRCR",
	DeviceContextBaseAddrArray: "DCBAAP",
	Configure:                  "CONFIG",
}

var portRegNames = map[PortRegister]string{
	PortStatusControl:      "PORTSC",
	PortPowerManagement:    "PORTPMSC",
	PortLinkInfo:           "PORTLI",
	PortHardwareLpmControl: "PORTHLPMC",
}

var intrRegNames = map[InterrupterRegister]string{
	IntrManagement:          "IMAN",
	IntrModeration:          "IMOD",
	EventRingSegTableSize:   "ERSTSZ",
	EventRingSegTableBase:   "ERSTBA",
	EventRingDequeuePointer: "ERDP",
}

func (r Register) String() string {
	switch r.Kind {
	case KindReserved:
		return "reserved"
	case KindCapability:
		return capRegNames[r.Cap]
	case KindOperational:
		return opRegNames[r.Op]
	case KindPort:
		return fmt.Sprintf("%s[%d]", portRegNames[r.Port], r.Index)
	case KindRuntime:
		return "MFINDEX"
	case KindInterrupter:
		return fmt.Sprintf("%s[%d]", intrRegNames[r.Intr], r.Index)
	case KindDoorbell:
		return fmt.Sprintf("DOORBELL[%d]", r.Index)
	}
	return "unknown"
}

// Package xhci emulates a USB 3.0 eXtensible Host Controller attached
// over PCI. The controller advertises its capability parameters and
// latches operational, port and interrupter state; it does not yet run
// transfer rings.
package xhci

import (
	"encoding/binary"
	"sync"

	"github.com/tinyvmm/tinyvmm/internal/pci"
	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

const (
	vendorID = 0x1de
	deviceID = 0xfff9

	// Advertised controller dimensions.
	maxSlots uint16 = 8
	maxPorts uint16 = 4
	maxIntrs uint16 = 1

	hciVersion = 0x0120 // xHCI 1.2
)

// USBCMD / USBSTS bits.
const (
	usbCmdRun     = 1 << 0
	usbCmdReset   = 1 << 1
	usbCmdIntrEn  = 1 << 2
	usbStsHalted  = 1 << 0
	usbStsEventIn = 1 << 3
)

type interrupterState struct {
	iman   uint32
	imod   uint32
	erstSz uint32
	erstBa uint64
	erdp   uint64
}

// Controller is an emulated xHC.
type Controller struct {
	state *pci.DeviceState

	mu      sync.Mutex
	cmd     uint32
	dnCtrl  uint32
	crcr    uint64
	dcbaap  uint64
	config  uint32
	portSC  [maxPorts]uint32
	portPM  [maxPorts]uint32
	intrs   [maxIntrs]interrupterState
	running bool
}

// New creates the PCI xHC function.
func New() *Controller {
	c := &Controller{}
	c.state = pci.NewBuilder(pci.Ident{
		VendorID:    vendorID,
		DeviceID:    deviceID,
		SubVendorID: vendorID,
		SubDeviceID: deviceID,
		Class:       pci.ClassSerialBus,
		Subclass:    pci.SubclassUSB,
		ProgIF:      pci.ProgIFUSB3,
	}).
		AddIntrPin(1).
		AddBarMmio(pci.Bar0, barSize).
		AddCustomCfg(UsbPciCfgOffset, UsbPciCfgSize).
		Finish()
	c.resetController()
	return c
}

// DeviceState implements pci.Device.
func (c *Controller) DeviceState() *pci.DeviceState { return c.state }

// CfgRW implements pci.Device, serving the USB configuration region.
func (c *Controller) CfgRW(region uint8, op regmap.Op) {
	if region != UsbPciCfgOffset {
		panic("xhci: config access for unknown region")
	}
	usbPciCfgRegs().Process(op, func(id UsbPciCfgReg, sub regmap.Op) {
		switch o := sub.(type) {
		case *regmap.ReadOp:
			c.usbCfgRead(id, o)
		case *regmap.WriteOp:
			// All three registers are read-only here: the controller
			// supports neither SOF adjustment nor link power management.
		}
	})
}

func (c *Controller) usbCfgRead(id UsbPciCfgReg, ro *regmap.ReadOp) {
	switch id {
	case SerialBusReleaseNumber:
		// USB 3.0
		ro.WriteUint8(0x30)
	case FrameLengthAdjustmentReg:
		ro.WriteUint8(uint8(FrameLengthAdjustment(0).WithNFC(true)))
	case BestEffortServiceLatencies:
		ro.WriteUint8(uint8(DefaultBestEffortServiceLatencies(0)))
	}
}

// BarRW implements pci.Device, serving the controller register space.
func (c *Controller) BarRW(bar pci.BarN, op regmap.Op) {
	if bar != pci.Bar0 {
		panic("xhci: access to undeclared BAR")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	xhcRegs().Process(op, func(id Register, sub regmap.Op) {
		switch o := sub.(type) {
		case *regmap.ReadOp:
			c.regRead(id, o)
		case *regmap.WriteOp:
			c.regWrite(id, o)
		}
	})
}

func (c *Controller) regRead(id Register, ro *regmap.ReadOp) {
	switch id.Kind {
	case KindReserved:
		ro.Fill(0)
	case KindCapability:
		c.capRead(id.Cap, ro)
	case KindOperational:
		c.opRead(id.Op, ro)
	case KindPort:
		c.portRead(id.Index, id.Port, ro)
	case KindRuntime:
		// MFINDEX: the frame counter does not advance without a running
		// schedule.
		ro.Fill(0)
	case KindInterrupter:
		c.intrRead(id.Index, id.Intr, ro)
	case KindDoorbell:
		ro.Fill(0)
	}
}

func (c *Controller) regWrite(id Register, wo *regmap.WriteOp) {
	switch id.Kind {
	case KindReserved, KindCapability:
		// Reserved space and capability registers are read-only.
	case KindOperational:
		c.opWrite(id.Op, wo)
	case KindPort:
		c.portWrite(id.Index, id.Port, wo)
	case KindRuntime:
		// MFINDEX is read-only.
	case KindInterrupter:
		c.intrWrite(id.Index, id.Intr, wo)
	case KindDoorbell:
		// Accepted and dropped until ring processing exists.
	}
}

func (c *Controller) capRead(reg CapabilityRegister, ro *regmap.ReadOp) {
	switch reg {
	case CapLength:
		ro.WriteUint8(opBase)
	case HciVersion:
		serve16(ro, hciVersion)
	case HcsParams1:
		v := HcStructuralParameters1(0).
			WithMaxSlots(uint8(maxSlots)).
			WithMaxIntrs(maxIntrs).
			WithMaxPorts(uint8(maxPorts))
		serve32(ro, uint32(v))
	case HcsParams2:
		v := HcStructuralParameters2(0).
			WithIsoSchedThreshold(1).
			WithERSTMax(1).
			WithMaxScratchpadBufs(0)
		serve32(ro, uint32(v))
	case HcsParams3:
		serve32(ro, uint32(HcStructuralParameters3(0)))
	case HccParams1:
		v := HcCapabilityParameters1(0).WithAC64(true)
		serve32(ro, uint32(v))
	case HccParams2:
		serve32(ro, uint32(HcCapabilityParameters2(0)))
	case DoorbellOffset:
		serve32(ro, doorbellBase)
	case RuntimeOffset:
		serve32(ro, runtimeBase)
	}
}

func (c *Controller) opRead(reg OperationalRegister, ro *regmap.ReadOp) {
	switch reg {
	case UsbCommand:
		serve32(ro, c.cmd)
	case UsbStatus:
		var sts uint32
		if !c.running {
			sts |= usbStsHalted
		}
		serve32(ro, sts)
	case PageSize:
		// 4 KiB pages only.
		serve32(ro, 1)
	case DeviceNotificationControl:
		serve32(ro, c.dnCtrl)
	case CommandRingControl:
		// The ring pointer reads as zero; only the running bit would be
		// visible, and the ring never runs.
		ro.Fill(0)
	case DeviceContextBaseAddrArray:
		serve64(ro, c.dcbaap)
	case Configure:
		serve32(ro, c.config)
	}
}

func (c *Controller) opWrite(reg OperationalRegister, wo *regmap.WriteOp) {
	switch reg {
	case UsbCommand:
		v := merge32(c.cmd, wo)
		if v&usbCmdReset != 0 {
			c.resetController()
			return
		}
		c.cmd = v
		c.running = v&usbCmdRun != 0
	case UsbStatus, PageSize:
		// USBSTS is RW1C with nothing latched yet to clear; PAGESIZE is
		// read-only.
	case DeviceNotificationControl:
		c.dnCtrl = merge32(c.dnCtrl, wo) & 0xffff
	case CommandRingControl:
		// Latch the ring pointer, dropping the control bits in 5:0.
		c.crcr = merge64(c.crcr, wo) &^ 0x3f
	case DeviceContextBaseAddrArray:
		c.dcbaap = merge64(c.dcbaap, wo) &^ 0x3f
	case Configure:
		c.config = merge32(c.config, wo) & 0xff
	}
}

func (c *Controller) portRead(port uint16, reg PortRegister, ro *regmap.ReadOp) {
	i := port - 1
	switch reg {
	case PortStatusControl:
		serve32(ro, c.portSC[i])
	case PortPowerManagement:
		serve32(ro, c.portPM[i])
	case PortLinkInfo, PortHardwareLpmControl:
		ro.Fill(0)
	}
}

func (c *Controller) portWrite(port uint16, reg PortRegister, wo *regmap.WriteOp) {
	i := port - 1
	switch reg {
	case PortStatusControl:
		// Port power is the only writable latch with no device attached.
		const portPower = 1 << 9
		c.portSC[i] = merge32(c.portSC[i], wo) & portPower
	case PortPowerManagement:
		c.portPM[i] = merge32(c.portPM[i], wo)
	case PortLinkInfo, PortHardwareLpmControl:
		// Read-only without an attached device.
	}
}

func (c *Controller) intrRead(intr uint16, reg InterrupterRegister, ro *regmap.ReadOp) {
	st := &c.intrs[intr]
	switch reg {
	case IntrManagement:
		serve32(ro, st.iman)
	case IntrModeration:
		serve32(ro, st.imod)
	case EventRingSegTableSize:
		serve32(ro, st.erstSz)
	case EventRingSegTableBase:
		serve64(ro, st.erstBa)
	case EventRingDequeuePointer:
		serve64(ro, st.erdp)
	}
}

func (c *Controller) intrWrite(intr uint16, reg InterrupterRegister, wo *regmap.WriteOp) {
	st := &c.intrs[intr]
	switch reg {
	case IntrManagement:
		st.iman = merge32(st.iman, wo) & 0x3
	case IntrModeration:
		st.imod = merge32(st.imod, wo)
	case EventRingSegTableSize:
		st.erstSz = merge32(st.erstSz, wo) & 0xffff
	case EventRingSegTableBase:
		st.erstBa = merge64(st.erstBa, wo) &^ 0x3f
	case EventRingDequeuePointer:
		st.erdp = merge64(st.erdp, wo)
	}
}

// resetController reverts operational state to power-on defaults. Callers
// hold c.mu except during construction.
func (c *Controller) resetController() {
	c.cmd = 0
	c.dnCtrl = 0
	c.crcr = 0
	c.dcbaap = 0
	c.config = 0
	c.running = false
	for i := range c.portSC {
		c.portSC[i] = 0
		c.portPM[i] = 0
	}
	for i := range c.intrs {
		c.intrs[i] = interrupterState{}
	}
}

// serve16/serve32/serve64 render a register's little-endian image and copy
// out the lane the access covers. Guests may address any register with
// narrower accesses, down to the dword halves of the 64-bit pointer
// registers, so handlers never assume full-width ops.
func serve16(ro *regmap.ReadOp, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	ro.WriteBytes(buf[ro.Offset() : ro.Offset()+ro.Len()])
}

func serve32(ro *regmap.ReadOp, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	ro.WriteBytes(buf[ro.Offset() : ro.Offset()+ro.Len()])
}

func serve64(ro *regmap.ReadOp, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	ro.WriteBytes(buf[ro.Offset() : ro.Offset()+ro.Len()])
}

// merge32/merge64 overlay the written bytes on the current register image,
// so partial writes leave the untouched lanes intact.
func merge32(cur uint32, wo *regmap.WriteOp) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], cur)
	wo.ReadBytes(buf[wo.Offset() : wo.Offset()+wo.Len()])
	return binary.LittleEndian.Uint32(buf[:])
}

func merge64(cur uint64, wo *regmap.WriteOp) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], cur)
	wo.ReadBytes(buf[wo.Offset() : wo.Offset()+wo.Len()])
	return binary.LittleEndian.Uint64(buf[:])
}

var _ pci.Device = (*Controller)(nil)

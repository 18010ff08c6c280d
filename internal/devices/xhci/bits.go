package xhci

import "github.com/tinyvmm/tinyvmm/internal/bits"

// Size and offset of the USB-specific PCI configuration region.
//
// See xHCI 1.2 Section 5.2 PCI Configuration Registers (USB).
const (
	UsbPciCfgOffset = 0x60
	UsbPciCfgSize   = 3
)

// Size of the host controller capability registers, excluding extended
// capabilities.
const capRegionSize = 0x20

// FrameLengthAdjustment is the FLADJ register (xHCI 1.2 Section 5.2.4).
type FrameLengthAdjustment uint8

// FLAdj selects an SOF cycle time by adding 59488 to this value. Ignored
// when NFC is set.
func (v FrameLengthAdjustment) FLAdj() uint8 {
	return bits.Field(uint8(v), 0, 6)
}

func (v FrameLengthAdjustment) WithFLAdj(x uint8) FrameLengthAdjustment {
	return FrameLengthAdjustment(bits.WithField(uint8(v), 0, 6, x))
}

// NFC indicates the controller has no frame length timing capability.
func (v FrameLengthAdjustment) NFC() bool {
	return bits.Bit(uint8(v), 6)
}

func (v FrameLengthAdjustment) WithNFC(x bool) FrameLengthAdjustment {
	return FrameLengthAdjustment(bits.WithBit(uint8(v), 6, x))
}

// DefaultBestEffortServiceLatencies is the DBESL/DBESLD register pair
// (xHCI 1.2 Sections 5.2.5 and 5.2.6).
type DefaultBestEffortServiceLatencies uint8

func (v DefaultBestEffortServiceLatencies) DBESL() uint8 {
	return bits.Field(uint8(v), 0, 4)
}

func (v DefaultBestEffortServiceLatencies) WithDBESL(x uint8) DefaultBestEffortServiceLatencies {
	return DefaultBestEffortServiceLatencies(bits.WithField(uint8(v), 0, 4, x))
}

func (v DefaultBestEffortServiceLatencies) DBESLD() uint8 {
	return bits.Field(uint8(v), 4, 4)
}

func (v DefaultBestEffortServiceLatencies) WithDBESLD(x uint8) DefaultBestEffortServiceLatencies {
	return DefaultBestEffortServiceLatencies(bits.WithField(uint8(v), 4, 4, x))
}

// HcStructuralParameters1 is HCSPARAMS1 (xHCI 1.2 Section 5.3.3).
type HcStructuralParameters1 uint32

// MaxSlots is the number of device slots the controller supports.
// Valid values are 1-255, 0 is reserved.
func (v HcStructuralParameters1) MaxSlots() uint8 {
	return uint8(bits.Field(uint32(v), 0, 8))
}

func (v HcStructuralParameters1) WithMaxSlots(x uint8) HcStructuralParameters1 {
	return HcStructuralParameters1(bits.WithField(uint32(v), 0, 8, uint32(x)))
}

// MaxIntrs is the number of addressable interrupter register sets.
func (v HcStructuralParameters1) MaxIntrs() uint16 {
	return uint16(bits.Field(uint32(v), 8, 11))
}

func (v HcStructuralParameters1) WithMaxIntrs(x uint16) HcStructuralParameters1 {
	return HcStructuralParameters1(bits.WithField(uint32(v), 8, 11, uint32(x)))
}

// MaxPorts is the largest valid port number.
func (v HcStructuralParameters1) MaxPorts() uint8 {
	return uint8(bits.Field(uint32(v), 24, 8))
}

func (v HcStructuralParameters1) WithMaxPorts(x uint8) HcStructuralParameters1 {
	return HcStructuralParameters1(bits.WithField(uint32(v), 24, 8, uint32(x)))
}

// HcStructuralParameters2 is HCSPARAMS2 (xHCI 1.2 Section 5.3.4).
//
// The scratchpad buffer count is stored as a split field: the high order
// five bits live below the low order five bits, with the scratchpad
// restore flag between them.
type HcStructuralParameters2 uint32

// IsoSchedThreshold is the minimum distance to stay ahead of the
// controller while adding TRBs.
func (v HcStructuralParameters2) IsoSchedThreshold() uint8 {
	return uint8(bits.Field(uint32(v), 0, 3))
}

func (v HcStructuralParameters2) WithIsoSchedThreshold(x uint8) HcStructuralParameters2 {
	return HcStructuralParameters2(bits.WithField(uint32(v), 0, 3, uint32(x)))
}

// ISTAsFrame indicates the threshold is in frames rather than microframes.
func (v HcStructuralParameters2) ISTAsFrame() bool {
	return bits.Bit(uint32(v), 3)
}

func (v HcStructuralParameters2) WithISTAsFrame(x bool) HcStructuralParameters2 {
	return HcStructuralParameters2(bits.WithBit(uint32(v), 3, x))
}

// ERSTMax bounds event ring segment tables at 2^ERSTMax entries.
func (v HcStructuralParameters2) ERSTMax() uint8 {
	return uint8(bits.Field(uint32(v), 4, 4))
}

func (v HcStructuralParameters2) WithERSTMax(x uint8) HcStructuralParameters2 {
	return HcStructuralParameters2(bits.WithField(uint32(v), 4, 4, uint32(x)))
}

// ScratchpadRestore indicates scratchpad buffers are maintained across
// power events.
func (v HcStructuralParameters2) ScratchpadRestore() bool {
	return bits.Bit(uint32(v), 26)
}

func (v HcStructuralParameters2) WithScratchpadRestore(x bool) HcStructuralParameters2 {
	return HcStructuralParameters2(bits.WithBit(uint32(v), 26, x))
}

// MaxScratchpadBufs reassembles the split scratchpad buffer count.
func (v HcStructuralParameters2) MaxScratchpadBufs() uint16 {
	hi := uint16(bits.Field(uint32(v), 21, 5))
	lo := uint16(bits.Field(uint32(v), 27, 5))
	return hi<<5 | lo
}

func (v HcStructuralParameters2) WithMaxScratchpadBufs(max uint16) HcStructuralParameters2 {
	raw := bits.WithField(uint32(v), 21, 5, uint32(max>>5))
	raw = bits.WithField(raw, 27, 5, uint32(max))
	return HcStructuralParameters2(raw)
}

// HcStructuralParameters3 is HCSPARAMS3 (xHCI 1.2 Section 5.3.5).
type HcStructuralParameters3 uint32

// U1DevExitLatency is the worst case U1 to U0 transition, in microseconds.
func (v HcStructuralParameters3) U1DevExitLatency() uint8 {
	return uint8(bits.Field(uint32(v), 0, 8))
}

func (v HcStructuralParameters3) WithU1DevExitLatency(x uint8) HcStructuralParameters3 {
	return HcStructuralParameters3(bits.WithField(uint32(v), 0, 8, uint32(x)))
}

// U2DevExitLatency is the worst case U2 to U0 transition, in microseconds.
func (v HcStructuralParameters3) U2DevExitLatency() uint16 {
	return uint16(bits.Field(uint32(v), 16, 16))
}

func (v HcStructuralParameters3) WithU2DevExitLatency(x uint16) HcStructuralParameters3 {
	return HcStructuralParameters3(bits.WithField(uint32(v), 16, 16, uint32(x)))
}

// HcCapabilityParameters1 is HCCPARAMS1 (xHCI 1.2 Section 5.3.6).
type HcCapabilityParameters1 uint32

// AC64 reports 64-bit addressing support.
func (v HcCapabilityParameters1) AC64() bool {
	return bits.Bit(uint32(v), 0)
}

func (v HcCapabilityParameters1) WithAC64(x bool) HcCapabilityParameters1 {
	return HcCapabilityParameters1(bits.WithBit(uint32(v), 0, x))
}

// BNC reports bandwidth negotiation support.
func (v HcCapabilityParameters1) BNC() bool {
	return bits.Bit(uint32(v), 1)
}

func (v HcCapabilityParameters1) WithBNC(x bool) HcCapabilityParameters1 {
	return HcCapabilityParameters1(bits.WithBit(uint32(v), 1, x))
}

// CSZ reports use of 64-byte context structures.
func (v HcCapabilityParameters1) CSZ() bool {
	return bits.Bit(uint32(v), 2)
}

func (v HcCapabilityParameters1) WithCSZ(x bool) HcCapabilityParameters1 {
	return HcCapabilityParameters1(bits.WithBit(uint32(v), 2, x))
}

// PPC reports port power control support.
func (v HcCapabilityParameters1) PPC() bool {
	return bits.Bit(uint32(v), 3)
}

func (v HcCapabilityParameters1) WithPPC(x bool) HcCapabilityParameters1 {
	return HcCapabilityParameters1(bits.WithBit(uint32(v), 3, x))
}

// MaxPrimaryStreams sizes primary stream arrays at 2^(value+1) entries;
// zero means streams are unsupported.
func (v HcCapabilityParameters1) MaxPrimaryStreams() uint8 {
	return uint8(bits.Field(uint32(v), 12, 4))
}

func (v HcCapabilityParameters1) WithMaxPrimaryStreams(x uint8) HcCapabilityParameters1 {
	return HcCapabilityParameters1(bits.WithField(uint32(v), 12, 4, uint32(x)))
}

// XECP is the offset of the first extended capability, in 32-bit words.
func (v HcCapabilityParameters1) XECP() uint16 {
	return uint16(bits.Field(uint32(v), 16, 16))
}

func (v HcCapabilityParameters1) WithXECP(x uint16) HcCapabilityParameters1 {
	return HcCapabilityParameters1(bits.WithField(uint32(v), 16, 16, uint32(x)))
}

// HcCapabilityParameters2 is HCCPARAMS2 (xHCI 1.2 Section 5.3.9).
type HcCapabilityParameters2 uint32

// U3C reports port suspend complete notification support.
func (v HcCapabilityParameters2) U3C() bool {
	return bits.Bit(uint32(v), 0)
}

func (v HcCapabilityParameters2) WithU3C(x bool) HcCapabilityParameters2 {
	return HcCapabilityParameters2(bits.WithBit(uint32(v), 0, x))
}

// CIC reports extended configuration information support.
func (v HcCapabilityParameters2) CIC() bool {
	return bits.Bit(uint32(v), 5)
}

func (v HcCapabilityParameters2) WithCIC(x bool) HcCapabilityParameters2 {
	return HcCapabilityParameters2(bits.WithBit(uint32(v), 5, x))
}

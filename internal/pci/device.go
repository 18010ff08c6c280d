package pci

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyvmm/tinyvmm/internal/chipset"
	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

// BarN names one of the six type-0 base address registers.
type BarN uint8

const (
	Bar0 BarN = iota
	Bar1
	Bar2
	Bar3
	Bar4
	Bar5

	barCount = 6
)

// StdCfgReg names a register of the standard type-0 header.
type StdCfgReg uint8

const (
	StdCfgVendorID StdCfgReg = iota
	StdCfgDeviceID
	StdCfgCommand
	StdCfgStatus
	StdCfgRevisionID
	StdCfgProgIF
	StdCfgSubclass
	StdCfgClass
	StdCfgCacheLineSize
	StdCfgLatencyTimer
	StdCfgHeaderType
	StdCfgBist
	StdCfgBar
	StdCfgCardbusPtr
	StdCfgSubVendorID
	StdCfgSubDeviceID
	StdCfgExpansionRomAddr
	StdCfgCapPtr
	StdCfgReserved
	StdCfgIntrLine
	StdCfgIntrPin
	StdCfgMinGrant
	StdCfgMaxLatency
	stdCfgCustom
)

// cfgReg is a resolved configuration-space register id: a standard header
// register (with a BAR index when std == StdCfgBar) or a device-declared
// custom region keyed by its declared offset.
type cfgReg struct {
	std    StdCfgReg
	bar    BarN
	custom uint8
}

// Ident holds the read-only identification registers of a function.
type Ident struct {
	VendorID    uint16
	DeviceID    uint16
	Class       uint8
	Subclass    uint8
	ProgIF      uint8
	RevisionID  uint8
	SubVendorID uint16
	SubDeviceID uint16
}

type barDecl struct {
	present bool
	size    uint32
}

type customRegion struct {
	offset uint8
	size   uint8
}

// Device is a concrete PCI function model. Standard-header traffic is
// handled by its DeviceState; custom config regions and BAR windows are
// delegated back through CfgRW and BarRW.
type Device interface {
	DeviceState() *DeviceState

	// CfgRW handles an access to a custom config region, identified by the
	// region's declared offset. The op offset is region-local.
	CfgRW(region uint8, op regmap.Op)

	// BarRW handles an access inside a declared BAR window.
	BarRW(bar BarN, op regmap.Op)
}

// Builder assembles the static shape of a function's config space.
type Builder struct {
	ident   Ident
	intrPin uint8
	bars    [barCount]barDecl
	customs []customRegion
}

// NewBuilder starts a function definition from its identity registers.
func NewBuilder(ident Ident) *Builder {
	return &Builder{ident: ident}
}

// AddIntrPin declares the legacy interrupt pin (1 = INTA#).
func (b *Builder) AddIntrPin(pin uint8) *Builder {
	b.intrPin = pin
	return b
}

// AddBarMmio declares a memory BAR of the given size. Sizes must be powers
// of two of at least 16 bytes; the shape of config space is a definition-time
// contract, so violations panic.
func (b *Builder) AddBarMmio(bar BarN, size uint32) *Builder {
	if bar >= barCount {
		panic(fmt.Sprintf("pci: BAR index %d out of range", bar))
	}
	if size < 16 || size&(size-1) != 0 {
		panic(fmt.Sprintf("pci: BAR size %#x is not a power of two >= 16", size))
	}
	if b.bars[bar].present {
		panic(fmt.Sprintf("pci: BAR%d declared twice", bar))
	}
	b.bars[bar] = barDecl{present: true, size: size}
	return b
}

// AddCustomCfg reserves [offset, offset+size) of config space for the
// device's own registers. The region must sit past the standard header.
func (b *Builder) AddCustomCfg(offset, size uint8) *Builder {
	if size == 0 {
		panic("pci: custom config region has zero size")
	}
	if int(offset) < LenCfgStd || int(offset)+int(size) > LenCfg {
		panic(fmt.Sprintf("pci: custom config region [%#x,%#x) outside device space",
			offset, int(offset)+int(size)))
	}
	for _, c := range b.customs {
		if int(offset) < int(c.offset)+int(c.size) && int(c.offset) < int(offset)+int(size) {
			panic(fmt.Sprintf("pci: custom config region at %#x overlaps region at %#x", offset, c.offset))
		}
	}
	b.customs = append(b.customs, customRegion{offset: offset, size: size})
	return b
}

// Finish validates the declaration and builds the DeviceState.
func (b *Builder) Finish() *DeviceState {
	s := &DeviceState{
		ident:   b.ident,
		intrPin: b.intrPin,
		bars:    b.bars,
		cfgMap:  buildCfgMap(b.customs),
		command: DefaultCommand(),
	}
	return s
}

// buildCfgMap lays out the standard type-0 header followed by the declared
// custom regions, padding undeclared space with a reserved id.
func buildCfgMap(customs []customRegion) *regmap.RegMap[cfgReg] {
	layout := []regmap.Entry[cfgReg]{
		{ID: cfgReg{std: StdCfgVendorID}, Len: 2},
		{ID: cfgReg{std: StdCfgDeviceID}, Len: 2},
		{ID: cfgReg{std: StdCfgCommand}, Len: 2},
		{ID: cfgReg{std: StdCfgStatus}, Len: 2},
		{ID: cfgReg{std: StdCfgRevisionID}, Len: 1},
		{ID: cfgReg{std: StdCfgProgIF}, Len: 1},
		{ID: cfgReg{std: StdCfgSubclass}, Len: 1},
		{ID: cfgReg{std: StdCfgClass}, Len: 1},
		{ID: cfgReg{std: StdCfgCacheLineSize}, Len: 1},
		{ID: cfgReg{std: StdCfgLatencyTimer}, Len: 1},
		{ID: cfgReg{std: StdCfgHeaderType}, Len: 1},
		{ID: cfgReg{std: StdCfgBist}, Len: 1},
	}
	for i := 0; i < barCount; i++ {
		layout = append(layout, regmap.Entry[cfgReg]{
			ID: cfgReg{std: StdCfgBar, bar: BarN(i)}, Len: 4,
		})
	}
	layout = append(layout,
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgCardbusPtr}, Len: 4},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgSubVendorID}, Len: 2},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgSubDeviceID}, Len: 2},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgExpansionRomAddr}, Len: 4},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgCapPtr}, Len: 1},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgReserved}, Len: 7},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgIntrLine}, Len: 1},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgIntrPin}, Len: 1},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgMinGrant}, Len: 1},
		regmap.Entry[cfgReg]{ID: cfgReg{std: StdCfgMaxLatency}, Len: 1},
	)

	sorted := make([]customRegion, len(customs))
	copy(sorted, customs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })

	off := LenCfgStd
	for _, c := range sorted {
		if int(c.offset) > off {
			layout = append(layout, regmap.Entry[cfgReg]{
				ID: cfgReg{std: StdCfgReserved}, Len: int(c.offset) - off,
			})
		}
		layout = append(layout, regmap.Entry[cfgReg]{
			ID: cfgReg{std: stdCfgCustom, custom: c.offset}, Len: int(c.size),
		})
		off = int(c.offset) + int(c.size)
	}

	resv := cfgReg{std: StdCfgReserved}
	return regmap.NewPacked(LenCfg, layout, &resv)
}

// DeviceState owns a function's mutable header state. The cfg map itself is
// immutable and shared; only the latched register values sit behind the
// mutex, which is held only across one register's handling and never across
// the owning device's callbacks.
type DeviceState struct {
	ident   Ident
	intrPin uint8
	bars    [barCount]barDecl
	cfgMap  *regmap.RegMap[cfgReg]

	mu       sync.Mutex
	command  Command
	status   Status
	intrLine uint8
	barValue [barCount]uint32
}

// Ident returns the function's identification registers.
func (s *DeviceState) Ident() Ident { return s.ident }

// Command returns the currently latched command register.
func (s *DeviceState) Command() Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.command
}

// Reset restores the power-on header state.
func (s *DeviceState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.command = DefaultCommand()
	s.status = 0
	s.intrLine = 0
	for i := range s.barValue {
		s.barValue[i] = 0
	}
}

// ConfigRW demultiplexes one configuration-space access across the header
// map, serving standard registers locally and delegating custom regions to
// the owning device.
func (s *DeviceState) ConfigRW(dev Device, op regmap.Op) {
	s.cfgMap.Process(op, func(id cfgReg, sub regmap.Op) {
		if id.std == stdCfgCustom {
			dev.CfgRW(id.custom, sub)
			return
		}
		switch o := sub.(type) {
		case *regmap.ReadOp:
			s.stdRead(id, o)
		case *regmap.WriteOp:
			s.stdWrite(id, o)
		}
	})
}

// stdRead serves a standard header register, honoring sub-register-width
// accesses by slicing the full little-endian register image.
func (s *DeviceState) stdRead(id cfgReg, ro *regmap.ReadOp) {
	if id.std == StdCfgReserved {
		// Reserved config space reads as zero for a present function.
		ro.Fill(0)
		return
	}
	raw := s.stdRegBytes(id)
	ro.WriteBytes(raw[ro.Offset() : ro.Offset()+ro.Len()])
}

func (s *DeviceState) stdRegBytes(id cfgReg) []byte {
	var buf [4]byte
	switch id.std {
	case StdCfgVendorID:
		binary.LittleEndian.PutUint16(buf[:], s.ident.VendorID)
	case StdCfgDeviceID:
		binary.LittleEndian.PutUint16(buf[:], s.ident.DeviceID)
	case StdCfgCommand:
		s.mu.Lock()
		binary.LittleEndian.PutUint16(buf[:], uint16(s.command))
		s.mu.Unlock()
	case StdCfgStatus:
		s.mu.Lock()
		binary.LittleEndian.PutUint16(buf[:], uint16(s.status))
		s.mu.Unlock()
	case StdCfgRevisionID:
		buf[0] = s.ident.RevisionID
	case StdCfgProgIF:
		buf[0] = s.ident.ProgIF
	case StdCfgSubclass:
		buf[0] = s.ident.Subclass
	case StdCfgClass:
		buf[0] = s.ident.Class
	case StdCfgBar:
		s.mu.Lock()
		binary.LittleEndian.PutUint32(buf[:], s.barRegLocked(id.bar))
		s.mu.Unlock()
	case StdCfgSubVendorID:
		binary.LittleEndian.PutUint16(buf[:], s.ident.SubVendorID)
	case StdCfgSubDeviceID:
		binary.LittleEndian.PutUint16(buf[:], s.ident.SubDeviceID)
	case StdCfgIntrLine:
		s.mu.Lock()
		buf[0] = s.intrLine
		s.mu.Unlock()
	case StdCfgIntrPin:
		buf[0] = s.intrPin
	case StdCfgHeaderType, StdCfgCacheLineSize, StdCfgLatencyTimer, StdCfgBist,
		StdCfgCardbusPtr, StdCfgExpansionRomAddr, StdCfgCapPtr,
		StdCfgMinGrant, StdCfgMaxLatency:
		// Present but always zero in this model.
	}
	return buf[:]
}

// stdWrite applies a write to a standard header register. Read-only
// registers swallow writes; partially written multi-byte registers merge
// the incoming bytes over the current image.
func (s *DeviceState) stdWrite(id cfgReg, wo *regmap.WriteOp) {
	switch id.std {
	case StdCfgCommand:
		s.mu.Lock()
		cur := uint16(s.command)
		merged := mergeWrite16(cur, wo)
		s.command = Command((cur &^ commandWritable) | (merged & commandWritable))
		s.mu.Unlock()
	case StdCfgIntrLine:
		v := wo.ReadUint8()
		s.mu.Lock()
		s.intrLine = v
		s.mu.Unlock()
	case StdCfgBar:
		s.mu.Lock()
		if s.bars[id.bar].present {
			cur := s.barValue[id.bar]
			merged := mergeWrite32(cur, wo)
			// Size probing falls out of the mask: an all-ones write reads
			// back as the size mask.
			s.barValue[id.bar] = merged &^ (s.bars[id.bar].size - 1)
		}
		s.mu.Unlock()
	default:
		// Everything else in the standard header is read-only here.
	}
}

// barRegLocked renders the BAR register value: latched base plus type bits,
// or zero for undeclared BARs.
func (s *DeviceState) barRegLocked(bar BarN) uint32 {
	if !s.bars[bar].present {
		return 0
	}
	return s.barValue[bar] | BarTypeMem
}

// BarAddress returns the guest base currently programmed into a BAR.
func (s *DeviceState) BarAddress(bar BarN) (uint32, bool) {
	if bar >= barCount || !s.bars[bar].present {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barValue[bar], true
}

// ProgramBar latches a guest base into a declared BAR, the way firmware
// assigns windows during enumeration. The address is aligned down to the
// BAR's size.
func (s *DeviceState) ProgramBar(bar BarN, addr uint32) error {
	if bar >= barCount || !s.bars[bar].present {
		return fmt.Errorf("pci: BAR%d not declared", bar)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barValue[bar] = addr &^ (s.bars[bar].size - 1)
	return nil
}

// BarSize returns the declared size of a BAR.
func (s *DeviceState) BarSize(bar BarN) (uint32, bool) {
	if bar >= barCount || !s.bars[bar].present {
		return 0, false
	}
	return s.bars[bar].size, true
}

func mergeWrite16(cur uint16, wo *regmap.WriteOp) uint16 {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], cur)
	wo.ReadBytes(buf[wo.Offset() : wo.Offset()+wo.Len()])
	return binary.LittleEndian.Uint16(buf[:])
}

func mergeWrite32(cur uint32, wo *regmap.WriteOp) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], cur)
	wo.ReadBytes(buf[wo.Offset() : wo.Offset()+wo.Len()])
	return binary.LittleEndian.Uint32(buf[:])
}

// Attach registers dev's configuration space on the bus at bdf.
func Attach(bus *Bus, bdf BDF, dev Device) error {
	if dev == nil || dev.DeviceState() == nil {
		return fmt.Errorf("pci: device at %s has no state", bdf)
	}
	return bus.Register(bdf, funcAdapter{dev: dev})
}

type funcAdapter struct {
	dev Device
}

func (a funcAdapter) ConfigRW(op regmap.Op) {
	a.dev.DeviceState().ConfigRW(a.dev, op)
}

// BarMmioDevice adapts one BAR of a device to a chipset MMIO handler.
func BarMmioDevice(dev Device, bar BarN) chipset.MmioDevice {
	return barAdapter{dev: dev, bar: bar}
}

type barAdapter struct {
	dev Device
	bar BarN
}

func (a barAdapter) MmioRW(_ uint64, op regmap.Op) {
	a.dev.BarRW(a.bar, op)
}

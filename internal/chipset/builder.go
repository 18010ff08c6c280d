package chipset

import "fmt"

// InterruptSink receives interrupt level changes for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type pioBinding struct {
	base    uint16
	length  uint16
	handler PioDevice
}

type mmioBinding struct {
	region  MmioRegion
	handler MmioDevice
}

// Builder registers devices and their intercepts before creating a Chipset.
// Registration happens during single-threaded VM construction; the built
// Chipset's dispatch tables are immutable afterwards.
type Builder struct {
	devices map[string]Device
	pio     []pioBinding
	mmio    []mmioBinding
	polls   []PollHandler
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]Device),
	}
}

// RegisterDevice adds a device and wires up all of its intercepts.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q declared a port range with nil handler", name)
		}
		if err := b.WithPioRange(intercept.Base, intercept.Len, intercept.Handler); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q declared MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMmioRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if poll := dev.SupportsPollDevice(); poll != nil {
		if poll.Handler == nil {
			return fmt.Errorf("device %q declared a nil poll handler", name)
		}
		b.polls = append(b.polls, poll.Handler)
	}

	b.devices[name] = dev
	return nil
}

// WithPioRange claims a contiguous port range for a handler.
func (b *Builder) WithPioRange(base, length uint16, handler PioDevice) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%04x is nil", base)
	}
	if length == 0 {
		return fmt.Errorf("PIO range at 0x%04x has zero length", base)
	}
	if int(base)+int(length) > 0x10000 {
		return fmt.Errorf("PIO range 0x%04x+0x%x overflows the port space", base, length)
	}
	for _, existing := range b.pio {
		if rangesOverlap(uint64(base), uint64(length), uint64(existing.base), uint64(existing.length)) {
			return fmt.Errorf("PIO range 0x%04x-0x%04x overlaps existing range 0x%04x-0x%04x",
				base, base+length-1, existing.base, existing.base+existing.length-1)
		}
	}
	b.pio = append(b.pio, pioBinding{base: base, length: length, handler: handler})
	return nil
}

// WithMmioRegion claims a memory-mapped region for a handler.
func (b *Builder) WithMmioRegion(base, size uint64, handler MmioDevice) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range b.mmio {
		if rangesOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{
		region:  MmioRegion{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

// Build finalizes the layout and returns the constructed Chipset.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make([]pioBinding, len(b.pio))
	copy(pio, b.pio)

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	polls := make([]PollHandler, len(b.polls))
	copy(polls, b.polls)

	return &Chipset{
		devices: devices,
		pio:     pio,
		mmio:    mmio,
		polls:   polls,
	}, nil
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

package chipset

import (
	"context"

	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

// PioDevice handles port I/O accesses inside a claimed port range. The op's
// offset is already rebased to the range's base port and clamped to its
// length, so devices only reason about their own register space.
type PioDevice interface {
	PioRW(base uint16, op regmap.Op)
}

// PioIntercept describes a contiguous port range a device wants to serve.
type PioIntercept struct {
	Base    uint16
	Len     uint16
	Handler PioDevice
}

// MmioRegion is a claimed window of guest physical address space.
type MmioRegion struct {
	Address uint64
	Size    uint64
}

// MmioDevice handles accesses inside a claimed MMIO region, with the op
// rebased to the region base.
type MmioDevice interface {
	MmioRW(base uint64, op regmap.Op)
}

// MmioIntercept describes the MMIO regions a device serves.
type MmioIntercept struct {
	Regions []MmioRegion
	Handler MmioDevice
}

// PollHandler performs periodic maintenance for a device that needs host-side
// polling (for example pulling uart input from a reader).
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// LineInterrupt models an interrupt line with level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is the unified interface all chipset devices implement. The
// Supports* methods return nil when the device does not use that intercept.
type Device interface {
	ChangeDeviceState

	SupportsPortIO() *PioIntercept
	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}

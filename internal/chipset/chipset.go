// Package chipset wires device models to the address ranges they claim and
// dispatches trapped guest accesses to them.
//
// The chipset is the region abstraction devices sit behind: it locates the
// binding claiming an access, verifies the access fits inside the claimed
// range, and hands the device a regmap operation rebased to the range base.
// Devices therefore never see raw guest addresses and can trust that
// offset+length stays inside their declared space.
package chipset

import (
	"context"
	"fmt"
	"sort"

	"github.com/tinyvmm/tinyvmm/internal/regmap"
)

// Chipset holds the immutable dispatch tables built by a Builder.
type Chipset struct {
	devices map[string]Device
	pio     []pioBinding
	mmio    []mmioBinding
	polls   []PollHandler
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the device claiming it.
// For writes data holds the guest bytes; for reads the device populates it.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	if len(data) == 0 {
		return nil
	}
	accessEnd := int(port) + len(data)
	for _, binding := range c.pio {
		start := int(binding.base)
		end := start + int(binding.length)
		if int(port) >= start && accessEnd <= end {
			offset := int(port) - start
			if isWrite {
				binding.handler.PioRW(binding.base, regmap.NewWriteOp(offset, data))
			} else {
				binding.handler.PioRW(binding.base, regmap.NewReadOp(offset, data))
			}
			return nil
		}
	}
	return fmt.Errorf("chipset: no handler for I/O port 0x%04x (%d bytes)", port, len(data))
}

// HandleMMIO dispatches a memory-mapped access to the device claiming it.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if len(data) == 0 {
		return nil
	}
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}
	for _, binding := range c.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			offset := int(addr - start)
			if isWrite {
				binding.handler.MmioRW(start, regmap.NewWriteOp(offset, data))
			} else {
				binding.handler.MmioRW(start, regmap.NewReadOp(offset, data))
			}
			return nil
		}
	}
	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

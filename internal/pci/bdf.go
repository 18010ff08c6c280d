package pci

import "fmt"

const (
	maskBus  = 0xff
	maskDev  = 0x0f
	maskFunc = 0x07
)

// BDF identifies one PCI function by bus, device and function number.
// The model caps device numbers at 4 bits; see parseCfgAddr for how decoded
// addresses outside that range are treated.
type BDF struct {
	bus uint8
	dev uint8
	fn  uint8
}

// NewBDF validates the device and function ranges and returns the location.
func NewBDF(bus, dev, fn uint8) (BDF, error) {
	if dev&^maskDev != 0 {
		return BDF{}, fmt.Errorf("pci: device number %d exceeds 4 bits", dev)
	}
	if fn&^maskFunc != 0 {
		return BDF{}, fmt.Errorf("pci: function number %d exceeds 3 bits", fn)
	}
	return BDF{bus: bus, dev: dev, fn: fn}, nil
}

// MustBDF is NewBDF for statically known locations; it panics on bad input.
func MustBDF(bus, dev, fn uint8) BDF {
	bdf, err := NewBDF(bus, dev, fn)
	if err != nil {
		panic(err)
	}
	return bdf
}

func (b BDF) Bus() uint8      { return b.bus }
func (b BDF) Device() uint8   { return b.dev }
func (b BDF) Function() uint8 { return b.fn }

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.bus, b.dev, b.fn)
}

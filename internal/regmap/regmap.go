// Package regmap turns a flat byte-offset space into a lookup table of named
// registers and dispatches guest accesses against it.
//
// A RegMap is built once from a declarative layout of (identifier, length)
// entries tiling the space, and is immutable afterwards: it carries no
// per-instance state and a single map is safely shared by every instance of
// a device type and every vCPU touching it concurrently. Device semantics
// live entirely in the handler passed to Process.
package regmap

import (
	"fmt"
	"sort"
)

// Entry declares one register in a layout: an identifier and a byte length.
type Entry[ID any] struct {
	ID  ID
	Len int
}

// Region is the resolved placement of a layout entry.
type Region[ID any] struct {
	ID         ID
	Start, End int
}

// RegMap resolves byte offsets to named registers.
type RegMap[ID any] struct {
	size    int
	regions []Region[ID]
}

// New builds a map whose layout must tile [0, size) exactly. Gaps are layout
// bugs: reserve space with an explicit placeholder entry instead. A bad
// layout is a construction-time contract violation and panics.
func New[ID any](size int, layout []Entry[ID]) *RegMap[ID] {
	return create(size, layout, nil)
}

// NewPacked is New with an optional reserved identifier: when the declared
// entries fall short of size, the trailing bytes are attributed to reserved
// rather than rejected. Handlers see reserved ids like any other id and
// apply their own fill policy.
func NewPacked[ID any](size int, layout []Entry[ID], reserved *ID) *RegMap[ID] {
	return create(size, layout, reserved)
}

func create[ID any](size int, layout []Entry[ID], reserved *ID) *RegMap[ID] {
	if size <= 0 {
		panic("regmap: register space must have non-zero size")
	}
	regions := make([]Region[ID], 0, len(layout)+1)
	off := 0
	for _, ent := range layout {
		if ent.Len <= 0 {
			panic(fmt.Sprintf("regmap: entry %v has non-positive length", ent.ID))
		}
		end := off + ent.Len
		if end > size {
			panic(fmt.Sprintf("regmap: entry %v extends past declared size %#x", ent.ID, size))
		}
		regions = append(regions, Region[ID]{ID: ent.ID, Start: off, End: end})
		off = end
	}
	if off < size {
		if reserved == nil {
			panic(fmt.Sprintf("regmap: layout covers %#x of %#x bytes with no reserved id", off, size))
		}
		regions = append(regions, Region[ID]{ID: *reserved, Start: off, End: size})
	}
	return &RegMap[ID]{size: size, regions: regions}
}

// Size returns the total byte size of the register space.
func (m *RegMap[ID]) Size() int { return m.size }

// Regions returns the resolved layout in address order.
func (m *RegMap[ID]) Regions() []Region[ID] {
	out := make([]Region[ID], len(m.regions))
	copy(out, m.regions)
	return out
}

// Process resolves op into per-register sub-operations and invokes handler
// once for each, in ascending address order. An access contained in a single
// register produces exactly one callback with the offset rebased to the
// register's own base. An access spanning register boundaries is split at
// each boundary; every sub-op windows its own slice of the original buffer,
// so the guest sees one contiguous result.
//
// Ops reaching past the declared size are a defect in the calling bus
// abstraction, which must clamp accesses before handing them down; Process
// panics rather than misroute the access.
func (m *RegMap[ID]) Process(op Op, handler func(ID, Op)) {
	off := op.Offset()
	length := op.Len()
	if length <= 0 {
		panic("regmap: zero-length access")
	}
	if off < 0 || off+length > m.size {
		panic(fmt.Sprintf("regmap: access [%#x,%#x) outside register space of size %#x",
			off, off+length, m.size))
	}

	idx := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].End > off
	})

	cur := off
	remain := length
	for remain > 0 {
		reg := m.regions[idx]
		n := reg.End - cur
		if n > remain {
			n = remain
		}
		local := cur - reg.Start
		window := cur - off
		handler(reg.ID, childOp(op, local, window, window+n))
		cur += n
		remain -= n
		idx++
	}
}

func childOp(op Op, offset, start, end int) Op {
	switch o := op.(type) {
	case *ReadOp:
		return o.Child(offset, start, end)
	case *WriteOp:
		return o.Child(offset, start, end)
	default:
		panic("regmap: unknown operation type")
	}
}

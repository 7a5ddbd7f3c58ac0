package mem_engine

import (
	"sort"

	"example.com/v-kernel/mem_engine/paging"
)

// Bound is one RAM span [Base, Limit).
type Bound struct {
	Base  uint64
	Limit uint64
}

// Size returns the span length in bytes.
func (b Bound) Size() uint64 { return b.Limit - b.Base }

// RangeKind tags a boot memory-map record.
type RangeKind uint8

const (
	// RangeAvailable is general-purpose RAM.
	RangeAvailable RangeKind = iota
	// RangeReserved is RAM the firmware keeps for itself; it stays in the
	// RAM bounds (it is memory) but never enters the frame pool.
	RangeReserved
)

// BootRange is one record of the firmware memory map handed over at boot.
type BootRange struct {
	Base uint64
	Size uint64
	Kind RangeKind
}

// MemoryClassifier tells RAM apart from device/MMIO ranges using an
// immutable bounds table built once at construction. Classification is
// read-only and safe for concurrent use.
type MemoryClassifier struct {
	bounds []Bound
}

// buildRAMBounds normalizes a boot map into a sorted bounds table: bases
// align up, limits align down, empty results are dropped, and overlapping
// or touching spans merge. Reserved records contribute too, they are still
// RAM; only the frame pool excludes them.
func buildRAMBounds(ranges []BootRange) []Bound {
	bounds := make([]Bound, 0, len(ranges))
	for _, r := range ranges {
		base := paging.AlignUp(r.Base)
		limit := paging.AlignDown(r.Base + r.Size)
		if r.Base+r.Size < r.Base || limit <= base {
			continue
		}
		bounds = append(bounds, Bound{Base: base, Limit: limit})
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].Base < bounds[j].Base })

	merged := bounds[:0]
	for _, b := range bounds {
		if n := len(merged); n > 0 && b.Base <= merged[n-1].Limit {
			if b.Limit > merged[n-1].Limit {
				merged[n-1].Limit = b.Limit
			}
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

func newMemoryClassifier(bounds []Bound) *MemoryClassifier {
	return &MemoryClassifier{bounds: bounds}
}

// Classify intersects [phys, phys+size) against every RAM bound, counting
// the bytes that fall inside RAM. isMemory is true iff any byte matched,
// isHardware iff any byte did not. An end-address overflow reports both
// true, so the range classifies as mixed and no mapping of it is
// authorized.
func (c *MemoryClassifier) Classify(phys, size uint64) (isHardware, isMemory bool) {
	end := phys + size
	if end < phys {
		return true, true
	}
	var inRAM uint64
	for _, b := range c.bounds {
		lo, hi := phys, end
		if b.Base > lo {
			lo = b.Base
		}
		if b.Limit < hi {
			hi = b.Limit
		}
		if hi > lo {
			inRAM += hi - lo
		}
	}
	return inRAM != size, inRAM != 0
}

// Bounds returns a snapshot copy of the RAM bounds table.
func (c *MemoryClassifier) Bounds() []Bound {
	out := make([]Bound, len(c.bounds))
	copy(out, c.bounds)
	return out
}

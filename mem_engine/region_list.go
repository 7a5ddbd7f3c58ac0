package mem_engine

import (
	"fmt"
	"sort"
	"sync"

	"example.com/v-kernel/mem_engine/paging"
)

// Region is a half-open span [Base, Limit) of page-aligned addresses.
type Region struct {
	Base  uint64
	Limit uint64
}

// Size returns the span length in bytes.
func (r Region) Size() uint64 { return r.Limit - r.Base }

// RegionList is a sorted, coalescing free-range allocator. Its regions never
// overlap and never touch: a released range merges with exactly-adjacent
// neighbors on insert. The kernel instantiates it twice, for free physical
// frames and for free kernel virtual addresses, and uses Remove once at boot
// to carve reserved ranges out of the initial RAM list.
//
// One exclusive lock guards each instance, held only for the duration of the
// list operation and never while page tables are walked.
type RegionList struct {
	name string

	mu      sync.Mutex
	regions []Region
	bytes   uint64
}

// NewRegionList creates an empty list. The name only labels diagnostics.
func NewRegionList(name string) *RegionList {
	return &RegionList{name: name}
}

// Acquire removes length bytes from the list, scanning first-fit in
// ascending base order: an exact-size region is deleted, otherwise the
// matched region's base advances. Returns ErrNoMoreMemory when no region is
// large enough.
func (l *RegionList) Acquire(length uint64) (uint64, error) {
	if length == 0 || !paging.PageAligned(length) {
		return 0, fmt.Errorf("%w: acquire length 0x%x from %s list", ErrIncorrectValue, length, l.name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.regions {
		if l.regions[i].Size() < length {
			continue
		}
		base := l.regions[i].Base
		if l.regions[i].Size() == length {
			l.regions = append(l.regions[:i], l.regions[i+1:]...)
		} else {
			l.regions[i].Base += length
		}
		l.bytes -= length
		return base, nil
	}
	return 0, fmt.Errorf("%w: no free region of 0x%x bytes in %s list", ErrNoMoreMemory, length, l.name)
}

// Release returns [base, base+length) to the list, merging with an
// exactly-touching left and/or right neighbor. Releasing a range that
// overlaps an existing free region is a caller bug and fatal.
func (l *RegionList) Release(base, length uint64) {
	end := l.checkSpan("release", base, length)

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := sort.Search(len(l.regions), func(i int) bool { return l.regions[i].Base >= base })
	if idx > 0 && l.regions[idx-1].Limit > base {
		panic(fmt.Sprintf("mem_engine: release [0x%x, 0x%x) overlaps free region [0x%x, 0x%x) in %s list",
			base, end, l.regions[idx-1].Base, l.regions[idx-1].Limit, l.name))
	}
	if idx < len(l.regions) && l.regions[idx].Base < end {
		panic(fmt.Sprintf("mem_engine: release [0x%x, 0x%x) overlaps free region [0x%x, 0x%x) in %s list",
			base, end, l.regions[idx].Base, l.regions[idx].Limit, l.name))
	}

	mergeLeft := idx > 0 && l.regions[idx-1].Limit == base
	mergeRight := idx < len(l.regions) && l.regions[idx].Base == end
	switch {
	case mergeLeft && mergeRight:
		l.regions[idx-1].Limit = l.regions[idx].Limit
		l.regions = append(l.regions[:idx], l.regions[idx+1:]...)
	case mergeLeft:
		l.regions[idx-1].Limit = end
	case mergeRight:
		l.regions[idx].Base = base
	default:
		l.regions = append(l.regions, Region{})
		copy(l.regions[idx+1:], l.regions[idx:])
		l.regions[idx] = Region{Base: base, Limit: end}
	}
	l.bytes += length
}

// Remove carves [base, base+length) out of whatever free regions intersect
// it, applying the four interval cases: a fully contained region is deleted,
// a partial overlap shrinks the region's lower or upper edge, and a region
// fully containing the removal range splits in two. Ranges with no overlap
// are a no-op.
func (l *RegionList) Remove(base, length uint64) {
	end := l.checkSpan("remove", base, length)

	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.regions), func(i int) bool { return l.regions[i].Limit > base })
	for i < len(l.regions) && l.regions[i].Base < end {
		r := l.regions[i]
		switch {
		case base <= r.Base && end >= r.Limit:
			// Fully contained: delete the region.
			l.bytes -= r.Size()
			l.regions = append(l.regions[:i], l.regions[i+1:]...)
		case base <= r.Base:
			// Removal covers the lower part: raise the region's base.
			l.bytes -= end - r.Base
			l.regions[i].Base = end
			i++
		case end >= r.Limit:
			// Removal covers the upper part: lower the region's limit.
			l.bytes -= r.Limit - base
			l.regions[i].Limit = base
			i++
		default:
			// Region fully contains the removal range: split in two.
			l.bytes -= length
			l.regions = append(l.regions, Region{})
			copy(l.regions[i+2:], l.regions[i+1:])
			l.regions[i].Limit = base
			l.regions[i+1] = Region{Base: end, Limit: r.Limit}
			return
		}
	}
}

// TotalBytes returns the number of free bytes the list currently holds.
func (l *RegionList) TotalBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes
}

// Len returns the number of regions in the list.
func (l *RegionList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.regions)
}

// Regions returns a snapshot copy of the list in ascending base order.
func (l *RegionList) Regions() []Region {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}

// checkSpan validates a page-aligned, non-empty, non-wrapping span and
// returns its end address. Violations are caller bugs and fatal.
func (l *RegionList) checkSpan(op string, base, length uint64) uint64 {
	end := base + length
	if length == 0 || !paging.PageAligned(base) || !paging.PageAligned(length) || end < base {
		panic(fmt.Sprintf("mem_engine: %s of invalid span [0x%x, 0x%x) on %s list", op, base, end, l.name))
	}
	return end
}

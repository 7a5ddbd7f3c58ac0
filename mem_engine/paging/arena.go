package paging

import (
	"fmt"
	"unsafe"
)

// Table is one page table: a single frame holding EntriesPerTable entries.
type Table [EntriesPerTable]Entry

// Empty reports whether the table holds no present entries.
func (t *Table) Empty() bool {
	for _, e := range t {
		if e.Present() {
			return false
		}
	}
	return true
}

// Memory is a span of physical memory addressable by frame: frames inside it
// can be viewed in place as tables or raw bytes. It must cover every RAM
// frame the kernel can hand out; device (MMIO) addresses are never
// dereferenced through it.
type Memory interface {
	// Base returns the first physical address the span backs.
	Base() uint64
	// Size returns the span length in bytes.
	Size() uint64
	// TableAt views the frame at phys as a page table. phys must be a
	// page-aligned address inside the span; anything else is a hierarchy
	// corruption and panics.
	TableAt(phys uint64) *Table
	// Bytes views length bytes starting at phys.
	Bytes(phys, length uint64) []byte
}

// Allocator hands out zeroed table frames and resolves frame addresses to
// table views. The mapping operations call it with the paging lock held, so
// implementations need no locking of their own for those paths.
type Allocator interface {
	// NewTable allocates one zeroed frame for a page table and returns its
	// physical address and view.
	NewTable() (uint64, *Table, error)
	// FreeTable returns a table frame to the pool.
	FreeTable(phys uint64)
	// TableAt views an existing table frame.
	TableAt(phys uint64) *Table
}

// SliceArena is a Memory backed by an ordinary Go allocation. The storage is
// held as words so that in-place Table views are always correctly aligned.
type SliceArena struct {
	base  uint64
	words []uint64
}

// NewSliceArena builds an arena backing the physical range
// [base, base+size). Both must be page-aligned and size non-zero.
func NewSliceArena(base, size uint64) (*SliceArena, error) {
	if size == 0 || !PageAligned(base) || !PageAligned(size) {
		return nil, fmt.Errorf("arena range [0x%x, 0x%x) is not page-aligned", base, base+size)
	}
	return &SliceArena{
		base:  base,
		words: make([]uint64, size/8),
	}, nil
}

// Base returns the first physical address the arena backs.
func (a *SliceArena) Base() uint64 { return a.base }

// Size returns the arena length in bytes.
func (a *SliceArena) Size() uint64 { return uint64(len(a.words)) * 8 }

// TableAt views the frame at phys as a page table.
func (a *SliceArena) TableAt(phys uint64) *Table {
	if !PageAligned(phys) || phys < a.base || phys-a.base >= a.Size() {
		panic(fmt.Sprintf("paging: table frame 0x%x outside arena [0x%x, 0x%x)", phys, a.base, a.base+a.Size()))
	}
	return (*Table)(unsafe.Pointer(&a.words[(phys-a.base)/8]))
}

// Bytes views length bytes starting at phys.
func (a *SliceArena) Bytes(phys, length uint64) []byte {
	if phys < a.base || length > a.Size() || phys-a.base > a.Size()-length {
		panic(fmt.Sprintf("paging: byte range [0x%x, 0x%x) outside arena", phys, phys+length))
	}
	if length == 0 {
		return nil
	}
	p := (*byte)(unsafe.Pointer(&a.words[(phys-a.base)/8]))
	off := (phys - a.base) % 8
	return unsafe.Slice(p, length+off)[off:]
}

package paging

// Architecture constants for the 4-level, 48-bit-virtual, 52-bit-physical
// layout. The recursive slot index and the kernel/user split are ABI: external
// code that inspects page tables hard-codes them, so changing TableLevels or
// RecursiveSlot requires a synchronized change everywhere.
const (
	PageSize  uint64 = 0x1000
	PageShift        = 12

	EntriesPerTable = 512
	TableLevels     = 4

	VirtAddressWidth = 48
	PhysAddressWidth = 52

	// RecursiveSlot is the reserved top-level slot whose entry points back at
	// the root table. Its virtual window is never allocatable or mappable.
	RecursiveSlot = 510

	// RecursiveWindowBase and RecursiveWindowLimit bound the virtual window
	// covered by the recursive slot (canonical form of slot 510 at the top
	// level).
	RecursiveWindowBase  uint64 = 0xFFFFFF0000000000
	RecursiveWindowLimit uint64 = 0xFFFFFF8000000000

	// KernelSpaceStart is the first canonical high-half address; everything
	// below the non-canonical hole belongs to user space.
	KernelSpaceStart uint64 = 0xFFFF800000000000
)

// levelShifts gives the virtual-address bit offset of each level's index,
// top level first. The walk code iterates over this table, so the tree depth
// lives here and nowhere else.
var levelShifts = [TableLevels]uint{39, 30, 21, 12}

const levelIndexMask = EntriesPerTable - 1

// TableIndex extracts the table index of virt at the given level (0 is the
// top level, TableLevels-1 the leaf level).
func TableIndex(virt uint64, level int) int {
	return int(virt >> levelShifts[level] & levelIndexMask)
}

// levelStride is the span of address space one entry covers at the given
// level.
func levelStride(level int) uint64 {
	return uint64(1) << levelShifts[level]
}

// Canonical reports whether virt has its unused high bits equal to a uniform
// sign-extension of bit VirtAddressWidth-1.
func Canonical(virt uint64) bool {
	high := virt >> (VirtAddressWidth - 1)
	return high == 0 || high == 1<<(64-VirtAddressWidth+1)-1
}

// PageAligned reports whether addr sits on a page boundary.
func PageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// AlignUp rounds addr up to a page boundary. The result wraps to zero for
// addresses inside the topmost page.
func AlignUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

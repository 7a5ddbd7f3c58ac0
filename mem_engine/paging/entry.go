package paging

// Page-table entry format for 64-bit 4-level paging. Each entry is a uint64:
// bits 0-8 are architectural flags, bits 9-11 and 52-62 are available for
// software, bits 12-51 hold the 4KB-aligned frame address, bit 63 is no-execute.

// Entry is one slot of a page table at any level. Entries at intermediate
// levels hold the frame address of the next table; leaf entries hold the
// frame address of a mapped page.
type Entry uint64

// Architectural entry flags.
const (
	EntryPresent      Entry = 1 << 0 // Translation is valid
	EntryWritable     Entry = 1 << 1 // 0=read-only, 1=read/write
	EntryUser         Entry = 1 << 2 // 0=supervisor only, 1=user reachable
	EntryWriteThrough Entry = 1 << 3 // Page-level write-through caching
	EntryCacheDisable Entry = 1 << 4 // Page-level cache disable
	EntryAccessed     Entry = 1 << 5 // Set by hardware on access
	EntryDirty        Entry = 1 << 6 // Set by hardware on write (leaves only)
	EntryLargePage    Entry = 1 << 7 // Entry maps a large page (non-leaf levels)
	EntryGlobal       Entry = 1 << 8 // Translation survives root switches
	EntryNoExec       Entry = 1 << 63
)

// Software entry flags (bits 9-11 are ignored by the walk hardware).
const (
	// EntryHardware marks a leaf that maps device registers instead of RAM.
	EntryHardware Entry = 1 << 10
)

// entryAddrMask extracts the frame address from an entry: bits 12-51.
const entryAddrMask Entry = 0x000FFFFFFFFFF000

// Present reports whether the entry holds a valid translation.
func (e Entry) Present() bool { return e&EntryPresent != 0 }

// Addr returns the 4KB-aligned frame address stored in the entry.
func (e Entry) Addr() uint64 { return uint64(e & entryAddrMask) }

// NewTableEntry builds an intermediate entry pointing at the table frame at
// tablePhys. Intermediate links are deliberately permissive (writable and
// user-reachable) so the leaf entry alone decides the effective protection.
func NewTableEntry(tablePhys uint64) Entry {
	return Entry(tablePhys)&entryAddrMask | EntryPresent | EntryWritable | EntryUser
}

// NewLeafEntry builds a leaf entry mapping the frame at pagePhys with the
// translated form of the caller's mapping flags.
func NewLeafEntry(pagePhys uint64, flags MapFlags) Entry {
	return Entry(pagePhys)&entryAddrMask | flags.entryBits()
}

// MapFlags is the caller-facing flag bundle accepted by the mapping
// operations. The zero value means read-only, supervisor, cached,
// non-executable RAM.
type MapFlags uint32

const (
	MapReadWrite     MapFlags = 1 << 0 // Writable mapping
	MapExec          MapFlags = 1 << 1 // Executable mapping (clears no-execute)
	MapUser          MapFlags = 1 << 2 // Reachable from user mode
	MapCacheDisabled MapFlags = 1 << 3 // Uncached access
	MapWriteThrough  MapFlags = 1 << 4 // Write-through caching
	MapHardware      MapFlags = 1 << 5 // Target is device memory, not RAM
	MapGlobal        MapFlags = 1 << 6 // Survives address-space switches
)

// entryBits translates mapping flags into leaf entry bits. No-execute is set
// whenever MapExec is absent.
func (f MapFlags) entryBits() Entry {
	e := EntryPresent
	if f&MapReadWrite != 0 {
		e |= EntryWritable
	}
	if f&MapExec == 0 {
		e |= EntryNoExec
	}
	if f&MapUser != 0 {
		e |= EntryUser
	}
	if f&MapCacheDisabled != 0 {
		e |= EntryCacheDisable
	}
	if f&MapWriteThrough != 0 {
		e |= EntryWriteThrough
	}
	if f&MapHardware != 0 {
		e |= EntryHardware
	}
	if f&MapGlobal != 0 {
		e |= EntryGlobal
	}
	return e
}

// Flags decodes a leaf entry back into the mapping-flag form, the inverse of
// entryBits for present leaves.
func (e Entry) Flags() MapFlags {
	var f MapFlags
	if e&EntryWritable != 0 {
		f |= MapReadWrite
	}
	if e&EntryNoExec == 0 {
		f |= MapExec
	}
	if e&EntryUser != 0 {
		f |= MapUser
	}
	if e&EntryCacheDisable != 0 {
		f |= MapCacheDisabled
	}
	if e&EntryWriteThrough != 0 {
		f |= MapWriteThrough
	}
	if e&EntryHardware != 0 {
		f |= MapHardware
	}
	if e&EntryGlobal != 0 {
		f |= MapGlobal
	}
	return f
}

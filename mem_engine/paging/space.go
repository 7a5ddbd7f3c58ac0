package paging

import (
	"errors"
	"fmt"
)

// Mechanical walk errors. The memory manager folds these into its
// kernel-facing taxonomy; allocator failures pass through unchanged.
var (
	ErrMisaligned    = errors.New("address not page-aligned")
	ErrNonCanonical  = errors.New("virtual address not canonical")
	ErrEmptyRange    = errors.New("empty page range")
	ErrReservedRange = errors.New("virtual range intersects the recursive window")
	ErrAlreadyMapped = errors.New("virtual range already mapped")
	ErrNotMapped     = errors.New("virtual range not fully mapped")
)

// TLBSink receives invalidation requirements as mapping changes are made.
// InvalidatePage is the synchronous invalidate-one-translation primitive of
// the local core; BroadcastInvalidate posts the same request to every other
// core and returns without waiting for delivery.
type TLBSink interface {
	InvalidatePage(virt uint64)
	BroadcastInvalidate(virt uint64)
}

// AddressSpace is an N-level radix page-table tree held in an arena of
// table frames. Intermediate tables are created lazily on first use in their
// sub-range and freed when their last present entry is cleared.
//
// AddressSpace does no locking: callers serialize every method through one
// paging lock, because a concurrent walker must never observe a partially
// updated hierarchy.
type AddressSpace struct {
	alloc Allocator
	tlb   TLBSink
	root  uint64
	// live table frames, root included
	tables int
}

// NewAddressSpace allocates the root table and installs the recursive
// self-map entry in its reserved slot.
func NewAddressSpace(alloc Allocator, tlb TLBSink) (*AddressSpace, error) {
	if alloc == nil || tlb == nil {
		return nil, fmt.Errorf("paging: address space needs an allocator and a TLB sink")
	}
	root, t, err := alloc.NewTable()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	// The recursive slot points back at the root: supervisor-only, never
	// executable. Table memory is edited through the arena, but the slot
	// stays part of the table ABI.
	t[RecursiveSlot] = Entry(root)&entryAddrMask | EntryPresent | EntryWritable | EntryNoExec
	return &AddressSpace{alloc: alloc, tlb: tlb, root: root, tables: 1}, nil
}

// Root returns the frame address of the top-level table, the value a core
// needs to install the space as active.
func (s *AddressSpace) Root() uint64 { return s.root }

// LiveTables returns the number of table frames the hierarchy currently
// holds, root included.
func (s *AddressSpace) LiveTables() int { return s.tables }

// checkRange validates that [virt, virt+pages*PageSize) is page-aligned,
// non-empty, wholly canonical on one side of the non-canonical hole, and
// clear of the recursive window.
func (s *AddressSpace) checkRange(virt, pages uint64) error {
	if pages == 0 {
		return ErrEmptyRange
	}
	if !PageAligned(virt) {
		return ErrMisaligned
	}
	last := virt + (pages-1)*PageSize
	if last < virt {
		return ErrNonCanonical
	}
	if !Canonical(virt) || !Canonical(last) || virt>>(VirtAddressWidth-1) != last>>(VirtAddressWidth-1) {
		return ErrNonCanonical
	}
	if virt < RecursiveWindowLimit && last >= RecursiveWindowBase {
		return ErrReservedRange
	}
	return nil
}

// Map installs pages translations starting at virt -> phys with the given
// flags. Every page of the target range must be unmapped; on any failure no
// new translation remains installed.
func (s *AddressSpace) Map(virt, phys uint64, pages uint64, flags MapFlags) error {
	if err := s.checkRange(virt, pages); err != nil {
		return err
	}
	if !PageAligned(phys) {
		return ErrMisaligned
	}
	if s.rangeMapped(virt, pages, matchAny) {
		return ErrAlreadyMapped
	}

	va, pa := virt, phys
	remaining := pages
	for remaining > 0 {
		leaf, err := s.leafTableFor(va)
		if err != nil {
			// Unwind the pages established by earlier runs so a failed
			// map leaves the hierarchy as it found it.
			if done := pages - remaining; done > 0 {
				s.clearRange(virt, done)
			}
			return err
		}
		idx := TableIndex(va, TableLevels-1)
		run := uint64(EntriesPerTable - idx)
		if run > remaining {
			run = remaining
		}
		for i := uint64(0); i < run; i++ {
			leaf[idx+int(i)] = NewLeafEntry(pa, flags)
			s.tlb.InvalidatePage(va)
			va += PageSize
			pa += PageSize
		}
		remaining -= run
	}
	return nil
}

// Unmap removes the translations for pages pages starting at virt. The whole
// range must currently be mapped.
func (s *AddressSpace) Unmap(virt, pages uint64) error {
	if err := s.checkRange(virt, pages); err != nil {
		return err
	}
	if !s.rangeMapped(virt, pages, matchAll) {
		return ErrNotMapped
	}
	s.clearRange(virt, pages)
	return nil
}

// IsMapped reports whether every page of the range is mapped. An absent
// entry at any non-leaf level skips that entry's whole sub-range in one
// step. Ranges failing the address checks are simply not mapped.
func (s *AddressSpace) IsMapped(virt, pages uint64) bool {
	if s.checkRange(virt, pages) != nil {
		return false
	}
	return s.rangeMapped(virt, pages, matchAll)
}

// AnyMapped reports whether at least one page of the range is mapped.
func (s *AddressSpace) AnyMapped(virt, pages uint64) bool {
	if s.checkRange(virt, pages) != nil {
		return false
	}
	return s.rangeMapped(virt, pages, matchAny)
}

// Translate resolves virt (any offset, not just page-aligned) to its
// physical address and decoded mapping flags.
func (s *AddressSpace) Translate(virt uint64) (uint64, MapFlags, error) {
	if !Canonical(virt) {
		return 0, 0, ErrNonCanonical
	}
	t := s.alloc.TableAt(s.root)
	for level := 0; ; level++ {
		e := t[TableIndex(virt, level)]
		if !e.Present() {
			return 0, 0, ErrNotMapped
		}
		if level == TableLevels-1 {
			return e.Addr() | virt&(PageSize-1), e.Flags(), nil
		}
		if e&EntryLargePage != 0 {
			panic(fmt.Sprintf("paging: unexpected large-page entry at level %d for 0x%x", level, virt))
		}
		t = s.alloc.TableAt(e.Addr())
	}
}

type matchMode int

const (
	matchAll matchMode = iota
	matchAny
)

// rangeMapped walks the hierarchy over the range. With matchAll it reports
// whether every page is mapped, with matchAny whether at least one is.
func (s *AddressSpace) rangeMapped(virt, pages uint64, mode matchMode) bool {
	va := virt
	remaining := pages
	for remaining > 0 {
		t := s.alloc.TableAt(s.root)
		for level := 0; ; level++ {
			e := t[TableIndex(va, level)]
			if !e.Present() {
				if mode == matchAll {
					return false
				}
				stride := levelStride(level)
				next := (va &^ (stride - 1)) + stride
				skipped := (next - va) >> PageShift
				if skipped >= remaining {
					remaining = 0
				} else {
					remaining -= skipped
				}
				va = next
				break
			}
			if level == TableLevels-1 {
				if mode == matchAny {
					return true
				}
				remaining--
				va += PageSize
				break
			}
			if e&EntryLargePage != 0 {
				panic(fmt.Sprintf("paging: unexpected large-page entry at level %d for 0x%x", level, va))
			}
			t = s.alloc.TableAt(e.Addr())
		}
	}
	return mode == matchAll
}

// leafTableFor returns the leaf-level table covering va, creating any
// missing intermediate tables. The chain of new tables is linked into the
// live hierarchy with a single final store, so a failed allocation leaves no
// half-built path behind.
func (s *AddressSpace) leafTableFor(va uint64) (*Table, error) {
	t := s.alloc.TableAt(s.root)
	for level := 0; level < TableLevels-1; level++ {
		e := t[TableIndex(va, level)]
		if e.Present() {
			if e&EntryLargePage != 0 {
				panic(fmt.Sprintf("paging: unexpected large-page entry at level %d for 0x%x", level, va))
			}
			t = s.alloc.TableAt(e.Addr())
			continue
		}

		need := TableLevels - 1 - level
		var phys [TableLevels - 1]uint64
		var views [TableLevels - 1]*Table
		for i := 0; i < need; i++ {
			p, v, err := s.alloc.NewTable()
			if err != nil {
				for j := 0; j < i; j++ {
					s.alloc.FreeTable(phys[j])
				}
				return nil, err
			}
			phys[i], views[i] = p, v
		}
		for i := 0; i < need-1; i++ {
			views[i][TableIndex(va, level+1+i)] = NewTableEntry(phys[i+1])
		}
		// Commit: the new chain becomes visible only now.
		t[TableIndex(va, level)] = NewTableEntry(phys[0])
		s.tables += need
		return views[need-1], nil
	}
	return t, nil
}

// clearRange clears pages leaf entries starting at virt, invalidating each
// cleared translation locally and broadcasting it to the other cores. After
// each leaf-table run it frees tables left without present entries, walking
// the emptiness check upward but never touching the root. Callers guarantee
// the range is mapped.
func (s *AddressSpace) clearRange(virt, pages uint64) {
	var path [TableLevels]struct {
		phys uint64
		t    *Table
	}

	va := virt
	remaining := pages
	for remaining > 0 {
		runVA := va
		path[0].phys = s.root
		path[0].t = s.alloc.TableAt(s.root)
		for level := 0; level < TableLevels-1; level++ {
			e := path[level].t[TableIndex(va, level)]
			path[level+1].phys = e.Addr()
			path[level+1].t = s.alloc.TableAt(e.Addr())
		}

		leaf := path[TableLevels-1].t
		idx := TableIndex(va, TableLevels-1)
		run := uint64(EntriesPerTable - idx)
		if run > remaining {
			run = remaining
		}
		for i := uint64(0); i < run; i++ {
			leaf[idx+int(i)] = 0
			s.tlb.InvalidatePage(va)
			s.tlb.BroadcastInvalidate(va)
			va += PageSize
		}
		remaining -= run

		for level := TableLevels - 1; level > 0; level-- {
			if !path[level].t.Empty() {
				break
			}
			s.alloc.FreeTable(path[level].phys)
			s.tables--
			path[level-1].t[TableIndex(runVA, level-1)] = 0
		}
	}
}

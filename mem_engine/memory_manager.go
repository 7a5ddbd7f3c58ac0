package mem_engine

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"example.com/v-kernel/mem_engine/cores"
	"example.com/v-kernel/mem_engine/paging"
)

// TLBControl is the CPU-layer seam the manager drives: the synchronous
// invalidate-one-translation primitive of the core it runs on, the same
// primitive on a named core (fault repair runs it on the faulting core),
// the fire-and-forget broadcast to every other core, and installing the
// active hierarchy root. cores.BoundCore satisfies it.
type TLBControl interface {
	InvalidatePage(virt uint64)
	InvalidateOn(core int, virt uint64)
	BroadcastInvalidate(virt uint64)
	InstallRoot(root uint64)
}

// TrapDispatcher is the exception-dispatch collaborator the manager
// registers its page-fault handler with. cores.TrapBus satisfies it.
type TrapDispatcher interface {
	RegisterHandler(vector uint8, handler cores.TrapHandler) error
}

// KernelRegion describes one range of the kernel image: where it sits
// physically, where it must be visible virtually, and with which
// permissions (text, rodata, data have different flag bundles).
type KernelRegion struct {
	Virt  uint64
	Phys  uint64
	Size  uint64
	Flags paging.MapFlags
}

// Config carries everything NewMemoryManager needs from boot and from the
// external collaborators.
type Config struct {
	// BootMap is the firmware memory map: available RAM plus ranges the
	// firmware keeps reserved.
	BootMap []BootRange
	// KernelImage lists the kernel's own regions. Their physical footprint
	// is withheld from the frame pool and they are mapped global at init.
	KernelImage []KernelRegion
	// KernelWindowBase/Limit bound the kernel virtual allocation pool that
	// MapPhysical, Allocate and MapKernelStack draw from. Page-aligned,
	// inside the kernel half, clear of the image and the recursive window.
	KernelWindowBase  uint64
	KernelWindowLimit uint64
	// Arena backs every RAM frame with addressable storage.
	Arena paging.Memory
	// TLB is the bound view of the core set this manager runs on.
	TLB TLBControl
	// Reporter receives escalated faults. With no reporter an escalation
	// panics.
	Reporter FaultReporter
	// Dispatcher, when present, gets the page-fault handler registered at
	// construction.
	Dispatcher TrapDispatcher
	// Debug enables init and operation logging.
	Debug bool
}

// Stats is a point-in-time accounting snapshot.
type Stats struct {
	FreeFrameBytes    uint64
	FreeKernelVABytes uint64
	LiveTables        int
}

// MemoryManager is the virtual-memory core of the kernel: it owns the frame
// pool, the kernel virtual-address pool, the RAM bounds table and the live
// page-table hierarchy, and exposes the mapping API the rest of the kernel
// consumes. All four structures are fields here; nothing is module-level
// state.
//
// One paging mutex serializes every operation that touches the table
// hierarchy, so a concurrent walker never observes a partial update. The
// region lists carry their own locks and are never held across a walk.
type MemoryManager struct {
	Debug bool

	frames   *RegionList
	kernelVA *RegionList
	class    *MemoryClassifier
	arena    paging.Memory
	tlb      TLBControl
	reporter FaultReporter

	pagingMu sync.Mutex
	space    *paging.AddressSpace
}

// tableAllocator adapts the frame pool plus the arena to the walker's
// allocator seam: table frames are ordinary frames, zeroed on allocation.
type tableAllocator struct {
	frames *RegionList
	arena  paging.Memory
}

func (a *tableAllocator) NewTable() (uint64, *paging.Table, error) {
	phys, err := a.frames.Acquire(paging.PageSize)
	if err != nil {
		return 0, nil, err
	}
	t := a.arena.TableAt(phys)
	*t = paging.Table{}
	return phys, t, nil
}

func (a *tableAllocator) FreeTable(phys uint64) {
	a.frames.Release(phys, paging.PageSize)
}

func (a *tableAllocator) TableAt(phys uint64) *paging.Table {
	return a.arena.TableAt(phys)
}

// NewMemoryManager builds the bounds table, seeds the frame and
// kernel-address pools, creates the address space, maps the kernel image
// and installs the root on the local core.
func NewMemoryManager(cfg Config) (*MemoryManager, error) {
	if cfg.Arena == nil {
		return nil, fmt.Errorf("MemoryManager: config needs a physical memory arena")
	}
	if cfg.TLB == nil {
		return nil, fmt.Errorf("MemoryManager: config needs a TLB control seam")
	}
	if !paging.PageAligned(cfg.KernelWindowBase) || !paging.PageAligned(cfg.KernelWindowLimit) ||
		cfg.KernelWindowBase >= cfg.KernelWindowLimit || cfg.KernelWindowBase < paging.KernelSpaceStart {
		return nil, fmt.Errorf("MemoryManager: invalid kernel window [0x%x, 0x%x)", cfg.KernelWindowBase, cfg.KernelWindowLimit)
	}

	bounds := buildRAMBounds(cfg.BootMap)
	if len(bounds) == 0 {
		return nil, fmt.Errorf("MemoryManager: boot map holds no usable RAM")
	}
	arenaEnd := cfg.Arena.Base() + cfg.Arena.Size()
	for _, b := range bounds {
		if b.Base < cfg.Arena.Base() || b.Limit > arenaEnd {
			return nil, fmt.Errorf("MemoryManager: RAM bound [0x%x, 0x%x) outside arena [0x%x, 0x%x)",
				b.Base, b.Limit, cfg.Arena.Base(), arenaEnd)
		}
	}

	frames := NewRegionList("frames")
	for _, b := range bounds {
		frames.Release(b.Base, b.Size())
	}
	for _, r := range cfg.BootMap {
		if r.Kind != RangeReserved || r.Size == 0 {
			continue
		}
		end := r.Base + r.Size
		if end < r.Base {
			return nil, fmt.Errorf("MemoryManager: reserved range [0x%x, +0x%x) overflows", r.Base, r.Size)
		}
		// Reserved ranges round outward so partially covered frames never
		// enter the pool.
		frames.Remove(paging.AlignDown(r.Base), paging.AlignUp(end)-paging.AlignDown(r.Base))
	}
	for _, k := range cfg.KernelImage {
		if k.Size == 0 {
			continue
		}
		end := k.Phys + k.Size
		if end < k.Phys {
			return nil, fmt.Errorf("MemoryManager: kernel region [0x%x, +0x%x) overflows", k.Phys, k.Size)
		}
		frames.Remove(paging.AlignDown(k.Phys), paging.AlignUp(end)-paging.AlignDown(k.Phys))
	}

	kernelVA := NewRegionList("kernel-va")
	kernelVA.Release(cfg.KernelWindowBase, cfg.KernelWindowLimit-cfg.KernelWindowBase)
	kernelVA.Remove(paging.RecursiveWindowBase, paging.RecursiveWindowLimit-paging.RecursiveWindowBase)
	for _, k := range cfg.KernelImage {
		if k.Size == 0 {
			continue
		}
		kernelVA.Remove(paging.AlignDown(k.Virt), paging.AlignUp(k.Virt+k.Size)-paging.AlignDown(k.Virt))
	}

	m := &MemoryManager{
		Debug:    cfg.Debug,
		frames:   frames,
		kernelVA: kernelVA,
		class:    newMemoryClassifier(bounds),
		arena:    cfg.Arena,
		tlb:      cfg.TLB,
		reporter: cfg.Reporter,
	}

	space, err := paging.NewAddressSpace(&tableAllocator{frames: frames, arena: cfg.Arena}, cfg.TLB)
	if err != nil {
		return nil, fmt.Errorf("MemoryManager: creating address space: %w", err)
	}
	m.space = space

	for _, k := range cfg.KernelImage {
		if k.Size == 0 {
			continue
		}
		pages := (paging.AlignUp(k.Virt+k.Size) - paging.AlignDown(k.Virt)) / paging.PageSize
		if err := space.Map(paging.AlignDown(k.Virt), paging.AlignDown(k.Phys), pages, k.Flags|paging.MapGlobal); err != nil {
			return nil, fmt.Errorf("MemoryManager: mapping kernel region at 0x%x: %w", k.Virt, err)
		}
	}

	m.tlb.InstallRoot(space.Root())

	if cfg.Dispatcher != nil {
		if err := cfg.Dispatcher.RegisterHandler(cores.PageFaultVector, func(frame cores.TrapFrame) {
			m.HandleFault(frame)
		}); err != nil {
			return nil, fmt.Errorf("MemoryManager: registering page-fault handler: %w", err)
		}
	}

	if m.Debug {
		log.Printf("MemoryManager: initialized. Free frames: 0x%x bytes, kernel window [0x%x, 0x%x), root table 0x%x\n",
			frames.TotalBytes(), cfg.KernelWindowBase, cfg.KernelWindowLimit, space.Root())
	}
	return m, nil
}

// Root returns the frame address of the active top-level table.
func (m *MemoryManager) Root() uint64 { return m.space.Root() }

// Stats returns a point-in-time accounting snapshot.
func (m *MemoryManager) Stats() Stats {
	m.pagingMu.Lock()
	tables := m.space.LiveTables()
	m.pagingMu.Unlock()
	return Stats{
		FreeFrameBytes:    m.frames.TotalBytes(),
		FreeKernelVABytes: m.kernelVA.TotalBytes(),
		LiveTables:        tables,
	}
}

// Classify reports whether [phys, phys+size) is device memory, RAM, or a
// mix, against the immutable bounds table.
func (m *MemoryManager) Classify(phys, size uint64) (isHardware, isMemory bool) {
	return m.class.Classify(phys, size)
}

// RAMBounds returns a snapshot of the RAM bounds table built from the boot
// map.
func (m *MemoryManager) RAMBounds() []Bound {
	return m.class.Bounds()
}

// Map installs translations for [virt, virt+size) -> [phys, phys+size) in
// the kernel half. The physical range must be uniformly RAM or uniformly
// device memory, with the MapHardware flag matching; every target page must
// be unmapped.
func (m *MemoryManager) Map(virt, phys, size uint64, flags paging.MapFlags) error {
	if err := m.checkKernelRange("map", virt, size); err != nil {
		return err
	}
	if !paging.PageAligned(virt) || !paging.PageAligned(phys) || !paging.PageAligned(size) {
		return fmt.Errorf("%w: map of [0x%x, +0x%x) from 0x%x not page-aligned", ErrIncorrectValue, virt, size, phys)
	}
	if err := m.authorize(phys, size, flags); err != nil {
		return err
	}

	m.pagingMu.Lock()
	defer m.pagingMu.Unlock()
	return wrapWalkError(m.space.Map(virt, phys, size/paging.PageSize, flags))
}

// Unmap removes the translations for [virt, virt+size), which must be fully
// mapped and inside the kernel half.
func (m *MemoryManager) Unmap(virt, size uint64) error {
	if err := m.checkKernelRange("unmap", virt, size); err != nil {
		return err
	}
	if !paging.PageAligned(virt) || !paging.PageAligned(size) {
		return fmt.Errorf("%w: unmap of [0x%x, +0x%x) not page-aligned", ErrIncorrectValue, virt, size)
	}

	m.pagingMu.Lock()
	defer m.pagingMu.Unlock()
	return wrapWalkError(m.space.Unmap(virt, size/paging.PageSize))
}

// IsMapped reports whether every page of [virt, virt+size) is mapped.
func (m *MemoryManager) IsMapped(virt, size uint64) bool {
	if size == 0 || !paging.PageAligned(virt) || !paging.PageAligned(size) {
		return false
	}
	m.pagingMu.Lock()
	defer m.pagingMu.Unlock()
	return m.space.IsMapped(virt, size/paging.PageSize)
}

// PhysicalAddress resolves a kernel virtual address to its physical address
// (offset preserved) and the decoded mapping flags.
func (m *MemoryManager) PhysicalAddress(virt uint64) (uint64, paging.MapFlags, error) {
	m.pagingMu.Lock()
	defer m.pagingMu.Unlock()
	phys, flags, err := m.space.Translate(virt)
	if err != nil {
		return 0, 0, wrapWalkError(err)
	}
	return phys, flags, nil
}

// MapPhysical reserves a kernel virtual range for [phys, phys+size), maps
// it with the given flags and returns the chosen virtual address. The
// reservation is returned to the pool if the mapping fails.
func (m *MemoryManager) MapPhysical(phys, size uint64, flags paging.MapFlags) (uint64, error) {
	if size == 0 || !paging.PageAligned(size) {
		return 0, fmt.Errorf("%w: mapPhysical size 0x%x not page-aligned", ErrIncorrectValue, size)
	}
	virt, err := m.kernelVA.Acquire(size)
	if err != nil {
		return 0, err
	}
	if err := m.Map(virt, phys, size, flags); err != nil {
		m.kernelVA.Release(virt, size)
		return 0, err
	}
	if m.Debug {
		log.Printf("MemoryManager: mapped phys [0x%x, +0x%x) at 0x%x (flags 0x%x)\n", phys, size, virt, flags)
	}
	return virt, nil
}

// UnmapPhysical releases a range obtained from MapPhysical: it unmaps the
// translations and returns the virtual range to the pool.
func (m *MemoryManager) UnmapPhysical(virt, size uint64) error {
	if err := m.Unmap(virt, size); err != nil {
		return err
	}
	m.kernelVA.Release(virt, size)
	return nil
}

// MapKernelStack builds a kernel stack of at least size bytes: pageCount+1
// virtual pages with the lowest left unmapped as a guard and every other
// page backed by its own frame, writable, supervisor-only, non-executable.
// Returns the stack end, one past the highest mapped byte, since stacks
// grow downward. Nothing stays allocated on failure.
func (m *MemoryManager) MapKernelStack(size uint64) (uint64, error) {
	pages, err := pageCount(size)
	if err != nil {
		return 0, err
	}
	span := (pages + 1) * paging.PageSize
	base, err := m.kernelVA.Acquire(span)
	if err != nil {
		return 0, err
	}

	m.pagingMu.Lock()
	mapErr := m.mapBackedRange(base+paging.PageSize, pages, paging.MapReadWrite)
	m.pagingMu.Unlock()
	if mapErr != nil {
		m.kernelVA.Release(base, span)
		return 0, mapErr
	}
	if m.Debug {
		log.Printf("MemoryManager: kernel stack of %d pages at [0x%x, 0x%x), guard at 0x%x\n",
			pages, base+paging.PageSize, base+span, base)
	}
	return base + span, nil
}

// UnmapKernelStack tears down a stack built by MapKernelStack, given the
// same size and the stack end it returned: backing frames are released, the
// translations cleared and the whole span, guard included, returned to the
// pool.
func (m *MemoryManager) UnmapKernelStack(stackEnd, size uint64) error {
	pages, err := pageCount(size)
	if err != nil {
		return err
	}
	span := (pages + 1) * paging.PageSize
	if !paging.PageAligned(stackEnd) || stackEnd < paging.KernelSpaceStart+span {
		return fmt.Errorf("%w: stack end 0x%x does not fit a %d-page stack", ErrOutOfBounds, stackEnd, pages)
	}
	base := stackEnd - span

	m.pagingMu.Lock()
	relErr := m.releaseBackedRange(base+paging.PageSize, pages)
	m.pagingMu.Unlock()
	if relErr != nil {
		return relErr
	}
	m.kernelVA.Release(base, span)
	return nil
}

// Allocate hands out at least size bytes of anonymous kernel memory:
// a fresh virtual range backed page-by-page with individually allocated
// frames, writable, supervisor-only, non-executable.
func (m *MemoryManager) Allocate(size uint64) (uint64, error) {
	pages, err := pageCount(size)
	if err != nil {
		return 0, err
	}
	span := pages * paging.PageSize
	virt, err := m.kernelVA.Acquire(span)
	if err != nil {
		return 0, err
	}

	m.pagingMu.Lock()
	mapErr := m.mapBackedRange(virt, pages, paging.MapReadWrite)
	m.pagingMu.Unlock()
	if mapErr != nil {
		m.kernelVA.Release(virt, span)
		return 0, mapErr
	}
	return virt, nil
}

// Free releases memory obtained from Allocate: frames, translations and
// virtual range.
func (m *MemoryManager) Free(virt, size uint64) error {
	pages, err := pageCount(size)
	if err != nil {
		return err
	}
	if err := m.checkKernelRange("free", virt, pages*paging.PageSize); err != nil {
		return err
	}

	m.pagingMu.Lock()
	relErr := m.releaseBackedRange(virt, pages)
	m.pagingMu.Unlock()
	if relErr != nil {
		return relErr
	}
	m.kernelVA.Release(virt, pages*paging.PageSize)
	return nil
}

// AllocFrames hands out count contiguous physical frames.
func (m *MemoryManager) AllocFrames(count int) (uint64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("%w: frame count %d", ErrIncorrectValue, count)
	}
	return m.frames.Acquire(uint64(count) * paging.PageSize)
}

// ReleaseFrames returns count contiguous frames starting at phys to the
// pool.
func (m *MemoryManager) ReleaseFrames(phys uint64, count int) error {
	if count <= 0 || !paging.PageAligned(phys) {
		return fmt.Errorf("%w: release of %d frames at 0x%x", ErrIncorrectValue, count, phys)
	}
	m.frames.Release(phys, uint64(count)*paging.PageSize)
	return nil
}

// mapBackedRange maps pages pages starting at virt, each backed by its own
// freshly allocated frame. On failure every established page is torn down
// and its frame returned. Called with the paging lock held.
func (m *MemoryManager) mapBackedRange(virt uint64, pages uint64, flags paging.MapFlags) error {
	for i := uint64(0); i < pages; i++ {
		va := virt + i*paging.PageSize
		frame, err := m.frames.Acquire(paging.PageSize)
		if err == nil {
			err = wrapWalkError(m.space.Map(va, frame, 1, flags))
			if err != nil {
				m.frames.Release(frame, paging.PageSize)
			}
		}
		if err != nil {
			if i > 0 {
				if relErr := m.releaseBackedRange(virt, i); relErr != nil {
					panic(fmt.Sprintf("mem_engine: rollback of [0x%x, +%d pages) failed: %v", virt, i, relErr))
				}
			}
			return err
		}
	}
	return nil
}

// releaseBackedRange returns the backing frame of every page in the range
// and clears the translations. Called with the paging lock held; the range
// must be fully mapped.
func (m *MemoryManager) releaseBackedRange(virt uint64, pages uint64) error {
	if !m.space.IsMapped(virt, pages) {
		return fmt.Errorf("%w: range [0x%x, +%d pages) is not fully mapped", ErrIncorrectValue, virt, pages)
	}
	for i := uint64(0); i < pages; i++ {
		va := virt + i*paging.PageSize
		phys, _, err := m.space.Translate(va)
		if err != nil {
			return wrapWalkError(err)
		}
		m.frames.Release(phys, paging.PageSize)
	}
	return wrapWalkError(m.space.Unmap(virt, pages))
}

// authorize applies the classifier gate: the physical range must be
// uniformly RAM or uniformly device memory, and the MapHardware flag must
// match which one it is.
func (m *MemoryManager) authorize(phys, size uint64, flags paging.MapFlags) error {
	isHardware, isMemory := m.class.Classify(phys, size)
	switch {
	case isHardware && isMemory:
		return fmt.Errorf("%w: range [0x%x, +0x%x) mixes RAM and device memory", ErrUnauthorizedAction, phys, size)
	case isHardware && flags&paging.MapHardware == 0:
		return fmt.Errorf("%w: device range [0x%x, +0x%x) mapped without the hardware flag", ErrUnauthorizedAction, phys, size)
	case isMemory && flags&paging.MapHardware != 0:
		return fmt.Errorf("%w: RAM range [0x%x, +0x%x) mapped with the hardware flag", ErrUnauthorizedAction, phys, size)
	}
	return nil
}

// checkKernelRange bounds an operation to the kernel half of the address
// space.
func (m *MemoryManager) checkKernelRange(op string, virt, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: %s of empty range at 0x%x", ErrIncorrectValue, op, virt)
	}
	end := virt + size
	if virt < paging.KernelSpaceStart || end < virt {
		return fmt.Errorf("%w: %s of [0x%x, +0x%x) outside the kernel window", ErrOutOfBounds, op, virt, size)
	}
	return nil
}

// pageCount rounds an allocation size up to whole pages.
func pageCount(size uint64) (uint64, error) {
	if size == 0 || size > ^uint64(0)-paging.PageSize+1 {
		return 0, fmt.Errorf("%w: allocation size 0x%x", ErrIncorrectValue, size)
	}
	return (size + paging.PageSize - 1) / paging.PageSize, nil
}

// wrapWalkError folds the walker's mechanical errors into the kernel-facing
// taxonomy. Allocator failures already carry it and pass through.
func wrapWalkError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, paging.ErrAlreadyMapped):
		return fmt.Errorf("%w: %v", ErrMappingExists, err)
	case errors.Is(err, paging.ErrMisaligned),
		errors.Is(err, paging.ErrNonCanonical),
		errors.Is(err, paging.ErrEmptyRange),
		errors.Is(err, paging.ErrReservedRange),
		errors.Is(err, paging.ErrNotMapped):
		return fmt.Errorf("%w: %v", ErrIncorrectValue, err)
	default:
		return err
	}
}

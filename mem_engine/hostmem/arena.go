// Package hostmem backs the physical-frame arena with anonymous memory
// mapped from the host.
package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/v-kernel/mem_engine/paging"
)

// Arena is a paging.Memory whose storage comes from an anonymous host
// mapping. Mappings are host-page-aligned, so in-place table views are
// always correctly aligned.
type Arena struct {
	base uint64
	buf  []byte
}

// NewArena maps size bytes of anonymous host memory to back the physical
// range [base, base+size). Both must be page-aligned and size non-zero.
func NewArena(base, size uint64) (*Arena, error) {
	if size == 0 || !paging.PageAligned(base) || !paging.PageAligned(size) {
		return nil, fmt.Errorf("hostmem: arena range [0x%x, 0x%x) is not page-aligned", base, base+size)
	}
	if base+size < base {
		return nil, fmt.Errorf("hostmem: arena range [0x%x, +0x%x) overflows", base, size)
	}
	if hostPage := unix.Getpagesize(); hostPage <= 0 || paging.PageSize%uint64(hostPage) != 0 {
		return nil, fmt.Errorf("hostmem: host page size %d does not divide the frame size", hostPage)
	}
	if size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("hostmem: arena size 0x%x exceeds the host address space", size)
	}

	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("hostmem: failed to mmap 0x%x bytes: %v", size, err)
	}
	return &Arena{base: base, buf: buf}, nil
}

// Base returns the first physical address the arena backs.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena length in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.buf)) }

// TableAt views the frame at phys as a page table.
func (a *Arena) TableAt(phys uint64) *paging.Table {
	if !paging.PageAligned(phys) || phys < a.base || phys-a.base >= a.Size() {
		panic(fmt.Sprintf("hostmem: table frame 0x%x outside arena [0x%x, 0x%x)", phys, a.base, a.base+a.Size()))
	}
	return (*paging.Table)(unsafe.Pointer(&a.buf[phys-a.base]))
}

// Bytes views length bytes starting at phys.
func (a *Arena) Bytes(phys, length uint64) []byte {
	if phys < a.base || length > a.Size() || phys-a.base > a.Size()-length {
		panic(fmt.Sprintf("hostmem: byte range [0x%x, 0x%x) outside arena", phys, phys+length))
	}
	off := phys - a.base
	return a.buf[off : off+length : off+length]
}

// Close releases the host mapping. Safe to call more than once; the arena
// must not be used afterwards.
func (a *Arena) Close() error {
	if a.buf == nil {
		return nil
	}
	buf := a.buf
	a.buf = nil
	return unix.Munmap(buf)
}

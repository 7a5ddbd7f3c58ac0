package cores

import (
	"sync"
	"time"
)

// TrapFrame is the hardware-shaped record a core hands to a trap handler:
// the faulting address, the raw error code pushed with the trap, the
// instruction pointer of the interrupted context, and the servicing core.
type TrapFrame struct {
	FaultAddress       uint64
	ErrorCode          uint64
	InstructionPointer uint64
	Core               int
}

// Core models one processor as the memory engine sees it: a translation
// cache (the TLB) filled by walks and dropped by invalidations, and a
// mailbox of pending interprocessor requests. Requests posted by other
// cores sit in the mailbox until this core services it, which is exactly
// the relaxed window the coherence layer documents.
type Core struct {
	id int

	mu      sync.Mutex
	root    uint64
	tlb     map[uint64]uint64
	pending []uint64
}

func newCore(id int) *Core {
	return &Core{id: id, tlb: make(map[uint64]uint64)}
}

// ID returns the core number.
func (c *Core) ID() int { return c.id }

// Fill caches a translation for the page containing virt, as a hardware
// walk would after resolving it. The entry value is an opaque snapshot of
// the leaf entry.
func (c *Core) Fill(virt, entry uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlb[pageOf(virt)] = entry
}

// Lookup returns the cached translation for the page containing virt. A
// miss returns false; this model never fills on miss.
func (c *Core) Lookup(virt uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tlb[pageOf(virt)]
	return e, ok
}

// InvalidatePage synchronously drops the cached translation for the page
// containing virt. This is the invalidate-one-entry primitive of the local
// core.
func (c *Core) InvalidatePage(virt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tlb, pageOf(virt))
}

// InstallRoot makes the table hierarchy rooted at root the active one and
// flushes the whole translation cache, the way a root-register write does.
func (c *Core) InstallRoot(root uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.root = root
	c.tlb = make(map[uint64]uint64)
}

// ActiveRoot returns the frame address of the installed hierarchy root.
func (c *Core) ActiveRoot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// PostInvalidate queues an invalidate request from another core. It returns
// immediately; the request takes effect when this core services its
// mailbox.
func (c *Core) PostInvalidate(virt uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, virt)
}

// PendingIPIs returns the number of unserviced mailbox requests.
func (c *Core) PendingIPIs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ServiceIPIs drains the mailbox, applying every queued invalidation, and
// returns how many requests it serviced. This models the core taking the
// interprocessor interrupt.
func (c *Core) ServiceIPIs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	for _, virt := range c.pending {
		delete(c.tlb, pageOf(virt))
	}
	c.pending = c.pending[:0]
	return n
}

// Run services the mailbox on a fixed interval until stop closes. Wiring
// layers that want cores to behave like independent processors run one
// goroutine per core; tests that need a deterministic window call
// ServiceIPIs directly instead.
func (c *Core) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			c.ServiceIPIs()
			return
		case <-ticker.C:
			c.ServiceIPIs()
		}
	}
}

// CachedPages returns how many translations the cache currently holds.
func (c *Core) CachedPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tlb)
}

func pageOf(virt uint64) uint64 { return virt &^ 0xFFF }

package cores

import "fmt"

// CoreSet owns the cores of the machine and delivers interprocessor
// requests between them. Delivery is fire-and-forget: a broadcast posts to
// every other core's mailbox and returns without waiting for any core to
// service it.
type CoreSet struct {
	cores []*Core
}

// NewCoreSet creates count cores numbered from zero.
func NewCoreSet(count int) (*CoreSet, error) {
	if count < 1 {
		return nil, fmt.Errorf("cores: need at least one core, got %d", count)
	}
	cs := &CoreSet{cores: make([]*Core, count)}
	for i := range cs.cores {
		cs.cores[i] = newCore(i)
	}
	return cs, nil
}

// Count returns the number of cores in the set.
func (cs *CoreSet) Count() int { return len(cs.cores) }

// Core returns the core with the given id.
func (cs *CoreSet) Core(id int) *Core {
	if id < 0 || id >= len(cs.cores) {
		panic(fmt.Sprintf("cores: no core %d in a set of %d", id, len(cs.cores)))
	}
	return cs.cores[id]
}

// Broadcast posts an invalidate request to every core except from, then
// returns. Nothing waits for the mailboxes to drain.
func (cs *CoreSet) Broadcast(from int, virt uint64) {
	for _, c := range cs.cores {
		if c.id == from {
			continue
		}
		c.PostInvalidate(virt)
	}
}

// ServiceAll drains every mailbox in the set and returns the number of
// requests serviced. Wiring/test helper.
func (cs *CoreSet) ServiceAll() int {
	var n int
	for _, c := range cs.cores {
		n += c.ServiceIPIs()
	}
	return n
}

// BoundCore is the set as seen from one core: synchronous local TLB
// primitives plus broadcast to all the others. It is what the memory
// manager consumes as its invalidator and broadcaster seams.
type BoundCore struct {
	local *Core
	set   *CoreSet
}

// Bind returns the view of the set from core id.
func (cs *CoreSet) Bind(id int) *BoundCore {
	return &BoundCore{local: cs.Core(id), set: cs}
}

// ID returns the bound core's number.
func (b *BoundCore) ID() int { return b.local.id }

// InvalidatePage drops one translation on the bound core, synchronously.
func (b *BoundCore) InvalidatePage(virt uint64) {
	b.local.InvalidatePage(virt)
}

// InvalidateOn drops one translation on the named core, synchronously. The
// fault path uses it to run the repair on the core that took the fault.
func (b *BoundCore) InvalidateOn(core int, virt uint64) {
	b.set.Core(core).InvalidatePage(virt)
}

// BroadcastInvalidate posts the invalidation to every other core,
// fire-and-forget.
func (b *BoundCore) BroadcastInvalidate(virt uint64) {
	b.set.Broadcast(b.local.id, virt)
}

// InstallRoot installs the active hierarchy root on the bound core.
func (b *BoundCore) InstallRoot(root uint64) {
	b.local.InstallRoot(root)
}

// Fill caches a translation on the bound core.
func (b *BoundCore) Fill(virt, entry uint64) {
	b.local.Fill(virt, entry)
}

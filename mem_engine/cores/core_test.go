package cores_test

import (
	"testing"
	"time"

	"example.com/v-kernel/mem_engine/cores"
)

const (
	testPage  = uint64(0xFFFF_8000_0004_2000)
	testEntry = uint64(0x0000_0000_0020_3001)
)

func createTestSet(t *testing.T, count int) *cores.CoreSet {
	t.Helper()
	set, err := cores.NewCoreSet(count)
	if err != nil {
		t.Fatalf("Failed to create core set of %d: %v", count, err)
	}
	return set
}

func TestCore_FillLookupInvalidate(t *testing.T) {
	set := createTestSet(t, 1)
	core := set.Core(0)

	core.Fill(testPage+0x123, testEntry)

	got, ok := core.Lookup(testPage + 0xFFF)
	if !ok {
		t.Fatal("Lookup missed a translation cached for the same page")
	}
	if got != testEntry {
		t.Errorf("Cached entry mismatch: expected 0x%x, got 0x%x", testEntry, got)
	}
	if _, ok := core.Lookup(testPage + 0x1000); ok {
		t.Error("Lookup hit for a neighboring page that was never filled")
	}

	core.InvalidatePage(testPage + 0x456)
	if _, ok := core.Lookup(testPage); ok {
		t.Error("Translation survived InvalidatePage")
	}
	if core.CachedPages() != 0 {
		t.Errorf("Expected empty cache, got %d entries", core.CachedPages())
	}
}

func TestCore_InstallRoot_FlushesCache(t *testing.T) {
	set := createTestSet(t, 1)
	core := set.Core(0)

	core.Fill(testPage, testEntry)
	core.Fill(testPage+0x1000, testEntry+0x1000)
	core.Fill(testPage+0x2000, testEntry+0x2000)
	if core.CachedPages() != 3 {
		t.Fatalf("Expected 3 cached pages, got %d", core.CachedPages())
	}

	core.InstallRoot(0x5000)

	if core.ActiveRoot() != 0x5000 {
		t.Errorf("Expected active root 0x5000, got 0x%x", core.ActiveRoot())
	}
	if core.CachedPages() != 0 {
		t.Errorf("Expected root install to flush the cache, %d entries remain", core.CachedPages())
	}
}

func TestNewCoreSet_Validation(t *testing.T) {
	if _, err := cores.NewCoreSet(0); err == nil {
		t.Error("Expected error for an empty core set, got nil")
	}
	set := createTestSet(t, 4)
	if set.Count() != 4 {
		t.Errorf("Expected 4 cores, got %d", set.Count())
	}
	for i := 0; i < 4; i++ {
		if set.Core(i).ID() != i {
			t.Errorf("Core %d reports id %d", i, set.Core(i).ID())
		}
	}
}

func TestCoreSet_Core_OutOfRangePanics(t *testing.T) {
	set := createTestSet(t, 2)
	for _, id := range []int{-1, 2, 100} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Expected panic for core id %d, got none", id)
				}
			}()
			set.Core(id)
		}()
	}
}

// TestCoreSet_Broadcast_FireAndForgetWindow pins down the relaxed delivery
// contract: between a broadcast and the remote core servicing its mailbox,
// the remote core still serves the stale translation.
func TestCoreSet_Broadcast_FireAndForgetWindow(t *testing.T) {
	set := createTestSet(t, 3)
	set.Core(1).Fill(testPage, testEntry)
	set.Core(2).Fill(testPage, testEntry)

	set.Broadcast(0, testPage)

	for _, id := range []int{1, 2} {
		if _, ok := set.Core(id).Lookup(testPage); !ok {
			t.Errorf("Core %d lost the translation before servicing its mailbox", id)
		}
		if n := set.Core(id).PendingIPIs(); n != 1 {
			t.Errorf("Core %d: expected 1 pending request, got %d", id, n)
		}
	}
	if n := set.Core(0).PendingIPIs(); n != 0 {
		t.Errorf("Broadcast was posted back to the sender: %d pending", n)
	}

	if n := set.Core(1).ServiceIPIs(); n != 1 {
		t.Errorf("Core 1 serviced %d requests, expected 1", n)
	}
	if _, ok := set.Core(1).Lookup(testPage); ok {
		t.Error("Core 1 still serves the translation after servicing the invalidate")
	}
	if _, ok := set.Core(2).Lookup(testPage); !ok {
		t.Error("Core 2 lost the translation without servicing its mailbox")
	}
}

func TestCoreSet_ServiceAll(t *testing.T) {
	set := createTestSet(t, 3)
	set.Broadcast(0, testPage)
	set.Broadcast(1, testPage+0x1000)

	if n := set.ServiceAll(); n != 4 {
		t.Errorf("Expected 4 serviced requests (2 broadcasts x 2 peers), got %d", n)
	}
	for i := 0; i < 3; i++ {
		if n := set.Core(i).PendingIPIs(); n != 0 {
			t.Errorf("Core %d still has %d pending requests after ServiceAll", i, n)
		}
	}
}

func TestBoundCore_LocalAndBroadcastSeams(t *testing.T) {
	set := createTestSet(t, 3)
	bound := set.Bind(1)
	if bound.ID() != 1 {
		t.Fatalf("Bound view reports core %d, expected 1", bound.ID())
	}

	for i := 0; i < 3; i++ {
		set.Core(i).Fill(testPage, testEntry)
	}

	bound.InvalidatePage(testPage)
	if _, ok := set.Core(1).Lookup(testPage); ok {
		t.Error("Local invalidate did not drop the bound core's translation")
	}
	for _, id := range []int{0, 2} {
		if _, ok := set.Core(id).Lookup(testPage); !ok {
			t.Errorf("Local invalidate on core 1 touched core %d", id)
		}
	}

	bound.BroadcastInvalidate(testPage)
	if n := set.Core(1).PendingIPIs(); n != 0 {
		t.Errorf("Broadcast posted to the sending core: %d pending", n)
	}
	for _, id := range []int{0, 2} {
		if n := set.Core(id).PendingIPIs(); n != 1 {
			t.Errorf("Core %d: expected 1 pending after broadcast, got %d", id, n)
		}
	}

	bound.InvalidateOn(2, testPage)
	if _, ok := set.Core(2).Lookup(testPage); ok {
		t.Error("InvalidateOn(2) left core 2's translation cached")
	}
	if _, ok := set.Core(0).Lookup(testPage); !ok {
		t.Error("InvalidateOn(2) touched core 0")
	}

	bound.InstallRoot(0x7000)
	if got := set.Core(1).ActiveRoot(); got != 0x7000 {
		t.Errorf("InstallRoot through the bound view: expected 0x7000, got 0x%x", got)
	}
	if got := set.Core(0).ActiveRoot(); got != 0 {
		t.Errorf("InstallRoot leaked to core 0: root 0x%x", got)
	}

	bound.Fill(testPage+0x3000, testEntry)
	if _, ok := set.Core(1).Lookup(testPage + 0x3000); !ok {
		t.Error("Fill through the bound view did not reach the local core")
	}
}

func TestCore_Run_ServicesMailbox(t *testing.T) {
	set := createTestSet(t, 2)
	remote := set.Core(1)
	remote.Fill(testPage, testEntry)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		remote.Run(stop, time.Millisecond)
		close(done)
	}()

	set.Broadcast(0, testPage)

	dropped := false
	for i := 0; i < 200; i++ {
		if _, ok := remote.Lookup(testPage); !ok {
			dropped = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	<-done

	if !dropped {
		t.Fatalf("Translation still cached after 200ms of mailbox service; %d pending", remote.PendingIPIs())
	}
	if n := remote.PendingIPIs(); n != 0 {
		t.Errorf("Expected an empty mailbox after Run exits, got %d pending", n)
	}
}

package hostmem_test

import (
	"bytes"
	"testing"

	"example.com/v-kernel/mem_engine/hostmem"
	"example.com/v-kernel/mem_engine/paging"
)

func TestNewArena_Validation(t *testing.T) {
	if _, err := hostmem.NewArena(0x100000, 0); err == nil {
		t.Error("Expected error for zero-size arena, got nil")
	}
	if _, err := hostmem.NewArena(0x100010, 0x10000); err == nil {
		t.Error("Expected error for unaligned base, got nil")
	}
	if _, err := hostmem.NewArena(0x100000, 0x10800); err == nil {
		t.Error("Expected error for unaligned size, got nil")
	}
	if _, err := hostmem.NewArena(0xFFFF_FFFF_FFFF_F000, 0x2000); err == nil {
		t.Error("Expected error for overflowing range, got nil")
	}
}

func TestArena_TableViews(t *testing.T) {
	arena, err := hostmem.NewArena(0x200000, 0x100000)
	if err != nil {
		t.Fatalf("Failed to map host memory: %v", err)
	}
	defer arena.Close()

	if arena.Base() != 0x200000 || arena.Size() != 0x100000 {
		t.Fatalf("Arena reports [0x%x, +0x%x), expected [0x200000, +0x100000)", arena.Base(), arena.Size())
	}

	frame := uint64(0x240000)
	tab := arena.TableAt(frame)
	if !tab.Empty() {
		t.Fatal("Fresh host memory is not zeroed")
	}

	tab[42] = paging.NewTableEntry(0x250000)
	again := arena.TableAt(frame)
	if again[42] != tab[42] {
		t.Errorf("Second view of frame 0x%x diverges: 0x%x vs 0x%x", frame, uint64(again[42]), uint64(tab[42]))
	}

	// A different frame is different storage.
	other := arena.TableAt(frame + paging.PageSize)
	if !other.Empty() {
		t.Error("Neighboring frame shares storage with the written one")
	}
}

func TestArena_Bytes(t *testing.T) {
	arena, err := hostmem.NewArena(0x200000, 0x100000)
	if err != nil {
		t.Fatalf("Failed to map host memory: %v", err)
	}
	defer arena.Close()

	pattern := []byte{0xFE, 0xED, 0xFA, 0xCE, 0x10, 0x20, 0x30, 0x40}
	copy(arena.Bytes(0x212340, uint64(len(pattern))), pattern)

	readBack := arena.Bytes(0x212340, uint64(len(pattern)))
	if !bytes.Equal(readBack, pattern) {
		t.Errorf("Byte view round trip failed: wrote %x, read %x", pattern, readBack)
	}

	// The view is capped, so growing it can never bleed into the next
	// frame of the backing store.
	if view := arena.Bytes(0x213000, 8); cap(view) != len(view) {
		t.Errorf("Byte view capacity %d exceeds its length %d", cap(view), len(view))
	}
}

func TestArena_OutOfRangePanics(t *testing.T) {
	arena, err := hostmem.NewArena(0x200000, 0x100000)
	if err != nil {
		t.Fatalf("Failed to map host memory: %v", err)
	}
	defer arena.Close()

	frames := []uint64{0x0, 0x1FF000, 0x300000, 0x212345}
	for _, frame := range frames {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Expected panic for table frame 0x%x, got none", frame)
				}
			}()
			arena.TableAt(frame)
		}()
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected panic for a byte range past the arena end, got none")
			}
		}()
		arena.Bytes(0x2FF000, 0x2000)
	}()
}

func TestArena_CloseIdempotent(t *testing.T) {
	arena, err := hostmem.NewArena(0x200000, 0x10000)
	if err != nil {
		t.Fatalf("Failed to map host memory: %v", err)
	}
	if err := arena.Close(); err != nil {
		t.Fatalf("Failed to close the arena: %v", err)
	}
	if err := arena.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}

package mem_engine

import "errors"

// Kernel-facing error taxonomy. Callers test with errors.Is; the concrete
// cause (misalignment, non-canonical address, exhausted pool) travels in the
// wrapped message. Internal invariant violations do not surface here: they
// panic, because they indicate a kernel bug rather than a caller mistake.
var (
	// ErrIncorrectValue covers caller mistakes the caller can repair:
	// misaligned or non-canonical addresses, empty or unmapped ranges.
	ErrIncorrectValue = errors.New("incorrect value")
	// ErrUnauthorizedAction covers RAM/device flag mismatches: device memory
	// mapped without the hardware flag, RAM mapped with it, or a range that
	// is partly RAM and partly device memory.
	ErrUnauthorizedAction = errors.New("unauthorized action")
	// ErrMappingExists is the idempotency guard: some page of the target
	// virtual range is already mapped.
	ErrMappingExists = errors.New("mapping already exists")
	// ErrNoMoreMemory is frame-pool or address-space exhaustion.
	ErrNoMoreMemory = errors.New("no more memory")
	// ErrOutOfBounds marks an operation outside the kernel virtual window.
	ErrOutOfBounds = errors.New("address out of bounds")
)

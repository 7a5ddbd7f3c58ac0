package cores

// Trap vectors this model dispatches on.
const (
	// PageFaultVector is the exception line the memory manager registers
	// its handler on. Fixed hardware ABI.
	PageFaultVector uint8 = 14
)

// Page-fault error-code bits, as pushed by the MMU with the trap.
const (
	// FaultPresent set means a protection violation on a present
	// translation; clear means the translation was not present.
	FaultPresent uint64 = 1 << 0
	// FaultWrite set means the faulting access was a write.
	FaultWrite uint64 = 1 << 1
	// FaultUser set means the access came from user mode.
	FaultUser uint64 = 1 << 2
	// FaultReservedBit set means a reserved entry bit was set.
	FaultReservedBit uint64 = 1 << 3
	// FaultInstructionFetch set means the access was an instruction fetch.
	FaultInstructionFetch uint64 = 1 << 4
)

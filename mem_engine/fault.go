package mem_engine

import (
	"fmt"
	"log"

	"example.com/v-kernel/mem_engine/cores"
	"example.com/v-kernel/mem_engine/paging"
)

// FaultOutcome is the terminal state of one page-fault resolution: the
// faulting context either retries its instruction or is torn down.
type FaultOutcome int

const (
	// FaultRepaired means the fault came from a stale cached translation;
	// the entry was invalidated locally and the hardware retries.
	FaultRepaired FaultOutcome = iota
	// FaultEscalated means the fault is genuine and was handed to the
	// fault reporter for thread termination.
	FaultEscalated
)

// FaultReporter is the thread-termination collaborator a genuine fault
// escalates to. SignalSegfault delivers the captured faulting address and
// instruction pointer to whatever owns the faulting context.
type FaultReporter interface {
	SignalSegfault(faultAddr, instructionPointer uint64, core int) error
}

// HandleFault resolves one hardware page fault. It re-resolves the faulting
// address through the mapper; if a translation exists and satisfies every
// condition the error code asserts, the fault came from a stale cached
// translation: drop it on the faulting core and let the instruction retry.
// Anything else escalates. An escalation with no reporter, or a reporter
// that fails, is a kernel death.
func (m *MemoryManager) HandleFault(frame cores.TrapFrame) FaultOutcome {
	m.pagingMu.Lock()
	_, flags, err := m.space.Translate(frame.FaultAddress)
	m.pagingMu.Unlock()

	if err == nil && staleExplains(frame.ErrorCode, flags) {
		m.tlb.InvalidateOn(frame.Core, frame.FaultAddress)
		if m.Debug {
			log.Printf("MemoryManager: stale translation for 0x%x repaired (error code 0x%x, core %d)\n",
				frame.FaultAddress, frame.ErrorCode, frame.Core)
		}
		return FaultRepaired
	}

	if m.Debug {
		log.Printf("MemoryManager: escalating page fault at 0x%x (error code 0x%x, rip 0x%x, core %d)\n",
			frame.FaultAddress, frame.ErrorCode, frame.InstructionPointer, frame.Core)
	}
	if m.reporter == nil {
		panic(fmt.Sprintf("mem_engine: unrecoverable page fault at 0x%x (error code 0x%x, rip 0x%x) with no fault reporter",
			frame.FaultAddress, frame.ErrorCode, frame.InstructionPointer))
	}
	if err := m.reporter.SignalSegfault(frame.FaultAddress, frame.InstructionPointer, frame.Core); err != nil {
		panic(fmt.Sprintf("mem_engine: failed to signal fault at 0x%x to its owner: %v", frame.FaultAddress, err))
	}
	return FaultEscalated
}

// staleExplains reports whether the installed translation satisfies every
// condition the fault's error code asserts. A not-present fault against a
// now-present entry is stale by definition; a violation the current flags
// would still forbid is genuine.
func staleExplains(code uint64, flags paging.MapFlags) bool {
	if code&cores.FaultWrite != 0 && flags&paging.MapReadWrite == 0 {
		return false
	}
	if code&cores.FaultUser != 0 && flags&paging.MapUser == 0 {
		return false
	}
	if code&cores.FaultInstructionFetch != 0 && flags&paging.MapExec == 0 {
		return false
	}
	if code&cores.FaultReservedBit != 0 {
		return false
	}
	return true
}

package cores

import (
	"fmt"
	"log"
	"sync"
)

// TrapHandler services one trap vector.
type TrapHandler func(TrapFrame)

// TrapBus routes trap vectors to registered handlers, standing in for the
// exception-dispatch layer of the kernel.
type TrapBus struct {
	mu       sync.Mutex
	handlers map[uint8]TrapHandler
}

// NewTrapBus creates an empty trap registry.
func NewTrapBus() *TrapBus {
	return &TrapBus{handlers: make(map[uint8]TrapHandler)}
}

// RegisterHandler installs a handler for a vector.
func (bus *TrapBus) RegisterHandler(vector uint8, handler TrapHandler) error {
	if handler == nil {
		return fmt.Errorf("TrapBus: nil handler for vector %d", vector)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.handlers[vector]; ok {
		log.Printf("TrapBus: Warning: vector %d already registered, overwriting.\n", vector)
	}
	bus.handlers[vector] = handler
	return nil
}

// Deliver routes a trap frame to the handler registered for vector.
func (bus *TrapBus) Deliver(vector uint8, frame TrapFrame) error {
	bus.mu.Lock()
	handler, ok := bus.handlers[vector]
	bus.mu.Unlock()
	if !ok {
		return fmt.Errorf("TrapBus: unhandled trap on vector %d (fault address 0x%x)", vector, frame.FaultAddress)
	}
	handler(frame)
	return nil
}

// irq/irq.go
//
// Package irq routes interrupt sources to handler callbacks.
//
// On bare metal these bindings live in the vector table; in this port the
// platform layer (or a host-side hardware model) registers each driver's
// shim explicitly at start-up and pends sources as events occur. Handlers
// follow the interrupt contract: read and clear status, wake a waiter,
// return — no blocking, no allocation.
package irq

import (
	"fmt"
	"sync"
)

// Source identifies one interrupt line of the controller.
type Source uint8

const (
	DMA0 Source = iota
	Flexcomm0
	Flexcomm1
	Flexcomm2
	Flexcomm3
	Flexcomm4
	Flexcomm5
	Flexcomm6
	Flexcomm7
	RTC
	RNG
	WDT0
	WDT1
	ESPI

	numSources
)

var names = [numSources]string{
	"DMA0", "FLEXCOMM0", "FLEXCOMM1", "FLEXCOMM2", "FLEXCOMM3", "FLEXCOMM4",
	"FLEXCOMM5", "FLEXCOMM6", "FLEXCOMM7", "RTC", "RNG", "WDT0", "WDT1", "ESPI",
}

func (s Source) String() string {
	if s < numSources {
		return names[s]
	}
	return fmt.Sprintf("IRQ(%d)", uint8(s))
}

// Table maps interrupt sources to handlers. The zero value is ready to use.
type Table struct {
	mu       sync.Mutex
	handlers [numSources]func()
	enabled  [numSources]bool
}

// Register installs the handler for a source. It panics on duplicate
// registration to catch wiring mistakes at start-up, and enables the line.
func (t *Table) Register(s Source, h func()) {
	if s >= numSources {
		panic(fmt.Sprintf("irq: unknown source %d", uint8(s)))
	}
	if h == nil {
		panic("irq: nil handler for " + s.String())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[s] != nil {
		panic("irq: handler already registered for " + s.String())
	}
	t.handlers[s] = h
	t.enabled[s] = true
}

// Enable unmasks a source.
func (t *Table) Enable(s Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled[s] = true
}

// Disable masks a source; Pend becomes a no-op until re-enabled.
func (t *Table) Disable(s Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled[s] = false
}

// Pend invokes the handler for a source, if one is registered and the line
// is enabled. The platform layer calls this from its interrupt entry; host
// models call it to deliver simulated interrupts.
func (t *Table) Pend(s Source) {
	if s >= numSources {
		return
	}
	t.mu.Lock()
	h := t.handlers[s]
	on := t.enabled[s]
	t.mu.Unlock()
	if on && h != nil {
		h()
	}
}

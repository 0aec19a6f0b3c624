// internal/mmio/mmio.go
//
// Package mmio provides register cells for peripheral register blocks.
//
// On hardware builds a Reg32 overlays a memory-mapped register; on host
// builds it is ordinary memory that a bus model pokes from another
// goroutine. Either way every access goes through sync/atomic so that an
// interrupt shim (or the goroutine standing in for one) never observes a
// torn value.
package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Reg32 is a 32-bit peripheral register.
type Reg32 struct {
	v uint32
}

// Load returns the current register value.
func (r *Reg32) Load() uint32 { return atomic.LoadUint32(&r.v) }

// Store writes v to the register.
func (r *Reg32) Store(v uint32) { atomic.StoreUint32(&r.v, v) }

// SetBits sets every bit in mask, leaving the rest untouched.
func (r *Reg32) SetBits(mask uint32) {
	for {
		old := atomic.LoadUint32(&r.v)
		if atomic.CompareAndSwapUint32(&r.v, old, old|mask) {
			return
		}
	}
}

// ClearBits clears every bit in mask, leaving the rest untouched.
func (r *Reg32) ClearBits(mask uint32) {
	for {
		old := atomic.LoadUint32(&r.v)
		if atomic.CompareAndSwapUint32(&r.v, old, old&^mask) {
			return
		}
	}
}

// HasBits reports whether every bit in mask is set.
func (r *Reg32) HasBits(mask uint32) bool { return r.Load()&mask == mask }

// Addr returns the register's address, for DMA descriptor programming.
func (r *Reg32) Addr() uintptr { return uintptr(unsafe.Pointer(&r.v)) }

// ReplaceBits stores bits into the field selected by mask.
func (r *Reg32) ReplaceBits(mask, bits uint32) {
	for {
		old := atomic.LoadUint32(&r.v)
		if atomic.CompareAndSwapUint32(&r.v, old, (old&^mask)|(bits&mask)) {
			return
		}
	}
}

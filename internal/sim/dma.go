// internal/sim/dma.go
//
// Package sim provides host-side models of the hardware engines. Tests and
// host builds stand these in for the real silicon: they read the same
// register blocks the drivers program and complete operations the way the
// hardware would, ending in the same interrupt shim.
package sim

import (
	"github.com/xushengfei/embassy-imxrt-sub000/dma"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
)

// DMAEngine services transfers on a dma.Controller. Peripheral-side data
// register traffic is routed through the Periph callbacks so a peripheral
// model (I2C, hash, UART) can sit on the other end of the request line.
type DMAEngine struct {
	Ctrl *dma.Controller

	// PeriphWrite receives each element of a memory-to-peripheral
	// transfer. Nil means elements are stored to the register directly.
	PeriphWrite func(reg *mmio.Reg32, b byte)

	// PeriphRead produces each element of a peripheral-to-memory
	// transfer. Nil means elements are read from the register directly.
	PeriphRead func(reg *mmio.Reg32) byte
}

// Complete services the channel's in-flight transfer to the end and raises
// its completion interrupt, returning false when nothing was pending.
func (e *DMAEngine) Complete(ch *dma.Channel) bool {
	// a programmed-but-untriggered channel is not ours to service yet
	if !ch.Active() {
		return false
	}
	v, ok := ch.PendingTransfer()
	if !ok {
		return false
	}

	switch v.Dir {
	case dma.MemoryToMemory:
		copy(v.Dst, v.Src)
	case dma.MemoryToPeripheral:
		for _, b := range v.Src {
			if e.PeriphWrite != nil {
				e.PeriphWrite(v.PeriReg, b)
			} else {
				v.PeriReg.Store(uint32(b))
			}
		}
	case dma.PeripheralToMemory:
		for i := range v.Dst {
			if e.PeriphRead != nil {
				v.Dst[i] = e.PeriphRead(v.PeriReg)
			} else {
				v.Dst[i] = byte(v.PeriReg.Load())
			}
		}
	}

	e.Finish(ch)
	return true
}

// Finish clears the channel's active state and pends its interrupt,
// mirroring what the engine does at terminal count. Complete calls it
// after moving data; tests that triggered a transfer by hand call it
// directly.
func (e *DMAEngine) Finish(ch *dma.Channel) {
	regs := e.Ctrl.Regs()
	bit := uint32(1) << uint(ch.Number())
	regs.ACTIVE0.ClearBits(bit)
	regs.ENABLECLR0.SetBits(bit)
	regs.INTA0.SetBits(bit)
	regs.INTSTAT.SetBits(1 << 1)
	e.Ctrl.ServiceIRQ()
}

// Fail raises the channel's error interrupt without moving any data.
func (e *DMAEngine) Fail(ch *dma.Channel) {
	regs := e.Ctrl.Regs()
	bit := uint32(1) << uint(ch.Number())
	regs.ACTIVE0.ClearBits(bit)
	regs.ERRINT0.SetBits(bit)
	regs.INTSTAT.SetBits(1 << 2)
	e.Ctrl.ServiceIRQ()
}

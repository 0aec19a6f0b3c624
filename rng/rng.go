// rng/rng.go
//
// Package rng drives the true random number generator. Entropy is
// harvested one 32-bit word per 4-byte chunk of output, suspending on the
// entropy-valid interrupt whenever the pool has not refilled yet.
package rng

import (
	"context"
	"encoding/binary"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
)

// Registers is the TRNG register block.
type Registers struct {
	MCTL      mmio.Reg32
	INTCTRL   mmio.Reg32
	INTMASK   mmio.Reg32
	INTSTATUS mmio.Reg32
	ENT       [16]mmio.Reg32
}

// MCTL bits.
const (
	mctlPrgm   = 1 << 16
	mctlRstDef = 1 << 6
	mctlEntVal = 1 << 10
)

// Interrupt bits shared by INTCTRL/INTMASK/INTSTATUS.
const intEntVal = 1 << 0

// Rng owns one TRNG instance.
type Rng struct {
	regs  *Registers
	waker *waitq.Cell
	idx   int
}

// New resets the generator to its default configuration, starts entropy
// generation, and binds the RNG interrupt shim.
func New(regs *Registers, vec *irq.Table) *Rng {
	// program mode with defaults restored, then release into run mode
	regs.MCTL.Store(mctlRstDef | mctlPrgm)
	regs.MCTL.ClearBits(mctlPrgm)

	regs.INTCTRL.Store(intEntVal)
	regs.INTMASK.Store(intEntVal)

	r := &Rng{regs: regs, waker: waitq.New()}
	vec.Register(irq.RNG, r.serviceIRQ)
	return r
}

func (r *Rng) serviceIRQ() {
	if r.regs.INTSTATUS.Load()&intEntVal != 0 {
		r.regs.INTMASK.ClearBits(intEntVal)
		r.waker.Wake()
	}
}

// FillBytes fills dest with entropy, 4 bytes per harvested word. A word
// of exactly zero means the generator is unseeded or broken, never a
// valid sample, and surfaces as SeedError with dest contents unspecified.
func (r *Rng) FillBytes(ctx context.Context, dest []byte) error {
	for len(dest) > 0 {
		err := r.waker.Wait(ctx,
			func() (bool, error) {
				if r.regs.MCTL.Load()&mctlEntVal != 0 {
					return true, nil
				}
				if r.regs.INTSTATUS.Load()&intEntVal != 0 {
					return true, nil
				}
				return false, nil
			},
			func() {
				r.regs.INTMASK.SetBits(intEntVal)
			},
		)
		if err != nil {
			return err
		}

		word := r.regs.ENT[r.idx].Load()
		r.idx++
		if r.idx == len(r.regs.ENT) {
			r.idx = 0
			// the generator requires an MCTL read after the last entropy
			// register to restart accumulation
			_ = r.regs.MCTL.Load()
		}

		if word == 0 {
			return errcode.SeedError
		}

		var chunk [4]byte
		binary.LittleEndian.PutUint32(chunk[:], word)
		dest = dest[copy(dest, chunk[:]):]
	}
	return nil
}

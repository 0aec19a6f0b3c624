// dma/dma.go
//
// Package dma drives the system DMA controller: a 33-channel engine with a
// shared descriptor table in SRAM. Peripheral drivers (I2C, UART, the hash
// engine) reserve channels for burst transfers; completion is signalled by
// the DMA0 interrupt and awaited through per-channel waker cells.
package dma

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
)

// ChannelCount is the number of hardware channels on this family.
const ChannelCount = 33

// Descriptor is one channel's transfer record, read directly by the DMA
// engine. The hardware counts down, so the address words hold the *end*
// address of each transfer, not the start.
type Descriptor struct {
	Reserved uint32
	SrcEnd   uint32
	DstEnd   uint32
	NextLink uint32
}

// DescriptorTable is the channel descriptor memory block. The engine
// requires its base to be 1024-byte aligned; on hardware targets the
// platform layer places it in a dedicated SRAM section.
type DescriptorTable struct {
	List [ChannelCount]Descriptor
}

// Base returns the table base address as programmed into SRAMBASE.
func (t *DescriptorTable) Base() uint32 {
	return uint32(uintptr(unsafe.Pointer(&t.List[0])))
}

// ChannelRegisters is the per-channel register group.
type ChannelRegisters struct {
	CFG     mmio.Reg32
	CTLSTAT mmio.Reg32
	XFERCFG mmio.Reg32
}

// Registers is the DMA controller register block.
type Registers struct {
	CTRL       mmio.Reg32
	INTSTAT    mmio.Reg32
	SRAMBASE   mmio.Reg32
	ENABLESET0 mmio.Reg32
	ENABLECLR0 mmio.Reg32
	ACTIVE0    mmio.Reg32
	BUSY0      mmio.Reg32
	ERRINT0    mmio.Reg32
	INTENSET0  mmio.Reg32
	INTENCLR0  mmio.Reg32
	INTA0      mmio.Reg32
	INTB0      mmio.Reg32
	ABORT0     mmio.Reg32

	Channel [ChannelCount]ChannelRegisters
}

// CTRL bits.
const ctrlEnable = 1 << 0

// INTSTAT bits.
const (
	intstatActiveInt    = 1 << 1
	intstatActiveErrInt = 1 << 2
)

// CFG bits.
const (
	cfgPeriphReqEn = 1 << 0
	cfgHWTrigEn    = 1 << 1
)

// XFERCFG bits and fields.
const (
	xferCfgValid = 1 << 0
	xferReload   = 1 << 1
	xferSWTrig   = 1 << 2
	xferClrTrig  = 1 << 3
	xferSetIntA  = 1 << 4

	xferWidthShift  = 8
	xferSrcIncShift = 12
	xferDstIncShift = 14
	xferCountShift  = 16
	xferCountMax    = 1 << 10 // XFERCOUNT is a 10-bit field
)

// Controller owns the DMA register block and descriptor table. Construct
// exactly one per hardware instance and thread it through the drivers that
// need channels; the register block must not be shared with another owner.
type Controller struct {
	regs  *Registers
	table *DescriptorTable

	mu       sync.Mutex
	reserved uint64

	channels [ChannelCount]Channel
}

// New enables the controller, programs the descriptor table base, and
// binds the DMA0 interrupt shim.
func New(regs *Registers, vec *irq.Table) *Controller {
	c := &Controller{regs: regs, table: &DescriptorTable{}}
	for i := range c.channels {
		ch := &c.channels[i]
		ch.ctrl = c
		ch.num = i
		ch.waker = waitq.New()
	}

	regs.CTRL.SetBits(ctrlEnable)
	regs.SRAMBASE.Store(c.table.Base())
	vec.Register(irq.DMA0, c.ServiceIRQ)
	return c
}

// ReserveChannel reserves a channel for exclusive use by one consumer for
// the lifetime of the owning driver. Reserving a channel twice returns
// errcode.ChannelInUse; two owners are never aliased to the same channel.
func (c *Controller) ReserveChannel(n int) (*Channel, error) {
	if n < 0 || n >= ChannelCount {
		return nil, errcode.OutOfRange
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved&(1<<uint(n)) != 0 {
		return nil, errcode.ChannelInUse
	}
	c.reserved |= 1 << uint(n)
	return &c.channels[n], nil
}

// Descriptors exposes the descriptor table. Host-side engine models read
// it the way hardware does; drivers must treat in-flight entries as
// hardware-owned.
func (c *Controller) Descriptors() *DescriptorTable { return c.table }

// Regs exposes the register block for the platform layer and host models.
func (c *Controller) Regs() *Registers { return c.regs }

// ServiceIRQ is the DMA0 interrupt shim: it reads the summary status,
// clears each pending per-channel flag, and wakes the matching waiter.
// It never blocks and never allocates.
func (c *Controller) ServiceIRQ() {
	stat := c.regs.INTSTAT.Load()

	if stat&intstatActiveErrInt != 0 {
		pend := c.regs.ERRINT0.Load()
		for pend != 0 {
			n := bits.TrailingZeros32(pend)
			c.regs.ERRINT0.ClearBits(1 << uint(n))
			c.channels[n].wake()
			pend &^= 1 << uint(n)
		}
		c.regs.INTSTAT.ClearBits(intstatActiveErrInt)
	}

	if stat&intstatActiveInt != 0 {
		pend := c.regs.INTA0.Load()
		for pend != 0 {
			n := bits.TrailingZeros32(pend)
			c.regs.INTA0.ClearBits(1 << uint(n))
			c.channels[n].wake()
			pend &^= 1 << uint(n)
		}
		c.regs.INTSTAT.ClearBits(intstatActiveInt)
	}
}

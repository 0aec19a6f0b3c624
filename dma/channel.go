// dma/channel.go
package dma

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
)

// Channel is one reserved DMA channel. A channel has exactly one owner at
// a time; operations on it are strictly sequential.
type Channel struct {
	ctrl  *Controller
	num   int
	waker *waitq.Cell

	// Optional second waker, woken alongside the channel's own on
	// completion or error. Peripheral drivers that must interleave a DMA
	// wait with their own bus-error monitoring register their cell here.
	watcher atomic.Pointer[waitq.Cell]

	// Software view of the in-flight transfer, for host-side engine
	// models that service transfers in software. Hardware-owned between
	// Trigger and completion.
	viewMu sync.Mutex
	view   View
}

// View describes an in-flight transfer to a host-side engine model.
type View struct {
	Dir     Direction
	Src     []byte
	Dst     []byte
	PeriReg *mmio.Reg32
	Valid   bool
}

// Number returns the hardware channel index.
func (ch *Channel) Number() int { return ch.num }

func (ch *Channel) bit() uint32 { return 1 << uint(ch.num) }

func (ch *Channel) regs() *ChannelRegisters { return &ch.ctrl.regs.Channel[ch.num] }

func (ch *Channel) wake() {
	ch.waker.Wake()
	if w := ch.watcher.Load(); w != nil {
		w.Wake()
	}
}

// WatchCompletion registers an additional waker cell to be woken when this
// channel completes or errors. Only one watcher is held at a time.
func (ch *Channel) WatchCompletion(c *waitq.Cell) { ch.watcher.Store(c) }

// Unwatch removes the completion watcher.
func (ch *Channel) Unwatch() { ch.watcher.Store(nil) }

// Configure programs the channel descriptor and transfer registers for a
// transfer of n bytes, without enabling or triggering it.
//
// The descriptor records *end* addresses because the engine counts down:
// the advancing side ends at base+(count-1)*width, the fixed side stays at
// base. Getting this wrong corrupts unrelated memory, so the arithmetic
// lives here in one place.
func (ch *Channel) Configure(dir Direction, srcBase, dstBase uint32, n int, opt Options) error {
	width := opt.Width.Bytes()
	if n <= 0 || n%width != 0 {
		return errcode.Unsupported
	}
	count := n / width
	if count > xferCountMax {
		return errcode.Unsupported
	}

	srcInc, dstInc := uint32(1), uint32(1)
	switch dir {
	case PeripheralToMemory:
		srcInc = 0
	case MemoryToPeripheral:
		dstInc = 0
	case MemoryToMemory:
	default:
		return errcode.Unsupported
	}

	advance := uint32((count - 1) * width)
	desc := &ch.ctrl.table.List[ch.num]
	desc.Reserved = 0
	desc.SrcEnd = srcBase
	desc.DstEnd = dstBase
	if srcInc != 0 {
		desc.SrcEnd = srcBase + advance
	}
	if dstInc != 0 {
		desc.DstEnd = dstBase + advance
	}
	desc.NextLink = 0

	// Peripheral transfers pace off the peripheral request line; pure
	// memory moves are software triggered.
	cfg := uint32(opt.Priority&0x7) << 16
	if dir != MemoryToMemory {
		cfg |= cfgPeriphReqEn
	}
	ch.regs().CFG.Store(cfg)

	ch.ctrl.regs.INTENSET0.SetBits(ch.bit())

	xfer := uint32(xferCfgValid | xferClrTrig | xferSetIntA)
	if opt.Continuous {
		xfer = uint32(xferCfgValid | xferReload | xferSetIntA)
	}
	xfer |= opt.Width.bits() << xferWidthShift
	xfer |= srcInc << xferSrcIncShift
	xfer |= dstInc << xferDstIncShift
	xfer |= uint32(count-1) << xferCountShift
	ch.regs().XFERCFG.Store(xfer)

	return nil
}

// Enable readies the configured channel.
func (ch *Channel) Enable() { ch.ctrl.regs.ENABLESET0.SetBits(ch.bit()) }

// Disable stops the channel from responding to triggers.
func (ch *Channel) Disable() { ch.ctrl.regs.ENABLECLR0.SetBits(ch.bit()) }

// Trigger starts the transfer by software trigger.
func (ch *Channel) Trigger() {
	ch.ctrl.regs.ACTIVE0.SetBits(ch.bit())
	ch.regs().XFERCFG.SetBits(xferSWTrig)
}

// Active reports whether a transfer is still in flight on this channel.
func (ch *Channel) Active() bool { return ch.ctrl.regs.ACTIVE0.Load()&ch.bit() != 0 }

// Remaining returns the number of elements left in the in-flight transfer,
// read back from the live XFERCOUNT field. Zero once the channel is idle.
func (ch *Channel) Remaining() int {
	if !ch.Active() {
		return 0
	}
	x := ch.regs().XFERCFG.Load()
	return int((x>>xferCountShift)&(xferCountMax-1)) + 1
}

// Abort halts the channel and discards any in-flight transfer. The
// completion interrupt for the aborted transfer will not fire.
func (ch *Channel) Abort() {
	ch.Disable()
	ch.ctrl.regs.ABORT0.SetBits(ch.bit())
	ch.ctrl.regs.ACTIVE0.ClearBits(ch.bit())
	ch.clearView()
}

// Wait suspends until the in-flight transfer completes or ctx is
// cancelled. Each pending poll re-arms the channel's interrupt enable so a
// wake between check and suspend cannot be missed. Cancellation abandons
// the wait only; the hardware transfer keeps running with no one listening
// (callers needing a hard stop must Abort).
func (ch *Channel) Wait(ctx context.Context) error {
	return ch.waker.Wait(ctx,
		func() (bool, error) {
			if !ch.Active() {
				ch.clearView()
				return true, nil
			}
			return false, nil
		},
		func() {
			ch.ctrl.regs.INTENSET0.SetBits(ch.bit())
		},
	)
}

// ReadFromPeripheral configures, enables, and triggers a
// peripheral-to-memory transfer from the data register src into buf, then
// awaits completion.
func (ch *Channel) ReadFromPeripheral(ctx context.Context, src *mmio.Reg32, buf []byte, opt Options) error {
	if err := ch.prepare(PeripheralToMemory, regAddr(src), sliceAddr(buf), len(buf), opt,
		View{Dir: PeripheralToMemory, Dst: buf, PeriReg: src, Valid: true}); err != nil {
		return err
	}
	return ch.Wait(ctx)
}

// WriteToPeripheral configures, enables, and triggers a
// memory-to-peripheral transfer from buf into the data register dst, then
// awaits completion.
func (ch *Channel) WriteToPeripheral(ctx context.Context, buf []byte, dst *mmio.Reg32, opt Options) error {
	if err := ch.prepare(MemoryToPeripheral, sliceAddr(buf), regAddr(dst), len(buf), opt,
		View{Dir: MemoryToPeripheral, Src: buf, PeriReg: dst, Valid: true}); err != nil {
		return err
	}
	return ch.Wait(ctx)
}

// WriteToMemory configures, enables, and triggers a memory-to-memory
// transfer of len(src) bytes, then awaits completion.
func (ch *Channel) WriteToMemory(ctx context.Context, src, dst []byte, opt Options) error {
	if len(dst) < len(src) {
		return errcode.Unsupported
	}
	if err := ch.prepare(MemoryToMemory, sliceAddr(src), sliceAddr(dst), len(src), opt,
		View{Dir: MemoryToMemory, Src: src, Dst: dst, Valid: true}); err != nil {
		return err
	}
	return ch.Wait(ctx)
}

// StartWriteToPeripheral configures, enables, and triggers a
// memory-to-peripheral transfer without awaiting it. Callers interleave
// their own wait through WatchCompletion + Active.
func (ch *Channel) StartWriteToPeripheral(buf []byte, dst *mmio.Reg32, opt Options) error {
	return ch.prepare(MemoryToPeripheral, sliceAddr(buf), regAddr(dst), len(buf), opt,
		View{Dir: MemoryToPeripheral, Src: buf, PeriReg: dst, Valid: true})
}

// StartReadFromPeripheral configures, enables, and triggers a
// peripheral-to-memory transfer without awaiting it.
func (ch *Channel) StartReadFromPeripheral(src *mmio.Reg32, buf []byte, opt Options) error {
	return ch.prepare(PeripheralToMemory, regAddr(src), sliceAddr(buf), len(buf), opt,
		View{Dir: PeripheralToMemory, Dst: buf, PeriReg: src, Valid: true})
}

func (ch *Channel) prepare(dir Direction, src, dst uint32, n int, opt Options, v View) error {
	if err := ch.Configure(dir, src, dst, n, opt); err != nil {
		return err
	}
	ch.viewMu.Lock()
	ch.view = v
	ch.viewMu.Unlock()
	ch.Enable()
	ch.Trigger()
	return nil
}

// PendingTransfer returns the software view of the in-flight transfer.
// Host-side engine models use it to service transfers the way the real
// engine reads descriptors.
func (ch *Channel) PendingTransfer() (View, bool) {
	ch.viewMu.Lock()
	defer ch.viewMu.Unlock()
	return ch.view, ch.view.Valid
}

func (ch *Channel) clearView() {
	ch.viewMu.Lock()
	ch.view = View{}
	ch.viewMu.Unlock()
}

func sliceAddr(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&b[0])))
}

func regAddr(r *mmio.Reg32) uint32 { return uint32(r.Addr()) }

// i2c/master.go
package i2c

import (
	"context"
	"time"

	"github.com/xushengfei/embassy-imxrt-sub000/dma"
	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
)

// Clock supplies monotonic 1kHz ticks for software deadlines.
type Clock interface {
	Now() uint64
}

// MSTTIME with SCL low = 1, SCL high = 0 clock counts.
const mstTimeDefault = 0x1

// TIMEOUT register value for the hardware event/SCL timeout, in units of
// 16 function-clock cycles.
const timeoutDefault = 4096 >> 4

// MasterConfig configures a bus master.
type MasterConfig struct {
	Speed Speed

	// Timeout bounds each wait-for-ready point. Zero disables the
	// software deadline; Clock must be non-nil when it is set.
	Timeout time.Duration
	Clock   Clock

	// HardwareTimeout arms the controller's own event and SCL timeouts.
	HardwareTimeout bool
}

// Master is the interrupt-driven bus master. Multi-byte payloads move by
// DMA burst; single bytes use register-level continuation.
type Master struct {
	regs      *Registers
	dmaCh     *dma.Channel
	waker     *waitq.Cell
	clock     Clock
	timeout   uint64 // software deadline per wait, in clock ticks
	hwTimeout bool
}

// NewMaster configures the block for master mode at the requested speed
// and binds the Flexcomm interrupt shim. The DMA channel is optional; with
// ch nil every byte moves through register-level continuation.
func NewMaster(regs *Registers, vec *irq.Table, src irq.Source, ch *dma.Channel, cfg MasterConfig) (*Master, error) {
	div, err := cfg.Speed.divisor()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 && cfg.Clock == nil {
		return nil, errcode.Unsupported
	}

	regs.CLKDIV.Store(div)
	regs.MSTTIME.Store(mstTimeDefault)
	regs.INTENCLR.Store(^uint32(0))
	if cfg.HardwareTimeout {
		regs.TIMEOUT.Store(timeoutDefault)
		regs.CFG.SetBits(cfgTimeoutEn)
	}
	regs.CFG.SetBits(cfgMstEn)

	m := &Master{
		regs:      regs,
		dmaCh:     ch,
		waker:     waitq.New(),
		clock:     cfg.Clock,
		timeout:   uint64(cfg.Timeout / time.Millisecond),
		hwTimeout: cfg.HardwareTimeout,
	}
	vec.Register(src, m.serviceIRQ)
	return m, nil
}

// serviceIRQ masks the master interrupt group and wakes the waiter. The
// wait loop re-arms what it still needs; leaving the sources enabled here
// would re-enter immediately on a level-triggered condition.
func (m *Master) serviceIRQ() {
	m.regs.INTENCLR.Store(intMaster | intTimeout)
	m.waker.Wake()
}

// Write transmits data to addr and releases the bus.
func (m *Master) Write(ctx context.Context, addr Address, data []byte) error {
	return m.finish(ctx, m.writeNoStop(ctx, addr, data))
}

// Read fills buf from addr and releases the bus.
func (m *Master) Read(ctx context.Context, addr Address, buf []byte) error {
	return m.finish(ctx, m.readNoStop(ctx, addr, buf))
}

// WriteRead transmits wr, repeated-starts into a read filling rd, then
// releases the bus.
func (m *Master) WriteRead(ctx context.Context, addr Address, wr, rd []byte) error {
	err := m.writeNoStop(ctx, addr, wr)
	if err == nil {
		err = m.readNoStop(ctx, addr, rd)
	}
	return m.finish(ctx, err)
}

// finish releases the bus after a transaction body. A NACKed transaction
// still gets its explicit stop so the bus returns to idle rather than
// wedging in start-pending; after arbitration loss or a start/stop error
// the master no longer owns the bus and a stop would be meaningless.
func (m *Master) finish(ctx context.Context, err error) error {
	switch err {
	case nil:
		return m.stop(ctx)
	case errcode.AddressNack, errcode.ReadFail, errcode.WriteFail:
		if serr := m.stop(ctx); serr != nil {
			return serr
		}
		return err
	default:
		return err
	}
}

// waitOn suspends until ready reports done, a bus timeout fires, or ctx is
// cancelled. ready sees the raw status word and owns the priority order of
// its checks.
func (m *Master) waitOn(ctx context.Context, ready func(stat uint32) (bool, error)) error {
	var deadline uint64
	if m.timeout > 0 {
		deadline = m.clock.Now() + m.timeout
	}
	return m.waker.Wait(ctx,
		func() (bool, error) {
			stat := m.regs.STAT.Load()
			if done, err := ready(stat); done {
				return true, err
			}
			if stat&intTimeout != 0 {
				m.regs.STAT.ClearBits(intTimeout)
				return true, errcode.Timeout
			}
			if deadline != 0 && m.clock.Now() >= deadline {
				return true, errcode.Timeout
			}
			return false, nil
		},
		func() {
			mask := uint32(intMaster)
			if m.hwTimeout {
				mask |= intTimeout
			}
			m.regs.INTENSET.SetBits(mask)
		},
	)
}

// command issues a master control write. Writing MSTCTL drops MSTPENDING
// until the state machine settles again; the register model keeps the two
// in step explicitly (on silicon the STAT write is a no-op).
func (m *Master) command(bits uint32) {
	m.regs.STAT.ClearBits(statMstPending)
	m.regs.MSTCTL.Store(bits)
}

func (m *Master) waitPending(ctx context.Context) error {
	return m.waitOn(ctx, func(stat uint32) (bool, error) {
		if stat&statMstPending != 0 {
			return true, nil
		}
		if err := busErr(stat); err != nil {
			return true, err
		}
		return false, nil
	})
}

// start issues the address phase. AddressNack is returned without a stop;
// finish owns the recovery stop.
func (m *Master) start(ctx context.Context, addr Address, isRead bool) error {
	if err := m.waitPending(ctx); err != nil {
		return err
	}

	rw := uint32(0)
	if isRead {
		rw = 1
	}
	m.regs.MSTDAT.Store(uint32(addr.Raw())<<1 | rw)
	m.command(mstCtlStart)

	return m.waitOn(ctx, func(stat uint32) (bool, error) {
		if stat&statMstPending == 0 {
			if err := busErr(stat); err != nil {
				return true, err
			}
			return false, nil
		}
		switch st := mstState(stat); {
		case isRead && st == mstStateRxReady, !isRead && st == mstStateTxReady:
			return true, busErr(stat)
		case st == mstStateNackAddr:
			return true, errcode.AddressNack
		case isRead:
			return true, errcode.ReadFail
		default:
			return true, errcode.WriteFail
		}
	})
}

func (m *Master) writeNoStop(ctx context.Context, addr Address, data []byte) error {
	if err := m.start(ctx, addr, false); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if m.dmaCh != nil && len(data) > 1 {
		if err := m.dmaWrite(ctx, data); err != nil {
			return err
		}
		return m.waitPending(ctx)
	}

	for _, b := range data {
		m.regs.MSTDAT.Store(uint32(b))
		m.command(mstCtlContinue)
		if err := m.waitTx(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) readNoStop(ctx context.Context, addr Address, buf []byte) error {
	// a zero-length read is not expressible on the wire
	if len(buf) == 0 {
		return errcode.BusError
	}
	if err := m.start(ctx, addr, true); err != nil {
		return err
	}

	// The DMA burst covers all but the last byte; the final byte is read
	// by hand so no continue is issued after it, letting stop follow with
	// the in-flight NACK the protocol requires on the last read byte.
	body, last := buf[:len(buf)-1], buf[len(buf)-1:]

	if len(body) > 0 {
		if m.dmaCh != nil {
			if err := m.dmaRead(ctx, body); err != nil {
				return err
			}
		} else {
			for i := range body {
				if err := m.waitRx(ctx); err != nil {
					return err
				}
				body[i] = byte(m.regs.MSTDAT.Load())
				m.command(mstCtlContinue)
			}
		}
	}

	if err := m.waitRx(ctx); err != nil {
		return err
	}
	last[0] = byte(m.regs.MSTDAT.Load())
	return nil
}

func (m *Master) waitTx(ctx context.Context) error {
	return m.waitOn(ctx, func(stat uint32) (bool, error) {
		if stat&statMstPending != 0 {
			if mstState(stat) == mstStateNackData {
				return true, errcode.WriteFail
			}
			return true, busErr(stat)
		}
		if err := busErr(stat); err != nil {
			return true, err
		}
		return false, nil
	})
}

func (m *Master) waitRx(ctx context.Context) error {
	return m.waitOn(ctx, func(stat uint32) (bool, error) {
		if stat&statMstPending != 0 {
			if mstState(stat) != mstStateRxReady {
				return true, errcode.ReadFail
			}
			return true, busErr(stat)
		}
		if err := busErr(stat); err != nil {
			return true, err
		}
		return false, nil
	})
}

// dmaWrite bursts data into MSTDAT. The channel is programmed before the
// MSTDMA handshake is enabled, per the controller's required ordering; at
// this point the slave has already acknowledged the address.
func (m *Master) dmaWrite(ctx context.Context, data []byte) error {
	ch := m.dmaCh
	ch.WatchCompletion(m.waker)
	defer ch.Unwatch()

	if err := ch.StartWriteToPeripheral(data, &m.regs.MSTDAT, dma.DefaultOptions()); err != nil {
		return err
	}
	m.regs.MSTCTL.Store(mstCtlDMA)

	err := m.waitOn(ctx, func(stat uint32) (bool, error) {
		if e := busErr(stat); e != nil {
			return true, e
		}
		if !ch.Active() {
			return true, nil
		}
		return false, nil
	})

	m.regs.MSTCTL.Store(0)
	if err != nil {
		ch.Abort()
	}
	return err
}

func (m *Master) dmaRead(ctx context.Context, buf []byte) error {
	ch := m.dmaCh
	ch.WatchCompletion(m.waker)
	defer ch.Unwatch()

	if err := ch.StartReadFromPeripheral(&m.regs.MSTDAT, buf, dma.DefaultOptions()); err != nil {
		return err
	}
	m.regs.MSTCTL.Store(mstCtlDMA)

	err := m.waitOn(ctx, func(stat uint32) (bool, error) {
		if e := busErr(stat); e != nil {
			return true, e
		}
		if !ch.Active() {
			return true, nil
		}
		return false, nil
	})

	m.regs.MSTCTL.Store(0)
	if err != nil {
		ch.Abort()
	}
	return err
}

// stop issues the stop condition and confirms the bus returned to idle, so
// a wedged SCL/SDA line is caught here rather than on the next start.
func (m *Master) stop(ctx context.Context) error {
	m.command(mstCtlStop)
	return m.waitOn(ctx, func(stat uint32) (bool, error) {
		if stat&statMstPending != 0 {
			if mstState(stat) != mstStateIdle {
				return true, errcode.BusError
			}
			return true, nil
		}
		if err := busErr(stat); err != nil {
			return true, err
		}
		return false, nil
	})
}

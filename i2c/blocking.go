// i2c/blocking.go
package i2c

import (
	"runtime"
	"time"

	"tinygo.org/x/drivers"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
)

// BlockingMaster is the poll-mode bus master: byte-at-a-time with spin
// waits, no interrupts, no DMA. It satisfies drivers.I2C so TinyGo device
// drivers can sit directly on top of it.
type BlockingMaster struct {
	regs    *Registers
	timeout time.Duration
}

var _ drivers.I2C = (*BlockingMaster)(nil)

// NewBlockingMaster configures the block for poll-mode master operation.
// cfg.Clock is ignored; the spin loop bounds itself with cfg.Timeout.
func NewBlockingMaster(regs *Registers, cfg MasterConfig) (*BlockingMaster, error) {
	div, err := cfg.Speed.divisor()
	if err != nil {
		return nil, err
	}

	regs.CLKDIV.Store(div)
	regs.MSTTIME.Store(mstTimeDefault)
	regs.INTENCLR.Store(^uint32(0))
	if cfg.HardwareTimeout {
		regs.TIMEOUT.Store(timeoutDefault)
		regs.CFG.SetBits(cfgTimeoutEn)
	}
	regs.CFG.SetBits(cfgMstEn)

	return &BlockingMaster{regs: regs, timeout: cfg.Timeout}, nil
}

// Tx implements drivers.I2C: write w (if any), repeated-start into a read
// filling r (if any), stop.
func (m *BlockingMaster) Tx(addr uint16, w, r []byte) error {
	a, err := NewAddress(uint8(addr))
	if err != nil {
		return err
	}

	if len(w) > 0 {
		if err := m.writeNoStop(a, w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		if err := m.readNoStop(a, r); err != nil {
			return err
		}
	}
	return m.stop()
}

// pollReady spins until the master state machine is pending. The waits
// here are bus-cycle scale, so spinning beats suspension; the deadline
// only catches a hung bus.
func (m *BlockingMaster) pollReady() error {
	var deadline time.Time
	if m.timeout > 0 {
		deadline = time.Now().Add(m.timeout)
	}
	for {
		stat := m.regs.STAT.Load()
		if stat&intTimeout != 0 {
			m.regs.STAT.ClearBits(intTimeout)
			return errcode.Timeout
		}
		if stat&statMstPending != 0 {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errcode.Timeout
		}
		runtime.Gosched()
	}
}

func (m *BlockingMaster) checkBusErrors() error {
	return busErr(m.regs.STAT.Load())
}

// command issues a master control write, dropping MSTPENDING the way the
// state machine does until it settles again.
func (m *BlockingMaster) command(bits uint32) {
	m.regs.STAT.ClearBits(statMstPending)
	m.regs.MSTCTL.Store(bits)
}

func (m *BlockingMaster) start(addr Address, isRead bool) error {
	if err := m.pollReady(); err != nil {
		return err
	}

	rw := uint32(0)
	if isRead {
		rw = 1
	}
	m.regs.MSTDAT.Store(uint32(addr.Raw())<<1 | rw)
	m.command(mstCtlStart)

	if err := m.pollReady(); err != nil {
		return err
	}

	switch st := mstState(m.regs.STAT.Load()); {
	case st == mstStateNackAddr:
		// explicit stop so the bus returns to idle instead of sticking
		// in start-pending
		if err := m.stop(); err != nil {
			return err
		}
		return errcode.AddressNack
	case isRead && st != mstStateRxReady:
		return errcode.ReadFail
	case !isRead && st != mstStateTxReady:
		return errcode.WriteFail
	}
	return m.checkBusErrors()
}

func (m *BlockingMaster) writeNoStop(addr Address, data []byte) error {
	if err := m.start(addr, false); err != nil {
		return err
	}
	for _, b := range data {
		m.regs.MSTDAT.Store(uint32(b))
		m.command(mstCtlContinue)
		if err := m.pollReady(); err != nil {
			return err
		}
		if mstState(m.regs.STAT.Load()) == mstStateNackData {
			return errcode.WriteFail
		}
		if err := m.checkBusErrors(); err != nil {
			return err
		}
	}
	return nil
}

func (m *BlockingMaster) readNoStop(addr Address, buf []byte) error {
	if len(buf) == 0 {
		return errcode.BusError
	}
	if err := m.start(addr, true); err != nil {
		return err
	}
	for i := range buf {
		if err := m.pollReady(); err != nil {
			return err
		}
		if mstState(m.regs.STAT.Load()) != mstStateRxReady {
			return errcode.ReadFail
		}
		if err := m.checkBusErrors(); err != nil {
			return err
		}
		buf[i] = byte(m.regs.MSTDAT.Load())
		if i < len(buf)-1 {
			m.command(mstCtlContinue)
		}
	}
	return nil
}

func (m *BlockingMaster) stop() error {
	m.command(mstCtlStop)
	if err := m.pollReady(); err != nil {
		return err
	}
	if err := m.checkBusErrors(); err != nil {
		return err
	}
	if mstState(m.regs.STAT.Load()) != mstStateIdle {
		return errcode.BusError
	}
	return nil
}

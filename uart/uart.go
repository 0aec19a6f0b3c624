// uart/uart.go
//
// Package uart drives a flexcomm in USART mode: FIFO-based async read
// and write, framing/parity/noise error surfacing, and an optional
// software deadline on reads.
package uart

import (
	"context"
	"math"
	"time"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
	"github.com/xushengfei/embassy-imxrt-sub000/x/mathx"
)

// Registers is the flexcomm USART register block.
type Registers struct {
	CFG          mmio.Reg32
	CTL          mmio.Reg32
	STAT         mmio.Reg32
	INTENSET     mmio.Reg32
	INTENCLR     mmio.Reg32
	INTSTAT      mmio.Reg32
	OSR          mmio.Reg32
	BRG          mmio.Reg32
	FIFOCFG      mmio.Reg32
	FIFOSTAT     mmio.Reg32
	FIFOTRIG     mmio.Reg32
	FIFOINTENSET mmio.Reg32
	FIFOINTENCLR mmio.Reg32
	FIFOINTSTAT  mmio.Reg32
	FIFOWR       mmio.Reg32
	FIFORD       mmio.Reg32
}

// CFG bits.
const (
	cfgEnable       = 1 << 0
	cfgDatalenShift = 2
	cfgParityShift  = 4
	cfgStopLen2     = 1 << 6
	cfgLoopback     = 1 << 15
)

// STAT bits.
const (
	statRxIdle    = 1 << 1
	statTxIdle    = 1 << 3
	statFrameErr  = 1 << 13
	statParityErr = 1 << 14
	statRxNoise   = 1 << 15
	statRxTimeout = 1 << 17
)

const statErrInts = statFrameErr | statParityErr | statRxNoise

// FIFOCFG bits.
const (
	fifoCfgEnableTx = 1 << 0
	fifoCfgEnableRx = 1 << 1
	fifoCfgEmptyTx  = 1 << 16
	fifoCfgEmptyRx  = 1 << 17
)

// FIFOSTAT bits.
const (
	fifoStatTxErr      = 1 << 0
	fifoStatRxErr      = 1 << 1
	fifoStatTxEmpty    = 1 << 4
	fifoStatTxNotFull  = 1 << 5
	fifoStatRxNotEmpty = 1 << 6
)

// FIFOINTENSET bits.
const (
	fifoIntTxErr = 1 << 0
	fifoIntRxErr = 1 << 1
	fifoIntTxLvl = 1 << 2
	fifoIntRxLvl = 1 << 3
)

// DataBits selects the character length.
type DataBits uint8

const (
	SevenBits DataBits = iota
	EightBits
	NineBits
)

// Parity selects the parity mode; the values are the CFG field encoding.
type Parity uint8

const (
	ParityNone Parity = 0
	ParityEven Parity = 2
	ParityOdd  Parity = 3
)

// StopBits selects one or two stop bits.
type StopBits uint8

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// Clock supplies the current time in 1kHz ticks for software deadlines.
type Clock interface {
	Now() uint64
}

// Config holds the line parameters.
type Config struct {
	Baudrate uint32
	DataBits DataBits
	Parity   Parity
	StopBits StopBits

	// Loopback internally connects TX to RX for self test.
	Loopback bool

	// Timeout bounds each Read; zero waits forever. A non-zero Timeout
	// requires Clock.
	Timeout time.Duration
	Clock   Clock
}

// DefaultConfig returns 115200 8N1.
func DefaultConfig() Config {
	return Config{
		Baudrate: 115_200,
		DataBits: EightBits,
		Parity:   ParityNone,
		StopBits: OneStopBit,
	}
}

// computeBaud searches oversample values from 16 down to 9 for the
// divisor pair closest to the requested rate. Lower oversampling moves
// the sample point and invites noise errors, so on a tie the higher
// value wins.
func computeBaud(clockHz, baud uint32) (osr, brg uint32, err error) {
	if clockHz == 0 || baud == 0 {
		return 0, 0, errcode.Unsupported
	}
	bestDiff := uint32(math.MaxUint32)
	bestOSR := uint32(0xF)
	bestBRG := uint32(math.MaxUint32)
	for osrval := uint32(0xF); osrval >= 8; osrval-- {
		brgval := clockHz/((osrval+1)*baud) - 1
		if brgval > 0xFFFF {
			continue
		}
		actual := clockHz / ((osrval + 1) * (brgval + 1))
		diff := uint32(mathx.Abs(int64(actual) - int64(baud)))
		if diff < bestDiff {
			bestDiff, bestOSR, bestBRG = diff, osrval, brgval
		}
	}
	if bestBRG > 0xFFFF {
		return 0, 0, errcode.Unsupported
	}
	return bestOSR, bestBRG, nil
}

// Uart owns one flexcomm USART instance.
type Uart struct {
	regs    *Registers
	rxWaker *waitq.Cell
	txWaker *waitq.Cell
	clock   Clock
	timeout uint64 // 1kHz ticks, 0 = no deadline
}

// New programs the line parameters and binds the flexcomm interrupt
// shim.
func New(regs *Registers, vec *irq.Table, src irq.Source, clockHz uint32, cfg Config) (*Uart, error) {
	if cfg.Timeout > 0 && cfg.Clock == nil {
		return nil, errcode.Unsupported
	}
	if cfg.DataBits > NineBits || cfg.Parity == 1 || cfg.Parity > ParityOdd || cfg.StopBits > TwoStopBits {
		return nil, errcode.Unsupported
	}

	osr, brg, err := computeBaud(clockHz, cfg.Baudrate)
	if err != nil {
		return nil, err
	}

	u := &Uart{
		regs:    regs,
		rxWaker: waitq.New(),
		txWaker: waitq.New(),
		clock:   cfg.Clock,
		timeout: uint64(cfg.Timeout / time.Millisecond),
	}

	// keep the engine disabled while the line parameters change
	regs.CFG.Store(0)
	regs.OSR.Store(osr)
	regs.BRG.Store(brg)

	regs.FIFOCFG.SetBits(fifoCfgEnableTx | fifoCfgEmptyTx | fifoCfgEnableRx | fifoCfgEmptyRx)
	regs.FIFOSTAT.ClearBits(fifoStatTxErr | fifoStatRxErr)

	v := uint32(cfg.DataBits)<<cfgDatalenShift | uint32(cfg.Parity)<<cfgParityShift
	if cfg.StopBits == TwoStopBits {
		v |= cfgStopLen2
	}
	if cfg.Loopback {
		v |= cfgLoopback
	}
	regs.CFG.Store(v | cfgEnable)

	vec.Register(src, u.serviceIRQ)
	return u, nil
}

func (u *Uart) serviceIRQ() {
	fifo := u.regs.FIFOSTAT.Load()
	stat := u.regs.STAT.Load()
	if fifo&(fifoStatRxNotEmpty|fifoStatRxErr) != 0 || stat&(statErrInts|statRxTimeout) != 0 {
		u.regs.FIFOINTENSET.ClearBits(fifoIntRxLvl | fifoIntRxErr)
		u.rxWaker.Wake()
	}
	if fifo&(fifoStatTxNotFull|fifoStatTxEmpty) != 0 || stat&statTxIdle != 0 {
		u.regs.FIFOINTENSET.ClearBits(fifoIntTxLvl)
		u.txWaker.Wake()
	}
}

// deadline returns the absolute tick the current call must finish by, or
// zero for no limit.
func (u *Uart) deadline() uint64 {
	if u.timeout == 0 {
		return 0
	}
	return u.clock.Now() + u.timeout
}

// Read fills buf from the receive FIFO, suspending while it is empty.
// It returns the bytes read so far alongside the first line error
// (Frame, Parity, Noise), FIFO overrun (ReadFail) or Timeout.
func (u *Uart) Read(ctx context.Context, buf []byte) (int, error) {
	deadline := u.deadline()
	for i := range buf {
		err := u.rxWaker.Wait(ctx,
			func() (bool, error) {
				if err := u.lineError(); err != nil {
					return true, err
				}
				if u.regs.FIFOSTAT.Load()&fifoStatRxNotEmpty != 0 {
					return true, nil
				}
				if u.regs.STAT.Load()&statRxTimeout != 0 {
					u.regs.STAT.ClearBits(statRxTimeout)
				}
				if deadline != 0 && u.clock.Now() >= deadline {
					return true, errcode.Timeout
				}
				return false, nil
			},
			func() {
				u.regs.FIFOINTENSET.SetBits(fifoIntRxLvl | fifoIntRxErr)
				u.regs.INTENSET.SetBits(statErrInts | statRxTimeout)
			},
		)
		if err != nil {
			return i, err
		}
		buf[i] = byte(u.regs.FIFORD.Load())
		// pop steps the passive block; the real FIFO pops on the read
		u.regs.FIFOSTAT.ClearBits(fifoStatRxNotEmpty)
	}
	return len(buf), nil
}

// lineError consumes and returns the highest-priority pending receive
// error, discarding the receive FIFO contents that accompany an overrun.
func (u *Uart) lineError() error {
	stat := u.regs.STAT.Load()
	switch {
	case stat&statParityErr != 0:
		u.regs.STAT.ClearBits(statParityErr)
		return errcode.Parity
	case stat&statFrameErr != 0:
		u.regs.STAT.ClearBits(statFrameErr)
		return errcode.Frame
	case stat&statRxNoise != 0:
		u.regs.STAT.ClearBits(statRxNoise)
		return errcode.Noise
	}
	if u.regs.FIFOSTAT.Load()&fifoStatRxErr != 0 {
		u.regs.FIFOCFG.SetBits(fifoCfgEmptyRx)
		u.regs.FIFOSTAT.ClearBits(fifoStatRxErr)
		return errcode.ReadFail
	}
	return nil
}

// Write sends buf through the transmit FIFO and suspends until the last
// stop bit has left the shifter.
func (u *Uart) Write(ctx context.Context, buf []byte) (int, error) {
	for i, b := range buf {
		err := u.txWaker.Wait(ctx,
			func() (bool, error) {
				return u.regs.FIFOSTAT.Load()&fifoStatTxNotFull != 0, nil
			},
			func() {
				u.regs.FIFOINTENSET.SetBits(fifoIntTxLvl)
			},
		)
		if err != nil {
			return i, err
		}
		u.regs.FIFOWR.Store(uint32(b))
		u.regs.FIFOSTAT.ClearBits(fifoStatTxNotFull)
		u.regs.STAT.ClearBits(statTxIdle)
	}

	err := u.txWaker.Wait(ctx,
		func() (bool, error) {
			return u.regs.STAT.Load()&statTxIdle != 0, nil
		},
		func() {
			u.regs.FIFOINTENSET.SetBits(fifoIntTxLvl)
		},
	)
	if err != nil {
		return len(buf), err
	}
	return len(buf), nil
}

// wwdt/wwdt.go
//
// Package wwdt drives the windowed watchdog timer. The watchdog is
// configured while leashed, then unleashed exactly once; from that point
// it runs until a system reset and must be fed inside the window.
package wwdt

import (
	"context"
	"sync"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
	"github.com/xushengfei/embassy-imxrt-sub000/x/mathx"
)

// Registers is the WWDT register block.
type Registers struct {
	MOD     mmio.Reg32
	TC      mmio.Reg32
	FEED    mmio.Reg32
	TV      mmio.Reg32
	_       mmio.Reg32
	WARNINT mmio.Reg32
	WINDOW  mmio.Reg32
}

// MOD bits.
const (
	modWDEN      = 1 << 0
	modWDRESET   = 1 << 1
	modWDTOF     = 1 << 2
	modWDINT     = 1 << 3
	modWDPROTECT = 1 << 4
	modLOCK      = 1 << 5
)

// The watchdog counts at the low-power oscillator rate through a fixed
// /4 prescaler, so one counter step is psc microseconds.
const (
	psc       = 4
	lposcHz   = 1_000_000
	usPerTick = 1_000_000 / lposcHz
)

// Bounds on the programmable intervals, in microseconds.
const (
	// MinTimeoutMicros is the smallest programmable timeout; the counter
	// cannot be loaded below 256.
	MinTimeoutMicros = usPerTick * 256 * psc

	// MaxCounterMicros is the span of the full 24-bit timeout counter.
	MaxCounterMicros = usPerTick * 16_777_216 * psc

	// MaxWarningMicros is the span of the 10-bit warning threshold.
	MaxWarningMicros = usPerTick * 1024 * psc
)

func timeToCounter(us uint32) uint32 {
	if us == 0 {
		return 0
	}
	return us/(usPerTick*psc) - 1
}

func counterToTime(counter uint32) uint32 {
	return (counter + 1) * (usPerTick * psc)
}

// Watchdog owns one WWDT instance.
//
// Configuration methods are only valid before Unleash; once running the
// watchdog cannot be stopped or re-windowed, only fed.
type Watchdog struct {
	regs  *Registers
	waker *waitq.Cell

	mu        sync.Mutex
	unleashed bool
}

// New programs the initial timeout and binds the watchdog interrupt shim.
//
// A watchdog reset does not clear the timeout flag, so callers that want
// to detect one inspect TimedOut before calling ClearTimeoutFlag.
func New(regs *Registers, vec *irq.Table, src irq.Source, timeoutMicros uint32) (*Watchdog, error) {
	w := &Watchdog{regs: regs, waker: waitq.New()}
	if err := w.SetTimeout(timeoutMicros); err != nil {
		return nil, err
	}
	vec.Register(src, w.serviceIRQ)
	return w, nil
}

func (w *Watchdog) serviceIRQ() {
	if w.regs.MOD.Load()&modWDINT != 0 {
		w.waker.Wake()
	}
}

func (w *Watchdog) leashedOnly() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unleashed {
		return errcode.Unsupported
	}
	return nil
}

// SetTimeout programs the time in microseconds before a timeout event.
// Feed must still be called to load the counter.
func (w *Watchdog) SetTimeout(timeoutMicros uint32) error {
	if !mathx.Between(timeoutMicros, uint32(MinTimeoutMicros), uint32(MaxCounterMicros)) {
		return errcode.OutOfRange
	}
	w.regs.TC.Store(timeToCounter(timeoutMicros))
	return nil
}

// SetFeedWindow sets the window in microseconds before a timeout inside
// which feeds are allowed. A feed outside the window is a watchdog event.
// On reset the window equals the maximum timeout, so windowing is
// effectively off.
func (w *Watchdog) SetFeedWindow(windowMicros uint32) error {
	if err := w.leashedOnly(); err != nil {
		return err
	}
	if !mathx.Between(windowMicros, 0, uint32(MaxCounterMicros)) {
		return errcode.OutOfRange
	}
	w.regs.WINDOW.Store(timeToCounter(windowMicros))
	return nil
}

// SetWarningThreshold sets the threshold in microseconds before a timeout
// below which the warning interrupt fires. The warning flag stays set
// until ClearWarningFlag.
func (w *Watchdog) SetWarningThreshold(thresholdMicros uint32) error {
	if err := w.leashedOnly(); err != nil {
		return err
	}
	if !mathx.Between(thresholdMicros, 0, uint32(MaxWarningMicros)) {
		return errcode.OutOfRange
	}
	w.regs.WARNINT.Store(timeToCounter(thresholdMicros))
	return nil
}

// EnableReset makes a timeout trigger a full system reset. Cannot be
// undone until the reset occurs.
func (w *Watchdog) EnableReset() error {
	if err := w.leashedOnly(); err != nil {
		return err
	}
	w.regs.MOD.SetBits(modWDRESET)
	return nil
}

// Lock permanently prevents the watchdog oscillator from being powered
// down until reset.
func (w *Watchdog) Lock() error {
	if err := w.leashedOnly(); err != nil {
		return err
	}
	w.regs.MOD.SetBits(modLOCK)
	return nil
}

// ProtectTimeout permanently prevents the timeout counter from being
// changed until reset, unless the counter is below the warning and window
// thresholds. A SetTimeout alone does not trip this; the following Feed
// does.
func (w *Watchdog) ProtectTimeout() error {
	if err := w.leashedOnly(); err != nil {
		return err
	}
	w.regs.MOD.SetBits(modWDPROTECT)
	return nil
}

// Unleash starts the watchdog and performs the first feed. The watchdog
// cannot be stopped again until a system reset; configuration methods
// other than SetTimeout fail from here on.
func (w *Watchdog) Unleash() {
	w.mu.Lock()
	w.unleashed = true
	w.mu.Unlock()

	w.regs.MOD.SetBits(modWDEN)
	w.Feed()
}

// Feed reloads the timeout counter from the value set by SetTimeout. The
// two feed bytes must not be separated by other watchdog register
// traffic, so the sequence runs under the instance lock.
func (w *Watchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.regs.FEED.Store(0xAA)
	w.regs.FEED.Store(0x55)
}

// Warning reports whether the counter has fallen below the warning
// threshold. The flag is sticky until ClearWarningFlag.
func (w *Watchdog) Warning() bool {
	return w.regs.MOD.Load()&modWDINT != 0
}

// ClearWarningFlag clears the warning interrupt flag.
func (w *Watchdog) ClearWarningFlag() {
	w.regs.MOD.ClearBits(modWDINT)
}

// TimedOut reports whether a timeout event has occurred. The flag
// survives a watchdog reset so start-up code can detect one.
func (w *Watchdog) TimedOut() bool {
	return w.regs.MOD.Load()&modWDTOF != 0
}

// ClearTimeoutFlag clears the watchdog timeout flag.
func (w *Watchdog) ClearTimeoutFlag() {
	w.regs.MOD.ClearBits(modWDTOF)
}

// Timeout returns the time in microseconds until a timeout event occurs.
func (w *Watchdog) Timeout() uint32 {
	return counterToTime(w.regs.TV.Load())
}

// FeedWindow returns the current feed window in microseconds.
func (w *Watchdog) FeedWindow() uint32 {
	return counterToTime(w.regs.WINDOW.Load())
}

// WarningThreshold returns the current warning threshold in microseconds.
func (w *Watchdog) WarningThreshold() uint32 {
	return counterToTime(w.regs.WARNINT.Load())
}

// WaitForWarning suspends until the warning flag is set. The caller
// should feed the watchdog and then ClearWarningFlag before waiting
// again.
func (w *Watchdog) WaitForWarning(ctx context.Context) error {
	return w.waker.Wait(ctx,
		func() (bool, error) {
			return w.regs.MOD.Load()&modWDINT != 0, nil
		},
		nil,
	)
}

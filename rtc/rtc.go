// rtc/rtc.go
//
// Package rtc implements the monotonic time driver on the 1kHz RTC wake
// counter. The hardware counter is too small to hold time directly, so a
// 31-bit software-extended counter lives in GPREG0, a software period
// counter tracks 2^31-tick wraps, and GPREG1/GPREG2 serve as the alarm
// compare and alarm enable.
//
// Logical now is (period << 31) + counter. Bit 31 of GPREG0 mirrors the
// parity of the period so that a reader racing the wrap handler can tell
// which period its counter sample belongs to: period is always read
// strictly before the counter, and the parity correction in calcNow
// reinterprets a post-wrap counter against a pre-wrap period.
package rtc

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/xushengfei/embassy-imxrt-sub000/i2c"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
	"github.com/xushengfei/embassy-imxrt-sub000/x/mathx"
)

// Registers is the RTC register block, reduced to the pieces the time
// driver uses: control, the 1kHz wake countdown, and the three general
// purpose registers that survive deep sleep.
type Registers struct {
	CTRL  mmio.Reg32
	WAKE  mmio.Reg32
	GPREG [3]mmio.Reg32
}

// CTRL bits.
const (
	ctrlRTCEn    = 1 << 7
	ctrl1kHzEn   = 1 << 6
	ctrlWake1kHz = 1 << 4
)

const (
	// tickIncrement is reloaded into the wake countdown each firing, so
	// every interrupt advances the extended counter by this many 1kHz
	// ticks.
	tickIncrement = 0xA

	// counterMask selects the 31 counter bits of GPREG0; bit 31 is the
	// period parity.
	counterMask = 0x7FFF_FFFF

	// armHorizon is the window within which an alarm is armed
	// immediately; deadlines further out wait for the next wrap.
	armHorizon = 0xC000_0000

	// minArmDelta keeps the compare value comfortably ahead of the
	// counter so an alarm is never armed into the past.
	minArmDelta = 10

	unarmed = math.MaxUint64
)

// calcNow combines the period and a counter sample into 64-bit ticks.
// When the sample carries the parity of the next period, the correction
// contributes the missing 2^31.
func calcNow(period, counter uint32) uint64 {
	return uint64(period)<<31 + uint64(counter^(period&1)<<31)
}

// waiterQueue is a min-heap of pending deadlines.
type waiterQueue []waiter

type waiter struct {
	at   uint64
	cell *waitq.Cell
}

func (q waiterQueue) Len() int            { return len(q) }
func (q waiterQueue) Less(i, j int) bool  { return q[i].at < q[j].at }
func (q waiterQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *waiterQueue) Push(x interface{}) { *q = append(*q, x.(waiter)) }
func (q *waiterQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	*q = old[:n-1]
	return w
}

// Driver is the monotonic time driver. It satisfies the i2c.Clock
// contract, so I2C software timeouts run off this clock.
type Driver struct {
	regs   *Registers
	period atomic.Uint32

	mu      sync.Mutex
	alarmAt uint64
	queue   waiterQueue
}

var _ i2c.Clock = (*Driver)(nil)

// New starts the 1kHz wake counter and binds the RTC interrupt shim.
func New(regs *Registers, vec *irq.Table) *Driver {
	d := &Driver{regs: regs, alarmAt: unarmed}

	regs.CTRL.SetBits(ctrlRTCEn | ctrl1kHzEn)
	regs.WAKE.Store(tickIncrement)
	// park the compare above any reachable counter value
	regs.GPREG[1].Store(counterMask)
	regs.GPREG[2].Store(0)

	vec.Register(irq.RTC, d.serviceIRQ)
	return d
}

// Now returns the current time in 1kHz ticks since the driver started.
// The period must be loaded strictly before the counter; calcNow repairs
// the one interleaving a wrap can produce.
func (d *Driver) Now() uint64 {
	period := d.period.Load()
	counter := d.regs.GPREG[0].Load()
	return calcNow(period, counter)
}

func (d *Driver) serviceIRQ() {
	if d.regs.CTRL.Load()&ctrlWake1kHz != 0 {
		d.regs.CTRL.ClearBits(ctrlWake1kHz)
		d.regs.WAKE.Store(tickIncrement)

		sample := d.regs.GPREG[0].Load()
		ticks := sample & counterMask
		if ticks+tickIncrement >= 1<<31 {
			period := d.nextPeriod()
			// restart at the overflow remainder so no tick is lost, and
			// stamp the new period's parity into bit 31
			rem := ticks + tickIncrement - 1<<31
			d.regs.GPREG[0].Store(rem | (period&1)<<31)
		} else {
			d.regs.GPREG[0].Store(sample + tickIncrement)
		}
	}

	if d.regs.GPREG[2].Load() == 1 &&
		d.regs.GPREG[0].Load()&counterMask > d.regs.GPREG[1].Load() {
		d.fireAlarm()
	}
}

// nextPeriod advances the period counter and arms the alarm enable if
// the pending deadline falls within the new period's horizon.
func (d *Driver) nextPeriod() uint32 {
	period := d.period.Add(1)

	d.mu.Lock()
	if d.alarmAt < uint64(period)<<31+armHorizon {
		d.regs.GPREG[2].Store(1)
	}
	d.mu.Unlock()
	return period
}

// SetAlarm arms the hardware compare for the given timestamp. It reports
// false when the timestamp is already due, in which case the alarm is
// left disarmed and the caller re-derives its next deadline. ScheduleWake
// is the normal entry point; SetAlarm is the primitive beneath it.
func (d *Driver) SetAlarm(timestamp uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setAlarmLocked(timestamp)
}

func (d *Driver) setAlarmLocked(timestamp uint64) bool {
	now := d.Now()
	if timestamp <= now {
		d.regs.GPREG[2].Store(0)
		d.alarmAt = unarmed
		return false
	}
	d.alarmAt = timestamp

	// an alarm may fire late but never early; pad the compare so it
	// cannot land on a tick the counter has already passed
	safe := mathx.Max(timestamp, now+minArmDelta)
	d.regs.GPREG[1].Store(uint32(safe) & counterMask)

	if timestamp-now < armHorizon {
		d.regs.GPREG[2].Store(1)
	} else {
		// too far out for a 31-bit compare; nextPeriod arms it once the
		// deadline is within reach
		d.regs.GPREG[2].Store(0)
	}
	return true
}

func (d *Driver) fireAlarm() {
	d.mu.Lock()
	d.regs.GPREG[2].Store(0)
	d.regs.GPREG[1].Store(counterMask)
	d.alarmAt = unarmed

	now := d.Now()
	for len(d.queue) > 0 && d.queue[0].at <= now {
		heap.Pop(&d.queue).(waiter).cell.Wake()
	}
	d.rearmLocked()
	d.mu.Unlock()
}

// rearmLocked arms the alarm for the earliest queued deadline, waking and
// popping any that expire while it loops.
func (d *Driver) rearmLocked() {
	for len(d.queue) > 0 {
		if d.setAlarmLocked(d.queue[0].at) {
			return
		}
		heap.Pop(&d.queue).(waiter).cell.Wake()
	}
	d.regs.GPREG[2].Store(0)
	d.regs.GPREG[1].Store(counterMask)
	d.alarmAt = unarmed
}

// ScheduleWake wakes the cell once Now reaches deadline. A deadline in
// the past wakes the cell immediately. Entries are never removed early;
// a wake nobody is waiting for is a no-op.
func (d *Driver) ScheduleWake(deadline uint64, cell *waitq.Cell) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if deadline <= d.Now() {
		cell.Wake()
		return
	}
	heap.Push(&d.queue, waiter{at: deadline, cell: cell})
	if d.queue[0].at == deadline {
		d.rearmLocked()
	}
}

// WaitUntil suspends until Now reaches deadline or ctx is cancelled.
func (d *Driver) WaitUntil(ctx context.Context, deadline uint64) error {
	cell := waitq.New()
	d.ScheduleWake(deadline, cell)
	return cell.Wait(ctx,
		func() (bool, error) {
			return d.Now() >= deadline, nil
		},
		nil,
	)
}

// Sleep suspends for the given number of 1kHz ticks.
func (d *Driver) Sleep(ctx context.Context, ticks uint64) error {
	return d.WaitUntil(ctx, d.Now()+ticks)
}

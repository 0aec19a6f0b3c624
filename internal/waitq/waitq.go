// internal/waitq/waitq.go
//
// Package waitq implements the per-resource waker cells that connect
// interrupt shims to suspended operations.
//
// A Cell is a coalesced one-slot notification: Wake never blocks and never
// allocates, so it is safe to call from interrupt context, and waking an
// empty cell is a no-op. At most one operation may wait on a cell at a
// time; a second concurrent waiter steals wake-ups from the first. That is
// a documented limitation of the single-slot design, not something callers
// should rely on.
package waitq

import "context"

// Cell is a single-slot waker for one hardware resource (a DMA channel, an
// I2C bus instance, the RNG, a watchdog, the eSPI controller).
type Cell struct {
	ch chan struct{}
}

// New returns a ready-to-use cell.
func New() *Cell {
	return &Cell{ch: make(chan struct{}, 1)}
}

// Wake marks the cell signalled and resumes the waiter, if any. It is
// non-blocking and allocation-free; interrupt shims call it and nothing
// else.
func (c *Cell) Wake() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

// drain discards a stale wake-up left over from a previous operation so it
// cannot satisfy the upcoming wait spuriously.
func (c *Cell) drain() {
	select {
	case <-c.ch:
	default:
	}
}

// Wait suspends until poll reports done or ctx is cancelled.
//
// poll inspects hardware status and reports (done, err); arm is called
// after the waiter is registered and must enable the interrupt source that
// will Wake this cell. The sequence per iteration is:
//
//	1. poll     — the event may already have happened
//	2. register — (implicit: the cell is armed from here on)
//	3. arm      — enable the interrupt
//	4. poll     — closes the race between 1 and 3
//	5. block    — yield until Wake or cancellation
//
// Cancellation abandons the wait; it does not undo anything the caller has
// started in hardware.
func (c *Cell) Wait(ctx context.Context, poll func() (bool, error), arm func()) error {
	if done, err := poll(); done {
		return err
	}
	for {
		c.drain()
		if arm != nil {
			arm()
		}
		if done, err := poll(); done {
			return err
		}
		select {
		case <-c.ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		if done, err := poll(); done {
			return err
		}
	}
}

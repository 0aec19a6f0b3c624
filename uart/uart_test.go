// uart/uart_test.go
package uart

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
)

const testClockHz = 16_000_000

// uartModel is the host-side line model: it drains the transmit
// handshake, optionally loops drained bytes back into the receiver, and
// lets tests feed receive data and inject line errors.
type uartModel struct {
	t        *testing.T
	regs     *Registers
	vec      *irq.Table
	src      irq.Source
	loopback bool

	mu   sync.Mutex
	sent []byte
}

func startModel(t *testing.T, regs *Registers, vec *irq.Table, loopback bool) *uartModel {
	t.Helper()
	m := &uartModel{t: t, regs: regs, vec: vec, src: irq.Flexcomm0, loopback: loopback}

	// out of reset the shifter is idle and the FIFO has room
	regs.FIFOSTAT.SetBits(fifoStatTxNotFull)
	regs.STAT.SetBits(statTxIdle)

	quit := make(chan struct{})
	go m.run(quit)
	t.Cleanup(func() { close(quit) })
	return m
}

func (m *uartModel) run(quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		default:
		}
		// a cleared not-full flag is the driver handing over a byte
		if m.regs.FIFOSTAT.Load()&fifoStatTxNotFull == 0 {
			b := byte(m.regs.FIFOWR.Load())
			m.mu.Lock()
			m.sent = append(m.sent, b)
			m.mu.Unlock()
			if m.loopback {
				m.feedByte(b)
			}
			m.regs.FIFOSTAT.SetBits(fifoStatTxNotFull)
			m.regs.STAT.SetBits(statTxIdle)
			m.vec.Pend(m.src)
		}
		runtime.Gosched()
	}
}

func (m *uartModel) feedByte(b byte) {
	deadline := time.Now().Add(time.Second)
	for m.regs.FIFOSTAT.Load()&fifoStatRxNotEmpty != 0 {
		if time.Now().After(deadline) {
			m.t.Error("receiver never drained the previous byte")
			return
		}
		runtime.Gosched()
	}
	m.regs.FIFORD.Store(uint32(b))
	m.regs.FIFOSTAT.SetBits(fifoStatRxNotEmpty)
	m.vec.Pend(m.src)
}

func (m *uartModel) feed(data []byte) {
	for _, b := range data {
		m.feedByte(b)
	}
}

func (m *uartModel) drained() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent...)
}

type fakeClock struct {
	mu sync.Mutex
	t  uint64
}

func (c *fakeClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(ticks uint64) {
	c.mu.Lock()
	c.t += ticks
	c.mu.Unlock()
}

func newUart(t *testing.T, cfg Config) (*Uart, *Registers, *irq.Table) {
	t.Helper()
	regs := &Registers{}
	vec := new(irq.Table)
	u, err := New(regs, vec, irq.Flexcomm0, testClockHz, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return u, regs, vec
}

func TestBaudrateDivisors(t *testing.T) {
	osr, brg, err := computeBaud(testClockHz, 9600)
	if err != nil {
		t.Fatalf("computeBaud: %v", err)
	}
	// 16MHz / (16 * 104) = 9615Hz, the closest reachable rate
	if osr != 0xF || brg != 103 {
		t.Errorf("divisors = %d/%d, want 15/103", osr, brg)
	}

	if _, _, err := computeBaud(testClockHz, 0); err != errcode.Unsupported {
		t.Errorf("zero baud = %v, want Unsupported", err)
	}
	if _, _, err := computeBaud(testClockHz, 1); err != errcode.Unsupported {
		t.Errorf("unreachable baud = %v, want Unsupported", err)
	}
}

func TestNewProgramsDivisors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Baudrate = 9600
	_, regs, _ := newUart(t, cfg)

	if got := regs.OSR.Load(); got != 0xF {
		t.Errorf("OSR = %d, want 15", got)
	}
	if got := regs.BRG.Load(); got != 103 {
		t.Errorf("BRG = %d, want 103", got)
	}
	if regs.CFG.Load()&cfgEnable == 0 {
		t.Error("engine not enabled")
	}
}

func TestConfigValidation(t *testing.T) {
	regs := &Registers{}
	vec := new(irq.Table)

	cfg := DefaultConfig()
	cfg.Parity = 1 // reserved encoding
	if _, err := New(regs, vec, irq.Flexcomm0, testClockHz, cfg); err != errcode.Unsupported {
		t.Errorf("reserved parity = %v, want Unsupported", err)
	}

	cfg = DefaultConfig()
	cfg.Timeout = time.Second // no clock to measure it with
	if _, err := New(regs, vec, irq.Flexcomm0, testClockHz, cfg); err != errcode.Unsupported {
		t.Errorf("timeout without clock = %v, want Unsupported", err)
	}
}

func TestWriteDrains(t *testing.T) {
	u, regs, vec := newUart(t, DefaultConfig())
	m := startModel(t, regs, vec, false)

	data := []byte("watchdog")
	n, err := u.Write(context.Background(), data)
	if err != nil || n != len(data) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if got := m.drained(); !bytes.Equal(got, data) {
		t.Fatalf("line saw %q, want %q", got, data)
	}
	if regs.STAT.Load()&statTxIdle == 0 {
		t.Fatal("Write returned with the shifter busy")
	}
}

func TestReadDelivers(t *testing.T) {
	u, regs, vec := newUart(t, DefaultConfig())
	m := startModel(t, regs, vec, false)

	go m.feed([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	buf := make([]byte, 4)
	n, err := u.Read(context.Background(), buf)
	if err != nil || n != 4 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if !bytes.Equal(buf, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("Read delivered %x", buf)
	}
}

func TestLoopback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Loopback = true
	u, regs, vec := newUart(t, cfg)
	startModel(t, regs, vec, true)

	data := []byte{1, 2, 3, 4, 5}
	go func() {
		if _, err := u.Write(context.Background(), data); err != nil {
			t.Errorf("Write: %v", err)
		}
	}()

	buf := make([]byte, len(data))
	if _, err := u.Read(context.Background(), buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("loopback delivered %x, want %x", buf, data)
	}
}

func TestReadLineErrors(t *testing.T) {
	cases := []struct {
		name string
		bit  uint32
		want error
	}{
		{"parity", statParityErr, errcode.Parity},
		{"framing", statFrameErr, errcode.Frame},
		{"noise", statRxNoise, errcode.Noise},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, regs, vec := newUart(t, DefaultConfig())
			m := startModel(t, regs, vec, false)

			// two clean bytes, then the line goes bad
			m.feedByte(0x11)
			done := make(chan struct{})
			var n int
			var err error
			buf := make([]byte, 8)
			go func() {
				n, err = u.Read(context.Background(), buf)
				close(done)
			}()
			m.feedByte(0x22) // returns once the reader drained the first

			deadline := time.Now().Add(time.Second)
			for regs.FIFOSTAT.Load()&fifoStatRxNotEmpty != 0 {
				if time.Now().After(deadline) {
					t.Fatal("clean bytes never consumed")
				}
				runtime.Gosched()
			}
			regs.STAT.SetBits(tc.bit)
			vec.Pend(irq.Flexcomm0)

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("Read never surfaced the line error")
			}
			if err != tc.want {
				t.Fatalf("Read = %v, want %v", err, tc.want)
			}
			if n != 2 {
				t.Fatalf("Read = %d bytes before the error, want 2", n)
			}
			if regs.STAT.Load()&tc.bit != 0 {
				t.Fatal("error flag not consumed")
			}
		})
	}
}

func TestReadOverrun(t *testing.T) {
	u, regs, vec := newUart(t, DefaultConfig())

	regs.FIFOSTAT.SetBits(fifoStatRxErr)
	done := make(chan error, 1)
	go func() {
		_, err := u.Read(context.Background(), make([]byte, 1))
		done <- err
	}()
	vec.Pend(irq.Flexcomm0)

	select {
	case err := <-done:
		if err != errcode.ReadFail {
			t.Fatalf("Read = %v, want ReadFail", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read never surfaced the overrun")
	}
	if regs.FIFOCFG.Load()&fifoCfgEmptyRx == 0 {
		t.Fatal("overrun must flush the receive FIFO")
	}
}

func TestReadSoftwareTimeout(t *testing.T) {
	fc := &fakeClock{}
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.Clock = fc
	u, regs, vec := newUart(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := u.Read(context.Background(), make([]byte, 1))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Read returned before the deadline: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	fc.advance(100)
	regs.STAT.SetBits(statRxTimeout)
	vec.Pend(irq.Flexcomm0)

	select {
	case err := <-done:
		if err != errcode.Timeout {
			t.Fatalf("Read = %v, want Timeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read never timed out")
	}
}

func TestReadCancellation(t *testing.T) {
	u, _, _ := newUart(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := u.Read(ctx, make([]byte, 1))
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Read = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Read never returned")
	}
}

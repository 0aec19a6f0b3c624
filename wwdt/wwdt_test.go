// wwdt/wwdt_test.go
package wwdt

import (
	"context"
	"testing"
	"time"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
)

func newWatchdog(t *testing.T, timeoutMicros uint32) (*Watchdog, *Registers, *irq.Table) {
	t.Helper()
	regs := &Registers{}
	vec := new(irq.Table)
	w, err := New(regs, vec, irq.WDT0, timeoutMicros)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, regs, vec
}

func TestTimeoutBounds(t *testing.T) {
	regs := &Registers{}
	vec := new(irq.Table)

	if _, err := New(regs, vec, irq.WDT0, MinTimeoutMicros-1); err != errcode.OutOfRange {
		t.Errorf("below-minimum timeout = %v, want OutOfRange", err)
	}
	if _, err := New(regs, vec, irq.WDT0, MaxCounterMicros+1); err != errcode.OutOfRange {
		t.Errorf("above-maximum timeout = %v, want OutOfRange", err)
	}

	w, err := New(regs, vec, irq.WDT0, MinTimeoutMicros)
	if err != nil {
		t.Fatalf("minimum timeout rejected: %v", err)
	}
	if got := regs.TC.Load(); got != 255 {
		t.Errorf("TC = %d, want 255", got)
	}
	if err := w.SetTimeout(MaxCounterMicros); err != nil {
		t.Fatalf("maximum timeout rejected: %v", err)
	}
	if got := regs.TC.Load(); got != 16_777_215 {
		t.Errorf("TC = %d, want 16777215", got)
	}
}

func TestTimeConversionRoundTrip(t *testing.T) {
	for _, us := range []uint32{MinTimeoutMicros, 4096, 1 << 20, MaxCounterMicros} {
		if got := counterToTime(timeToCounter(us)); got != us {
			t.Errorf("round trip of %dus = %dus", us, got)
		}
	}
}

func TestWarningThreshold(t *testing.T) {
	w, regs, _ := newWatchdog(t, MinTimeoutMicros)

	if err := w.SetWarningThreshold(MaxWarningMicros + 1); err != errcode.OutOfRange {
		t.Errorf("oversize threshold = %v, want OutOfRange", err)
	}
	if err := w.SetWarningThreshold(MaxWarningMicros); err != nil {
		t.Fatalf("SetWarningThreshold: %v", err)
	}
	if got := regs.WARNINT.Load(); got != 1023 {
		t.Errorf("WARNINT = %d, want 1023", got)
	}
	if got := w.WarningThreshold(); got != MaxWarningMicros {
		t.Errorf("WarningThreshold = %d, want %d", got, MaxWarningMicros)
	}
}

func TestFeedWindowBounds(t *testing.T) {
	w, regs, _ := newWatchdog(t, MinTimeoutMicros)

	if err := w.SetFeedWindow(MaxCounterMicros + 1); err != errcode.OutOfRange {
		t.Errorf("oversize window = %v, want OutOfRange", err)
	}
	if err := w.SetFeedWindow(8192); err != nil {
		t.Fatalf("SetFeedWindow: %v", err)
	}
	if got := regs.WINDOW.Load(); got != 8192/psc-1 {
		t.Errorf("WINDOW = %d, want %d", got, 8192/psc-1)
	}
}

func TestUnleashFeeds(t *testing.T) {
	w, regs, _ := newWatchdog(t, MinTimeoutMicros)

	w.Unleash()
	if regs.MOD.Load()&modWDEN == 0 {
		t.Error("WDEN not set after Unleash")
	}
	// the second feed byte is the last write to FEED
	if got := regs.FEED.Load(); got != 0x55 {
		t.Errorf("FEED = %#x, want 0x55", got)
	}
}

func TestConfigurationLockedAfterUnleash(t *testing.T) {
	w, _, _ := newWatchdog(t, MinTimeoutMicros)
	w.Unleash()

	if err := w.SetFeedWindow(4096); err != errcode.Unsupported {
		t.Errorf("SetFeedWindow = %v, want Unsupported", err)
	}
	if err := w.SetWarningThreshold(1024); err != errcode.Unsupported {
		t.Errorf("SetWarningThreshold = %v, want Unsupported", err)
	}
	if err := w.EnableReset(); err != errcode.Unsupported {
		t.Errorf("EnableReset = %v, want Unsupported", err)
	}
	if err := w.Lock(); err != errcode.Unsupported {
		t.Errorf("Lock = %v, want Unsupported", err)
	}
	if err := w.ProtectTimeout(); err != errcode.Unsupported {
		t.Errorf("ProtectTimeout = %v, want Unsupported", err)
	}
	// retargeting the timeout stays legal while running
	if err := w.SetTimeout(2 * MinTimeoutMicros); err != nil {
		t.Errorf("SetTimeout while unleashed: %v", err)
	}
}

func TestTimeoutFlag(t *testing.T) {
	w, regs, _ := newWatchdog(t, MinTimeoutMicros)

	regs.MOD.SetBits(modWDTOF)
	if !w.TimedOut() {
		t.Fatal("TimedOut = false with flag set")
	}
	w.ClearTimeoutFlag()
	if w.TimedOut() {
		t.Fatal("TimedOut = true after clear")
	}
}

func TestTimeoutGetterTracksCounter(t *testing.T) {
	w, regs, _ := newWatchdog(t, MinTimeoutMicros)

	regs.TV.Store(255)
	if got := w.Timeout(); got != MinTimeoutMicros {
		t.Errorf("Timeout = %d, want %d", got, MinTimeoutMicros)
	}
}

func TestWaitForWarning(t *testing.T) {
	w, regs, vec := newWatchdog(t, MinTimeoutMicros)

	done := make(chan error, 1)
	go func() {
		done <- w.WaitForWarning(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("WaitForWarning returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	regs.MOD.SetBits(modWDINT)
	vec.Pend(irq.WDT0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForWarning: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForWarning never woke")
	}

	if !w.Warning() {
		t.Fatal("warning flag not observable after wake")
	}
	w.ClearWarningFlag()
	if w.Warning() {
		t.Fatal("warning flag survived clear")
	}
}

func TestWaitForWarningCancellation(t *testing.T) {
	w, _, _ := newWatchdog(t, MinTimeoutMicros)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.WaitForWarning(ctx)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("WaitForWarning = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled WaitForWarning never returned")
	}
}

// espi/espi_test.go
package espi

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
)

func newController(t *testing.T, cfg Config) (*Controller, *Registers, *irq.Table) {
	t.Helper()
	regs := &Registers{}
	vec := new(irq.Table)
	c, err := New(regs, vec, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, regs, vec
}

// pend delivers a controller event the way the silicon would: status in
// MSTAT, the same bits latched in INTSTAT, then the interrupt line.
func pend(regs *Registers, vec *irq.Table, bits uint32) {
	regs.MSTAT.SetBits(bits)
	regs.INTSTAT.Store(bits)
	vec.Pend(irq.ESPI)
}

func TestConfigureAcpiEndpoint(t *testing.T) {
	var cfg Config
	cfg.Ports[0] = PortConfig{Kind: AcpiEndpoint, Direction: Bidirectional, Addr: 0x62}
	_, regs, _ := newController(t, cfg)

	p := &regs.Port[0]
	if got := p.CFG.Load(); got != cfgTypeAcpiEnd|uint32(Bidirectional)<<cfgDirShift {
		t.Errorf("CFG = %#x", got)
	}
	if got := p.ADDR.Load(); got != 0x62 {
		t.Errorf("ADDR = %#x, want 0x62", got)
	}
	if got := p.DATAOUT.Load(); got != 0x44 {
		t.Errorf("DATAOUT = %#x, want 0x44", got)
	}
	if regs.MCTRL.Load()&penaBit(0) == 0 {
		t.Error("port 0 not enabled")
	}
	if regs.MCTRL.Load()&mctrlEnableESPI == 0 {
		t.Error("controller not in eSPI mode")
	}
}

func TestConfigureMailbox(t *testing.T) {
	var cfg Config
	cfg.Ports[2] = PortConfig{
		Kind:      MailboxShared,
		Direction: HostToDevice,
		Addr:      0x200,
		Offset:    0x106, // not word aligned, must be rounded down
		Length:    Len256,
	}
	_, regs, _ := newController(t, cfg)

	p := &regs.Port[2]
	if got := p.CFG.Load(); got != cfgTypeMboxShared|uint32(HostToDevice)<<cfgDirShift {
		t.Errorf("CFG = %#x", got)
	}
	if got := p.RAMUSE.Load(); got != 0x104|uint32(Len256)<<16 {
		t.Errorf("RAMUSE = %#x", got)
	}
	if regs.MCTRL.Load()&penaBit(2) == 0 {
		t.Error("port 2 not enabled")
	}
}

func TestUnconfiguredPortDisabled(t *testing.T) {
	var cfg Config
	cfg.Ports[1] = PortConfig{Kind: AcpiEndpoint}
	c, regs, _ := newController(t, cfg)

	if err := c.Configure(1, PortConfig{Kind: Unconfigured}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if regs.MCTRL.Load()&penaBit(1) != 0 {
		t.Error("port 1 still enabled after unconfigure")
	}

	if err := c.Configure(PortCount, PortConfig{}); err != errcode.OutOfRange {
		t.Errorf("Configure(%d) = %v, want OutOfRange", PortCount, err)
	}
}

func TestStatusBlockEnable(t *testing.T) {
	addr := uint16(0x3C0)
	_, regs, _ := newController(t, Config{StatusAddr: &addr})

	if got := regs.STATADDR.Load(); got != 0x3C0 {
		t.Errorf("STATADDR = %#x, want 0x3C0", got)
	}
	if regs.MCTRL.Load()&mctrlSBlkEna == 0 {
		t.Error("status block not enabled")
	}
}

func TestWaitForEventPortAccess(t *testing.T) {
	c, regs, vec := newController(t, Config{})

	type result struct {
		ev  Event
		err error
	}
	done := make(chan result, 1)
	go func() {
		ev, err := c.WaitForEvent(context.Background())
		done <- result{ev, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("WaitForEvent returned early: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	// host writes 4 bytes at offset 0x24 on port 3
	regs.Port[3].DATAIN.Store(0x24 | 3<<datainLenShift | datainWriteFlag)
	pend(regs, vec, statPortInt3)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("WaitForEvent: %v", r.err)
		}
		if r.ev.Kind != EventPort || r.ev.Port != 3 {
			t.Fatalf("event = %+v, want port 3", r.ev)
		}
		if r.ev.Data.Offset != 0x24 || r.ev.Data.Length != 4 || !r.ev.Data.Write {
			t.Fatalf("port event = %+v", r.ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForEvent never woke")
	}

	// the event stays asserted until the port is completed
	if regs.MSTAT.Load()&statPortInt3 == 0 {
		t.Fatal("port event consumed before CompletePort")
	}
	c.CompletePort(3)
	if regs.MSTAT.Load()&statPortInt3 != 0 {
		t.Fatal("port event survived CompletePort")
	}
	if regs.Port[3].IRULESTAT.Load()&iruleSRst == 0 {
		t.Fatal("port rule state machine not re-armed")
	}
}

func TestWaitForEventWireChange(t *testing.T) {
	c, regs, vec := newController(t, Config{})

	regs.WIRERO.Store(wireSlpS3 | wireHostRstWarn | wireHostC10 | 0x5A<<wireP2EShift)

	done := make(chan Event, 1)
	go func() {
		ev, err := c.WaitForEvent(context.Background())
		if err != nil {
			t.Errorf("WaitForEvent: %v", err)
		}
		done <- ev
	}()

	time.Sleep(5 * time.Millisecond)
	pend(regs, vec, statWireChg)

	select {
	case ev := <-done:
		if ev.Kind != EventWireChange {
			t.Fatalf("event kind = %d, want wire change", ev.Kind)
		}
		w := ev.Wire
		if !w.S3Sleep || !w.HostResetWarn || !w.HostC10 {
			t.Errorf("decoded wires = %+v", w)
		}
		if w.S4Sleep || w.SuspendWarn || w.PlatformReset {
			t.Errorf("spurious wires in %+v", w)
		}
		if w.P2E != 0x5A {
			t.Errorf("P2E = %#x, want 0x5A", w.P2E)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForEvent never woke")
	}

	// wire-change events are consumed by delivery
	if regs.MSTAT.Load()&statWireChg != 0 {
		t.Fatal("wire-change flag survived delivery")
	}
}

func TestWaitForEventErrors(t *testing.T) {
	cases := []struct {
		name string
		bit  uint32
		want error
	}{
		{"crc", statCrcErr, errcode.Crc},
		{"hstall", statHStall, errcode.HStall},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, regs, vec := newController(t, Config{})

			done := make(chan error, 1)
			go func() {
				_, err := c.WaitForEvent(context.Background())
				done <- err
			}()

			time.Sleep(5 * time.Millisecond)
			pend(regs, vec, tc.bit)

			select {
			case err := <-done:
				if err != tc.want {
					t.Fatalf("WaitForEvent = %v, want %v", err, tc.want)
				}
			case <-time.After(time.Second):
				t.Fatal("WaitForEvent never woke")
			}
			if regs.MSTAT.Load()&tc.bit != 0 {
				t.Fatal("error flag not cleared")
			}
		})
	}
}

func TestWaitForReset(t *testing.T) {
	c, regs, vec := newController(t, Config{})

	done := make(chan error, 1)
	go func() {
		done <- c.WaitForReset(context.Background())
	}()

	time.Sleep(5 * time.Millisecond)
	pend(regs, vec, statBusRst|statInRst)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForReset: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForReset never woke")
	}
	if regs.MSTAT.Load()&(statBusRst|statInRst) != 0 {
		t.Fatal("reset flags not cleared")
	}
}

func TestIRQPush(t *testing.T) {
	c, regs, vec := newController(t, Config{})

	done := make(chan error, 1)
	go func() {
		done <- c.IRQPush(context.Background(), 5)
	}()

	// the controller confirms once the line value lands in IRQPUSH
	deadline := time.Now().Add(time.Second)
	for regs.IRQPUSH.Load() != 5 {
		if time.Now().After(deadline) {
			t.Fatal("IRQPUSH never written")
		}
		runtime.Gosched()
	}
	pend(regs, vec, statIRQUpd)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("IRQPush: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("IRQPush never woke")
	}
	if regs.MSTAT.Load()&statIRQUpd != 0 {
		t.Fatal("irq-update flag not cleared")
	}
}

// ackWires runs a host model that raises the done flag on every wire
// group the device posts.
func ackWires(t *testing.T, regs *Registers) {
	t.Helper()
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-quit:
				return
			default:
			}
			regs.WIREWO.SetBits(wireDone)
			runtime.Gosched()
		}
	}()
	t.Cleanup(func() { close(quit) })
}

func TestVirtualWireCommands(t *testing.T) {
	c, regs, _ := newController(t, Config{})
	ackWires(t, regs)

	c.BootDone()
	if regs.WIREWO.Load()&wireBootDone == 0 {
		t.Error("BootDone wire not posted")
	}

	c.BootStatus(true)
	if regs.WIREWO.Load()&wireBootErr == 0 {
		t.Error("boot success wire not posted")
	}

	c.HostResetAck()
	if regs.WIREWO.Load()&wireHostRstAck == 0 {
		t.Error("HostResetAck wire not posted")
	}

	c.E2P(0xA7)
	if got := byte(regs.WIREWO.Load() >> wireE2PShift & wireE2PMask); got != 0xA7 {
		t.Errorf("E2P byte = %#x, want 0xA7", got)
	}
}

func TestCapabilityEncoding(t *testing.T) {
	v := encodeCaps(Capabilities{
		MaxSpeedMHz:      100, // beyond hardware ceiling, must clamp to 66
		AllowOOB:         true,
		FlashPayloadSize: 256,
		SAFEraseSize:     4,
	})
	if v&capOOBOK == 0 {
		t.Error("OOB capability not set")
	}
	if got := v >> capSpeedShift & 0xFF; got != 66 {
		t.Errorf("speed field = %d, want 66", got)
	}
	if got := v >> capFlashShift & 0xFF; got != 256>>6 {
		t.Errorf("flash field = %d, want %d", got, 256>>6)
	}
	if v&capSAF == 0 {
		t.Error("SAF capability not set")
	}
	if got := v >> capSAFShift & 0x7F; got != 2 {
		t.Errorf("SAF erase field = %d, want 2", got)
	}
}

// espi/espi.go
//
// Package espi drives the Enhanced Serial Peripheral Interface slave
// controller: five host-visible ports, a port-80 debug path, virtual
// wires and the IRQ push channel to the host.
package espi

import (
	"context"
	"runtime"

	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/waitq"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
	"github.com/xushengfei/embassy-imxrt-sub000/x/mathx"
)

// PortCount is the number of host-visible eSPI ports on this controller.
const PortCount = 5

// PortRegisters is the per-port register group.
type PortRegisters struct {
	CFG       mmio.Reg32
	STAT      mmio.Reg32
	IRULESTAT mmio.Reg32
	ADDR      mmio.Reg32
	RAMUSE    mmio.Reg32
	DATAIN    mmio.Reg32
	DATAOUT   mmio.Reg32
}

// Registers is the eSPI register block.
type Registers struct {
	MCTRL    mmio.Reg32
	MSTAT    mmio.Reg32
	INTENSET mmio.Reg32
	INTENCLR mmio.Reg32
	INTSTAT  mmio.Reg32
	ESPICAP  mmio.Reg32
	ESPIMISC mmio.Reg32
	STATADDR mmio.Reg32
	RAMBASE  mmio.Reg32
	MAPBASE  mmio.Reg32
	IRQPUSH  mmio.Reg32
	WIRERO   mmio.Reg32
	WIREWO   mmio.Reg32
	Port     [PortCount]PortRegisters
}

// Status bits shared by MSTAT, INTENSET, INTENCLR and INTSTAT.
const (
	statPortInt0 = 1 << 0
	statPortInt1 = 1 << 1
	statPortInt2 = 1 << 2
	statPortInt3 = 1 << 3
	statPortInt4 = 1 << 4
	statP80      = 1 << 5
	statBusRst   = 1 << 6
	statInRst    = 1 << 7
	statIRQUpd   = 1 << 8
	statWireChg  = 1 << 9
	statCrcErr   = 1 << 10
	statHStall   = 1 << 11
	statGPIO     = 1 << 12
)

func portIntBit(port int) uint32 { return 1 << uint(port) }

// Bits the event wait arms and the interrupt shim wakes on.
const eventInts = statPortInt0 | statPortInt1 | statPortInt2 | statPortInt3 |
	statPortInt4 | statP80 | statWireChg | statCrcErr | statHStall

const shimInts = eventInts | statBusRst | statInRst | statIRQUpd | statGPIO

// MCTRL bits.
const (
	mctrlEnableESPI = 1 << 0
	mctrlSBlkEna    = 1 << 1
	mctrlUse60MHz   = 1 << 2
	mctrlPenaShift  = 4 // one enable bit per port
)

func penaBit(port int) uint32 { return 1 << uint(mctrlPenaShift+port) }

// DATAIN fields.
const (
	datainIdxMask   = 0xFFF
	datainLenShift  = 12
	datainLenMask   = 0x3
	datainWriteFlag = 1 << 14
)

// Port STAT / IRULESTAT interrupt-rule bits.
const (
	pstatIntErr  = 1 << 0
	pstatIntRd   = 1 << 1
	pstatIntWr   = 1 << 2
	pstatIntSpc0 = 1 << 3
	pstatIntSpc1 = 1 << 4
	pstatIntSpc2 = 1 << 5
	pstatIntSpc3 = 1 << 6

	pstatIntAll = pstatIntErr | pstatIntRd | pstatIntWr |
		pstatIntSpc0 | pstatIntSpc1 | pstatIntSpc2 | pstatIntSpc3

	iruleUStatShift = 8
	iruleSRst       = 1 << 16
)

// WIRERO bits (host-to-device virtual wires).
const (
	wireSlpS3       = 1 << 0
	wireSlpS4       = 1 << 1
	wireSlpS5       = 1 << 2
	wireSusStat     = 1 << 3
	wirePltRst      = 1 << 4
	wireOOBRstWarn  = 1 << 5
	wireHostRstWarn = 1 << 6
	wireSusWarn     = 1 << 7
	wireSusPwrdnAck = 1 << 8
	wireSlpA        = 1 << 9
	wireSlpLAN      = 1 << 10
	wireSlpWLAN     = 1 << 11
	wireHostC10     = 1 << 12
	wireP2EShift    = 16
	wireP2EMask     = 0xFF
)

// WIREWO bits (device-to-host virtual-wire commands). The done flag is
// raised by the controller when the wire group has been delivered.
const (
	wireOOBRstAck   = 1 << 0
	wireWake        = 1 << 1
	wirePME         = 1 << 2
	wireSCI         = 1 << 3
	wireSMI         = 1 << 4
	wireRCIN        = 1 << 5
	wireHostRstAck  = 1 << 6
	wireSusAck      = 1 << 7
	wireBootDone    = 1 << 8
	wireBootErr     = 1 << 9
	wireDSWPwrOkRst = 1 << 10
	wireE2PShift    = 16
	wireE2PMask     = 0xFF
	wireDone        = 1 << 31
)

// Direction selects which side of a port the host may drive.
type Direction uint8

const (
	// HostToDevice lets the host write into the port.
	HostToDevice Direction = iota
	// DeviceToHost lets the host read from the port.
	DeviceToHost
	// Bidirectional enables both directions.
	Bidirectional
)

// Len encodes the per-direction RAM window size of a mailbox port.
type Len uint8

const (
	Len64 Len = iota
	Len128
	Len256
	Len512
)

// PortKind selects the operating mode of one port.
type PortKind uint8

const (
	Unconfigured PortKind = iota
	AcpiEndpoint
	AcpiIndex
	MailboxShared
	MailboxSingle
	MailboxSplit
	MailboxSplitOOB
	PutPcMem32
	SlaveFlash
	MemSingle
	MasterFlash
)

// CFG register type-field encodings.
const (
	cfgTypeUnconfigured = 0
	cfgTypeAcpiEnd      = 1
	cfgTypeAcpiIndex    = 2
	cfgTypeMboxShared   = 3
	cfgTypeMboxSingle   = 4
	cfgTypeMboxSplit    = 5
	cfgTypeMboxOOBSplit = 6
	cfgTypeBusMFlash    = 7
	cfgTypeBusMMem      = 8

	cfgDirShift = 8
)

func (k PortKind) cfgType() uint32 {
	switch k {
	case AcpiEndpoint:
		return cfgTypeAcpiEnd
	case AcpiIndex:
		return cfgTypeAcpiIndex
	case MailboxShared, PutPcMem32:
		return cfgTypeMboxShared
	case MailboxSingle:
		return cfgTypeMboxSingle
	case MailboxSplit:
		return cfgTypeMboxSplit
	case MailboxSplitOOB:
		return cfgTypeMboxOOBSplit
	case SlaveFlash, MasterFlash:
		return cfgTypeBusMFlash
	case MemSingle:
		return cfgTypeBusMMem
	default:
		return cfgTypeUnconfigured
	}
}

// PortConfig describes one port. Fields beyond Kind apply only to the
// kinds that use them: Addr for endpoints and mailboxes, Offset/Length
// for mailboxes.
type PortConfig struct {
	Kind      PortKind
	Direction Direction

	// Addr is the offset from 0 or the selected mapped base the host
	// matches against.
	Addr uint16

	// Offset is the word-aligned offset into the shared RAM window.
	Offset uint16

	// Length is the mailbox or mastering area size per direction.
	Length Len
}

// Capabilities advertised to the host during link negotiation.
type Capabilities struct {
	// SingleMode restricts the link to single-IO instead of quad.
	SingleMode bool

	// MaxSpeedMHz caps the link clock; the controller rounds down to a
	// supported step.
	MaxSpeedMHz uint8

	AlertAsPin      bool
	AllowOOB        bool
	Allow128Payload bool

	// FlashPayloadSize is the maximum flash payload in bytes.
	FlashPayloadSize uint16

	// SAFEraseSize is the slave-attached-flash erase unit in KiB; zero
	// disables SAF.
	SAFEraseSize uint16
}

// Config is the controller-wide configuration.
type Config struct {
	Caps Capabilities

	// Use60MHz selects the 60MHz internal clock.
	Use60MHz bool

	// RAMBase is the base address of the shared RAM window.
	RAMBase uint32

	// Base0Addr and Base1Addr are the two host-mapped base addresses;
	// only the top 16 bits are programmed.
	Base0Addr uint32
	Base1Addr uint32

	// StatusAddr, when non-nil, enables the status block at that offset.
	StatusAddr *uint16

	Ports [PortCount]PortConfig
}

// PortEvent describes one host access to a port.
type PortEvent struct {
	// Offset accessed by the host, relative to the port mapping.
	Offset int

	// Length of the access in bytes (1, 2 or 4).
	Length int

	// Write is true when the host wrote to the port.
	Write bool
}

// WireChangeEvent is a snapshot of the host-driven virtual wires taken
// when a change interrupt fires.
type WireChangeEvent struct {
	// S3Sleep, S4Sleep and S5Sleep assert when power to non-critical
	// systems should be shut off for the corresponding sleep state.
	S3Sleep bool
	S4Sleep bool
	S5Sleep bool

	// SuspendStatus asserts when the system will enter a low power state
	// soon.
	SuspendStatus bool

	// PlatformReset carries platform reset assertion and de-assertion.
	PlatformReset bool

	// OOBResetWarn asserts just before the OOB processor enters reset;
	// answer with OOBResetAck.
	OOBResetWarn bool

	// HostResetWarn asserts just before the host enters reset; answer
	// with HostResetAck.
	HostResetWarn bool

	// SuspendWarn asserts when suspend is about to happen; answer with
	// SuspendAck.
	SuspendWarn bool

	// SuspendPowerDownAck asserts when the suspend power well can be
	// shut down safely.
	SuspendPowerDownAck bool

	// SleepA asserts in Sx sleep with the Management Engine still on.
	SleepA bool

	// SleepLAN and SleepWLAN assert when the wired/wireless LAN can be
	// powered down.
	SleepLAN  bool
	SleepWLAN bool

	// P2E is the host-to-device general purpose byte.
	P2E byte

	// HostC10 asserts when the host has entered power state C10 or
	// deeper.
	HostC10 bool
}

func decodeWires(v uint32) WireChangeEvent {
	return WireChangeEvent{
		S3Sleep:             v&wireSlpS3 != 0,
		S4Sleep:             v&wireSlpS4 != 0,
		S5Sleep:             v&wireSlpS5 != 0,
		SuspendStatus:       v&wireSusStat != 0,
		PlatformReset:       v&wirePltRst != 0,
		OOBResetWarn:        v&wireOOBRstWarn != 0,
		HostResetWarn:       v&wireHostRstWarn != 0,
		SuspendWarn:         v&wireSusWarn != 0,
		SuspendPowerDownAck: v&wireSusPwrdnAck != 0,
		SleepA:              v&wireSlpA != 0,
		SleepLAN:            v&wireSlpLAN != 0,
		SleepWLAN:           v&wireSlpWLAN != 0,
		P2E:                 byte(v >> wireP2EShift & wireP2EMask),
		HostC10:             v&wireHostC10 != 0,
	}
}

// EventKind discriminates Event.
type EventKind uint8

const (
	// EventPort reports a host access to one of the five ports.
	EventPort EventKind = iota
	// EventPort80 reports pending port-80 debug data.
	EventPort80
	// EventWireChange reports a change on the host virtual wires.
	EventWireChange
)

// Event is one controller event delivered by WaitForEvent.
type Event struct {
	Kind EventKind

	// Port and Data are valid for EventPort.
	Port int
	Data PortEvent

	// Wire is valid for EventWireChange.
	Wire WireChangeEvent
}

// Controller owns one eSPI instance.
type Controller struct {
	regs  *Registers
	waker *waitq.Cell
}

// New configures the controller and binds the eSPI interrupt shim.
func New(regs *Registers, vec *irq.Table, cfg Config) (*Controller, error) {
	c := &Controller{regs: regs, waker: waitq.New()}

	regs.MCTRL.SetBits(mctrlEnableESPI)

	for port := range cfg.Ports {
		if err := c.Configure(port, cfg.Ports[port]); err != nil {
			return nil, err
		}
	}

	if cfg.StatusAddr != nil {
		regs.STATADDR.Store(uint32(*cfg.StatusAddr))
		regs.MCTRL.SetBits(mctrlSBlkEna)
	}

	regs.ESPICAP.Store(encodeCaps(cfg.Caps))

	// power save stays on; the controller clocks itself per transaction
	regs.ESPIMISC.Store(1 << 0)

	// a stale bus-reset flag would satisfy the first WaitForReset
	regs.MSTAT.ClearBits(statBusRst)

	regs.RAMBASE.Store(cfg.RAMBase)
	regs.MAPBASE.Store(cfg.Base1Addr&0xFFFF_0000 | cfg.Base0Addr>>16)

	if cfg.Use60MHz {
		regs.MCTRL.SetBits(mctrlUse60MHz)
	}

	vec.Register(irq.ESPI, c.serviceIRQ)
	return c, nil
}

// ESPICAP field packing.
const (
	capSingleMode = 1 << 0
	capAlertPin   = 1 << 4
	capOOBOK      = 1 << 5
	capMemMx      = 1 << 6
	capSAF        = 1 << 7
	capSpeedShift = 8
	capFlashShift = 16
	capSAFShift   = 24
)

func encodeCaps(caps Capabilities) uint32 {
	var v uint32
	if caps.SingleMode {
		v |= capSingleMode
	}
	if caps.AlertAsPin {
		v |= capAlertPin
	}
	if caps.AllowOOB {
		v |= capOOBOK
	}
	if caps.Allow128Payload {
		v |= capMemMx
	}
	v |= uint32(mathx.Clamp(caps.MaxSpeedMHz, 0, 66)) << capSpeedShift
	v |= (uint32(mathx.Clamp(caps.FlashPayloadSize, 64, 4096)>>6) & 0xFF) << capFlashShift
	if caps.SAFEraseSize != 0 {
		v |= capSAF
		v |= (uint32(caps.SAFEraseSize>>1) & 0x7F) << capSAFShift
	}
	return v
}

func (c *Controller) serviceIRQ() {
	stat := c.regs.INTSTAT.Load()
	c.regs.INTENSET.ClearBits(stat)
	c.regs.INTENCLR.Store(stat)
	if stat&shimInts != 0 {
		c.waker.Wake()
	}
}

// Configure programs one port. Ports may be reconfigured at runtime, for
// instance after the host renegotiates a mailbox.
func (c *Controller) Configure(port int, cfg PortConfig) error {
	if port < 0 || port >= PortCount {
		return errcode.OutOfRange
	}
	switch cfg.Kind {
	case AcpiEndpoint:
		c.acpiEndpoint(port, cfg)
	case MailboxShared, MailboxSingle, MailboxSplit:
		c.mailbox(port, cfg)
	default:
		c.regs.MCTRL.ClearBits(penaBit(port))
	}
	return nil
}

func (c *Controller) acpiEndpoint(port int, cfg PortConfig) {
	p := &c.regs.Port[port]
	p.CFG.Store(cfgTypeAcpiEnd | uint32(cfg.Direction)<<cfgDirShift)

	// 0x1b seeds the user status field the host polls during boot
	p.IRULESTAT.Store(uint32(0x1b)<<iruleUStatShift | pstatIntAll)

	p.ADDR.Store(uint32(cfg.Addr))
	c.regs.MCTRL.SetBits(penaBit(port))

	// the host reads 0x44 until real data is placed in the port
	p.DATAOUT.Store(0x44)
}

func (c *Controller) mailbox(port int, cfg PortConfig) {
	p := &c.regs.Port[port]
	p.CFG.Store(cfg.Kind.cfgType() | uint32(cfg.Direction)<<cfgDirShift)
	p.IRULESTAT.Store(pstatIntAll)
	p.ADDR.Store(uint32(cfg.Addr))
	// RAM offsets are word granular
	p.RAMUSE.Store(uint32(cfg.Offset&^0x3) | uint32(cfg.Length)<<16)
	c.regs.MCTRL.SetBits(penaBit(port))
}

// CompletePort acknowledges a port event so the host may issue the next
// access to that port.
func (c *Controller) CompletePort(port int) {
	if port < 0 || port >= PortCount {
		return
	}
	p := &c.regs.Port[port]
	p.STAT.ClearBits(pstatIntAll)
	// re-arm the port interrupt rule state machine
	p.IRULESTAT.SetBits(iruleSRst)
	c.regs.MSTAT.ClearBits(portIntBit(port))
}

// WaitForEvent suspends until the controller reports a port access, port
// 80 data or a virtual-wire change. Link-level CRC errors and host stalls
// surface as errcode.Crc and errcode.HStall.
//
// A port event stays asserted until CompletePort; port-80 and wire-change
// events are consumed by this call.
func (c *Controller) WaitForEvent(ctx context.Context) (Event, error) {
	var ev Event
	err := c.waker.Wait(ctx,
		func() (bool, error) {
			stat := c.regs.MSTAT.Load()
			for port := 0; port < PortCount; port++ {
				if stat&portIntBit(port) == 0 {
					continue
				}
				datain := c.regs.Port[port].DATAIN.Load()
				ev = Event{
					Kind: EventPort,
					Port: port,
					Data: PortEvent{
						Offset: int(datain & datainIdxMask),
						Length: int(datain>>datainLenShift&datainLenMask) + 1,
						Write:  datain&datainWriteFlag != 0,
					},
				}
				return true, nil
			}
			if stat&statP80 != 0 {
				c.regs.MSTAT.ClearBits(statP80)
				ev = Event{Kind: EventPort80}
				return true, nil
			}
			if stat&statWireChg != 0 {
				c.regs.MSTAT.ClearBits(statWireChg)
				ev = Event{Kind: EventWireChange, Wire: decodeWires(c.regs.WIRERO.Load())}
				return true, nil
			}
			if stat&statCrcErr != 0 {
				c.regs.MSTAT.ClearBits(statCrcErr)
				return true, errcode.Crc
			}
			if stat&statHStall != 0 {
				c.regs.MSTAT.ClearBits(statHStall)
				return true, errcode.HStall
			}
			return false, nil
		},
		func() {
			c.regs.INTENSET.SetBits(eventInts)
		},
	)
	return ev, err
}

// WaitForReset suspends until the host releases the eSPI bus from reset.
func (c *Controller) WaitForReset(ctx context.Context) error {
	return c.waker.Wait(ctx,
		func() (bool, error) {
			if c.regs.MSTAT.Load()&statInRst != 0 {
				c.regs.MSTAT.ClearBits(statBusRst | statInRst)
				return true, nil
			}
			return false, nil
		},
		func() {
			c.regs.INTENSET.SetBits(statBusRst | statInRst)
		},
	)
}

// IRQPush raises the numbered interrupt line at the host and suspends
// until the controller confirms delivery.
func (c *Controller) IRQPush(ctx context.Context, line uint8) error {
	c.regs.IRQPUSH.Store(uint32(line))
	return c.waker.Wait(ctx,
		func() (bool, error) {
			if c.regs.MSTAT.Load()&statIRQUpd != 0 {
				c.regs.MSTAT.ClearBits(statIRQUpd)
				return true, nil
			}
			return false, nil
		},
		func() {
			c.regs.INTENSET.SetBits(statIRQUpd)
		},
	)
}

// vwire posts one device-to-host wire command and blocks until the
// controller reports the group delivered. There is no interrupt for the
// done flag, so this spins.
func (c *Controller) vwire(cmd uint32) {
	c.regs.WIREWO.Store(cmd)
	for c.regs.WIREWO.Load()&wireDone == 0 {
		runtime.Gosched()
	}
}

// OOBResetAck acknowledges an OOB reset warning.
func (c *Controller) OOBResetAck() { c.vwire(wireOOBRstAck) }

// Wake raises WAKE# to bring the host out of Sx; if the host is in S0 an
// SCI is generated instead.
func (c *Controller) Wake() { c.vwire(wireWake) }

// PME raises PME# to wake the host through PCI power management.
func (c *Controller) PME() { c.vwire(wirePME) }

// SCI raises an SCI, invoking an ACPI method in the host OS.
func (c *Controller) SCI() { c.vwire(wireSCI) }

// SMI raises an SMI, invoking SMI code in the host firmware.
func (c *Controller) SMI() { c.vwire(wireSMI) }

// RCIN raises the RCIN# keyboard-reset wire.
func (c *Controller) RCIN() { c.vwire(wireRCIN) }

// HostResetAck acknowledges a host reset warning.
func (c *Controller) HostResetAck() { c.vwire(wireHostRstAck) }

// SuspendAck acknowledges a suspend warning.
func (c *Controller) SuspendAck() { c.vwire(wireSusAck) }

// E2P sends the device-to-host general purpose byte.
func (c *Controller) E2P(data byte) { c.vwire(uint32(data) << wireE2PShift) }

// BootDone signals that the device finished booting, letting the host
// continue its G3 to S0 exit.
func (c *Controller) BootDone() { c.vwire(wireBootDone) }

// BootStatus reports boot success or failure to the host.
func (c *Controller) BootStatus(ok bool) {
	if ok {
		c.vwire(wireBootErr)
	} else {
		c.vwire(0)
	}
}

// DSWPwrOkReset is sent when the host enters G3.
func (c *Controller) DSWPwrOkReset() { c.vwire(wireDSWPwrOkRst) }

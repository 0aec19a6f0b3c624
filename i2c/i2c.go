// i2c/i2c.go
//
// Package i2c drives a Flexcomm serial block in I2C mode, as bus master or
// as addressed slave. The master offers a poll-mode variant for simple
// probes and an interrupt-driven variant that moves multi-byte payloads by
// DMA; the slave is interrupt-driven only.
//
// One driver object exclusively owns one Flexcomm instance's register
// block for its lifetime. Operations on a single bus are strictly
// sequential; the driver never retries a failed transaction on its own.
package i2c

import (
	"github.com/xushengfei/embassy-imxrt-sub000/errcode"
	"github.com/xushengfei/embassy-imxrt-sub000/internal/mmio"
)

// Address is a 7-bit I2C device address. The reserved ranges at both ends
// of the address space (general call, CBUS, 10-bit prefixes, device ID)
// are rejected at construction.
type Address uint8

// NewAddress validates a 7-bit address, accepting 0x08 through 0x77.
func NewAddress(a uint8) (Address, error) {
	if a < 0x08 || a > 0x77 {
		return 0, errcode.OutOfRange
	}
	return Address(a), nil
}

// Raw returns the unshifted 7-bit address.
func (a Address) Raw() uint8 { return uint8(a) }

// Speed is the nominal SCL rate, no clock stretching.
type Speed uint8

const (
	// Standard is 100 kbit/s.
	Standard Speed = iota
	// Fast is 400 kbit/s.
	Fast
)

// divisor returns the CLKDIV value for the fixed 16MHz function clock.
// These are exact integer divisors measured for this clock source, not a
// runtime formula.
func (s Speed) divisor() (uint32, error) {
	switch s {
	case Standard:
		return 30, nil // 100.0 kHz
	case Fast:
		return 7, nil // 403.3 kHz
	default:
		return 0, errcode.Unsupported
	}
}

// Registers is the Flexcomm I2C register block.
type Registers struct {
	CFG      mmio.Reg32
	STAT     mmio.Reg32
	INTENSET mmio.Reg32
	INTENCLR mmio.Reg32
	TIMEOUT  mmio.Reg32
	CLKDIV   mmio.Reg32
	INTSTAT  mmio.Reg32
	MSTCTL   mmio.Reg32
	MSTTIME  mmio.Reg32
	MSTDAT   mmio.Reg32
	SLVCTL   mmio.Reg32
	SLVDAT   mmio.Reg32
	SLVADR0  mmio.Reg32
	SLVQUAL0 mmio.Reg32
}

// CFG bits.
const (
	cfgMstEn     = 1 << 0
	cfgSlvEn     = 1 << 1
	cfgTimeoutEn = 1 << 3
)

// STAT bits and fields. INTENSET/INTENCLR mirror the same positions.
const (
	statMstPending    = 1 << 0
	statMstStateShift = 1
	statMstStateMask  = 0x7 << statMstStateShift
	statMstArbLoss    = 1 << 4
	statMstStStpErr   = 1 << 6

	statSlvPending    = 1 << 8
	statSlvStateShift = 9
	statSlvStateMask  = 0x3 << statSlvStateShift
	statSlvNotStr     = 1 << 11
	statSlvDesel      = 1 << 15

	statEventTimeout = 1 << 24
	statSclTimeout   = 1 << 25
)

// MSTSTATE values.
const (
	mstStateIdle     = 0
	mstStateRxReady  = 1
	mstStateTxReady  = 2
	mstStateNackAddr = 3
	mstStateNackData = 4
)

// SLVSTATE values.
const (
	slvStateAddr = 0
	slvStateRx   = 1
	slvStateTx   = 2
)

// MSTCTL bits.
const (
	mstCtlContinue = 1 << 0
	mstCtlStart    = 1 << 1
	mstCtlStop     = 1 << 2
	mstCtlDMA      = 1 << 3
)

// SLVCTL bits.
const (
	slvCtlContinue = 1 << 0
	slvCtlNack     = 1 << 1
	slvCtlDMA      = 1 << 3
)

// Interrupt groups armed by the drivers.
const (
	intMaster  = statMstPending | statMstArbLoss | statMstStStpErr
	intTimeout = statEventTimeout | statSclTimeout
	intSlave   = statSlvPending | statSlvDesel
)

func mstState(stat uint32) uint32 { return (stat & statMstStateMask) >> statMstStateShift }
func slvState(stat uint32) uint32 { return (stat & statSlvStateMask) >> statSlvStateShift }

// busErr maps the asynchronous bus-error status bits to an error. These
// checks run immediately after every wait, before any data is interpreted,
// because the conditions can appear at any point in a transaction.
func busErr(stat uint32) error {
	if stat&statMstArbLoss != 0 {
		return errcode.ArbitrationLoss
	}
	if stat&statMstStStpErr != 0 {
		return errcode.StartStopError
	}
	return nil
}

// Package aht20 drives the AHT20 temperature/humidity sensor over any
// drivers.I2C bus, such as i2c.BlockingMaster. Measurements are
// two-phase:
//
//	d.Trigger()               // start a conversion
//	s, err := d.Collect()     // fetch when ready; ErrNotReady while busy
//
// Read performs trigger plus bounded polling for callers that just want
// a sample. Conversions stay in fixed point; values are tenths of units
// (deci-degC and deci-%RH).
//
// The bus must perform write-then-read as a single repeated-start
// transaction when both buffers are given.
package aht20

import (
	"context"
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// Addr is the fixed 7-bit bus address of the part.
const Addr = 0x38

const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdSoftReset  = 0xBA
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

var (
	ErrNotReady = errors.New("aht20: conversion not ready")
	ErrTimeout  = errors.New("aht20: conversion timed out")
)

const (
	pollInterval   = 15 * time.Millisecond
	collectTimeout = 250 * time.Millisecond
)

// Device is one sensor on a bus.
type Device struct {
	bus  drivers.I2C
	addr uint16
	buf  [7]byte
}

// New wraps a configured bus. It does not touch the device.
func New(bus drivers.I2C) *Device {
	return &Device{bus: bus, addr: Addr}
}

// Init calibrates the sensor if it reports uncalibrated. The part needs
// roughly 10ms after a cold initialize before the first trigger.
func (d *Device) Init() error {
	st, err := d.Status()
	if err != nil {
		return err
	}
	if st&statusCalibrated != 0 {
		return nil
	}
	return d.bus.Tx(d.addr, []byte{cmdInitialize, 0x08, 0x00}, nil)
}

// Reset issues a soft reset; allow ~20ms before the next command.
func (d *Device) Reset() error {
	return d.bus.Tx(d.addr, []byte{cmdSoftReset}, nil)
}

// Status reads the status byte.
func (d *Device) Status() (byte, error) {
	var st [1]byte
	if err := d.bus.Tx(d.addr, []byte{cmdStatus}, st[:]); err != nil {
		return 0, err
	}
	return st[0], nil
}

// Trigger starts a conversion. The part converts for about 80ms.
func (d *Device) Trigger() error {
	return d.bus.Tx(d.addr, []byte{cmdTrigger, 0x33, 0x00}, nil)
}

// Collect fetches the finished conversion, or ErrNotReady while the
// part is still busy.
func (d *Device) Collect() (Sample, error) {
	if err := d.bus.Tx(d.addr, nil, d.buf[:]); err != nil {
		return Sample{}, err
	}
	st := d.buf[0]
	if st&statusCalibrated == 0 || st&statusBusy != 0 {
		return Sample{}, ErrNotReady
	}
	return Sample{
		RawHumidity: uint32(d.buf[1])<<12 | uint32(d.buf[2])<<4 | uint32(d.buf[3])>>4,
		RawTemp:     uint32(d.buf[3]&0x0F)<<16 | uint32(d.buf[4])<<8 | uint32(d.buf[5]),
	}, nil
}

// Read runs a full measurement cycle: trigger, then poll Collect until
// it succeeds, the bounded wait elapses, or ctx is cancelled.
func (d *Device) Read(ctx context.Context) (Sample, error) {
	if err := d.Trigger(); err != nil {
		return Sample{}, err
	}
	deadline := time.Now().Add(collectTimeout)
	for {
		s, err := d.Collect()
		if err != ErrNotReady {
			return s, err
		}
		if time.Now().After(deadline) {
			return Sample{}, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Sample is one raw measurement; both fields are 20-bit.
type Sample struct {
	RawHumidity uint32
	RawTemp     uint32
}

// DeciRelHumidity returns tenths of %RH.
func (s Sample) DeciRelHumidity() int32 {
	return int32(s.RawHumidity) * 1000 / 0x100000
}

// DeciCelsius returns tenths of degC.
func (s Sample) DeciCelsius() int32 {
	return int32(s.RawTemp)*2000/0x100000 - 500
}

// config/map.go
package config

import (
	"fmt"
	"time"

	"github.com/xushengfei/embassy-imxrt-sub000/espi"
	"github.com/xushengfei/embassy-imxrt-sub000/i2c"
	"github.com/xushengfei/embassy-imxrt-sub000/uart"
)

// Mapping from YAML enum strings onto driver types. Validate runs these
// on every field, so the builders below can assume they succeed.

func parseSpeed(s string) (i2c.Speed, error) {
	switch s {
	case "standard":
		return i2c.Standard, nil
	case "fast":
		return i2c.Fast, nil
	}
	return 0, fmt.Errorf("unknown i2c speed %q", s)
}

func parseParity(s string) (uart.Parity, error) {
	switch s {
	case "none":
		return uart.ParityNone, nil
	case "even":
		return uart.ParityEven, nil
	case "odd":
		return uart.ParityOdd, nil
	}
	return 0, fmt.Errorf("unknown parity %q", s)
}

func parsePortKind(s string) (espi.PortKind, error) {
	switch s {
	case "acpi-endpoint":
		return espi.AcpiEndpoint, nil
	case "mailbox-shared":
		return espi.MailboxShared, nil
	case "mailbox-single":
		return espi.MailboxSingle, nil
	case "mailbox-split":
		return espi.MailboxSplit, nil
	case "mailbox-split-oob":
		return espi.MailboxSplitOOB, nil
	}
	return 0, fmt.Errorf("unknown port kind %q", s)
}

func parseDirection(s string) (espi.Direction, error) {
	switch s {
	case "host-to-device":
		return espi.HostToDevice, nil
	case "device-to-host":
		return espi.DeviceToHost, nil
	case "bidirectional":
		return espi.Bidirectional, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func parseLen(n uint16) (espi.Len, error) {
	switch n {
	case 64:
		return espi.Len64, nil
	case 128:
		return espi.Len128, nil
	case 256:
		return espi.Len256, nil
	case 512:
		return espi.Len512, nil
	}
	return 0, fmt.Errorf("length %d is not 64, 128, 256 or 512", n)
}

// I2CSpeed returns the decoded bus speed for an i2c-master entry.
// Call only after Validate and Normalize.
func (f FlexcommConfig) I2CSpeed() i2c.Speed {
	s, _ := parseSpeed(f.Speed)
	return s
}

// SlaveAddress returns the decoded address for an i2c-slave entry.
func (f FlexcommConfig) SlaveAddress() i2c.Address {
	a, _ := i2c.NewAddress(f.Address)
	return a
}

// UART returns the driver configuration for a uart entry.
func (f FlexcommConfig) UART(clock uart.Clock, timeout time.Duration) uart.Config {
	parity, _ := parseParity(f.Parity)
	cfg := uart.Config{
		Baudrate: f.Baudrate,
		DataBits: uart.DataBits(f.DataBits - 7),
		Parity:   parity,
		Loopback: f.Loopback,
		Timeout:  timeout,
		Clock:    clock,
	}
	if f.StopBits == 2 {
		cfg.StopBits = uart.TwoStopBits
	}
	return cfg
}

// Controller returns the driver configuration for the eSPI block.
func (e ESPIConfig) Controller(caps espi.Capabilities) espi.Config {
	cfg := espi.Config{
		Caps:       caps,
		Use60MHz:   e.Use60MHz,
		RAMBase:    e.RAMBase,
		Base0Addr:  e.Base0Addr,
		Base1Addr:  e.Base1Addr,
		StatusAddr: e.StatusAddr,
	}
	for _, p := range e.Ports {
		kind, _ := parsePortKind(p.Kind)
		dir, _ := parseDirection(p.Direction)
		length, _ := parseLen(p.Length)
		cfg.Ports[p.Index] = espi.PortConfig{
			Kind:      kind,
			Direction: dir,
			Addr:      p.Addr,
			Offset:    p.Offset,
			Length:    length,
		}
	}
	return cfg
}

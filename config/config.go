// config/config.go
//
// Package config decodes a YAML board description and maps it onto the
// driver packages' own configuration types. Load reads and decodes,
// Validate checks, Normalize fills defaults; callers run them in that
// order before constructing any driver.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Board BoardConfig `yaml:"board"`
}

type BoardConfig struct {
	Name     string           `yaml:"name"`
	Flexcomm []FlexcommConfig `yaml:"flexcomm"`
	Watchdog *WatchdogConfig  `yaml:"watchdog"`
	ESPI     *ESPIConfig      `yaml:"espi"`
	RNG      RNGConfig        `yaml:"rng"`
}

// ---- FLEXCOMM ----

type FlexcommConfig struct {
	Index int    `yaml:"index"`
	Role  string `yaml:"role"` // i2c-master | i2c-slave | uart

	// I2C
	Speed   string `yaml:"speed"`   // standard | fast
	Address uint8  `yaml:"address"` // slave only

	// UART
	Baudrate uint32 `yaml:"baudrate"`
	DataBits uint8  `yaml:"data_bits"`
	Parity   string `yaml:"parity"` // none | even | odd
	StopBits uint8  `yaml:"stop_bits"`
	Loopback bool   `yaml:"loopback"`
}

// ---- WATCHDOG ----

type WatchdogConfig struct {
	TimeoutMicros uint32  `yaml:"timeout_us"`
	WarningMicros *uint32 `yaml:"warning_us"`
	WindowMicros  *uint32 `yaml:"window_us"`
	EnableReset   bool    `yaml:"enable_reset"`
}

// ---- ESPI ----

type ESPIConfig struct {
	Use60MHz   bool             `yaml:"use_60mhz"`
	RAMBase    uint32           `yaml:"ram_base"`
	Base0Addr  uint32           `yaml:"base0_addr"`
	Base1Addr  uint32           `yaml:"base1_addr"`
	StatusAddr *uint16          `yaml:"status_addr"`
	Ports      []ESPIPortConfig `yaml:"ports"`
}

type ESPIPortConfig struct {
	Index     int    `yaml:"index"`
	Kind      string `yaml:"kind"`      // acpi-endpoint | mailbox-shared | mailbox-single | mailbox-split | mailbox-split-oob
	Direction string `yaml:"direction"` // host-to-device | device-to-host | bidirectional
	Addr      uint16 `yaml:"addr"`
	Offset    uint16 `yaml:"offset"`
	Length    uint16 `yaml:"length"` // bytes: 64, 128, 256 or 512
}

// ---- RNG ----

type RNGConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and decodes a board description. Unknown keys are rejected
// so a typo cannot silently disable a peripheral.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a board description from memory.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode board description: %w", err)
	}
	return &cfg, nil
}

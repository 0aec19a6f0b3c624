// config/validate.go
package config

import (
	"fmt"

	"github.com/xushengfei/embassy-imxrt-sub000/espi"
	"github.com/xushengfei/embassy-imxrt-sub000/i2c"
	"github.com/xushengfei/embassy-imxrt-sub000/wwdt"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	// board name sanity (ASCII only)
	for i := 0; i < len(cfg.Board.Name); i++ {
		if cfg.Board.Name[i] > 0x7F {
			return fmt.Errorf("board name must contain ASCII characters only")
		}
	}

	// ------------------------------------------------------------
	// FLEXCOMM
	// ------------------------------------------------------------

	seen := make(map[int]string)
	for _, f := range cfg.Board.Flexcomm {
		if f.Index < 0 || f.Index > 7 {
			return fmt.Errorf("flexcomm %d: index out of range 0..7", f.Index)
		}
		if prev, exists := seen[f.Index]; exists {
			return fmt.Errorf(
				"flexcomm %d: claimed by both %q and %q",
				f.Index, prev, f.Role,
			)
		}
		seen[f.Index] = f.Role

		switch f.Role {
		case "i2c-master":
			if _, err := parseSpeed(f.Speed); f.Speed != "" && err != nil {
				return fmt.Errorf("flexcomm %d: %v", f.Index, err)
			}
		case "i2c-slave":
			if _, err := i2c.NewAddress(f.Address); err != nil {
				return fmt.Errorf(
					"flexcomm %d: slave address %#x outside 0x08..0x77",
					f.Index, f.Address,
				)
			}
		case "uart":
			if f.DataBits != 0 && (f.DataBits < 7 || f.DataBits > 9) {
				return fmt.Errorf("flexcomm %d: data_bits must be 7, 8 or 9", f.Index)
			}
			if f.StopBits > 2 {
				return fmt.Errorf("flexcomm %d: stop_bits must be 1 or 2", f.Index)
			}
			if _, err := parseParity(f.Parity); f.Parity != "" && err != nil {
				return fmt.Errorf("flexcomm %d: %v", f.Index, err)
			}
		default:
			return fmt.Errorf("flexcomm %d: unknown role %q", f.Index, f.Role)
		}
	}

	// ------------------------------------------------------------
	// WATCHDOG
	// ------------------------------------------------------------

	if w := cfg.Board.Watchdog; w != nil {
		if w.TimeoutMicros < wwdt.MinTimeoutMicros || w.TimeoutMicros > wwdt.MaxCounterMicros {
			return fmt.Errorf(
				"watchdog: timeout_us %d outside %d..%d",
				w.TimeoutMicros, wwdt.MinTimeoutMicros, wwdt.MaxCounterMicros,
			)
		}
		if w.WarningMicros != nil && *w.WarningMicros > wwdt.MaxWarningMicros {
			return fmt.Errorf(
				"watchdog: warning_us %d exceeds %d",
				*w.WarningMicros, wwdt.MaxWarningMicros,
			)
		}
		if w.WindowMicros != nil && *w.WindowMicros > wwdt.MaxCounterMicros {
			return fmt.Errorf(
				"watchdog: window_us %d exceeds %d",
				*w.WindowMicros, wwdt.MaxCounterMicros,
			)
		}
	}

	// ------------------------------------------------------------
	// ESPI
	// ------------------------------------------------------------

	if e := cfg.Board.ESPI; e != nil {
		claimed := make(map[int]bool)
		for _, p := range e.Ports {
			if p.Index < 0 || p.Index >= espi.PortCount {
				return fmt.Errorf("espi port %d: index out of range 0..%d", p.Index, espi.PortCount-1)
			}
			if claimed[p.Index] {
				return fmt.Errorf("espi port %d: configured twice", p.Index)
			}
			claimed[p.Index] = true

			if _, err := parsePortKind(p.Kind); err != nil {
				return fmt.Errorf("espi port %d: %v", p.Index, err)
			}
			if _, err := parseDirection(p.Direction); p.Direction != "" && err != nil {
				return fmt.Errorf("espi port %d: %v", p.Index, err)
			}
			if _, err := parseLen(p.Length); p.Length != 0 && err != nil {
				return fmt.Errorf("espi port %d: %v", p.Index, err)
			}
		}
	}

	return nil
}

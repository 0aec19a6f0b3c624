// config/normalize.go
package config

// Normalize applies post-validation defaulting.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	// board name: ASCII already validated, cap the length
	if len(cfg.Board.Name) > 16 {
		cfg.Board.Name = cfg.Board.Name[:16]
	}

	for i := range cfg.Board.Flexcomm {
		f := &cfg.Board.Flexcomm[i]
		switch f.Role {
		case "i2c-master":
			if f.Speed == "" {
				f.Speed = "standard"
			}
		case "uart":
			if f.Baudrate == 0 {
				f.Baudrate = 115_200
			}
			if f.DataBits == 0 {
				f.DataBits = 8
			}
			if f.Parity == "" {
				f.Parity = "none"
			}
			if f.StopBits == 0 {
				f.StopBits = 1
			}
		}
	}

	if e := cfg.Board.ESPI; e != nil {
		for i := range e.Ports {
			p := &e.Ports[i]
			if p.Length == 0 {
				p.Length = 64
			}
			if p.Direction == "" {
				p.Direction = "bidirectional"
			}
		}
	}
}

// cmd/boardcheck/main.go
//
// boardcheck loads a YAML board description, validates it, then brings
// up every configured driver against host register blocks and prints
// the hardware programming each one derived (baud divisors, watchdog
// counters, eSPI capability encoding). It is a dry run for board files:
// nothing talks to real silicon.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/xushengfei/embassy-imxrt-sub000/config"
	"github.com/xushengfei/embassy-imxrt-sub000/dma"
	"github.com/xushengfei/embassy-imxrt-sub000/espi"
	"github.com/xushengfei/embassy-imxrt-sub000/i2c"
	"github.com/xushengfei/embassy-imxrt-sub000/irq"
	"github.com/xushengfei/embassy-imxrt-sub000/rng"
	"github.com/xushengfei/embassy-imxrt-sub000/rtc"
	"github.com/xushengfei/embassy-imxrt-sub000/uart"
	"github.com/xushengfei/embassy-imxrt-sub000/wwdt"
)

// function clock feeding the flexcomms
const clockHz = 16_000_000

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: boardcheck <board.yaml>")
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}
	config.Normalize(cfg)

	board := cfg.Board
	fmt.Printf("board %q\n", board.Name)

	vec := new(irq.Table)
	clock := rtc.New(&rtc.Registers{}, vec)

	ctrl := dma.New(&dma.Registers{}, vec)
	nextChannel := 0
	reserve := func() *dma.Channel {
		ch, err := ctrl.ReserveChannel(nextChannel)
		if err != nil {
			log.Fatalf("dma channel %d: %v", nextChannel, err)
		}
		nextChannel++
		return ch
	}

	for _, f := range board.Flexcomm {
		src := irq.Flexcomm0 + irq.Source(f.Index)
		switch f.Role {
		case "i2c-master":
			regs := &i2c.Registers{}
			_, err := i2c.NewMaster(regs, vec, src, reserve(), i2c.MasterConfig{
				Speed: f.I2CSpeed(),
			})
			if err != nil {
				log.Fatalf("flexcomm %d i2c-master: %v", f.Index, err)
			}
			fmt.Printf("flexcomm %d: i2c-master %s, CLKDIV=%d\n",
				f.Index, f.Speed, regs.CLKDIV.Load())
		case "i2c-slave":
			regs := &i2c.Registers{}
			if _, err := i2c.NewSlave(regs, vec, src, reserve(), f.SlaveAddress()); err != nil {
				log.Fatalf("flexcomm %d i2c-slave: %v", f.Index, err)
			}
			fmt.Printf("flexcomm %d: i2c-slave at %#x\n", f.Index, f.Address)
		case "uart":
			regs := &uart.Registers{}
			if _, err := uart.New(regs, vec, src, clockHz, f.UART(clock, 0)); err != nil {
				log.Fatalf("flexcomm %d uart: %v", f.Index, err)
			}
			fmt.Printf("flexcomm %d: uart %d baud, OSR=%d BRG=%d\n",
				f.Index, f.Baudrate, regs.OSR.Load(), regs.BRG.Load())
		}
	}

	if w := board.Watchdog; w != nil {
		dog, err := wwdt.New(&wwdt.Registers{}, vec, irq.WDT0, w.TimeoutMicros)
		if err != nil {
			log.Fatalf("watchdog: %v", err)
		}
		if w.WarningMicros != nil {
			if err := dog.SetWarningThreshold(*w.WarningMicros); err != nil {
				log.Fatalf("watchdog warning: %v", err)
			}
		}
		if w.WindowMicros != nil {
			if err := dog.SetFeedWindow(*w.WindowMicros); err != nil {
				log.Fatalf("watchdog window: %v", err)
			}
		}
		if w.EnableReset {
			if err := dog.EnableReset(); err != nil {
				log.Fatalf("watchdog reset: %v", err)
			}
		}
		fmt.Printf("watchdog: timeout %dus (counter rounds to %dus)\n",
			w.TimeoutMicros, dog.Timeout())
	}

	if e := board.ESPI; e != nil {
		regs := &espi.Registers{}
		ecfg := e.Controller(espi.Capabilities{MaxSpeedMHz: 66, AllowOOB: true})
		if _, err := espi.New(regs, vec, ecfg); err != nil {
			log.Fatalf("espi: %v", err)
		}
		fmt.Printf("espi: MCTRL=%#x CAP=%#x, %d port(s)\n",
			regs.MCTRL.Load(), regs.ESPICAP.Load(), len(e.Ports))
	}

	if board.RNG.Enabled {
		rng.New(&rng.Registers{}, vec)
		fmt.Println("rng: enabled")
	}

	fmt.Println("board description ok")
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pv/odor-delivery-go/internal/device"
	"github.com/pv/odor-delivery-go/internal/runlog"
	"github.com/pv/odor-delivery-go/internal/runlog/clickhouse"
	"github.com/pv/odor-delivery-go/internal/runlog/memstore"
	"github.com/pv/odor-delivery-go/internal/runlog/postgres"
	"github.com/pv/odor-delivery-go/internal/runlog/sqlite"
	"github.com/pv/odor-delivery-go/internal/serial"
	"github.com/pv/odor-delivery-go/internal/trigger"
	"github.com/pv/odor-delivery-go/pkg/config"
)

const serialReadTimeout = 100 * time.Millisecond

// hardware: каналы стенда: настоящие контроллеры или симулятор.
type hardware struct {
	valve device.Valve
	flow  device.Flow
	line  trigger.Line

	closers   []io.Closer
	closeOnce sync.Once
}

func (h *hardware) Close() {
	h.closeOnce.Do(func() {
		for i := len(h.closers) - 1; i >= 0; i-- {
			if err := h.closers[i].Close(); err != nil {
				log.Printf("[hw] close: %v", err)
			}
		}
	})
}

func initHardware(opts options, cfg *config.Config) (*hardware, error) {
	hw := &hardware{}
	hwCfg := cfg.Hardware

	if opts.simulate || hwCfg.ValvePort == "" {
		sim := device.NewSimulator(os.Stdout)
		sim.Channels = cfg.Flow.Channels
		sim.Scale = opts.simScale
		hw.valve = sim
		hw.flow = sim
		log.Printf("[hw] using simulator (scale %.3g)", opts.simScale)
	} else {
		valveMsg, err := openMessenger(hw, hwCfg.ValvePort, hwCfg)
		if err != nil {
			return nil, err
		}
		hw.valve = &device.ValveController{M: valveMsg, Logger: log.Default()}
		if hwCfg.FlowPort != "" {
			flowMsg, err := openMessenger(hw, hwCfg.FlowPort, hwCfg)
			if err != nil {
				hw.Close()
				return nil, err
			}
			hw.flow = &device.FlowController{M: flowMsg, Channels: cfg.Flow.Channels, Logger: log.Default()}
		}
	}

	line, err := triggerLine(hwCfg.Trigger, hw.flow)
	if err != nil {
		hw.Close()
		return nil, err
	}
	hw.line = line
	return hw, nil
}

func openMessenger(hw *hardware, dev string, hwCfg config.Hardware) (*device.Messenger, error) {
	port, err := serial.Open(serial.Config{
		Device:      dev,
		BaudRate:    hwCfg.BaudRate,
		ReadTimeout: serialReadTimeout,
		SettleTime:  hwCfg.SettleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dev, err)
	}
	m := device.NewMessenger(port, log.Default())
	// Сначала останавливаем чтение, затем закрываем порт.
	hw.closers = append(hw.closers, port, m)
	log.Printf("[hw] %s opened at %d baud", dev, hwCfg.BaudRate)
	return m, nil
}

func triggerLine(kind string, flow device.Flow) (trigger.Line, error) {
	switch kind {
	case config.TriggerNone:
		return nil, nil
	case config.TriggerFlow:
		ttl, ok := flow.(trigger.TTLWriter)
		if !ok {
			return nil, fmt.Errorf("trigger %q needs a flow controller with TTL outputs", kind)
		}
		return &trigger.MessengerLine{Out: ttl}, nil
	default:
		return &trigger.LogLine{Logger: log.Default()}, nil
	}
}

// initRunLog выбирает хранилище журнала по DSN.
func initRunLog(ctx context.Context, dsn string, wal bool) (runlog.Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return memstore.New(100000), nil
	case postgres.IsPostgresURL(dsn):
		return postgres.New(ctx, postgres.Config{ConnString: dsn})
	case clickhouse.IsSource(dsn):
		return clickhouse.New(ctx, clickhouse.Config{DSN: dsn})
	case sqlite.IsSource(dsn):
		return sqlite.New(ctx, sqlite.Config{Source: sqlite.NormalizeSource(dsn), WAL: wal})
	default:
		return nil, fmt.Errorf("unsupported run log dsn: %s", dsn)
	}
}

func parseVoltages(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid voltage %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

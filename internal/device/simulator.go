package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Command: запись о команде, принятой симулятором.
type Command struct {
	Name   string
	Symbol byte
	Args   []int
	At     time.Time
}

// Simulator: контроллеры клапанов и расхода в памяти процесса.
// Печатает каждую команду в Writer и выдаёт подтверждения с задержкой
// открытия клапана.
type Simulator struct {
	Writer io.Writer
	// Channels: число каналов расхода, 0 означает 4.
	Channels int
	// Scale масштабирует задержку закрытия клапана; 0 означает реальное время.
	Scale float64
	// Unresponsive отключает подтверждения, имитируя зависший контроллер.
	Unresponsive bool

	mu       sync.Mutex
	commands []Command
	counts   map[string]int
	acks     chan Ack
	once     sync.Once
}

// NewSimulator создаёт симулятор, печатающий команды в w.
func NewSimulator(w io.Writer) *Simulator {
	return &Simulator{Writer: w}
}

func (s *Simulator) init() {
	s.once.Do(func() {
		s.acks = make(chan Ack, 256)
		s.counts = make(map[string]int)
	})
}

func (s *Simulator) record(ctx context.Context, name string, symbol byte, args ...int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.init()
	cmd := Command{Name: name, Symbol: symbol, Args: args, At: time.Now()}
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.counts[name]++
	s.mu.Unlock()

	if s.Writer != nil {
		if symbol != 0 {
			fmt.Fprintf(s.Writer, "CMD %s %c %v at %s\n", name, symbol, args, cmd.At.Format("15:04:05.000"))
		} else {
			fmt.Fprintf(s.Writer, "CMD %s %v at %s\n", name, args, cmd.At.Format("15:04:05.000"))
		}
	}
	return nil
}

func (s *Simulator) actuate(ticks int) {
	if s.Unresponsive {
		return
	}
	open := time.Duration(ticks) * 10 * time.Millisecond
	if s.Scale > 0 {
		open = time.Duration(float64(open) * s.Scale)
	}
	go func() {
		s.acks <- Ack{At: time.Now()}
		s.acks <- Ack{At: time.Now()}
		time.Sleep(open)
		s.acks <- Ack{At: time.Now()}
	}()
}

func (s *Simulator) OpenValve(ctx context.Context, symbol byte, ticks int) error {
	if err := s.record(ctx, CmdOpenOdorValve, symbol, ticks); err != nil {
		return err
	}
	s.actuate(ticks)
	return nil
}

func (s *Simulator) OpenOdorGas(ctx context.Context, symbol byte, ticks int) error {
	if err := s.record(ctx, CmdOpenOdorGas, symbol, ticks); err != nil {
		return err
	}
	s.actuate(ticks)
	return nil
}

func (s *Simulator) OpenGasValve(ctx context.Context, ticks int) error {
	if err := s.record(ctx, CmdOpenGasValve, 0, ticks); err != nil {
		return err
	}
	s.actuate(ticks)
	return nil
}

func (s *Simulator) ExtraFlush(ctx context.Context, pre, extra int) error {
	return s.record(ctx, CmdExtraFlush, 0, pre, extra)
}

func (s *Simulator) SwitchPanel(ctx context.Context) error {
	return s.record(ctx, CmdSwitchPanel, 0)
}

func (s *Simulator) Purge(ctx context.Context, count int) error {
	return s.record(ctx, CmdPurgeSystem, 0, count)
}

func (s *Simulator) SolventWash(ctx context.Context) error {
	return s.record(ctx, CmdSolventWash, 0)
}

func (s *Simulator) Acks() <-chan Ack {
	s.init()
	return s.acks
}

func (s *Simulator) SetFlow(ctx context.Context, voltages ...int) error {
	channels := s.Channels
	if channels == 0 {
		channels = 4
	}
	if err := CheckFlowArity(len(voltages), channels); err != nil {
		return err
	}
	return s.record(ctx, CmdFlowSetup, 0, voltages...)
}

func (s *Simulator) WriteTTL(start, stop bool) error {
	return s.record(context.Background(), CmdTTLWrite, 0, boolInt(start), boolInt(stop))
}

// Commands возвращает копию журнала команд.
func (s *Simulator) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.commands...)
}

// Count возвращает число команд с указанным именем.
func (s *Simulator) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// Reset очищает журнал команд.
func (s *Simulator) Reset() {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
	s.counts = make(map[string]int)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

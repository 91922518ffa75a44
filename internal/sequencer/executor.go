// Package sequencer исполняет паттерн: отправляет команды клапанам, ждёт
// подтверждений и запускает импульсы регистрации перед открытием клапанов.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pv/odor-delivery-go/internal/clock"
	"github.com/pv/odor-delivery-go/internal/device"
	"github.com/pv/odor-delivery-go/internal/pattern"
	"github.com/pv/odor-delivery-go/internal/runlog"
	"github.com/pv/odor-delivery-go/internal/tracing"
	"github.com/pv/odor-delivery-go/internal/trigger"
)

// Имена дорожек.
const (
	TrackOdor = "odor"
	TrackGas  = "gas"
)

// State: состояние исполнителя.
type State int

const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// StepEvent сообщает о начале шага.
type StepEvent struct {
	RunID     string
	Track     string
	Iteration int
	Index     int
	Step      pattern.Step
	Field     string
	At        time.Time
}

// Result: итог запуска.
type Result struct {
	RunID      string
	Outcome    State
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
	// Commands: число команд, отправленных контроллеру клапанов.
	Commands int64
}

// Executor исполняет паттерны по одному. Поля задаются до первого запуска.
type Executor struct {
	Valve    device.Valve
	Flow     device.Flow
	Trigger  trigger.Line
	Timing   Timing
	Logger   *log.Logger
	Recorder runlog.Recorder
	// OnStep вызывается из горутин дорожек, возможно одновременно.
	OnStep func(StepEvent)
	// OnDone вызывается по завершении каждого запуска.
	OnDone func(Result)

	mu    sync.Mutex
	state State
	flag  *clock.Flag
	runID string

	seq      atomic.Int64
	commands atomic.Int64

	acksOnce sync.Once
	acks     *ackRouter
}

// New создаёт исполнитель с таймингами по умолчанию.
func New(valve device.Valve, line trigger.Line, logger *log.Logger) *Executor {
	return &Executor{Valve: valve, Trigger: line, Timing: DefaultTiming(), Logger: logger}
}

// State возвращает текущее состояние.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RunID возвращает идентификатор текущего или последнего запуска.
func (e *Executor) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Stop поднимает флаг отмены текущего запуска. Возвращает false, если запуска нет.
func (e *Executor) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running || e.flag == nil {
		return false
	}
	e.flag.Raise()
	e.logf("[seq] run %s: stop requested", e.runID)
	return true
}

// Validate проверяет паттерн до обращения к железу: все промывки клапанной
// дорожки должны делиться на pre и неотрицательный extra.
func (e *Executor) Validate(p *pattern.Pattern) error {
	if p == nil {
		return errors.New("sequencer: pattern is nil")
	}
	if p.Repeat < 1 {
		return fmt.Errorf("sequencer: repeat count must be at least 1, got %d", p.Repeat)
	}
	for _, tr := range tracksOf(p) {
		if tr.waitOnlyFlush {
			continue
		}
		for _, step := range tr.steps {
			if step.Kind != pattern.Flush {
				continue
			}
			if _, _, err := e.Timing.SplitFlush(step.Ticks); err != nil {
				return err
			}
		}
		if hasPanelSwitch(tr.steps) {
			if _, _, err := e.Timing.SplitFlush(e.Timing.SwitchFlushTicks); err != nil {
				return fmt.Errorf("sequencer: panel switch flush: %w", err)
			}
		}
	}
	return nil
}

// Run исполняет паттерн и блокируется до завершения всех дорожек.
// Ошибка возвращается, только если запуск не начался (ErrBusy, *FlushError).
// Сбои железа и отмена отражаются в Result.
func (e *Executor) Run(ctx context.Context, p *pattern.Pattern) (Result, error) {
	if e.Valve == nil {
		return Result{}, errors.New("sequencer: valve channel is not configured")
	}
	if err := e.Validate(p); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return Result{}, ErrBusy
	}
	flag := &clock.Flag{}
	runID := uuid.NewString()
	e.state = Running
	e.flag = flag
	e.runID = runID
	e.seq.Store(0)
	e.commands.Store(0)
	e.mu.Unlock()

	stopWatch := flag.Watch(ctx)
	defer stopWatch()

	// Команды не должны обрываться отменой ctx посреди передачи: отмена идёт через флаг.
	ioCtx := context.WithoutCancel(ctx)
	fingerprint := p.Fingerprint()
	spanCtx, span := tracing.StartSpan(ioCtx, "sequencer.run", "")
	span.WithAttributes(map[string]string{
		"run.id":      runID,
		"pattern":     p.String(),
		"fingerprint": strconv.FormatInt(fingerprint, 10),
	})

	r := &run{
		e:           e,
		p:           p,
		id:          runID,
		flag:        flag,
		ctx:         spanCtx,
		span:        span,
		acks:        e.router(),
		started:     clock.Now(),
		fingerprint: fingerprint,
		gen: trigger.Generator{
			Line:    e.Trigger,
			OnWidth: e.Timing.PulseOnWidth,
			Flag:    flag,
			Logger:  e.Logger,
		},
	}
	r.record(runlog.Event{Kind: runlog.KindRunStarted, Detail: p.String()})
	e.logf("[seq] run %s started: %s", runID, p.String())

	var wg sync.WaitGroup
	for _, tr := range tracksOf(p) {
		wg.Add(1)
		go func(tr track) {
			defer wg.Done()
			if err := r.runTrack(tr); err != nil {
				r.fail(err)
			}
		}(tr)
	}
	wg.Wait()
	r.acks.release(runID)

	res := Result{
		RunID:      runID,
		StartedAt:  r.started,
		FinishedAt: clock.Now(),
		Commands:   e.commands.Load(),
	}
	switch {
	case r.fault != nil:
		res.Outcome = Faulted
		res.Err = r.fault
	case flag.Raised():
		res.Outcome = Cancelled
	default:
		res.Outcome = Completed
	}

	detail := res.Outcome.String()
	if res.Err != nil {
		detail = res.Err.Error()
	}
	r.record(runlog.Event{Kind: runlog.KindRunFinished, Detail: detail})
	tracing.EndSpan(span, res.Err)
	e.logf("[seq] run %s %s in %s, %d commands", runID, res.Outcome, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond), res.Commands)

	e.mu.Lock()
	e.state = res.Outcome
	e.mu.Unlock()

	if e.OnDone != nil {
		e.OnDone(res)
	}
	return res, nil
}

// router запускает разбор потока подтверждений при первом запуске. Поток
// читается постоянно, отметки от прерванного запуска не достаются следующему.
func (e *Executor) router() *ackRouter {
	e.acksOnce.Do(func() {
		e.acks = newAckRouter(e.Valve.Acks(), e.logf)
	})
	return e.acks
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

type track struct {
	name  string
	steps pattern.Track
	// waitOnlyFlush: газовая дорожка двухдорожечного паттерна только отмеряет
	// промывку, команды шлёт клапанная дорожка.
	waitOnlyFlush bool
}

func tracksOf(p *pattern.Pattern) []track {
	var out []track
	if len(p.Odor) > 0 {
		out = append(out, track{name: TrackOdor, steps: p.Odor})
	}
	if len(p.Gas) > 0 {
		out = append(out, track{name: TrackGas, steps: p.Gas, waitOnlyFlush: len(p.Odor) > 0})
	}
	return out
}

func hasPanelSwitch(steps pattern.Track) bool {
	for _, s := range steps {
		if s.Kind == pattern.PanelSwitch {
			return true
		}
	}
	return false
}

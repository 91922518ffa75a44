package sequencer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/pv/odor-delivery-go/internal/clock"
	"github.com/pv/odor-delivery-go/internal/pattern"
	"github.com/pv/odor-delivery-go/internal/runlog"
	"github.com/pv/odor-delivery-go/internal/tracing"
	"github.com/pv/odor-delivery-go/internal/trigger"
)

// run: состояние одного запуска, общее для горутин дорожек.
type run struct {
	e       *Executor
	p       *pattern.Pattern
	id      string
	flag    *clock.Flag
	ctx     context.Context
	span    *tracing.Span
	gen     trigger.Generator
	acks    *ackRouter
	started time.Time

	// sendMu упорядочивает команды открытия двух дорожек.
	sendMu sync.Mutex

	// fingerprint пишется в каждое событие журнала.
	fingerprint int64

	mu    sync.Mutex
	fault error
}

func (r *run) fail(err error) {
	r.mu.Lock()
	if r.fault == nil {
		r.fault = err
	}
	r.mu.Unlock()
	// Вторая дорожка тоже должна остановиться.
	r.flag.Raise()
	r.e.logf("[seq] run %s: %v", r.id, err)

	ev := runlog.Event{Kind: runlog.KindFault, Detail: err.Error()}
	var hw *HardwareFault
	if errors.As(err, &hw) {
		ev.Track = hw.Track
		ev.Step = r.p.Field(hw.Step)
	}
	r.record(ev)
}

func (r *run) runTrack(tr track) error {
	for it := 0; it < r.p.Repeat; it++ {
		for i, step := range tr.steps {
			if r.flag.Raised() {
				return nil
			}
			r.emit(tr.name, it, i, step)

			var err error
			switch step.Kind {
			case pattern.Actuate:
				if step.WithGas {
					err = r.actuate(tr.name, step, func(ctx context.Context) error {
						return r.e.Valve.OpenOdorGas(ctx, step.Symbol, step.Ticks)
					})
				} else {
					err = r.actuate(tr.name, step, func(ctx context.Context) error {
						return r.e.Valve.OpenValve(ctx, step.Symbol, step.Ticks)
					})
				}
			case pattern.GasPulse:
				err = r.actuate(tr.name, step, func(ctx context.Context) error {
					return r.e.Valve.OpenGasValve(ctx, step.Ticks)
				})
			case pattern.Flush:
				if tr.waitOnlyFlush {
					clock.Wait(r.flag, ticksDuration(step.Ticks))
					continue
				}
				err = r.flush(tr, it, i, step)
			case pattern.PanelSwitch:
				err = r.switchPanel(tr.name, step)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) flush(tr track, it, i int, step pattern.Step) error {
	t := r.e.Timing
	pre, extra, err := t.SplitFlush(step.Ticks)
	if err != nil {
		return &HardwareFault{Track: tr.name, Step: step, Err: err}
	}
	if err := r.send(tr.name, step, func(ctx context.Context) error {
		return r.e.Valve.ExtraFlush(ctx, pre, extra)
	}); err != nil {
		return err
	}

	dur := ticksDuration(step.Ticks)
	next := tr.steps.At(i + 1)
	if !next.Triggerable() {
		clock.Wait(r.flag, dur-t.Prepare)
		return nil
	}

	if !clock.Wait(r.flag, dur-t.AcquisitionPre) {
		return nil
	}
	hold := t.AcquisitionPre + ticksDuration(next.Ticks) + t.postWindow(next)
	label := r.p.Field(next)
	r.gen.Fire(label, hold)
	r.record(runlog.Event{
		Kind:      runlog.KindTrigger,
		Track:     tr.name,
		Iteration: it,
		Index:     i + 1,
		Step:      label,
		Detail:    "hold " + hold.String(),
	})
	clock.Wait(r.flag, t.AcquisitionPre-t.PulseOnWidth-t.Prepare)
	return nil
}

func (r *run) switchPanel(trackName string, step pattern.Step) error {
	t := r.e.Timing
	pre, extra, err := t.SplitFlush(t.SwitchFlushTicks)
	if err != nil {
		return &HardwareFault{Track: trackName, Step: step, Err: err}
	}
	flush := func(ctx context.Context) error { return r.e.Valve.ExtraFlush(ctx, pre, extra) }

	if err := r.send(trackName, step, flush); err != nil {
		return err
	}
	if !clock.Wait(r.flag, t.switchSettle()) {
		return nil
	}
	if err := r.send(trackName, step, r.e.Valve.SwitchPanel); err != nil {
		return err
	}
	r.e.logf("[seq] run %s: panel switched", r.id)
	if err := r.send(trackName, step, flush); err != nil {
		return err
	}
	clock.Wait(r.flag, t.switchSettle())
	return nil
}

func (r *run) send(trackName string, step pattern.Step, cmd func(context.Context) error) error {
	r.e.commands.Add(1)
	if err := cmd(r.ctx); err != nil {
		return &HardwareFault{Track: trackName, Step: step, Err: err}
	}
	return nil
}

// actuate отправляет команду открытия и ждёт её подтверждений. Регистрация
// и отправка идут под одной блокировкой, чтобы очередь ожиданий совпадала с
// порядком команд на проводе.
func (r *run) actuate(trackName string, step pattern.Step, cmd func(context.Context) error) error {
	t := r.e.Timing
	r.sendMu.Lock()
	a := r.acks.register(r.id, ticksDuration(step.Ticks)+t.Prepare, t.ackDeadline(step.Ticks), func(n int) {
		r.span.Event("ack", map[string]string{"track": trackName, "n": strconv.Itoa(n)})
	})
	err := r.send(trackName, step, cmd)
	r.sendMu.Unlock()
	if err != nil {
		r.acks.drop(a)
		return err
	}
	if err := r.acks.wait(a, r.flag); err != nil {
		return &HardwareFault{Track: trackName, Step: step, Err: err}
	}
	return nil
}

func (r *run) emit(trackName string, it, i int, step pattern.Step) {
	ev := StepEvent{
		RunID:     r.id,
		Track:     trackName,
		Iteration: it,
		Index:     i,
		Step:      step,
		Field:     r.p.Field(step),
		At:        clock.Now(),
	}
	r.record(runlog.Event{
		Kind:      runlog.KindStep,
		Track:     trackName,
		Iteration: it,
		Index:     i,
		Step:      ev.Field,
		At:        ev.At,
	})
	r.span.Event("step", map[string]string{"track": trackName, "step": ev.Field})
	if r.e.OnStep != nil {
		r.e.OnStep(ev)
	}
}

func (r *run) record(ev runlog.Event) {
	if r.e.Recorder == nil {
		return
	}
	ev.RunID = r.id
	ev.Seq = r.e.seq.Add(1)
	ev.Fingerprint = r.fingerprint
	if ev.At.IsZero() {
		ev.At = clock.Now()
	}
	if err := r.e.Recorder.Record(r.ctx, ev); err != nil {
		r.e.logf("[seq] run %s: record %s failed: %v", r.id, ev.Kind, err)
	}
}

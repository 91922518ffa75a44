package sequencer

import (
	"context"
	"fmt"
)

// Сервисные операции. Во время запуска отклоняются с ErrBusy.

func (e *Executor) maintenance(name string, fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		return ErrBusy
	}
	if e.Valve == nil {
		return fmt.Errorf("sequencer: %s: valve channel is not configured", name)
	}
	e.logf("[seq] maintenance: %s", name)
	if err := fn(); err != nil {
		return fmt.Errorf("sequencer: %s: %w", name, err)
	}
	return nil
}

// SetFlow задаёт напряжения расходомеров.
func (e *Executor) SetFlow(ctx context.Context, voltages ...int) error {
	return e.maintenance("set flow", func() error {
		if e.Flow == nil {
			return ErrNoFlow
		}
		return e.Flow.SetFlow(ctx, voltages...)
	})
}

// Purge прогоняет промывку всех клапанов count раз.
func (e *Executor) Purge(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("sequencer: purge count must be at least 1, got %d", count)
	}
	return e.maintenance("purge", func() error {
		return e.Valve.Purge(ctx, count)
	})
}

// SolventWash промывает систему растворителем: малый поток запаха, затем solvent_wash.
func (e *Executor) SolventWash(ctx context.Context, voltages []int) error {
	return e.solvent(ctx, "solvent wash", voltages)
}

// SolventDry просушивает систему: поток только воздуха, затем solvent_wash.
func (e *Executor) SolventDry(ctx context.Context, voltages []int) error {
	return e.solvent(ctx, "solvent dry", voltages)
}

func (e *Executor) solvent(ctx context.Context, name string, voltages []int) error {
	return e.maintenance(name, func() error {
		if e.Flow == nil {
			return ErrNoFlow
		}
		if err := e.Flow.SetFlow(ctx, voltages...); err != nil {
			return err
		}
		return e.Valve.SolventWash(ctx)
	})
}

// SwitchPanel переключает панель клапанов вручную.
func (e *Executor) SwitchPanel(ctx context.Context) error {
	return e.maintenance("switch panel", func() error {
		return e.Valve.SwitchPanel(ctx)
	})
}

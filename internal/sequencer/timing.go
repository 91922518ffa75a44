package sequencer

import (
	"time"

	"github.com/pv/odor-delivery-go/internal/pattern"
	"github.com/pv/odor-delivery-go/pkg/config"
)

// Timing хранит временные константы исполнителя.
type Timing struct {
	// PreFlushTicks: фиксированная часть промывки; промывка делится на pre и extra = ticks - 3*pre.
	PreFlushTicks int
	// SwitchFlushTicks: длительность промывки до и после переключения панели.
	SwitchFlushTicks int
	SwitchMargin     time.Duration
	// AcquisitionPre: опережение старта регистрации относительно открытия клапана.
	AcquisitionPre     time.Duration
	AcquisitionPost    time.Duration
	AcquisitionPostGas time.Duration
	PulseOnWidth       time.Duration
	// Prepare: время от команды до фактического открытия клапана.
	Prepare time.Duration
	// AckGrace добавляется к длительности открытия при ожидании подтверждений.
	AckGrace time.Duration
}

// DefaultTiming совпадает с config.Default().
func DefaultTiming() Timing {
	return FromConfig(config.Default().Timing)
}

// FromConfig переносит тайминги из профиля установки.
func FromConfig(t config.Timing) Timing {
	return Timing{
		PreFlushTicks:      t.PreFlushTicks,
		SwitchFlushTicks:   t.SwitchFlushTicks,
		SwitchMargin:       t.SwitchMargin,
		AcquisitionPre:     t.AcquisitionPre,
		AcquisitionPost:    t.AcquisitionPost,
		AcquisitionPostGas: t.AcquisitionPostGas,
		PulseOnWidth:       t.PulseOnWidth,
		Prepare:            t.Prepare,
		AckGrace:           t.AckGrace,
	}
}

// SplitFlush делит промывку на pre и extra. Отрицательный остаток даёт *FlushError.
func (t Timing) SplitFlush(ticks int) (pre, extra int, err error) {
	extra = ticks - 3*t.PreFlushTicks
	if extra < 0 {
		return 0, 0, &FlushError{Ticks: ticks, PreFlushTicks: t.PreFlushTicks}
	}
	return t.PreFlushTicks, extra, nil
}

// ackDeadline: предельное время получения трёх подтверждений на открытие.
func (t Timing) ackDeadline(ticks int) time.Duration {
	return ticksDuration(ticks) + t.Prepare + t.AckGrace
}

// switchSettle: пауза после каждой промывки вокруг переключения панели.
func (t Timing) switchSettle() time.Duration {
	return ticksDuration(t.SwitchFlushTicks) + t.SwitchMargin
}

// postWindow: хвост регистрации после закрытия клапана.
func (t Timing) postWindow(next pattern.Step) time.Duration {
	if next.Kind == pattern.GasPulse {
		return t.AcquisitionPostGas
	}
	return t.AcquisitionPost
}

func ticksDuration(ticks int) time.Duration {
	return time.Duration(ticks) * pattern.TickMillis * time.Millisecond
}

package sequencer

import (
	"errors"
	"fmt"

	"github.com/pv/odor-delivery-go/internal/pattern"
)

var (
	// ErrBusy: исполнитель уже выполняет паттерн.
	ErrBusy = errors.New("sequencer: run already in progress")
	// ErrAckTimeout: контроллер не прислал подтверждения в отведённое время.
	ErrAckTimeout = errors.New("sequencer: acknowledgement timeout")
	// ErrAckStreamClosed: поток подтверждений закрыт (порт потерян).
	ErrAckStreamClosed = errors.New("sequencer: acknowledgement stream closed")
	// ErrNoFlow: контроллер расхода не подключён.
	ErrNoFlow = errors.New("sequencer: flow controller is not configured")
)

// FlushError: промывка короче 3×pre: extra получился бы отрицательным.
type FlushError struct {
	Ticks         int
	PreFlushTicks int
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("sequencer: flush of %d ticks is shorter than 3×%d pre-flush ticks", e.Ticks, e.PreFlushTicks)
}

// HardwareFault: сбой канала: ошибка отправки, тайм-аут или потеря подтверждений.
type HardwareFault struct {
	Track string
	Step  pattern.Step
	Err   error
}

func (e *HardwareFault) Error() string {
	return fmt.Sprintf("sequencer: hardware fault on %s track at %s step: %v", e.Track, e.Step.Kind, e.Err)
}

func (e *HardwareFault) Unwrap() error { return e.Err }

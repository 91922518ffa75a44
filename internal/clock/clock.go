// Package clock содержит флаг отмены запуска и ожидания, которые его опрашивают.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// PollInterval: период опроса флага во время ожидания.
var PollInterval = 2 * time.Millisecond

// NowFunc returns current time. Override in tests for determinism.
var NowFunc = time.Now

// Now is a thin wrapper around NowFunc.
func Now() time.Time { return NowFunc() }

// Flag: явный признак отмены одного запуска. Нулевое значение готово к работе.
type Flag struct {
	raised atomic.Bool
}

// Raise поднимает флаг.
func (f *Flag) Raise() { f.raised.Store(true) }

// Raised сообщает, поднят ли флаг. Для nil-флага всегда false.
func (f *Flag) Raised() bool {
	return f != nil && f.raised.Load()
}

// Reset опускает флаг перед новым запуском.
func (f *Flag) Reset() { f.raised.Store(false) }

// Watch поднимает флаг, когда завершается ctx. Возвращаемая функция
// отключает наблюдение.
func (f *Flag) Watch(ctx context.Context) (stop func()) {
	unhook := context.AfterFunc(ctx, f.Raise)
	return func() { unhook() }
}

// Wait ждёт d, опрашивая флаг. Возвращает false, если флаг поднялся раньше.
// Нулевые и отрицательные длительности возвращают управление сразу.
func Wait(flag *Flag, d time.Duration) bool {
	if flag.Raised() {
		return false
	}
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return !flag.Raised()
		case <-ticker.C:
			if flag.Raised() {
				return false
			}
		}
	}
}

// Sleep ждёт d без учёта флага. Используется там, где фронт обязан завершиться.
func Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

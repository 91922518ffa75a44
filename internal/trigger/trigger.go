// Package trigger формирует импульсы старта и остановки регистрации.
package trigger

import (
	"log"
	"time"

	"github.com/pv/odor-delivery-go/internal/clock"
)

// Line: две цифровые линии: старт и стоп. Реализации должны допускать
// конкурентные вызовы.
type Line interface {
	Write(start, stop bool) error
}

// Generator запускает пары импульсов старт/стоп.
type Generator struct {
	Line    Line
	OnWidth time.Duration
	// Flag прерывает удержание между фронтами. Стоп-фронт выдаётся всегда.
	Flag   *clock.Flag
	Logger *log.Logger
}

// Fire запускает импульсы в отдельной горутине и сразу возвращает управление.
// hold: интервал от начала старт-фронта до стоп-фронта. Канал закрывается
// после выдачи стоп-фронта; вызывающая сторона может его игнорировать.
func (g Generator) Fire(label string, hold time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.run(label, hold)
	}()
	return done
}

func (g Generator) run(label string, hold time.Duration) {
	start := time.Now()
	g.write(label, true, false)
	clock.Sleep(g.OnWidth)
	g.write(label, false, false)

	if !clock.Wait(g.Flag, hold-time.Since(start)) {
		g.logf("[ttl] %s: hold interrupted after %s", label, time.Since(start).Round(time.Millisecond))
	}

	g.write(label, false, true)
	clock.Sleep(g.OnWidth)
	g.write(label, false, false)
	g.logf("[ttl] %s: pulse done in %s", label, time.Since(start).Round(time.Millisecond))
}

func (g Generator) write(label string, start, stop bool) {
	if g.Line == nil {
		return
	}
	if err := g.Line.Write(start, stop); err != nil {
		g.logf("[ttl] %s: line write failed: %v", label, err)
	}
}

func (g Generator) logf(format string, args ...any) {
	if g.Logger != nil {
		g.Logger.Printf(format, args...)
	}
}

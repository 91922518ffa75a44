// Package runlog хранит журнал запусков секвенсора: старт, шаги, импульсы, завершение.
package runlog

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Виды событий журнала.
const (
	KindRunStarted  = "run_started"
	KindStep        = "step"
	KindTrigger     = "trigger"
	KindFault       = "fault"
	KindRunFinished = "run_finished"
)

// Event: одна запись журнала.
type Event struct {
	RunID       string
	Seq         int64
	At          time.Time
	Kind        string
	Track       string
	Iteration   int
	Index       int
	Step        string
	Detail      string
	Fingerprint int64
}

// Query задаёт выборку событий. Пустые поля не фильтруют.
type Query struct {
	RunID string
	Kind  string
	From  time.Time
	To    time.Time
	Limit int
}

// ErrClosed возвращается при записи в закрытый журнал.
var ErrClosed = errors.New("runlog: closed")

// DefaultLimit ограничивает выборку без явного Limit.
const DefaultLimit = 1000

// EffectiveLimit возвращает лимит выборки с учётом значения по умолчанию.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Match сообщает, подходит ли событие под фильтр (без учёта лимита).
func (q Query) Match(ev Event) bool {
	if q.RunID != "" && ev.RunID != q.RunID {
		return false
	}
	if q.Kind != "" && ev.Kind != q.Kind {
		return false
	}
	if !q.From.IsZero() && ev.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && ev.At.After(q.To) {
		return false
	}
	return true
}

// Recorder принимает события от исполнителя.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Store: хранилище журнала (память, SQLite, PostgreSQL, ClickHouse).
type Store interface {
	Recorder
	// Events возвращает события по возрастанию времени.
	Events(ctx context.Context, q Query) ([]Event, error)
	Close()
}

// Async пишет события в Store из отдельной горутины, чтобы запись в базу
// не сдвигала тайминги шагов.
type Async struct {
	store  Store
	logger *log.Logger

	queue   chan Event
	done    chan struct{}
	pending atomic.Int64

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewAsync запускает фоновую запись. buffer задаёт размер очереди.
func NewAsync(store Store, buffer int, logger *log.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		store:  store,
		logger: logger,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// Record ставит событие в очередь. При переполнении событие отбрасывается.
func (a *Async) Record(_ context.Context, ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.pending.Add(1)
	select {
	case a.queue <- ev:
	default:
		a.pending.Add(-1)
		a.dropped++
		if a.logger != nil {
			a.logger.Printf("[runlog] queue full, event %s/%s dropped", ev.RunID, ev.Kind)
		}
	}
	return nil
}

// Events читает напрямую из хранилища.
func (a *Async) Events(ctx context.Context, q Query) ([]Event, error) {
	return a.store.Events(ctx, q)
}

// Dropped возвращает число отброшенных событий.
func (a *Async) Dropped() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Flush ждёт, пока все принятые события будут записаны.
func (a *Async) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for a.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close дописывает очередь и закрывает хранилище.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	a.store.Close()
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.store.Record(ctx, ev); err != nil && a.logger != nil {
			a.logger.Printf("[runlog] record %s/%s failed: %v", ev.RunID, ev.Kind, err)
		}
		cancel()
		a.pending.Add(-1)
	}
}

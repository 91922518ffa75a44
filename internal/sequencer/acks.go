package sequencer

import (
	"sync"
	"time"

	"github.com/pv/odor-delivery-go/internal/clock"
	"github.com/pv/odor-delivery-go/internal/device"
)

// actuation: открытие клапана, ожидающее трёх отметок.
type actuation struct {
	runID    string
	got      int
	closeAt  time.Time
	deadline time.Time
	done     chan struct{}
	onAck    func(n int)

	// orphan: запуск завершён, отметки принимаются и отбрасываются до дедлайна.
	orphan bool
}

// ackRouter читает общий поток подтверждений контроллера клапанов и раздаёт
// отметки ожидающим открытиям в порядке отправки. Отметки "принята" и
// "открыт" получает самое раннее открытие, у которого их ещё нет. Отметку
// "закрыт" получает открытие с самым ранним ожидаемым закрытием.
type ackRouter struct {
	mu      sync.Mutex
	pending []*actuation
	lost    chan struct{}
	logf    func(format string, args ...any)
}

func newAckRouter(acks <-chan device.Ack, logf func(string, ...any)) *ackRouter {
	r := &ackRouter{lost: make(chan struct{}), logf: logf}
	go r.loop(acks)
	return r
}

func (r *ackRouter) loop(acks <-chan device.Ack) {
	for range acks {
		r.credit(time.Now())
	}
	close(r.lost)
}

// register ставит открытие в очередь. Вызывается до отправки команды, иначе
// ранние отметки уйдут чужому открытию.
func (r *ackRouter) register(runID string, open, deadline time.Duration, onAck func(int)) *actuation {
	now := time.Now()
	a := &actuation{
		runID:    runID,
		closeAt:  now.Add(open),
		deadline: now.Add(deadline),
		done:     make(chan struct{}),
		onAck:    onAck,
	}
	r.mu.Lock()
	r.pruneLocked(now)
	r.pending = append(r.pending, a)
	r.mu.Unlock()
	return a
}

// drop снимает открытие с очереди: команда не ушла или ожидание истекло.
func (r *ackRouter) drop(a *actuation) {
	r.mu.Lock()
	r.removeLocked(a)
	r.mu.Unlock()
}

// release отвязывает незавершённые открытия запуска от ожидающих.
func (r *ackRouter) release(runID string) {
	r.mu.Lock()
	for _, a := range r.pending {
		if a.runID == runID {
			a.orphan = true
		}
	}
	r.mu.Unlock()
}

// wait ждёт все отметки открытия. При поднятом флаге возвращает nil,
// открытие остаётся в очереди.
func (r *ackRouter) wait(a *actuation, flag *clock.Flag) error {
	poll := time.NewTicker(clock.PollInterval)
	defer poll.Stop()
	for {
		select {
		case <-a.done:
			return nil
		case <-r.lost:
			return ErrAckStreamClosed
		case <-poll.C:
			if flag.Raised() {
				return nil
			}
			if r.expired(a, time.Now()) {
				r.drop(a)
				return ErrAckTimeout
			}
		}
	}
}

// expired: истёк собственный дедлайн открытия и дедлайны всех более длинных
// открытий того же запуска. Пока соседнее открытие держит клапан, его отметки
// могут прийти вперемешку с нашими.
func (r *ackRouter) expired(a *actuation, now time.Time) bool {
	if !now.After(a.deadline) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := a.deadline
	for _, p := range r.pending {
		if p.runID == a.runID && !p.orphan && p.deadline.After(latest) {
			latest = p.deadline
		}
	}
	return now.After(latest)
}

func (r *ackRouter) credit(now time.Time) {
	r.mu.Lock()
	r.pruneLocked(now)
	a := r.pickLocked()
	if a == nil {
		r.mu.Unlock()
		r.logf("[seq] stray acknowledgement dropped")
		return
	}
	a.got++
	n, notify := a.got, a.onAck != nil && !a.orphan
	if n == device.AcksPerActuation {
		r.removeLocked(a)
		close(a.done)
	}
	r.mu.Unlock()
	if notify {
		a.onAck(n)
	}
}

func (r *ackRouter) pickLocked() *actuation {
	for _, a := range r.pending {
		if a.got < device.AcksPerActuation-1 {
			return a
		}
	}
	var best *actuation
	for _, a := range r.pending {
		if best == nil || a.closeAt.Before(best.closeAt) {
			best = a
		}
	}
	return best
}

func (r *ackRouter) pruneLocked(now time.Time) {
	kept := r.pending[:0]
	for _, a := range r.pending {
		if a.orphan && now.After(a.deadline) {
			continue
		}
		kept = append(kept, a)
	}
	clear(r.pending[len(kept):])
	r.pending = kept
}

func (r *ackRouter) removeLocked(a *actuation) {
	for i, p := range r.pending {
		if p == a {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// Package memstore хранит журнал запусков в памяти процесса.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pv/odor-delivery-go/internal/runlog"
)

// Store: журнал в памяти. Capacity > 0 ограничивает число хранимых событий,
// старые события вытесняются.
type Store struct {
	Capacity int

	mu     sync.Mutex
	events []runlog.Event
}

func New(capacity int) *Store {
	return &Store{Capacity: capacity}
}

func (s *Store) Record(ctx context.Context, ev runlog.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.Capacity > 0 && len(s.events) > s.Capacity {
		s.events = append(s.events[:0:0], s.events[len(s.events)-s.Capacity:]...)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, q runlog.Query) ([]runlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	matched := make([]runlog.Event, 0, len(s.events))
	for _, ev := range s.events {
		if q.Match(ev) {
			matched = append(matched, ev)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].At.Equal(matched[j].At) {
			return matched[i].At.Before(matched[j].At)
		}
		return matched[i].Seq < matched[j].Seq
	})
	if limit := q.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) Close() {}

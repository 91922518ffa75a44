package trigger

import (
	"errors"
	"log"
	"sync"
	"time"
)

// LogLine пишет фронты в журнал. Заменяет плату сбора данных при работе без железа.
type LogLine struct {
	Logger *log.Logger

	mu     sync.Mutex
	writes int
}

func (l *LogLine) Write(start, stop bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes++
	if l.Logger != nil {
		l.Logger.Printf("[ttl] start=%d stop=%d at %s", bit(start), bit(stop), time.Now().Format("15:04:05.000"))
	}
	return nil
}

// Writes возвращает число записей в линию.
func (l *LogLine) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

// TTLWriter: контроллер с двумя TTL-выходами.
type TTLWriter interface {
	WriteTTL(start, stop bool) error
}

// MessengerLine выводит фронты на TTL-выходы контроллера расхода.
type MessengerLine struct {
	Out TTLWriter

	mu sync.Mutex
}

func (l *MessengerLine) Write(start, stop bool) error {
	if l.Out == nil {
		return errors.New("trigger: ttl output is not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Out.WriteTTL(start, stop)
}

func bit(v bool) int {
	if v {
		return 1
	}
	return 0
}

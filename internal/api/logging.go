package api

import (
	"log"
	"sync/atomic"
)

// debugLog: приёмник отладочных сообщений менеджера, HTTP и WebSocket.
// nil выключает отладку.
var debugLog atomic.Pointer[log.Logger]

// SetDebugLogging включает подробный журнал слоя управления стендом.
// Сообщения уходят в стандартный логгер с префиксом "[api] debug".
func SetDebugLogging(enabled bool) {
	if !enabled {
		debugLog.Store(nil)
		return
	}
	debugLog.Store(log.New(log.Writer(), log.Prefix(), log.Flags()))
}

func logDebugf(format string, args ...any) {
	if l := debugLog.Load(); l != nil {
		l.Printf("[api] debug "+format, args...)
	}
}

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"sync"
	"time"
)

// Разделители протокола CmdMessenger.
const (
	fieldSeparator   = ','
	commandSeparator = ';'
	escapeSeparator  = '/'
	ackByte          = '1'
)

// Encode собирает команду: "<индекс>,<арг>,<арг>;". Символы (byte) идут одним
// байтом, целые (int) как int16 little-endian, bool одним байтом 0/1.
// Служебные байты внутри аргументов экранируются "/".
func Encode(cmd int, args ...any) ([]byte, error) {
	if cmd < 0 {
		return nil, fmt.Errorf("messenger: invalid command index %d", cmd)
	}
	buf := []byte(strconv.Itoa(cmd))
	for i, arg := range args {
		var raw []byte
		switch v := arg.(type) {
		case byte:
			raw = []byte{v}
		case bool:
			if v {
				raw = []byte{1}
			} else {
				raw = []byte{0}
			}
		case int:
			if v < math.MinInt16 || v > math.MaxInt16 {
				return nil, fmt.Errorf("messenger: argument %d value %d out of int16 range", i, v)
			}
			raw = binary.LittleEndian.AppendUint16(nil, uint16(int16(v)))
		default:
			return nil, fmt.Errorf("messenger: argument %d has unsupported type %T", i, arg)
		}
		buf = append(buf, fieldSeparator)
		buf = appendEscaped(buf, raw)
	}
	return append(buf, commandSeparator), nil
}

func appendEscaped(dst, raw []byte) []byte {
	for _, b := range raw {
		if b == fieldSeparator || b == commandSeparator || b == escapeSeparator {
			dst = append(dst, escapeSeparator)
		}
		dst = append(dst, b)
	}
	return dst
}

// Messenger передаёт команды по последовательному каналу и читает подтверждения.
type Messenger struct {
	rw     io.ReadWriter
	logger *log.Logger

	mu        sync.Mutex
	sent      int64
	closeOnce sync.Once
	done      chan struct{}

	listen sync.Once
	acks   chan Ack
}

// NewMessenger создаёт Messenger поверх rw. Logger может быть nil.
func NewMessenger(rw io.ReadWriter, logger *log.Logger) *Messenger {
	return &Messenger{
		rw:     rw,
		logger: logger,
		done:   make(chan struct{}),
		acks:   make(chan Ack, 64),
	}
}

// Send кодирует и передаёт одну команду. Передача команды целиком
// выполняется под мьютексом, команды разных дорожек не перемешиваются.
func (m *Messenger) Send(cmd int, args ...any) error {
	frame, err := Encode(cmd, args...)
	if err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.rw.Write(frame); err != nil {
		return fmt.Errorf("messenger: write command %d: %w", cmd, err)
	}
	m.sent++
	return nil
}

// Sent возвращает число переданных команд.
func (m *Messenger) Sent() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// Acks запускает чтение порта (при первом вызове) и возвращает поток подтверждений.
func (m *Messenger) Acks() <-chan Ack {
	m.listen.Do(func() { go m.readLoop() })
	return m.acks
}

// Close останавливает чтение. Порт закрывает его владелец.
func (m *Messenger) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Messenger) readLoop() {
	defer close(m.acks)
	buf := make([]byte, 64)
	for {
		select {
		case <-m.done:
			return
		default:
		}
		n, err := m.rw.Read(buf)
		for _, b := range buf[:n] {
			if b != ackByte {
				continue
			}
			select {
			case m.acks <- Ack{At: time.Now()}:
			case <-m.done:
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, io.EOF) && m.logger != nil {
				m.logger.Printf("[messenger] read failed: %v", err)
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

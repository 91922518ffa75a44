// Package pattern разбирает текстовое описание последовательности импульсов.
//
// Формат: "A3_Z10_J3_#_Z5_N2;1": поля разделены "_", каждое поле это символ
// канала и длительность в секундах. "+" отделяет газовую дорожку, ";" задаёт
// число повторов.
package pattern

import (
	"math"
	"strconv"
	"strings"

	"github.com/go-faster/city"
)

// TickMillis: длительность одного тика паттерна.
const TickMillis = 10

// MaxTicks ограничивает длительность поля: контроллер принимает int16.
const MaxTicks = math.MaxInt16

// Kind: тип шага.
type Kind int

const (
	Actuate Kind = iota
	Flush
	PanelSwitch
	GasPulse
	End
)

func (k Kind) String() string {
	switch k {
	case Actuate:
		return "actuate"
	case Flush:
		return "flush"
	case PanelSwitch:
		return "panel_switch"
	case GasPulse:
		return "gas_pulse"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// Step: один шаг дорожки.
type Step struct {
	Kind   Kind
	Symbol byte
	Ticks  int
	// WithGas: клапан запаха открывается вместе с газовой линией (поле вида "AW3").
	WithGas bool
	// NoTrigger: газовый импульс без запуска регистрации (строчный символ газа).
	NoTrigger bool
}

// Millis возвращает длительность шага в миллисекундах.
func (s Step) Millis() int64 {
	return int64(s.Ticks) * TickMillis
}

// Triggerable сообщает, запускает ли шаг импульс регистрации перед собой.
func (s Step) Triggerable() bool {
	switch s.Kind {
	case Actuate:
		return true
	case GasPulse:
		return !s.NoTrigger
	default:
		return false
	}
}

// Track: упорядоченная последовательность шагов одной дорожки.
type Track []Step

// At возвращает шаг по индексу или End за пределами дорожки.
func (t Track) At(i int) Step {
	if i < 0 || i >= len(t) {
		return Step{Kind: End}
	}
	return t[i]
}

// Pattern: результат разбора. После создания не изменяется.
type Pattern struct {
	Repeat int
	Odor   Track
	Gas    Track
	Text   string

	set SymbolSet
}

// DualTrack сообщает, выполняются ли две дорожки параллельно.
func (p *Pattern) DualTrack() bool {
	return len(p.Odor) > 0 && len(p.Gas) > 0
}

// String возвращает каноническую запись паттерна.
func (p *Pattern) String() string {
	var b strings.Builder
	p.writeTrack(&b, p.Odor)
	if len(p.Gas) > 0 {
		b.WriteByte('+')
		p.writeTrack(&b, p.Gas)
	}
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(p.Repeat))
	return b.String()
}

// Fingerprint: cityhash64 канонической записи; одинаковые паттерны группируются в журнале.
func (p *Pattern) Fingerprint() int64 {
	return int64(city.Hash64([]byte(p.String())))
}

// Field возвращает запись шага в синтаксисе паттерна, например "Z10" или "AW3".
func (p *Pattern) Field(s Step) string {
	switch s.Kind {
	case PanelSwitch:
		return "#"
	case End:
		return ""
	}
	var b strings.Builder
	switch s.Kind {
	case Flush:
		b.WriteByte(p.set.Flush)
	case GasPulse:
		if s.NoTrigger {
			b.WriteByte(lower(p.set.Gas))
		} else {
			b.WriteByte(p.set.Gas)
		}
	case Actuate:
		b.WriteByte(s.Symbol)
		if s.WithGas {
			b.WriteByte(p.set.Gas)
		}
	}
	b.WriteString(FormatSeconds(s.Ticks))
	return b.String()
}

func (p *Pattern) writeTrack(b *strings.Builder, t Track) {
	for i, s := range t {
		if i > 0 {
			b.WriteByte('_')
		}
		b.WriteString(p.Field(s))
	}
}

// FormatSeconds переводит тики в запись секунд без лишних нулей.
func FormatSeconds(ticks int) string {
	return strconv.FormatFloat(float64(ticks)/100, 'f', -1, 64)
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

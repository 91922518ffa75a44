package pattern

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SymbolSet: допустимые символы каналов.
type SymbolSet struct {
	Valves string
	Flush  byte
	Gas    byte
}

// DefaultSymbols: клапаны A..U без K, промывка Z, газ W.
func DefaultSymbols() SymbolSet {
	return SymbolSet{Valves: "ABCDEFGHIJLMNOPQRSTU", Flush: 'Z', Gas: 'W'}
}

// NewSymbolSet собирает набор из строковых значений конфигурации.
func NewSymbolSet(valves, flush, gas string) (SymbolSet, error) {
	if len(flush) != 1 || len(gas) != 1 {
		return SymbolSet{}, fmt.Errorf("pattern: flush and gas symbols must be single characters")
	}
	return SymbolSet{Valves: valves, Flush: flush[0], Gas: gas[0]}, nil
}

// IsValve сообщает, является ли символ клапаном запаха.
func (s SymbolSet) IsValve(c byte) bool {
	return strings.IndexByte(s.Valves, c) >= 0
}

// ParseError описывает ошибку разбора и содержит проблемный фрагмент текста.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pattern: %s: %q", e.Reason, e.Token)
}

func parseErr(token, format string, args ...any) *ParseError {
	return &ParseError{Token: token, Reason: fmt.Sprintf(format, args...)}
}

// Parse разбирает текст паттерна. Ошибки возвращаются как *ParseError.
func Parse(text string, set SymbolSet) (*Pattern, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return nil, parseErr(text, "empty pattern")
	}

	repeat := 1
	if i := strings.IndexByte(body, ';'); i >= 0 {
		tail := strings.TrimSpace(body[i+1:])
		body = strings.TrimSpace(body[:i])
		if strings.IndexByte(tail, ';') >= 0 {
			return nil, parseErr(tail, "more than one repeat suffix")
		}
		n, err := strconv.Atoi(tail)
		if err != nil {
			return nil, parseErr(tail, "invalid repeat count")
		}
		if n < 1 {
			return nil, parseErr(tail, "repeat count must be at least 1")
		}
		repeat = n
	}

	streams := strings.Split(body, "+")
	if len(streams) > 2 {
		return nil, parseErr(body, "more than two streams")
	}

	p := &Pattern{Repeat: repeat, Text: text, set: set}
	odor, err := parseStream(streams[0], set)
	if err != nil {
		return nil, err
	}
	p.Odor = odor
	if len(streams) == 2 {
		gas, err := parseStream(streams[1], set)
		if err != nil {
			return nil, err
		}
		p.Gas = gas
	}
	return p, nil
}

func parseStream(stream string, set SymbolSet) (Track, error) {
	fields := strings.Split(stream, "_")
	track := make(Track, 0, len(fields))
	for _, raw := range fields {
		step, err := parseField(strings.TrimSpace(raw), set)
		if err != nil {
			return nil, err
		}
		track = append(track, step)
	}
	return track, nil
}

func parseField(field string, set SymbolSet) (Step, error) {
	if field == "" {
		return Step{}, parseErr(field, "empty field")
	}
	if field == "#" {
		return Step{Kind: PanelSwitch}, nil
	}

	sym := field[0]
	rest := field[1:]
	var step Step
	switch {
	case sym == set.Flush:
		step = Step{Kind: Flush, Symbol: sym}
	case sym == set.Gas:
		step = Step{Kind: GasPulse, Symbol: sym}
	case sym == lower(set.Gas) && sym != set.Gas:
		step = Step{Kind: GasPulse, Symbol: set.Gas, NoTrigger: true}
	case set.IsValve(sym):
		step = Step{Kind: Actuate, Symbol: sym}
		if len(rest) > 0 && rest[0] == set.Gas {
			step.WithGas = true
			rest = rest[1:]
		}
	default:
		return Step{}, parseErr(field[:1], "unknown symbol")
	}

	ticks, err := parseTicks(field, rest)
	if err != nil {
		return Step{}, err
	}
	step.Ticks = ticks
	return step, nil
}

func parseTicks(field, value string) (int, error) {
	if value == "" {
		return 0, parseErr(field, "missing duration")
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, parseErr(field, "invalid duration")
	}
	if seconds < 0 {
		return 0, parseErr(field, "negative duration")
	}
	ticks := math.Round(seconds * 100)
	if ticks > MaxTicks {
		return 0, parseErr(field, "duration exceeds %s s", FormatSeconds(MaxTicks))
	}
	return int(ticks), nil
}

package pattern

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// GenerateOptions задаёт параметры случайного блока.
type GenerateOptions struct {
	Channels string
	// On и Off: длительности открытия клапана и промывки в секундах.
	On    float64
	Off   float64
	Puffs int
	// Каналы старше PanelSplit относятся ко второй панели.
	PanelSplit byte
	Flush      byte
}

// DefaultGenerateOptions: один проход по всем клапанам, 3 с запаха, 45 с промывки.
func DefaultGenerateOptions() GenerateOptions {
	set := DefaultSymbols()
	return GenerateOptions{
		Channels:   set.Valves,
		On:         3,
		Off:        45,
		Puffs:      1,
		PanelSplit: 'K',
		Flush:      set.Flush,
	}
}

// Generate строит текст паттерна, в котором каналы каждой панели идут в случайном порядке.
// Между панелями вставляется переключение "#", каждому клапану предшествует промывка.
func Generate(opts GenerateOptions, rng *rand.Rand) (string, error) {
	if rng == nil {
		return "", fmt.Errorf("pattern: random source is nil")
	}
	if opts.Channels == "" {
		return "", fmt.Errorf("pattern: no channels to generate from")
	}
	if opts.Puffs < 1 {
		return "", fmt.Errorf("pattern: puffs must be at least 1, got %d", opts.Puffs)
	}
	if opts.On < 0 || opts.Off < 0 {
		return "", fmt.Errorf("pattern: durations must not be negative")
	}
	if opts.PanelSplit == 0 {
		opts.PanelSplit = 'K'
	}
	if opts.Flush == 0 {
		opts.Flush = 'Z'
	}

	var first, second []byte
	for i := 0; i < len(opts.Channels); i++ {
		c := opts.Channels[i]
		if c > opts.PanelSplit {
			second = append(second, c)
		} else {
			first = append(first, c)
		}
	}
	twoPanels := len(first) > 0 && len(second) > 0

	on := FormatSeconds(secondsToTicks(opts.On))
	off := string(opts.Flush) + FormatSeconds(secondsToTicks(opts.Off))
	var fields []string
	for puff := 0; puff < opts.Puffs; puff++ {
		if puff > 0 && twoPanels {
			fields = append(fields, "#")
		}
		for _, c := range permute(first, rng) {
			fields = append(fields, off, string(c)+on)
		}
		if twoPanels {
			fields = append(fields, "#")
		}
		for _, c := range permute(second, rng) {
			fields = append(fields, off, string(c)+on)
		}
	}
	fields = append(fields, off)
	return strings.Join(fields, "_"), nil
}

func permute(channels []byte, rng *rand.Rand) []byte {
	out := make([]byte, len(channels))
	for i, j := range rng.Perm(len(channels)) {
		out[i] = channels[j]
	}
	return out
}

func secondsToTicks(seconds float64) int {
	return int(seconds*100 + 0.5)
}

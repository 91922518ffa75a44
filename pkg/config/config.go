package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Valves описывает набор символов каналов, допустимых в тексте паттерна.
type Valves struct {
	Symbols string `yaml:"symbols" json:"symbols"`
	Flush   string `yaml:"flush" json:"flush"`
	Gas     string `yaml:"gas" json:"gas"`
}

// Timing содержит временные константы секвенсора.
// Тики: единица паттерна (10 мс), остальное в time.Duration.
type Timing struct {
	PreFlushTicks      int           `yaml:"pre_flush_ticks" json:"pre_flush_ticks"`
	SwitchFlushTicks   int           `yaml:"switch_flush_ticks" json:"switch_flush_ticks"`
	SwitchMargin       time.Duration `yaml:"switch_margin" json:"switch_margin"`
	AcquisitionPre     time.Duration `yaml:"acquisition_pre" json:"acquisition_pre"`
	AcquisitionPost    time.Duration `yaml:"acquisition_post" json:"acquisition_post"`
	AcquisitionPostGas time.Duration `yaml:"acquisition_post_gas" json:"acquisition_post_gas"`
	PulseOnWidth       time.Duration `yaml:"pulse_on_width" json:"pulse_on_width"`
	Prepare            time.Duration `yaml:"prepare" json:"prepare"`
	AckGrace           time.Duration `yaml:"ack_grace" json:"ack_grace"`
}

// Hardware задаёт порты контроллеров. Пустой порт или "sim" включает встроенный симулятор.
type Hardware struct {
	ValvePort  string        `yaml:"valve_port" json:"valve_port"`
	FlowPort   string        `yaml:"flow_port" json:"flow_port"`
	BaudRate   int           `yaml:"baud_rate" json:"baud_rate"`
	SettleTime time.Duration `yaml:"settle_time" json:"settle_time"`
	Trigger    string        `yaml:"trigger" json:"trigger"`
}

// Линии импульсов регистрации.
const (
	TriggerLog  = "log"
	TriggerFlow = "flow"
	TriggerNone = "none"
)

// Flow описывает канал расходомеров: число каналов и наборы напряжений.
type Flow struct {
	Channels int   `yaml:"channels" json:"channels"`
	Defaults []int `yaml:"defaults" json:"defaults"`
	Wash     []int `yaml:"wash" json:"wash"`
	Dry      []int `yaml:"dry" json:"dry"`
}

// Storage задаёт журнал запусков: пусто или "memory", sqlite://, postgres://, clickhouse://.
type Storage struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// HTTP: параметры управляющего сервера.
type HTTP struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Config: профиль установки: клапаны, тайминги, железо и именованные блоки паттернов.
type Config struct {
	Valves   Valves            `yaml:"valves" json:"valves"`
	Timing   Timing            `yaml:"timing" json:"timing"`
	Hardware Hardware          `yaml:"hardware" json:"hardware"`
	Flow     Flow              `yaml:"flow" json:"flow"`
	Storage  Storage           `yaml:"storage" json:"storage"`
	HTTP     HTTP              `yaml:"http" json:"http"`
	Blocks   map[string]string `yaml:"blocks" json:"blocks"`
}

// Default возвращает профиль, совпадающий с исходной установкой.
func Default() *Config {
	return &Config{
		Valves: Valves{
			Symbols: "ABCDEFGHIJLMNOPQRSTU",
			Flush:   "Z",
			Gas:     "W",
		},
		Timing: Timing{
			PreFlushTicks:      300,
			SwitchFlushTicks:   1000,
			SwitchMargin:       3 * time.Second,
			AcquisitionPre:     7 * time.Second,
			AcquisitionPost:    20 * time.Second,
			AcquisitionPostGas: 90 * time.Second,
			PulseOnWidth:       5 * time.Millisecond,
			Prepare:            time.Second,
			AckGrace:           10 * time.Second,
		},
		Hardware: Hardware{
			BaudRate:   115200,
			SettleTime: 2 * time.Second,
			Trigger:    TriggerLog,
		},
		Flow: Flow{
			Channels: 4,
			Wash:     []int{200, 20, 200},
			Dry:      []int{200, 200, 200},
		},
		Storage: Storage{DSN: "memory"},
		HTTP:    HTTP{Addr: ":9090"},
		Blocks:  map[string]string{},
	}
}

// Load загружает профиль из YAML или JSON поверх значений по умолчанию.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	// JSON: подмножество YAML, поэтому декодер общий.
	case ".yaml", ".yml", ".json", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config: format %s is not supported yet", ext)
	}
	if cfg.Blocks == nil {
		cfg.Blocks = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность профиля.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: configuration is nil")
	}
	if c.Valves.Symbols == "" {
		return errors.New("config: valve symbol list is empty")
	}
	if len(c.Valves.Flush) != 1 || len(c.Valves.Gas) != 1 {
		return fmt.Errorf("config: flush and gas symbols must be single characters (got %q, %q)", c.Valves.Flush, c.Valves.Gas)
	}
	seen := make(map[rune]bool, len(c.Valves.Symbols))
	for _, r := range c.Valves.Symbols {
		if r > 0x7f {
			return fmt.Errorf("config: valve symbol %q is not ASCII", r)
		}
		if seen[r] {
			return fmt.Errorf("config: duplicate valve symbol %q", r)
		}
		seen[r] = true
	}
	for _, s := range []string{c.Valves.Flush, c.Valves.Gas, strings.ToLower(c.Valves.Gas), "#"} {
		if strings.Contains(c.Valves.Symbols, s) {
			return fmt.Errorf("config: symbol %q is reserved and cannot be a valve", s)
		}
	}
	if c.Valves.Flush == c.Valves.Gas {
		return errors.New("config: flush and gas symbols must differ")
	}

	t := c.Timing
	if t.PreFlushTicks <= 0 || t.SwitchFlushTicks <= 0 {
		return errors.New("config: flush tick counts must be > 0")
	}
	if t.SwitchFlushTicks < 3*t.PreFlushTicks {
		return fmt.Errorf("config: switch_flush_ticks %d must be at least 3×pre_flush_ticks (%d)", t.SwitchFlushTicks, 3*t.PreFlushTicks)
	}
	for name, d := range map[string]time.Duration{
		"acquisition_pre":      t.AcquisitionPre,
		"acquisition_post":     t.AcquisitionPost,
		"acquisition_post_gas": t.AcquisitionPostGas,
		"pulse_on_width":       t.PulseOnWidth,
		"prepare":              t.Prepare,
		"switch_margin":        t.SwitchMargin,
		"ack_grace":            t.AckGrace,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if t.AckGrace == 0 {
		return errors.New("config: ack_grace must be > 0")
	}

	switch c.Hardware.Trigger {
	case "", TriggerLog, TriggerFlow, TriggerNone:
	default:
		return fmt.Errorf("config: unknown trigger line %q (want %s, %s or %s)", c.Hardware.Trigger, TriggerLog, TriggerFlow, TriggerNone)
	}

	if c.Flow.Channels < 3 || c.Flow.Channels > 5 {
		return fmt.Errorf("config: flow channels must be 3..5, got %d", c.Flow.Channels)
	}
	for name, set := range map[string][]int{"defaults": c.Flow.Defaults, "wash": c.Flow.Wash, "dry": c.Flow.Dry} {
		if len(set) != 0 && (len(set) < 3 || len(set) > c.Flow.Channels) {
			return fmt.Errorf("config: flow %s must have 3..%d values, got %d", name, c.Flow.Channels, len(set))
		}
	}
	return nil
}

// Block возвращает текст паттерна именованного блока.
func (c *Config) Block(name string) (string, error) {
	if c == nil {
		return "", errors.New("config: configuration is nil")
	}
	text, ok := c.Blocks[name]
	if !ok {
		return "", fmt.Errorf("config: block %q not found", name)
	}
	return text, nil
}

// BlockNames возвращает отсортированный список блоков.
func (c *Config) BlockNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Blocks))
	for name := range c.Blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

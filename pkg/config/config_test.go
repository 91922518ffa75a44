package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "rig.yaml", `
valves:
  symbols: ABCD
timing:
  pre_flush_ticks: 100
  acquisition_pre: 2s
  ack_grace: 500ms
flow:
  channels: 5
  defaults: [100, 200, 300, 400, 500]
blocks:
  baseline: "Z10_A3+Z10_W3;1"
  dual: "Z12_B2"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Valves.Symbols != "ABCD" || cfg.Valves.Flush != "Z" || cfg.Valves.Gas != "W" {
		t.Fatalf("unexpected valves: %+v", cfg.Valves)
	}
	if cfg.Timing.PreFlushTicks != 100 || cfg.Timing.AcquisitionPre != 2*time.Second || cfg.Timing.AckGrace != 500*time.Millisecond {
		t.Fatalf("unexpected timing: %+v", cfg.Timing)
	}
	if cfg.Timing.AcquisitionPost != 20*time.Second {
		t.Fatalf("default acquisition_post lost: %v", cfg.Timing.AcquisitionPost)
	}
	if !reflect.DeepEqual(cfg.BlockNames(), []string{"baseline", "dual"}) {
		t.Fatalf("unexpected block names: %v", cfg.BlockNames())
	}
	text, err := cfg.Block("baseline")
	if err != nil || text != "Z10_A3+Z10_W3;1" {
		t.Fatalf("Block returned %q, %v", text, err)
	}
	if _, err := cfg.Block("missing"); err == nil {
		t.Fatalf("expected error for unknown block")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "rig.json", `{
		"valves": {"symbols": "ABC", "flush": "Y", "gas": "G"},
		"timing": {"prepare": "250ms"},
		"storage": {"dsn": "sqlite://runs.db"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Valves.Flush != "Y" || cfg.Valves.Gas != "G" {
		t.Fatalf("unexpected valves: %+v", cfg.Valves)
	}
	if cfg.Timing.Prepare != 250*time.Millisecond {
		t.Fatalf("unexpected prepare: %v", cfg.Timing.Prepare)
	}
	if cfg.Storage.DSN != "sqlite://runs.db" {
		t.Fatalf("unexpected storage: %+v", cfg.Storage)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("default http addr lost: %q", cfg.HTTP.Addr)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "rig.xml", `<rig/>`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duplicate symbol", func(c *Config) { c.Valves.Symbols = "ABA" }, "duplicate"},
		{"flush in valves", func(c *Config) { c.Valves.Symbols = "ABZ" }, "reserved"},
		{"lower gas in valves", func(c *Config) { c.Valves.Symbols = "ABw" }, "reserved"},
		{"long flush", func(c *Config) { c.Valves.Flush = "ZZ" }, "single characters"},
		{"same flush and gas", func(c *Config) { c.Valves.Gas = "Z" }, "must differ"},
		{"zero pre", func(c *Config) { c.Timing.PreFlushTicks = 0 }, "tick counts"},
		{"short switch flush", func(c *Config) { c.Timing.SwitchFlushTicks = 600 }, "switch_flush_ticks"},
		{"negative prepare", func(c *Config) { c.Timing.Prepare = -time.Second }, "prepare"},
		{"zero grace", func(c *Config) { c.Timing.AckGrace = 0 }, "ack_grace"},
		{"flow arity", func(c *Config) { c.Flow.Channels = 6 }, "3..5"},
		{"wash too long", func(c *Config) { c.Flow.Channels = 3; c.Flow.Wash = []int{1, 2, 3, 4} }, "wash"},
		{"unknown trigger", func(c *Config) { c.Hardware.Trigger = "daq" }, "trigger"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pv/odor-delivery-go/internal/device"
	"github.com/pv/odor-delivery-go/internal/pattern"
	"github.com/pv/odor-delivery-go/internal/runlog"
	"github.com/pv/odor-delivery-go/internal/runlog/memstore"
	"github.com/pv/odor-delivery-go/internal/sequencer"
	"github.com/pv/odor-delivery-go/pkg/config"
)

func fastTiming() sequencer.Timing {
	return sequencer.Timing{
		PreFlushTicks:      1,
		SwitchFlushTicks:   3,
		SwitchMargin:       time.Millisecond,
		AcquisitionPre:     5 * time.Millisecond,
		AcquisitionPost:    5 * time.Millisecond,
		AcquisitionPostGas: 5 * time.Millisecond,
		PulseOnWidth:       time.Millisecond,
		Prepare:            time.Millisecond,
		AckGrace:           time.Second,
	}
}

type testBench struct {
	sim   *device.Simulator
	exec  *sequencer.Executor
	store *memstore.Store
	mgr   *Manager
}

func newTestBench(t *testing.T, streamer *StepStreamer) *testBench {
	t.Helper()
	sim := device.NewSimulator(nil)
	store := memstore.New(0)
	exec := &sequencer.Executor{Valve: sim, Flow: sim, Timing: fastTiming(), Recorder: store}

	cfg := config.Default()
	cfg.Flow.Defaults = []int{100, 100, 100, 100}
	cfg.Blocks = map[string]string{
		"short":  "Z0.05_A0.01",
		"broken": "Z0.05_?1",
	}
	mgr, err := NewManager(exec, cfg, store, streamer)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testBench{sim: sim, exec: exec, store: store, mgr: mgr}
}

func waitDone(t *testing.T, mgr *Manager) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := mgr.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v (status %s)", err, st.Status)
	}
	return st
}

func TestManagerRunsPatternToCompletion(t *testing.T) {
	b := newTestBench(t, nil)
	b.sim.Scale = 0.1

	st, err := b.mgr.Start(context.Background(), "Z0.05_A0.01", 2)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Status != "running" || st.Pattern != "Z0.05_A0.01;2" {
		t.Fatalf("unexpected start status: %+v", st)
	}

	st = waitDone(t, b.mgr)
	if st.Status != "completed" {
		t.Fatalf("status = %s, want completed (err=%s)", st.Status, st.Error)
	}
	if st.Commands != 4 || st.Steps != 4 {
		t.Fatalf("commands=%d steps=%d, want 4 and 4", st.Commands, st.Steps)
	}
	if st.RunID == "" || st.LastStep != "A0.01" {
		t.Fatalf("unexpected run metadata: %+v", st)
	}

	events, err := b.mgr.Events(context.Background(), runlog.Query{RunID: st.RunID, Kind: runlog.KindStep})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("step events = %d, want 4", len(events))
	}
}

func TestManagerStartConflictAndStop(t *testing.T) {
	b := newTestBench(t, nil)

	if _, err := b.mgr.Start(context.Background(), "A2", 0); err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	if _, err := b.mgr.Start(context.Background(), "B1", 0); !errors.Is(err, sequencer.ErrBusy) {
		t.Fatalf("second start err = %v, want ErrBusy", err)
	}
	if err := b.mgr.SwitchPanel(context.Background()); !errors.Is(err, sequencer.ErrBusy) {
		t.Fatalf("maintenance while running err = %v, want ErrBusy", err)
	}
	if err := b.mgr.Stop(); err != nil {
		t.Fatalf("stop returned error: %v", err)
	}

	st := waitDone(t, b.mgr)
	if st.Status != "cancelled" {
		t.Fatalf("status after stop = %s, want cancelled", st.Status)
	}
	if err := b.mgr.Stop(); !errors.Is(err, errNoActiveJob) {
		t.Fatalf("stop after finish err = %v, want errNoActiveJob", err)
	}
}

func TestManagerStopBeforeRunBegins(t *testing.T) {
	b := newTestBench(t, nil)
	if _, err := b.mgr.Start(context.Background(), "Z10_A3", 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.mgr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := waitDone(t, b.mgr); st.Status != "cancelled" {
		t.Fatalf("status = %s, want cancelled", st.Status)
	}
	if n := b.sim.Count(device.CmdOpenOdorValve); n != 0 {
		t.Fatalf("valve opened %d times after stop", n)
	}
}

func TestManagerRejectsInvalidPatterns(t *testing.T) {
	b := newTestBench(t, nil)
	b.exec.Timing = sequencer.DefaultTiming()

	var perr *pattern.ParseError
	if _, err := b.mgr.Start(context.Background(), "A3_X2", 0); !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	var ferr *sequencer.FlushError
	if _, err := b.mgr.Start(context.Background(), "A3_Z5", 0); !errors.As(err, &ferr) {
		t.Fatalf("err = %v, want FlushError", err)
	}
	if _, err := b.mgr.Start(context.Background(), "", 0); !errors.Is(err, errEmptyPattern) {
		t.Fatalf("err = %v, want errEmptyPattern", err)
	}
	if st := b.mgr.Status(); st.Status != "idle" {
		t.Fatalf("status = %s, want idle", st.Status)
	}
	if len(b.sim.Commands()) != 0 {
		t.Fatalf("commands sent for invalid patterns")
	}
}

func TestManagerBlocks(t *testing.T) {
	b := newTestBench(t, nil)
	b.sim.Scale = 0.1

	if _, err := b.mgr.StartBlock(context.Background(), "missing", 0); err == nil {
		t.Fatalf("expected error for unknown block")
	}
	var perr *pattern.ParseError
	if _, err := b.mgr.StartBlock(context.Background(), "broken", 0); !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	st, err := b.mgr.StartBlock(context.Background(), "short", 0)
	if err != nil {
		t.Fatalf("start block: %v", err)
	}
	if st.Block != "short" {
		t.Fatalf("block = %q, want short", st.Block)
	}
	if st = waitDone(t, b.mgr); st.Status != "completed" {
		t.Fatalf("status = %s, want completed", st.Status)
	}
	if got := b.mgr.Blocks(); len(got) != 2 || got["short"] != "Z0.05_A0.01" {
		t.Fatalf("blocks = %v", got)
	}
}

func TestManagerMaintenanceUsesConfigVoltages(t *testing.T) {
	b := newTestBench(t, nil)
	ctx := context.Background()

	if err := b.mgr.SetFlow(ctx, nil); err != nil {
		t.Fatalf("set flow: %v", err)
	}
	if err := b.mgr.SolventWash(ctx, nil); err != nil {
		t.Fatalf("wash: %v", err)
	}
	if err := b.mgr.SolventDry(ctx, []int{1, 2, 3}); err != nil {
		t.Fatalf("dry: %v", err)
	}
	if err := b.mgr.Purge(ctx, 3); err != nil {
		t.Fatalf("purge: %v", err)
	}

	var flows [][]int
	for _, c := range b.sim.Commands() {
		if c.Name == device.CmdFlowSetup {
			flows = append(flows, c.Args)
		}
	}
	want := [][]int{{100, 100, 100, 100}, {200, 20, 200}, {1, 2, 3}}
	if len(flows) != len(want) {
		t.Fatalf("flow commands = %v, want %v", flows, want)
	}
	for i := range want {
		for j := range want[i] {
			if flows[i][j] != want[i][j] {
				t.Fatalf("flow %d = %v, want %v", i, flows[i], want[i])
			}
		}
	}
	if n := b.sim.Count(device.CmdSolventWash); n != 2 {
		t.Fatalf("solvent_wash sent %d times, want 2", n)
	}
}

func TestManagerGenerateAndDescribe(t *testing.T) {
	b := newTestBench(t, nil)
	opts := pattern.DefaultGenerateOptions()
	opts.Channels = "ABC"
	opts.Flush = 0

	first, err := b.mgr.Generate(opts, 7)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, _ := b.mgr.Generate(opts, 7)
	if first != second {
		t.Fatalf("same seed gave %q and %q", first, second)
	}

	info, err := b.mgr.Describe(first, 0)
	if err != nil {
		t.Fatalf("describe %q: %v", first, err)
	}
	if info.OdorSteps != 7 || info.DualTrack || info.Repeat != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}

	info, err = b.mgr.Describe("Z10_A3+Z10_W3;4", 0)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !info.DualTrack || info.Repeat != 4 || info.GasSteps != 2 {
		t.Fatalf("unexpected dual info: %+v", info)
	}
}

func TestManagerEventsWithoutRunLog(t *testing.T) {
	exec := &sequencer.Executor{Valve: device.NewSimulator(nil), Timing: fastTiming()}
	mgr, err := NewManager(exec, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.Events(context.Background(), runlog.Query{}); !errors.Is(err, errNoRunLog) {
		t.Fatalf("err = %v, want errNoRunLog", err)
	}
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pv/odor-delivery-go/internal/runlog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	src := filepath.Join(t.TempDir(), "runs.db")
	store, err := New(context.Background(), Config{Source: src, WAL: true})
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStoreRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	events := []runlog.Event{
		{RunID: "r1", Seq: 1, At: base, Kind: runlog.KindRunStarted, Detail: "Z10_A3;1", Fingerprint: -42},
		{RunID: "r1", Seq: 2, At: base.Add(10 * time.Second), Kind: runlog.KindStep, Track: "odor", Index: 0, Step: "Z10"},
		{RunID: "r1", Seq: 3, At: base.Add(13 * time.Second), Kind: runlog.KindStep, Track: "odor", Iteration: 0, Index: 1, Step: "A3"},
		{RunID: "r2", Seq: 1, At: base.Add(time.Minute), Kind: runlog.KindRunStarted},
	}
	for _, ev := range events {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	got, err := store.Events(ctx, runlog.Query{RunID: "r1"})
	if err != nil {
		t.Fatalf("Events returned error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	first, want := got[0], events[0]
	if !first.At.Equal(want.At) {
		t.Fatalf("timestamp mismatch: got %s want %s", first.At, want.At)
	}
	first.At, want.At = time.Time{}, time.Time{}
	if first != want {
		t.Fatalf("first event mismatch:\n got %+v\nwant %+v", first, want)
	}
	if got[2].Step != "A3" || got[2].Index != 1 || got[2].Track != "odor" {
		t.Fatalf("unexpected step event: %+v", got[2])
	}

	started, err := store.Events(ctx, runlog.Query{Kind: runlog.KindRunStarted})
	if err != nil {
		t.Fatalf("Events returned error: %v", err)
	}
	if len(started) != 2 {
		t.Fatalf("expected 2 run_started events, got %d", len(started))
	}

	window, err := store.Events(ctx, runlog.Query{From: base.Add(5 * time.Second), To: base.Add(20 * time.Second), Limit: 1})
	if err != nil {
		t.Fatalf("Events returned error: %v", err)
	}
	if len(window) != 1 || window[0].Seq != 2 {
		t.Fatalf("unexpected window result: %+v", window)
	}
}

func TestStoreRejectsDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	ev := runlog.Event{RunID: "r1", Seq: 1, At: time.Now(), Kind: runlog.KindStep}
	if err := store.Record(ctx, ev); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if err := store.Record(ctx, ev); err == nil {
		t.Fatalf("expected primary key violation")
	}
}

func TestNewErrorsAndHelpers(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error on empty source")
	}
	for _, src := range []string{"sqlite://runs.db", "file:runs?mode=memory", "runs.db", ":memory:"} {
		if !IsSource(src) {
			t.Fatalf("IsSource(%q) = false", src)
		}
	}
	if IsSource("postgres://localhost/db") || IsSource("") {
		t.Fatalf("IsSource false positive")
	}
	if got := NormalizeSource("sqlite:///tmp/runs.db"); got != "/tmp/runs.db" {
		t.Fatalf("NormalizeSource returned %q", got)
	}
}

func TestMemorySource(t *testing.T) {
	store, err := New(context.Background(), Config{Source: ":memory:"})
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	defer store.Close()
	if err := store.Record(context.Background(), runlog.Event{RunID: "m", Seq: 1, At: time.Now(), Kind: runlog.KindStep}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	got, err := store.Events(context.Background(), runlog.Query{RunID: "m"})
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 event, got %d (%v)", len(got), err)
	}
}

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/pv/odor-delivery-go/internal/runlog"
)

func TestStoreFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := New(0)

	events := []runlog.Event{
		{RunID: "r1", Seq: 2, At: base.Add(2 * time.Second), Kind: runlog.KindStep, Step: "A3"},
		{RunID: "r1", Seq: 1, At: base, Kind: runlog.KindRunStarted},
		{RunID: "r2", Seq: 1, At: base.Add(time.Second), Kind: runlog.KindRunStarted},
		{RunID: "r1", Seq: 3, At: base.Add(2 * time.Second), Kind: runlog.KindRunFinished},
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
	if got[0].Seq != 1 || got[1].Seq != 2 || got[2].Seq != 3 {
		t.Fatalf("unexpected order: %+v", got)
	}

	started, err := store.Events(ctx, runlog.Query{Kind: runlog.KindRunStarted, Limit: 1})
	if err != nil {
		t.Fatalf("Events returned error: %v", err)
	}
	if len(started) != 1 || started[0].RunID != "r1" {
		t.Fatalf("unexpected started events: %+v", started)
	}

	window, err := store.Events(ctx, runlog.Query{From: base.Add(time.Second), To: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("Events returned error: %v", err)
	}
	if len(window) != 1 || window[0].RunID != "r2" {
		t.Fatalf("unexpected window events: %+v", window)
	}
}

func TestStoreCapacity(t *testing.T) {
	ctx := context.Background()
	store := New(2)
	for i := int64(1); i <= 5; i++ {
		if err := store.Record(ctx, runlog.Event{RunID: "r", Seq: i}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}
	got, _ := store.Events(ctx, runlog.Query{})
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("expected last two events, got %+v", got)
	}
}

func TestAsyncWritesThrough(t *testing.T) {
	store := New(0)
	async := runlog.NewAsync(store, 8, nil)

	for i := int64(1); i <= 5; i++ {
		if err := async.Record(context.Background(), runlog.Event{RunID: "r", Seq: i}); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := async.Flush(ctx); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	got, err := async.Events(context.Background(), runlog.Query{RunID: "r"})
	if err != nil || len(got) != 5 {
		t.Fatalf("expected 5 events, got %d (%v)", len(got), err)
	}

	async.Close()
	async.Close()
	if err := async.Record(context.Background(), runlog.Event{}); err != runlog.ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

package postgres

import (
	"context"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pv/odor-delivery-go/internal/runlog"
)

func TestNewErrorsAndHelpers(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error on empty conn string")
	}
	if !IsPostgresURL("postgres://localhost/db") || !IsPostgresURL("postgresql://host/db") {
		t.Fatalf("IsPostgresURL failed on valid inputs")
	}
	if IsPostgresURL("http://example.com") {
		t.Fatalf("IsPostgresURL false positive")
	}
}

func TestBuildEventsQuery(t *testing.T) {
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildEventsQuery(runlog.Query{RunID: "r1", Kind: runlog.KindStep, From: from, Limit: 5})
	want := selectSQL + " WHERE run_id = $1 AND kind = $2 AND ts >= $3 ORDER BY ts, seq LIMIT $4"
	if query != want {
		t.Fatalf("unexpected query:\n got %s\nwant %s", query, want)
	}
	if !reflect.DeepEqual(args, []any{"r1", runlog.KindStep, from, 5}) {
		t.Fatalf("unexpected args: %#v", args)
	}

	query, args = buildEventsQuery(runlog.Query{})
	if query != selectSQL+" ORDER BY ts, seq LIMIT $1" || !reflect.DeepEqual(args, []any{runlog.DefaultLimit}) {
		t.Fatalf("unexpected empty query %q %#v", query, args)
	}
}

func TestStoreRecordAndQuery_Postgres(t *testing.T) {
	dsn := os.Getenv("ODORSEQ_PG_URL")
	if dsn == "" {
		t.Skip("ODORSEQ_PG_URL is not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	store, err := New(ctx, Config{ConnString: dsn})
	if err != nil {
		t.Fatalf("postgres.New error: %v", err)
	}
	t.Cleanup(store.Close)

	runID := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, kind := range []string{runlog.KindRunStarted, runlog.KindStep, runlog.KindRunFinished} {
		ev := runlog.Event{RunID: runID, Seq: int64(i + 1), At: base.Add(time.Duration(i) * time.Second), Kind: kind, Step: "A3"}
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}
	t.Cleanup(func() {
		store.pool.Exec(context.Background(), "DELETE FROM run_events WHERE run_id = $1", runID)
	})

	got, err := store.Events(ctx, runlog.Query{RunID: runID})
	if err != nil {
		t.Fatalf("Events returned error: %v", err)
	}
	if len(got) != 3 || got[0].Kind != runlog.KindRunStarted || got[2].Kind != runlog.KindRunFinished {
		t.Fatalf("unexpected events: %+v", got)
	}
	if !got[1].At.Equal(base.Add(time.Second)) {
		t.Fatalf("timestamp mismatch: %s", got[1].At)
	}
}

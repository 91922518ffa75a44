// Package sqlite хранит журнал запусков в файле SQLite (modernc.org/sqlite, без cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pv/odor-delivery-go/internal/runlog"
)

type Config struct {
	Source string
	// WAL включает журнал предзаписи: чтение API не блокирует запись событий.
	WAL bool
}

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	db, err := sql.Open("sqlite", cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Одно соединение: ":memory:" иначе создаёт отдельную базу на каждое.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	pragmas := []string{"PRAGMA busy_timeout=5000"}
	if cfg.WAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Store) Record(ctx context.Context, ev runlog.Event) error {
	_, err := s.db.ExecContext(ctx, insertSQL,
		ev.RunID, ev.Seq, ev.At.UnixMicro(), ev.Kind, ev.Track,
		ev.Iteration, ev.Index, ev.Step, ev.Detail, ev.Fingerprint)
	if err != nil {
		return fmt.Errorf("sqlite: insert event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, q runlog.Query) ([]runlog.Event, error) {
	var where []string
	var args []any
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if !q.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.From.UnixMicro())
	}
	if !q.To.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, q.To.UnixMicro())
	}
	query := selectSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, seq LIMIT ?"
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: events query: %w", err)
	}
	defer rows.Close()

	var events []runlog.Event
	for rows.Next() {
		var ev runlog.Event
		var usec int64
		if err := rows.Scan(&ev.RunID, &ev.Seq, &usec, &ev.Kind, &ev.Track,
			&ev.Iteration, &ev.Index, &ev.Step, &ev.Detail, &ev.Fingerprint); err != nil {
			return nil, fmt.Errorf("sqlite: events scan: %w", err)
		}
		ev.At = time.UnixMicro(usec).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func IsSource(src string) bool {
	if src == "" {
		return false
	}
	lower := strings.ToLower(src)
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		src == ":memory:":
		return true
	default:
		return false
	}
}

func NormalizeSource(src string) string {
	if strings.HasPrefix(src, "sqlite://") {
		return strings.TrimPrefix(src, "sqlite://")
	}
	return src
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS run_events(
	run_id      TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	ts          INTEGER NOT NULL,
	kind        TEXT    NOT NULL,
	track       TEXT    NOT NULL DEFAULT '',
	iteration   INTEGER NOT NULL DEFAULT 0,
	step_index  INTEGER NOT NULL DEFAULT 0,
	step        TEXT    NOT NULL DEFAULT '',
	detail      TEXT    NOT NULL DEFAULT '',
	fingerprint INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS run_events_ts ON run_events(ts);
`

const insertSQL = `
INSERT INTO run_events(run_id, seq, ts, kind, track, iteration, step_index, step, detail, fingerprint)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectSQL = `SELECT run_id, seq, ts, kind, track, iteration, step_index, step, detail, fingerprint FROM run_events`

// Package postgres хранит журнал запусков в PostgreSQL через pgxpool.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pv/odor-delivery-go/internal/runlog"
)

type Config struct {
	ConnString string
	MaxConns   int32
}

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	for _, stmt := range []string{schemaSQL, indexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Record(ctx context.Context, ev runlog.Event) error {
	_, err := s.pool.Exec(ctx, insertSQL,
		ev.RunID, ev.Seq, ev.At, ev.Kind, ev.Track,
		ev.Iteration, ev.Index, ev.Step, ev.Detail, ev.Fingerprint)
	if err != nil {
		return fmt.Errorf("postgres: insert event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, q runlog.Query) ([]runlog.Event, error) {
	query, args := buildEventsQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: events query: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (runlog.Event, error) {
		var ev runlog.Event
		err := row.Scan(&ev.RunID, &ev.Seq, &ev.At, &ev.Kind, &ev.Track,
			&ev.Iteration, &ev.Index, &ev.Step, &ev.Detail, &ev.Fingerprint)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: events scan: %w", err)
	}
	return events, nil
}

func buildEventsQuery(q runlog.Query) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.RunID != "" {
		add("run_id = $%d", q.RunID)
	}
	if q.Kind != "" {
		add("kind = $%d", q.Kind)
	}
	if !q.From.IsZero() {
		add("ts >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("ts <= $%d", q.To)
	}
	query := selectSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY ts, seq LIMIT $%d", len(args))
	return query, args
}

func IsPostgresURL(db string) bool {
	return strings.HasPrefix(db, "postgres://") || strings.HasPrefix(db, "postgresql://")
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS run_events(
	run_id      TEXT        NOT NULL,
	seq         BIGINT      NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	kind        TEXT        NOT NULL,
	track       TEXT        NOT NULL DEFAULT '',
	iteration   INTEGER     NOT NULL DEFAULT 0,
	step_index  INTEGER     NOT NULL DEFAULT 0,
	step        TEXT        NOT NULL DEFAULT '',
	detail      TEXT        NOT NULL DEFAULT '',
	fingerprint BIGINT      NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, seq)
)`

const indexSQL = `CREATE INDEX IF NOT EXISTS run_events_ts ON run_events(ts)`

const insertSQL = `
INSERT INTO run_events(run_id, seq, ts, kind, track, iteration, step_index, step, detail, fingerprint)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const selectSQL = `SELECT run_id, seq, ts, kind, track, iteration, step_index, step, detail, fingerprint FROM run_events`

// Package clickhouse хранит журнал запусков в ClickHouse (нативный протокол).
package clickhouse

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/pv/odor-delivery-go/internal/runlog"
)

type Config struct {
	DSN   string
	Table string
}

type Store struct {
	conn  ch.Conn
	table string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("clickhouse: DSN is empty")
	}
	opts, err := parseOptions(cfg.DSN)
	if err != nil {
		return nil, err
	}
	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	table := qualifiedTable(cfg.Table, opts.Auth.Database)
	if err := conn.Exec(ctx, fmt.Sprintf(schemaSQL, table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: init schema: %w", err)
	}
	return &Store{conn: conn, table: table}, nil
}

func parseOptions(dsn string) (*ch.Options, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse DSN: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = "localhost:9000"
	}
	if !strings.Contains(host, ":") {
		host = net.JoinHostPort(host, "9000")
	}
	database := strings.TrimPrefix(parsed.Path, "/")
	if database == "" {
		database = "default"
	}
	password, _ := parsed.User.Password()
	return &ch.Options{
		Addr: []string{host},
		Auth: ch.Auth{
			Database: database,
			Username: parsed.User.Username(),
			Password: password,
		},
	}, nil
}

func qualifiedTable(table, database string) string {
	if table == "" {
		table = "run_events"
	}
	if !strings.Contains(table, ".") {
		table = fmt.Sprintf("%s.%s", database, table)
	}
	return table
}

func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Store) Record(ctx context.Context, ev runlog.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.table))
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	if err := batch.Append(ev.RunID, ev.Seq, ev.At, ev.Kind, ev.Track,
		int32(ev.Iteration), int32(ev.Index), ev.Step, ev.Detail, ev.Fingerprint); err != nil {
		batch.Abort()
		return fmt.Errorf("clickhouse: append event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send event %s/%d: %w", ev.RunID, ev.Seq, err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, q runlog.Query) ([]runlog.Event, error) {
	query, args := buildEventsQuery(s.table, q)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: events query: %w", err)
	}
	defer rows.Close()

	var events []runlog.Event
	for rows.Next() {
		var ev runlog.Event
		var iteration, index int32
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.At, &ev.Kind, &ev.Track,
			&iteration, &index, &ev.Step, &ev.Detail, &ev.Fingerprint); err != nil {
			return nil, fmt.Errorf("clickhouse: events scan: %w", err)
		}
		ev.Iteration, ev.Index = int(iteration), int(index)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func buildEventsQuery(table string, q runlog.Query) (string, []any) {
	var where []string
	var args []any
	if q.RunID != "" {
		where = append(where, "run_id = @run_id")
		args = append(args, ch.Named("run_id", q.RunID))
	}
	if q.Kind != "" {
		where = append(where, "kind = @kind")
		args = append(args, ch.Named("kind", q.Kind))
	}
	if !q.From.IsZero() {
		where = append(where, "ts >= @from")
		args = append(args, ch.Named("from", q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "ts <= @to")
		args = append(args, ch.Named("to", q.To))
	}
	query := fmt.Sprintf(selectSQL, table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts, seq LIMIT %d", q.EffectiveLimit())
	return query, args
}

func IsSource(dsn string) bool {
	if dsn == "" {
		return false
	}
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "clickhouse://") || strings.HasPrefix(lower, "ch://")
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS %s (
    run_id      String,
    seq         Int64,
    ts          DateTime64(6, 'UTC'),
    kind        LowCardinality(String),
    track       LowCardinality(String),
    iteration   Int32,
    step_index  Int32,
    step        String,
    detail      String,
    fingerprint Int64
) ENGINE = MergeTree
ORDER BY (ts, run_id, seq)`

const selectSQL = `SELECT run_id, seq, ts, kind, track, iteration, step_index, step, detail, fingerprint FROM %s`

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const pgChannel = "callbox_changes"

const pgSchema = `
CREATE TABLE IF NOT EXISTS callbox_documents (
  collection TEXT        NOT NULL,
  id         TEXT        NOT NULL,
  seq        BIGSERIAL,
  version    BIGINT      NOT NULL DEFAULT 1,
  data       JSONB       NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS callbox_documents_order ON callbox_documents (collection, seq);
`

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	out := c
	if out.MaxConns <= 0 {
		out.MaxConns = 10
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// Postgres keeps documents in one JSONB table and uses LISTEN/NOTIFY as the
// change feed.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, pings and makes sure the schema exists.
// The DSN must not be logged; it contains secrets.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, collection, id string) (Record, error) {
	const q = `
SELECT seq, version, data, created_at, updated_at
FROM callbox_documents
WHERE collection = $1 AND id = $2
`
	rec := Record{Collection: collection, ID: id}
	err := p.pool.QueryRow(ctx, q, collection, id).Scan(
		&rec.Seq,
		&rec.Version,
		&rec.Data,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (p *Postgres) Put(ctx context.Context, collection, id string, data []byte) (Record, error) {
	const q = `
INSERT INTO callbox_documents (collection, id, data)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id)
DO UPDATE SET data = EXCLUDED.data,
              version = callbox_documents.version + 1,
              updated_at = now()
RETURNING seq, version, data, created_at, updated_at
`
	return p.write(ctx, collection, id, nil, q, func() string { return string(data) })
}

func (p *Postgres) Merge(ctx context.Context, collection, id string, fields map[string]json.RawMessage, exclusive bool) (Record, error) {
	const lock = `
SELECT data
FROM callbox_documents
WHERE collection = $1 AND id = $2
FOR UPDATE
`
	const q = `
UPDATE callbox_documents
SET data = $3::jsonb,
    version = version + 1,
    updated_at = now()
WHERE collection = $1 AND id = $2
RETURNING seq, version, data, created_at, updated_at
`
	// The row lock serialises concurrent merges of the same document, so
	// the exclusive check and the write see the same data.
	var merged []byte
	pre := func(tx pgx.Tx) error {
		var cur []byte
		err := tx.QueryRow(ctx, lock, collection, id).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		merged, err = mergeFields(cur, fields, exclusive)
		return err
	}
	return p.write(ctx, collection, id, pre, q, func() string { return string(merged) })
}

func (p *Postgres) write(ctx context.Context, collection, id string, pre func(pgx.Tx) error, q string, payload func() string) (Record, error) {
	rec := Record{Collection: collection, ID: id}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if pre != nil {
			if err := pre(tx); err != nil {
				return err
			}
		}
		if err := tx.QueryRow(ctx, q, collection, id, payload()).Scan(
			&rec.Seq,
			&rec.Version,
			&rec.Data,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return err
		}
		ev, err := json.Marshal(Event{Collection: collection, ID: id, Version: rec.Version})
		if err != nil {
			return err
		}
		// Delivered on commit only.
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pgChannel, string(ev))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Record, error) {
	const q = `
SELECT id, seq, version, data, created_at, updated_at
FROM callbox_documents
WHERE collection = $1
ORDER BY seq
`
	rows, err := p.pool.Query(ctx, q, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Collection: collection}
		if err := rows.Scan(
			&rec.ID,
			&rec.Seq,
			&rec.Version,
			&rec.Data,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Listen(ctx context.Context, ready func(), fn func(Event)) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		return err
	}
	ready()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("module", "store.postgres").Msg("bad change event")
			continue
		}
		fn(ev)
	}
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

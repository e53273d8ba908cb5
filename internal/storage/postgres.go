package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS abengine_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NULL
);
CREATE TABLE IF NOT EXISTS abengine_stream_records (
	id         BIGSERIAL PRIMARY KEY,
	stream     TEXT NOT NULL,
	record     BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS abengine_stream_records_stream_idx
	ON abengine_stream_records (stream, id);
`

// Postgres is a durable shared key-value backend on top of two tables
type Postgres struct {
	pool      *pgxpool.Pool
	prefix    string
	streamTTL time.Duration
}

// NewPostgres connects with pgxpool and creates the tables when missing
func NewPostgres(ctx context.Context, cfg config.PostgresConfig, prefix string, streamTTL time.Duration) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}

	return &Postgres{pool: pool, prefix: prefix, streamTTL: streamTTL}, nil
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) kvKey(key string) string { return p.prefix + "kv:" + key }

func (p *Postgres) streamKey(stream string) string { return p.prefix + "stream:" + stream }

func nullableExpiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().Add(ttl)
	return &t
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM abengine_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, p.kvKey(key)).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return val, nil
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO abengine_kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, p.kvKey(key), value, nullableExpiry(ttl))
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	k := p.kvKey(key)

	for attempt := 0; attempt < 3; attempt++ {
		// The conflict clause only overwrites an expired row, so a returned
		// row always means this call wrote the value.
		var written []byte
		err := p.pool.QueryRow(ctx, `
			INSERT INTO abengine_kv (key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			WHERE abengine_kv.expires_at IS NOT NULL AND abengine_kv.expires_at <= now()
			RETURNING value
		`, k, value, nullableExpiry(ttl)).Scan(&written)
		if err == nil {
			return written, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("postgres put-if-absent %s: %w", key, err)
		}

		existing, err := p.Get(ctx, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("postgres put-if-absent %s: key kept expiring", key)
}

func (p *Postgres) Append(ctx context.Context, stream string, record []byte) (string, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO abengine_stream_records (stream, record, expires_at) VALUES ($1, $2, $3)
		RETURNING id
	`, p.streamKey(stream), record, nullableExpiry(p.streamTTL)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("postgres append %s: %w", stream, err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (p *Postgres) Query(ctx context.Context, stream string, match func([]byte) bool) ([][]byte, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT record FROM abengine_stream_records
		WHERE stream = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY id
	`, p.streamKey(stream))
	if err != nil {
		return nil, fmt.Errorf("postgres query %s: %w", stream, err)
	}
	defer rows.Close()

	match = matchAll(match)
	var out [][]byte
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("postgres scan %s: %w", stream, err)
		}
		if match(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres query %s: %w", stream, err)
	}
	return out, nil
}

// Clear deletes the prefix's keys and stream records in a single transaction
func (p *Postgres) Clear(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Compared literally: '_' and '%' in a prefix are not wildcards
	if _, err := tx.Exec(ctx, `DELETE FROM abengine_kv WHERE left(key, char_length($1::text)) = $1`, p.prefix); err != nil {
		return fmt.Errorf("postgres clear kv: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM abengine_stream_records WHERE left(stream, char_length($1::text)) = $1`, p.prefix); err != nil {
		return fmt.Errorf("postgres clear streams: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Package pgqueue implements the relational staging queues at the heart of
// the broker — the producer_queue and consumer_queue tables that let
// independent processes hand envelopes to each other via Postgres
// LISTEN/NOTIFY and SELECT ... FOR UPDATE SKIP LOCKED, instead of an
// in-memory channel.
package pgqueue

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool wraps a pgxpool.Pool shared by every queue table a process opens.
type Pool struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and verifies the connection is live.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pgqueue: DSN is required")
	}

	raw, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: create pool: %w", err)
	}

	p := &Pool{pool: raw}
	if err := p.Ping(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Pool) Ping(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("pgqueue: pool not initialized")
	}
	return p.pool.Ping(ctx)
}

// Raw exposes the underlying pgxpool.Pool for components (the dead-letter
// table, tests) that need direct query access beyond the Queue API.
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pool
}

// tableLock derives a stable advisory-lock key from a table name, used to
// serialize concurrent CREATE TABLE IF NOT EXISTS calls across processes
// racing to start up at once.
func tableLock(table string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(table))
	return int64(h.Sum64())
}

// withAdvisoryLock runs fn while holding a session-level Postgres advisory
// lock keyed off name, releasing it unconditionally afterward.
func withAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, name string, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgqueue: acquire conn for advisory lock: %w", err)
	}
	defer conn.Release()

	key := tableLock(name)
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("pgqueue: acquire advisory lock %s: %w", name, err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", key)

	return fn(ctx)
}

package pgqueue

import (
	"context"
	"fmt"
	"time"
)

// DeadLetterQueue holds envelopes that exhausted their retry budget:
// rather than looping a poison message forever or dropping it silently,
// move it here so an operator can inspect and optionally replay it.
type DeadLetterQueue struct {
	pool *Pool
}

// DeadLetterEntry is one moved-aside message.
type DeadLetterEntry struct {
	ID          int64
	SourceTable string
	Topic       string
	Data        []byte
	Retry       int
	Reason      string
	DeadAt      time.Time
}

func NewDeadLetterQueue(ctx context.Context, pool *Pool) (*DeadLetterQueue, error) {
	d := &DeadLetterQueue{pool: pool}
	return d, withAdvisoryLock(ctx, pool.Raw(), "broker_dead_letter", func(ctx context.Context) error {
		_, err := pool.Raw().Exec(ctx, `CREATE TABLE IF NOT EXISTS broker_dead_letter (
			id BIGSERIAL NOT NULL PRIMARY KEY,
			source_table VARCHAR(64) NOT NULL,
			topic VARCHAR(255) NOT NULL,
			data BYTEA NOT NULL,
			retry INTEGER NOT NULL,
			reason TEXT NOT NULL,
			dead_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
		if err != nil {
			return fmt.Errorf("pgqueue: create dead letter table: %w", err)
		}
		return nil
	})
}

// Move deletes entry from its source queue table and inserts it here,
// inside one transaction so a crash midway never loses or duplicates it.
func (d *DeadLetterQueue) Move(ctx context.Context, sourceTable string, entry Entry, reason string) error {
	tx, err := d.pool.Raw().Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgqueue: begin dead-letter move tx: %w", err)
	}
	defer tx.Rollback(ctx)

	del := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, sourceTable)
	if _, err := tx.Exec(ctx, del, entry.ID); err != nil {
		return fmt.Errorf("pgqueue: delete dead-lettered row from %s: %w", sourceTable, err)
	}

	insert := `INSERT INTO broker_dead_letter (source_table, topic, data, retry, reason) VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, insert, sourceTable, entry.Topic, entry.Data, entry.Retry, reason); err != nil {
		return fmt.Errorf("pgqueue: insert dead letter: %w", err)
	}

	return tx.Commit(ctx)
}

// List returns recent dead-lettered entries, newest first, for the
// operator CLI.
func (d *DeadLetterQueue) List(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.pool.Raw().Query(ctx, `
		SELECT id, source_table, topic, data, retry, reason, dead_at
		FROM broker_dead_letter
		ORDER BY dead_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.SourceTable, &e.Topic, &e.Data, &e.Retry, &e.Reason, &e.DeadAt); err != nil {
			return nil, fmt.Errorf("pgqueue: scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of dead-lettered rows.
func (d *DeadLetterQueue) Count(ctx context.Context) (int, error) {
	var count int
	err := d.pool.Raw().QueryRow(ctx, `SELECT COUNT(*) FROM broker_dead_letter`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pgqueue: count dead letters: %w", err)
	}
	return count, nil
}

// Requeue moves an entry back into its original queue table for another
// attempt, resetting retry to zero — used by an operator after fixing
// whatever caused repeated failures.
func (d *DeadLetterQueue) Requeue(ctx context.Context, id int64) error {
	tx, err := d.pool.Raw().Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgqueue: begin requeue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var e DeadLetterEntry
	err = tx.QueryRow(ctx, `SELECT id, source_table, topic, data FROM broker_dead_letter WHERE id = $1 FOR UPDATE`, id).
		Scan(&e.ID, &e.SourceTable, &e.Topic, &e.Data)
	if err != nil {
		return fmt.Errorf("pgqueue: load dead letter %d: %w", id, err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (topic, data) VALUES ($1, $2)`, e.SourceTable)
	if _, err := tx.Exec(ctx, insert, e.Topic, e.Data); err != nil {
		return fmt.Errorf("pgqueue: requeue into %s: %w", e.SourceTable, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM broker_dead_letter WHERE id = $1`, id); err != nil {
		return fmt.Errorf("pgqueue: delete requeued dead letter: %w", err)
	}

	return tx.Commit(ctx)
}

package pgqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Entry is one staged row pulled off a queue table for processing.
// Strategy is populated for producer rows, Partition for consumer rows.
type Entry struct {
	ID        int64
	Topic     string
	Data      []byte
	Retry     int
	Strategy  string
	Partition int
}

// queue carries the operations both staging tables share. pendingCond is
// the WHERE fragment selecting rows still awaiting dispatch — the consumer
// table excludes rows a worker has already claimed, the producer table has
// no claim marker at all (row locks are its only isolation).
type queue struct {
	pool        *Pool
	table       string
	pendingCond string
}

// Depth returns the number of rows still awaiting dispatch.
func (q *queue) Depth(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, q.table, q.pendingCond)
	var count int
	if err := q.pool.Raw().QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("pgqueue: depth %s: %w", q.table, err)
	}
	return count, nil
}

// OldestAge returns the age of the oldest row still awaiting dispatch.
func (q *queue) OldestAge(ctx context.Context) (time.Duration, error) {
	query := fmt.Sprintf(`SELECT COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at))), 0) FROM %s WHERE %s`, q.table, q.pendingCond)
	var seconds float64
	if err := q.pool.Raw().QueryRow(ctx, query).Scan(&seconds); err != nil {
		return 0, fmt.Errorf("pgqueue: oldest age %s: %w", q.table, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (q *queue) notify(ctx context.Context, channels []string) error {
	for _, channel := range channels {
		stmt := fmt.Sprintf(`NOTIFY %s`, pgx.Identifier{channel}.Sanitize())
		if _, err := q.pool.Raw().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgqueue: notify %s: %w", channel, err)
		}
	}
	return nil
}

// ProducerQueue is the outgoing staging table: rows are inserted by send()
// calls and drained onto the external transport inside one transaction per
// batch, under SELECT ... FOR UPDATE SKIP LOCKED. There is no claim column;
// a row is locked only for the duration of one publish attempt.
type ProducerQueue struct {
	queue
}

// NewProducerQueue ensures the backing table exists and returns a handle to
// it. table must be a fixed, trusted identifier — it is interpolated into
// DDL/DML because Postgres does not accept table names as bind parameters.
func NewProducerQueue(ctx context.Context, pool *Pool, table string) (*ProducerQueue, error) {
	q := &ProducerQueue{queue{pool: pool, table: table, pendingCond: "TRUE"}}
	err := withAdvisoryLock(ctx, pool.Raw(), table, func(ctx context.Context) error {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL NOT NULL PRIMARY KEY,
			topic VARCHAR(255) NOT NULL,
			data BYTEA NOT NULL,
			strategy VARCHAR(16) NOT NULL DEFAULT 'unicast',
			retry INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table)
		if _, err := pool.Raw().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgqueue: create table %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue inserts a row and issues NOTIFY on channel, returning the new
// row id.
func (q *ProducerQueue) Enqueue(ctx context.Context, topic string, data []byte, strategy string, channel string) (int64, error) {
	var id int64
	insert := fmt.Sprintf(`INSERT INTO %s (topic, data, strategy) VALUES ($1, $2, $3) RETURNING id`, q.table)
	if err := q.pool.Raw().QueryRow(ctx, insert, topic, data, strategy).Scan(&id); err != nil {
		return 0, fmt.Errorf("pgqueue: enqueue into %s: %w", q.table, err)
	}
	if err := q.notify(ctx, []string{channel}); err != nil {
		return id, err
	}
	return id, nil
}

// Count returns the number of rows eligible for dispatch (retry under the
// ceiling).
func (q *ProducerQueue) Count(ctx context.Context, maxRetry int) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE retry < $1`, q.table)
	var count int
	if err := q.pool.Raw().QueryRow(ctx, query, maxRetry).Scan(&count); err != nil {
		return 0, fmt.Errorf("pgqueue: count %s: %w", q.table, err)
	}
	return count, nil
}

// DrainBatch selects up to limit eligible rows in created_at order under
// FOR UPDATE SKIP LOCKED, invokes publish for each, and resolves each row
// before commit: delete on success, retry+1 on failure. The locks are held
// only for the batch's publish attempts, so concurrent drainers share the
// table without double-publishing. Returns the entries whose publish
// failed, with Retry already reflecting the increment.
func (q *ProducerQueue) DrainBatch(ctx context.Context, maxRetry, limit int, publish func(Entry) error) (drained int, failed []Entry, err error) {
	tx, err := q.pool.Raw().Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("pgqueue: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	selectQuery := fmt.Sprintf(
		`SELECT id, topic, data, strategy, retry FROM %s
		 WHERE retry < $1
		 ORDER BY created_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, q.table)
	rows, err := tx.Query(ctx, selectQuery, maxRetry, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("pgqueue: select %s: %w", q.table, err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Data, &e.Strategy, &e.Retry); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("pgqueue: scan %s: %w", q.table, err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("pgqueue: iterate %s: %w", q.table, err)
	}

	for _, e := range entries {
		if publishErr := publish(e); publishErr != nil {
			update := fmt.Sprintf(`UPDATE %s SET retry = retry + 1, updated_at = NOW() WHERE id = $1`, q.table)
			if _, err := tx.Exec(ctx, update, e.ID); err != nil {
				return 0, nil, fmt.Errorf("pgqueue: retry %s id %d: %w", q.table, e.ID, err)
			}
			e.Retry++
			failed = append(failed, e)
			continue
		}
		del := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, q.table)
		if _, err := tx.Exec(ctx, del, e.ID); err != nil {
			return 0, nil, fmt.Errorf("pgqueue: delete %s id %d: %w", q.table, e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("pgqueue: commit drain tx: %w", err)
	}
	return len(entries), failed, nil
}

// ConsumerQueue is the incoming staging table: the ingester inserts rows
// as messages arrive off the external transport, and dispatcher workers
// claim them in batches via a processing marker so a slow callback doesn't
// hold a row lock for its whole runtime.
type ConsumerQueue struct {
	queue
}

// NewConsumerQueue ensures the backing table and its dispatch lookup index
// exist and returns a handle.
func NewConsumerQueue(ctx context.Context, pool *Pool, table string) (*ConsumerQueue, error) {
	q := &ConsumerQueue{queue{pool: pool, table: table, pendingCond: "NOT processing"}}
	err := withAdvisoryLock(ctx, pool.Raw(), table, func(ctx context.Context) error {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL NOT NULL PRIMARY KEY,
			topic VARCHAR(255) NOT NULL,
			partition INTEGER NOT NULL DEFAULT 0,
			data BYTEA NOT NULL,
			retry INTEGER NOT NULL DEFAULT 0,
			processing BOOL NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table)
		if _, err := pool.Raw().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgqueue: create table %s: %w", table, err)
		}
		index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_lookup_idx ON %s (topic, processing, retry, created_at)`, table, table)
		if _, err := pool.Raw().Exec(ctx, index); err != nil {
			return fmt.Errorf("pgqueue: create index on %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue inserts a row and issues NOTIFY on each channel in order — the
// ingester notifies both the table-wide channel (for generic depth
// watchers) and the topic's own channel (for that topic's dispatcher).
func (q *ConsumerQueue) Enqueue(ctx context.Context, topic string, partition int, data []byte, notifyChannels []string) (int64, error) {
	var id int64
	insert := fmt.Sprintf(`INSERT INTO %s (topic, partition, data) VALUES ($1, $2, $3) RETURNING id`, q.table)
	if err := q.pool.Raw().QueryRow(ctx, insert, topic, partition, data).Scan(&id); err != nil {
		return 0, fmt.Errorf("pgqueue: enqueue into %s: %w", q.table, err)
	}
	if err := q.notify(ctx, notifyChannels); err != nil {
		return id, err
	}
	return id, nil
}

// Count returns the number of rows eligible for dispatch: not already
// claimed, under the retry ceiling, restricted to topics.
func (q *ConsumerQueue) Count(ctx context.Context, topics []string, maxRetry int) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE NOT processing AND retry < $1 AND topic = ANY($2)`, q.table)
	var count int
	if err := q.pool.Raw().QueryRow(ctx, query, maxRetry, topics).Scan(&count); err != nil {
		return 0, fmt.Errorf("pgqueue: count %s: %w", q.table, err)
	}
	return count, nil
}

// DequeueBatch selects up to limit eligible rows, marks them processing,
// and returns them. The select and mark happen inside one transaction so a
// crash between the two can't leak a double-claimed row; the row locks are
// released at commit and the processing flag carries the claim from there,
// so a callback can run for minutes without pinning a transaction open.
func (q *ConsumerQueue) DequeueBatch(ctx context.Context, topics []string, maxRetry, limit int) ([]Entry, error) {
	tx, err := q.pool.Raw().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: begin dequeue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	selectQuery := fmt.Sprintf(
		`SELECT id, topic, partition, data, retry FROM %s
		 WHERE NOT processing AND retry < $1 AND topic = ANY($2)
		 ORDER BY created_at
		 LIMIT $3
		 FOR UPDATE SKIP LOCKED`, q.table)
	rows, err := tx.Query(ctx, selectQuery, maxRetry, topics, limit)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: select %s: %w", q.table, err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Partition, &e.Data, &e.Retry); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgqueue: scan %s: %w", q.table, err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgqueue: iterate %s: %w", q.table, err)
	}

	if len(entries) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	markQuery := fmt.Sprintf(`UPDATE %s SET processing = TRUE WHERE id = ANY($1)`, q.table)
	if _, err := tx.Exec(ctx, markQuery, ids); err != nil {
		return nil, fmt.Errorf("pgqueue: mark processing %s: %w", q.table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgqueue: commit dequeue tx: %w", err)
	}
	return entries, nil
}

// MarkDone deletes a successfully processed row.
func (q *ConsumerQueue) MarkDone(ctx context.Context, id int64) error {
	del := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, q.table)
	if _, err := q.pool.Raw().Exec(ctx, del, id); err != nil {
		return fmt.Errorf("pgqueue: delete %s id %d: %w", q.table, id, err)
	}
	return nil
}

// MarkRetry clears the processing flag and increments retry, making the
// row eligible for another dispatch attempt.
func (q *ConsumerQueue) MarkRetry(ctx context.Context, id int64) error {
	update := fmt.Sprintf(`UPDATE %s SET processing = FALSE, retry = retry + 1, updated_at = NOW() WHERE id = $1`, q.table)
	if _, err := q.pool.Raw().Exec(ctx, update, id); err != nil {
		return fmt.Errorf("pgqueue: retry %s id %d: %w", q.table, id, err)
	}
	return nil
}

// Take selects and deletes up to limit rows for topic in one transaction,
// with no processing flag and no retry bookkeeping. This is the ephemeral
// reply-topic consumption path: a reply topic has exactly one reader, so
// there is nothing to mark a claim against and nothing worth retrying — a
// row either arrives and is claimed, or the wait times out and the caller
// gives up.
func (q *ConsumerQueue) Take(ctx context.Context, topic string, limit int) ([]Entry, error) {
	tx, err := q.pool.Raw().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: begin take tx: %w", err)
	}
	defer tx.Rollback(ctx)

	selectQuery := fmt.Sprintf(
		`SELECT id, topic, partition, data, retry FROM %s
		 WHERE topic = $1
		 ORDER BY created_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, q.table)

	rows, err := tx.Query(ctx, selectQuery, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: select for take %s: %w", q.table, err)
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Partition, &e.Data, &e.Retry); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgqueue: scan take %s: %w", q.table, err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgqueue: iterate take %s: %w", q.table, err)
	}

	for _, e := range entries {
		del := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, q.table)
		if _, err := tx.Exec(ctx, del, e.ID); err != nil {
			return nil, fmt.Errorf("pgqueue: delete taken row %d from %s: %w", e.ID, q.table, err)
		}
	}

	return entries, tx.Commit(ctx)
}

// CountByTopic returns the number of rows currently staged for a single
// topic, regardless of the processing flag.
func (q *ConsumerQueue) CountByTopic(ctx context.Context, topic string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = $1`, q.table)
	var count int
	if err := q.pool.Raw().QueryRow(ctx, query, topic).Scan(&count); err != nil {
		return 0, fmt.Errorf("pgqueue: count by topic %s: %w", q.table, err)
	}
	return count, nil
}

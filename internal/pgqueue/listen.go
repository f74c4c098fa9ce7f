package pgqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listener holds a dedicated connection used only for LISTEN/NOTIFY —
// pgxpool connections are reused across queries, so a long-lived LISTEN
// session needs one held for its own exclusive use.
type Listener struct {
	conn   *pgx.Conn
	topics []string
}

// Listen opens a dedicated connection and issues LISTEN for each topic.
func Listen(ctx context.Context, dsn string, topics []string) (*Listener, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: dedicated listen conn: %w", err)
	}

	l := &Listener{conn: conn, topics: topics}
	for _, topic := range topics {
		stmt := fmt.Sprintf("LISTEN %s", pgx.Identifier{topic}.Sanitize())
		if _, err := conn.Exec(ctx, stmt); err != nil {
			conn.Close(ctx)
			return nil, fmt.Errorf("pgqueue: listen %s: %w", topic, err)
		}
	}
	return l, nil
}

// Close unlistens every topic and releases the connection.
func (l *Listener) Close(ctx context.Context) error {
	for _, topic := range l.topics {
		stmt := fmt.Sprintf("UNLISTEN %s", pgx.Identifier{topic}.Sanitize())
		_, _ = l.conn.Exec(ctx, stmt)
	}
	return l.conn.Close(ctx)
}

// WaitForNotification blocks until a NOTIFY arrives on any listened topic
// or maxWait elapses, whichever comes first — the dispatcher loop then
// re-checks the queue depth regardless of which woke it, so a missed or
// coalesced notification never causes a stall longer than maxWait.
func (l *Listener) WaitForNotification(ctx context.Context, maxWait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	_, err := l.conn.WaitForNotification(ctx)
	if err != nil && ctx.Err() != nil {
		return nil // timed out; caller re-polls the count
	}
	return err
}

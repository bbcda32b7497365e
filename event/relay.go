package event

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Dispatcher hands a committed outbox message to the external notification
// system. A returned error leaves the message pending for another attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, topic string, payload []byte) error
}

const (
	relayBatchSize    = 10
	relayMaxAttempts  = 5
	relayPollInterval = 250 * time.Millisecond
)

// Relay drains the outbox in the background. Messages are claimed with
// SKIP LOCKED so multiple relays can run side by side without double
// delivery.
type Relay struct {
	pool     *pgxpool.Pool
	dispatch Dispatcher
	interval time.Duration
}

func NewRelay(pool *pgxpool.Pool, dispatch Dispatcher) *Relay {
	return &Relay{
		pool:     pool,
		dispatch: dispatch,
		interval: relayPollInterval,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// transient; next tick retries
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, relayBatchSize)
	if err != nil {
		return err
	}

	type message struct {
		id      string
		topic   string
		payload []byte
	}
	batch := make([]message, 0, relayBatchSize)
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range batch {
		if err := r.dispatch.Dispatch(ctx, m.topic, m.payload); err != nil {
			if _, uerr := tx.Exec(ctx, `
				UPDATE outbox
				SET attempts = attempts + 1,
				    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END,
				    last_attempt = NOW()
				WHERE id = $1
			`, m.id, relayMaxAttempts); uerr != nil {
				return uerr
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1
		`, m.id); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Lifecycle topics published through the transactional outbox. Delivery is
// owned by an external dispatcher; the core only guarantees the message is
// committed alongside the transition that produced it.
const (
	TopicRequestCreated   = "request.created"
	TopicRequestAssigned  = "request.assigned"
	TopicRequestStarted   = "request.started"
	TopicRequestCompleted = "request.completed"
	TopicRequestCancelled = "request.cancelled"
	TopicRequestReopened  = "request.reopened"
)

// Writer appends request_events rows and enqueues outbox messages inside the
// caller's transaction, so lifecycle history and notifications commit
// atomically with the transition itself.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append records an immutable timeline event for the request.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, requestID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `
INSERT INTO request_events (request_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, requestID, eventType, body, actor); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// Enqueue stores an outbox message for downstream delivery.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}

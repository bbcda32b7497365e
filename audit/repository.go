package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("audit: not found")
)

// Attempt is a ledger row as seen by reporting. Rows are immutable and
// survive regardless of which provider won.
type Attempt struct {
	ID         string
	RequestID  string
	ProviderID string
	AcceptedAt time.Time
}

// Cancellation is the audit slice of a service request. Stage may be nil for
// legacy rows cancelled before stage capture; those are treated as unknown
// and terminal.
type Cancellation struct {
	RequestID          string
	Status             string
	CancelledAt        *time.Time
	CancelledBy        *string
	CancellationReason *string
	CancellationStage  *string
}

// Event is one immutable request_events row.
type Event struct {
	ID        int64
	RequestID string
	Type      string
	ActorID   *string
	Payload   []byte
	CreatedAt time.Time
}

// Repository exposes the read-only audit surface: the acceptance ledger, the
// cancellation fields, and the request timeline. Nothing here mutates.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Attempts lists every acceptance attempt for a request, oldest first.
func (r *Repository) Attempts(ctx context.Context, requestID string) ([]Attempt, error) {
	const query = `
		SELECT id, request_id, provider_id, accepted_at
		FROM acceptance_attempts
		WHERE request_id = $1
		ORDER BY accepted_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit: list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]Attempt, 0, 8)
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ProviderID, &a.AcceptedAt); err != nil {
			return nil, fmt.Errorf("audit: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate attempts: %w", err)
	}
	return out, nil
}

// Cancellation fetches the cancellation audit fields of a request.
func (r *Repository) Cancellation(ctx context.Context, requestID string) (Cancellation, error) {
	const query = `
		SELECT id, status, cancelled_at, cancelled_by, cancellation_reason, cancellation_stage
		FROM service_requests
		WHERE id = $1
	`
	var c Cancellation
	err := r.pool.QueryRow(ctx, query, requestID).
		Scan(&c.RequestID, &c.Status, &c.CancelledAt, &c.CancelledBy, &c.CancellationReason, &c.CancellationStage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Cancellation{}, ErrNotFound
		}
		return Cancellation{}, fmt.Errorf("audit: cancellation: %w", err)
	}
	return c, nil
}

// Events lists the request timeline in append order.
func (r *Repository) Events(ctx context.Context, requestID string) ([]Event, error) {
	const query = `
		SELECT id, request_id, type, actor_id, payload, created_at
		FROM request_events
		WHERE request_id = $1
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Type, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}

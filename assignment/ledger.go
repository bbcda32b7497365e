package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateAttempt signals the (request, provider) pair already has a
// ledger row. This is an idempotent rejection, not a fatal failure: the
// caller is told the attempt was already registered.
var ErrDuplicateAttempt = errors.New("assignment: duplicate attempt")

// Ledger is the append-only record of acceptance attempts. It enforces
// at-most-one row per (request, provider) and performs no winner selection.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// RecordAttempt inserts an attempt inside the caller's transaction. The
// unique constraint on (request_id, provider_id) backs the application-level
// duplicate check, mapped here from the unique-violation error code.
func (l *Ledger) RecordAttempt(ctx context.Context, tx pgx.Tx, requestID, providerID string, acceptedAt time.Time) (AcceptanceAttempt, error) {
	if requestID == "" {
		return AcceptanceAttempt{}, fmt.Errorf("assignment: attempt missing request id")
	}
	if providerID == "" {
		return AcceptanceAttempt{}, fmt.Errorf("assignment: attempt missing provider id")
	}

	const query = `
		INSERT INTO acceptance_attempts (request_id, provider_id, accepted_at)
		VALUES ($1, $2, $3)
		RETURNING id, request_id, provider_id, accepted_at
	`

	var attempt AcceptanceAttempt
	err := tx.QueryRow(ctx, query, requestID, providerID, acceptedAt).
		Scan(&attempt.ID, &attempt.RequestID, &attempt.ProviderID, &attempt.AcceptedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return AcceptanceAttempt{}, ErrDuplicateAttempt
		}
		return AcceptanceAttempt{}, fmt.Errorf("assignment: record attempt: %w", err)
	}
	return attempt, nil
}

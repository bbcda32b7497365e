package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"servicehub/assignment"
	"servicehub/request"
)

func domainOutcome(err error) bool {
	return errors.Is(err, request.ErrNotFound) ||
		errors.Is(err, request.ErrNoLongerAvailable) ||
		errors.Is(err, request.ErrExpired) ||
		errors.Is(err, request.ErrInvalidTransition) ||
		errors.Is(err, request.ErrUnauthorizedActor) ||
		errors.Is(err, assignment.ErrDuplicateAttempt) ||
		errors.Is(err, assignment.ErrProviderNotQualified)
}

// Creator posts fresh pending requests, occasionally with a short acceptance
// window so acceptors also hit the expiry path.
func Creator(ctx context.Context, svc *request.Service, customerID, categoryID, tierID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		params := request.CreateParams{
			CustomerID: customerID,
			CategoryID: categoryID,
			TierID:     tierID,
			Title:      fmt.Sprintf("Stress job %d", rand.Int63()),
			Urgency:    request.UrgencyMedium,
		}
		if rand.Intn(4) == 0 {
			exp := time.Now().Add(time.Duration(50+rand.Intn(200)) * time.Millisecond)
			params.ExpiresAt = &exp
		}
		if _, err := svc.Create(ctx, params); err != nil && ctx.Err() == nil && !domainOutcome(err) {
			// Chaos may kill the backend mid-statement; keep going.
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Acceptor races the other acceptors for whatever pending request it can find.
func Acceptor(ctx context.Context, pool *pgxpool.Pool, resolver *assignment.Resolver, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID string
		err := pool.QueryRow(ctx, `SELECT id FROM service_requests WHERE status='pending' ORDER BY random() LIMIT 1`).Scan(&requestID)
		if err == nil {
			if _, err := resolver.Accept(ctx, assignment.AcceptParams{RequestID: requestID, ProviderID: providerID}); err != nil && !domainOutcome(err) && ctx.Err() == nil {
				// tolerated: chaos-killed connections surface as plain errors
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Starter moves requests assigned to its provider into in_progress.
func Starter(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID string
		err := pool.QueryRow(ctx, `SELECT id FROM service_requests WHERE status='assigned' AND assigned_provider_id=$1 LIMIT 1`, providerID).Scan(&requestID)
		if err == nil {
			_, _ = svc.Start(ctx, request.StartParams{RequestID: requestID, ProviderID: providerID})
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Completer finishes in_progress work for its provider.
func Completer(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID string
		err := pool.QueryRow(ctx, `SELECT id FROM service_requests WHERE status='in_progress' AND assigned_provider_id=$1 LIMIT 1`, providerID).Scan(&requestID)
		if err == nil {
			_, _ = svc.Complete(ctx, request.CompleteParams{RequestID: requestID, ActorID: providerID})
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// CustomerCanceller cancels the customer's own requests at random stages.
func CustomerCanceller(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, customerID string, stop <-chan struct{}) error {
	reason := "changed plans"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID string
		err := pool.QueryRow(ctx, `
			SELECT id FROM service_requests
			WHERE customer_id=$1 AND status IN ('pending','assigned','in_progress')
			ORDER BY random() LIMIT 1
		`, customerID).Scan(&requestID)
		if err == nil {
			_, _ = svc.Cancel(ctx, request.CancelParams{
				RequestID: requestID,
				ActorID:   customerID,
				ActorRole: request.RoleCustomer,
				Reason:    &reason,
			})
		}
		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// ProviderBackout makes a provider abandon freshly assigned work, driving the
// reopen path so acceptors race for the same request again.
func ProviderBackout(ctx context.Context, pool *pgxpool.Pool, svc *request.Service, providerID string, stop <-chan struct{}) error {
	reason := "double booked"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(3) == 0 {
			var requestID string
			err := pool.QueryRow(ctx, `SELECT id FROM service_requests WHERE status='assigned' AND assigned_provider_id=$1 LIMIT 1`, providerID).Scan(&requestID)
			if err == nil {
				_, _ = svc.Cancel(ctx, request.CancelParams{
					RequestID: requestID,
					ActorID:   providerID,
					ActorRole: request.RoleProvider,
					Reason:    &reason,
				})
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(120)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, simulating the occasional delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"servicehub/event"
	"servicehub/request"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProviderNotQualified signals the provider lacks a verified qualification
// for the request's category/tier. Checked independently of the state
// machine; such attempts are invalid input and never enter the ledger.
var ErrProviderNotQualified = errors.New("assignment: provider not qualified")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestStore is the slice of the request repository the resolver needs.
type RequestStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (request.ServiceRequest, error)
	ClaimPending(ctx context.Context, tx pgx.Tx, id, providerID string, now time.Time) (request.ServiceRequest, error)
	CancelTerminal(ctx context.Context, tx pgx.Tx, upd request.CancelUpdate) (request.ServiceRequest, error)
}

// AttemptLedger records acceptance attempts inside the resolver transaction.
type AttemptLedger interface {
	RecordAttempt(ctx context.Context, tx pgx.Tx, requestID, providerID string, acceptedAt time.Time) (AcceptanceAttempt, error)
}

// QualificationChecker is the external read-only qualification lookup.
type QualificationChecker interface {
	IsQualified(ctx context.Context, providerID, categoryID, tierID string) (bool, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, requestID, eventType string, actorID *string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// A transaction conflict may simply mean a concurrent winner committed first,
// so the resolver retries a few times before reporting the request taken.
const maxAcceptRetries = 3

// Resolver is the single authority converting a recorded acceptance attempt
// into a binding assignment. The row lock plus the conditional claim update
// make the check-then-transition sequence one serializable unit per request:
// of N concurrent attempts exactly one wins, the rest observe
// request.ErrNoLongerAvailable.
type Resolver struct {
	pool     TxBeginner
	requests RequestStore
	ledger   AttemptLedger
	quals    QualificationChecker
	timeline TimelineWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewResolver(pool *pgxpool.Pool, requests RequestStore, ledger AttemptLedger, quals QualificationChecker) *Resolver {
	if requests == nil {
		requests = request.NewRepository(pool)
	}
	if ledger == nil {
		ledger = NewLedger()
	}
	return &Resolver{
		pool:     pool,
		requests: requests,
		ledger:   ledger,
		quals:    quals,
		now:      time.Now,
	}
}

func (r *Resolver) WithTimelineAndOutbox(timeline TimelineWriter, outbox OutboxWriter) *Resolver {
	r.timeline = timeline
	r.outbox = outbox
	return r
}

func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Accept resolves one acceptance attempt. Domain outcomes
// (request.ErrNotFound, request.ErrNoLongerAvailable, request.ErrExpired,
// ErrProviderNotQualified, ErrDuplicateAttempt) are expected results, not
// faults; only persistence failures surface as wrapped errors.
func (r *Resolver) Accept(ctx context.Context, params AcceptParams) (AcceptResult, error) {
	if params.RequestID == "" {
		return AcceptResult{}, fmt.Errorf("assignment: accept missing request id")
	}
	if params.ProviderID == "" {
		return AcceptResult{}, fmt.Errorf("assignment: accept missing provider id")
	}
	now := params.Now
	if now.IsZero() {
		now = r.now()
	}

	var (
		res AcceptResult
		err error
	)
	for attempt := 0; attempt <= maxAcceptRetries; attempt++ {
		res, err = r.accept(ctx, params, now)
		if !isTransient(err) {
			return res, err
		}
	}
	// Retries exhausted: a concurrent winner almost certainly committed.
	return AcceptResult{}, request.ErrNoLongerAvailable
}

func (r *Resolver) accept(ctx context.Context, params AcceptParams, now time.Time) (AcceptResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("assignment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := r.requests.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return AcceptResult{}, err
	}

	if req.Status != request.StatusPending {
		// The race is already decided, but the attempt is still valid
		// history for the audit trail.
		return AcceptResult{}, r.recordLosingAttempt(ctx, tx, params, now, request.ErrNoLongerAvailable)
	}

	if req.Expired(now) {
		return AcceptResult{}, r.expireAndRecord(ctx, tx, req, params, now)
	}

	qualified, err := r.quals.IsQualified(ctx, params.ProviderID, req.CategoryID, req.TierID)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("assignment: qualification lookup: %w", err)
	}
	if !qualified {
		return AcceptResult{}, ErrProviderNotQualified
	}

	attempt, err := r.ledger.RecordAttempt(ctx, tx, params.RequestID, params.ProviderID, now)
	if err != nil {
		return AcceptResult{}, err
	}

	claimed, err := r.requests.ClaimPending(ctx, tx, params.RequestID, params.ProviderID, now)
	if err != nil {
		return AcceptResult{}, err
	}

	if r.timeline != nil {
		payload := map[string]any{
			"old_status":  request.StatusPending,
			"new_status":  claimed.Status,
			"provider_id": params.ProviderID,
		}
		if err := r.timeline.Append(ctx, tx, claimed.ID, "REQUEST_ASSIGNED", &params.ProviderID, payload); err != nil {
			return AcceptResult{}, fmt.Errorf("assignment: append timeline: %w", err)
		}
	}
	if r.outbox != nil {
		payload := map[string]any{
			"request_id": claimed.ID,
			"old_status": request.StatusPending,
			"new_status": claimed.Status,
			"actor_id":   params.ProviderID,
		}
		if err := r.outbox.Enqueue(ctx, tx, event.TopicRequestAssigned, payload); err != nil {
			return AcceptResult{}, fmt.Errorf("assignment: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AcceptResult{}, fmt.Errorf("assignment: commit: %w", err)
	}

	return AcceptResult{Request: claimed, Attempt: attempt}, nil
}

// recordLosingAttempt keeps the attempt as audit history, commits it, and
// returns the domain outcome. A duplicate here is fine: the provider's row
// already exists.
func (r *Resolver) recordLosingAttempt(ctx context.Context, tx pgx.Tx, params AcceptParams, now time.Time, outcome error) error {
	if _, err := r.ledger.RecordAttempt(ctx, tx, params.RequestID, params.ProviderID, now); err != nil {
		if errors.Is(err, ErrDuplicateAttempt) {
			return outcome
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("assignment: commit losing attempt: %w", err)
	}
	return outcome
}

// expireAndRecord lazily enforces the acceptance window: the pending request
// is cancelled with stage pending and no acting party, the attempt is kept
// for audit, and the caller is told the request expired.
func (r *Resolver) expireAndRecord(ctx context.Context, tx pgx.Tx, req request.ServiceRequest, params AcceptParams, now time.Time) error {
	reason := "expired"
	cancelled, err := r.requests.CancelTerminal(ctx, tx, request.CancelUpdate{
		ID:             req.ID,
		ExpectedStatus: request.StatusPending,
		CancelledBy:    nil,
		Reason:         &reason,
		Stage:          request.StagePending,
		Now:            now,
	})
	if err != nil {
		return err
	}

	if _, err := r.ledger.RecordAttempt(ctx, tx, params.RequestID, params.ProviderID, now); err != nil && !errors.Is(err, ErrDuplicateAttempt) {
		return err
	}

	if r.timeline != nil {
		payload := map[string]any{
			"old_status": request.StatusPending,
			"new_status": cancelled.Status,
			"reason":     reason,
		}
		if err := r.timeline.Append(ctx, tx, cancelled.ID, "REQUEST_CANCELLED", nil, payload); err != nil {
			return fmt.Errorf("assignment: append expiry timeline: %w", err)
		}
	}
	if r.outbox != nil {
		payload := map[string]any{
			"request_id": cancelled.ID,
			"old_status": request.StatusPending,
			"new_status": cancelled.Status,
			"reason":     reason,
		}
		if err := r.outbox.Enqueue(ctx, tx, event.TopicRequestCancelled, payload); err != nil {
			return fmt.Errorf("assignment: enqueue expiry outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("assignment: commit expiry: %w", err)
	}
	return request.ErrExpired
}

// isTransient reports whether the error is a serialization or deadlock
// conflict worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

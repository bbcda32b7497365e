package assignment

import (
	"context"
	"errors"
	"testing"
	"time"

	"servicehub/request"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestResolver(store *fakeStore, ledger *fakeLedger, quals *fakeQuals) (*Resolver, *fakePool) {
	pool := &fakePool{}
	r := &Resolver{
		pool:     pool,
		requests: store,
		ledger:   ledger,
		quals:    quals,
		now:      func() time.Time { return testNow },
	}
	return r, pool
}

func pendingRequest() request.ServiceRequest {
	return request.ServiceRequest{
		ID:         "r1",
		CustomerID: "c1",
		CategoryID: "cat-plumbing",
		TierID:     "tier-standard",
		Status:     request.StatusPending,
	}
}

func TestAccept_WinnerClaimsRequest(t *testing.T) {
	store := &fakeStore{req: pendingRequest()}
	ledger := &fakeLedger{}
	rec := &recorder{}
	resolver, pool := newTestResolver(store, ledger, &fakeQuals{qualified: true})
	resolver.WithTimelineAndOutbox(rec, rec)

	result, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Request.Status != request.StatusAssigned {
		t.Fatalf("expected assigned, got %s", result.Request.Status)
	}
	if result.Request.AssignedProviderID == nil || *result.Request.AssignedProviderID != "p1" {
		t.Fatalf("expected provider p1, got %v", result.Request.AssignedProviderID)
	}
	if len(ledger.attempts) != 1 || ledger.attempts[0].ProviderID != "p1" {
		t.Fatalf("expected one recorded attempt, got %+v", ledger.attempts)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
	rec.expectEvent(t, "REQUEST_ASSIGNED")
	rec.expectTopic(t, "request.assigned")
}

func TestAccept_AlreadyAssignedRecordsLosingAttempt(t *testing.T) {
	taken := pendingRequest()
	winner := "p1"
	taken.Status = request.StatusAssigned
	taken.AssignedProviderID = &winner

	store := &fakeStore{req: taken}
	ledger := &fakeLedger{}
	resolver, pool := newTestResolver(store, ledger, &fakeQuals{qualified: true})

	_, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p2"})
	if !errors.Is(err, request.ErrNoLongerAvailable) {
		t.Fatalf("expected ErrNoLongerAvailable, got %v", err)
	}
	if len(ledger.attempts) != 1 || ledger.attempts[0].ProviderID != "p2" {
		t.Fatalf("expected losing attempt recorded, got %+v", ledger.attempts)
	}
	if !pool.tx.committed {
		t.Error("expected losing attempt to be committed")
	}
}

func TestAccept_DuplicateLosingAttemptTolerated(t *testing.T) {
	taken := pendingRequest()
	taken.Status = request.StatusAssigned

	store := &fakeStore{req: taken}
	ledger := &fakeLedger{recordErr: ErrDuplicateAttempt}
	resolver, _ := newTestResolver(store, ledger, &fakeQuals{qualified: true})

	_, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p2"})
	if !errors.Is(err, request.ErrNoLongerAvailable) {
		t.Fatalf("expected ErrNoLongerAvailable on duplicate, got %v", err)
	}
}

func TestAccept_DuplicateOnPendingSurfaces(t *testing.T) {
	store := &fakeStore{req: pendingRequest()}
	ledger := &fakeLedger{recordErr: ErrDuplicateAttempt}
	resolver, pool := newTestResolver(store, ledger, &fakeQuals{qualified: true})

	_, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p1"})
	if !errors.Is(err, ErrDuplicateAttempt) {
		t.Fatalf("expected ErrDuplicateAttempt, got %v", err)
	}
	if pool.tx.committed {
		t.Error("expected no commit on duplicate")
	}
}

func TestAccept_UnqualifiedNotRecorded(t *testing.T) {
	store := &fakeStore{req: pendingRequest()}
	ledger := &fakeLedger{}
	resolver, pool := newTestResolver(store, ledger, &fakeQuals{qualified: false})

	_, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p1"})
	if !errors.Is(err, ErrProviderNotQualified) {
		t.Fatalf("expected ErrProviderNotQualified, got %v", err)
	}
	if len(ledger.attempts) != 0 {
		t.Fatalf("unqualified attempt must not enter the ledger, got %+v", ledger.attempts)
	}
	if pool.tx.committed {
		t.Error("expected rollback, not commit")
	}
	if !pool.tx.rolled {
		t.Error("expected rollback")
	}
}

func TestAccept_ExpiredCancelsAndRecords(t *testing.T) {
	expired := pendingRequest()
	windowClose := testNow.Add(-time.Minute)
	expired.ExpiresAt = &windowClose

	store := &fakeStore{req: expired}
	ledger := &fakeLedger{}
	rec := &recorder{}
	resolver, pool := newTestResolver(store, ledger, &fakeQuals{qualified: true})
	resolver.WithTimelineAndOutbox(rec, rec)

	_, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p1"})
	if !errors.Is(err, request.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if store.cancelUpd == nil {
		t.Fatal("expected terminal cancellation of the expired request")
	}
	if store.cancelUpd.Stage != request.StagePending {
		t.Fatalf("expected stage pending, got %s", store.cancelUpd.Stage)
	}
	if store.cancelUpd.CancelledBy != nil {
		t.Fatalf("expiry has no acting party, got %v", store.cancelUpd.CancelledBy)
	}
	if store.cancelUpd.Reason == nil || *store.cancelUpd.Reason != "expired" {
		t.Fatalf("expected reason expired, got %v", store.cancelUpd.Reason)
	}
	if len(ledger.attempts) != 1 {
		t.Fatalf("expected triggering attempt recorded, got %+v", ledger.attempts)
	}
	if !pool.tx.committed {
		t.Error("expected expiry to be committed")
	}
	rec.expectEvent(t, "REQUEST_CANCELLED")
	rec.expectTopic(t, "request.cancelled")
}

func TestAccept_NotFound(t *testing.T) {
	store := &fakeStore{getErr: request.ErrNotFound}
	resolver, _ := newTestResolver(store, &fakeLedger{}, &fakeQuals{qualified: true})

	_, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "missing", ProviderID: "p1"})
	if !errors.Is(err, request.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccept_TransientConflictExhaustsRetries(t *testing.T) {
	store := &fakeStore{getErr: &pgconn.PgError{Code: "40001"}}
	resolver, pool := newTestResolver(store, &fakeLedger{}, &fakeQuals{qualified: true})

	_, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p1"})
	if !errors.Is(err, request.ErrNoLongerAvailable) {
		t.Fatalf("expected ErrNoLongerAvailable after retries, got %v", err)
	}
	if pool.begun != maxAcceptRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxAcceptRetries+1, pool.begun)
	}
}

func TestAccept_TransientThenSuccess(t *testing.T) {
	store := &fakeStore{req: pendingRequest(), transientFirst: 2}
	ledger := &fakeLedger{}
	resolver, _ := newTestResolver(store, ledger, &fakeQuals{qualified: true})

	result, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1", ProviderID: "p1"})
	if err != nil {
		t.Fatalf("expected success after transient conflicts, got %v", err)
	}
	if result.Request.Status != request.StatusAssigned {
		t.Fatalf("expected assigned, got %s", result.Request.Status)
	}
}

func TestAccept_MissingIDs(t *testing.T) {
	resolver, _ := newTestResolver(&fakeStore{}, &fakeLedger{}, &fakeQuals{})

	if _, err := resolver.Accept(context.Background(), AcceptParams{ProviderID: "p1"}); err == nil {
		t.Fatal("expected error for missing request id")
	}
	if _, err := resolver.Accept(context.Background(), AcceptParams{RequestID: "r1"}); err == nil {
		t.Fatal("expected error for missing provider id")
	}
}

type fakeStore struct {
	req            request.ServiceRequest
	getErr         error
	claimErr       error
	cancelUpd      *request.CancelUpdate
	transientFirst int
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (request.ServiceRequest, error) {
	if f.transientFirst > 0 {
		f.transientFirst--
		return request.ServiceRequest{}, &pgconn.PgError{Code: "40001"}
	}
	if f.getErr != nil {
		return request.ServiceRequest{}, f.getErr
	}
	if f.req.ID != id {
		return request.ServiceRequest{}, request.ErrNotFound
	}
	return f.req, nil
}

func (f *fakeStore) ClaimPending(_ context.Context, _ pgx.Tx, id, providerID string, now time.Time) (request.ServiceRequest, error) {
	if f.claimErr != nil {
		return request.ServiceRequest{}, f.claimErr
	}
	if f.req.ID != id || f.req.Status != request.StatusPending || f.req.AssignedProviderID != nil {
		return request.ServiceRequest{}, request.ErrNoLongerAvailable
	}
	f.req.Status = request.StatusAssigned
	f.req.AssignedProviderID = &providerID
	f.req.AssignedAt = &now
	f.req.ProviderAcceptedAt = &now
	return f.req, nil
}

func (f *fakeStore) CancelTerminal(_ context.Context, _ pgx.Tx, upd request.CancelUpdate) (request.ServiceRequest, error) {
	if f.req.ID != upd.ID || f.req.Status != upd.ExpectedStatus {
		return request.ServiceRequest{}, request.ErrNoLongerAvailable
	}
	stored := upd
	f.cancelUpd = &stored
	f.req.Status = request.StatusCancelled
	return f.req, nil
}

type fakeLedger struct {
	attempts  []AcceptanceAttempt
	recordErr error
}

func (f *fakeLedger) RecordAttempt(_ context.Context, _ pgx.Tx, requestID, providerID string, acceptedAt time.Time) (AcceptanceAttempt, error) {
	if f.recordErr != nil {
		return AcceptanceAttempt{}, f.recordErr
	}
	a := AcceptanceAttempt{
		ID:         "a1",
		RequestID:  requestID,
		ProviderID: providerID,
		AcceptedAt: acceptedAt,
	}
	f.attempts = append(f.attempts, a)
	return a, nil
}

type fakeQuals struct {
	qualified bool
	err       error
}

func (f *fakeQuals) IsQualified(_ context.Context, _, _, _ string) (bool, error) {
	return f.qualified, f.err
}

type recorder struct {
	events []string
	topics []string
}

func (r *recorder) Append(_ context.Context, _ pgx.Tx, _, eventType string, _ *string, _ map[string]any) error {
	r.events = append(r.events, eventType)
	return nil
}

func (r *recorder) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recorder) expectEvent(t *testing.T, eventType string) {
	t.Helper()
	for _, e := range r.events {
		if e == eventType {
			return
		}
	}
	t.Fatalf("expected timeline event %s, got %v", eventType, r.events)
}

func (r *recorder) expectTopic(t *testing.T, topic string) {
	t.Helper()
	for _, tp := range r.topics {
		if tp == topic {
			return
		}
	}
	t.Fatalf("expected outbox topic %s, got %v", topic, r.topics)
}

type fakePool struct {
	tx    *fakeTx
	begun int
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.begun++
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

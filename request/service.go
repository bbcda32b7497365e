package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"servicehub/event"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnauthorizedActor signals the actor is not allowed to perform the
// lifecycle operation in the request's current state.
var ErrUnauthorizedActor = errors.New("request: unauthorized actor")

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, requestID, eventType string, actorID *string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service owns request creation and every post-assignment lifecycle
// transition (start, complete, cancel, decline). Assignment itself lives in
// the assignment resolver.
type Service struct {
	pool     TxBeginner
	repo     Repository
	timeline TimelineWriter
	outbox   OutboxWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, repo Repository, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateParams struct {
	CustomerID       string
	CategoryID       string
	TierID           string
	Title            string
	Description      string
	Address          string
	Latitude         *float64
	Longitude        *float64
	PreferredDate    *time.Time
	Urgency          Urgency
	EstimatedMinutes *int
	ExpiresAt        *time.Time
}

type ListResult struct {
	Items []ServiceRequest
	Total int
}

func (s *Service) Create(ctx context.Context, params CreateParams) (ServiceRequest, error) {
	if params.CustomerID == "" {
		return ServiceRequest{}, fmt.Errorf("request: missing customer id")
	}
	if params.CategoryID == "" || params.TierID == "" {
		return ServiceRequest{}, fmt.Errorf("request: category and tier required")
	}
	if strings.TrimSpace(params.Title) == "" {
		return ServiceRequest{}, fmt.Errorf("request: title required")
	}
	if params.Urgency == "" {
		params.Urgency = UrgencyMedium
	}
	if !params.Urgency.Valid() {
		return ServiceRequest{}, fmt.Errorf("request: invalid urgency %q", params.Urgency)
	}
	now := s.now()
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return ServiceRequest{}, fmt.Errorf("request: expires_at must be in the future")
	}
	if params.EstimatedMinutes != nil && *params.EstimatedMinutes <= 0 {
		return ServiceRequest{}, fmt.Errorf("request: invalid estimated duration")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req := ServiceRequest{
		ID:               s.idGen(),
		CustomerID:       params.CustomerID,
		CategoryID:       params.CategoryID,
		TierID:           params.TierID,
		Title:            strings.TrimSpace(params.Title),
		Description:      params.Description,
		Address:          params.Address,
		Latitude:         params.Latitude,
		Longitude:        params.Longitude,
		PreferredDate:    params.PreferredDate,
		Urgency:          params.Urgency,
		EstimatedMinutes: params.EstimatedMinutes,
		Status:           StatusPending,
		ExpiresAt:        params.ExpiresAt,
	}

	created, err := s.repo.Create(ctx, tx, req)
	if err != nil {
		return ServiceRequest{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"category_id": created.CategoryID,
			"tier_id":     created.TierID,
			"urgency":     created.Urgency,
		}
		if err := s.timeline.Append(ctx, tx, created.ID, "REQUEST_CREATED", &created.CustomerID, payload); err != nil {
			return ServiceRequest{}, fmt.Errorf("request: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, event.TopicRequestCreated, transitionPayload(created.ID, "", StatusPending, created.CustomerID)); err != nil {
			return ServiceRequest{}, fmt.Errorf("request: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: commit tx: %w", err)
	}

	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (ServiceRequest, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

type StartParams struct {
	RequestID  string
	ProviderID string
}

// Start marks work begun. Only the assigned provider may start.
func (s *Service) Start(ctx context.Context, params StartParams) (ServiceRequest, error) {
	if params.RequestID == "" || params.ProviderID == "" {
		return ServiceRequest{}, fmt.Errorf("request: start missing ids")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return ServiceRequest{}, err
	}
	if err := GuardTransition(req.Status, StatusInProgress); err != nil {
		return ServiceRequest{}, err
	}
	if req.AssignedProviderID == nil || *req.AssignedProviderID != params.ProviderID {
		return ServiceRequest{}, ErrUnauthorizedActor
	}

	now := s.now()
	updated, err := s.repo.MarkStarted(ctx, tx, params.RequestID, params.ProviderID, now)
	if err != nil {
		return ServiceRequest{}, err
	}

	if err := s.recordTransition(ctx, tx, updated, req.Status, "WORK_STARTED", event.TopicRequestStarted, params.ProviderID, nil); err != nil {
		return ServiceRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: start commit: %w", err)
	}
	return updated, nil
}

type CompleteParams struct {
	RequestID string
	ActorID   string
}

// Complete confirms the work finished. The assigned provider or the owning
// customer may complete.
func (s *Service) Complete(ctx context.Context, params CompleteParams) (ServiceRequest, error) {
	if params.RequestID == "" || params.ActorID == "" {
		return ServiceRequest{}, fmt.Errorf("request: complete missing ids")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return ServiceRequest{}, err
	}
	if err := GuardTransition(req.Status, StatusCompleted); err != nil {
		return ServiceRequest{}, err
	}
	isProvider := req.AssignedProviderID != nil && *req.AssignedProviderID == params.ActorID
	if !isProvider && req.CustomerID != params.ActorID {
		return ServiceRequest{}, ErrUnauthorizedActor
	}

	now := s.now()
	updated, err := s.repo.MarkCompleted(ctx, tx, params.RequestID, now)
	if err != nil {
		return ServiceRequest{}, err
	}

	if err := s.recordTransition(ctx, tx, updated, req.Status, "WORK_COMPLETED", event.TopicRequestCompleted, params.ActorID, nil); err != nil {
		return ServiceRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: complete commit: %w", err)
	}
	return updated, nil
}

type CancelParams struct {
	RequestID string
	ActorID   string
	ActorRole ActorRole
	Reason    *string
}

// Cancel applies the stage-aware cancellation policy. A provider backing out
// after assignment but before work start returns the request to the
// acceptance pool so the customer is not stranded; every other cancellation
// is terminal. Audit fields are written in both cases.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (ServiceRequest, error) {
	if params.RequestID == "" {
		return ServiceRequest{}, fmt.Errorf("request: cancel missing request id")
	}
	if params.ActorID == "" {
		return ServiceRequest{}, fmt.Errorf("request: cancel missing actor id")
	}
	if !params.ActorRole.Valid() {
		return ServiceRequest{}, ErrUnauthorizedActor
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return ServiceRequest{}, err
	}

	stage, ok := StageOf(req.Status)
	if !ok {
		return ServiceRequest{}, &InvalidTransitionError{From: req.Status, To: StatusCancelled}
	}

	switch params.ActorRole {
	case RoleCustomer:
		if req.CustomerID != params.ActorID {
			return ServiceRequest{}, ErrUnauthorizedActor
		}
	case RoleProvider:
		// No provider is assigned while pending, so a provider can never
		// cancel from that stage.
		if req.AssignedProviderID == nil || *req.AssignedProviderID != params.ActorID {
			return ServiceRequest{}, ErrUnauthorizedActor
		}
	case RoleAdmin:
	default:
		return ServiceRequest{}, ErrUnauthorizedActor
	}

	var reason *string
	if params.Reason != nil {
		trimmed := strings.TrimSpace(*params.Reason)
		if trimmed != "" {
			reason = &trimmed
		}
	}

	now := s.now()
	role := params.ActorRole
	upd := CancelUpdate{
		ID:             params.RequestID,
		ExpectedStatus: req.Status,
		CancelledBy:    &role,
		Reason:         reason,
		Stage:          stage,
		Now:            now,
	}

	// Provider-initiated cancellation before work starts reopens the pool.
	// in_progress cancellations and all customer/admin cancellations are
	// terminal.
	if params.ActorRole == RoleProvider && stage == StageAssigned {
		updated, err := s.repo.Reopen(ctx, tx, upd)
		if err != nil {
			return ServiceRequest{}, err
		}
		if err := s.recordTransition(ctx, tx, updated, req.Status, "REQUEST_REOPENED", event.TopicRequestReopened, params.ActorID, reason); err != nil {
			return ServiceRequest{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ServiceRequest{}, fmt.Errorf("request: reopen commit: %w", err)
		}
		return updated, nil
	}

	updated, err := s.repo.CancelTerminal(ctx, tx, upd)
	if err != nil {
		return ServiceRequest{}, err
	}
	if err := s.recordTransition(ctx, tx, updated, req.Status, "REQUEST_CANCELLED", event.TopicRequestCancelled, params.ActorID, reason); err != nil {
		return ServiceRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: cancel commit: %w", err)
	}
	return updated, nil
}

type DeclineParams struct {
	RequestID  string
	ProviderID string
	Reason     *string
}

// Decline lets the assigned provider back out before work starts, recording
// the decline fields and returning the request to the acceptance pool.
func (s *Service) Decline(ctx context.Context, params DeclineParams) (ServiceRequest, error) {
	if params.RequestID == "" || params.ProviderID == "" {
		return ServiceRequest{}, fmt.Errorf("request: decline missing ids")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return ServiceRequest{}, err
	}
	if req.Status != StatusAssigned {
		return ServiceRequest{}, &InvalidTransitionError{From: req.Status, To: StatusPending}
	}
	if req.AssignedProviderID == nil || *req.AssignedProviderID != params.ProviderID {
		return ServiceRequest{}, ErrUnauthorizedActor
	}

	now := s.now()
	updated, err := s.repo.RecordDecline(ctx, tx, params.RequestID, params.ProviderID, params.Reason, now)
	if err != nil {
		return ServiceRequest{}, err
	}

	if err := s.recordTransition(ctx, tx, updated, req.Status, "REQUEST_REOPENED", event.TopicRequestReopened, params.ProviderID, params.Reason); err != nil {
		return ServiceRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ServiceRequest{}, fmt.Errorf("request: decline commit: %w", err)
	}
	return updated, nil
}

func (s *Service) recordTransition(ctx context.Context, tx pgx.Tx, req ServiceRequest, oldStatus Status, eventType, topic, actorID string, reason *string) error {
	if s.timeline != nil {
		payload := map[string]any{
			"old_status": oldStatus,
			"new_status": req.Status,
		}
		if reason != nil {
			payload["reason"] = *reason
		}
		actor := actorID
		if err := s.timeline.Append(ctx, tx, req.ID, eventType, &actor, payload); err != nil {
			return fmt.Errorf("request: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload := transitionPayload(req.ID, oldStatus, req.Status, actorID)
		if reason != nil {
			payload["reason"] = *reason
		}
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return fmt.Errorf("request: enqueue outbox: %w", err)
		}
	}
	return nil
}

func transitionPayload(requestID string, oldStatus, newStatus Status, actorID string) map[string]any {
	payload := map[string]any{
		"request_id": requestID,
		"new_status": newStatus,
	}
	if oldStatus != "" {
		payload["old_status"] = oldStatus
	}
	if actorID != "" {
		payload["actor_id"] = actorID
	}
	return payload
}

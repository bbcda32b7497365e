package request

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the service request does not exist.
	ErrNotFound = errors.New("request: not found")
	// ErrNoLongerAvailable signals the request already left the expected
	// pre-state, typically because a concurrent winner or cancellation
	// committed first.
	ErrNoLongerAvailable = errors.New("request: no longer available")
	// ErrExpired signals the acceptance window closed before the operation.
	ErrExpired = errors.New("request: expired")
)

// Repository is the persistence boundary for service requests. Conditional
// updates are the single-writer-wins discipline: every mutation is predicated
// on the expected pre-state so concurrent writers cannot both apply.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req ServiceRequest) (ServiceRequest, error)
	Get(ctx context.Context, id string) (ServiceRequest, error)
	List(ctx context.Context, filters Filters) ([]ServiceRequest, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ServiceRequest, error)
	ClaimPending(ctx context.Context, tx pgx.Tx, id, providerID string, now time.Time) (ServiceRequest, error)
	MarkStarted(ctx context.Context, tx pgx.Tx, id, providerID string, now time.Time) (ServiceRequest, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, now time.Time) (ServiceRequest, error)
	CancelTerminal(ctx context.Context, tx pgx.Tx, upd CancelUpdate) (ServiceRequest, error)
	Reopen(ctx context.Context, tx pgx.Tx, upd CancelUpdate) (ServiceRequest, error)
	RecordDecline(ctx context.Context, tx pgx.Tx, id, providerID string, reason *string, now time.Time) (ServiceRequest, error)
}

// CancelUpdate carries the audit payload written by both terminal
// cancellation and reopening. CancelledBy is nil for system-initiated expiry.
type CancelUpdate struct {
	ID             string
	ExpectedStatus Status
	CancelledBy    *ActorRole
	Reason         *string
	Stage          Stage
	Now            time.Time
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, customer_id, category_id, tier_id, title, description, address,
	latitude, longitude, preferred_date, urgency, estimated_minutes, status,
	assigned_provider_id, assigned_at, provider_accepted_at, provider_declined_at,
	decline_reason, expires_at, started_at, completed_at, cancelled_at, cancelled_by,
	cancellation_reason, cancellation_stage, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req ServiceRequest) (ServiceRequest, error) {
	query := `
		INSERT INTO service_requests (id, customer_id, category_id, tier_id, title, description,
			address, latitude, longitude, preferred_date, urgency, estimated_minutes, status, expires_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.CustomerID,
		req.CategoryID,
		req.TierID,
		req.Title,
		req.Description,
		req.Address,
		req.Latitude,
		req.Longitude,
		req.PreferredDate,
		req.Urgency,
		req.EstimatedMinutes,
		req.Status,
		req.ExpiresAt,
	)
	created, err := scanRequest(row)
	if err != nil {
		return ServiceRequest{}, fmt.Errorf("request: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1`

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]ServiceRequest, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	base := `SELECT ` + requestColumns + ` FROM service_requests`
	where := []string{"1=1"}
	args := []any{}

	if filters.CustomerID != "" {
		where = append(where, fmt.Sprintf("customer_id=$%d", len(args)+1))
		args = append(args, filters.CustomerID)
	}
	if filters.ProviderID != "" {
		where = append(where, fmt.Sprintf("assigned_provider_id=$%d", len(args)+1))
		args = append(args, filters.ProviderID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.CategoryID != "" {
		where = append(where, fmt.Sprintf("category_id=$%d", len(args)+1))
		args = append(args, filters.CategoryID)
	}
	if filters.Urgency != "" {
		where = append(where, fmt.Sprintf("urgency=$%d", len(args)+1))
		args = append(args, filters.Urgency)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("request: query list: %w", err)
	}
	defer rows.Close()

	list := []ServiceRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("request: iterate list: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM service_requests%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("request: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1 FOR UPDATE`

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNotFound
		}
		return ServiceRequest{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

// ClaimPending is the winning half of the acceptance race. The WHERE clause
// re-checks status and the absence of an assigned provider, so even without
// the surrounding row lock at most one caller can ever see a row back.
func (r *PGRepository) ClaimPending(ctx context.Context, tx pgx.Tx, id, providerID string, now time.Time) (ServiceRequest, error) {
	query := `
		UPDATE service_requests
		SET status = 'assigned',
		    assigned_provider_id = $2,
		    assigned_at = $3,
		    provider_accepted_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status = 'pending' AND assigned_provider_id IS NULL
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, providerID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNoLongerAvailable
		}
		return ServiceRequest{}, fmt.Errorf("request: claim pending: %w", err)
	}
	return req, nil
}

func (r *PGRepository) MarkStarted(ctx context.Context, tx pgx.Tx, id, providerID string, now time.Time) (ServiceRequest, error) {
	query := `
		UPDATE service_requests
		SET status = 'in_progress',
		    started_at = $3,
		    updated_at = $3
		WHERE id = $1 AND status = 'assigned' AND assigned_provider_id = $2
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, providerID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNoLongerAvailable
		}
		return ServiceRequest{}, fmt.Errorf("request: mark started: %w", err)
	}
	return req, nil
}

func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, now time.Time) (ServiceRequest, error) {
	query := `
		UPDATE service_requests
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status = 'in_progress'
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNoLongerAvailable
		}
		return ServiceRequest{}, fmt.Errorf("request: mark completed: %w", err)
	}
	return req, nil
}

// CancelTerminal transitions to cancelled, conditioned on the expected
// pre-state. Audit fields use COALESCE so the first cancellation wins and is
// never overwritten by a later one.
func (r *PGRepository) CancelTerminal(ctx context.Context, tx pgx.Tx, upd CancelUpdate) (ServiceRequest, error) {
	query := `
		UPDATE service_requests
		SET status = 'cancelled',
		    cancelled_at = COALESCE(cancelled_at, $3),
		    cancelled_by = COALESCE(cancelled_by, $4),
		    cancellation_reason = COALESCE(cancellation_reason, $5),
		    cancellation_stage = COALESCE(cancellation_stage, $6),
		    updated_at = $3
		WHERE id = $1 AND status = $2
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, upd.ID, upd.ExpectedStatus, upd.Now, upd.CancelledBy, upd.Reason, upd.Stage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNoLongerAvailable
		}
		return ServiceRequest{}, fmt.Errorf("request: cancel: %w", err)
	}
	return req, nil
}

// Reopen returns an assigned request to the acceptance pool while keeping the
// cancellation audit trail of the attempt that triggered it.
func (r *PGRepository) Reopen(ctx context.Context, tx pgx.Tx, upd CancelUpdate) (ServiceRequest, error) {
	query := `
		UPDATE service_requests
		SET status = 'pending',
		    assigned_provider_id = NULL,
		    assigned_at = NULL,
		    provider_accepted_at = NULL,
		    cancelled_at = COALESCE(cancelled_at, $3),
		    cancelled_by = COALESCE(cancelled_by, $4),
		    cancellation_reason = COALESCE(cancellation_reason, $5),
		    cancellation_stage = COALESCE(cancellation_stage, $6),
		    updated_at = $3
		WHERE id = $1 AND status = $2
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, upd.ID, upd.ExpectedStatus, upd.Now, upd.CancelledBy, upd.Reason, upd.Stage))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNoLongerAvailable
		}
		return ServiceRequest{}, fmt.Errorf("request: reopen: %w", err)
	}
	return req, nil
}

func (r *PGRepository) RecordDecline(ctx context.Context, tx pgx.Tx, id, providerID string, reason *string, now time.Time) (ServiceRequest, error) {
	query := `
		UPDATE service_requests
		SET status = 'pending',
		    assigned_provider_id = NULL,
		    assigned_at = NULL,
		    provider_accepted_at = NULL,
		    provider_declined_at = $3,
		    decline_reason = $4,
		    updated_at = $3
		WHERE id = $1 AND status = 'assigned' AND assigned_provider_id = $2
		RETURNING ` + requestColumns

	req, err := scanRequest(tx.QueryRow(ctx, query, id, providerID, now, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ServiceRequest{}, ErrNoLongerAvailable
		}
		return ServiceRequest{}, fmt.Errorf("request: record decline: %w", err)
	}
	return req, nil
}

func scanRequest(row pgx.Row) (ServiceRequest, error) {
	var (
		req         ServiceRequest
		urgency     string
		status      string
		cancelledBy *string
		stage       *string
	)
	err := row.Scan(
		&req.ID,
		&req.CustomerID,
		&req.CategoryID,
		&req.TierID,
		&req.Title,
		&req.Description,
		&req.Address,
		&req.Latitude,
		&req.Longitude,
		&req.PreferredDate,
		&urgency,
		&req.EstimatedMinutes,
		&status,
		&req.AssignedProviderID,
		&req.AssignedAt,
		&req.ProviderAcceptedAt,
		&req.ProviderDeclinedAt,
		&req.DeclineReason,
		&req.ExpiresAt,
		&req.StartedAt,
		&req.CompletedAt,
		&req.CancelledAt,
		&cancelledBy,
		&req.CancellationReason,
		&stage,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return ServiceRequest{}, err
	}

	req.Urgency = Urgency(urgency)
	req.Status = Status(status)
	if cancelledBy != nil {
		by := ActorRole(*cancelledBy)
		req.CancelledBy = &by
	}
	if stage != nil {
		st := Stage(*stage)
		req.CancellationStage = &st
	}
	return req, nil
}

func mapSortKey(key string) string {
	switch key {
	case "preferredDate":
		return "preferred_date"
	case "urgency":
		return "urgency"
	case "status":
		return "status"
	case "expiresAt":
		return "expires_at"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}

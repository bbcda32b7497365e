package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"servicehub/assignment"
	"servicehub/audit"
	"servicehub/auth"
	"servicehub/provider"
	"servicehub/request"
)

type stubRequestService struct {
	created    request.ServiceRequest
	createErr  error
	got        request.ServiceRequest
	getErr     error
	listResult request.ListResult
	listErr    error
	started    request.ServiceRequest
	startErr   error
	completed  request.ServiceRequest
	complErr   error
	cancelled  request.ServiceRequest
	cancelErr  error
	declined   request.ServiceRequest
	declineErr error

	lastCancel request.CancelParams
}

func (s *stubRequestService) Create(_ context.Context, _ request.CreateParams) (request.ServiceRequest, error) {
	return s.created, s.createErr
}

func (s *stubRequestService) Get(_ context.Context, _ string) (request.ServiceRequest, error) {
	return s.got, s.getErr
}

func (s *stubRequestService) List(_ context.Context, _ request.Filters) (request.ListResult, error) {
	return s.listResult, s.listErr
}

func (s *stubRequestService) Start(_ context.Context, _ request.StartParams) (request.ServiceRequest, error) {
	return s.started, s.startErr
}

func (s *stubRequestService) Complete(_ context.Context, _ request.CompleteParams) (request.ServiceRequest, error) {
	return s.completed, s.complErr
}

func (s *stubRequestService) Cancel(_ context.Context, params request.CancelParams) (request.ServiceRequest, error) {
	s.lastCancel = params
	return s.cancelled, s.cancelErr
}

func (s *stubRequestService) Decline(_ context.Context, _ request.DeclineParams) (request.ServiceRequest, error) {
	return s.declined, s.declineErr
}

type stubResolver struct {
	result assignment.AcceptResult
	err    error
}

func (s *stubResolver) Accept(_ context.Context, _ assignment.AcceptParams) (assignment.AcceptResult, error) {
	return s.result, s.err
}

type stubAuditService struct {
	attempts     []audit.Attempt
	attemptsErr  error
	cancellation audit.Cancellation
	cancelErr    error
	events       []audit.Event
	eventsErr    error
}

func (s *stubAuditService) Attempts(_ context.Context, _ string) ([]audit.Attempt, error) {
	return s.attempts, s.attemptsErr
}

func (s *stubAuditService) Cancellation(_ context.Context, _ string) (audit.Cancellation, error) {
	return s.cancellation, s.cancelErr
}

func (s *stubAuditService) Events(_ context.Context, _ string) ([]audit.Event, error) {
	return s.events, s.eventsErr
}

type stubProviderRepo struct {
	profile  provider.Profile
	profiles []provider.Profile
	err      error
}

func (s *stubProviderRepo) GetByID(_ context.Context, _ string) (provider.Profile, error) {
	return s.profile, s.err
}

func (s *stubProviderRepo) List(_ context.Context, limit int) ([]provider.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit <= 0 || limit > len(s.profiles) {
		limit = len(s.profiles)
	}
	out := make([]provider.Profile, limit)
	copy(out, s.profiles[:limit])
	return out, nil
}

func asCaller(r *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return r.WithContext(ctx)
}

func TestHandleGetRequest_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	server := &Server{
		requestService: &stubRequestService{
			got: request.ServiceRequest{
				ID:         "r1",
				CustomerID: "c1",
				CategoryID: "cat-plumbing",
				TierID:     "tier-standard",
				Title:      "Fix kitchen sink",
				Urgency:    request.UrgencyHigh,
				Status:     request.StatusPending,
				CreatedAt:  now,
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/requests/r1", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "c1", auth.RoleCustomer))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp requestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "r1" || resp.Status != "pending" || resp.Title != "Fix kitchen sink" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleGetRequest_NotFound(t *testing.T) {
	server := &Server{
		requestService: &stubRequestService{getErr: request.ErrNotFound},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/requests/missing", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "c1", auth.RoleCustomer))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRequestDetail_MissingID(t *testing.T) {
	server := &Server{requestService: &stubRequestService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/requests/", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "c1", auth.RoleCustomer))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreateRequest_ForbidProviderRole(t *testing.T) {
	server := &Server{requestService: &stubRequestService{}}

	body := strings.NewReader(`{"category_id":"cat-plumbing","tier_id":"tier-standard","title":"Fix sink"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/requests", body)
	rec := httptest.NewRecorder()

	server.handleRequests(rec, asCaller(req, "p1", auth.RoleProvider))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleListRequests_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		requestService: &stubRequestService{
			listResult: request.ListResult{
				Items: []request.ServiceRequest{
					{ID: "r1", Status: request.StatusPending, Urgency: request.UrgencyLow, CreatedAt: now},
					{ID: "r2", Status: request.StatusAssigned, Urgency: request.UrgencyHigh, CreatedAt: now},
				},
				Total: 2,
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/requests?status=pending", nil)
	rec := httptest.NewRecorder()

	server.handleRequests(rec, asCaller(req, "c1", auth.RoleCustomer))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload listResponse[requestResponse]
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Total != 2 || payload.Items[0].ID != "r1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleAccept_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	providerID := "p1"
	server := &Server{
		resolver: &stubResolver{
			result: assignment.AcceptResult{
				Request: request.ServiceRequest{
					ID:                 "r1",
					Status:             request.StatusAssigned,
					AssignedProviderID: &providerID,
					AssignedAt:         &now,
					CreatedAt:          now,
				},
				Attempt: assignment.AcceptanceAttempt{
					ID:         "a1",
					RequestID:  "r1",
					ProviderID: providerID,
					AcceptedAt: now,
				},
			},
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/requests/r1/accept", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, providerID, auth.RoleProvider))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp acceptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Request.Status != "assigned" || resp.Attempt.ProviderID != providerID {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleAccept_ForbidCustomerRole(t *testing.T) {
	server := &Server{resolver: &stubResolver{}}

	req := httptest.NewRequest(http.MethodPost, "/api/requests/r1/accept", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "c1", auth.RoleCustomer))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAccept_NoLongerAvailable(t *testing.T) {
	server := &Server{
		resolver: &stubResolver{err: request.ErrNoLongerAvailable},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/requests/r1/accept", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "p1", auth.RoleProvider))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleAccept_NotQualified(t *testing.T) {
	server := &Server{
		resolver: &stubResolver{err: assignment.ErrProviderNotQualified},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/requests/r1/accept", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "p1", auth.RoleProvider))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleAccept_Expired(t *testing.T) {
	server := &Server{
		resolver: &stubResolver{err: request.ErrExpired},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/requests/r1/accept", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "p1", auth.RoleProvider))

	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", rec.Code)
	}
}

func TestHandleCancel_PassesRoleAndReason(t *testing.T) {
	svc := &stubRequestService{
		cancelled: request.ServiceRequest{ID: "r1", Status: request.StatusCancelled},
	}
	server := &Server{requestService: svc}

	body := strings.NewReader(`{"reason":"found someone else"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/requests/r1/cancel", body)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "c1", auth.RoleCustomer))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.lastCancel.ActorRole != request.RoleCustomer {
		t.Fatalf("expected customer role, got %q", svc.lastCancel.ActorRole)
	}
	if svc.lastCancel.Reason == nil || *svc.lastCancel.Reason != "found someone else" {
		t.Fatalf("reason not forwarded: %+v", svc.lastCancel.Reason)
	}
}

func TestHandleCancel_InvalidTransition(t *testing.T) {
	server := &Server{
		requestService: &stubRequestService{
			cancelErr: &request.InvalidTransitionError{From: request.StatusCompleted, To: request.StatusCancelled},
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/api/requests/r1/cancel", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "c1", auth.RoleCustomer))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleStart_WrongMethod(t *testing.T) {
	server := &Server{requestService: &stubRequestService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/requests/r1/start", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "p1", auth.RoleProvider))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleAttempts_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		auditService: &stubAuditService{
			attempts: []audit.Attempt{
				{ID: "a1", RequestID: "r1", ProviderID: "p1", AcceptedAt: now},
				{ID: "a2", RequestID: "r1", ProviderID: "p2", AcceptedAt: now.Add(time.Second)},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/requests/r1/attempts", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "admin", auth.RoleAdmin))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload listResponse[attemptResponse]
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].ProviderID != "p1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleCancellation_NotFound(t *testing.T) {
	server := &Server{
		auditService: &stubAuditService{cancelErr: audit.ErrNotFound},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/requests/missing/cancellation", nil)
	rec := httptest.NewRecorder()

	server.handleRequestDetail(rec, asCaller(req, "admin", auth.RoleAdmin))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleProvider_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		providerService: provider.NewService(&stubProviderRepo{
			profile: provider.Profile{
				ID:          "p1",
				UserID:      "u1",
				DisplayName: "Apex Plumbing",
				Verified:    true,
				Rating:      4.8,
				CreatedAt:   now,
			},
		}),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/providers/p1", nil)
	rec := httptest.NewRecorder()

	server.handleProvider(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp providerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "p1" || resp.DisplayName != "Apex Plumbing" || !resp.Verified {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleProvider_NotFound(t *testing.T) {
	server := &Server{
		providerService: provider.NewService(&stubProviderRepo{err: provider.ErrNotFound}),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/providers/missing", nil)
	rec := httptest.NewRecorder()

	server.handleProvider(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleProviders_List(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		providerService: provider.NewService(&stubProviderRepo{
			profiles: []provider.Profile{
				{ID: "p1", DisplayName: "Apex Plumbing", CreatedAt: now},
				{ID: "p2", DisplayName: "Bolt Electric", CreatedAt: now},
			},
		}),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/providers?limit=1", nil)
	rec := httptest.NewRecorder()

	server.handleProviders(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload listResponse[providerResponse]
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "p1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleProvider_InternalError(t *testing.T) {
	server := &Server{
		providerService: provider.NewService(&stubProviderRepo{err: errors.New("boom")}),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/providers/p1", nil)
	rec := httptest.NewRecorder()

	server.handleProvider(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"servicehub/assignment"
	"servicehub/audit"
	"servicehub/auth"
	"servicehub/provider"
	"servicehub/request"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

type requestService interface {
	Create(ctx context.Context, params request.CreateParams) (request.ServiceRequest, error)
	Get(ctx context.Context, id string) (request.ServiceRequest, error)
	List(ctx context.Context, filters request.Filters) (request.ListResult, error)
	Start(ctx context.Context, params request.StartParams) (request.ServiceRequest, error)
	Complete(ctx context.Context, params request.CompleteParams) (request.ServiceRequest, error)
	Cancel(ctx context.Context, params request.CancelParams) (request.ServiceRequest, error)
	Decline(ctx context.Context, params request.DeclineParams) (request.ServiceRequest, error)
}

type acceptResolver interface {
	Accept(ctx context.Context, params assignment.AcceptParams) (assignment.AcceptResult, error)
}

type auditService interface {
	Attempts(ctx context.Context, requestID string) ([]audit.Attempt, error)
	Cancellation(ctx context.Context, requestID string) (audit.Cancellation, error)
	Events(ctx context.Context, requestID string) ([]audit.Event, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (string, auth.Role, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService     authService
	requestService  requestService
	resolver        acceptResolver
	auditService    auditService
	providerService *provider.Service
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/requests", s.requireAuth(s.handleRequests))
	mux.HandleFunc("/api/requests/", s.requireAuth(s.handleRequestDetail))
	mux.HandleFunc("/api/providers", s.handleProviders)
	mux.HandleFunc("/api/providers/", s.handleProvider)
	return mux
}

// requireAuth validates the bearer token and stashes the caller identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRequests(w, r)
	case http.MethodPost:
		s.handleCreateRequest(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := request.Filters{
		CustomerID: q.Get("customer_id"),
		ProviderID: q.Get("provider_id"),
		Status:     request.Status(q.Get("status")),
		CategoryID: q.Get("category_id"),
		Urgency:    request.Urgency(q.Get("urgency")),
		SortKey:    q.Get("sort"),
		SortOrder:  q.Get("order"),
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil {
		filters.PageSize = size
	}

	result, err := s.requestService.List(r.Context(), filters)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	items := make([]requestResponse, 0, len(result.Items))
	for _, req := range result.Items {
		items = append(items, toRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, listResponse[requestResponse]{Items: items, Total: result.Total})
}

type createRequestBody struct {
	CategoryID       string     `json:"category_id"`
	TierID           string     `json:"tier_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Address          string     `json:"address"`
	Latitude         *float64   `json:"latitude"`
	Longitude        *float64   `json:"longitude"`
	PreferredDate    *time.Time `json:"preferred_date"`
	Urgency          string     `json:"urgency"`
	EstimatedMinutes *int       `json:"estimated_minutes"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	userID, role, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if role != auth.RoleCustomer && role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "only customers may post requests")
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	created, err := s.requestService.Create(r.Context(), request.CreateParams{
		CustomerID:       userID,
		CategoryID:       body.CategoryID,
		TierID:           body.TierID,
		Title:            body.Title,
		Description:      body.Description,
		Address:          body.Address,
		Latitude:         body.Latitude,
		Longitude:        body.Longitude,
		PreferredDate:    body.PreferredDate,
		Urgency:          request.Urgency(body.Urgency),
		EstimatedMinutes: body.EstimatedMinutes,
		ExpiresAt:        body.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(created))
}

// handleRequestDetail routes /api/requests/{id} and its sub-resources.
func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/requests/")
	if rest == "" || strings.Contains(rest, "//") {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGetRequest(w, r, id)
	case "accept":
		s.handlePost(w, r, id, s.handleAccept)
	case "start":
		s.handlePost(w, r, id, s.handleStart)
	case "complete":
		s.handlePost(w, r, id, s.handleComplete)
	case "cancel":
		s.handlePost(w, r, id, s.handleCancel)
	case "decline":
		s.handlePost(w, r, id, s.handleDecline)
	case "attempts":
		s.handleGet(w, r, id, s.handleAttempts)
	case "events":
		s.handleGet(w, r, id, s.handleEvents)
	case "cancellation":
		s.handleGet(w, r, id, s.handleCancellation)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, id string, h func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h(w, r, id)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string, h func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h(w, r, id)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request, id string) {
	req, err := s.requestService.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, id string) {
	userID, role, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if role != auth.RoleProvider {
		writeError(w, http.StatusForbidden, "only providers may accept requests")
		return
	}

	result, err := s.resolver.Accept(r.Context(), assignment.AcceptParams{
		RequestID:  id,
		ProviderID: userID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponse{
		Request: toRequestResponse(result.Request),
		Attempt: toAttemptResponse(audit.Attempt{
			ID:         result.Attempt.ID,
			RequestID:  result.Attempt.RequestID,
			ProviderID: result.Attempt.ProviderID,
			AcceptedAt: result.Attempt.AcceptedAt,
		}),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, id string) {
	userID, role, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if role != auth.RoleProvider {
		writeError(w, http.StatusForbidden, "only the assigned provider may start work")
		return
	}
	req, err := s.requestService.Start(r.Context(), request.StartParams{RequestID: id, ProviderID: userID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	userID, _, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	req, err := s.requestService.Complete(r.Context(), request.CompleteParams{RequestID: id, ActorID: userID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

type cancelBody struct {
	Reason *string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	userID, role, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	var body cancelBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	req, err := s.requestService.Cancel(r.Context(), request.CancelParams{
		RequestID: id,
		ActorID:   userID,
		ActorRole: request.ActorRole(role),
		Reason:    body.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request, id string) {
	userID, role, ok := callerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if role != auth.RoleProvider {
		writeError(w, http.StatusForbidden, "only the assigned provider may decline")
		return
	}
	var body cancelBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	req, err := s.requestService.Decline(r.Context(), request.DeclineParams{
		RequestID:  id,
		ProviderID: userID,
		Reason:     body.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request, id string) {
	attempts, err := s.auditService.Attempts(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, toAttemptResponse(a))
	}
	writeJSON(w, http.StatusOK, listResponse[attemptResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	events, err := s.auditService.Events(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, eventResponse{
			ID:        e.ID,
			RequestID: e.RequestID,
			Type:      e.Type,
			ActorID:   e.ActorID,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, listResponse[eventResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleCancellation(w http.ResponseWriter, r *http.Request, id string) {
	c, err := s.auditService.Cancellation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := cancellationResponse{
		RequestID:          c.RequestID,
		Status:             c.Status,
		CancelledBy:        c.CancelledBy,
		CancellationReason: c.CancellationReason,
		CancellationStage:  c.CancellationStage,
	}
	if c.CancelledAt != nil {
		ts := c.CancelledAt.Format(time.RFC3339)
		resp.CancelledAt = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	profiles, err := s.providerService.List(r.Context(), limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	items := make([]providerResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toProviderResponse(p))
	}
	writeJSON(w, http.StatusOK, listResponse[providerResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/providers/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "missing provider id")
		return
	}
	profile, err := s.providerService.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponse(profile))
}

func callerFromContext(ctx context.Context) (string, auth.Role, bool) {
	userID, ok := ctx.Value(ctxKeyUserID).(string)
	if !ok || userID == "" {
		return "", "", false
	}
	role, ok := ctx.Value(ctxKeyRole).(auth.Role)
	if !ok {
		return "", "", false
	}
	return userID, role, true
}

// writeDomainError maps domain sentinels onto HTTP statuses. Unknown errors
// stay opaque 500s.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, request.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, request.ErrNoLongerAvailable):
		writeError(w, http.StatusConflict, "request no longer available")
	case errors.Is(err, request.ErrExpired):
		writeError(w, http.StatusGone, "request expired")
	case errors.Is(err, request.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, assignment.ErrDuplicateAttempt):
		writeError(w, http.StatusConflict, "acceptance already recorded")
	case errors.Is(err, assignment.ErrProviderNotQualified):
		writeError(w, http.StatusForbidden, "provider not qualified for this category and tier")
	case errors.Is(err, request.ErrUnauthorizedActor):
		writeError(w, http.StatusForbidden, "actor not allowed")
	case strings.HasPrefix(err.Error(), "request: "):
		// Validation failures from the service layer.
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeInternalError(w, err)
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type requestResponse struct {
	ID                 string  `json:"id"`
	CustomerID         string  `json:"customer_id"`
	CategoryID         string  `json:"category_id"`
	TierID             string  `json:"tier_id"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	Address            string  `json:"address,omitempty"`
	Urgency            string  `json:"urgency"`
	Status             string  `json:"status"`
	AssignedProviderID *string `json:"assigned_provider_id,omitempty"`
	AssignedAt         *string `json:"assigned_at,omitempty"`
	StartedAt          *string `json:"started_at,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty"`
	CancelledAt        *string `json:"cancelled_at,omitempty"`
	CancelledBy        *string `json:"cancelled_by,omitempty"`
	CancellationReason *string `json:"cancellation_reason,omitempty"`
	CancellationStage  *string `json:"cancellation_stage,omitempty"`
	ExpiresAt          *string `json:"expires_at,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

type acceptResponse struct {
	Request requestResponse `json:"request"`
	Attempt attemptResponse `json:"attempt"`
}

type attemptResponse struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	ProviderID string `json:"provider_id"`
	AcceptedAt string `json:"accepted_at"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

type cancellationResponse struct {
	RequestID          string  `json:"request_id"`
	Status             string  `json:"status"`
	CancelledAt        *string `json:"cancelled_at,omitempty"`
	CancelledBy        *string `json:"cancelled_by,omitempty"`
	CancellationReason *string `json:"cancellation_reason,omitempty"`
	CancellationStage  *string `json:"cancellation_stage,omitempty"`
}

type providerResponse struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Verified    bool    `json:"verified"`
	Rating      float64 `json:"rating"`
	CreatedAt   string  `json:"created_at"`
}

func toRequestResponse(req request.ServiceRequest) requestResponse {
	resp := requestResponse{
		ID:                 req.ID,
		CustomerID:         req.CustomerID,
		CategoryID:         req.CategoryID,
		TierID:             req.TierID,
		Title:              req.Title,
		Description:        req.Description,
		Address:            req.Address,
		Urgency:            string(req.Urgency),
		Status:             string(req.Status),
		AssignedProviderID: req.AssignedProviderID,
		CancellationReason: req.CancellationReason,
		CreatedAt:          req.CreatedAt.Format(time.RFC3339),
	}
	if req.CancelledBy != nil {
		by := string(*req.CancelledBy)
		resp.CancelledBy = &by
	}
	if req.CancellationStage != nil {
		stage := string(*req.CancellationStage)
		resp.CancellationStage = &stage
	}
	resp.AssignedAt = formatTime(req.AssignedAt)
	resp.StartedAt = formatTime(req.StartedAt)
	resp.CompletedAt = formatTime(req.CompletedAt)
	resp.CancelledAt = formatTime(req.CancelledAt)
	resp.ExpiresAt = formatTime(req.ExpiresAt)
	return resp
}

func toAttemptResponse(a audit.Attempt) attemptResponse {
	return attemptResponse{
		ID:         a.ID,
		RequestID:  a.RequestID,
		ProviderID: a.ProviderID,
		AcceptedAt: a.AcceptedAt.Format(time.RFC3339),
	}
}

func toProviderResponse(p provider.Profile) providerResponse {
	return providerResponse{
		ID:          p.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Verified:    p.Verified,
		Rating:      p.Rating,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Printf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

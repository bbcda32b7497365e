package request

import "time"

// Status is the closed set of lifecycle states for a service request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the five known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusPending, StatusAssigned, StatusInProgress:
		return false
	default:
		return false
	}
}

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyEmergency:
		return true
	default:
		return false
	}
}

// ActorRole identifies who performs a mutating lifecycle operation.
type ActorRole string

const (
	RoleCustomer ActorRole = "customer"
	RoleProvider ActorRole = "provider"
	RoleAdmin    ActorRole = "admin"
)

func (r ActorRole) Valid() bool {
	switch r {
	case RoleCustomer, RoleProvider, RoleAdmin:
		return true
	default:
		return false
	}
}

// Stage is the status a request was in at the moment of cancellation.
// Only non-terminal states are cancellable, so the set is smaller than Status.
type Stage string

const (
	StagePending    Stage = "pending"
	StageAssigned   Stage = "assigned"
	StageInProgress Stage = "in_progress"
)

// StageOf maps a cancellable status to its cancellation stage.
func StageOf(s Status) (Stage, bool) {
	switch s {
	case StatusPending:
		return StagePending, true
	case StatusAssigned:
		return StageAssigned, true
	case StatusInProgress:
		return StageInProgress, true
	case StatusCompleted, StatusCancelled:
		return "", false
	default:
		return "", false
	}
}

// ServiceRequest is the domain representation of a posted job. It mirrors the
// service_requests table and carries no JSON annotations so it can be reused
// by different presentation layers.
type ServiceRequest struct {
	ID                 string
	CustomerID         string
	CategoryID         string
	TierID             string
	Title              string
	Description        string
	Address            string
	Latitude           *float64
	Longitude          *float64
	PreferredDate      *time.Time
	Urgency            Urgency
	EstimatedMinutes   *int
	Status             Status
	AssignedProviderID *string
	AssignedAt         *time.Time
	ProviderAcceptedAt *time.Time
	ProviderDeclinedAt *time.Time
	DeclineReason      *string
	ExpiresAt          *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	CancelledBy        *ActorRole
	CancellationReason *string
	CancellationStage  *Stage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Expired reports whether the request's acceptance window has closed at the
// given instant. Expiry only applies while the request is still pending.
func (r ServiceRequest) Expired(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

type Filters struct {
	CustomerID string
	ProviderID string
	Status     Status
	CategoryID string
	Urgency    Urgency
	Page       int
	PageSize   int
	SortKey    string
	SortOrder  string
}

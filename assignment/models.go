package assignment

import (
	"time"

	"servicehub/request"
)

// AcceptanceAttempt is one provider's try at claiming a request. Attempts are
// permanent history: losing rows are kept so reporting can see who tried and
// when.
type AcceptanceAttempt struct {
	ID         string
	RequestID  string
	ProviderID string
	AcceptedAt time.Time
}

// AcceptParams identifies the attempt handed to the resolver. Now is the
// injected evaluation instant; a zero value falls back to the resolver clock.
type AcceptParams struct {
	RequestID  string
	ProviderID string
	Now        time.Time
}

// AcceptResult bundles the winning assignment with the recorded attempt.
type AcceptResult struct {
	Request request.ServiceRequest
	Attempt AcceptanceAttempt
}

package provider

import "time"

// Profile captures the subset of provider data exposed via the public API layer.
type Profile struct {
	ID          string
	UserID      string
	DisplayName string
	Verified    bool
	Rating      float64
	CreatedAt   time.Time
}

package model

import "time"

// AcceptanceStatus is the published state of a provider/plan relationship.
type AcceptanceStatus string

const (
	StatusUnknown     AcceptanceStatus = "unknown"
	StatusPending     AcceptanceStatus = "pending"
	StatusAccepted    AcceptanceStatus = "accepted"
	StatusNotAccepted AcceptanceStatus = "not_accepted"
)

// Valid reports whether s is one of the known acceptance statuses.
func (s AcceptanceStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusPending, StatusAccepted, StatusNotAccepted:
		return true
	}
	return false
}

// AcceptanceRecord is the current, published relationship between one
// provider and one insurance plan, optionally scoped to a location.
// Unique per (provider, plan, location).
type AcceptanceRecord struct {
	ID                string           `json:"id"`
	ProviderID        string           `json:"provider_id"`
	PlanID            string           `json:"plan_id"`
	LocationID        string           `json:"location_id,omitempty"`
	Status            AcceptanceStatus `json:"status"`
	ConfidenceScore   int              `json:"confidence_score"`
	LastVerifiedAt    *time.Time       `json:"last_verified_at,omitempty"`
	VerificationCount int              `json:"verification_count"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

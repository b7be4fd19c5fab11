package model

import "time"

// Provider is a healthcare provider whose plan acceptance is being tracked.
type Provider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty,omitempty"`
	Taxonomy  string    `json:"taxonomy,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is an insurance plan offered by a carrier.
type Plan struct {
	ID        string    `json:"id"`
	Carrier   string    `json:"carrier"`
	Name      string    `json:"name"`
	PlanType  string    `json:"plan_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

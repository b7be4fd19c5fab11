package model

import "time"

// ReportKind tags the payload variant carried by a report.
type ReportKind string

const (
	// KindPlanAcceptance is the only report kind currently emitted by the
	// submission flow. Unknown kinds read from storage are preserved as-is.
	KindPlanAcceptance ReportKind = "plan_acceptance"
)

// SourceChannel identifies where a report's claim originated.
type SourceChannel string

const (
	SourceOfficialRegistry SourceChannel = "official_registry"
	SourceCarrierFeed      SourceChannel = "carrier_feed"
	SourceProviderPortal   SourceChannel = "provider_portal"
	SourcePhoneCall        SourceChannel = "phone_call"
	SourceCrowdsource      SourceChannel = "crowdsource"
	SourceAutomated        SourceChannel = "automated"
)

// ReportValue is the plan-acceptance payload of a report. All fields are
// optional; unknown JSON fields are ignored on read for forward
// compatibility.
type ReportValue struct {
	Status             AcceptanceStatus `json:"status,omitempty"`
	AcceptsNewPatients *bool            `json:"accepts_new_patients,omitempty"`
	PhoneReachable     *bool            `json:"phone_reachable,omitempty"`
}

// PriorSnapshot captures the published acceptance state at the moment a
// report was submitted.
type PriorSnapshot struct {
	Status          AcceptanceStatus `json:"status"`
	ConfidenceScore int              `json:"confidence_score"`
}

// ReportLogEntry is one immutable crowd submission. Submitter address and
// identity are write-once; the vote counters are the only mutable fields.
type ReportLogEntry struct {
	ID                 string         `json:"id"`
	ProviderID         string         `json:"provider_id"`
	PlanID             string         `json:"plan_id"`
	LocationID         string         `json:"location_id,omitempty"`
	AcceptanceRecordID string         `json:"acceptance_record_id,omitempty"`
	Kind               ReportKind     `json:"kind"`
	Source             SourceChannel  `json:"source"`
	PreviousValue      *PriorSnapshot `json:"previous_value,omitempty"`
	NewValue           ReportValue    `json:"new_value"`
	Note               string         `json:"note,omitempty"`
	EvidenceURL        string         `json:"evidence_url,omitempty"`
	SubmitterIdentity  string         `json:"submitter_identity,omitempty"`
	SubmitterAddress   string         `json:"submitter_address,omitempty"`
	VotesUp            int            `json:"votes_up"`
	VotesDown          int            `json:"votes_down"`
	CreatedAt          time.Time      `json:"created_at"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
}

// Redact strips submitter address and identity before the entry is handed
// to untrusted clients.
func (r ReportLogEntry) Redact() ReportLogEntry {
	r.SubmitterAddress = ""
	r.SubmitterIdentity = ""
	return r
}

// VoteDirection is the direction of a vote on a report.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// Valid reports whether d is a known vote direction.
func (d VoteDirection) Valid() bool {
	return d == VoteUp || d == VoteDown
}

// Opposite returns the flipped direction.
func (d VoteDirection) Opposite() VoteDirection {
	if d == VoteUp {
		return VoteDown
	}
	return VoteUp
}

// VoteRecord deduplicates votes: one per (report, voter address). A second
// vote from the same address is either rejected (same direction) or flipped
// in place (opposite direction).
type VoteRecord struct {
	ID           string        `json:"id"`
	ReportID     string        `json:"report_id"`
	VoterAddress string        `json:"voter_address"`
	Direction    VoteDirection `json:"direction"`
	CreatedAt    time.Time     `json:"created_at"`
}

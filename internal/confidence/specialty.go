package confidence

import "strings"

// ChurnCategory groups specialties by how quickly their plan participation
// tends to change, which drives the freshness threshold used by the
// recency factor.
type ChurnCategory string

const (
	ChurnMentalHealth  ChurnCategory = "mental_health"
	ChurnPrimaryCare   ChurnCategory = "primary_care"
	ChurnHospitalBased ChurnCategory = "hospital_based"
	ChurnSpecialist    ChurnCategory = "specialist"
)

var mentalHealthKeywords = []string{
	"psychiatry", "psychiatr", "psychology", "psycholog",
	"counselor", "therapist", "behavioral health", "mental health",
}

var primaryCareKeywords = []string{
	"family medicine", "family practice", "internal medicine",
	"general practice", "primary care",
}

var hospitalBasedKeywords = []string{
	"hospital", "radiology", "anesthesiology", "pathology",
	"emergency medicine",
}

// Classify maps free-text specialty and taxonomy descriptions to a churn
// category. Matching is case-insensitive substring, first match wins;
// anything unrecognized is treated as a generic specialist.
func Classify(specialty, taxonomy string) ChurnCategory {
	text := strings.ToLower(specialty + " " + taxonomy)

	if containsAny(text, mentalHealthKeywords...) {
		return ChurnMentalHealth
	}
	if containsAny(text, primaryCareKeywords...) {
		return ChurnPrimaryCare
	}
	if containsAny(text, hospitalBasedKeywords...) {
		return ChurnHospitalBased
	}
	return ChurnSpecialist
}

// FreshnessThresholdDays returns the number of days before a verification
// for the given churn category is considered stale. Mental health churns
// fastest; hospital-based participation is the most stable.
func FreshnessThresholdDays(cat ChurnCategory) int {
	switch cat {
	case ChurnMentalHealth:
		return 30
	case ChurnHospitalBased:
		return 90
	default:
		return 60
	}
}

// containsAny checks if s contains any of the given substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Package confidence computes the 0-100 trust score for an acceptance
// record from its data source, verification history, and crowd agreement.
package confidence

import (
	"math"
	"strings"
	"time"

	"github.com/coveragecheck/coveragecheck/internal/model"
)

const (
	maxSourceFactor       = 30.0
	maxRecencyFactor      = 25.0
	maxVerificationFactor = 25.0
	maxAgreementFactor    = 20.0

	// MinVerifications is the verification count a record needs before its
	// qualitative level may rise above MEDIUM.
	MinVerifications = 3

	// engagementDivisor dampens the agreement factor at low vote volume so
	// one unanimous report does not look as confident as five.
	engagementDivisor = 5.0
)

// Level is the qualitative band for a numeric score.
type Level string

const (
	LevelVeryLow  Level = "very_low"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelVeryHigh Level = "very_high"
)

// sourceFactors scores the trustworthiness of each data source channel.
// Unknown or empty sources fall back to the crowd baseline of 10.
var sourceFactors = map[model.SourceChannel]float64{
	model.SourceOfficialRegistry: 30,
	model.SourceCarrierFeed:      28,
	model.SourceProviderPortal:   24,
	model.SourcePhoneCall:        22,
	model.SourceCrowdsource:      15,
	model.SourceAutomated:        15,
}

// Input holds everything the formula needs. Now is injectable for testing;
// the zero value means time.Now().
type Input struct {
	Source            model.SourceChannel
	LastVerifiedAt    *time.Time
	VerificationCount int
	VotesUp           int
	VotesDown         int
	Specialty         string
	Taxonomy          string
	Now               time.Time
}

// Factors breaks the composite score into its additive parts.
type Factors struct {
	Source       float64 `json:"source"`
	Recency      float64 `json:"recency"`
	Verification float64 `json:"verification"`
	Agreement    float64 `json:"agreement"`
}

// Result is the scored outcome plus decay metadata.
type Result struct {
	Score               int     `json:"score"`
	Level               Level   `json:"level"`
	Factors             Factors `json:"factors"`
	ThresholdDays       int     `json:"threshold_days"`
	DaysUntilStale      int     `json:"days_until_stale"`
	Stale               bool    `json:"stale"`
	ReverifyRecommended bool    `json:"reverify_recommended"`
	Explanation         string  `json:"explanation"`
}

// Score computes the composite confidence score. Pure: no I/O, no global
// state beyond the factor tables.
func Score(in Input) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	category := Classify(in.Specialty, in.Taxonomy)
	threshold := FreshnessThresholdDays(category)

	srcF := sourceFactor(in.Source)
	recF, daysSince := recencyFactor(in.LastVerifiedAt, now, threshold)
	verF := verificationFactor(in.VerificationCount)
	agrF := agreementFactor(in.VotesUp, in.VotesDown)

	total := srcF + recF + verF + agrF
	score := int(math.Round(math.Min(100, math.Max(0, total))))

	level := levelFor(score)
	// A high score built on too few reports must not present as
	// trustworthy as one built on enough of them.
	if in.VerificationCount > 0 && in.VerificationCount < MinVerifications {
		if level == LevelHigh || level == LevelVeryHigh {
			level = LevelMedium
		}
	}

	res := Result{
		Score: score,
		Level: level,
		Factors: Factors{
			Source:       srcF,
			Recency:      recF,
			Verification: verF,
			Agreement:    agrF,
		},
		ThresholdDays: threshold,
	}

	if in.LastVerifiedAt == nil {
		// Never verified: not past a threshold it never reached, but
		// always worth verifying.
		res.ReverifyRecommended = true
	} else {
		res.DaysUntilStale = int(math.Max(0, float64(threshold)-daysSince))
		res.Stale = daysSince > float64(threshold)
		res.ReverifyRecommended = res.Stale || daysSince >= 0.8*float64(threshold)
	}

	res.Explanation = explain(in, res)
	return res
}

func sourceFactor(src model.SourceChannel) float64 {
	if f, ok := sourceFactors[src]; ok {
		return math.Min(f, maxSourceFactor)
	}
	return 10
}

// recencyFactor gives full credit below the specialty threshold, decays
// linearly to zero at twice the threshold, and returns the age in days.
func recencyFactor(lastVerified *time.Time, now time.Time, thresholdDays int) (float64, float64) {
	if lastVerified == nil {
		return 0, 0
	}
	days := now.Sub(*lastVerified).Hours() / 24
	if days < 0 {
		days = 0
	}
	t := float64(thresholdDays)
	switch {
	case days <= t:
		return maxRecencyFactor, days
	case days <= 2*t:
		return maxRecencyFactor * (2*t - days) / t, days
	default:
		return 0, days
	}
}

// verificationFactor rewards reaching the consensus minimum heavily, with
// small diminishing credit beyond it.
func verificationFactor(count int) float64 {
	switch {
	case count <= 0:
		return 0
	case count == 1:
		return 9
	case count == 2:
		return 14
	default:
		extra := float64(count-MinVerifications) * 0.5
		return math.Min(22+extra, maxVerificationFactor)
	}
}

// agreementFactor scores the majority ratio among votes, scaled down when
// total volume is small.
func agreementFactor(up, down int) float64 {
	total := up + down
	if total <= 0 {
		return 0
	}
	majority := math.Max(float64(up), float64(down))
	ratio := majority / float64(total)
	engagement := math.Min(1, float64(total)/engagementDivisor)
	return maxAgreementFactor * ratio * engagement
}

func levelFor(score int) Level {
	switch {
	case score >= 91:
		return LevelVeryHigh
	case score >= 76:
		return LevelHigh
	case score >= 51:
		return LevelMedium
	case score >= 26:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// explain builds a short human-readable summary of which bands were hit.
func explain(in Input, res Result) string {
	var parts []string

	switch {
	case res.Factors.Source >= 25:
		parts = append(parts, "authoritative source")
	case res.Factors.Source >= 20:
		parts = append(parts, "verified source")
	default:
		parts = append(parts, "crowd-sourced data")
	}

	switch {
	case in.LastVerifiedAt == nil:
		parts = append(parts, "never verified")
	case res.Stale:
		parts = append(parts, "verification is stale")
	case res.Factors.Recency >= maxRecencyFactor:
		parts = append(parts, "recently verified")
	default:
		parts = append(parts, "verification is aging")
	}

	switch {
	case in.VerificationCount >= MinVerifications:
		parts = append(parts, "backed by consensus")
	case in.VerificationCount > 0:
		parts = append(parts, "below consensus minimum")
	default:
		parts = append(parts, "no verifications yet")
	}

	if total := in.VotesUp + in.VotesDown; total > 0 {
		if res.Factors.Agreement >= 0.7*maxAgreementFactor {
			parts = append(parts, "strong community agreement")
		} else {
			parts = append(parts, "mixed community signals")
		}
	}

	return strings.Join(parts, "; ")
}

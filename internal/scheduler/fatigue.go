package scheduler

import (
	"math"
	"time"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
)

// Risk classifies a fatigue score.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// FatigueScore is the advisory duty-risk of a crew member at a point in time.
type FatigueScore struct {
	Score float64
	Risk  Risk
}

// dutyHistory is the work record the scorer reads.
type dutyHistory interface {
	hoursBetween(id string, from, to time.Time) float64
	distanceBetween(id string, from, to time.Time) float64
	lastEndBefore(id string, at time.Time) (time.Time, bool)
}

// FatigueScorer weighs trailing 24h hours, trailing 24h distance and elapsed rest.
type FatigueScorer struct {
	model    FatigueModel
	maxHours float64
	takenAt  time.Time
}

// NewFatigueScorer builds a scorer. takenAt anchors restHoursSinceLastDuty for crew
// without recorded duty.
func NewFatigueScorer(model FatigueModel, maxDriverHours float64, takenAt time.Time) *FatigueScorer {
	return &FatigueScorer{model: model, maxHours: maxDriverHours, takenAt: takenAt}
}

// Score computes the member's score as of asOf from history.
//
// Rest is measured from the latest duty in history. Without one it falls back to
// RestHoursSinceLastDuty at the snapshot time, where a zero counts as just off duty
// for members that are on duty or carry a duty log. A member with neither is treated
// as fully rested.
func (s *FatigueScorer) Score(member models.CrewMember, history dutyHistory, asOf time.Time) FatigueScore {
	from := asOf.Add(-rollingWindow)
	hours := history.hoursBetween(member.ID, from, asOf)
	km := history.distanceBetween(member.ID, from, asOf)

	rest := math.Inf(1)
	if last, ok := history.lastEndBefore(member.ID, asOf); ok {
		rest = asOf.Sub(last).Hours()
	} else if member.RestHoursSinceLastDuty > 0 || hasWorked(member) {
		rest = math.Max(0, member.RestHoursSinceLastDuty+asOf.Sub(s.takenAt).Hours())
	}

	score := 100 * (s.model.HoursWeight*ratio(hours, s.maxHours) +
		s.model.DistanceWeight*ratio(km, s.model.DistanceNormKm) +
		s.model.RecoveryWeight*(1-ratio(rest, s.model.FullRecoveryHours)))
	score = math.Round(math.Max(0, math.Min(100, score))*100) / 100
	return FatigueScore{Score: score, Risk: s.Classify(score)}
}

func hasWorked(m models.CrewMember) bool {
	return m.Status == models.CrewStatusOnDuty || len(m.DutyLog) > 0
}

// Classify maps a score to a risk band using the configured thresholds.
func (s *FatigueScorer) Classify(score float64) Risk {
	switch {
	case score >= s.model.HighThreshold:
		return RiskHigh
	case score >= s.model.MediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ratio is v/norm clamped to [0, 1]; a non-positive norm saturates.
func ratio(v, norm float64) float64 {
	if norm <= 0 {
		if v > 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, math.Min(1, v/norm))
}

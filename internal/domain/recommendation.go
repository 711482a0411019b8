package domain

import "time"

// RecommendationStatus is the lifecycle state of a proposal. Transitions are
// monotonic: PENDING -> {APPROVED, REJECTED, EXPIRED}, APPROVED -> {EXECUTED,
// FAILED}. Everything else is illegal.
type RecommendationStatus string

const (
	StatusPending  RecommendationStatus = "PENDING"
	StatusApproved RecommendationStatus = "APPROVED"
	StatusRejected RecommendationStatus = "REJECTED"
	StatusExecuted RecommendationStatus = "EXECUTED"
	StatusFailed   RecommendationStatus = "FAILED"
	StatusExpired  RecommendationStatus = "EXPIRED"
)

// legalTransitions is the full transition matrix.
var legalTransitions = map[RecommendationStatus][]RecommendationStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to RecommendationStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Recommendation is a typed, ranked suggested change awaiting approval.
// Constructed only by the recommendation engine; mutated only through legal
// transitions in the approval store.
type Recommendation struct {
	ID           string               `json:"recommendation_id"`
	RuleID       string               `json:"rule_id"`
	Entity       EntityRef            `json:"entity"`
	Action       Action               `json:"-"`
	ActionKind   ActionKind           `json:"action_kind"`
	Lever        Lever                `json:"lever"`
	OldValue     int64                `json:"old_value"`
	NewValue     int64                `json:"new_value"`
	ChangePct    float64              `json:"change_pct"`
	RiskTier     RiskTier             `json:"risk_tier"`
	Confidence   float64              `json:"confidence"`
	Evidence     map[string]float64   `json:"evidence"`
	Reasoning    string               `json:"reasoning"`
	Status       RecommendationStatus `json:"status"`
	SnapshotDate string               `json:"snapshot_date"`
	ApprovedBy   string               `json:"approved_by,omitempty"`
	FailReason   string               `json:"fail_reason,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	DecidedAt    *time.Time           `json:"decided_at,omitempty"`
	ExecutedAt   *time.Time           `json:"executed_at,omitempty"`
}

// ChangePct computes (new-old)/old. Undefined (0) when old is zero; callers
// gate on old != 0 before relying on it.
func ChangePct(oldValue, newValue int64) float64 {
	if oldValue == 0 {
		return 0
	}
	return float64(newValue-oldValue) / float64(oldValue)
}

package domain

import "time"

// RollbackStatus tracks a change record through the monitoring lifecycle.
// Rollback records themselves carry an empty status and are never monitored.
type RollbackStatus string

const (
	RollbackNone          RollbackStatus = ""
	RollbackMonitoring    RollbackStatus = "monitoring"
	RollbackRolledBack    RollbackStatus = "rolled_back"
	RollbackConfirmedGood RollbackStatus = "confirmed_good"
)

// ChangeRecord is one row of the append-only change ledger. A rollback is a
// new record whose RollbackID points at the original.
type ChangeRecord struct {
	ChangeID   int64      `json:"change_id"`
	Entity     EntityRef  `json:"entity"`
	ActionType ActionKind `json:"action_type"`
	Lever      Lever      `json:"lever"`
	OldValue   int64      `json:"old_value"`
	NewValue   int64      `json:"new_value"`
	ChangePct  float64    `json:"change_pct"`
	RuleID     string     `json:"rule_id"`
	RiskTier   RiskTier   `json:"risk_tier"`

	// Metadata is the structured bag serialized to JSON at the storage
	// boundary: confidence, evidence, reasoning, old/new action values.
	Metadata ChangeMetadata `json:"metadata"`

	ChangeDate time.Time `json:"change_date"`
	ExecutedAt time.Time `json:"executed_at"`
	ApprovedBy string    `json:"approved_by"`

	RollbackStatus        RollbackStatus `json:"rollback_status,omitempty"`
	RollbackID            int64          `json:"rollback_id,omitempty"`
	MonitoringStartedAt   *time.Time     `json:"monitoring_started_at,omitempty"`
	MonitoringCompletedAt *time.Time     `json:"monitoring_completed_at,omitempty"`
	RollbackReason        string         `json:"rollback_reason,omitempty"`
}

// ChangeMetadata is the structured metadata persisted alongside every change.
type ChangeMetadata struct {
	RecommendationID string             `json:"recommendation_id,omitempty"`
	Confidence       float64            `json:"confidence"`
	Evidence         map[string]float64 `json:"evidence,omitempty"`
	Reasoning        string             `json:"reasoning,omitempty"`
	OldValues        map[string]int64   `json:"old_values,omitempty"`
	NewValues        map[string]int64   `json:"new_values,omitempty"`
}

// ReconstructAction rebuilds the typed action from a ledger row's
// (action_type, old_value, new_value) columns. Sufficient for computing
// inverse mutations; text payloads (negative keywords) do not need inverting.
func ReconstructAction(kind ActionKind, oldValue, newValue int64) Action {
	switch kind {
	case ActionAdjustBid:
		return Action{Kind: kind, AdjustBid: &AdjustBid{OldBidMicros: oldValue, NewBidMicros: newValue}}
	case ActionAdjustBudget:
		return Action{Kind: kind, AdjustBudget: &AdjustBudget{OldBudgetMicros: oldValue, NewBudgetMicros: newValue}}
	default:
		return Action{Kind: ActionSetStatus, SetStatus: &SetStatus{
			OldStatus: statusName(oldValue),
			NewStatus: statusName(newValue),
		}}
	}
}

func statusName(v int64) string {
	if v == 1 {
		return StatusEnabled
	}
	return StatusPaused
}

package domain

import "fmt"

// ActionKind tags the closed set of change proposals the engine can emit.
type ActionKind string

const (
	ActionAdjustBid      ActionKind = "ADJUST_BID"
	ActionAdjustBudget   ActionKind = "ADJUST_BUDGET"
	ActionSetStatus      ActionKind = "SET_STATUS"
	ActionAddNegative    ActionKind = "ADD_NEGATIVE"
	ActionExcludeProduct ActionKind = "EXCLUDE_PRODUCT"
)

// Lever returns the lever an action kind moves. AddNegative and
// ExcludeProduct are status-lever changes on their target entity.
func (k ActionKind) Lever() Lever {
	switch k {
	case ActionAdjustBid:
		return LeverBid
	case ActionAdjustBudget:
		return LeverBudget
	case ActionSetStatus, ActionAddNegative, ActionExcludeProduct:
		return LeverStatus
	}
	return ""
}

// Valid reports whether k is a member of the action whitelist.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionAdjustBid, ActionAdjustBudget, ActionSetStatus, ActionAddNegative, ActionExcludeProduct:
		return true
	}
	return false
}

// Action is the typed change carried by a proposal. Exactly one variant field
// is set, selected by Kind. Serialization into the ledger metadata bag is a
// single boundary conversion (see ledger.Repository.Append).
type Action struct {
	Kind ActionKind

	AdjustBid      *AdjustBid
	AdjustBudget   *AdjustBudget
	SetStatus      *SetStatus
	AddNegative    *AddNegative
	ExcludeProduct *ExcludeProduct
}

// AdjustBid changes a keyword or ad group bid.
type AdjustBid struct {
	OldBidMicros int64 `json:"old_bid_micros"`
	NewBidMicros int64 `json:"new_bid_micros"`
}

// AdjustBudget changes a campaign daily budget.
type AdjustBudget struct {
	OldBudgetMicros int64 `json:"old_budget_micros"`
	NewBudgetMicros int64 `json:"new_budget_micros"`
}

// SetStatus enables or pauses an entity.
type SetStatus struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// AddNegative adds a negative keyword to an ad group.
type AddNegative struct {
	AdGroupID   int64     `json:"ad_group_id"`
	KeywordText string    `json:"keyword_text"`
	MatchType   MatchType `json:"match_type"`
}

// ExcludeProduct excludes a product from serving.
type ExcludeProduct struct {
	ProductID int64 `json:"product_id"`
}

// Values returns the (old, new) pair for the action's lever, using the
// numeric status encoding for status-lever actions.
func (a Action) Values() (oldValue, newValue int64) {
	switch a.Kind {
	case ActionAdjustBid:
		return a.AdjustBid.OldBidMicros, a.AdjustBid.NewBidMicros
	case ActionAdjustBudget:
		return a.AdjustBudget.OldBudgetMicros, a.AdjustBudget.NewBudgetMicros
	case ActionSetStatus:
		return statusValue(a.SetStatus.OldStatus), statusValue(a.SetStatus.NewStatus)
	case ActionAddNegative, ActionExcludeProduct:
		// Exclusions move the target from serving to excluded.
		return 1, 0
	}
	return 0, 0
}

// Inverse constructs the action that restores the pre-change state. Used by
// the rollback monitor. AddNegative and ExcludeProduct invert to re-enabling
// the target via SetStatus on the platform side.
func (a Action) Inverse() (Action, error) {
	switch a.Kind {
	case ActionAdjustBid:
		return Action{Kind: ActionAdjustBid, AdjustBid: &AdjustBid{
			OldBidMicros: a.AdjustBid.NewBidMicros,
			NewBidMicros: a.AdjustBid.OldBidMicros,
		}}, nil
	case ActionAdjustBudget:
		return Action{Kind: ActionAdjustBudget, AdjustBudget: &AdjustBudget{
			OldBudgetMicros: a.AdjustBudget.NewBudgetMicros,
			NewBudgetMicros: a.AdjustBudget.OldBudgetMicros,
		}}, nil
	case ActionSetStatus:
		return Action{Kind: ActionSetStatus, SetStatus: &SetStatus{
			OldStatus: a.SetStatus.NewStatus,
			NewStatus: a.SetStatus.OldStatus,
		}}, nil
	case ActionAddNegative, ActionExcludeProduct:
		return Action{Kind: ActionSetStatus, SetStatus: &SetStatus{
			OldStatus: StatusPaused,
			NewStatus: StatusEnabled,
		}}, nil
	}
	return Action{}, fmt.Errorf("no inverse for action kind %q", a.Kind)
}

// RehydrateAction rebuilds the full typed action for a stored proposal from
// its row columns plus the entity identity. Negatives are always added as
// exact match of the triggering keyword's text.
func RehydrateAction(kind ActionKind, entity EntityRef, oldValue, newValue int64) Action {
	switch kind {
	case ActionAddNegative:
		return Action{Kind: kind, AddNegative: &AddNegative{
			AdGroupID:   entity.AdGroupID,
			KeywordText: entity.KeywordText,
			MatchType:   MatchExact,
		}}
	case ActionExcludeProduct:
		return Action{Kind: kind, ExcludeProduct: &ExcludeProduct{ProductID: entity.EntityID}}
	default:
		return ReconstructAction(kind, oldValue, newValue)
	}
}

func statusValue(status string) int64 {
	if status == StatusEnabled {
		return 1
	}
	return 0
}

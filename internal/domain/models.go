// Package domain contains the canonical types shared across the AdPilot core:
// managed entities, per-day metrics, windowed aggregates, rules, recommendations
// and ledger records. The domain layer is pure - no infrastructure dependencies.
package domain

import (
	"fmt"
	"time"
)

// EntityKind identifies the kind of managed object on the ads platform.
type EntityKind string

const (
	KindCampaign EntityKind = "CAMPAIGN"
	KindAdGroup  EntityKind = "AD_GROUP"
	KindKeyword  EntityKind = "KEYWORD"
	KindAd       EntityKind = "AD"
	KindProduct  EntityKind = "PRODUCT"
)

// EntityKinds lists all kinds in a stable order (used when a generation run
// has no explicit kind filter).
var EntityKinds = []EntityKind{KindCampaign, KindAdGroup, KindKeyword, KindAd, KindProduct}

// MatchType is the keyword match type. Empty for non-keyword entities.
type MatchType string

const (
	MatchExact  MatchType = "EXACT"
	MatchPhrase MatchType = "PHRASE"
	MatchBroad  MatchType = "BROAD"
)

// Lever is the dimension of change on an entity: bid, budget, or status.
type Lever string

const (
	LeverBid    Lever = "bid"
	LeverBudget Lever = "budget"
	LeverStatus Lever = "status"
)

// RiskTier classifies a rule's blast radius. It gates approver requirements
// and confidence floors.
type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MEDIUM"
	RiskHigh   RiskTier = "HIGH"
)

// rank returns the ordering used for tie-breaks (LOW preferred).
func (r RiskTier) rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

// LessRisky reports whether r is strictly preferred over other when breaking
// ranking ties (LOW < MEDIUM < HIGH).
func (r RiskTier) LessRisky(other RiskTier) bool {
	return r.rank() < other.rank()
}

// EntityRef identifies a managed entity: (customer_id, entity_kind, entity_id).
// Keywords additionally carry their ad group, match type and text.
type EntityRef struct {
	CustomerID  int64      `json:"customer_id"`
	Kind        EntityKind `json:"entity_kind"`
	EntityID    int64      `json:"entity_id"`
	AdGroupID   int64      `json:"ad_group_id,omitempty"`
	MatchType   MatchType  `json:"match_type,omitempty"`
	KeywordText string     `json:"keyword_text,omitempty"`
}

// String renders a compact identity for logs.
func (e EntityRef) String() string {
	return fmt.Sprintf("%d/%s/%d", e.CustomerID, e.Kind, e.EntityID)
}

// MetricRow is a per-entity per-day aggregate. Immutable once ingested.
type MetricRow struct {
	Entity           EntityRef
	Date             time.Time
	Impressions      int64
	Clicks           int64
	CostMicros       int64
	Conversions      float64
	ConversionsValue float64
}

// WindowedMetrics holds precomputed sums over a trailing window as of a
// snapshot date. Derived ratios are computed on demand and are zero when the
// denominator is zero.
type WindowedMetrics struct {
	WindowDays       int
	Impressions      int64
	Clicks           int64
	CostMicros       int64
	Conversions      float64
	ConversionsValue float64
}

// CTR returns clicks/impressions.
func (w WindowedMetrics) CTR() float64 {
	if w.Impressions == 0 {
		return 0
	}
	return float64(w.Clicks) / float64(w.Impressions)
}

// CPC returns average cost per click in micros.
func (w WindowedMetrics) CPC() float64 {
	if w.Clicks == 0 {
		return 0
	}
	return float64(w.CostMicros) / float64(w.Clicks)
}

// ROAS returns conversion value per unit of cost. Cost is micros, value is
// currency units, so cost is scaled before dividing.
func (w WindowedMetrics) ROAS() float64 {
	if w.CostMicros == 0 {
		return 0
	}
	return w.ConversionsValue / (float64(w.CostMicros) / 1e6)
}

// CPA returns cost per conversion in currency units.
func (w WindowedMetrics) CPA() float64 {
	if w.Conversions == 0 {
		return 0
	}
	return (float64(w.CostMicros) / 1e6) / w.Conversions
}

// EntityWithMetrics pairs an entity with its current lever values and
// windowed aggregates, as served by the warehouse reader.
type EntityWithMetrics struct {
	Entity EntityRef

	// Current platform state. BidMicros applies to keywords/ad groups,
	// BudgetMicros to campaigns, Status to everything.
	BidMicros    int64
	BudgetMicros int64
	Status       string

	Window7  WindowedMetrics
	Window30 WindowedMetrics
}

// CurrentValue returns the entity's current value for a lever. Status is
// represented numerically at the ledger boundary: 1 enabled, 0 paused.
func (e EntityWithMetrics) CurrentValue(lever Lever) int64 {
	switch lever {
	case LeverBid:
		return e.BidMicros
	case LeverBudget:
		return e.BudgetMicros
	case LeverStatus:
		if e.Status == StatusEnabled {
			return 1
		}
		return 0
	}
	return 0
}

// Entity status values as used by the platform.
const (
	StatusEnabled = "ENABLED"
	StatusPaused  = "PAUSED"
)

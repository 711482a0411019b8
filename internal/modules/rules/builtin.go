package rules

import (
	"fmt"
	"math"

	"github.com/adpilot/adpilot/internal/domain"
)

// Targets holds the account-level performance targets the built-in rules
// evaluate against.
type Targets struct {
	CPA  float64 // target cost per conversion, currency units
	ROAS float64 // target return on ad spend
}

// DefaultTargets are used when the caller provides none.
var DefaultTargets = Targets{CPA: 25.0, ROAS: 4.0}

// Builtin returns the standard rule set in its contractual order. The order
// is stable: it breaks ranking ties during deduplication, so new rules are
// appended, never inserted.
func Builtin(t Targets) []Rule {
	if t.CPA <= 0 {
		t.CPA = DefaultTargets.CPA
	}
	if t.ROAS <= 0 {
		t.ROAS = DefaultTargets.ROAS
	}

	return []Rule{
		kwBidUpLowCPA(t),
		kwBidDownHighCPA(t),
		kwPauseBleeder(t),
		kwNegativeFromBroad(t),
		campaignBudgetUpROAS(t),
		campaignBudgetDownROAS(t),
		adPauseLowCTR(t),
		productExcludeUnprofitable(t),
	}
}

// dataConfidence scales with click volume: 0 at the gate, saturating at ~200
// clicks. Deterministic by construction.
func dataConfidence(clicks int64, floor float64) float64 {
	c := floor + (1-floor)*math.Min(1, float64(clicks)/200)
	return math.Min(1, c)
}

// kwBidUpLowCPA raises bids on keywords converting well under the CPA
// target.
func kwBidUpLowCPA(t Targets) Rule {
	const upPct = 0.15
	return Rule{
		ID:           "KW_BID_UP_LOW_CPA",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionAdjustBid,
		RiskTier:     domain.RiskLow,
		CooldownDays: 7,
		MaxChangePct: 0.20,
		MinClicks:    30,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window30
			return e.Status == domain.StatusEnabled &&
				e.BidMicros > 0 &&
				w.Conversions >= 3 &&
				w.CPA() > 0 && w.CPA() < 0.7*t.CPA
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			newBid := int64(float64(e.BidMicros) * (1 + upPct))
			if newBid == e.BidMicros {
				return domain.Action{}, false
			}
			return domain.Action{Kind: domain.ActionAdjustBid, AdjustBid: &domain.AdjustBid{
				OldBidMicros: e.BidMicros,
				NewBidMicros: newBid,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			// More headroom below target and more clicks both raise confidence.
			headroom := 1 - e.Window30.CPA()/(0.7*t.CPA)
			return math.Min(1, dataConfidence(e.Window30.Clicks, 0.4)*(0.8+0.4*headroom))
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"cpa_30d":         e.Window30.CPA(),
				"target_cpa":      t.CPA,
				"clicks_30d":      float64(e.Window30.Clicks),
				"conversions_30d": e.Window30.Conversions,
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("30d CPA %.2f is well under target %.2f with %.1f conversions; raising bid %.0f%%",
				e.Window30.CPA(), t.CPA, e.Window30.Conversions, upPct*100)
		},
	}
}

// kwBidDownHighCPA lowers bids on keywords converting far over target.
func kwBidDownHighCPA(t Targets) Rule {
	const downPct = 0.15
	return Rule{
		ID:           "KW_BID_DOWN_HIGH_CPA",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionAdjustBid,
		RiskTier:     domain.RiskLow,
		CooldownDays: 7,
		MaxChangePct: 0.20,
		MinClicks:    30,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window30
			return e.Status == domain.StatusEnabled &&
				e.BidMicros > 0 &&
				w.Conversions >= 1 &&
				w.CPA() > 1.5*t.CPA
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			newBid := int64(float64(e.BidMicros) * (1 - downPct))
			if newBid <= 0 || newBid == e.BidMicros {
				return domain.Action{}, false
			}
			return domain.Action{Kind: domain.ActionAdjustBid, AdjustBid: &domain.AdjustBid{
				OldBidMicros: e.BidMicros,
				NewBidMicros: newBid,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			overrun := math.Min(1, e.Window30.CPA()/(1.5*t.CPA)-1)
			return math.Min(1, dataConfidence(e.Window30.Clicks, 0.4)*(0.8+0.4*overrun))
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"cpa_30d":    e.Window30.CPA(),
				"target_cpa": t.CPA,
				"clicks_30d": float64(e.Window30.Clicks),
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("30d CPA %.2f exceeds target %.2f by more than 50%%; lowering bid %.0f%%",
				e.Window30.CPA(), t.CPA, downPct*100)
		},
	}
}

// kwPauseBleeder pauses keywords that spend without converting at all.
func kwPauseBleeder(t Targets) Rule {
	return Rule{
		ID:           "KW_PAUSE_BLEEDER",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionSetStatus,
		RiskTier:     domain.RiskHigh,
		CooldownDays: 14,
		MaxChangePct: 1.0,
		MinClicks:    50,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window30
			costUnits := float64(w.CostMicros) / 1e6
			return e.Status == domain.StatusEnabled &&
				w.Conversions == 0 &&
				costUnits > 2*t.CPA
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			return domain.Action{Kind: domain.ActionSetStatus, SetStatus: &domain.SetStatus{
				OldStatus: e.Status,
				NewStatus: domain.StatusPaused,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			// Spend multiple of target CPA with zero conversions.
			spendRatio := (float64(e.Window30.CostMicros) / 1e6) / (2 * t.CPA)
			return math.Min(1, dataConfidence(e.Window30.Clicks, 0.5)*(0.7+0.3*math.Min(1, spendRatio-1)))
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"cost_30d":        float64(e.Window30.CostMicros) / 1e6,
				"clicks_30d":      float64(e.Window30.Clicks),
				"conversions_30d": 0,
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("%.2f spent over %d clicks in 30d with zero conversions; pausing keyword",
				float64(e.Window30.CostMicros)/1e6, e.Window30.Clicks)
		},
	}
}

// kwNegativeFromBroad adds an exact negative for broad-match keywords that
// accumulate clicks without a single conversion.
func kwNegativeFromBroad(t Targets) Rule {
	return Rule{
		ID:           "KW_ADD_NEGATIVE_ZERO_CONV",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionAddNegative,
		RiskTier:     domain.RiskMedium,
		CooldownDays: 30,
		MaxChangePct: 1.0,
		MinClicks:    30,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window30
			return e.Status == domain.StatusEnabled &&
				e.Entity.MatchType == domain.MatchBroad &&
				e.Entity.KeywordText != "" &&
				w.Conversions == 0 &&
				float64(w.CostMicros)/1e6 > t.CPA
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			return domain.Action{Kind: domain.ActionAddNegative, AddNegative: &domain.AddNegative{
				AdGroupID:   e.Entity.AdGroupID,
				KeywordText: e.Entity.KeywordText,
				MatchType:   domain.MatchExact,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			return dataConfidence(e.Window30.Clicks, 0.5) * 0.9
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"cost_30d":   float64(e.Window30.CostMicros) / 1e6,
				"clicks_30d": float64(e.Window30.Clicks),
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("broad match %q: %d clicks, zero conversions in 30d; adding exact negative",
				e.Entity.KeywordText, e.Window30.Clicks)
		},
	}
}

// campaignBudgetUpROAS raises budgets on campaigns beating the ROAS target
// while spending most of their budget.
func campaignBudgetUpROAS(t Targets) Rule {
	const upPct = 0.20
	return Rule{
		ID:           "CAMPAIGN_BUDGET_UP_ROAS",
		EntityKind:   domain.KindCampaign,
		ActionKind:   domain.ActionAdjustBudget,
		RiskTier:     domain.RiskMedium,
		CooldownDays: 7,
		MaxChangePct: 0.25,
		MinClicks:    100,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window7
			if e.Status != domain.StatusEnabled || e.BudgetMicros <= 0 {
				return false
			}
			// Spend proxy for budget-limited: 7d cost within 10% of 7x budget.
			spendRatio := float64(w.CostMicros) / (7 * float64(e.BudgetMicros))
			return e.Window30.ROAS() > 1.3*t.ROAS && spendRatio > 0.9
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			newBudget := int64(float64(e.BudgetMicros) * (1 + upPct))
			if newBudget == e.BudgetMicros {
				return domain.Action{}, false
			}
			return domain.Action{Kind: domain.ActionAdjustBudget, AdjustBudget: &domain.AdjustBudget{
				OldBudgetMicros: e.BudgetMicros,
				NewBudgetMicros: newBudget,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			excess := math.Min(1, e.Window30.ROAS()/(1.3*t.ROAS)-1)
			return math.Min(1, dataConfidence(e.Window30.Clicks, 0.5)*(0.8+0.3*excess))
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"roas_30d":     e.Window30.ROAS(),
				"target_roas":  t.ROAS,
				"cost_7d":      float64(e.Window7.CostMicros) / 1e6,
				"budget_daily": float64(e.BudgetMicros) / 1e6,
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("30d ROAS %.2f beats target %.2f and campaign is budget-limited; raising budget %.0f%%",
				e.Window30.ROAS(), t.ROAS, upPct*100)
		},
	}
}

// campaignBudgetDownROAS cuts budgets on campaigns far under the ROAS target.
func campaignBudgetDownROAS(t Targets) Rule {
	const downPct = 0.20
	return Rule{
		ID:           "CAMPAIGN_BUDGET_DOWN_ROAS",
		EntityKind:   domain.KindCampaign,
		ActionKind:   domain.ActionAdjustBudget,
		RiskTier:     domain.RiskMedium,
		CooldownDays: 7,
		MaxChangePct: 0.25,
		MinClicks:    100,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window30
			return e.Status == domain.StatusEnabled &&
				e.BudgetMicros > 0 &&
				w.CostMicros > 0 &&
				w.ROAS() < 0.5*t.ROAS
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			newBudget := int64(float64(e.BudgetMicros) * (1 - downPct))
			if newBudget <= 0 || newBudget == e.BudgetMicros {
				return domain.Action{}, false
			}
			return domain.Action{Kind: domain.ActionAdjustBudget, AdjustBudget: &domain.AdjustBudget{
				OldBudgetMicros: e.BudgetMicros,
				NewBudgetMicros: newBudget,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			shortfall := 1 - e.Window30.ROAS()/(0.5*t.ROAS)
			return math.Min(1, dataConfidence(e.Window30.Clicks, 0.5)*(0.7+0.4*shortfall))
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"roas_30d":    e.Window30.ROAS(),
				"target_roas": t.ROAS,
				"cost_30d":    float64(e.Window30.CostMicros) / 1e6,
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("30d ROAS %.2f is under half of target %.2f; cutting budget %.0f%%",
				e.Window30.ROAS(), t.ROAS, downPct*100)
		},
	}
}

// adPauseLowCTR pauses ads whose CTR collapsed versus a serviceable floor.
func adPauseLowCTR(t Targets) Rule {
	const ctrFloor = 0.01
	return Rule{
		ID:             "AD_PAUSE_LOW_CTR",
		EntityKind:     domain.KindAd,
		ActionKind:     domain.ActionSetStatus,
		RiskTier:       domain.RiskMedium,
		CooldownDays:   14,
		MaxChangePct:   1.0,
		MinImpressions: 5000,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window30
			return e.Status == domain.StatusEnabled &&
				w.CTR() < ctrFloor/3 &&
				w.Conversions == 0
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			return domain.Action{Kind: domain.ActionSetStatus, SetStatus: &domain.SetStatus{
				OldStatus: e.Status,
				NewStatus: domain.StatusPaused,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			vol := math.Min(1, float64(e.Window30.Impressions)/20000)
			return math.Min(1, 0.5+0.5*vol)
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"ctr_30d":         e.Window30.CTR(),
				"impressions_30d": float64(e.Window30.Impressions),
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("30d CTR %.4f over %d impressions with no conversions; pausing ad",
				e.Window30.CTR(), e.Window30.Impressions)
		},
	}
}

// productExcludeUnprofitable excludes products burning spend at a fraction
// of the ROAS target.
func productExcludeUnprofitable(t Targets) Rule {
	return Rule{
		ID:           "PRODUCT_EXCLUDE_UNPROFITABLE",
		EntityKind:   domain.KindProduct,
		ActionKind:   domain.ActionExcludeProduct,
		RiskTier:     domain.RiskHigh,
		CooldownDays: 30,
		MaxChangePct: 1.0,
		MinClicks:    40,
		Eligible: func(e domain.EntityWithMetrics) bool {
			w := e.Window30
			return e.Status == domain.StatusEnabled &&
				w.CostMicros > 0 &&
				w.ROAS() < 0.3*t.ROAS
		},
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			return domain.Action{Kind: domain.ActionExcludeProduct, ExcludeProduct: &domain.ExcludeProduct{
				ProductID: e.Entity.EntityID,
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 {
			return dataConfidence(e.Window30.Clicks, 0.5) * 0.95
		},
		Evidence: func(e domain.EntityWithMetrics) map[string]float64 {
			return map[string]float64{
				"roas_30d":    e.Window30.ROAS(),
				"target_roas": t.ROAS,
				"cost_30d":    float64(e.Window30.CostMicros) / 1e6,
			}
		},
		Reason: func(e domain.EntityWithMetrics) string {
			return fmt.Sprintf("30d ROAS %.2f is under 30%% of target %.2f; excluding product",
				e.Window30.ROAS(), t.ROAS)
		},
	}
}

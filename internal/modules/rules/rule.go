// Package rules holds the declarative optimization rules and their registry.
// Rules are loaded once at process start; the registry order is stable and
// part of the contract - it determines tie-breaks when multiple rules fire on
// the same entity.
package rules

import (
	"fmt"

	"github.com/adpilot/adpilot/internal/domain"
)

// Rule is a declarative optimization rule. All fields are required except
// Regression, which overrides the configured default predicate when set.
type Rule struct {
	ID         string
	EntityKind domain.EntityKind
	ActionKind domain.ActionKind
	RiskTier   domain.RiskTier

	// CooldownDays is the minimum interval between two changes on the same
	// entity-lever pair (24h rolling from executed_at).
	CooldownDays int

	// MaxChangePct caps |change_pct| for bid/budget deltas, e.g. 0.20.
	MaxChangePct float64

	// MinClicks / MinImpressions gate evaluation on data volume.
	MinClicks      int64
	MinImpressions int64

	// Eligible decides whether the rule fires for an entity.
	Eligible func(e domain.EntityWithMetrics) bool

	// Change computes the proposed action. Returning ok=false skips the
	// entity (e.g. the computed delta is a no-op).
	Change func(e domain.EntityWithMetrics) (domain.Action, bool)

	// Confidence maps evidence to [0,1]. Deterministic.
	Confidence func(e domain.EntityWithMetrics) float64

	// Evidence names the metrics that caused the match, for the proposal's
	// evidence bag and the ledger metadata.
	Evidence func(e domain.EntityWithMetrics) map[string]float64

	// Reason renders the human-readable reasoning line.
	Reason func(e domain.EntityWithMetrics) string

	// Regression, when set, overrides the default regression predicate for
	// changes this rule produced. baseline and post are same-length windows.
	Regression func(baseline, post domain.WindowedMetrics) (bool, string)
}

// Validate checks rule coherence. Any failure aborts startup; partial
// registry loads are forbidden.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule has empty id")
	}
	if _, ok := map[domain.EntityKind]bool{
		domain.KindCampaign: true, domain.KindAdGroup: true, domain.KindKeyword: true,
		domain.KindAd: true, domain.KindProduct: true,
	}[r.EntityKind]; !ok {
		return fmt.Errorf("rule %s: unknown entity kind %q", r.ID, r.EntityKind)
	}
	if !r.ActionKind.Valid() {
		return fmt.Errorf("rule %s: unknown action kind %q", r.ID, r.ActionKind)
	}
	switch r.RiskTier {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
	default:
		return fmt.Errorf("rule %s: unknown risk tier %q", r.ID, r.RiskTier)
	}
	if r.CooldownDays < 0 {
		return fmt.Errorf("rule %s: cooldown_days must be >= 0, got %d", r.ID, r.CooldownDays)
	}
	if r.MaxChangePct < 0 || r.MaxChangePct > 1 {
		return fmt.Errorf("rule %s: max_change_pct must be in [0,1], got %g", r.ID, r.MaxChangePct)
	}
	if r.Eligible == nil || r.Change == nil || r.Confidence == nil {
		return fmt.Errorf("rule %s: eligibility, change spec and confidence are required", r.ID)
	}
	return nil
}

// Lever returns the lever this rule's action moves.
func (r Rule) Lever() domain.Lever {
	return r.ActionKind.Lever()
}

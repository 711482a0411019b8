// Package guardrails is the pre-flight safety layer in front of every
// platform mutation. Checks run in a fixed order and the first failure wins;
// a rejection is a value, not an error, so one bad proposal never aborts the
// rest of a batch.
package guardrails

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/config"
	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/rules"
)

// LedgerView answers recency questions about executed changes. During batch
// execution the engine wraps the ledger with an overlay of changes already
// accepted in the same batch, so in-batch conflicts are caught too.
type LedgerView interface {
	LatestForLever(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error)
	LatestForOtherLevers(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error)
}

// ValueReader re-reads an entity's live value for a lever, bypassing any
// cache. Used for staleness detection.
type ValueReader interface {
	CurrentValue(ref domain.EntityRef, lever domain.Lever) (int64, error)
}

// Checker runs the per-proposal check chain.
type Checker struct {
	registry *rules.Registry
	values   ValueReader
	cfg      config.GuardrailsConfig
	log      zerolog.Logger
}

// NewChecker creates the guardrail checker.
func NewChecker(registry *rules.Registry, values ValueReader, cfg config.GuardrailsConfig, log zerolog.Logger) *Checker {
	return &Checker{
		registry: registry,
		values:   values,
		cfg:      cfg,
		log:      log.With().Str("component", "guardrails").Logger(),
	}
}

// Check runs the chain against one approved proposal. A nil rejection means
// the proposal may execute. The error return is reserved for infrastructure
// failures (ledger or warehouse unavailable); those abort the caller instead
// of rejecting the proposal.
func (c *Checker) Check(rec domain.Recommendation, view LedgerView, now time.Time) (*domain.Rejection, error) {
	if rej := c.checkValidation(rec); rej != nil {
		return c.logged(rec, rej), nil
	}
	if rej, err := c.checkStaleness(rec); err != nil {
		return nil, err
	} else if rej != nil {
		return c.logged(rec, rej), nil
	}
	if rej, err := c.checkCooldown(rec, view, now); err != nil {
		return nil, err
	} else if rej != nil {
		return c.logged(rec, rej), nil
	}
	if rej, err := c.checkLeverConflict(rec, view, now); err != nil {
		return nil, err
	} else if rej != nil {
		return c.logged(rec, rej), nil
	}
	if rej := c.checkMaxChange(rec); rej != nil {
		return c.logged(rec, rej), nil
	}
	if rej := c.checkRiskGate(rec); rej != nil {
		return c.logged(rec, rej), nil
	}
	return nil, nil
}

func (c *Checker) logged(rec domain.Recommendation, rej *domain.Rejection) *domain.Rejection {
	c.log.Warn().
		Str("recommendation_id", rec.ID).
		Str("entity", rec.Entity.String()).
		Str("code", string(rej.Code)).
		Str("reason", rej.Message).
		Msg("Proposal rejected by guardrails")
	return rej
}

// checkValidation is structural: the action must be a whitelisted kind with a
// coherent payload and a known rule behind it.
func (c *Checker) checkValidation(rec domain.Recommendation) *domain.Rejection {
	if !rec.ActionKind.Valid() {
		return &domain.Rejection{Code: domain.RejectValidation, Message: fmt.Sprintf("unknown action kind %q", rec.ActionKind)}
	}
	if rec.ActionKind.Lever() != rec.Lever {
		return &domain.Rejection{Code: domain.RejectValidation, Message: fmt.Sprintf("lever %q does not match action kind %q", rec.Lever, rec.ActionKind)}
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return &domain.Rejection{Code: domain.RejectValidation, Message: fmt.Sprintf("confidence %g outside [0,1]", rec.Confidence)}
	}
	if _, ok := c.registry.Get(rec.RuleID); !ok {
		return &domain.Rejection{Code: domain.RejectValidation, Message: fmt.Sprintf("unknown rule %q", rec.RuleID)}
	}
	switch rec.ActionKind {
	case domain.ActionAdjustBid, domain.ActionAdjustBudget:
		if rec.NewValue <= 0 {
			return &domain.Rejection{Code: domain.RejectValidation, Message: fmt.Sprintf("new value %d must be positive", rec.NewValue)}
		}
		if rec.NewValue == rec.OldValue {
			return &domain.Rejection{Code: domain.RejectValidation, Message: "proposed change is a no-op"}
		}
	case domain.ActionAddNegative:
		if rec.Entity.KeywordText == "" || rec.Entity.AdGroupID == 0 {
			return &domain.Rejection{Code: domain.RejectValidation, Message: "negative keyword needs ad group and text"}
		}
	}
	return nil
}

// checkStaleness re-reads the live lever value. A proposal computed against
// state that has since moved is rejected rather than executed blind.
func (c *Checker) checkStaleness(rec domain.Recommendation) (*domain.Rejection, error) {
	// Additive actions have no prior value to compare.
	if rec.ActionKind == domain.ActionAddNegative {
		return nil, nil
	}

	current, err := c.values.CurrentValue(rec.Entity, rec.Lever)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.Rejection{
				Code:    domain.RejectStaleProposal,
				Message: fmt.Sprintf("entity %s no longer exists", rec.Entity),
			}, nil
		}
		return nil, err
	}

	if current != rec.OldValue {
		return &domain.Rejection{
			Code:    domain.RejectStaleProposal,
			Message: fmt.Sprintf("live value %d differs from proposal baseline %d", current, rec.OldValue),
		}, nil
	}
	return nil, nil
}

// checkCooldown rejects a change landing inside the rule's cooldown window
// for the same entity-lever pair. The window rolls from the last change, in
// whole 24h days.
func (c *Checker) checkCooldown(rec domain.Recommendation, view LedgerView, now time.Time) (*domain.Rejection, error) {
	cooldown := c.cooldownFor(rec.RuleID)
	if cooldown == 0 {
		return nil, nil
	}

	latest, err := view.LatestForLever(rec.Entity.CustomerID, rec.Entity.EntityID, rec.Lever, now.Add(-cooldown))
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}

	until := latest.ChangeDate.Add(cooldown)
	return &domain.Rejection{
		Code:    domain.RejectInCooldown,
		Message: fmt.Sprintf("lever %s changed at %s by change %d", rec.Lever, latest.ChangeDate.Format(time.RFC3339), latest.ChangeID),
		Until:   until,
	}, nil
}

// checkLeverConflict enforces one lever per entity per cooldown window:
// moving a bid right after a status flip makes attribution of the outcome
// impossible.
func (c *Checker) checkLeverConflict(rec domain.Recommendation, view LedgerView, now time.Time) (*domain.Rejection, error) {
	cooldown := c.cooldownFor(rec.RuleID)
	if cooldown == 0 {
		return nil, nil
	}

	other, err := view.LatestForOtherLevers(rec.Entity.CustomerID, rec.Entity.EntityID, rec.Lever, now.Add(-cooldown))
	if err != nil {
		return nil, err
	}
	if other == nil {
		return nil, nil
	}

	return &domain.Rejection{
		Code:    domain.RejectConflictingLever,
		Message: fmt.Sprintf("lever %s changed at %s by change %d", other.Lever, other.ChangeDate.Format(time.RFC3339), other.ChangeID),
	}, nil
}

// checkMaxChange caps relative delta magnitude per the proposing rule.
func (c *Checker) checkMaxChange(rec domain.Recommendation) *domain.Rejection {
	if rec.Lever == domain.LeverStatus {
		return nil
	}

	rule, ok := c.registry.Get(rec.RuleID)
	if !ok || rule.MaxChangePct <= 0 {
		return nil
	}

	pct := rec.ChangePct
	if pct < 0 {
		pct = -pct
	}
	if pct > rule.MaxChangePct {
		return &domain.Rejection{
			Code:    domain.RejectMaxChangePct,
			Message: fmt.Sprintf("|%.4f| exceeds rule cap %.4f", rec.ChangePct, rule.MaxChangePct),
		}
	}
	return nil
}

// checkRiskGate requires a recorded approver and a confidence floor for
// high-risk actions.
func (c *Checker) checkRiskGate(rec domain.Recommendation) *domain.Rejection {
	if rec.RiskTier != domain.RiskHigh {
		return nil
	}
	if rec.ApprovedBy == "" {
		return &domain.Rejection{
			Code:    domain.RejectRiskGate,
			Message: "high-risk change requires an approver",
		}
	}
	if rec.Confidence < c.cfg.HighRiskConfidenceFloor {
		return &domain.Rejection{
			Code:    domain.RejectRiskGate,
			Message: fmt.Sprintf("confidence %.2f below high-risk floor %.2f", rec.Confidence, c.cfg.HighRiskConfidenceFloor),
		}
	}
	return nil
}

// CheckInverse is the reduced chain for rollback mutations: structural
// validation and liveness only. Cooldown and lever-conflict checks are
// skipped - a regression must be reversible immediately.
func (c *Checker) CheckInverse(entity domain.EntityRef, action domain.Action) (*domain.Rejection, error) {
	if !action.Kind.Valid() {
		return &domain.Rejection{Code: domain.RejectValidation, Message: fmt.Sprintf("unknown action kind %q", action.Kind)}, nil
	}

	oldValue, _ := action.Values()
	current, err := c.values.CurrentValue(entity, action.Kind.Lever())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.Rejection{
				Code:    domain.RejectStaleProposal,
				Message: fmt.Sprintf("entity %s no longer exists", entity),
			}, nil
		}
		return nil, err
	}
	if current != oldValue {
		return &domain.Rejection{
			Code:    domain.RejectStaleProposal,
			Message: fmt.Sprintf("live value %d differs from rollback baseline %d", current, oldValue),
		}, nil
	}
	return nil, nil
}

// cooldownFor resolves a rule's cooldown. A registered rule's value is taken
// as written, zero included; the configured default only covers unknown rule
// ids.
func (c *Checker) cooldownFor(ruleID string) time.Duration {
	days := c.cfg.DefaultCooldownDays
	if rule, ok := c.registry.Get(ruleID); ok {
		days = rule.CooldownDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// CheckBatchSize rejects batches over the configured cap before any
// per-proposal work starts.
func CheckBatchSize(size, limit int) *domain.Rejection {
	if size > limit {
		return &domain.Rejection{
			Code:    domain.RejectBatchCap,
			Message: fmt.Sprintf("batch of %d exceeds cap %d", size, limit),
		}
	}
	return nil
}

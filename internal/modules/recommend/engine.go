// Package recommend generates ranked change proposals from warehouse windows
// and the rule registry. Generation is read-only against the platform: its
// only write is replacing the PENDING set in the approval store, which makes
// a re-run for the same snapshot idempotent.
package recommend

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/cache"
	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/rules"
)

// windowReader serves entity windows from the warehouse.
type windowReader interface {
	EntityWindow(kind domain.EntityKind, customerID int64, snapshotDate string) ([]domain.EntityWithMetrics, error)
}

// pendingWriter replaces the pending proposal set.
type pendingWriter interface {
	ReplacePending(customerID int64, snapshotDate string, recs []domain.Recommendation) error
}

// inflight tracks one generation run per (customer, snapshot date).
type inflight struct {
	done chan struct{}
	recs []domain.Recommendation
	err  error
}

// Engine is the recommendation generator.
type Engine struct {
	warehouse windowReader
	registry  *rules.Registry
	approvals pendingWriter
	cache     *cache.Cache
	log       zerolog.Logger

	mu      sync.Mutex
	running map[string]*inflight

	now func() time.Time
}

// NewEngine creates the recommendation engine.
func NewEngine(warehouse windowReader, registry *rules.Registry, approvals pendingWriter, c *cache.Cache, log zerolog.Logger) *Engine {
	return &Engine{
		warehouse: warehouse,
		registry:  registry,
		approvals: approvals,
		cache:     c,
		log:       log.With().Str("service", "recommendation_engine").Logger(),
		running:   make(map[string]*inflight),
		now:       time.Now,
	}
}

// Generate evaluates all rules against the snapshot and replaces the pending
// proposal set for the customer and date. Concurrent calls for the same pair
// coalesce into one run; a warehouse failure aborts without touching the
// approval store. Cancellation is cooperative and takes effect between
// entities, never inside a proposal.
func (e *Engine) Generate(ctx context.Context, customerID int64, snapshotDate string) ([]domain.Recommendation, error) {
	key := fmt.Sprintf("%d:%s", customerID, snapshotDate)

	e.mu.Lock()
	if run, ok := e.running[key]; ok {
		e.mu.Unlock()
		select {
		case <-run.done:
			return run.recs, run.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	run := &inflight{done: make(chan struct{})}
	e.running[key] = run
	e.mu.Unlock()

	run.recs, run.err = e.generate(ctx, customerID, snapshotDate)

	e.mu.Lock()
	delete(e.running, key)
	e.mu.Unlock()
	close(run.done)

	return run.recs, run.err
}

func (e *Engine) generate(ctx context.Context, customerID int64, snapshotDate string) ([]domain.Recommendation, error) {
	started := e.now()
	var proposals []domain.Recommendation

	for _, kind := range domain.EntityKinds {
		ruleSet := e.registry.EnabledFor(kind)
		if len(ruleSet) == 0 {
			continue
		}

		entities, err := e.windows(kind, customerID, snapshotDate)
		if err != nil {
			return nil, err
		}

		for _, entity := range entities {
			if err := ctx.Err(); err != nil {
				e.log.Warn().
					Int64("customer_id", customerID).
					Str("snapshot_date", snapshotDate).
					Msg("Generation canceled; pending set untouched")
				return nil, err
			}
			for _, rule := range ruleSet {
				if rec, ok := e.evaluate(rule, entity, snapshotDate); ok {
					proposals = append(proposals, rec)
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proposals = e.dedupe(proposals)

	sort.SliceStable(proposals, func(i, j int) bool {
		return proposals[i].Confidence > proposals[j].Confidence
	})

	if err := e.approvals.ReplacePending(customerID, snapshotDate, proposals); err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("customer_id", customerID).
		Str("snapshot_date", snapshotDate).
		Int("proposals", len(proposals)).
		Dur("took", e.now().Sub(started)).
		Msg("Recommendation generation finished")
	return proposals, nil
}

// windows fetches entity windows through the cache. The cache is advisory:
// a miss just costs a warehouse query.
func (e *Engine) windows(kind domain.EntityKind, customerID int64, snapshotDate string) ([]domain.EntityWithMetrics, error) {
	key := fmt.Sprintf("windows:%d:%s:%s", customerID, snapshotDate, kind)
	if cached, ok := e.cache.Get(key); ok {
		if entities, ok := cached.([]domain.EntityWithMetrics); ok {
			return entities, nil
		}
	}

	entities, err := e.warehouse.EntityWindow(kind, customerID, snapshotDate)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, entities)
	return entities, nil
}

// evaluate runs one rule against one entity. A panicking rule is logged and
// skipped; it never takes the generation run down.
func (e *Engine) evaluate(rule rules.Rule, entity domain.EntityWithMetrics, snapshotDate string) (rec domain.Recommendation, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error().
				Str("rule_id", rule.ID).
				Str("entity", entity.Entity.String()).
				Interface("panic", p).
				Msg("Rule panicked; proposal dropped")
			ok = false
		}
	}()

	if entity.Window30.Clicks < rule.MinClicks || entity.Window30.Impressions < rule.MinImpressions {
		return domain.Recommendation{}, false
	}
	if !rule.Eligible(entity) {
		return domain.Recommendation{}, false
	}

	action, fired := rule.Change(entity)
	if !fired {
		return domain.Recommendation{}, false
	}
	action = clamp(action, rule.MaxChangePct)

	oldValue, newValue := action.Values()
	confidence := math.Max(0, math.Min(1, rule.Confidence(entity)))

	var evidence map[string]float64
	if rule.Evidence != nil {
		evidence = rule.Evidence(entity)
	}
	var reasoning string
	if rule.Reason != nil {
		reasoning = rule.Reason(entity)
	}

	now := e.now()
	return domain.Recommendation{
		ID:           uuid.New().String(),
		RuleID:       rule.ID,
		Entity:       entity.Entity,
		Action:       action,
		ActionKind:   action.Kind,
		Lever:        action.Kind.Lever(),
		OldValue:     oldValue,
		NewValue:     newValue,
		ChangePct:    domain.ChangePct(oldValue, newValue),
		RiskTier:     rule.RiskTier,
		Confidence:   confidence,
		Evidence:     evidence,
		Reasoning:    reasoning,
		Status:       domain.StatusPending,
		SnapshotDate: snapshotDate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, true
}

// clamp caps a bid or budget delta at the rule's max change percentage,
// preserving direction. Status actions pass through.
func clamp(action domain.Action, maxPct float64) domain.Action {
	if maxPct <= 0 {
		return action
	}

	limit := func(oldValue, newValue int64) int64 {
		if oldValue == 0 {
			return newValue
		}
		pct := domain.ChangePct(oldValue, newValue)
		if math.Abs(pct) <= maxPct {
			return newValue
		}
		if pct > 0 {
			return int64(float64(oldValue) * (1 + maxPct))
		}
		return int64(float64(oldValue) * (1 - maxPct))
	}

	switch action.Kind {
	case domain.ActionAdjustBid:
		capped := limit(action.AdjustBid.OldBidMicros, action.AdjustBid.NewBidMicros)
		return domain.Action{Kind: action.Kind, AdjustBid: &domain.AdjustBid{
			OldBidMicros: action.AdjustBid.OldBidMicros,
			NewBidMicros: capped,
		}}
	case domain.ActionAdjustBudget:
		capped := limit(action.AdjustBudget.OldBudgetMicros, action.AdjustBudget.NewBudgetMicros)
		return domain.Action{Kind: action.Kind, AdjustBudget: &domain.AdjustBudget{
			OldBudgetMicros: action.AdjustBudget.OldBudgetMicros,
			NewBudgetMicros: capped,
		}}
	}
	return action
}

// dedupe keeps one proposal per (entity, lever): highest confidence wins,
// then earliest registry position, then lower risk.
func (e *Engine) dedupe(proposals []domain.Recommendation) []domain.Recommendation {
	type slot struct {
		idx int
	}
	best := make(map[string]slot)
	var out []domain.Recommendation

	for _, rec := range proposals {
		key := fmt.Sprintf("%d:%s:%d:%s", rec.Entity.CustomerID, rec.Entity.Kind, rec.Entity.EntityID, rec.Lever)
		cur, ok := best[key]
		if !ok {
			best[key] = slot{idx: len(out)}
			out = append(out, rec)
			continue
		}
		if e.better(rec, out[cur.idx]) {
			dropped := out[cur.idx]
			out[cur.idx] = rec
			e.log.Debug().
				Str("kept_rule", rec.RuleID).
				Str("dropped_rule", dropped.RuleID).
				Str("entity", rec.Entity.String()).
				Msg("Deduplicated competing proposals")
		}
	}
	return out
}

func (e *Engine) better(a, b domain.Recommendation) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	pa, pb := e.registry.Position(a.RuleID), e.registry.Position(b.RuleID)
	if pa != pb {
		return pa < pb
	}
	return a.RiskTier.LessRisky(b.RiskTier)
}

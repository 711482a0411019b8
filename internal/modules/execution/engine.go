// Package execution turns approved recommendations into platform mutations
// under the guardrail contract. Every proposal gets an independent outcome;
// a batch never aborts halfway because one member was rejected. The only
// hard stops are infrastructure failures (ledger or warehouse down), which
// halt before anything irreversible happens.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/cache"
	"github.com/adpilot/adpilot/internal/config"
	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/adsapi"
	"github.com/adpilot/adpilot/internal/modules/guardrails"
)

// Outcome is the per-proposal execution result variant.
type Outcome string

const (
	OutcomeExecuted Outcome = "EXECUTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeDryRun   Outcome = "DRY_RUN"
)

// Result is the outcome for one proposal.
type Result struct {
	RecommendationID string            `json:"recommendation_id"`
	Outcome          Outcome           `json:"outcome"`
	ChangeID         int64             `json:"change_id,omitempty"`
	RejectCode       domain.RejectCode `json:"reject_code,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	RetryUntil       *time.Time        `json:"cooldown_until,omitempty"`
	Payload          *adsapi.Mutation  `json:"payload,omitempty"`
}

// BatchResult is the outcome of an execution call.
type BatchResult struct {
	Mode    adsapi.Mode `json:"mode"`
	Results []Result    `json:"results"`
}

// Adapter is the outbound platform surface the engine mutates through.
// Mode is the default used when a call does not request one.
type Adapter interface {
	Apply(ctx context.Context, mode adsapi.Mode, entity domain.EntityRef, action domain.Action) error
	Mode() adsapi.Mode
}

// approvalStore is the slice of the approval store the engine needs.
type approvalStore interface {
	Get(id string) (domain.Recommendation, error)
	MarkExecuted(id string, now time.Time) (domain.Recommendation, error)
	MarkFailed(id, reason string, now time.Time) (domain.Recommendation, error)
}

// changeLedger is the slice of the ledger the engine needs.
type changeLedger interface {
	guardrails.LedgerView
	Append(rec domain.ChangeRecord) (int64, error)
}

// maxApplyWorkers bounds concurrent adapter calls within one batch. Decision
// order stays sequential; only the outbound calls fan out.
const maxApplyWorkers = 4

// overallDeadline bounds one proposal's apply including all retries.
const overallDeadline = 90 * time.Second

// Engine executes approved recommendations.
type Engine struct {
	approvals approvalStore
	ledger    changeLedger
	checker   *guardrails.Checker
	adapter   Adapter
	cache     *cache.Cache
	cfg       config.ExecutionConfig

	execLimiters  *guardrails.LimiterPool
	batchLimiters *guardrails.LimiterPool

	log   zerolog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates the execution engine.
func NewEngine(
	approvals approvalStore,
	ledgerRepo changeLedger,
	checker *guardrails.Checker,
	adapter Adapter,
	c *cache.Cache,
	clientCfg *config.ClientConfig,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		approvals:     approvals,
		ledger:        ledgerRepo,
		checker:       checker,
		adapter:       adapter,
		cache:         c,
		cfg:           clientCfg.Execution,
		execLimiters:  guardrails.NewLimiterPool(clientCfg.RateLimits.ExecutePerMin, time.Minute),
		batchLimiters: guardrails.NewLimiterPool(clientCfg.RateLimits.BatchPerMin, time.Minute),
		log:           log.With().Str("service", "execution_engine").Logger(),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// resolveMode validates a requested mode, falling back to the adapter's
// default when the request carries none.
func (e *Engine) resolveMode(mode adsapi.Mode) (adsapi.Mode, error) {
	if mode == "" {
		return e.adapter.Mode(), nil
	}
	if !mode.Valid() {
		return "", &domain.ValidationError{Field: "mode", Message: "must be DRY_RUN or LIVE"}
	}
	return mode, nil
}

// ExecuteRecommendation executes one approved proposal in the requested mode.
// Rate limiting is per caller; a denied call returns a RateLimited rejection
// as the error.
func (e *Engine) ExecuteRecommendation(ctx context.Context, id string, mode adsapi.Mode, caller string) (Result, error) {
	mode, err := e.resolveMode(mode)
	if err != nil {
		return Result{}, err
	}

	limiter := e.execLimiters.For(caller)
	if !limiter.Allow() {
		return Result{}, &domain.Rejection{
			Code:    domain.RejectRateLimited,
			Message: "execute rate limit reached for caller",
			Until:   e.now().Add(limiter.RetryAfter()),
		}
	}

	// Single-proposal errors surface as errors so the API can map 404/409.
	rec, err := e.approvals.Get(id)
	if err != nil {
		return Result{}, err
	}
	if rec.Status != domain.StatusApproved {
		return Result{}, &domain.IllegalTransitionError{From: rec.Status, To: domain.StatusExecuted}
	}

	batch, err := e.run(ctx, []domain.Recommendation{rec}, mode)
	if err != nil {
		return Result{}, err
	}
	return batch.Results[0], nil
}

// ExecuteBatch executes up to batch_cap approved proposals in the requested
// mode with independent per-proposal outcomes.
func (e *Engine) ExecuteBatch(ctx context.Context, ids []string, mode adsapi.Mode, caller string) (BatchResult, error) {
	mode, err := e.resolveMode(mode)
	if err != nil {
		return BatchResult{}, err
	}

	limiter := e.batchLimiters.For(caller)
	if !limiter.Allow() {
		return BatchResult{}, &domain.Rejection{
			Code:    domain.RejectRateLimited,
			Message: "batch rate limit reached for caller",
			Until:   e.now().Add(limiter.RetryAfter()),
		}
	}

	if rej := guardrails.CheckBatchSize(len(ids), e.cfg.BatchCap); rej != nil {
		return BatchResult{}, rej
	}

	recs := make([]domain.Recommendation, 0, len(ids))
	placeholders := make(map[int]Result)
	for i, id := range ids {
		rec, err := e.approvals.Get(id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				placeholders[i] = Result{
					RecommendationID: id,
					Outcome:          OutcomeFailed,
					Reason:           "recommendation not found",
				}
				continue
			}
			return BatchResult{}, err
		}
		recs = append(recs, rec)
	}

	batch, err := e.run(ctx, recs, mode)
	if err != nil {
		return BatchResult{}, err
	}

	// Re-interleave not-found placeholders at their presented positions.
	if len(placeholders) > 0 {
		merged := make([]Result, 0, len(ids))
		next := 0
		for i := range ids {
			if r, ok := placeholders[i]; ok {
				merged = append(merged, r)
				continue
			}
			merged = append(merged, batch.Results[next])
			next++
		}
		batch.Results = merged
	}
	return batch, nil
}

// run is the shared execution path: sequential decisions in presented order,
// then fan-out of adapter calls for accepted proposals.
func (e *Engine) run(ctx context.Context, recs []domain.Recommendation, mode adsapi.Mode) (BatchResult, error) {
	now := e.now()
	view := newBatchView(e.ledger)
	results := make([]Result, len(recs))

	type job struct {
		idx int
		rec domain.Recommendation
	}
	var accepted []job

	for i, rec := range recs {
		results[i].RecommendationID = rec.ID

		if rec.Status != domain.StatusApproved {
			results[i].Outcome = OutcomeRejected
			results[i].RejectCode = domain.RejectValidation
			results[i].Reason = fmt.Sprintf("status %s is not executable", rec.Status)
			continue
		}

		rej, err := e.checker.Check(rec, view, now)
		if err != nil {
			// Infrastructure failure: halt before anything irreversible.
			return BatchResult{}, err
		}
		if rej != nil {
			results[i].Outcome = OutcomeRejected
			results[i].RejectCode = rej.Code
			results[i].Reason = rej.Message
			if !rej.Until.IsZero() {
				until := rej.Until
				results[i].RetryUntil = &until
			}
			if mode == adsapi.ModeLive {
				if _, err := e.approvals.MarkFailed(rec.ID, rej.Error(), now); err != nil {
					e.log.Error().Err(err).Str("recommendation_id", rec.ID).Msg("Failed to record rejection")
				}
			}
			continue
		}

		// Accepted: later proposals in this batch see it as a fresh change.
		view.add(e.changeRecord(rec, now))
		accepted = append(accepted, job{idx: i, rec: rec})
	}

	if mode == adsapi.ModeDryRun {
		for _, j := range accepted {
			payload, err := adsapi.BuildMutation(j.rec.Entity, j.rec.Action)
			if err != nil {
				results[j.idx].Outcome = OutcomeFailed
				results[j.idx].Reason = err.Error()
				continue
			}
			results[j.idx].Outcome = OutcomeDryRun
			results[j.idx].Payload = &payload
		}
		return BatchResult{Mode: mode, Results: results}, nil
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxApplyWorkers)
	for _, j := range accepted {
		wg.Add(1)
		sem <- struct{}{}
		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()
			results[j.idx] = e.apply(ctx, j.rec, mode)
		}(j)
	}
	wg.Wait()

	e.invalidateWindows(recs)
	return BatchResult{Mode: mode, Results: results}, nil
}

// apply performs one accepted proposal end to end: adapter call with retries,
// ledger append, status bookkeeping.
func (e *Engine) apply(ctx context.Context, rec domain.Recommendation, mode adsapi.Mode) Result {
	result := Result{RecommendationID: rec.ID}

	if err := e.applyWithRetry(ctx, mode, rec.Entity, rec.Action); err != nil {
		reason := err.Error()
		e.log.Error().
			Str("recommendation_id", rec.ID).
			Str("entity", rec.Entity.String()).
			Str("reason", reason).
			Msg("Mutation failed")

		if _, err := e.approvals.MarkFailed(rec.ID, reason, e.now()); err != nil {
			e.log.Error().Err(err).Str("recommendation_id", rec.ID).Msg("Failed to record failure")
		}
		result.Outcome = OutcomeFailed
		result.Reason = reason
		return result
	}

	now := e.now()
	record := e.changeRecord(rec, now)
	record.RollbackStatus = domain.RollbackMonitoring
	record.MonitoringStartedAt = &now

	changeID, err := e.ledger.Append(record)
	if err != nil {
		// The mutation landed but the ledger write failed. This is the one
		// state the system cannot reason about; flag it loudly.
		e.log.Error().Err(err).
			Str("recommendation_id", rec.ID).
			Str("entity", rec.Entity.String()).
			Msg("Mutation applied but ledger append failed; manual reconciliation required")
		result.Outcome = OutcomeFailed
		result.Reason = fmt.Sprintf("applied but not recorded: %v", err)
		return result
	}

	if _, err := e.approvals.MarkExecuted(rec.ID, now); err != nil {
		e.log.Error().Err(err).Str("recommendation_id", rec.ID).Msg("Failed to mark executed")
	}

	e.log.Info().
		Str("recommendation_id", rec.ID).
		Str("entity", rec.Entity.String()).
		Str("action", string(rec.ActionKind)).
		Int64("old_value", rec.OldValue).
		Int64("new_value", rec.NewValue).
		Int64("change_id", changeID).
		Str("outcome", string(OutcomeExecuted)).
		Msg("Recommendation executed")

	result.Outcome = OutcomeExecuted
	result.ChangeID = changeID
	return result
}

// applyWithRetry calls the adapter, retrying transient failures with
// exponential backoff. Permanent failures and retry exhaustion both fail the
// proposal.
func (e *Engine) applyWithRetry(ctx context.Context, mode adsapi.Mode, entity domain.EntityRef, action domain.Action) error {
	ctx, cancel := context.WithTimeout(ctx, overallDeadline)
	defer cancel()

	backoff := time.Duration(e.cfg.Retry.BaseMs) * time.Millisecond
	capBackoff := time.Duration(e.cfg.Retry.CapMs) * time.Millisecond

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = e.adapter.Apply(ctx, mode, entity, action)
		if lastErr == nil {
			return nil
		}

		var aerr *domain.AdapterError
		if !errors.As(lastErr, &aerr) || !aerr.Transient {
			return lastErr
		}
		if attempt >= e.cfg.Retry.Max {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, lastErr)
		}

		wait := backoff
		if aerr.RetryAfter > wait {
			wait = aerr.RetryAfter
		}
		if err := e.sleep(ctx, wait); err != nil {
			return fmt.Errorf("apply deadline exceeded: %w", lastErr)
		}

		backoff *= 2
		if backoff > capBackoff {
			backoff = capBackoff
		}
	}
}

// ExecuteRollback applies the inverse of an executed change, bypassing
// cooldown and lever-conflict checks. Returns the compensating change's id.
func (e *Engine) ExecuteRollback(ctx context.Context, original domain.ChangeRecord, reason string) (int64, error) {
	action := domain.ReconstructAction(original.ActionType, original.OldValue, original.NewValue)
	inverse, err := action.Inverse()
	if err != nil {
		return 0, err
	}

	rej, err := e.checker.CheckInverse(original.Entity, inverse)
	if err != nil {
		return 0, err
	}
	if rej != nil {
		return 0, rej
	}

	// Ledger rows only exist for live changes, so the inverse is always live.
	if err := e.applyWithRetry(ctx, adsapi.ModeLive, original.Entity, inverse); err != nil {
		return 0, fmt.Errorf("rollback of change %d failed: %w", original.ChangeID, err)
	}

	now := e.now()
	oldValue, newValue := inverse.Values()
	record := domain.ChangeRecord{
		Entity:     original.Entity,
		ActionType: inverse.Kind,
		Lever:      inverse.Kind.Lever(),
		OldValue:   oldValue,
		NewValue:   newValue,
		ChangePct:  domain.ChangePct(oldValue, newValue),
		RuleID:     original.RuleID,
		RiskTier:   original.RiskTier,
		Metadata: domain.ChangeMetadata{
			RecommendationID: original.Metadata.RecommendationID,
			Reasoning:        reason,
		},
		ChangeDate: now,
		ExecutedAt: now,
		ApprovedBy: "system:rollback_monitor",
		RollbackID: original.ChangeID,
	}

	changeID, err := e.ledger.Append(record)
	if err != nil {
		return 0, err
	}

	e.cache.InvalidatePrefix(fmt.Sprintf("windows:%d:", original.Entity.CustomerID))

	e.log.Warn().
		Int64("change_id", changeID).
		Int64("rolled_back_change_id", original.ChangeID).
		Str("entity", original.Entity.String()).
		Str("reason", reason).
		Msg("Rollback executed")
	return changeID, nil
}

// changeRecord builds the prospective ledger row for a proposal.
func (e *Engine) changeRecord(rec domain.Recommendation, now time.Time) domain.ChangeRecord {
	return domain.ChangeRecord{
		Entity:     rec.Entity,
		ActionType: rec.ActionKind,
		Lever:      rec.Lever,
		OldValue:   rec.OldValue,
		NewValue:   rec.NewValue,
		ChangePct:  rec.ChangePct,
		RuleID:     rec.RuleID,
		RiskTier:   rec.RiskTier,
		Metadata: domain.ChangeMetadata{
			RecommendationID: rec.ID,
			Confidence:       rec.Confidence,
			Evidence:         rec.Evidence,
			Reasoning:        rec.Reasoning,
		},
		ChangeDate: now,
		ExecutedAt: now,
		ApprovedBy: rec.ApprovedBy,
	}
}

// invalidateWindows drops memoized warehouse windows for every customer the
// batch touched. The cache is advisory; dropping it is always safe.
func (e *Engine) invalidateWindows(recs []domain.Recommendation) {
	seen := make(map[int64]bool)
	for _, rec := range recs {
		if seen[rec.Entity.CustomerID] {
			continue
		}
		seen[rec.Entity.CustomerID] = true
		e.cache.InvalidatePrefix(fmt.Sprintf("windows:%d:", rec.Entity.CustomerID))
	}
}

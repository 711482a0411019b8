package guardrails

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/adpilot/internal/config"
	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/rules"
)

type fakeLedgerView struct {
	sameLever  *domain.ChangeRecord
	otherLever *domain.ChangeRecord
	err        error
}

func (f *fakeLedgerView) LatestForLever(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.sameLever != nil && !f.sameLever.ChangeDate.Before(since) {
		return f.sameLever, nil
	}
	return nil, nil
}

func (f *fakeLedgerView) LatestForOtherLevers(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.otherLever != nil && !f.otherLever.ChangeDate.Before(since) {
		return f.otherLever, nil
	}
	return nil, nil
}

type fakeValues struct {
	value int64
	err   error
}

func (f *fakeValues) CurrentValue(ref domain.EntityRef, lever domain.Lever) (int64, error) {
	return f.value, f.err
}

func newChecker(t *testing.T, values ValueReader) *Checker {
	t.Helper()
	registry, err := rules.NewRegistry(rules.Builtin(rules.DefaultTargets), zerolog.Nop())
	require.NoError(t, err)
	cfg := config.GuardrailsConfig{HighRiskConfidenceFloor: 0.85, DefaultCooldownDays: 7}
	return NewChecker(registry, values, cfg, zerolog.Nop())
}

func bidProposal() domain.Recommendation {
	return domain.Recommendation{
		ID:     "rec-1",
		RuleID: "KW_BID_UP_LOW_CPA",
		Entity: domain.EntityRef{
			CustomerID: 100, Kind: domain.KindKeyword, EntityID: 555,
			AdGroupID: 77, MatchType: domain.MatchExact, KeywordText: "running shoes",
		},
		ActionKind: domain.ActionAdjustBid,
		Lever:      domain.LeverBid,
		OldValue:   1_500_000,
		NewValue:   1_725_000,
		ChangePct:  0.15,
		RiskTier:   domain.RiskLow,
		Confidence: 0.91,
		Status:     domain.StatusApproved,
	}
}

var testNow = time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)

func TestCleanProposalPasses(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1_500_000})

	rej, err := c.Check(bidProposal(), &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestValidationRejections(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1_500_000})
	view := &fakeLedgerView{}

	cases := []struct {
		name   string
		mutate func(*domain.Recommendation)
	}{
		{"unknown action kind", func(r *domain.Recommendation) { r.ActionKind = "DELETE_ACCOUNT" }},
		{"lever mismatch", func(r *domain.Recommendation) { r.Lever = domain.LeverBudget }},
		{"confidence out of range", func(r *domain.Recommendation) { r.Confidence = 1.5 }},
		{"unknown rule", func(r *domain.Recommendation) { r.RuleID = "NO_SUCH_RULE" }},
		{"non-positive new value", func(r *domain.Recommendation) { r.NewValue = 0 }},
		{"no-op change", func(r *domain.Recommendation) { r.NewValue = r.OldValue }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := bidProposal()
			tc.mutate(&rec)

			rej, err := c.Check(rec, view, testNow)
			require.NoError(t, err)
			require.NotNil(t, rej)
			assert.Equal(t, domain.RejectValidation, rej.Code)
		})
	}
}

func TestStaleProposalRejected(t *testing.T) {
	// Live bid moved to 1.6 since the proposal was computed at 1.5.
	c := newChecker(t, &fakeValues{value: 1_600_000})

	rej, err := c.Check(bidProposal(), &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectStaleProposal, rej.Code)
	assert.Contains(t, rej.Message, "1600000")
}

func TestMissingEntityIsStale(t *testing.T) {
	c := newChecker(t, &fakeValues{err: domain.ErrNotFound})

	rej, err := c.Check(bidProposal(), &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectStaleProposal, rej.Code)
}

func TestWarehouseOutageIsAnError(t *testing.T) {
	c := newChecker(t, &fakeValues{err: domain.ErrWarehouseUnavailable})

	rej, err := c.Check(bidProposal(), &fakeLedgerView{}, testNow)
	assert.ErrorIs(t, err, domain.ErrWarehouseUnavailable)
	assert.Nil(t, rej)
}

func TestAddNegativeSkipsStaleness(t *testing.T) {
	c := newChecker(t, &fakeValues{err: domain.ErrWarehouseUnavailable})

	rec := bidProposal()
	rec.RuleID = "KW_ADD_NEGATIVE_ZERO_CONV"
	rec.ActionKind = domain.ActionAddNegative
	rec.Lever = domain.LeverStatus
	rec.OldValue, rec.NewValue = 1, 0
	rec.ChangePct = -1
	rec.RiskTier = domain.RiskMedium

	rej, err := c.Check(rec, &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestCooldownRejection(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1_500_000})

	// Bid changed 2 days ago; the rule's cooldown is 7 days.
	changedAt := testNow.Add(-48 * time.Hour)
	view := &fakeLedgerView{sameLever: &domain.ChangeRecord{
		ChangeID: 42, Lever: domain.LeverBid, ChangeDate: changedAt,
	}}

	rej, err := c.Check(bidProposal(), view, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectInCooldown, rej.Code)
	assert.Equal(t, changedAt.Add(7*24*time.Hour), rej.Until)
}

func TestCooldownExpired(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1_500_000})

	view := &fakeLedgerView{sameLever: &domain.ChangeRecord{
		ChangeID: 42, Lever: domain.LeverBid, ChangeDate: testNow.Add(-8 * 24 * time.Hour),
	}}

	rej, err := c.Check(bidProposal(), view, testNow)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestLeverConflictRejection(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1_500_000})

	// Status flipped yesterday; the bid must not move this week.
	view := &fakeLedgerView{otherLever: &domain.ChangeRecord{
		ChangeID: 43, Lever: domain.LeverStatus, ChangeDate: testNow.Add(-24 * time.Hour),
	}}

	rej, err := c.Check(bidProposal(), view, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectConflictingLever, rej.Code)
}

func TestMaxChangeRejection(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1_500_000})

	rec := bidProposal()
	rec.NewValue = 2_000_000
	rec.ChangePct = 0.3333 // rule caps at 0.20

	rej, err := c.Check(rec, &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectMaxChangePct, rej.Code)
}

func highRiskProposal() domain.Recommendation {
	rec := bidProposal()
	rec.RuleID = "KW_PAUSE_BLEEDER"
	rec.ActionKind = domain.ActionSetStatus
	rec.Lever = domain.LeverStatus
	rec.OldValue, rec.NewValue = 1, 0
	rec.ChangePct = -1
	rec.RiskTier = domain.RiskHigh
	rec.ApprovedBy = "ops@example.com"
	return rec
}

func TestRiskGateConfidenceFloor(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1})

	rec := highRiskProposal()
	rec.Confidence = 0.70

	rej, err := c.Check(rec, &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectRiskGate, rej.Code)

	rec.Confidence = 0.90
	rej, err = c.Check(rec, &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestRiskGateRequiresApprover(t *testing.T) {
	c := newChecker(t, &fakeValues{value: 1})

	rec := highRiskProposal()
	rec.Confidence = 0.95
	rec.ApprovedBy = ""

	rej, err := c.Check(rec, &fakeLedgerView{}, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectRiskGate, rej.Code)
	assert.Contains(t, rej.Message, "approver")
}

func TestFirstFailureWins(t *testing.T) {
	// Stale AND in cooldown: staleness is checked earlier and must win.
	c := newChecker(t, &fakeValues{value: 1_600_000})
	view := &fakeLedgerView{sameLever: &domain.ChangeRecord{
		ChangeID: 42, Lever: domain.LeverBid, ChangeDate: testNow.Add(-time.Hour),
	}}

	rej, err := c.Check(bidProposal(), view, testNow)
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectStaleProposal, rej.Code)
}

func TestZeroCooldownRuleIsHonored(t *testing.T) {
	noCooldown := rules.Rule{
		ID:           "TEST_NO_COOLDOWN",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionAdjustBid,
		RiskTier:     domain.RiskLow,
		CooldownDays: 0,
		MaxChangePct: 0.20,
		Eligible:     func(e domain.EntityWithMetrics) bool { return false },
		Change:       func(e domain.EntityWithMetrics) (domain.Action, bool) { return domain.Action{}, false },
		Confidence:   func(e domain.EntityWithMetrics) float64 { return 0.5 },
	}
	registry, err := rules.NewRegistry(append(rules.Builtin(rules.DefaultTargets), noCooldown), zerolog.Nop())
	require.NoError(t, err)
	cfg := config.GuardrailsConfig{HighRiskConfidenceFloor: 0.85, DefaultCooldownDays: 7}
	c := NewChecker(registry, &fakeValues{value: 1_500_000}, cfg, zerolog.Nop())

	// Both levers moved an hour ago. The rule opted out of cooldown, so the
	// configured default must not reinstate it.
	view := &fakeLedgerView{
		sameLever:  &domain.ChangeRecord{ChangeID: 42, Lever: domain.LeverBid, ChangeDate: testNow.Add(-time.Hour)},
		otherLever: &domain.ChangeRecord{ChangeID: 43, Lever: domain.LeverStatus, ChangeDate: testNow.Add(-time.Hour)},
	}

	rec := bidProposal()
	rec.RuleID = "TEST_NO_COOLDOWN"

	rej, err := c.Check(rec, view, testNow)
	require.NoError(t, err)
	assert.Nil(t, rej)
}

func TestCheckBatchSize(t *testing.T) {
	assert.Nil(t, CheckBatchSize(100, 100))

	rej := CheckBatchSize(101, 100)
	require.NotNil(t, rej)
	assert.Equal(t, domain.RejectBatchCap, rej.Code)
}

func TestSlidingWindowLimiter(t *testing.T) {
	limiter := NewSlidingWindow(3, time.Minute)
	now := testNow
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
	assert.Equal(t, time.Minute, limiter.RetryAfter())

	// 30s later: still over the trailing-minute budget.
	now = now.Add(30 * time.Second)
	assert.False(t, limiter.Allow())
	assert.Equal(t, 30*time.Second, limiter.RetryAfter())

	// 61s after the admitted burst, the whole budget frees up again.
	now = now.Add(31 * time.Second)
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
}

func TestSlidingWindowNeverBorrows(t *testing.T) {
	limiter := NewSlidingWindow(2, time.Minute)
	now := testNow
	limiter.now = func() time.Time { return now }

	require.True(t, limiter.Allow())
	require.True(t, limiter.Allow())

	// Unlike a token bucket, waiting longer than a window earns no burst.
	now = now.Add(10 * time.Minute)
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
}

func TestLimiterPoolEvictsIdleCallers(t *testing.T) {
	pool := NewLimiterPool(5, time.Minute)
	now := testNow
	pool.now = func() time.Time { return now }

	a := pool.For("10.0.0.1")
	pool.For("10.0.0.2")
	assert.Same(t, a, pool.For("10.0.0.1"))
	assert.Equal(t, 2, pool.Size())

	// Both callers idle past ten windows; the next lookup sweeps them.
	now = now.Add(11 * time.Minute)
	pool.For("10.0.0.3")
	assert.Equal(t, 1, pool.Size())

	// A fresh limiter after eviction, not the stale one.
	assert.NotSame(t, a, pool.For("10.0.0.1"))
}

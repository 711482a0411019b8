package recommend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/adpilot/internal/cache"
	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/rules"
)

type fakeWarehouse struct {
	mu       sync.Mutex
	byKind   map[domain.EntityKind][]domain.EntityWithMetrics
	err      error
	fetches  int32
	blockOne chan struct{} // when set, the first fetch blocks until closed
}

func (f *fakeWarehouse) EntityWindow(kind domain.EntityKind, customerID int64, snapshotDate string) ([]domain.EntityWithMetrics, error) {
	if n := atomic.AddInt32(&f.fetches, 1); n == 1 && f.blockOne != nil {
		<-f.blockOne
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byKind[kind], nil
}

type fakeApprovals struct {
	mu       sync.Mutex
	replaced int
	last     []domain.Recommendation
	err      error
}

func (f *fakeApprovals) ReplacePending(customerID int64, snapshotDate string, recs []domain.Recommendation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.replaced++
	f.last = recs
	return nil
}

func goodKeyword(entityID int64) domain.EntityWithMetrics {
	return domain.EntityWithMetrics{
		Entity: domain.EntityRef{
			CustomerID: 100, Kind: domain.KindKeyword, EntityID: entityID,
			AdGroupID: 77, MatchType: domain.MatchExact, KeywordText: "running shoes",
		},
		BidMicros: 1_500_000,
		Status:    domain.StatusEnabled,
		// CPA = 100/10 = 10, well under the 17.5 gate for bid-up.
		Window30: domain.WindowedMetrics{
			WindowDays: 30, Impressions: 10000, Clicks: 200,
			CostMicros: 100_000_000, Conversions: 10, ConversionsValue: 500,
		},
	}
}

func newEngine(t *testing.T, wh *fakeWarehouse, ap *fakeApprovals, extra ...rules.Rule) *Engine {
	t.Helper()
	set := append(rules.Builtin(rules.DefaultTargets), extra...)
	registry, err := rules.NewRegistry(set, zerolog.Nop())
	require.NoError(t, err)
	return NewEngine(wh, registry, ap, cache.New(time.Hour, 100, zerolog.Nop()), zerolog.Nop())
}

func TestGenerateProducesPendingProposal(t *testing.T) {
	wh := &fakeWarehouse{byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
		domain.KindKeyword: {goodKeyword(555)},
	}}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap)

	recs, err := engine.Generate(context.Background(), 100, "2026-08-20")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "KW_BID_UP_LOW_CPA", rec.RuleID)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, domain.LeverBid, rec.Lever)
	assert.Equal(t, int64(1_500_000), rec.OldValue)
	assert.Equal(t, int64(1_725_000), rec.NewValue)
	assert.InDelta(t, 0.15, rec.ChangePct, 0.001)
	assert.Equal(t, "2026-08-20", rec.SnapshotDate)
	assert.NotEmpty(t, rec.Reasoning)
	assert.Contains(t, rec.Evidence, "cpa_30d")

	assert.Equal(t, 1, ap.replaced)
	assert.Equal(t, recs, ap.last)
}

func TestGenerateSkipsLowDataEntities(t *testing.T) {
	thin := goodKeyword(556)
	thin.Window30.Clicks = 5 // below every MinClicks gate

	wh := &fakeWarehouse{byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
		domain.KindKeyword: {thin},
	}}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap)

	recs, err := engine.Generate(context.Background(), 100, "2026-08-20")
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 1, ap.replaced)
}

func TestGenerateClampsOversizedChanges(t *testing.T) {
	aggressive := rules.Rule{
		ID:           "TEST_BID_UP_AGGRESSIVE",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionAdjustBid,
		RiskTier:     domain.RiskLow,
		CooldownDays: 7,
		MaxChangePct: 0.20,
		Eligible:     func(e domain.EntityWithMetrics) bool { return e.Entity.EntityID == 900 },
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			// Proposes +50%; the engine must clamp to +20%.
			return domain.Action{Kind: domain.ActionAdjustBid, AdjustBid: &domain.AdjustBid{
				OldBidMicros: e.BidMicros,
				NewBidMicros: int64(float64(e.BidMicros) * 1.5),
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 { return 0.9 },
	}

	entity := goodKeyword(900)
	entity.Window30.Conversions = 0 // keep the builtin rules quiet
	wh := &fakeWarehouse{byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
		domain.KindKeyword: {entity},
	}}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap, aggressive)

	recs, err := engine.Generate(context.Background(), 100, "2026-08-20")
	require.NoError(t, err)

	var found *domain.Recommendation
	for i := range recs {
		if recs[i].RuleID == "TEST_BID_UP_AGGRESSIVE" {
			found = &recs[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, int64(1_800_000), found.NewValue)
	assert.InDelta(t, 0.20, found.ChangePct, 0.001)
}

func TestGenerateDedupesPerEntityLever(t *testing.T) {
	competing := rules.Rule{
		ID:           "TEST_BID_COMPETING",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionAdjustBid,
		RiskTier:     domain.RiskLow,
		CooldownDays: 7,
		MaxChangePct: 0.20,
		Eligible:     func(e domain.EntityWithMetrics) bool { return true },
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			return domain.Action{Kind: domain.ActionAdjustBid, AdjustBid: &domain.AdjustBid{
				OldBidMicros: e.BidMicros,
				NewBidMicros: int64(float64(e.BidMicros) * 1.05),
			}}, true
		},
		Confidence: func(e domain.EntityWithMetrics) float64 { return 0.99 }, // beats the builtin
	}

	wh := &fakeWarehouse{byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
		domain.KindKeyword: {goodKeyword(555)},
	}}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap, competing)

	recs, err := engine.Generate(context.Background(), 100, "2026-08-20")
	require.NoError(t, err)

	// Both rules fired on the bid lever of keyword 555; one survives.
	var bidProposals []domain.Recommendation
	for _, rec := range recs {
		if rec.Entity.EntityID == 555 && rec.Lever == domain.LeverBid {
			bidProposals = append(bidProposals, rec)
		}
	}
	require.Len(t, bidProposals, 1)
	assert.Equal(t, "TEST_BID_COMPETING", bidProposals[0].RuleID)
}

func TestGenerateRecoversRulePanic(t *testing.T) {
	exploding := rules.Rule{
		ID:           "TEST_PANICS",
		EntityKind:   domain.KindKeyword,
		ActionKind:   domain.ActionAdjustBid,
		RiskTier:     domain.RiskLow,
		CooldownDays: 7,
		MaxChangePct: 0.20,
		Eligible:     func(e domain.EntityWithMetrics) bool { panic("boom") },
		Change: func(e domain.EntityWithMetrics) (domain.Action, bool) {
			return domain.Action{}, false
		},
		Confidence: func(e domain.EntityWithMetrics) float64 { return 0.5 },
	}

	wh := &fakeWarehouse{byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
		domain.KindKeyword: {goodKeyword(555)},
	}}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap, exploding)

	recs, err := engine.Generate(context.Background(), 100, "2026-08-20")
	require.NoError(t, err)

	// The healthy builtin proposal still came through.
	require.Len(t, recs, 1)
	assert.Equal(t, "KW_BID_UP_LOW_CPA", recs[0].RuleID)
}

func TestGenerateAbortsOnWarehouseError(t *testing.T) {
	wh := &fakeWarehouse{err: domain.ErrWarehouseUnavailable}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap)

	_, err := engine.Generate(context.Background(), 100, "2026-08-20")
	assert.ErrorIs(t, err, domain.ErrWarehouseUnavailable)
	assert.Equal(t, 0, ap.replaced)
}

func TestGenerateCanceledLeavesPendingSetUntouched(t *testing.T) {
	wh := &fakeWarehouse{byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
		domain.KindKeyword: {goodKeyword(555)},
	}}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Generate(ctx, 100, "2026-08-20")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ap.replaced)
}

func TestGenerateMemoizesWindows(t *testing.T) {
	wh := &fakeWarehouse{byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
		domain.KindKeyword: {goodKeyword(555)},
	}}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap)

	_, err := engine.Generate(context.Background(), 100, "2026-08-20")
	require.NoError(t, err)
	first := atomic.LoadInt32(&wh.fetches)

	_, err = engine.Generate(context.Background(), 100, "2026-08-20")
	require.NoError(t, err)
	assert.Equal(t, first, atomic.LoadInt32(&wh.fetches))
}

func TestGenerateSingleFlight(t *testing.T) {
	release := make(chan struct{})
	wh := &fakeWarehouse{
		byKind: map[domain.EntityKind][]domain.EntityWithMetrics{
			domain.KindKeyword: {goodKeyword(555)},
		},
		blockOne: release,
	}
	ap := &fakeApprovals{}
	engine := newEngine(t, wh, ap)

	var wg sync.WaitGroup
	results := make([][]domain.Recommendation, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs, err := engine.Generate(context.Background(), 100, "2026-08-20")
			assert.NoError(t, err)
			results[i] = recs
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// One run, shared by both callers: the store was written once.
	assert.Equal(t, 1, ap.replaced)
	assert.Equal(t, results[0], results[1])
}

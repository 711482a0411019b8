package execution

import (
	"sync"
	"time"

	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/guardrails"
)

// batchView overlays changes accepted earlier in the same batch on top of the
// persisted ledger. Two proposals touching the same entity-lever pair cannot
// both pass guardrails: the second one sees the first as a fresh change.
type batchView struct {
	mu      sync.Mutex
	base    guardrails.LedgerView
	pending []domain.ChangeRecord
}

func newBatchView(base guardrails.LedgerView) *batchView {
	return &batchView{base: base}
}

// add records an accepted-but-not-yet-executed change in the overlay.
func (v *batchView) add(rec domain.ChangeRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = append(v.pending, rec)
}

func (v *batchView) LatestForLever(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error) {
	overlay := v.match(customerID, entityID, func(l domain.Lever) bool { return l == lever }, since)

	persisted, err := v.base.LatestForLever(customerID, entityID, lever, since)
	if err != nil {
		return nil, err
	}
	return later(overlay, persisted), nil
}

func (v *batchView) LatestForOtherLevers(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error) {
	overlay := v.match(customerID, entityID, func(l domain.Lever) bool { return l != lever }, since)

	persisted, err := v.base.LatestForOtherLevers(customerID, entityID, lever, since)
	if err != nil {
		return nil, err
	}
	return later(overlay, persisted), nil
}

func (v *batchView) match(customerID, entityID int64, leverOK func(domain.Lever) bool, since time.Time) *domain.ChangeRecord {
	v.mu.Lock()
	defer v.mu.Unlock()

	var best *domain.ChangeRecord
	for i := range v.pending {
		rec := &v.pending[i]
		if rec.Entity.CustomerID != customerID || rec.Entity.EntityID != entityID {
			continue
		}
		if !leverOK(rec.Lever) || rec.ChangeDate.Before(since) {
			continue
		}
		if best == nil || rec.ChangeDate.After(best.ChangeDate) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func later(a, b *domain.ChangeRecord) *domain.ChangeRecord {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.ChangeDate.Before(b.ChangeDate):
		return b
	default:
		return a
	}
}

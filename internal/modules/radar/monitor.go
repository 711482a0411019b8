// Package radar watches executed changes for performance regressions and
// reverses the ones that went wrong. Each executed change is monitored for a
// configured window; a regression triggers the inverse mutation through the
// execution engine, anything else eventually confirms the change as good.
package radar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/adpilot/adpilot/internal/config"
	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/rules"
)

// metricsReader serves per-day metric rows for baseline and post windows.
type metricsReader interface {
	MetricsBetween(kind domain.EntityKind, customerID, entityID int64, start, end time.Time) ([]domain.MetricRow, error)
}

// monitorLedger is the slice of the ledger the monitor needs.
type monitorLedger interface {
	DueForMonitoring(limit int) ([]domain.ChangeRecord, error)
	Claim(changeID int64, now time.Time) (bool, error)
	Release(changeID int64) error
	MarkRolledBack(changeID, rollbackID int64, reason string, now time.Time) error
	MarkConfirmedGood(changeID int64, reason string, now time.Time) error
}

// rollbackExecutor applies inverse mutations.
type rollbackExecutor interface {
	ExecuteRollback(ctx context.Context, original domain.ChangeRecord, reason string) (int64, error)
}

// scanLimit bounds how many monitored records one tick evaluates.
const scanLimit = 500

// Monitor is the rollback monitor.
type Monitor struct {
	warehouse metricsReader
	ledger    monitorLedger
	executor  rollbackExecutor
	registry  *rules.Registry
	cfg       config.RollbackConfig
	log       zerolog.Logger
	now       func() time.Time
}

// NewMonitor creates the rollback monitor.
func NewMonitor(warehouse metricsReader, ledgerRepo monitorLedger, executor rollbackExecutor, registry *rules.Registry, cfg config.RollbackConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		warehouse: warehouse,
		ledger:    ledgerRepo,
		executor:  executor,
		registry:  registry,
		cfg:       cfg,
		log:       log.With().Str("service", "rollback_monitor").Logger(),
		now:       time.Now,
	}
}

// Tick evaluates every record under monitoring. Concurrent ticks coordinate
// through the ledger claim; a loser just skips the record.
func (m *Monitor) Tick(ctx context.Context) error {
	due, err := m.ledger.DueForMonitoring(scanLimit)
	if err != nil {
		return err
	}

	now := m.now()
	for _, rec := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimed, err := m.ledger.Claim(rec.ChangeID, now)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}

		if err := m.evaluate(ctx, rec, now); err != nil {
			// Transient trouble (warehouse away, adapter down): release and
			// let a later tick retry.
			m.log.Warn().Err(err).Int64("change_id", rec.ChangeID).Msg("Monitoring evaluation deferred")
			if relErr := m.ledger.Release(rec.ChangeID); relErr != nil {
				m.log.Error().Err(relErr).Int64("change_id", rec.ChangeID).Msg("Failed to release monitor claim")
			}
		}
	}
	return nil
}

// evaluate decides one monitored record: roll back, confirm good, or keep
// watching. No verdict is reached before the observation window has elapsed;
// a partial post range is not comparable to the full baseline.
func (m *Monitor) evaluate(ctx context.Context, rec domain.ChangeRecord, now time.Time) error {
	window := time.Duration(m.cfg.WindowDays) * 24 * time.Hour
	executedAt := rec.ExecutedAt

	if now.Before(executedAt.Add(window)) {
		return m.ledger.Release(rec.ChangeID)
	}

	baselineRows, err := m.warehouse.MetricsBetween(rec.Entity.Kind, rec.Entity.CustomerID, rec.Entity.EntityID,
		executedAt.Add(-window), executedAt)
	if err != nil {
		return err
	}
	postRows, err := m.warehouse.MetricsBetween(rec.Entity.Kind, rec.Entity.CustomerID, rec.Entity.EntityID,
		executedAt, executedAt.Add(window))
	if err != nil {
		return err
	}

	baseline := sumWindow(baselineRows)
	post := sumWindow(postRows)

	minPoints := int64(m.cfg.MinPostDataPoints)
	if baseline.Clicks > minPoints {
		minPoints = baseline.Clicks
	}

	if post.Clicks < minPoints {
		// Not enough signal yet. Keep watching until the extended horizon,
		// then stop without judging.
		horizon := executedAt.Add(time.Duration(m.cfg.MaxMonitorDays) * 24 * time.Hour)
		if now.Before(horizon) {
			return m.ledger.Release(rec.ChangeID)
		}
		return m.ledger.MarkConfirmedGood(rec.ChangeID,
			fmt.Sprintf("insufficient_signal: %d of %d post clicks after %d days", post.Clicks, minPoints, m.cfg.MaxMonitorDays), now)
	}

	regressed, reason := m.regression(rec, baselineRows, postRows, baseline, post)
	if regressed {
		return m.rollBack(ctx, rec, reason, now)
	}
	return m.ledger.MarkConfirmedGood(rec.ChangeID, "post window healthy", now)
}

// regression applies the rule's own predicate when it has one, otherwise the
// configured default: ROAS collapsed while spend kept up, or CPA blew out.
func (m *Monitor) regression(rec domain.ChangeRecord, baselineRows, postRows []domain.MetricRow, baseline, post domain.WindowedMetrics) (bool, string) {
	if rule, ok := m.registry.Get(rec.RuleID); ok && rule.Regression != nil {
		return rule.Regression(baseline, post)
	}

	if baseline.ROAS() > 0 {
		drop := (baseline.ROAS() - post.ROAS()) / baseline.ROAS() * 100
		costUp := meanDailyCost(postRows) > meanDailyCost(baselineRows)
		if drop > m.cfg.Regression.RoasDropPct && costUp {
			return true, fmt.Sprintf("roas_drop %.0f%% with cost above baseline", drop)
		}
	}

	if baseline.CPA() > 0 {
		if post.Conversions == 0 && post.CostMicros > 0 {
			return true, "cpa_increase: spend without conversions in post window"
		}
		if post.CPA() > 0 {
			increase := (post.CPA() - baseline.CPA()) / baseline.CPA() * 100
			if increase > m.cfg.Regression.CpaIncreasePct {
				return true, fmt.Sprintf("cpa_increase %.0f%%", increase)
			}
		}
	}

	return false, ""
}

// rollBack reverses the change and finalizes the record. A rejected inverse
// (someone already moved the lever again) closes monitoring without a
// mutation - the recorded state no longer exists to restore.
func (m *Monitor) rollBack(ctx context.Context, rec domain.ChangeRecord, reason string, now time.Time) error {
	rollbackID, err := m.executor.ExecuteRollback(ctx, rec, reason)
	if err != nil {
		var rej *domain.Rejection
		if errors.As(err, &rej) {
			m.log.Warn().
				Int64("change_id", rec.ChangeID).
				Str("reject_code", string(rej.Code)).
				Msg("Rollback not applicable; closing monitoring")
			return m.ledger.MarkConfirmedGood(rec.ChangeID,
				fmt.Sprintf("rollback_skipped: %s", rej.Message), now)
		}
		return err
	}

	if err := m.ledger.MarkRolledBack(rec.ChangeID, rollbackID, reason, now); err != nil {
		return err
	}

	m.log.Warn().
		Int64("change_id", rec.ChangeID).
		Int64("rollback_id", rollbackID).
		Str("entity", rec.Entity.String()).
		Str("reason", reason).
		Msg("Change rolled back")
	return nil
}

// sumWindow aggregates per-day rows into one windowed total.
func sumWindow(rows []domain.MetricRow) domain.WindowedMetrics {
	var w domain.WindowedMetrics
	w.WindowDays = len(rows)
	for _, row := range rows {
		w.Impressions += row.Impressions
		w.Clicks += row.Clicks
		w.CostMicros += row.CostMicros
		w.Conversions += row.Conversions
		w.ConversionsValue += row.ConversionsValue
	}
	return w
}

// meanDailyCost compares spend levels independent of how many days actually
// reported, so a window with ingestion gaps still compares fairly.
func meanDailyCost(rows []domain.MetricRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	daily := make([]float64, len(rows))
	for i, row := range rows {
		daily[i] = float64(row.CostMicros) / 1e6
	}
	return stat.Mean(daily, nil)
}

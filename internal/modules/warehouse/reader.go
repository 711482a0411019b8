// Package warehouse provides the read-only handle over the analytical store.
// The store is written by the ingestion collaborator; every read here is
// side-effect-free. This layer never retries on unavailability - callers
// decide.
package warehouse

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/domain"
)

// kindTable maps an entity kind to its daily snapshot table and id column.
type kindTable struct {
	table    string
	idColumn string
}

var kindTables = map[domain.EntityKind]kindTable{
	domain.KindCampaign: {table: "snap_campaign_daily", idColumn: "campaign_id"},
	domain.KindAdGroup:  {table: "snap_ad_group_daily", idColumn: "ad_group_id"},
	domain.KindKeyword:  {table: "snap_keyword_daily", idColumn: "criterion_id"},
	domain.KindAd:       {table: "snap_ad_daily", idColumn: "ad_id"},
	domain.KindProduct:  {table: "snap_product_daily", idColumn: "product_id"},
}

// Reader serves windowed aggregates and metric ranges from the warehouse.
type Reader struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewReader creates a warehouse reader over the analytical store connection.
func NewReader(db *sql.DB, log zerolog.Logger) *Reader {
	return &Reader{
		db:  db,
		log: log.With().Str("component", "warehouse").Logger(),
	}
}

// wrapUnavailable converts driver-level failures into the typed
// unavailability error so higher layers can map it to 503.
func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrWarehouseUnavailable, err)
}

// EntityWindow returns all entities of a kind with their current lever
// values and both 7- and 30-day windowed aggregates as of snapshotDate.
func (r *Reader) EntityWindow(kind domain.EntityKind, customerID int64, snapshotDate string) ([]domain.EntityWithMetrics, error) {
	kt, ok := kindTables[kind]
	if !ok {
		return nil, &domain.ValidationError{Field: "entity_kind", Message: fmt.Sprintf("unknown kind %q", kind)}
	}

	// Latest-day row carries the entity attributes; windows are summed over
	// trailing ranges ending at the snapshot date.
	query := fmt.Sprintf(`
		SELECT
			s.%[1]s,
			COALESCE(s.ad_group_id, 0),
			COALESCE(s.match_type, ''),
			COALESCE(s.keyword_text, ''),
			COALESCE(s.status, ''),
			COALESCE(s.bid_micros, 0),
			COALESCE(s.budget_micros, 0),
			COALESCE(w7.impressions, 0), COALESCE(w7.clicks, 0), COALESCE(w7.cost_micros, 0),
			COALESCE(w7.conversions, 0), COALESCE(w7.conversions_value, 0),
			COALESCE(w30.impressions, 0), COALESCE(w30.clicks, 0), COALESCE(w30.cost_micros, 0),
			COALESCE(w30.conversions, 0), COALESCE(w30.conversions_value, 0)
		FROM %[2]s s
		LEFT JOIN (
			SELECT %[1]s AS eid,
				SUM(impressions) AS impressions, SUM(clicks) AS clicks,
				SUM(cost_micros) AS cost_micros, SUM(conversions) AS conversions,
				SUM(conversions_value) AS conversions_value
			FROM %[2]s
			WHERE customer_id = ? AND date > date(?, '-7 days') AND date <= ?
			GROUP BY %[1]s
		) w7 ON w7.eid = s.%[1]s
		LEFT JOIN (
			SELECT %[1]s AS eid,
				SUM(impressions) AS impressions, SUM(clicks) AS clicks,
				SUM(cost_micros) AS cost_micros, SUM(conversions) AS conversions,
				SUM(conversions_value) AS conversions_value
			FROM %[2]s
			WHERE customer_id = ? AND date > date(?, '-30 days') AND date <= ?
			GROUP BY %[1]s
		) w30 ON w30.eid = s.%[1]s
		WHERE s.customer_id = ? AND s.date = ?
		ORDER BY s.%[1]s
	`, kt.idColumn, kt.table)

	rows, err := r.db.Query(query,
		customerID, snapshotDate, snapshotDate,
		customerID, snapshotDate, snapshotDate,
		customerID, snapshotDate,
	)
	if err != nil {
		return nil, wrapUnavailable("entity window query", err)
	}
	defer rows.Close()

	var out []domain.EntityWithMetrics
	for rows.Next() {
		var e domain.EntityWithMetrics
		var matchType string
		e.Entity.CustomerID = customerID
		e.Entity.Kind = kind
		e.Window7.WindowDays = 7
		e.Window30.WindowDays = 30

		if err := rows.Scan(
			&e.Entity.EntityID,
			&e.Entity.AdGroupID,
			&matchType,
			&e.Entity.KeywordText,
			&e.Status,
			&e.BidMicros,
			&e.BudgetMicros,
			&e.Window7.Impressions, &e.Window7.Clicks, &e.Window7.CostMicros,
			&e.Window7.Conversions, &e.Window7.ConversionsValue,
			&e.Window30.Impressions, &e.Window30.Clicks, &e.Window30.CostMicros,
			&e.Window30.Conversions, &e.Window30.ConversionsValue,
		); err != nil {
			return nil, fmt.Errorf("failed to scan entity window row: %w", err)
		}
		e.Entity.MatchType = domain.MatchType(matchType)

		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("entity window rows", err)
	}

	return out, nil
}

// MetricsBetween returns per-day metric rows for a single entity in
// [start, end), oldest first. Used by the rollback monitor for baseline and
// post-change windows.
func (r *Reader) MetricsBetween(kind domain.EntityKind, customerID, entityID int64, start, end time.Time) ([]domain.MetricRow, error) {
	kt, ok := kindTables[kind]
	if !ok {
		return nil, &domain.ValidationError{Field: "entity_kind", Message: fmt.Sprintf("unknown kind %q", kind)}
	}

	query := fmt.Sprintf(`
		SELECT date, impressions, clicks, cost_micros, conversions, conversions_value
		FROM %s
		WHERE customer_id = ? AND %s = ? AND date >= ? AND date < ?
		ORDER BY date
	`, kt.table, kt.idColumn)

	rows, err := r.db.Query(query, customerID, entityID, start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, wrapUnavailable("metrics between query", err)
	}
	defer rows.Close()

	var out []domain.MetricRow
	for rows.Next() {
		var m domain.MetricRow
		var dateStr string
		m.Entity = domain.EntityRef{CustomerID: customerID, Kind: kind, EntityID: entityID}
		if err := rows.Scan(&dateStr, &m.Impressions, &m.Clicks, &m.CostMicros, &m.Conversions, &m.ConversionsValue); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		if t, err := time.Parse("2006-01-02", dateStr); err == nil {
			m.Date = t.UTC()
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapUnavailable("metrics between rows", err)
	}

	return out, nil
}

// CurrentValue re-reads the entity's present value for a lever from the most
// recent snapshot. Guardrails use this for liveness checks; it deliberately
// bypasses the cache.
func (r *Reader) CurrentValue(ref domain.EntityRef, lever domain.Lever) (int64, error) {
	kt, ok := kindTables[ref.Kind]
	if !ok {
		return 0, &domain.ValidationError{Field: "entity_kind", Message: fmt.Sprintf("unknown kind %q", ref.Kind)}
	}

	var column string
	switch lever {
	case domain.LeverBid:
		column = "COALESCE(bid_micros, 0)"
	case domain.LeverBudget:
		column = "COALESCE(budget_micros, 0)"
	case domain.LeverStatus:
		column = fmt.Sprintf("CASE COALESCE(status, '') WHEN '%s' THEN 1 ELSE 0 END", domain.StatusEnabled)
	default:
		return 0, &domain.ValidationError{Field: "lever", Message: fmt.Sprintf("unknown lever %q", lever)}
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE customer_id = ? AND %s = ?
		ORDER BY date DESC
		LIMIT 1
	`, column, kt.table, kt.idColumn)

	var value int64
	err := r.db.QueryRow(query, ref.CustomerID, ref.EntityID).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("entity %s: %w", ref, domain.ErrNotFound)
	}
	if err != nil {
		return 0, wrapUnavailable("current value query", err)
	}

	return value, nil
}

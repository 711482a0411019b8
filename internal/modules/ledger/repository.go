// Package ledger owns the append-only change log. Rows are written once at
// execution time; the only later mutations are rollback bookkeeping fields.
// Cooldown checks, conflict checks and the rollback monitor all read from
// here - if the ledger is down, execution halts rather than guessing.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/database"
	"github.com/adpilot/adpilot/internal/domain"
)

// Repository is the change log repository over the ledger database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a ledger repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db.Conn(),
		log: log.With().Str("repository", "change_ledger").Logger(),
	}
}

// wrapUnavailable converts driver failures into the typed unavailability
// error so execution can halt with 503 semantics.
func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrLedgerUnavailable, err)
}

const changeColumns = `
	change_id, customer_id, entity_kind, entity_id,
	COALESCE(ad_group_id, 0), COALESCE(match_type, ''), COALESCE(keyword_text, ''),
	action_type, lever, old_value, new_value, change_pct, rule_id, risk_tier,
	metadata, change_date, executed_at, approved_by,
	COALESCE(rollback_status, ''), COALESCE(rollback_id, 0),
	monitoring_started_at, monitoring_completed_at, COALESCE(rollback_reason, '')`

// Append writes a change record and returns its assigned change_id. The
// metadata bag is serialized here, at the single storage boundary.
func (r *Repository) Append(rec domain.ChangeRecord) (int64, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal change metadata: %w", err)
	}

	var rollbackStatus interface{}
	if rec.RollbackStatus != domain.RollbackNone {
		rollbackStatus = string(rec.RollbackStatus)
	}
	var rollbackID interface{}
	if rec.RollbackID != 0 {
		rollbackID = rec.RollbackID
	}
	var monitoringStarted interface{}
	if rec.MonitoringStartedAt != nil {
		monitoringStarted = rec.MonitoringStartedAt.Unix()
	}

	res, err := r.db.Exec(`
		INSERT INTO change_log (
			customer_id, entity_kind, entity_id, ad_group_id, match_type, keyword_text,
			action_type, lever, old_value, new_value, change_pct, rule_id, risk_tier,
			metadata, change_date, executed_at, approved_by,
			rollback_status, rollback_id, monitoring_started_at, rollback_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Entity.CustomerID, string(rec.Entity.Kind), rec.Entity.EntityID,
		rec.Entity.AdGroupID, string(rec.Entity.MatchType), rec.Entity.KeywordText,
		string(rec.ActionType), string(rec.Lever), rec.OldValue, rec.NewValue, rec.ChangePct,
		rec.RuleID, string(rec.RiskTier),
		string(metadata), rec.ChangeDate.Unix(), rec.ExecutedAt.Unix(), rec.ApprovedBy,
		rollbackStatus, rollbackID, monitoringStarted, rec.RollbackReason,
	)
	if err != nil {
		return 0, wrapUnavailable("ledger append", err)
	}

	changeID, err := res.LastInsertId()
	if err != nil {
		return 0, wrapUnavailable("ledger append id", err)
	}

	r.log.Info().
		Int64("change_id", changeID).
		Str("entity", rec.Entity.String()).
		Str("lever", string(rec.Lever)).
		Int64("old_value", rec.OldValue).
		Int64("new_value", rec.NewValue).
		Msg("Change appended to ledger")
	return changeID, nil
}

// Get returns a change record by id.
func (r *Repository) Get(changeID int64) (domain.ChangeRecord, error) {
	row := r.db.QueryRow(`SELECT `+changeColumns+` FROM change_log WHERE change_id = ?`, changeID)
	rec, err := scanChange(row)
	if err == sql.ErrNoRows {
		return domain.ChangeRecord{}, fmt.Errorf("change %d: %w", changeID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ChangeRecord{}, wrapUnavailable("ledger get", err)
	}
	return rec, nil
}

// LatestForLever returns the most recent change for an entity-lever pair at
// or after the cutoff. Ties on change_date break by change_id descending.
// Returns (nil, nil) when there is none.
func (r *Repository) LatestForLever(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error) {
	row := r.db.QueryRow(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE customer_id = ? AND entity_id = ? AND lever = ? AND change_date >= ?
		ORDER BY change_date DESC, change_id DESC
		LIMIT 1
	`, customerID, entityID, string(lever), since.Unix())

	rec, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("ledger cooldown query", err)
	}
	return &rec, nil
}

// LatestForOtherLevers returns the most recent change on the entity whose
// lever differs from the given one, at or after the cutoff. (nil, nil) when
// there is none.
func (r *Repository) LatestForOtherLevers(customerID, entityID int64, lever domain.Lever, since time.Time) (*domain.ChangeRecord, error) {
	row := r.db.QueryRow(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE customer_id = ? AND entity_id = ? AND lever != ? AND change_date >= ?
		ORDER BY change_date DESC, change_id DESC
		LIMIT 1
	`, customerID, entityID, string(lever), since.Unix())

	rec, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapUnavailable("ledger lever conflict query", err)
	}
	return &rec, nil
}

// DueForMonitoring returns records still under monitoring, oldest first.
func (r *Repository) DueForMonitoring(limit int) ([]domain.ChangeRecord, error) {
	rows, err := r.db.Query(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE rollback_status = ?
		ORDER BY change_date, change_id
		LIMIT ?
	`, string(domain.RollbackMonitoring), limit)
	if err != nil {
		return nil, wrapUnavailable("ledger monitoring scan", err)
	}
	defer rows.Close()

	return collectChanges(rows)
}

// claimStaleAfter is how long a monitor claim holds before another tick may
// re-claim the record (a crashed tick must not wedge monitoring forever).
const claimStaleAfter = 30 * time.Minute

// Claim takes the advisory monitoring lock on a record. Returns false when
// another tick holds a fresh claim.
func (r *Repository) Claim(changeID int64, now time.Time) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE change_log
		SET monitor_claim = ?
		WHERE change_id = ? AND rollback_status = ?
		  AND (monitor_claim IS NULL OR monitor_claim < ?)
	`, now.Unix(), changeID, string(domain.RollbackMonitoring), now.Add(-claimStaleAfter).Unix())
	if err != nil {
		return false, wrapUnavailable("ledger claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapUnavailable("ledger claim result", err)
	}
	return n == 1, nil
}

// Release drops the advisory claim without deciding the record. Used when a
// tick cannot finish evaluating (e.g. the warehouse went away mid-tick).
func (r *Repository) Release(changeID int64) error {
	if _, err := r.db.Exec(`
		UPDATE change_log SET monitor_claim = NULL WHERE change_id = ?
	`, changeID); err != nil {
		return wrapUnavailable("ledger release", err)
	}
	return nil
}

// MarkRolledBack finalizes a monitored record as rolled back, pointing at the
// compensating change.
func (r *Repository) MarkRolledBack(changeID, rollbackID int64, reason string, now time.Time) error {
	return r.finishMonitoring(changeID, domain.RollbackRolledBack, rollbackID, reason, now)
}

// MarkConfirmedGood finalizes a monitored record as healthy.
func (r *Repository) MarkConfirmedGood(changeID int64, reason string, now time.Time) error {
	return r.finishMonitoring(changeID, domain.RollbackConfirmedGood, 0, reason, now)
}

func (r *Repository) finishMonitoring(changeID int64, status domain.RollbackStatus, rollbackID int64, reason string, now time.Time) error {
	var rollbackRef interface{}
	if rollbackID != 0 {
		rollbackRef = rollbackID
	}

	res, err := r.db.Exec(`
		UPDATE change_log
		SET rollback_status = ?, rollback_id = ?, rollback_reason = ?,
		    monitoring_completed_at = ?, monitor_claim = NULL
		WHERE change_id = ? AND rollback_status = ?
	`, string(status), rollbackRef, reason, now.Unix(), changeID, string(domain.RollbackMonitoring))
	if err != nil {
		return wrapUnavailable("ledger monitoring finish", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapUnavailable("ledger monitoring finish result", err)
	}
	if n == 0 {
		return fmt.Errorf("change %d not under monitoring: %w", changeID, domain.ErrNotFound)
	}

	r.log.Info().
		Int64("change_id", changeID).
		Str("rollback_status", string(status)).
		Str("reason", reason).
		Msg("Monitoring finished")
	return nil
}

// ChangesSince returns changes executed at or after the cutoff, newest first.
func (r *Repository) ChangesSince(since time.Time, limit int) ([]domain.ChangeRecord, error) {
	rows, err := r.db.Query(`
		SELECT `+changeColumns+`
		FROM change_log
		WHERE executed_at >= ?
		ORDER BY executed_at DESC, change_id DESC
		LIMIT ?
	`, since.Unix(), limit)
	if err != nil {
		return nil, wrapUnavailable("ledger changes query", err)
	}
	defer rows.Close()

	return collectChanges(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func collectChanges(rows *sql.Rows) ([]domain.ChangeRecord, error) {
	var out []domain.ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanChange(row scanner) (domain.ChangeRecord, error) {
	var rec domain.ChangeRecord
	var kind, matchType, actionType, lever, riskTier, rollbackStatus, metadata string
	var changeDate, executedAt int64
	var monitoringStarted, monitoringCompleted sql.NullInt64

	err := row.Scan(
		&rec.ChangeID, &rec.Entity.CustomerID, &kind, &rec.Entity.EntityID,
		&rec.Entity.AdGroupID, &matchType, &rec.Entity.KeywordText,
		&actionType, &lever, &rec.OldValue, &rec.NewValue, &rec.ChangePct,
		&rec.RuleID, &riskTier,
		&metadata, &changeDate, &executedAt, &rec.ApprovedBy,
		&rollbackStatus, &rec.RollbackID,
		&monitoringStarted, &monitoringCompleted, &rec.RollbackReason,
	)
	if err != nil {
		return domain.ChangeRecord{}, err
	}

	rec.Entity.Kind = domain.EntityKind(kind)
	rec.Entity.MatchType = domain.MatchType(matchType)
	rec.ActionType = domain.ActionKind(actionType)
	rec.Lever = domain.Lever(lever)
	rec.RiskTier = domain.RiskTier(riskTier)
	rec.RollbackStatus = domain.RollbackStatus(rollbackStatus)
	rec.ChangeDate = time.Unix(changeDate, 0).UTC()
	rec.ExecutedAt = time.Unix(executedAt, 0).UTC()
	if monitoringStarted.Valid {
		t := time.Unix(monitoringStarted.Int64, 0).UTC()
		rec.MonitoringStartedAt = &t
	}
	if monitoringCompleted.Valid {
		t := time.Unix(monitoringCompleted.Int64, 0).UTC()
		rec.MonitoringCompletedAt = &t
	}

	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
		return domain.ChangeRecord{}, fmt.Errorf("failed to unmarshal change metadata: %w", err)
	}

	return rec, nil
}

// Package approval owns the recommendation lifecycle: persistence of generated
// proposals, human decisions on them, and outcome bookkeeping after execution.
// All status changes go through the transition matrix; an illegal transition
// never reaches the database.
package approval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/database"
	"github.com/adpilot/adpilot/internal/domain"
)

// Store is the recommendation repository over the approvals database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates an approval store.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db.Conn(),
		log: log.With().Str("repository", "approval_store").Logger(),
	}
}

const recommendationColumns = `
	uuid, rule_id, customer_id, entity_kind, entity_id,
	COALESCE(ad_group_id, 0), COALESCE(match_type, ''), COALESCE(keyword_text, ''),
	action_kind, lever, old_value, new_value, change_pct, risk_tier,
	confidence, evidence, reasoning, status, snapshot_date,
	COALESCE(approved_by, ''), COALESCE(fail_reason, ''),
	created_at, updated_at, decided_at, executed_at`

// ReplacePending atomically replaces the pending set for a customer and
// snapshot date. Regenerating for the same snapshot is idempotent: old
// pending proposals vanish, decided ones are untouched.
func (s *Store) ReplacePending(customerID int64, snapshotDate string, recs []domain.Recommendation) error {
	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM recommendations
			WHERE customer_id = ? AND snapshot_date = ? AND status = ?
		`, customerID, snapshotDate, domain.StatusPending); err != nil {
			return fmt.Errorf("failed to clear pending set: %w", err)
		}

		for _, rec := range recs {
			evidence, err := json.Marshal(rec.Evidence)
			if err != nil {
				return fmt.Errorf("failed to marshal evidence for %s: %w", rec.ID, err)
			}

			if _, err := tx.Exec(`
				INSERT INTO recommendations (
					uuid, rule_id, customer_id, entity_kind, entity_id,
					ad_group_id, match_type, keyword_text,
					action_kind, lever, old_value, new_value, change_pct, risk_tier,
					confidence, evidence, reasoning, status, snapshot_date,
					created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				rec.ID, rec.RuleID, rec.Entity.CustomerID, string(rec.Entity.Kind), rec.Entity.EntityID,
				rec.Entity.AdGroupID, string(rec.Entity.MatchType), rec.Entity.KeywordText,
				string(rec.ActionKind), string(rec.Lever), rec.OldValue, rec.NewValue, rec.ChangePct, string(rec.RiskTier),
				rec.Confidence, string(evidence), rec.Reasoning, string(domain.StatusPending), rec.SnapshotDate,
				rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
			); err != nil {
				return fmt.Errorf("failed to insert recommendation %s: %w", rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Int64("customer_id", customerID).
		Str("snapshot_date", snapshotDate).
		Int("count", len(recs)).
		Msg("Pending recommendation set replaced")
	return nil
}

// Get returns a recommendation by id.
func (s *Store) Get(id string) (domain.Recommendation, error) {
	row := s.db.QueryRow(`SELECT `+recommendationColumns+` FROM recommendations WHERE uuid = ?`, id)
	rec, err := scanRecommendation(row)
	if err == sql.ErrNoRows {
		return domain.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("failed to load recommendation %s: %w", id, err)
	}
	return rec, nil
}

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	Status     domain.RecommendationStatus
	CustomerID int64
	Limit      int
}

// List returns recommendations newest first.
func (s *Store) List(filter ListFilter) ([]domain.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CustomerID != 0 {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	query += ` ORDER BY created_at DESC, uuid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	var out []domain.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recommendation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Approve moves a pending recommendation to APPROVED, recording the approver.
func (s *Store) Approve(id, approvedBy string, now time.Time) (domain.Recommendation, error) {
	return s.transition(id, domain.StatusApproved, now, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE recommendations
			SET status = ?, approved_by = ?, decided_at = ?, updated_at = ?
			WHERE uuid = ?
		`, string(domain.StatusApproved), approvedBy, now.Unix(), now.Unix(), id)
		return err
	})
}

// Reject moves a pending recommendation to REJECTED.
func (s *Store) Reject(id, decidedBy, reason string, now time.Time) (domain.Recommendation, error) {
	return s.transition(id, domain.StatusRejected, now, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE recommendations
			SET status = ?, approved_by = ?, fail_reason = ?, decided_at = ?, updated_at = ?
			WHERE uuid = ?
		`, string(domain.StatusRejected), decidedBy, reason, now.Unix(), now.Unix(), id)
		return err
	})
}

// MarkExecuted moves an approved recommendation to EXECUTED.
func (s *Store) MarkExecuted(id string, now time.Time) (domain.Recommendation, error) {
	return s.transition(id, domain.StatusExecuted, now, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE recommendations
			SET status = ?, executed_at = ?, updated_at = ?
			WHERE uuid = ?
		`, string(domain.StatusExecuted), now.Unix(), now.Unix(), id)
		return err
	})
}

// MarkFailed moves an approved recommendation to FAILED with a reason.
func (s *Store) MarkFailed(id, reason string, now time.Time) (domain.Recommendation, error) {
	return s.transition(id, domain.StatusFailed, now, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE recommendations
			SET status = ?, fail_reason = ?, updated_at = ?
			WHERE uuid = ?
		`, string(domain.StatusFailed), reason, now.Unix(), now.Unix(), id)
		return err
	})
}

// transition loads the row inside a transaction, checks the status matrix,
// applies the update and returns the refreshed recommendation.
func (s *Store) transition(id string, to domain.RecommendationStatus, now time.Time, update func(*sql.Tx) error) (domain.Recommendation, error) {
	var out domain.Recommendation

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		var from string
		err := tx.QueryRow(`SELECT status FROM recommendations WHERE uuid = ?`, id).Scan(&from)
		if err == sql.ErrNoRows {
			return fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load recommendation %s: %w", id, err)
		}

		if !domain.CanTransition(domain.RecommendationStatus(from), to) {
			return &domain.IllegalTransitionError{From: domain.RecommendationStatus(from), To: to}
		}

		if err := update(tx); err != nil {
			return fmt.Errorf("failed to update recommendation %s: %w", id, err)
		}

		row := tx.QueryRow(`SELECT `+recommendationColumns+` FROM recommendations WHERE uuid = ?`, id)
		out, err = scanRecommendation(row)
		if err != nil {
			return fmt.Errorf("failed to reload recommendation %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return domain.Recommendation{}, err
	}

	s.log.Info().
		Str("recommendation_id", id).
		Str("status", string(to)).
		Msg("Recommendation transitioned")
	return out, nil
}

// ExpireOverdue expires pending recommendations older than the TTL. Returns
// the number of rows expired.
func (s *Store) ExpireOverdue(now time.Time, ttl time.Duration) (int, error) {
	cutoff := now.Add(-ttl).Unix()

	res, err := s.db.Exec(`
		UPDATE recommendations
		SET status = ?, updated_at = ?
		WHERE status = ? AND created_at < ?
	`, string(domain.StatusExpired), now.Unix(), string(domain.StatusPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire recommendations: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("expired", n).Msg("Expired overdue recommendations")
	}
	return int(n), nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendation(row scanner) (domain.Recommendation, error) {
	var rec domain.Recommendation
	var kind, matchType, actionKind, lever, riskTier, status, evidence string
	var createdAt, updatedAt int64
	var decidedAt, executedAt sql.NullInt64

	err := row.Scan(
		&rec.ID, &rec.RuleID, &rec.Entity.CustomerID, &kind, &rec.Entity.EntityID,
		&rec.Entity.AdGroupID, &matchType, &rec.Entity.KeywordText,
		&actionKind, &lever, &rec.OldValue, &rec.NewValue, &rec.ChangePct, &riskTier,
		&rec.Confidence, &evidence, &rec.Reasoning, &status, &rec.SnapshotDate,
		&rec.ApprovedBy, &rec.FailReason,
		&createdAt, &updatedAt, &decidedAt, &executedAt,
	)
	if err != nil {
		return domain.Recommendation{}, err
	}

	rec.Entity.Kind = domain.EntityKind(kind)
	rec.Entity.MatchType = domain.MatchType(matchType)
	rec.ActionKind = domain.ActionKind(actionKind)
	rec.Lever = domain.Lever(lever)
	rec.RiskTier = domain.RiskTier(riskTier)
	rec.Status = domain.RecommendationStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if decidedAt.Valid {
		t := time.Unix(decidedAt.Int64, 0).UTC()
		rec.DecidedAt = &t
	}
	if executedAt.Valid {
		t := time.Unix(executedAt.Int64, 0).UTC()
		rec.ExecutedAt = &t
	}

	if err := json.Unmarshal([]byte(evidence), &rec.Evidence); err != nil {
		return domain.Recommendation{}, fmt.Errorf("failed to unmarshal evidence: %w", err)
	}

	rec.Action = domain.RehydrateAction(rec.ActionKind, rec.Entity, rec.OldValue, rec.NewValue)
	return rec, nil
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

// Infrastructure availability errors. Callers decide retry
// policy; the layers that raise these never retry themselves.
var (
	ErrWarehouseUnavailable = errors.New("warehouse unavailable")
	ErrLedgerUnavailable    = errors.New("ledger unavailable")
	ErrNotFound             = errors.New("not found")
)

// ValidationError reports bad input on a named field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// IllegalTransitionError reports a forbidden recommendation status change.
type IllegalTransitionError struct {
	From RecommendationStatus
	To   RecommendationStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// RejectCode enumerates guardrail rejection reasons.
type RejectCode string

const (
	RejectValidation       RejectCode = "ValidationFailed"
	RejectStaleProposal    RejectCode = "StaleProposal"
	RejectInCooldown       RejectCode = "InCooldown"
	RejectConflictingLever RejectCode = "ConflictingLever"
	RejectMaxChangePct     RejectCode = "MaxChangeExceeded"
	RejectRiskGate         RejectCode = "RiskGate"
	RejectBatchCap         RejectCode = "BatchCapExceeded"
	RejectRateLimited      RejectCode = "RateLimited"
)

// Rejection is a guardrail decision value. It is carried in results, not
// raised through control flow; "normal" rejections never panic or abort a
// batch.
type Rejection struct {
	Code    RejectCode
	Message string

	// Until is set for InCooldown and RateLimited: the instant the
	// restriction clears.
	Until time.Time
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// AdapterError classifies an ads-platform mutation failure.
type AdapterError struct {
	// Transient failures are retried with backoff; permanent ones are not.
	Transient  bool
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *AdapterError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("adapter %s error %s: %s", kind, e.Code, e.Message)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/adsapi"
	"github.com/adpilot/adpilot/internal/modules/approval"
	"github.com/adpilot/adpilot/internal/modules/execution"
)

type fakeApprovals struct {
	recs       map[string]domain.Recommendation
	approveErr error
	rejectErr  error
	listErr    error

	lastApprovedBy string
	lastReason     string
}

func (f *fakeApprovals) Get(id string) (domain.Recommendation, error) {
	rec, ok := f.recs[id]
	if !ok {
		return domain.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (f *fakeApprovals) List(filter approval.ListFilter) ([]domain.Recommendation, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Recommendation
	for _, rec := range f.recs {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeApprovals) Approve(id, approvedBy string, now time.Time) (domain.Recommendation, error) {
	if f.approveErr != nil {
		return domain.Recommendation{}, f.approveErr
	}
	rec, ok := f.recs[id]
	if !ok {
		return domain.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
	}
	if rec.Status != domain.StatusPending {
		return domain.Recommendation{}, &domain.IllegalTransitionError{From: rec.Status, To: domain.StatusApproved}
	}
	rec.Status = domain.StatusApproved
	rec.ApprovedBy = approvedBy
	f.recs[id] = rec
	f.lastApprovedBy = approvedBy
	return rec, nil
}

func (f *fakeApprovals) Reject(id, decidedBy, reason string, now time.Time) (domain.Recommendation, error) {
	if f.rejectErr != nil {
		return domain.Recommendation{}, f.rejectErr
	}
	rec, ok := f.recs[id]
	if !ok {
		return domain.Recommendation{}, fmt.Errorf("recommendation %s: %w", id, domain.ErrNotFound)
	}
	if rec.Status != domain.StatusPending {
		return domain.Recommendation{}, &domain.IllegalTransitionError{From: rec.Status, To: domain.StatusRejected}
	}
	rec.Status = domain.StatusRejected
	rec.FailReason = reason
	f.recs[id] = rec
	f.lastReason = reason
	return rec, nil
}

type fakeExecutor struct {
	result    execution.Result
	batch     execution.BatchResult
	err       error
	lastIDs   []string
	lastCall  string
	lastBatch string
	lastMode  adsapi.Mode
}

func (f *fakeExecutor) ExecuteRecommendation(ctx context.Context, id string, mode adsapi.Mode, caller string) (execution.Result, error) {
	f.lastCall = caller
	f.lastMode = mode
	if f.err != nil {
		return execution.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, ids []string, mode adsapi.Mode, caller string) (execution.BatchResult, error) {
	f.lastIDs = ids
	f.lastBatch = caller
	f.lastMode = mode
	if f.err != nil {
		return execution.BatchResult{}, f.err
	}
	return f.batch, nil
}

type fakeChanges struct {
	changes []domain.ChangeRecord
	err     error
	since   time.Time
	limit   int
}

func (f *fakeChanges) ChangesSince(since time.Time, limit int) ([]domain.ChangeRecord, error) {
	f.since = since
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.changes, nil
}

type fakeGenerator struct {
	recs []domain.Recommendation
	err  error
	date string
}

func (f *fakeGenerator) Generate(ctx context.Context, customerID int64, snapshotDate string) ([]domain.Recommendation, error) {
	f.date = snapshotDate
	if f.err != nil {
		return nil, f.err
	}
	return f.recs, nil
}

func pendingRec(id string) domain.Recommendation {
	return domain.Recommendation{
		ID:     id,
		RuleID: "KW_BID_UP_LOW_CPA",
		Entity: domain.EntityRef{
			CustomerID: 100, Kind: domain.KindKeyword, EntityID: 555,
		},
		ActionKind: domain.ActionAdjustBid,
		Lever:      domain.LeverBid,
		OldValue:   1_500_000,
		NewValue:   1_725_000,
		RiskTier:   domain.RiskLow,
		Confidence: 0.9,
		Status:     domain.StatusPending,
	}
}

type fixture struct {
	approvals *fakeApprovals
	executor  *fakeExecutor
	changes   *fakeChanges
	generator *fakeGenerator
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		approvals: &fakeApprovals{recs: map[string]domain.Recommendation{}},
		executor:  &fakeExecutor{},
		changes:   &fakeChanges{},
		generator: &fakeGenerator{},
	}
	srv := New(Config{
		Log:            zerolog.Nop(),
		Port:           0,
		DevMode:        true,
		CustomerID:     100,
		Approvals:      f.approvals,
		Executor:       f.executor,
		Changes:        f.changes,
		Generator:      f.generator,
		SystemHandlers: NewSystemHandlers(zerolog.Nop(), t.TempDir(), "", nil),
	})
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.1.2.3:4444"
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope errorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"healthy"`)
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	f.approvals.recs["r1"] = pendingRec("r1")

	rr := f.do(t, http.MethodPost, "/api/approve", map[string]string{
		"recommendation_id": "r1",
		"approved_by":       "ops@example.com",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, domain.StatusApproved, rec.Status)
	assert.Equal(t, "ops@example.com", rec.ApprovedBy)
}

func TestApproveValidatesBody(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/approve", map[string]string{"approved_by": "ops"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ValidationFailed", errorCode(t, rr))

	rr = f.do(t, http.MethodPost, "/api/approve", map[string]string{"recommendation_id": "r1"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ValidationFailed", errorCode(t, rr))
}

func TestApproveUnknownIs404(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/approve", map[string]string{
		"recommendation_id": "missing",
		"approved_by":       "ops",
	})

	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NotFound", errorCode(t, rr))
}

func TestApproveDecidedIs409(t *testing.T) {
	f := newFixture(t)
	rec := pendingRec("r1")
	rec.Status = domain.StatusExecuted
	f.approvals.recs["r1"] = rec

	rr := f.do(t, http.MethodPost, "/api/approve", map[string]string{
		"recommendation_id": "r1",
		"approved_by":       "ops",
	})

	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "IllegalTransition", errorCode(t, rr))
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	f.approvals.recs["r1"] = pendingRec("r1")

	rr := f.do(t, http.MethodPost, "/api/reject", map[string]string{
		"recommendation_id": "r1",
		"decided_by":        "ops",
		"reason":            "seasonal campaign, leave alone",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "seasonal campaign, leave alone", f.approvals.lastReason)
}

func TestMalformedBodyIs400(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/approve", bytes.NewBufferString("{nope"))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "BadRequest", errorCode(t, rr))
}

func TestExecuteRecommendation(t *testing.T) {
	f := newFixture(t)
	f.executor.result = execution.Result{
		RecommendationID: "r1",
		Outcome:          execution.OutcomeExecuted,
		ChangeID:         42,
	}

	rr := f.do(t, http.MethodPost, "/api/execute-recommendation", map[string]string{
		"recommendation_id": "r1",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var result execution.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, execution.OutcomeExecuted, result.Outcome)
	assert.Equal(t, int64(42), result.ChangeID)

	// The rate-limit key is the caller address, port stripped.
	assert.Equal(t, "10.1.2.3", f.executor.lastCall)

	// No mode in the body: the engine's default applies.
	assert.Equal(t, adsapi.Mode(""), f.executor.lastMode)
}

func TestExecuteModePassthrough(t *testing.T) {
	f := newFixture(t)
	f.executor.result = execution.Result{RecommendationID: "r1", Outcome: execution.OutcomeDryRun}

	rr := f.do(t, http.MethodPost, "/api/execute-recommendation", map[string]string{
		"recommendation_id": "r1",
		"mode":              "DRY_RUN",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, adsapi.ModeDryRun, f.executor.lastMode)

	rr = f.do(t, http.MethodPost, "/api/execute-batch", map[string]interface{}{
		"recommendation_ids": []string{"r1"},
		"mode":               "LIVE",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, adsapi.ModeLive, f.executor.lastMode)
}

func TestExecuteUnknownModeIs400(t *testing.T) {
	f := newFixture(t)
	f.executor.err = &domain.ValidationError{Field: "mode", Message: "must be DRY_RUN or LIVE"}

	rr := f.do(t, http.MethodPost, "/api/execute-recommendation", map[string]string{
		"recommendation_id": "r1",
		"mode":              "YOLO",
	})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ValidationFailed", errorCode(t, rr))
}

func TestExecuteRateLimitedIs429(t *testing.T) {
	f := newFixture(t)
	f.executor.err = &domain.Rejection{
		Code:    domain.RejectRateLimited,
		Message: "execute rate limit reached for caller",
		Until:   time.Now().Add(30 * time.Second),
	}

	rr := f.do(t, http.MethodPost, "/api/execute-recommendation", map[string]string{
		"recommendation_id": "r1",
	})

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RateLimited", errorCode(t, rr))
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestExecuteNotApprovedIs409(t *testing.T) {
	f := newFixture(t)
	f.executor.err = &domain.IllegalTransitionError{
		From: domain.StatusPending,
		To:   domain.StatusExecuted,
	}

	rr := f.do(t, http.MethodPost, "/api/execute-recommendation", map[string]string{
		"recommendation_id": "r1",
	})

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestExecuteLedgerDownIs503(t *testing.T) {
	f := newFixture(t)
	f.executor.err = fmt.Errorf("appending change: %w", domain.ErrLedgerUnavailable)

	rr := f.do(t, http.MethodPost, "/api/execute-recommendation", map[string]string{
		"recommendation_id": "r1",
	})

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "StorageUnavailable", errorCode(t, rr))
}

func TestExecuteBatch(t *testing.T) {
	f := newFixture(t)
	f.executor.batch = execution.BatchResult{
		Mode: "DRY_RUN",
		Results: []execution.Result{
			{RecommendationID: "r1", Outcome: execution.OutcomeDryRun},
			{RecommendationID: "r2", Outcome: execution.OutcomeRejected, RejectCode: domain.RejectInCooldown},
		},
	}

	rr := f.do(t, http.MethodPost, "/api/execute-batch", map[string]interface{}{
		"recommendation_ids": []string{"r1", "r2"},
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"r1", "r2"}, f.executor.lastIDs)

	var batch execution.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &batch))
	require.Len(t, batch.Results, 2)
	assert.Equal(t, execution.OutcomeRejected, batch.Results[1].Outcome)
}

func TestExecuteBatchEmptyIs400(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/execute-batch", map[string]interface{}{
		"recommendation_ids": []string{},
	})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ValidationFailed", errorCode(t, rr))
}

func TestExecuteBatchOverCapIs400(t *testing.T) {
	f := newFixture(t)
	f.executor.err = &domain.Rejection{
		Code:    domain.RejectBatchCap,
		Message: "batch size 101 exceeds cap 100",
	}

	rr := f.do(t, http.MethodPost, "/api/execute-batch", map[string]interface{}{
		"recommendation_ids": []string{"r1"},
	})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "BatchCapExceeded", errorCode(t, rr))
}

func TestRecommendationStatus(t *testing.T) {
	f := newFixture(t)
	f.approvals.recs["r1"] = pendingRec("r1")

	rr := f.do(t, http.MethodGet, "/api/status/r1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, domain.StatusPending, rec.Status)

	rr = f.do(t, http.MethodGet, "/api/status/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListRecommendationsDefaultsToPending(t *testing.T) {
	f := newFixture(t)
	f.approvals.recs["r1"] = pendingRec("r1")
	executed := pendingRec("r2")
	executed.Status = domain.StatusExecuted
	f.approvals.recs["r2"] = executed

	rr := f.do(t, http.MethodGet, "/api/recommendations", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Recommendations []domain.Recommendation `json:"recommendations"`
		Total           int                     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "r1", body.Recommendations[0].ID)
}

func TestChangesSinceParsing(t *testing.T) {
	f := newFixture(t)
	f.changes.changes = []domain.ChangeRecord{{ChangeID: 7}}

	cutoff := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	rr := f.do(t, http.MethodGet, "/api/changes?since="+cutoff.Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, f.changes.since.Equal(cutoff))

	// Unix seconds work too.
	rr = f.do(t, http.MethodGet, fmt.Sprintf("/api/changes?since=%d", cutoff.Unix()), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, f.changes.since.Equal(cutoff))

	rr = f.do(t, http.MethodGet, "/api/changes?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "ValidationFailed", errorCode(t, rr))
}

func TestChangesWarehouseDownIs503(t *testing.T) {
	f := newFixture(t)
	f.changes.err = fmt.Errorf("listing changes: %w", domain.ErrLedgerUnavailable)

	rr := f.do(t, http.MethodGet, "/api/changes", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTriggerGenerate(t *testing.T) {
	f := newFixture(t)
	f.generator.recs = []domain.Recommendation{pendingRec("r1"), pendingRec("r2")}

	rr := f.do(t, http.MethodPost, "/api/system/jobs/generate?date=2026-08-20", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2026-08-20", f.generator.date)
	assert.Contains(t, rr.Body.String(), `"proposals":2`)

	rr = f.do(t, http.MethodPost, "/api/system/jobs/generate?date=not-a-date", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var status SystemStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.NotEmpty(t, status.GoVersion)
	assert.Greater(t, status.Goroutines, 0)
}

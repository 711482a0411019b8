package server

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/adsapi"
	"github.com/adpilot/adpilot/internal/modules/approval"
)

// errorEnvelope is the uniform error body: {"error":{"code":…,"message":…}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "adpilot",
	})
}

type approveRequest struct {
	RecommendationID string `json:"recommendation_id"`
	ApprovedBy       string `json:"approved_by"`
}

// handleApprove moves a PENDING recommendation to APPROVED.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RecommendationID == "" {
		s.writeError(w, &domain.ValidationError{Field: "recommendation_id", Message: "required"})
		return
	}
	if req.ApprovedBy == "" {
		s.writeError(w, &domain.ValidationError{Field: "approved_by", Message: "required"})
		return
	}

	rec, err := s.approvals.Approve(req.RecommendationID, req.ApprovedBy, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type rejectRequest struct {
	RecommendationID string `json:"recommendation_id"`
	DecidedBy        string `json:"decided_by"`
	Reason           string `json:"reason"`
}

// handleReject moves a PENDING recommendation to REJECTED.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RecommendationID == "" {
		s.writeError(w, &domain.ValidationError{Field: "recommendation_id", Message: "required"})
		return
	}
	if req.DecidedBy == "" {
		s.writeError(w, &domain.ValidationError{Field: "decided_by", Message: "required"})
		return
	}

	rec, err := s.approvals.Reject(req.RecommendationID, req.DecidedBy, req.Reason, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type executeRequest struct {
	RecommendationID string `json:"recommendation_id"`
	Mode             string `json:"mode"`
}

// handleExecuteRecommendation executes one approved recommendation in the
// requested mode. Omitting the mode falls back to the configured default;
// the engine rejects unknown values.
func (s *Server) handleExecuteRecommendation(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RecommendationID == "" {
		s.writeError(w, &domain.ValidationError{Field: "recommendation_id", Message: "required"})
		return
	}

	result, err := s.executor.ExecuteRecommendation(r.Context(), req.RecommendationID, adsapi.Mode(req.Mode), callerAddr(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type executeBatchRequest struct {
	RecommendationIDs []string `json:"recommendation_ids"`
	Mode              string   `json:"mode"`
}

// handleExecuteBatch executes a batch of approved recommendations with
// independent per-proposal outcomes.
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var req executeBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.RecommendationIDs) == 0 {
		s.writeError(w, &domain.ValidationError{Field: "recommendation_ids", Message: "must not be empty"})
		return
	}

	result, err := s.executor.ExecuteBatch(r.Context(), req.RecommendationIDs, adsapi.Mode(req.Mode), callerAddr(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRecommendationStatus returns one recommendation with its current
// lifecycle state.
func (s *Server) handleRecommendationStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.approvals.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleListRecommendations lists recommendations, newest first. Defaults to
// the PENDING queue the dashboard works through.
func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	status := domain.RecommendationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.StatusPending
	}
	limit := queryInt(r, "limit", 100, 500)

	recs, err := s.approvals.List(approval.ListFilter{
		Status:     status,
		CustomerID: s.customerID,
		Limit:      limit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
		"total":           len(recs),
	})
}

// handleChanges returns ledger rows since a cutoff, newest first. `since`
// accepts RFC3339 or Unix seconds; default is the last 24 hours.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := parseSince(raw)
		if err != nil {
			s.writeError(w, &domain.ValidationError{Field: "since", Message: "must be RFC3339 or unix seconds"})
			return
		}
		since = parsed
	}
	limit := queryInt(r, "limit", 100, 1000)

	changes, err := s.changes.ChangesSince(since, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": changes,
		"total":   len(changes),
		"since":   since.UTC().Format(time.RFC3339),
	})
}

// handleTriggerGenerate runs recommendation generation outside the nightly
// schedule. Optional `date` overrides the snapshot date (YYYY-MM-DD).
func (s *Server) handleTriggerGenerate(w http.ResponseWriter, r *http.Request) {
	snapshotDate := time.Now().Format("2006-01-02")
	if raw := r.URL.Query().Get("date"); raw != "" {
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			s.writeError(w, &domain.ValidationError{Field: "date", Message: "must be YYYY-MM-DD"})
			return
		}
		snapshotDate = raw
	}

	recs, err := s.generator.Generate(r.Context(), s.customerID, snapshotDate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "completed",
		"snapshot_date": snapshotDate,
		"proposals":     len(recs),
	})
}

// decode reads a JSON body; a malformed body answers 400 and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErrorBody(w, http.StatusBadRequest, "BadRequest", "invalid JSON body")
		return false
	}
	return true
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors to HTTP status codes and the uniform
// envelope. Guardrail rejections surface their code verbatim so the
// dashboard can present the reason.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		transition *domain.IllegalTransitionError
		rejection  *domain.Rejection
	)

	switch {
	case errors.As(err, &validation):
		s.writeErrorBody(w, http.StatusBadRequest, string(domain.RejectValidation), validation.Error())

	case errors.Is(err, domain.ErrNotFound):
		s.writeErrorBody(w, http.StatusNotFound, "NotFound", err.Error())

	case errors.As(err, &transition):
		s.writeErrorBody(w, http.StatusConflict, "IllegalTransition", transition.Error())

	case errors.As(err, &rejection):
		if rejection.Code == domain.RejectRateLimited {
			if wait := time.Until(rejection.Until); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			s.writeErrorBody(w, http.StatusTooManyRequests, string(rejection.Code), rejection.Message)
			return
		}
		s.writeErrorBody(w, http.StatusBadRequest, string(rejection.Code), rejection.Message)

	case errors.Is(err, domain.ErrLedgerUnavailable), errors.Is(err, domain.ErrWarehouseUnavailable):
		s.writeErrorBody(w, http.StatusServiceUnavailable, "StorageUnavailable", err.Error())

	default:
		s.log.Error().Err(err).Msg("Unhandled error at HTTP boundary")
		s.writeErrorBody(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}

func (s *Server) writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// callerAddr identifies the remote caller for rate limiting. RealIP
// middleware has already unwrapped proxy headers.
func callerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// queryInt parses a bounded positive integer query parameter.
func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseSince accepts RFC3339 or Unix seconds.
func parseSince(raw string) (time.Time, error) {
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
	"github.com/nadia-hitl/nadia/internal/review"
)

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type listResponse struct {
	Reviews []review.Item `json:"reviews"`
	Count   int           `json:"count"`
}

type approveRequest struct {
	FinalBubbles  []string `json:"final_bubbles"`
	EditTags      []string `json:"edit_tags"`
	QualityScore  *int     `json:"quality_score"`
	ReviewerNotes string   `json:"reviewer_notes"`
	ReviewTimeSec *float64 `json:"review_time_seconds"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type editRequest struct {
	FinalBubbles   []string        `json:"final_bubbles"`
	EditTags       []string        `json:"edit_tags"`
	ReviewerNotes  *string         `json:"reviewer_notes"`
	QualityScore   *int            `json:"quality_score"`
	CTAData        json.RawMessage `json:"cta_data"`
	CustomerStatus *string         `json:"customer_status"`
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer", "bad_limit")
			return
		}
		limit = n
	}

	filter := review.Filter{UserID: q.Get("user_id")}
	if raw := q.Get("min_risk"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			writeError(w, r, http.StatusBadRequest, "min_risk must be in [0,1]", "bad_min_risk")
			return
		}
		filter.MinRisk = v
	}

	items, err := s.reviews.ListPending(r.Context(), limit, filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []review.Item{}
	}
	writeJSON(w, http.StatusOK, listResponse{Reviews: items, Count: len(items)})
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	row, err := s.reviews.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.QualityScore != nil && (*req.QualityScore < 1 || *req.QualityScore > 5) {
		writeError(w, r, http.StatusBadRequest, "quality_score must be between 1 and 5", "bad_quality_score")
		return
	}

	row, err := s.reviews.Approve(r.Context(), mux.Vars(r)["id"], persistence.ReviewDecision{
		FinalBubbles:  req.FinalBubbles,
		EditTags:      req.EditTags,
		QualityScore:  req.QualityScore,
		ReviewerNotes: req.ReviewerNotes,
		ReviewTimeSec: req.ReviewTimeSec,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required", "missing_reason")
		return
	}

	row, err := s.reviews.Reject(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.QualityScore != nil && (*req.QualityScore < 1 || *req.QualityScore > 5) {
		writeError(w, r, http.StatusBadRequest, "quality_score must be between 1 and 5", "bad_quality_score")
		return
	}

	row, err := s.reviews.Edit(r.Context(), mux.Vars(r)["id"], persistence.EditPatch{
		FinalBubbles:   req.FinalBubbles,
		EditTags:       req.EditTags,
		ReviewerNotes:  req.ReviewerNotes,
		QualityScore:   req.QualityScore,
		CTAData:        req.CTAData,
		CustomerStatus: req.CustomerStatus,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	Checks    map[string]checkResult `json:"checks"`
	Queues    map[string]int64       `json:"queues"`
	System    systemInfo             `json:"system"`
}

type checkResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type systemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]checkResult, 2)
	healthy := true

	start := time.Now()
	if err := s.kv.Ping(ctx); err != nil {
		checks["redis"] = checkResult{Status: "unhealthy", LatencyMS: time.Since(start).Milliseconds(), Error: err.Error()}
		healthy = false
	} else {
		checks["redis"] = checkResult{Status: "healthy", LatencyMS: time.Since(start).Milliseconds()}
	}

	db := s.db.Health(ctx)
	dbCheck := checkResult{Status: "healthy", LatencyMS: db.ResponseTimeMS}
	if !db.Healthy {
		dbCheck.Status = "unhealthy"
		dbCheck.Error = strings.Join(db.Errors, "; ")
		healthy = false
	}
	checks["postgres"] = dbCheck

	queues := map[string]int64{}
	if checks["redis"].Status == "healthy" {
		if d, err := s.kv.WALDepth(ctx); err == nil {
			queues["wal"] = d
		}
		if d, err := s.kv.ReviewDepth(ctx); err == nil {
			queues["review"] = d
		}
		if d, err := s.kv.OutboundDepth(ctx); err == nil {
			queues["outbound"] = d
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Version:   s.version,
		Checks:    checks,
		Queues:    queues,
		System: systemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "no such endpoint: "+r.Method+" "+r.URL.Path, "unknown_route")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path, "method_not_allowed")
}

// writeDomainError maps review failures onto the API contract: stale
// decisions are 409, backpressure 503 with Retry-After, unknown ids 404.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case models.IsStaleReview(err):
		writeError(w, r, http.StatusConflict, err.Error(), "stale_review")
	case models.IsBackpressure(err):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, err.Error(), "backpressure")
	case errors.Is(err, models.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "interaction not found", "not_found")
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r.Context())).Msg("Request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error", "internal")
	}
}

// decodeBody parses a JSON request body, rejecting unknown fields so a
// typo'd field name fails loudly instead of silently dropping an edit.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "bad_json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message, code string) {
	writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

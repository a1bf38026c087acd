// Package handlers serves the orchestrator's REST, websocket and RPC
// surfaces over the council submission service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pitabwire/util"

	"github.com/antinvestor/parity/apps/orchestrator/service/council"
	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/inflight"
	"github.com/antinvestor/parity/internal/llm"
	"github.com/antinvestor/parity/internal/rpc"
)

// Defaults for handler limits.
const (
	DefaultMaxBodyBytes  = 2 << 20
	DefaultPollInterval  = 2 * time.Second
	maxReliabilityLimit  = 1000
	errorCodeValidation  = "validation_failed"
	errorCodeNotFound    = "not_found"
	errorCodeConflict    = "conflict"
	errorCodeInternal    = "internal_error"
	errorCodeBadRequest  = "bad_request"
)

// Council is the submission service the handlers front.
type Council interface {
	Submit(ctx context.Context, report *comparator.ReplayReport) (*council.Submission, error)
	Status(ctx context.Context, id string) (*council.Record, error)
	Mitigate(ctx context.Context, id string) (*council.Record, error)
}

// Option configures a CouncilHandler.
type Option func(*CouncilHandler)

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *CouncilHandler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithPollInterval sets how often the websocket re-reads a record.
func WithPollInterval(d time.Duration) Option {
	return func(h *CouncilHandler) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

// CouncilHandler serves the council API.
type CouncilHandler struct {
	council      Council
	registry     *llm.Registry
	logs         council.ReliabilityLogStore
	validate     *validator.Validate
	maxBodyBytes int64
	pollInterval time.Duration
}

// NewCouncilHandler creates the handler set.
func NewCouncilHandler(
	svc Council,
	registry *llm.Registry,
	logs council.ReliabilityLogStore,
	opts ...Option,
) *CouncilHandler {
	h := &CouncilHandler{
		council:      svc,
		registry:     registry,
		logs:         logs,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		maxBodyBytes: DefaultMaxBodyBytes,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts every route on mux. wrapMitigate, when non-nil, guards
// the mitigation route.
func (h *CouncilHandler) Register(mux *http.ServeMux, wrapMitigate func(http.Handler) http.Handler) {
	var mitigate http.Handler = http.HandlerFunc(h.HandleMitigate)
	if wrapMitigate != nil {
		mitigate = wrapMitigate(mitigate)
	}

	mux.HandleFunc("POST /api/v1/analyze", h.HandleAnalyze)
	mux.Handle("POST /api/v1/mitigate/{id}", mitigate)
	mux.HandleFunc("GET /api/v1/status/{id}", h.HandleStatus)
	mux.HandleFunc("GET /api/v1/providers/health", h.HandleProvidersHealth)
	mux.HandleFunc("GET /api/v1/reliability", h.HandleReliability)
	mux.HandleFunc("GET /api/v1/ws/{id}", h.HandleWatch)
}

// AnalyzeRequest is the body of POST /api/v1/analyze. The difference and
// flags are always derived from the two responses; a body carrying its own
// difference or flags has them ignored.
type AnalyzeRequest struct {
	RequestID         string         `json:"request_id"           validate:"required,max=64,printascii"`
	MerchantID        string         `json:"merchant_id"          validate:"omitempty,max=128"`
	ReferenceResponse any            `json:"reference_response"`
	CandidateResponse any            `json:"candidate_response"`
	LatencyReference  *time.Duration `json:"latency_reference_ns" validate:"omitempty,gte=0"`
	LatencyCandidate  *time.Duration `json:"latency_candidate_ns" validate:"omitempty,gte=0"`
	RetryCount        int            `json:"retry_count"          validate:"gte=0"`
}

// AnalyzeResponse is the body returned by POST /api/v1/analyze.
type AnalyzeResponse struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Message   string          `json:"message"`
	Record    *rpc.RecordView `json:"record"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// Report builds the replay report. Difference and flags are left for the
// council service to derive.
func (req *AnalyzeRequest) Report() *comparator.ReplayReport {
	return &comparator.ReplayReport{
		RequestID:         req.RequestID,
		MerchantID:        req.MerchantID,
		ReferenceResponse: req.ReferenceResponse,
		CandidateResponse: req.CandidateResponse,
		LatencyReference:  req.LatencyReference,
		LatencyCandidate:  req.LatencyCandidate,
		RetryCount:        req.RetryCount,
		CreatedAt:         time.Now().UTC(),
	}
}

// HandleAnalyze handles POST /api/v1/analyze.
func (h *CouncilHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := util.Log(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer util.CloseAndLogOnError(ctx, r.Body, "failed to close request body")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorCodeBadRequest,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", h.maxBodyBytes), nil)
			return
		}
		writeError(w, http.StatusBadRequest, errorCodeBadRequest, "Failed to read request body", nil)
		return
	}

	var req AnalyzeRequest
	if err = json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, errorCodeBadRequest, "Invalid JSON in request body", []string{err.Error()})
		return
	}
	if details := h.validationErrors(&req); len(details) > 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidation, "Validation failed", details)
		return
	}

	sub, err := h.council.Submit(ctx, req.Report())
	switch {
	case errors.Is(err, council.ErrUncomparable):
		writeError(w, http.StatusBadRequest, errorCodeBadRequest, "Responses could not be compared", []string{err.Error()})
		return
	case errors.Is(err, inflight.ErrAlreadyInFlight):
		writeError(w, http.StatusConflict, errorCodeConflict,
			"Analysis for this request id is already in progress", nil)
		return
	case err != nil:
		log.WithError(err).Error("failed to submit report", "request_id", req.RequestID)
		writeError(w, http.StatusInternalServerError, errorCodeInternal, "Failed to queue analysis", nil)
		return
	}

	if !sub.Accepted {
		writeJSON(w, http.StatusOK, &AnalyzeResponse{
			Status:    string(sub.Record.Status),
			RequestID: sub.Record.RequestID,
			Message:   "Analysis already finished for this request id",
			Record:    RecordView(sub.Record),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, &AnalyzeResponse{
		Status:    "accepted",
		RequestID: sub.Record.RequestID,
		Message:   "Report queued for council analysis",
		Record:    RecordView(sub.Record),
	})
}

// HandleMitigate handles POST /api/v1/mitigate/{id}.
func (h *CouncilHandler) HandleMitigate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.council.Mitigate(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordView(rec))
}

// HandleStatus handles GET /api/v1/status/{id}.
func (h *CouncilHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.council.Status(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordView(rec))
}

// HandleProvidersHealth handles GET /api/v1/providers/health.
func (h *CouncilHandler) HandleProvidersHealth(w http.ResponseWriter, _ *http.Request) {
	snapshot := []llm.ProviderHealth{}
	if h.registry != nil {
		snapshot = h.registry.Snapshot()
	}

	healthy := 0
	for _, p := range snapshot {
		if p.IsHealthy {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": snapshot,
		"healthy":   healthy,
		"total":     len(snapshot),
	})
}

// HandleReliability handles GET /api/v1/reliability.
func (h *CouncilHandler) HandleReliability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := council.ReliabilityFilter{
		Provider: strings.TrimSpace(q.Get("provider")),
		TestID:   strings.TrimSpace(q.Get("test_id")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxReliabilityLimit {
			writeError(w, http.StatusBadRequest, errorCodeValidation,
				fmt.Sprintf("limit must be an integer between 1 and %d", maxReliabilityLimit), nil)
			return
		}
		filter.Limit = limit
	}

	entries, err := h.logs.List(r.Context(), filter)
	if err != nil {
		util.Log(r.Context()).WithError(err).Error("failed to list reliability logs")
		writeError(w, http.StatusInternalServerError, errorCodeInternal, "Failed to list reliability logs", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *CouncilHandler) writeLookupError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, council.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, errorCodeNotFound, "No record for request id "+id, nil)
		return
	}
	util.Log(r.Context()).WithError(err).Error("record lookup failed", "request_id", id)
	writeError(w, http.StatusInternalServerError, errorCodeInternal, "Internal server error", nil)
}

func (h *CouncilHandler) validationErrors(req *AnalyzeRequest) []string {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return details
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details []string) {
	writeJSON(w, status, &ErrorResponse{Error: code, Message: message, Details: details})
}

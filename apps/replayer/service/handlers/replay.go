// Package handlers serves the replayer HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pitabwire/util"

	"github.com/antinvestor/parity/apps/replayer/service/replay"
)

// DefaultMaxBodyBytes caps replay request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Replayer runs one replay.
type Replayer interface {
	Replay(ctx context.Context, req *replay.Request) (*replay.Result, error)
}

// ReplayRequest is the body of POST /api/v1/replay.
type ReplayRequest struct {
	Payload    json.RawMessage `json:"payload"     validate:"required"`
	MerchantID string          `json:"merchant_id" validate:"omitempty,max=128"`
	Retries    int             `json:"retries"     validate:"gte=0,lte=10"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// ReplayHandler serves replay requests.
type ReplayHandler struct {
	replayer     Replayer
	validate     *validator.Validate
	maxBodyBytes int64
}

// NewReplayHandler creates the handler. maxBodyBytes <= 0 uses the default.
func NewReplayHandler(replayer Replayer, maxBodyBytes int64) *ReplayHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &ReplayHandler{
		replayer:     replayer,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		maxBodyBytes: maxBodyBytes,
	}
}

// Register mounts the routes on mux.
func (h *ReplayHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/replay", h.HandleReplay)
}

// HandleReplay handles POST /api/v1/replay.
func (h *ReplayHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	defer util.CloseAndLogOnError(ctx, r.Body, "failed to close request body")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "bad_request",
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", h.maxBodyBytes), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "Failed to read request body", nil)
		return
	}

	var req ReplayRequest
	if err = json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid JSON in request body", []string{err.Error()})
		return
	}
	if err = h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "Validation failed", validationDetails(err))
		return
	}

	var payload any
	if err = json.Unmarshal(req.Payload, &payload); err != nil || payload == nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "payload must be a JSON value", nil)
		return
	}

	res, err := h.replayer.Replay(ctx, &replay.Request{
		Payload:    payload,
		MerchantID: req.MerchantID,
		Retries:    req.Retries,
	})
	if err != nil {
		util.Log(ctx).WithError(err).Error("replay failed", "merchant_id", req.MerchantID)
		writeError(w, http.StatusInternalServerError, "internal_error", "Replay failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func validationDetails(err error) []string {
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

// Package handlers provides HTTP handlers for the report API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/api/middleware"
	"github.com/drfirst/rxledger/internal/batch"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/processor"
)

// SourceHeader names the batch source for plain-text uploads
const SourceHeader = "X-Batch-Source"

// BatchHandler serves batch and report endpoints
type BatchHandler struct {
	runner *batch.Runner
	logger *zap.Logger
	tracer trace.Tracer
}

// NewBatchHandler creates a new handler
func NewBatchHandler(runner *batch.Runner, logger *zap.Logger) *BatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchHandler{
		runner: runner,
		logger: logger,
		tracer: otel.Tracer("batch-handler"),
	}
}

// Routes returns the handler routes
func (h *BatchHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/batches", h.CreateBatch)
	r.Get("/batches/{id}", h.GetBatch)
	r.Post("/reports", h.CreateReport)
	return r
}

// CreateBatchRequest is the body of POST /batches
type CreateBatchRequest struct {
	Source string             `json:"source"`
	Events []batch.EventInput `json:"events"`
}

// CreateBatchResponse is the response of POST /batches
type CreateBatchResponse struct {
	*batch.Result
	Statuses []batch.EventStatus `json:"statuses"`
}

// CreateBatch handles POST /batches
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_batch")
	defer span.End()

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.bodyError(w, err, "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	span.SetAttributes(attribute.Int("events", len(req.Events)))

	res, statuses, err := h.runner.RunEvents(ctx, req.Source, req.Events)
	if err != nil {
		h.logger.Error("batch failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		h.jsonError(w, "failed to process batch", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, CreateBatchResponse{Result: res, Statuses: statuses})
}

// CreateReport handles POST /reports. The body is raw event lines; the
// report comes back as text unless the caller accepts JSON.
func (h *BatchHandler) CreateReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_report")
	defer span.End()

	source := r.Header.Get(SourceHeader)
	if source == "" {
		source = "api"
	}

	res, err := h.runner.RunLines(ctx, source, r.Body)
	if err != nil {
		var lineErr *processor.LineError
		switch {
		case errors.As(err, &lineErr):
			h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error": lineErr.Error(),
				"line":  lineErr.Line,
			})
		default:
			if !h.bodyError(w, err, "") {
				h.logger.Error("report failed",
					zap.String("request_id", middleware.GetRequestID(ctx)),
					zap.Error(err))
				h.jsonError(w, "failed to process report", http.StatusInternalServerError)
			}
		}
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		h.writeJSON(w, http.StatusOK, res)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Batch-ID", res.BatchID)
	w.WriteHeader(http.StatusOK)
	for _, line := range res.Report {
		fmt.Fprintln(w, line)
	}
}

// GetBatch handles GET /batches/{id} by replaying the stored journal
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.runner.Replay(r.Context(), id)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, batch.ErrPersistenceDisabled):
		h.jsonError(w, err.Error(), http.StatusNotImplemented)
	case errors.Is(err, prescription.ErrBatchNotFound):
		h.jsonError(w, "batch not found", http.StatusNotFound)
	default:
		h.logger.Error("replay failed", zap.String("batch_id", id), zap.Error(err))
		h.jsonError(w, "failed to load batch", http.StatusInternalServerError)
	}
}

// bodyError answers oversized and undecodable bodies. It reports whether a
// response was written; fallback is used when non-empty.
func (h *BatchHandler) bodyError(w http.ResponseWriter, err error, fallback string) bool {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return true
	}
	if fallback != "" {
		h.jsonError(w, fallback, http.StatusBadRequest)
		return true
	}
	return false
}

func (h *BatchHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *BatchHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}

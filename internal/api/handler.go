package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/txingest/internal/accounting"
	"github.com/gyaneshwarpardhi/txingest/internal/config"
	"github.com/gyaneshwarpardhi/txingest/internal/ingest"
	"github.com/gyaneshwarpardhi/txingest/internal/metrics"
	"github.com/gyaneshwarpardhi/txingest/internal/transaction"
)

const maxBodyBytes = 8 << 20

// readyThreshold is the queue utilization above which /readyz reports 503.
const readyThreshold = 0.8

// QueueReporter reports how full the publish queue is.
type QueueReporter interface {
	QueueUtilization() float64
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	svc      *ingest.Service
	queue    QueueReporter
	acct     *accounting.Accountant
	maxBatch int
	mux      *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(svc *ingest.Service, queue QueueReporter, acct *accounting.Accountant, batch config.BatchConf) http.Handler {
	h := &Handler{svc: svc, queue: queue, acct: acct, maxBatch: batch.MaxSize, mux: http.NewServeMux()}
	if h.maxBatch <= 0 {
		h.maxBatch = 100
	}

	h.mux.HandleFunc("POST /v1/transactions", h.ingestTransaction)
	h.mux.HandleFunc("POST /v1/transactions/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/transactions/stats", h.stats)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// ingestResponse is the single-submission body: the receipt plus the
// record as enriched.
type ingestResponse struct {
	Success bool `json:"success"`
	ingest.Receipt
	Transaction *transaction.Record `json:"transaction,omitempty"`
}

// POST /v1/transactions: synchronous single-record ingestion.
func (h *Handler) ingestTransaction(w http.ResponseWriter, r *http.Request) {
	var rec transaction.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}

	receipt := h.svc.Ingest(r.Context(), &rec)
	status := http.StatusAccepted
	switch {
	case receipt.Rejected():
		status = http.StatusUnprocessableEntity
	case !receipt.Accepted:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ingestResponse{Success: receipt.Accepted, Receipt: receipt, Transaction: &rec})
}

// POST /v1/transactions/batch: up to batch.max_size records.
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var recs []*transaction.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&recs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one transaction")
		return
	}
	if len(recs) > h.maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(recs), h.maxBatch))
		return
	}

	res := h.svc.IngestBatch(r.Context(), recs)
	writeJSON(w, http.StatusAccepted, res)
}

// GET /v1/transactions/stats: delivery counters.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.acct.Snapshot())
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the publish queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.queue.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > readyThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

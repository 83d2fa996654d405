package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/btc-coordinator/internal/comms"
	"github.com/jcmexdev/btc-coordinator/internal/coordinator"
	"github.com/jcmexdev/btc-coordinator/internal/gateway"
	"github.com/jcmexdev/btc-coordinator/internal/reconciler"
)

// DefaultReconcileWindow is used when a reconcile request names no window.
const DefaultReconcileWindow = time.Minute

// Handler serves the control and observability API of the coordination layer.
type Handler struct {
	layer *comms.Layer
}

func NewHandler(layer *comms.Layer) *Handler {
	return &Handler{layer: layer}
}

// BeginTransaction opens a transaction for the requesting owner.
func (h *Handler) BeginTransaction(w http.ResponseWriter, r *http.Request) {
	var req BeginRequest
	if !decode(w, r, &req) {
		return
	}

	timeout, err := parseDuration(req.Timeout, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_timeout", err.Error())
		return
	}
	participants := make([]gateway.Service, len(req.Participants))
	for i, p := range req.Participants {
		participants[i] = gateway.Service(p)
	}

	id, err := h.layer.Coordinator.Begin(r.Context(), req.OwnerID, req.PlanID, participants, timeout)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	h.writeTransaction(w, r, http.StatusCreated, id)
}

func (h *Handler) AddAction(w http.ResponseWriter, r *http.Request) {
	var action coordinator.Action
	if !decode(w, r, &action) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.layer.Coordinator.AddAction(r.Context(), id, action); err != nil {
		writeClassified(w, err, nil)
		return
	}
	h.writeTransaction(w, r, http.StatusOK, id)
}

// Commit runs the transaction to completion. The work is detached from the
// request so a disconnecting client cannot interrupt it halfway.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	tx, err := h.layer.Coordinator.Commit(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeClassified(w, err, &tx)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	tx, err := h.layer.Coordinator.Rollback(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeClassified(w, err, &tx)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	h.writeTransaction(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (h *Handler) writeTransaction(w http.ResponseWriter, r *http.Request, status int, id string) {
	tx, err := h.layer.Coordinator.Get(id)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	slog.DebugContext(r.Context(), "transaction served", "tx_id", id, "status", tx.Status)
	writeJSON(w, status, tx)
}

func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, FlowsResponse{
		Active:   h.layer.Flows.ActiveFlows(),
		Archived: h.layer.Flows.Archived(limit),
	})
}

// Health reports "degraded" while any flow is stalled. The status code stays
// 200 so the process is not restarted for a slow participant.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	fh := h.layer.Flows.Health()
	status := "ok"
	if fh.StalledFlows > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Flows: fh})
}

func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapEntries(h.layer.AuditTrail(limit)))
}

func (h *Handler) AuditTrailFor(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, mapEntries(h.layer.AuditTrailFor(chi.URLParam(r, "owner"), limit)))
}

func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.layer.CommunicationStats())
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("since: %v", err))
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, mapEvents(h.layer.Bus.History(since)))
}

func (h *Handler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	var req CheckpointRequest
	if !decode(w, r, &req) {
		return
	}
	digest, err := h.layer.Reconciler.Checkpoint(req.Service, req.State)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, CheckpointResponse{Service: req.Service, Digest: digest})
}

// Reconcile compares the latest checkpoints of the listed services. A
// detected conflict is a successful comparison and is returned with 200.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !decode(w, r, &req) {
		return
	}
	window, err := parseDuration(req.Window, DefaultReconcileWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
		return
	}

	if req.Collect {
		services := make([]gateway.Service, 0, len(req.Services))
		for _, name := range req.Services {
			svc, err := gateway.ParseService(name)
			if err != nil {
				writeClassified(w, fmt.Errorf("%w: %w", reconciler.ErrInvalidRequest, err), nil)
				return
			}
			services = append(services, svc)
		}
		if _, err := h.layer.Reconciler.Collect(r.Context(), services); err != nil {
			slog.WarnContext(r.Context(), "snapshot collection incomplete", "error", err)
		}
	}

	report, err := h.layer.Reconciler.Synchronize(r.Context(), req.Services, window)
	if err != nil {
		writeClassified(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StatusFor maps an error kind onto an HTTP status code.
func StatusFor(kind coordinator.ErrorKind) int {
	switch kind {
	case coordinator.KindNone:
		return http.StatusOK
	case coordinator.KindValidation:
		return http.StatusBadRequest
	case coordinator.KindNotFound:
		return http.StatusNotFound
	case coordinator.KindInvalidState, coordinator.KindIdempotencyConflict, coordinator.KindConflict:
		return http.StatusConflict
	case coordinator.KindTransactionExpired:
		return http.StatusGone
	case coordinator.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeClassified(w http.ResponseWriter, err error, tx *coordinator.Transaction) {
	kind := coordinator.Classify(err)
	resp := ErrorResponse{Error: string(kind), Message: err.Error()}
	if tx != nil && tx.ID != "" {
		resp.Transaction = tx
	}
	writeJSON(w, StatusFor(kind), resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("%s must be a non-negative integer", key))
		return 0, false
	}
	return n, true
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("duration must be positive")
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tradewind/internal/checkout"
	"tradewind/internal/observability"
	"tradewind/internal/realtime"
	"tradewind/internal/saga"
)

// api exposes the checkout pipeline over HTTP: submit a checkout, poll a
// saga, cancel one in flight.
type api struct {
	orc     *saga.Orchestrator
	runner  *saga.Runner
	deps    checkout.Deps
	logger  *zap.Logger
	metrics *observability.Metrics
}

func newAPIMux(a *api, metrics *observability.Metrics, hub *realtime.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/checkout", a.handleCheckout)
	mux.HandleFunc("GET /api/sagas/{id}", a.handleGetSaga)
	mux.HandleFunc("POST /api/sagas/{id}/cancel", a.handleCancelSaga)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler(metrics))
	if hub != nil {
		mux.Handle("/ws", hub.Handler())
	}
	return mux
}

func (a *api) handleCheckout(w http.ResponseWriter, r *http.Request) {
	span := a.metrics.Start("http.checkout")

	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.End(err)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sagaID, err := checkout.Submit(r.Context(), a.orc, a.deps, req)
	if err != nil {
		span.End(err)
		if errors.Is(err, saga.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "checkout already submitted")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.runner.Enqueue(r.Context(), sagaID); err != nil {
		span.End(err)
		a.logger.Error("enqueue checkout failed", zap.String("saga_id", sagaID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "checkout accepted but not scheduled")
		return
	}

	span.End(nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"saga_id": sagaID})
}

// sagaResponse is the wire shape for saga status polling.
type sagaResponse struct {
	ID                 string                     `json:"id"`
	Type               string                     `json:"type"`
	TenantID           string                     `json:"tenant_id,omitempty"`
	CorrelationID      string                     `json:"correlation_id,omitempty"`
	Status             string                     `json:"status"`
	StepResults        []saga.StepRecord          `json:"step_results,omitempty"`
	CompensationErrors []saga.CompensationError   `json:"compensation_errors,omitempty"`
	Data               map[string]json.RawMessage `json:"data,omitempty"`
	Version            int64                      `json:"version"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

func toSagaResponse(in *saga.Instance) sagaResponse {
	return sagaResponse{
		ID:                 in.ID,
		Type:               in.Type,
		TenantID:           in.TenantID,
		CorrelationID:      in.CorrelationID,
		Status:             string(in.Status),
		StepResults:        in.StepResults,
		CompensationErrors: in.CompensationErrors,
		Data:               in.Data,
		Version:            in.Version,
		CreatedAt:          in.CreatedAt,
		UpdatedAt:          in.UpdatedAt,
	}
}

func (a *api) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	in, err := a.orc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			writeError(w, http.StatusNotFound, "saga not found")
			return
		}
		a.logger.Error("load saga failed", zap.String("saga_id", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load saga failed")
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(in))
}

func (a *api) handleCancelSaga(w http.ResponseWriter, r *http.Request) {
	err := a.orc.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, "saga not found")
	case errors.Is(err, saga.ErrNotCancellable):
		writeError(w, http.StatusConflict, "saga already finished")
	default:
		a.logger.Error("cancel saga failed", zap.String("saga_id", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

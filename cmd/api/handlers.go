package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WessleyAI/wessley-collision/engine/config"
	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/ingest"
	"github.com/WessleyAI/wessley-collision/engine/pipeline"
	"github.com/WessleyAI/wessley-collision/engine/store"
	"github.com/WessleyAI/wessley-collision/pkg/metrics"
	"github.com/WessleyAI/wessley-collision/pkg/mid"
	"github.com/WessleyAI/wessley-collision/pkg/resilience"
)

type api struct {
	svc     *pipeline.Service
	log     *slog.Logger
	maxBody int64
}

// newHandler builds the HTTP surface with its middleware stack.
func newHandler(svc *pipeline.Service, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) http.Handler {
	a := &api{svc: svc, log: logger, maxBody: cfg.Server.MaxBodyBytes}

	var submit http.Handler = http.HandlerFunc(a.handleTelemetry)
	if cfg.Server.RateLimitRPS > 0 {
		submit = mid.Chain(submit, mid.RateLimit(mid.RateLimitOpts{
			RPS:   cfg.Server.RateLimitRPS,
			Burst: cfg.Server.RateLimitBurst,
		}))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.Handle("POST /api/v1/telemetry", submit)
	mux.HandleFunc("GET /api/v1/estimates", a.handleList)
	mux.HandleFunc("GET /api/v1/estimates/{id}", a.handleGet)
	mux.HandleFunc("POST /api/v1/estimates/{id}/approve", a.handleApprove)
	mux.HandleFunc("POST /api/v1/estimates/{id}/reject", a.handleReject)
	mux.HandleFunc("POST /api/v1/estimates/{id}/refresh", a.handleRefresh)

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel(cfg.Tracing.ServiceName),
		mid.Metrics(reg),
		mid.CORS(cfg.Server.CORSOrigin),
	)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error      string                 `json:"error"`
	Code       string                 `json:"code"`
	Components []string               `json:"components,omitempty"`
	EstimateID string                 `json:"estimate_id,omitempty"`
	Estimate   *domain.RepairEstimate `json:"estimate,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline and store errors onto HTTP statuses.
func (a *api) writeError(w http.ResponseWriter, err error) {
	var (
		rejected *ingest.RejectedError
		invalid  *domain.ValidationError
		integ    *domain.DataIntegrityError
		stale    *domain.StaleEstimateError
		persist  *pipeline.PersistError
	)
	switch {
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "rejected", Components: rejected.Components()})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "invalid", Components: []string{invalid.Field}})
	case errors.As(err, &integ):
		a.log.Error("estimate failed: data integrity", "component", integ.Component, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Code: "data_integrity"})
	case errors.As(err, &stale):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "stale_estimate", EstimateID: stale.EstimateID})
	case errors.As(err, &persist):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: "store_unavailable", EstimateID: persist.Estimate.ID, Estimate: &persist.Estimate})
	case errors.Is(err, resilience.ErrCircuitOpen):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: "store_unavailable"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, pipeline.ErrUnsupported):
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: err.Error(), Code: "unsupported"})
	default:
		a.log.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"})
	}
}

// handleTelemetry answers 201 when the batch produced an estimate, 200 when
// it produced no event, 422 when it was rejected.
func (a *api) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if a.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	}
	var sub domain.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
		return
	}

	out, err := a.svc.Submit(r.Context(), sub)
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusOK
	if out.Status == pipeline.StatusEmitted {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	est, err := a.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		SessionID: q.Get("session"),
		Status:    domain.EstimateStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit", Code: "bad_request"})
			return
		}
		f.Limit = n
	}
	ests, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if ests == nil {
		ests = []domain.RepairEstimate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"estimates": ests, "count": len(ests)})
}

func (a *api) handleApprove(w http.ResponseWriter, r *http.Request) {
	est, err := a.svc.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (a *api) handleReject(w http.ResponseWriter, r *http.Request) {
	est, err := a.svc.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	est, err := a.svc.Refresh(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, est)
}

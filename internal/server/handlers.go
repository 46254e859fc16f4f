package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/stevevillardi/lmda-composer-sub000/internal/fanout"
	"github.com/stevevillardi/lmda-composer-sub000/internal/history"
	"github.com/stevevillardi/lmda-composer-sub000/internal/lg"
	"github.com/stevevillardi/lmda-composer-sub000/internal/orchestrator"
	"github.com/stevevillardi/lmda-composer-sub000/pkg/command"
)

const maxExecutionTime = 10 * time.Minute

// EventSink receives a record per finished execution (Kafka in production).
type EventSink interface {
	Publish(ctx context.Context, rec history.Record) error
}

type RunRequest struct {
	Portal      string `json:"portal" validate:"required"`
	CollectorID int    `json:"collectorId" validate:"gt=0"`
	Dialect     string `json:"dialect" validate:"oneof=groovy posh"`
	Script      string `json:"script" validate:"required"`
	Hostname    string `json:"hostname"`
	WildValue   string `json:"wildValue"`
	ModuleID    string `json:"moduleId"`
	ExecutionID string `json:"executionId"`
}

type RunResponse struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Output     string   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	DurationMs int64    `json:"durationMs"`
}

type FanoutRequest struct {
	Portal       string            `json:"portal" validate:"required"`
	CollectorIDs []int             `json:"collectorIds" validate:"min=1,dive,gt=0"`
	Cmd          string            `json:"cmd" validate:"required"`
	Named        map[string]string `json:"named"`
	Positional   []string          `json:"positional"`
	ExecutionID  string            `json:"executionId"`
}

type FanoutResponse struct {
	ID      string                 `json:"id"`
	Results map[string]RunResponse `json:"results"` // keyed by collector id
}

type CancelRequest struct {
	ExecutionID string `json:"executionId" validate:"required"`
}

// Handler wires the execution core to HTTP routes.
type Handler struct {
	orch  *orchestrator.Orchestrator
	coord *fanout.Coordinator
	store history.Store
	sink  EventSink
	lg    lg.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, coord *fanout.Coordinator, store history.Store, sink EventSink, logger lg.Logger) *Handler {
	if store == nil {
		store = history.Discard
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &Handler{orch: orch, coord: coord, store: store, sink: sink, lg: logger}
}

// Routes builds the service mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /debug/run", NewValidationHandler[RunRequest](http.HandlerFunc(h.run)))
	mux.Handle("POST /debug/fanout", NewValidationHandler[FanoutRequest](http.HandlerFunc(h.runFanout)))
	mux.Handle("POST /debug/cancel", NewValidationHandler[CancelRequest](http.HandlerFunc(h.cancel)))
	mux.HandleFunc("GET /debug/history", h.history)
	mux.HandleFunc("GET /healthz", h.healthz)
	return mux
}

func (h *Handler) run(rw http.ResponseWriter, r *http.Request) {
	request, ok := requestFromContext[RunRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(lg.Attach(r.Context(), h.lg), maxExecutionTime)
	defer cancel()

	res := h.orch.Execute(ctx, orchestrator.Request{
		Portal:      request.Portal,
		CollectorID: request.CollectorID,
		Dialect:     command.Dialect(request.Dialect),
		Script:      request.Script,
		Hostname:    request.Hostname,
		WildValue:   request.WildValue,
		ModuleID:    request.ModuleID,
		ExecutionID: request.ExecutionID,
	})

	h.record(history.Record{
		ID:          res.ID,
		Kind:        history.KindInteractive,
		Portal:      request.Portal,
		CollectorID: request.CollectorID,
		Status:      string(res.Status),
		Output:      res.Output,
		Error:       errString(res.Err),
		StartedAt:   res.StartedAt,
		Duration:    res.Duration,
	})

	status := http.StatusOK
	if errors.Is(res.Err, orchestrator.ErrBusy) {
		status = http.StatusConflict
	}
	writeJSON(rw, status, RunResponse{
		ID:         res.ID,
		Status:     string(res.Status),
		Output:     res.Output,
		Error:      errString(res.Err),
		Warnings:   res.Warnings,
		DurationMs: res.Duration.Milliseconds(),
	}, h.lg)
}

func (h *Handler) runFanout(rw http.ResponseWriter, r *http.Request) {
	request, ok := requestFromContext[FanoutRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(lg.Attach(r.Context(), h.lg), maxExecutionTime)
	defer cancel()

	if request.ExecutionID == "" {
		request.ExecutionID = uuid.NewString()
	}
	started := time.Now()
	results := h.coord.ExecuteDebugCommand(ctx, fanout.Request{
		Portal:       request.Portal,
		CollectorIDs: request.CollectorIDs,
		Cmd:          request.Cmd,
		Named:        request.Named,
		Positional:   request.Positional,
		ExecutionID:  request.ExecutionID,
	}, nil, func(collectorID int, res fanout.Result) {
		h.record(history.Record{
			ID:          request.ExecutionID + "-" + strconv.Itoa(collectorID),
			Kind:        history.KindFanout,
			Portal:      request.Portal,
			CollectorID: collectorID,
			Status:      fanoutStatus(res.Err),
			Output:      res.Output,
			Error:       errString(res.Err),
			StartedAt:   started,
			Duration:    res.Duration,
		})
	})

	resp := FanoutResponse{ID: request.ExecutionID, Results: make(map[string]RunResponse, len(results))}
	for cid, res := range results {
		resp.Results[strconv.Itoa(cid)] = RunResponse{
			Status:     fanoutStatus(res.Err),
			Output:     res.Output,
			Error:      errString(res.Err),
			DurationMs: res.Duration.Milliseconds(),
		}
	}
	writeJSON(rw, http.StatusOK, resp, h.lg)
}

func (h *Handler) cancel(rw http.ResponseWriter, r *http.Request) {
	request, ok := requestFromContext[CancelRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	cancelled := h.orch.Cancel(request.ExecutionID) || h.coord.Cancel(request.ExecutionID)
	writeJSON(rw, http.StatusOK, map[string]bool{"cancelled": cancelled}, h.lg)
}

func (h *Handler) history(rw http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	recs, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		h.lg.Error("history read failed", lg.Err(err))
		http.Error(rw, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, recs, h.lg)
}

func (h *Handler) healthz(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("ok"))
}

// record persists and publishes an execution outcome. Both are best-effort.
func (h *Handler) record(rec history.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.store.Save(ctx, rec); err != nil {
		h.lg.Warn("history save failed", lg.String("execution", rec.ID), lg.Err(err))
	}
	if h.sink != nil {
		if err := h.sink.Publish(ctx, rec); err != nil {
			h.lg.Warn("event publish failed", lg.String("execution", rec.ID), lg.Err(err))
		}
	}
}

func fanoutStatus(err error) string {
	switch {
	case err == nil:
		return string(orchestrator.StatusComplete)
	case errors.Is(err, context.Canceled):
		return string(orchestrator.StatusCancelled)
	default:
		return string(orchestrator.StatusError)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func writeJSON(rw http.ResponseWriter, status int, v any, logger lg.Logger) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logger.Error("failed to encode response", lg.Err(err))
	}
}

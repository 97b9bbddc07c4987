package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"household/backend/internal/research"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	service *research.Service
	db      pinger
	logger  *zap.Logger
}

func NewHandler(service *research.Service, db pinger, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Handler{service: service, db: db, logger: logger}
}

func (h Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database is not reachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPlanRequest struct {
	ConversationID string `json:"conversationId"`
	HouseholdID    string `json:"householdId"`
	Query          string `json:"query"`
	Effort         string `json:"effort"`
	RecencyDays    *int   `json:"recencyDays"`
}

type plannerInfo struct {
	Status research.PlannerStatus `json:"status"`
	Reason string                 `json:"reason,omitempty"`
}

func (h Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	resp, err := h.service.CreatePlan(r.Context(), research.PlanRequest{
		ConversationID: req.ConversationID,
		HouseholdID:    req.HouseholdID,
		Query:          req.Query,
		Effort:         req.Effort,
		RecencyDays:    req.RecencyDays,
	})
	if err != nil {
		h.writeServiceError(w, "create plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"run":     resp.Run,
		"plan":    resp.Plan,
		"planner": plannerInfo{Status: resp.PlannerStatus, Reason: resp.PlannerReason},
	})
}

type startRunRequest struct {
	Plan *research.Plan `json:"plan"`
}

func (h Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeOptionalBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.service.StartRun(r.Context(), chi.URLParam(r, "runID"), req.Plan)
	if err != nil {
		h.writeServiceError(w, "start run", err)
		return
	}
	status := http.StatusAccepted
	if result.Outcome == research.StartNoOp {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetRunStatus(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.writeServiceError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	runs, err := h.service.ListRuns(r.Context(), chi.URLParam(r, "conversationID"), limit)
	if err != nil {
		h.writeServiceError(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type createTasksRequest struct {
	FindingIDs    []string `json:"findingIds"`
	ActionIndexes []int    `json:"actionIndexes"`
}

func (h Handler) CreateTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tasks, err := h.service.CreateFollowUpTasks(r.Context(), chi.URLParam(r, "runID"), req.FindingIDs, req.ActionIndexes)
	if err != nil {
		h.writeServiceError(w, "create tasks", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tasks": tasks})
}

func (h Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.CancelRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.writeServiceError(w, "cancel run", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (h Handler) writeServiceError(w http.ResponseWriter, operation string, err error) {
	switch {
	case errors.Is(err, research.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", err.Error())
	case errors.Is(err, research.ErrEmptyQuery),
		errors.Is(err, research.ErrConversationRequired),
		errors.Is(err, research.ErrInvalidEffort),
		errors.Is(err, research.ErrNothingToTrack):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, research.ErrPlanMissing), errors.Is(err, research.ErrRunNotPending):
		writeError(w, http.StatusConflict, "run_not_startable", err.Error())
	default:
		h.logger.Error("research request failed", zap.String("operation", operation), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "research request failed")
	}
}

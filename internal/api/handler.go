package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ryabova/genqueue/internal/queue"
	"github.com/ryabova/genqueue/internal/store"
)

type Handler struct {
	manager  *queue.Manager
	registry *store.Store
	logger   *zap.Logger
}

func NewHandler(m *queue.Manager, s *store.Store, logger *zap.Logger) *Handler {
	return &Handler{manager: m, registry: s, logger: logger}
}

type CreateQueueRequest struct {
	ProjectID   string           `json:"project_id,omitempty"`
	Concurrency int              `json:"concurrency"`
	Tasks       []queue.TaskSpec `json:"tasks"`
}

type CreateQueueResponse struct {
	QueueID string `json:"queue_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Concurrency == 0 {
		req.Concurrency = 1
	}

	queueID, err := h.manager.CreateQueue(r.Context(), userID(r), req.ProjectID, req.Concurrency, req.Tasks)
	if err != nil {
		h.respondMappedError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateQueueResponse{QueueID: queueID})
}

func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.GetQueueStatus(r.Context(), chi.URLParam(r, "queueID"), userID(r))
	if err != nil {
		h.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *Handler) CancelQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.CancelQueue(r.Context(), chi.URLParam(r, "queueID"), userID(r)); err != nil {
		h.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) ListActiveQueues(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.manager.ListActiveQueues(r.Context(), userID(r))
	if err != nil {
		h.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, statuses)
}

// ListWorkers is the operational view of live registrations, used to
// check for stale workers before restarting one.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.registry.ListWorkers(r.Context())
	if err != nil {
		h.respondMappedError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workers)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) respondMappedError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, queue.ErrNotFound):
		respondError(w, http.StatusNotFound, "queue not found")
	case errors.Is(err, queue.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, queue.ErrInvalidState):
		respondError(w, http.StatusConflict, "queue is already in a terminal state")
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

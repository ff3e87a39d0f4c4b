package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tqs-project/tqs/internal/httpserver"
)

// queueNameRoutePattern and leaseUUIDRoutePattern constrain chi's route
// matching so malformed names and lease ids 404 before a handler runs.
const (
	queueNameRoutePattern = `[a-zA-Z0-9](?:[a-zA-Z0-9-_]*[a-zA-Z0-9]+)*`
	leaseUUIDRoutePattern = `[a-f0-9]{8}(?:-[a-f0-9]{4}){3}-[a-f0-9]{12}`
)

// Handler provides HTTP handlers for the queue API.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler creates a queue Handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Routes returns a chi.Router with every queue route mounted, except
// "/" and "/version", which are ambient and live in internal/httpserver.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/queues", h.handleListQueues)
	r.Post("/queues", h.handleCreateQueue)
	r.Get("/statistics", h.handleStatsAll)

	queuePath := fmt.Sprintf("/queues/{name:%s}", queueNameRoutePattern)
	r.Get(queuePath, h.handleDequeue)
	r.Post(queuePath, h.handleEnqueue)
	r.Delete(queuePath, h.handleDeleteQueue)
	r.Get(queuePath+"/statistics", h.handleStats)
	r.Delete(queuePath+fmt.Sprintf("/leases/{lease:%s}", leaseUUIDRoutePattern), h.handleAck)

	return r
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.engine.ListQueues(r.Context())
	if err != nil {
		h.respondError(w, err, "listing queues")
		return
	}
	if queues == nil {
		queues = []QueueSummary{}
	}
	httpserver.Respond(w, http.StatusOK, ListQueuesResponse{Queues: queues})
}

func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	// struct-tag validation covers shape (field present); ValidateQueueName
	// in Engine.CreateQueue covers the name grammar itself, so both map to
	// the same 400 bad_request response.
	if errs := httpserver.Validate(&req); len(errs) > 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", errs[0].Message)
		return
	}

	if _, err := h.engine.CreateQueue(r.Context(), req.Name); err != nil {
		h.respondError(w, err, "creating queue")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{})
}

func (h *Handler) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engine.DeleteQueue(r.Context(), name); err != nil {
		h.respondError(w, err, "deleting queue")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{})
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req EnqueueRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.engine.Enqueue(r.Context(), name, req.Messages); err != nil {
		h.respondError(w, err, "enqueueing")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{})
}

func (h *Handler) handleDequeue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()

	messageCount, err := parseBoundedQuery(q, []string{"message_count"}, DefaultMessageCount, ValidateMessageCount)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// The misspelled "visibilty_timeout" is accepted for compatibility with
	// older clients; the canonical name takes precedence when both are present.
	visibilityTimeout, err := parseBoundedQuery(q, []string{"visibility_timeout", "visibilty_timeout"}, DefaultVisibilityTimeout, ValidateVisibilityTimeout)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	waitTime, err := parseBoundedQuery(q, []string{"wait_time"}, DefaultWaitTime, ValidateWaitTime)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	deleteFlag := ParseDeleteFlag(q.Get("delete"))

	messages, err := h.engine.Dequeue(r.Context(), name, messageCount, visibilityTimeout, waitTime, deleteFlag)
	if err != nil {
		h.respondError(w, err, "dequeuing")
		return
	}

	out := make([]MessageResponse, 0, len(messages))
	out = append(out, messages...)
	httpserver.Respond(w, http.StatusOK, DequeueResponse{Messages: out})
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	lease := chi.URLParam(r, "lease")

	if err := h.engine.Ack(r.Context(), name, lease); err != nil {
		h.respondError(w, err, "acking message")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := h.engine.Stats(r.Context(), name)
	if err != nil {
		h.respondError(w, err, "computing stats")
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleStatsAll(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.StatsAll(r.Context())
	if err != nil {
		h.respondError(w, err, "computing stats")
		return
	}
	httpserver.Respond(w, http.StatusOK, stats)
}

// parseBoundedQuery looks up the first present key among keys, parses it
// strictly as an integer (floats and other non-integer strings fail), and
// checks it against validate. Returns def if no key is present.
func parseBoundedQuery(q map[string][]string, keys []string, def int, validate func(int) bool) (int, error) {
	for _, k := range keys {
		vals, ok := q[k]
		if !ok || len(vals) == 0 || vals[0] == "" {
			continue
		}
		n, parseOK := ParseStrictInt(vals[0])
		if !parseOK || !validate(n) {
			return 0, fmt.Errorf("%w: invalid %s %q", ErrBadRequest, k, vals[0])
		}
		return n, nil
	}
	return def, nil
}

// respondError maps an Engine error to its HTTP status code.
func (h *Handler) respondError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrConflict):
		httpserver.RespondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, ErrBadRequest):
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		h.logger.Error(op, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred")
	}
}

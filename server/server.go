// Package server exposes the delivery callback and the administrative API
// over HTTP. The delivery endpoint is the dispatcher's entry point into the
// consumer; everything under /api is for operators and dashboards.
package server

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	taskmq "github.com/edgar-durand/cloud-taskmq-go"
	"github.com/edgar-durand/cloud-taskmq-go/store"
)

// Options configures New.
type Options struct {
	// DeliveriesPerSecond caps the delivery endpoint. Zero means 100/s.
	DeliveriesPerSecond float64
	Logger              *zap.Logger
}

// Server routes dispatcher deliveries and admin calls into the engine.
type Server struct {
	engine  *taskmq.Engine
	hub     *EventHub
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func New(engine *taskmq.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Sugar()

	rps := opts.DeliveriesPerSecond
	if rps <= 0 {
		rps = 100
	}
	return &Server{
		engine:  engine,
		hub:     NewEventHub(engine, log),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)*2),
		log:     log,
	}
}

// Hub returns the websocket hub; run it alongside the HTTP server.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks/process", s.handleProcess)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/progress", s.handleProgress)
	mux.HandleFunc("POST /api/queues/{name}/tasks", s.handleAddTask)
	mux.HandleFunc("POST /api/chains/{name}", s.handleAddChain)
	mux.HandleFunc("GET /api/events/recent", s.handleRecentEvents)

	mux.HandleFunc("GET /ws/events", s.hub.ServeWS)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(mux)
}

// handleProcess is the dispatcher's delivery callback. 2xx means the
// handler succeeded; any non-2xx tells the dispatcher to retry per its own
// policy.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.writeRateLimited(w)
		return
	}

	var payload taskmq.DeliveryPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed delivery payload"})
		return
	}

	result, err := s.engine.ProcessDelivery(r.Context(), payload)
	if err != nil {
		s.log.Infow("delivery not completed", "taskId", payload.TaskID, "error", err)
		writeJSON(w, statusFor(err), map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": json.RawMessage(result)})
}

// writeRateLimited answers 429 with a jittered Retry-After so callers do
// not thunder back in lockstep.
func (s *Server) writeRateLimited(w http.ResponseWriter) {
	retryAfterSecs := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		QueueName: q.Get("queue"),
		ChainID:   q.Get("chainId"),
	}
	if statuses := q.Get("status"); statuses != "" {
		for _, st := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, store.TaskStatus(st))
		}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	if sortBy := q.Get("sort"); sortBy != "" {
		filter.SortBy = store.SortField(sortBy)
		filter.SortDesc = q.Get("order") == "desc"
	}

	tasks, err := s.engine.QueryTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.engine.CountTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": count})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.engine.DeleteTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type progressRequest struct {
	Percentage float64         `json:"percentage"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed progress payload"})
		return
	}
	err := s.engine.UpdateTaskProgress(r.Context(), r.PathValue("id"), store.Progress{
		Percentage: req.Percentage,
		Data:       req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type addTaskRequest struct {
	Data    json.RawMessage       `json:"data"`
	Options taskmq.AddTaskOptions `json:"options"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed task payload"})
		return
	}
	result, err := s.engine.AddTask(r.Context(), r.PathValue("name"), req.Data, req.Options)
	if err != nil {
		writeJSON(w, statusFor(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type addChainRequest struct {
	Entries []addTaskRequest    `json:"entries"`
	Options taskmq.ChainOptions `json:"options"`
}

func (s *Server) handleAddChain(w http.ResponseWriter, r *http.Request) {
	var req addChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed chain payload"})
		return
	}
	entries := make([]taskmq.ChainEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = taskmq.ChainEntry{Data: e.Data, Options: e.Options}
	}
	results, err := s.engine.AddChain(r.Context(), r.PathValue("name"), entries, req.Options)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"results": results, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]any{"events": s.engine.RecentEvents(limit)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

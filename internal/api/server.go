// Package api provides the HTTP front door: batch submission,
// task queries, progress streaming (SSE and websocket), and the
// operator endpoints for the key pool.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/dispatch"
	"github.com/solvepad/solvepad/internal/infra/keypool"
	"github.com/solvepad/solvepad/internal/infra/progress"
	"github.com/solvepad/solvepad/internal/infra/sqlite"
	"github.com/solvepad/solvepad/internal/infra/tracker"
)

// DefaultConfirmThreshold is the question count above which a batch
// must be explicitly confirmed before work begins.
const DefaultConfirmThreshold = 20

// Server is the solvepad HTTP API server.
type Server struct {
	tracker    *tracker.Tracker
	hub        *progress.Hub
	pool       *keypool.Pool
	dispatcher *dispatch.Dispatcher
	store      *sqlite.DB

	confirmThreshold int
	metricsEnabled   bool
	runCtx           context.Context
}

// NewServer creates a new API server. runCtx bounds background batch
// work; pass the daemon's root context so shutdown cancels batches.
func NewServer(runCtx context.Context, tr *tracker.Tracker, hub *progress.Hub, pool *keypool.Pool, d *dispatch.Dispatcher, store *sqlite.DB) *Server {
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Server{
		tracker:          tr,
		hub:              hub,
		pool:             pool,
		dispatcher:       d,
		store:            store,
		confirmThreshold: DefaultConfirmThreshold,
		runCtx:           runCtx,
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetConfirmThreshold overrides the confirmation gate.
func (s *Server) SetConfirmThreshold(n int) { s.confirmThreshold = n }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/batches", s.handleCreateBatch)
		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Post("/confirm", s.handleConfirm)
			r.Post("/cancel", s.handleCancel)
			r.Get("/events", s.handleTaskEvents)
		})
		r.Get("/users/{phone}/tasks", s.handleUserTasks)
	})

	r.Get("/ws", s.handleWebsocket)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/pool", s.handlePoolSnapshot)
		r.Post("/pool/{provider}/keys/{key}/enable", s.handleEnableKey)
		r.Get("/tasks/active", s.handleActiveTasks)
		r.Post("/users/{phone}/confirm-threshold", s.handleSetConfirmThreshold)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Batch submission ───────────────────────────────────────────────────────

// batchMeta is the durable job description stored in the task row so a
// confirmation (possibly after a restart) can still start the batch.
type batchMeta struct {
	Language        string            `json:"language"`
	Questions       []domain.Question `json:"questions"`
	DeadlineSeconds int               `json:"deadline_seconds,omitempty"`
}

type createBatchRequest struct {
	UserPhone       string            `json:"user_phone"`
	Language        string            `json:"language"`
	Questions       []domain.Question `json:"questions"`
	Confirmed       bool              `json:"confirmed"`
	DeadlineSeconds int               `json:"deadline_seconds,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserPhone == "" || req.Language == "" || len(req.Questions) == 0 {
		writeError(w, http.StatusBadRequest, "user_phone, language and questions are required")
		return
	}
	seen := make(map[int]bool, len(req.Questions))
	for i := range req.Questions {
		if req.Questions[i].Index == 0 {
			req.Questions[i].Index = i + 1
		}
		if seen[req.Questions[i].Index] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("duplicate question index %d", req.Questions[i].Index))
			return
		}
		seen[req.Questions[i].Index] = true
	}

	meta, err := json.Marshal(batchMeta{
		Language:        req.Language,
		Questions:       req.Questions,
		DeadlineSeconds: req.DeadlineSeconds,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	threshold := s.confirmThreshold
	if s.store != nil {
		if err := s.store.UpsertUser(req.UserPhone); err != nil {
			log.Printf("[api] upsert user %s: %v", req.UserPhone, err)
		}
		// A per-user threshold (set via the admin endpoint) overrides
		// the server default; zero means unset.
		if u, err := s.store.GetUser(req.UserPhone); err == nil && u.ConfirmThreshold > 0 {
			threshold = u.ConfirmThreshold
		}
	}

	needsConfirm := len(req.Questions) > threshold && !req.Confirmed
	task, err := s.tracker.Create(req.UserPhone, "batch_solve", meta, needsConfirm)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !needsConfirm {
		s.startBatch(task)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":               task.ID,
		"status":                task.Status,
		"requires_confirmation": needsConfirm,
		"question_count":        len(req.Questions),
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	if task.Status != domain.TaskAwaitingConfirmation {
		writeError(w, http.StatusConflict, "task is not awaiting confirmation")
		return
	}
	s.startBatch(task)
	writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "confirmed": true})
}

// startBatch reconstitutes the job from the task's stored metadata and
// runs it on a background goroutine bounded by the server's run context.
func (s *Server) startBatch(task *domain.Task) {
	var meta batchMeta
	if err := json.Unmarshal(task.InputMeta, &meta); err != nil {
		log.Printf("[api] task %s: corrupt job metadata: %v", task.ID, err)
		if terr := s.tracker.Transition(task.ID, domain.TaskFailed, "corrupt job metadata"); terr != nil {
			log.Printf("[api] task %s: %v", task.ID, terr)
		}
		return
	}

	job := &domain.BatchJob{
		TaskID:    task.ID,
		UserPhone: task.UserPhone,
		Language:  meta.Language,
		Questions: meta.Questions,
		StartedAt: time.Now(),
	}
	if meta.DeadlineSeconds > 0 {
		job.Deadline = time.Now().Add(time.Duration(meta.DeadlineSeconds) * time.Second)
	}

	go func() {
		if err := s.dispatcher.Run(s.runCtx, job); err != nil {
			log.Printf("[api] batch %s: %v", job.TaskID, err)
			return
		}
		s.recordSubmission(job)
	}()
}

func (s *Server) recordSubmission(job *domain.BatchJob) {
	if s.store == nil {
		return
	}
	task, err := s.tracker.Get(job.TaskID)
	if err != nil {
		log.Printf("[api] batch %s: read back: %v", job.TaskID, err)
		return
	}
	_, err = s.store.InsertSubmission(sqlite.Submission{
		TaskID:        task.ID,
		UserPhone:     task.UserPhone,
		Language:      job.Language,
		QuestionCount: task.Counts.Total,
		Solved:        task.Counts.Solved,
		Failed:        task.Counts.Failed,
		DocumentPath:  task.OutputPath,
	})
	if err != nil {
		log.Printf("[api] batch %s: record submission: %v", job.TaskID, err)
	}
}

// ─── Task queries ───────────────────────────────────────────────────────────

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	id := chi.URLParam(r, "id")
	task, err := s.tracker.Get(id)
	if errors.Is(err, domain.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return task, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.tracker.RequestCancel(id)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrTaskTerminal):
		writeError(w, http.StatusConflict, "task already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelling"})
	}
}

func (s *Server) handleUserTasks(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.tracker.ListByUser(phone, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// ─── Progress streaming (SSE) ───────────────────────────────────────────────

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	flusher, fok := w.(http.Flusher)
	if !fok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := s.hub.Subscribe(domain.TaskRoom(task.ID))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Current state first so late subscribers are not blind.
	writeSSE(w, taskToEvent(task))
	flusher.Flush()
	if task.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Status == domain.TaskCompleted || ev.Status == domain.TaskFailed {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func taskToEvent(t *domain.Task) domain.ProgressEvent {
	return domain.ProgressEvent{
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Stage:     t.Stage,
		Counts:    t.Counts,
		Timestamp: time.Now().UTC(),
	}
}

// ─── Operator endpoints ─────────────────────────────────────────────────────

func (s *Server) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func (s *Server) handleEnableKey(w http.ResponseWriter, r *http.Request) {
	prov := domain.Provider(chi.URLParam(r, "provider"))
	keyID, err := strconv.Atoi(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "key id must be an integer")
		return
	}
	if err := s.pool.EnableKey(prov, keyID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": prov, "key": keyID, "enabled": true})
}

func (s *Server) handleSetConfirmThreshold(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no user store configured")
		return
	}
	phone := chi.URLParam(r, "phone")
	var body struct {
		Threshold int `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Threshold < 0 {
		writeError(w, http.StatusBadRequest, "threshold must not be negative")
		return
	}
	if err := s.store.SetConfirmThreshold(phone, body.Threshold); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phone": phone, "confirm_threshold": body.Threshold})
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.tracker.ListActive()})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

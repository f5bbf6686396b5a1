package schedulerapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"corefabric/internal/logging"
	"corefabric/internal/scheduler"
)

// HTTPServer serves the scheduler's request/response surface: job
// submission, cancellation, and status queries (spec §6). The streaming
// surface (heartbeats, job events) is the separate gRPC Server above.
type HTTPServer struct {
	queue  *scheduler.JobQueue
	gang   *scheduler.GangScheduler
	http   *http.Server
	logger *slog.Logger
}

// NewHTTPServer builds the request/response surface bound to addr. gang may
// be nil in tests that only exercise submit/get/cancel; handleComplete
// returns 503 in that case.
func NewHTTPServer(addr string, queue *scheduler.JobQueue, gang *scheduler.GangScheduler, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		queue:  queue,
		gang:   gang,
		logger: logging.Default(logger).With("component", "schedulerapi-http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/jobs", s.handleSubmit)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/jobs/{id}/complete", s.handleComplete)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/jobs", s.handleList)
	mux.HandleFunc("GET /v1/jobs/history", s.handleHistory)

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

type submitJobRequest struct {
	ID        string                   `json:"id"`
	Principal string                   `json:"principal"`
	Project   string                   `json:"project"`
	Priority  int                      `json:"priority"`
	NodeCount int                      `json:"node_count"`
	PerNode   scheduler.ResourceRequest `json:"per_node"`
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := &scheduler.Job{
		ID:          req.ID,
		Principal:   req.Principal,
		Project:     req.Project,
		Priority:    req.Priority,
		SubmittedAt: time.Now(),
		NodeCount:   req.NodeCount,
		PerNode:     req.PerNode,
	}
	s.queue.Submit(job)
	s.logger.Info("job submitted", "job_id", job.ID, "principal", job.Principal)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(jobView(job))
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.queue.Cancel(id) {
		writeJSONError(w, http.StatusConflict, "job not cancellable: unknown or not queued")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	if s.gang == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "completion not available")
		return
	}
	id := r.PathValue("id")
	if err := s.gang.CompleteJob(id); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.queue.History.Recent())
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.queue.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobView(job))
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.queue.All()
	views := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

type jobResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func jobView(j *scheduler.Job) jobResponse {
	return jobResponse{ID: j.ID, Status: j.Status.String(), Priority: j.Priority, SubmittedAt: j.SubmittedAt}
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Start runs the HTTP surface until the listener errors or Shutdown is
// called; ErrServerClosed is swallowed as the expected shutdown signal.
func (s *HTTPServer) Start() error {
	s.logger.Info("scheduler http surface listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP surface.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

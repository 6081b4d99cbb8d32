package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/scheduler"
)

// Version is reported by the health endpoint.
var Version = "dev"

// StatsSource reports worker pool statistics.
type StatsSource interface {
	GetStats() scheduler.Stats
}

// Server provides the HTTP API of the admin.
type Server struct {
	service *Service
	stats   StatsSource
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server. stats may be nil.
func NewServer(service *Service, stats StatsSource, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		stats:   stats,
		addr:    addr,
		logger:  logger.With("component", "server"),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the router of the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("/tasks/start", s.handleStartTask)
	mux.HandleFunc("/tasks/info", s.handleTaskInfo)
	mux.HandleFunc("/tasks/stop", s.handleStopTask)
	mux.HandleFunc("/tasks/list", s.handleListTasks)

	// Generation endpoints
	mux.HandleFunc("/generations/info", s.handleGenerationInfo)
	mux.HandleFunc("/generations/fatal", s.handleSetFatal)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workers", s.handleWorkers)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves the admin API on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting admin server", "addr", ln.Addr().String())
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// decodePost decodes a POST body into v, writing the error response itself.
func decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "path", r.URL.Path, "request_id", r.Header.Get(RequestIDHeader), "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// --- Task Handlers ---

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req models.StartTaskRequest
	if !decodePost(w, r, &req) {
		return
	}
	resp, err := s.service.StartTask(&req)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	var ref models.TaskRef
	if !decodePost(w, r, &ref) {
		return
	}
	info, err := s.service.GetTaskInfo(ref)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	var ref models.TaskRef
	if !decodePost(w, r, &ref) {
		return
	}
	if err := s.service.StopTask(ref); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type listTasksRequest struct {
	BuildID models.BuildID  `json:"build_id"`
	Step    models.TaskStep `json:"step,omitempty"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var req listTasksRequest
	if !decodePost(w, r, &req) {
		return
	}
	tasks, err := s.service.ListTasks(req.BuildID, req.Step)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.AdminTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Generation Handlers ---

func (s *Server) handleGenerationInfo(w http.ResponseWriter, r *http.Request) {
	var build models.BuildID
	if !decodePost(w, r, &build) {
		return
	}
	info, err := s.service.GetGenerationInfo(build)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type setFatalRequest struct {
	BuildID models.BuildID `json:"build_id"`
	Message string         `json:"message"`
}

func (s *Server) handleSetFatal(w http.ResponseWriter, r *http.Request) {
	var req setFatalRequest
	if !decodePost(w, r, &req) {
		return
	}
	if err := s.service.SetFatalError(req.BuildID, req.Message); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "fatal"})
}

// --- Status Handlers ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stats == nil {
		writeJSON(w, http.StatusOK, scheduler.Stats{TableCounts: map[string]int{}, Running: []string{}})
		return
	}
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

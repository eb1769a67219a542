package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"astrostack/internal/calib"
	"astrostack/internal/control"
	"astrostack/internal/pipeline"
	"astrostack/internal/stack"
	"astrostack/internal/storage"
)

// Server exposes the stacking engine over HTTP: status, finalized
// stacks, the master inventory, build jobs and a websocket event feed.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	cache    *calib.Cache
	ctrl     *control.Controller
	stacker  *stack.Stacker
	log      *slog.Logger
	server   *http.Server
	hub      *Hub
}

// NewServer wires the control surface. Any of store, pipeline, cache or
// ctrl may be nil; the corresponding routes then report unavailable.
func NewServer(
	addr string,
	store *storage.Store,
	pipe *pipeline.Pipeline,
	cache *calib.Cache,
	ctrl *control.Controller,
	stacker *stack.Stacker,
	log *slog.Logger,
) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		cache:    cache,
		ctrl:     ctrl,
		stacker:  stacker,
		log:      log,
		hub:      NewHub(log),
	}
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.ctrl != nil {
		go s.forwardEvents(ctx)
	}
	if s.pipeline != nil {
		go s.forwardResults(ctx)
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/stacks", s.handleStacks).Methods("GET")
	r.HandleFunc("/api/masters", s.handleMasters).Methods("GET")
	r.HandleFunc("/api/masters/build", s.handleMastersBuild).Methods("POST")
	r.HandleFunc("/api/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.HandleWebSocket).Methods("GET")
}

func (s *Server) forwardEvents(ctx context.Context) {
	events := s.ctrl.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast("controller", ev)
		}
	}
}

func (s *Server) forwardResults(ctx context.Context) {
	results, unsub := s.pipeline.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			s.hub.Broadcast("job", map[string]any{
				"id":    res.Job.ID,
				"type":  res.Job.Type,
				"error": errString(res.Error),
				"meta":  res.Meta,
			})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"time": time.Now(),
	}
	if s.ctrl != nil {
		status["state"] = s.ctrl.State().String()
		status["solve_source"] = s.ctrl.SolveSource().String()
	}
	if s.stacker != nil {
		status["frame_count"] = s.stacker.FrameCount()
		if ra, dec, ok := s.stacker.StartCoords(); ok {
			status["ra"] = ra
			status["dec"] = dec
		}
	}
	if s.cache != nil {
		status["masters"] = s.cache.Len()
	}
	writeJSON(w, status)
}

func (s *Server) handleStacks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentStacks(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleMasters(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.Masters(r.URL.Query().Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

type buildRequest struct {
	Type  string `json:"type"` // darks, flats
	Input string `json:"input"`
}

func (s *Server) handleMastersBuild(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var jobType pipeline.JobType
	switch req.Type {
	case "darks":
		jobType = pipeline.JobDarks
	case "flats":
		jobType = pipeline.JobFlats
	default:
		http.Error(w, fmt.Sprintf("unknown build type %q", req.Type), http.StatusBadRequest)
		return
	}
	job := pipeline.Job{
		ID:        fmt.Sprintf("%s-%d", jobType, time.Now().UnixNano()),
		Type:      jobType,
		InputPath: req.Input,
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"id": job.ID, "status": "queued"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

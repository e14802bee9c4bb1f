package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"mspec/internal/pipeline"
	"mspec/internal/storage"
)

type jobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

type jobStore interface {
	RecentJobs(limit int) ([]storage.JobRecord, error)
	Job(id string) (storage.JobRecord, error)
	JobMeta(id string) (map[string]any, error)
	Offsets(jobID string) ([]storage.OffsetRecord, error)
	Calibration(jobID string) ([]storage.CalibrationRecord, error)
}

// Server exposes job submission, history and live progress over HTTP.
type Server struct {
	addr     string
	store    jobStore
	pipeline jobQueue
	hub      *hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server bound to addr.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return newServer(addr, store, pipe, log)
}

func newServer(addr string, store jobStore, pipe jobQueue, log *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      newHub(log),
		log:      log,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// startBackground runs the websocket hub and feeds it pipeline events.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.run(ctx)
	go s.forward(ctx)
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/offsets", s.handleOffsets).Methods("GET")
	r.HandleFunc("/jobs/{id}/calibration", s.handleCalibration).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// Serve runs a server until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

// resultMessage is the wire form of a pipeline.Result.
type resultMessage struct {
	Kind  string         `json:"kind"`
	Job   pipeline.Job   `json:"job"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

type progressMessage struct {
	Kind string `json:"kind"`
	pipeline.Progress
}

func newResultMessage(res pipeline.Result) resultMessage {
	msg := resultMessage{Kind: "result", Job: res.Job, Meta: res.Meta}
	if res.Error != nil {
		msg.Error = res.Error.Error()
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body := map[string]any{"job": rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		body["meta"] = meta
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOffsets(w http.ResponseWriter, r *http.Request) {
	offsets, err := s.store.Offsets(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, offsets)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Calibration(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !job.Type.Valid() {
		http.Error(w, "unknown job type: "+string(job.Type), http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Options == nil {
		job.Options = map[string]any{}
	}
	job.Options["source"] = "http"
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newResultMessage(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// forward relays results and progress events to websocket clients.
func (s *Server) forward(ctx context.Context) {
	resCh, unsubResults := s.pipeline.Subscribe()
	defer unsubResults()
	progCh, unsubProgress := s.pipeline.SubscribeProgress()
	defer unsubProgress()

	for {
		var payload []byte
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ = json.Marshal(newResultMessage(res))
		case ev, ok := <-progCh:
			if !ok {
				return
			}
			payload, _ = json.Marshal(progressMessage{Kind: "progress", Progress: ev})
		}
		select {
		case s.hub.broadcast <- payload:
		case <-ctx.Done():
			return
		}
	}
}

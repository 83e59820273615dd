package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"hogrider/p2p-share/peer"
	"hogrider/p2p-share/pkg/logger"
	"hogrider/p2p-share/pkg/monitor"
	"hogrider/p2p-share/pkg/protocol"
)

// Peer is the part of peer.PeerServer the web API drives.
type Peer interface {
	Seed(ctx context.Context, path string) (protocol.FileInfo, error)
	ListFiles(ctx context.Context) ([]protocol.FileInfo, error)
	Download(ctx context.Context, name, dir string, onProgress peer.ProgressFunc) (string, error)
	Metrics() monitor.Snapshot
}

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the pollable state of one background download.
type Job struct {
	ID       string    `json:"id"`
	FileName string    `json:"fileName"`
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`
	Path     string    `json:"path,omitempty"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
}

type seedRequest struct {
	FilePath string `json:"filePath"`
}

type downloadRequest struct {
	FileName     string `json:"fileName"`
	DownloadPath string `json:"downloadPath,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type Server struct {
	peer Peer

	mu   sync.Mutex
	jobs map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(p Peer) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		peer:   p,
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Handler() http.Handler {
	m := mux.NewRouter()
	m.HandleFunc("/health", s.health).Methods(http.MethodGet)
	m.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	m.HandleFunc("/files", s.files).Methods(http.MethodGet)
	m.HandleFunc("/seed", s.seed).Methods(http.MethodPost)
	m.HandleFunc("/download", s.startDownload).Methods(http.MethodPost)
	m.HandleFunc("/download/{id}", s.downloadStatus).Methods(http.MethodGet)
	return m
}

// ListenAndServe serves the API on addr until the returned func is called,
// which also cancels running downloads.
func (s *Server) ListenAndServe(addr string) (func(context.Context) error, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(lst); err != http.ErrServerClosed {
			logger.Sugar.Warnf("[WebAPI] http server failed: %s", err)
		}
	}()
	logger.Sugar.Infof("[WebAPI] serving on %s", lst.Addr())

	return func(ctx context.Context) error {
		err := srv.Shutdown(ctx)
		s.Close()
		return err
	}, nil
}

// Close cancels running downloads and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.peer.Metrics())
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	files, err := s.peer.ListFiles(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "filePath is required"})
		return
	}
	info, err := s.peer.Seed(r.Context(), req.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "fileName is required"})
		return
	}

	job := &Job{
		ID:       uuid.NewString(),
		FileName: req.FileName,
		Status:   JobRunning,
		Started:  time.Now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runDownload(job.ID, req)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) runDownload(id string, req downloadRequest) {
	defer s.wg.Done()

	path, err := s.peer.Download(s.ctx, req.FileName, req.DownloadPath, func(pct float64) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if pct > s.jobs[id].Progress {
			s.jobs[id].Progress = pct
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if err != nil {
		logger.Sugar.Warnf("[WebAPI] download %s of %s failed: %v", id, req.FileName, err)
		job.Status = JobFailed
		job.Error = err.Error()
		return
	}
	logger.Sugar.Infof("[WebAPI] download %s of %s saved to %s", id, req.FileName, path)
	job.Status = JobCompleted
	job.Progress = 100
	job.Path = path
}

func (s *Server) downloadStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	job, ok := s.jobs[id]
	var snapshot Job
	if ok {
		snapshot = *job
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown download " + id})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, protocol.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnavailable), errors.Is(err, protocol.ErrTrackerClosed), errors.Is(err, protocol.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Debugf("[WebAPI] failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

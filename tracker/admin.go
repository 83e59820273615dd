package tracker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"hogrider/p2p-share/pkg/logger"
)

type StopFunc func(context.Context) error

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

// AdminHandler exposes read-only tracker state over HTTP.
func AdminHandler(t *Tracker) http.Handler {
	m := mux.NewRouter()

	m.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    t.Uptime().Seconds(),
		})
	}).Methods(http.MethodGet)

	m.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := t.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}).Methods(http.MethodGet)

	m.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		peers, err := t.Peers(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, peers)
	}).Methods(http.MethodGet)

	m.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		files, err := t.Files(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
	}).Methods(http.MethodGet)

	return m
}

// ServeAdmin listens on addr and serves h until the returned StopFunc is called.
func ServeAdmin(h http.Handler, addr string) (StopFunc, error) {
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := srv.Serve(lst)
		if err != http.ErrServerClosed {
			logger.Sugar.Warnf("[Admin] http server failed: %s", err)
		}
	}()

	logger.Sugar.Infof("[Admin] serving on %s", lst.Addr())
	return srv.Shutdown, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Debugf("[Admin] failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

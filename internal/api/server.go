// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api is the loopback ops surface: health, status, metrics, the
// administrator-triggered audit verification, and the websocket event
// bridge feeding the display process. Read-only by design; clinical actions
// enter through the admission handler, not here.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"zmed.io/zmonitor/internal/bus"
	"zmed.io/zmonitor/internal/journal"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/metrics"
	"zmed.io/zmonitor/internal/status"
)

// Server is the ops API.
type Server struct {
	listen  string
	logger  *logging.Logger
	tracker *status.Tracker
	jrnl    *journal.Journal
	metrics *metrics.Registry
	signals *bus.Bus

	httpSrv *http.Server
}

// New builds the server.
func New(listen string, tracker *status.Tracker, jrnl *journal.Journal, m *metrics.Registry, signals *bus.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	return &Server{
		listen:  listen,
		logger:  logger,
		tracker: tracker,
		jrnl:    jrnl,
		metrics: m,
		signals: signals,
	}
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/audit/verify", s.handleAuditVerify).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Start listens on the loopback address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	s.httpSrv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the events stream is long-lived
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops API server failed", "error", err)
		}
	}()
	s.listen = ln.Addr().String()
	s.logger.Info("ops API listening", "addr", s.listen)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.httpSrv == nil {
		return s.listen
	}
	return s.listen
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": s.tracker.Current().String(),
	})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	res, err := s.jrnl.Verify()
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"intact":    false,
			"entries":   res.Entries,
			"broken_at": res.BrokenAt,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"intact":  true,
		"entries": res.Entries,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Package api exposes the engine's server/pool/connection state as JSON and
// a small HTML status dashboard (spec.md §2 component 6c [EXPANSION]),
// mirroring the teacher's operator-facing admin API but scoped to this
// engine's read-mostly introspection surface: servers are configured via
// YAML, not created through the API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymux/mysqlbackend/internal/config"
	"github.com/relaymux/mysqlbackend/internal/engine"
)

// Server is the admin HTTP server: JSON introspection endpoints, a
// Prometheus scrape endpoint, and an HTML dashboard.
type Server struct {
	eng        *engine.Engine
	listenCfg  config.ListenConfig
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds an admin Server backed by eng.
func NewServer(eng *engine.Engine, lc config.ListenConfig) *Server {
	return &Server{eng: eng, listenCfg: lc, startTime: time.Now()}
}

// Start begins serving on lc.APIBind:port in the background.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/servers", s.listServers).Methods("GET")
	r.HandleFunc("/servers/{name}", s.getServer).Methods("GET")
	r.HandleFunc("/servers/{name}/pool", s.serverPool).Methods("GET")
	r.HandleFunc("/servers/{name}/connections", s.serverConnections).Methods("GET")
	r.HandleFunc("/servers/{name}/maintenance", s.setMaintenance).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Servers())
}

func (s *Server) getServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap, ok := s.eng.Server(name)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) serverPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	snap, ok := s.eng.Server(name)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, snap.Pool)
}

func (s *Server) serverConnections(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.eng.Server(name); !ok {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Connections(name))
}

func (s *Server) setMaintenance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if !s.eng.SetMaintenance(name, req.On) {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"server": name, "maintenance": req.On})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_servers":    len(s.eng.Servers()),
		"api_port":       s.listenCfg.APIPort,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	servers := s.eng.Servers()

	allUp := true
	for _, srv := range servers {
		if srv.Maintenance {
			allUp = false
		}
	}

	status := http.StatusOK
	if !allUp {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":  boolToStatus(allUp),
		"servers": servers,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "degraded"
}

// Package api serves the operational HTTP endpoint of a running
// pipeline: liveness, readiness, a JSON status summary and the
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gantrydata/gantry/pkg/destination"
	"github.com/gantrydata/gantry/pkg/metrics"
	"github.com/gantrydata/gantry/pkg/pipeline"
)

// Server provides the HTTP ops endpoints for one pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	version  string
	mux      *http.ServeMux
	srv      *http.Server
}

// NewServer creates the ops server over a restored pipeline.
func NewServer(p *pipeline.Pipeline, version string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		pipeline: p,
		version:  version,
		mux:      mux,
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.srv.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HealthResponse is the liveness check payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the readiness check payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// StatusResponse summarizes one pipeline for operators.
type StatusResponse struct {
	Pipeline       string         `json:"pipeline"`
	ClientType     string         `json:"client_type"`
	SchemaVersions map[string]int `json:"schema_versions"`
	Extracted      int            `json:"extracted_batches"`
	Normalized     int            `json:"normalized_packages"`
	Completed      int            `json:"completed_packages"`
}

// healthHandler is a plain liveness check, 200 while the process runs.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

// readyHandler reports whether the working directory is attached and
// the destination can be opened.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// listings treat a missing directory as empty, so stat the working
	// directory itself to prove it is still attached
	if _, err := os.Stat(s.pipeline.WorkingDir()); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Working directory not accessible"
	} else if _, err := s.pipeline.ListExtractedLoads(); err != nil {
		checks["storage"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Working directory not accessible"
	} else {
		checks["storage"] = "ok"
	}
	metrics.UpdateComponent("storage", checks["storage"] == "ok", checks["storage"])

	state := s.pipeline.State()
	schema, err := s.pipeline.DefaultSchema()
	if err != nil {
		checks["destination"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "Default schema not readable"
		}
	} else if client, err := destination.Open(r.Context(), state.ClientType, s.pipeline.Context().Config, schema); err != nil {
		checks["destination"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "Destination not reachable"
		}
	} else {
		client.Close()
		checks["destination"] = "ok"
	}
	metrics.UpdateComponent("destination", checks["destination"] == "ok", checks["destination"])

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// statusHandler renders the stage backlog and stored schema versions.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.pipeline.State()
	resp := StatusResponse{
		Pipeline:       state.Name,
		ClientType:     state.ClientType,
		SchemaVersions: make(map[string]int),
	}
	if names, err := s.pipeline.Context().Store.ListSchemas(); err == nil {
		for _, name := range names {
			if sc, err := s.pipeline.Schema(name); err == nil {
				resp.SchemaVersions[name] = sc.Version()
			}
		}
	}
	if batches, err := s.pipeline.ListExtractedLoads(); err == nil {
		resp.Extracted = len(batches)
	}
	if packages, err := s.pipeline.ListNormalizedLoads(); err == nil {
		resp.Normalized = len(packages)
	}
	if completed, err := s.pipeline.ListCompletedLoads(); err == nil {
		resp.Completed = len(completed)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

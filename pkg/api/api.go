// Package api exposes the operator intent surface over a JSON-over-HTTP API
// listening on a Unix domain socket. It delegates every operation to
// internal/engine.Engine, using net/http and encoding/json rather than a
// third-party framework—small surface, few moving parts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Vaidhanik/Firewall-sub000/internal/buildinfo"
	"github.com/Vaidhanik/Firewall-sub000/internal/engine"
	"github.com/Vaidhanik/Firewall-sub000/internal/errs"
	"github.com/Vaidhanik/Firewall-sub000/internal/socket"
)

// AddRequest represents a request to add a blocking rule.
type AddRequest struct {
	App    string `json:"app"`
	Target string `json:"target"`
}

// AddResponse represents the response to an add request.
type AddResponse struct {
	RuleID int64 `json:"rule_id"`
}

// RemoveRequest represents a request to remove a blocking rule.
type RemoveRequest struct {
	RuleID int64 `json:"rule_id"`
}

// StatsResponse carries the engine's cumulative activity counters.
type StatsResponse struct {
	ActiveRules    int64 `json:"active_rules"`
	TotalAdds      int64 `json:"total_adds"`
	TotalRemoves   int64 `json:"total_removes"`
	TotalRefreshes int64 `json:"total_refreshes"`
}

// StatusResponse represents the server status response.
type StatusResponse struct {
	ActiveRules int64         `json:"active_rules"`
	Uptime      time.Duration `json:"uptime"`
	Version     string        `json:"version"`
	Commit      string        `json:"commit"`
}

// Server handles operator API requests over a Unix domain socket.
type Server struct {
	eng   *engine.Engine
	start time.Time
	mux   *http.ServeMux
	srv   *http.Server
}

// New creates a new API server with the given engine, wiring every
// operation named by the operator intent surface.
func New(eng *engine.Engine) *Server {
	s := &Server{
		eng:   eng,
		start: time.Now(),
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("/v1/add", s.handleAdd)
	s.mux.HandleFunc("/v1/remove", s.handleRemove)
	s.mux.HandleFunc("/v1/list_active", s.handleListActive)
	s.mux.HandleFunc("/v1/stats", s.handleStats)
	s.mux.HandleFunc("/v1/tail_attempts", s.handleTailAttempts)
	s.mux.HandleFunc("/v1/status", s.handleStatus)

	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the Unix-socket HTTP server.
func (s *Server) ListenAndServe(path string) error {
	ln, err := socket.Listen(path)
	if err != nil {
		return err
	}
	return s.srv.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.eng.Add(r.Context(), req.App, req.Target)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AddResponse{RuleID: id})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.eng.Remove(r.Context(), req.RuleID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rules, err := s.eng.ListActive(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		ActiveRules:    stats.ActiveRules,
		TotalAdds:      stats.TotalAdds,
		TotalRemoves:   stats.TotalRemoves,
		TotalRefreshes: stats.TotalRefreshes,
	})
}

func (s *Server) handleTailAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := parsePositiveInt(raw); err == nil {
			n = parsed
		}
	}
	attempts, err := s.eng.TailAttempts(r.Context(), n)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		ActiveRules: stats.ActiveRules,
		Uptime:      time.Since(s.start),
		Version:     buildinfo.Version,
		Commit:      buildinfo.Commit,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encoding response: %v", err), http.StatusInternalServerError)
	}
}

// writeEngineError maps the engine's sentinel error taxonomy onto HTTP
// status codes so the CLI client can branch on them without parsing text.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errs.ErrPartial):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errs.ErrResolutionFailed):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

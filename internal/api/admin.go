package api

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	if s.Bus != nil && s.Bus.Closed() {
		writeProblem(w, 503, "Not Ready", "broadcast bus closed", r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// StatsHandler handles GET /v1/admin/stats.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	out := map[string]any{}
	if s.Bus != nil {
		out["bus"] = s.Bus.Stats()
	}
	if s.Streams != nil {
		out["subscriptions"] = s.Streams.List()
	}
	if s.Status != nil {
		for k, v := range s.Status() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

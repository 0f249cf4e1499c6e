package api

import (
	"context"
	"net/http"
	"time"

	"fadebin/svc/util"
)

type HealthResponse struct {
	OK bool `json:"ok"`
}
type ReadyResponse struct {
	Ready bool   `json:"ready"`
	Store string `json:"store"`
}

// Health is liveness only; it never touches the store.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{OK: true})
}
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{Ready: true, Store: "up"}
	if err := s.store.Ping(ctx); err != nil {
		util.Error().Err(err).Str("backend", s.cfg.StoreBackend).Msg("store health check failed")
		resp.Ready = false
		resp.Store = "down"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

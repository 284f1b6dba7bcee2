package api

import (
	"net/http"
	"time"
)

// HealthHandler reports liveness and the loaded catalog version.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	resp := map[string]any{"status": "ok"}
	if s.Catalog != nil {
		cat := s.Catalog.Current()
		resp["catalog_version"] = cat.Version
		resp["ads"] = cat.NumAds()
	}
	s.observe("health", "GET", http.StatusOK, start)
	writeJSON(w, http.StatusOK, resp)
}

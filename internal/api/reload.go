package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/middleware"
)

// ReloadHandler re-reads the catalog. With ?broadcast=1 and a Redis store,
// every other instance is told to reload as well.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ReloadHandler")
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if s.Catalog == nil {
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}
	snap, err := s.Catalog.Reload(ctx)
	if err != nil {
		logger.Error("reload catalog", zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	logger.Info("catalog reloaded", zap.Int64("version", snap.Version), zap.Int("ads", snap.NumAds()))

	if s.Store != nil && r.URL.Query().Get("broadcast") == "1" {
		msg := db.UpdateMessage{Entity: "catalog", Action: "reload"}
		if err := s.Store.PublishCatalogUpdate(ctx, msg); err != nil {
			logger.Warn("broadcast reload", zap.Error(err))
		}
	}
	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}

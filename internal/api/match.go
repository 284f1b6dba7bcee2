package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/logic"
	"github.com/patrickwarner/admatch/internal/logic/delivery"
	"github.com/patrickwarner/admatch/internal/middleware"
	"github.com/patrickwarner/admatch/internal/models"
)

// maxBodyBytes bounds the /match request body.
const maxBodyBytes = 64 << 10

// MatchRequest is the body of POST /match.
type MatchRequest struct {
	Query      string     `json:"query"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id"`
	DeadlineMS int        `json:"deadline_ms,omitempty"`
	Interests  []string   `json:"interests,omitempty"`
	// Timestamp is audited only; decisions always use the server clock.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func decodeMatchRequest(r *http.Request) (*MatchRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	defer func() {
		_ = r.Body.Close()
	}()

	var req MatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MatchHandler handles POST /match.
func (s *Server) MatchHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "MatchHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/match"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "match"
	const method = "POST"

	req, err := decodeMatchRequest(r)
	if err != nil {
		logger.Warn("decode request", zap.Error(err))
		s.observe(endpoint, method, http.StatusBadRequest, start)
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if s.Limiter != nil && !s.Limiter.Allow(req.UserID, req.SessionID) {
		span.SetAttributes(attribute.Bool("ratelimit.hit", true))
		s.observe(endpoint, method, http.StatusTooManyRequests, start)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if req.DeadlineMS > 0 {
		d := time.Duration(req.DeadlineMS) * time.Millisecond
		if s.MaxDeadline > 0 && d > s.MaxDeadline {
			d = s.MaxDeadline
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	q := models.Query{Text: req.Query, UserID: req.UserID, SessionID: req.SessionID}
	if req.Timestamp != nil {
		q.Timestamp = *req.Timestamp
	}
	aud := logic.ResolveAudience(r, s.GeoIP)
	aud.Interests = req.Interests

	dreq := delivery.Request{
		Query:     q,
		Audience:  aud,
		RequestID: middleware.RequestIDFromContext(ctx),
		Debug:     s.DebugTrace || r.URL.Query().Get("debug") == "1",
	}
	decision, err := s.Engine.Decide(ctx, dreq)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, logic.ErrInvalidQuery) {
			status = http.StatusBadRequest
		}
		span.SetStatus(codes.Error, err.Error())
		logger.Info("match rejected", zap.Error(err))
		s.observe(endpoint, method, status, start)
		http.Error(w, err.Error(), status)
		return
	}

	span.SetAttributes(
		attribute.String("request_id", decision.RequestID),
		attribute.Int("ads", len(decision.Ads)),
	)
	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, decision)
}

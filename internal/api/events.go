package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/analytics"
	"github.com/patrickwarner/admatch/internal/macros"
	"github.com/patrickwarner/admatch/internal/middleware"
	"github.com/patrickwarner/admatch/internal/token"
)

// pixelGIF is a transparent 1x1 GIF.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func sendPixelResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelGIF)
}

// eventFromToken builds the analytics event attributed by a tracking token.
func eventFromToken(eventType string, tr token.Tracking, at time.Time) analytics.Event {
	return analytics.Event{
		Timestamp:  at,
		Type:       eventType,
		RequestID:  tr.RequestID,
		AdID:       tr.AdID,
		CampaignID: tr.CampaignID,
		CompanyID:  tr.CompanyID,
		UserID:     tr.UserID,
		SessionID:  tr.SessionID,
		Variant:    tr.Variant,
		Position:   tr.Position,
	}
}

// trackEvent verifies the request token and records the event. It writes the
// error response itself and returns ok=false when the caller must stop.
func (s *Server) trackEvent(w http.ResponseWriter, r *http.Request, eventType string, value float64) (token.Tracking, int, bool) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	tok := r.URL.Query().Get("t")
	if tok == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return token.Tracking{}, http.StatusBadRequest, false
	}
	tr, err := token.Verify(tok, s.TokenSecret, s.TokenTTL)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Info("rejected tracking token", zap.String("event", eventType), zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, token.ErrExpired) {
			status = http.StatusGone
		}
		http.Error(w, err.Error(), status)
		return tr, status, false
	}
	span.SetAttributes(
		attribute.String("ad_id", tr.AdID),
		attribute.String("campaign_id", tr.CampaignID),
		attribute.String("request_id", tr.RequestID),
	)

	if s.Analytics == nil {
		http.Error(w, "analytics unavailable", http.StatusInternalServerError)
		return tr, http.StatusInternalServerError, false
	}

	now := time.Now()
	ev := eventFromToken(eventType, tr, now)
	ev.Value = value
	if err := s.Analytics.RecordEvent(ctx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("record event", zap.String("event", eventType), zap.String("ad_id", tr.AdID), zap.Error(err))
		http.Error(w, "record event", http.StatusInternalServerError)
		return tr, http.StatusInternalServerError, false
	}

	if s.Store != nil {
		if err := s.Store.IncrementAdEvent(ctx, tr.AdID, eventType, now); err != nil {
			logger.Warn("increment ad counter", zap.String("event", eventType), zap.String("ad_id", tr.AdID), zap.Error(err))
		}
	}
	return tr, http.StatusOK, true
}

// ImpressionHandler handles GET /impression?t=<token>.
func (s *Server) ImpressionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ImpressionHandler",
		trace.WithAttributes(attribute.String("http.route", "/impression")))
	defer span.End()
	r = r.WithContext(ctx)

	start := time.Now()
	const endpoint = "impression"
	const method = "GET"

	if _, status, ok := s.trackEvent(w, r, analytics.EventImpression, 0); !ok {
		s.observe(endpoint, method, status, start)
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
	sendPixelResponse(w)
}

// ClickHandler handles GET /click?t=<token>. It redirects to the ad's
// expanded target URL when that is an http(s) URL and serves a pixel
// otherwise.
func (s *Server) ClickHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ClickHandler",
		trace.WithAttributes(attribute.String("http.route", "/click")))
	defer span.End()
	r = r.WithContext(ctx)

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "click"
	const method = "GET"

	tr, status, ok := s.trackEvent(w, r, analytics.EventClick, 0)
	if !ok {
		s.observe(endpoint, method, status, start)
		return
	}

	target := s.clickTarget(tr)
	if target == "" {
		s.observe(endpoint, method, http.StatusOK, start)
		sendPixelResponse(w)
		return
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		logger.Warn("click target not redirectable", zap.String("ad_id", tr.AdID), zap.String("target", target))
		s.observe(endpoint, method, http.StatusOK, start)
		sendPixelResponse(w)
		return
	}
	s.observe(endpoint, method, http.StatusFound, start)
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (s *Server) clickTarget(tr token.Tracking) string {
	if s.Catalog == nil {
		return ""
	}
	ad, ok := s.Catalog.Current().Ad(tr.AdID)
	if !ok {
		return ""
	}
	if s.Macros == nil {
		return ad.Content.TargetURL
	}
	return s.Macros.ExpandTargetURL(ad, macros.DeliveryContext{
		RequestID: tr.RequestID,
		SessionID: tr.SessionID,
		Timestamp: tr.IssuedAt(),
		Variant:   tr.Variant,
		Position:  tr.Position,
	})
}

// ConversionHandler handles POST /conversion?t=<token>&value=<amount>.
func (s *Server) ConversionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ConversionHandler",
		trace.WithAttributes(attribute.String("http.route", "/conversion")))
	defer span.End()
	r = r.WithContext(ctx)

	start := time.Now()
	const endpoint = "conversion"
	const method = "POST"

	var value float64
	if v := r.URL.Query().Get("value"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			s.observe(endpoint, method, http.StatusBadRequest, start)
			http.Error(w, "invalid value", http.StatusBadRequest)
			return
		}
		value = f
	}

	tr, status, ok := s.trackEvent(w, r, analytics.EventConversion, value)
	if !ok {
		s.observe(endpoint, method, status, start)
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded", "ad_id": tr.AdID})
}

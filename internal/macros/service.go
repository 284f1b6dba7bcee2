package macros

import (
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/models"
)

// Service expands target URLs of delivered ads.
type Service struct {
	expander *MacroExpander
	logger   *zap.Logger
}

// NewService creates a new macro expansion service
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{expander: NewMacroExpander(logger), logger: logger.Named("macro_service")}
}

// NewServiceForTesting creates a new macro expansion service for testing with isolated metrics
func NewServiceForTesting(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{expander: NewMacroExpanderForTesting(logger, false), logger: logger.Named("macro_service")}
}

// RegisterCustomMacro allows registration of additional macro expansion functions
func (s *Service) RegisterCustomMacro(name string, fn ExpansionFunc) error {
	return s.expander.RegisterMacro(name, fn)
}

// ValidateURL validates that a URL contains only supported macros
func (s *Service) ValidateURL(rawURL string) []string {
	return s.expander.ValidateURL(rawURL)
}

// DeliveryContext identifies one delivered ad for macro expansion.
type DeliveryContext struct {
	RequestID    string
	SessionID    string
	Timestamp    time.Time
	Variant      string
	Position     int
	CustomParams map[string]string
}

// ExpandTargetURL returns ad's target URL with macros filled from dc. If
// expansion fails the raw URL is returned so clicks still land.
func (s *Service) ExpandTargetURL(ad *models.Ad, dc DeliveryContext) string {
	raw := ad.Content.TargetURL
	if raw == "" {
		return ""
	}
	ts := dc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out, err := s.expander.ExpandURL(raw, &ExpansionContext{
		RequestID:    dc.RequestID,
		SessionID:    dc.SessionID,
		Timestamp:    ts,
		AdID:         ad.ID,
		CampaignID:   ad.CampaignID,
		CompanyID:    ad.CompanyID,
		Variant:      dc.Variant,
		Position:     dc.Position,
		CustomParams: dc.CustomParams,
	})
	if err != nil {
		s.logger.Error("Failed to expand target URL macros, using original URL",
			zap.String("ad_id", ad.ID),
			zap.String("raw_url", raw),
			zap.Error(err))
		return raw
	}
	return out
}

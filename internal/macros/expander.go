package macros

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// MacroExpander handles macro expansion in ad target URLs with observability
type MacroExpander struct {
	logger       *zap.Logger
	expansions   map[string]ExpansionFunc
	expansionsMu sync.RWMutex
	strictMode   bool // If true, any macro expansion failure causes the entire operation to fail

	expansionCounter  *prometheus.CounterVec
	expansionDuration prometheus.Histogram
	failureCounter    *prometheus.CounterVec
}

// ExpansionFunc defines the signature for macro expansion functions
type ExpansionFunc func(ctx *ExpansionContext) (string, error)

// ExpansionContext contains all data available for macro expansion
type ExpansionContext struct {
	RequestID string
	SessionID string
	Timestamp time.Time

	AdID       string
	CampaignID string
	CompanyID  string
	Variant    string
	Position   int

	// CustomParams back {CUSTOM.key} placeholders.
	CustomParams map[string]string
}

type expanderMetrics struct {
	expansions *prometheus.CounterVec
	duration   prometheus.Histogram
	failures   *prometheus.CounterVec
}

func newExpanderMetrics(factory promauto.Factory) expanderMetrics {
	return expanderMetrics{
		expansions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admatch_macro_expansions_total",
				Help: "Total number of macro expansions performed",
			},
			[]string{"macro", "success"},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "admatch_macro_expansion_duration_seconds",
				Help:    "Time taken to expand all macros in a URL",
				Buckets: prometheus.DefBuckets,
			},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admatch_macro_expansion_failures_total",
				Help: "Total number of macro expansion failures",
			},
			[]string{"macro", "error_type"},
		),
	}
}

var (
	globalMetricsOnce sync.Once
	globalMetrics     expanderMetrics
)

// NewMacroExpander creates a new macro expander with default macros
func NewMacroExpander(logger *zap.Logger) *MacroExpander {
	return NewMacroExpanderWithMode(logger, false)
}

// NewMacroExpanderWithMode creates a new macro expander with configurable
// strict/lenient mode. Metrics go to the default Prometheus registry and are
// shared by every expander in the process.
func NewMacroExpanderWithMode(logger *zap.Logger, strictMode bool) *MacroExpander {
	globalMetricsOnce.Do(func() {
		globalMetrics = newExpanderMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return newExpander(logger, strictMode, globalMetrics)
}

// NewMacroExpanderForTesting creates a new macro expander with a custom registry for testing
func NewMacroExpanderForTesting(logger *zap.Logger, strictMode bool) *MacroExpander {
	return newExpander(logger, strictMode, newExpanderMetrics(promauto.With(prometheus.NewRegistry())))
}

func newExpander(logger *zap.Logger, strictMode bool, m expanderMetrics) *MacroExpander {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &MacroExpander{
		logger:            logger,
		expansions:        make(map[string]ExpansionFunc),
		strictMode:        strictMode,
		expansionCounter:  m.expansions,
		expansionDuration: m.duration,
		failureCounter:    m.failures,
	}
	e.registerDefaultMacros()
	return e
}

// SetStrictMode enables or disables strict macro expansion mode
func (e *MacroExpander) SetStrictMode(strict bool) {
	e.strictMode = strict
}

// ExpandURL expands all macros in the given URL
func (e *MacroExpander) ExpandURL(rawURL string, ctx *ExpansionContext) (string, error) {
	start := time.Now()
	defer func() {
		e.expansionDuration.Observe(time.Since(start).Seconds())
	}()

	if rawURL == "" {
		return "", nil
	}

	if _, err := url.Parse(rawURL); err != nil {
		e.logger.Error("Failed to parse URL for macro expansion",
			zap.String("url", rawURL),
			zap.Error(err))
		return rawURL, err
	}

	expanded := e.expandCustomParams(rawURL, ctx)

	expanded, macrosFound, err := e.expandStandardMacros(expanded, ctx)
	if err != nil {
		if e.strictMode {
			return "", err
		}
		e.logger.Warn("Macro expansion completed with errors, continuing with partial expansion",
			zap.String("original_url", rawURL),
			zap.String("partial_url", expanded),
			zap.Error(err))
	}

	if macrosFound > 0 {
		e.logger.Debug("Expanded macros in URL",
			zap.String("original_url", rawURL),
			zap.String("expanded_url", expanded),
			zap.Int("macros_found", macrosFound))
	}

	return expanded, nil
}

// expandStandardMacros replaces every registered {MACRO} found in rawURL in one pass.
func (e *MacroExpander) expandStandardMacros(rawURL string, ctx *ExpansionContext) (string, int, error) {
	e.expansionsMu.RLock()
	defer e.expansionsMu.RUnlock()

	var foundMacros []string
	for macro := range e.expansions {
		if strings.Contains(rawURL, "{"+macro+"}") {
			foundMacros = append(foundMacros, macro)
		}
	}
	if len(foundMacros) == 0 {
		return rawURL, 0, nil
	}

	var replacements []string
	var firstErr error
	for _, macro := range foundMacros {
		value, err := e.expansions[macro](ctx)
		if err != nil {
			e.expansionCounter.WithLabelValues(macro, "false").Inc()
			e.failureCounter.WithLabelValues(macro, "expansion_error").Inc()
			e.logger.Error("Failed to expand macro",
				zap.String("macro", macro),
				zap.String("url", rawURL),
				zap.Error(err))
			if e.strictMode {
				return "", 0, fmt.Errorf("macro expansion failed in strict mode for macro '%s': %w", macro, err)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("macro %s: %w", macro, err)
			}
			continue
		}
		replacements = append(replacements, "{"+macro+"}", url.QueryEscape(value))
		e.expansionCounter.WithLabelValues(macro, "true").Inc()
	}

	if len(replacements) == 0 {
		return rawURL, 0, firstErr
	}
	return strings.NewReplacer(replacements...).Replace(rawURL), len(foundMacros), firstErr
}

// RegisterMacro adds a custom macro expansion function
func (e *MacroExpander) RegisterMacro(name string, expansionFunc ExpansionFunc) error {
	if name == "" {
		return fmt.Errorf("macro name cannot be empty")
	}
	if expansionFunc == nil {
		return fmt.Errorf("expansion function cannot be nil")
	}

	e.expansionsMu.Lock()
	defer e.expansionsMu.Unlock()
	e.expansions[name] = expansionFunc

	e.logger.Info("Registered custom macro", zap.String("macro", name))
	return nil
}

// GetRegisteredMacros returns a list of all registered macro names
func (e *MacroExpander) GetRegisteredMacros() []string {
	e.expansionsMu.RLock()
	defer e.expansionsMu.RUnlock()

	names := make([]string, 0, len(e.expansions))
	for name := range e.expansions {
		names = append(names, name)
	}
	return names
}

func (e *MacroExpander) registerDefaultMacros() {
	e.expansions["REQUEST_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.RequestID, nil
	}
	e.expansions["SESSION_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.SessionID, nil
	}

	e.expansions["AD_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.AdID, nil
	}
	e.expansions["CAMPAIGN_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.CampaignID, nil
	}
	e.expansions["COMPANY_ID"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.CompanyID, nil
	}
	e.expansions["VARIANT"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.Variant, nil
	}
	e.expansions["POSITION"] = func(ctx *ExpansionContext) (string, error) {
		if ctx.Position <= 0 {
			return "", fmt.Errorf("position not assigned")
		}
		return strconv.Itoa(ctx.Position), nil
	}

	e.expansions["TIMESTAMP"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.FormatInt(ctx.Timestamp.Unix(), 10), nil
	}
	e.expansions["TIMESTAMP_MS"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.FormatInt(ctx.Timestamp.UnixMilli(), 10), nil
	}
	e.expansions["ISO_TIMESTAMP"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.Timestamp.UTC().Format(time.RFC3339), nil
	}

	// Cache busting
	e.expansions["RANDOM"] = func(ctx *ExpansionContext) (string, error) {
		return strconv.FormatInt(time.Now().UnixNano(), 10), nil
	}
	e.expansions["UUID"] = func(ctx *ExpansionContext) (string, error) {
		return uuid.New().String(), nil
	}
}

// expandCustomParams expands {CUSTOM.key} patterns in the URL
func (e *MacroExpander) expandCustomParams(rawURL string, ctx *ExpansionContext) string {
	if ctx.CustomParams == nil {
		return rawURL
	}
	expanded := rawURL
	for key, value := range ctx.CustomParams {
		placeholder := "{CUSTOM." + key + "}"
		if strings.Contains(expanded, placeholder) {
			expanded = strings.ReplaceAll(expanded, placeholder, url.QueryEscape(value))
		}
	}
	return expanded
}

// ValidateURL returns the macros in rawURL that no expansion is registered for.
func (e *MacroExpander) ValidateURL(rawURL string) []string {
	var unsupported []string
	pos := 0
	for {
		start := strings.Index(rawURL[pos:], "{")
		if start == -1 {
			break
		}
		start += pos
		end := strings.Index(rawURL[start:], "}")
		if end == -1 {
			break
		}
		end += start
		macro := rawURL[start+1 : end]
		pos = end + 1

		if strings.HasPrefix(macro, "CUSTOM.") {
			continue
		}
		e.expansionsMu.RLock()
		_, supported := e.expansions[macro]
		e.expansionsMu.RUnlock()
		if !supported {
			unsupported = append(unsupported, macro)
		}
	}
	return unsupported
}

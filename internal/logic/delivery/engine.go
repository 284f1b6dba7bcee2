// Package delivery composes the matching stages into a single decision per
// query: analyze, retrieve, filter, rank, admit, then render and audit.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/analytics"
	"github.com/patrickwarner/admatch/internal/logic"
	"github.com/patrickwarner/admatch/internal/logic/admission"
	"github.com/patrickwarner/admatch/internal/logic/analyzer"
	"github.com/patrickwarner/admatch/internal/logic/conversation"
	"github.com/patrickwarner/admatch/internal/logic/filters"
	"github.com/patrickwarner/admatch/internal/logic/ranking"
	"github.com/patrickwarner/admatch/internal/macros"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
	"github.com/patrickwarner/admatch/internal/retrieval"
	"github.com/patrickwarner/admatch/internal/token"
)

// nowFn is replaced in tests.
var nowFn = time.Now

const (
	defaultMaxAds = 3
	defaultTopK   = 20
)

// CatalogSource supplies the snapshot a decision is made against.
type CatalogSource interface {
	Snapshot(ctx context.Context) (*models.Catalog, error)
}

// Options configure an Engine.
type Options struct {
	MaxAds int
	TopK   int
	// QueryTimeout bounds the retrieval call. Zero leaves only the caller's deadline.
	QueryTimeout time.Duration
	// TokenSecret signs tracking tokens. Without one no tracking URLs are issued.
	TokenSecret []byte
	// TrackingBaseURL prefixes the impression and click paths, e.g. "https://ads.example".
	TrackingBaseURL string
}

// Request is one query to decide on.
type Request struct {
	Query     models.Query
	Audience  models.Audience
	RequestID string
	// Debug attaches the audit record to the returned decision.
	Debug bool
}

// Engine is the delivery orchestrator. It is safe for concurrent use.
type Engine struct {
	catalog   CatalogSource
	analyzer  *analyzer.Analyzer
	retriever retrieval.Retriever
	filter    *filters.SinglePassFilter
	ranker    *ranking.Engine
	admission *admission.Controller
	macros    *macros.Service
	sink      analytics.Sink
	history   conversation.History

	opts    Options
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	tracer  trace.Tracer
}

// Deps are the collaborators an Engine composes. Sink, Macros and History are
// optional; without History every query is analyzed on its own.
type Deps struct {
	Catalog   CatalogSource
	Analyzer  *analyzer.Analyzer
	Retriever retrieval.Retriever
	Filter    *filters.SinglePassFilter
	Ranker    *ranking.Engine
	Admission *admission.Controller
	Macros    *macros.Service
	Sink      analytics.Sink
	History   conversation.History
	Logger    *zap.Logger
	Metrics   observability.MetricsRegistry
}

func NewEngine(d Deps, opts Options) *Engine {
	if opts.MaxAds <= 0 {
		opts.MaxAds = defaultMaxAds
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = observability.NewNoOpRegistry()
	}
	if d.Analyzer == nil {
		d.Analyzer = analyzer.New(analyzer.Options{})
	}
	if d.Filter == nil {
		d.Filter = filters.NewSinglePassFilter(nil, d.Logger, d.Metrics)
	}
	if d.Ranker == nil {
		d.Ranker = ranking.NewEngine(ranking.Options{})
	}
	if d.Macros == nil {
		d.Macros = macros.NewService(d.Logger)
	}
	return &Engine{
		catalog:   d.Catalog,
		analyzer:  d.Analyzer,
		retriever: d.Retriever,
		filter:    d.Filter,
		ranker:    d.Ranker,
		admission: d.Admission,
		macros:    d.Macros,
		sink:      d.Sink,
		history:   d.History,
		opts:      opts,
		logger:    d.Logger,
		metrics:   d.Metrics,
		tracer:    observability.Tracer(),
	}
}

// Analyze runs only the query analyzer against the current snapshot.
func (e *Engine) Analyze(ctx context.Context, text string) (models.QueryFeatures, error) {
	cat, err := e.catalog.Snapshot(ctx)
	if err != nil {
		e.logger.Warn("catalog unavailable, analyzing without vocabulary", zap.Error(err))
	}
	return e.analyzer.Analyze(text, cat)
}

// Decide produces the delivery decision for req. The only error it returns
// wraps logic.ErrInvalidQuery; every other failure degrades to a smaller or
// empty decision.
func (e *Engine) Decide(ctx context.Context, req Request) (*models.DeliveryDecision, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	q := req.Query
	// Flight dates, frequency windows and spend days run on the server clock.
	// The caller's timestamp is only recorded.
	now := nowFn().UTC()

	ctx, span := e.tracer.Start(ctx, "delivery.Decide",
		trace.WithAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.Bool("request.anonymous", q.Subject() == ""),
		),
	)
	defer span.End()

	logger := e.logger.With(zap.String("request_id", req.RequestID))
	audit := &models.AuditRecord{
		RequestID:  req.RequestID,
		UserID:     q.UserID,
		SessionID:  q.SessionID,
		Timestamp:  now,
		Query:      q.Text,
		Considered: []models.MatchCandidate{},
		Rejections: []models.Rejection{},
		Admitted:   []string{},
	}
	if !q.Timestamp.IsZero() {
		ts := q.Timestamp.UTC()
		audit.ClientTimestamp = &ts
	}
	decision := &models.DeliveryDecision{RequestID: req.RequestID, Ads: []models.DeliveredAd{}}

	finish := func(outcome string) *models.DeliveryDecision {
		audit.Outcome = outcome
		if req.Debug {
			decision.Audit = audit
		}
		e.metrics.IncrementDecisions(outcome)
		e.metrics.RecordStageLatency("total", time.Since(start))
		span.SetAttributes(attribute.String("decision.outcome", outcome), attribute.Int("decision.ads", len(decision.Ads)))
		e.record(ctx, audit, logger)
		return decision
	}

	if ctx.Err() != nil {
		return finish(models.OutcomeDeadline), nil
	}

	cat, err := e.catalog.Snapshot(ctx)
	if err != nil {
		logger.Error("no catalog snapshot, returning empty decision", zap.Error(err))
		span.RecordError(err)
		return finish(models.OutcomeEmpty), nil
	}
	audit.CatalogVersion = cat.Version

	// analyze
	stageStart := time.Now()
	history := e.recentQueries(ctx, q, logger)
	features, err := e.analyzer.AnalyzeWithContext(q.Text, history, cat)
	e.metrics.RecordStageLatency(models.StageAnalyze, time.Since(stageStart))
	if err != nil {
		span.SetStatus(codes.Error, "invalid query")
		audit.Outcome = models.OutcomeInvalid
		e.metrics.IncrementDecisions(models.OutcomeInvalid)
		return nil, err
	}
	e.rememberQuery(ctx, q, logger)
	audit.Features = features
	audit.Context = history
	audit.Trace.AddStepWithDetails(models.StageAnalyze, nil, time.Since(stageStart), map[string]string{
		"keywords":   strconv.Itoa(len(features.Keywords)),
		"intents":    strconv.Itoa(len(features.Intents)),
		"categories": strconv.Itoa(len(features.Categories)),
	})

	// retrieve
	cands, deadline := e.retrieve(ctx, q.Text, audit, logger)
	if deadline {
		return finish(models.OutcomeDeadline), nil
	}

	// filter
	stageStart = time.Now()
	eligible, rejected := e.filter.FilterWithTrace(ctx, filters.Input{
		Catalog:    cat,
		Candidates: cands,
		Features:   features,
		Audience:   req.Audience,
		Now:        now,
	}, &audit.Trace)
	audit.Reject(rejected...)
	e.metrics.RecordStageLatency(models.StageFilter, time.Since(stageStart))

	// rank
	stageStart = time.Now()
	ranked := e.ranker.Rank(cat, eligible, features)
	audit.Considered = append(audit.Considered, ranked.Considered...)
	audit.Reject(ranked.Rejections...)
	for _, r := range ranked.Rejections {
		e.metrics.IncrementRejections(r.Stage, r.Reason)
	}
	audit.Trace.AddStep(models.StageRank, ranked.Ranked, time.Since(stageStart))
	e.metrics.RecordStageLatency(models.StageRank, time.Since(stageStart))

	if len(ranked.Ranked) == 0 {
		return finish(models.OutcomeEmpty), nil
	}
	if ctx.Err() != nil {
		return finish(models.OutcomeDeadline), nil
	}

	// admit
	stageStart = time.Now()
	admitted, rejected := e.admit(ctx, cat, ranked.Ranked, q, now, &audit.Trace)
	audit.Reject(rejected...)
	e.metrics.RecordStageLatency(models.StageAdmission, time.Since(stageStart))

	if len(admitted) == 0 {
		if ctx.Err() != nil {
			return finish(models.OutcomeDeadline), nil
		}
		return finish(models.OutcomeEmpty), nil
	}

	// deliver
	stageStart = time.Now()
	for i, cand := range admitted {
		ad, ok := cat.Ad(cand.AdID)
		if !ok {
			continue
		}
		audit.Admitted = append(audit.Admitted, ad.ID)
		decision.Ads = append(decision.Ads, e.render(ad, cand, i+1, req.RequestID, q, now, logger))
	}
	audit.Trace.AddStep(models.StageDeliver, admitted, time.Since(stageStart))

	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("delivery decision",
			zap.Int("ads", len(decision.Ads)),
			zap.Strings("admitted", audit.Admitted),
			zap.Duration("took", time.Since(start)))
	}
	return finish(models.OutcomeFilled), nil
}

// recentQueries loads the conversation window for q. Failures are logged and
// the query is analyzed alone.
func (e *Engine) recentQueries(ctx context.Context, q models.Query, logger *zap.Logger) []string {
	key := q.ConversationKey()
	if e.history == nil || key == "" {
		return nil
	}
	h, err := e.history.Recent(ctx, key)
	if err != nil {
		logger.Warn("conversation history unavailable", zap.Error(err))
		return nil
	}
	return h
}

func (e *Engine) rememberQuery(ctx context.Context, q models.Query, logger *zap.Logger) {
	key := q.ConversationKey()
	if e.history == nil || key == "" {
		return
	}
	if err := e.history.Append(context.WithoutCancel(ctx), key, q.Text); err != nil {
		logger.Warn("record conversation history", zap.Error(err))
	}
}

// retrieve calls the retrieval collaborator under QueryTimeout. A timeout or
// backend failure yields zero candidates. deadline reports that the caller's
// own context is done.
func (e *Engine) retrieve(ctx context.Context, text string, audit *models.AuditRecord, logger *zap.Logger) (cands []models.MatchCandidate, deadline bool) {
	ctx, span := e.tracer.Start(ctx, "delivery.retrieve")
	defer span.End()
	start := time.Now()

	rctx := ctx
	if e.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.opts.QueryTimeout)
		defer cancel()
	}

	details := map[string]string{}
	var hits []retrieval.Candidate
	var err error
	if e.retriever != nil {
		hits, err = e.retriever.Retrieve(rctx, text, e.opts.TopK)
	}
	e.metrics.RecordStageLatency(models.StageRetrieve, time.Since(start))

	switch {
	case err == nil:
	case ctx.Err() != nil:
		details["error"] = "deadline"
		audit.Trace.AddStepWithDetails(models.StageRetrieve, nil, time.Since(start), details)
		return nil, true
	case errors.Is(err, context.DeadlineExceeded) || rctx.Err() != nil:
		err = fmt.Errorf("retrieve after %s: %w", e.opts.QueryTimeout, logic.ErrRetrievalTimeout)
		logger.Warn("retrieval timed out, continuing with no candidates", zap.Error(err))
		span.RecordError(err)
		details["error"] = "timeout"
		hits = nil
	default:
		logger.Error("retrieval failed, continuing with no candidates", zap.Error(err))
		span.RecordError(err)
		details["error"] = err.Error()
		hits = nil
	}

	cands = retrieval.ToMatchCandidates(hits)
	details["count"] = strconv.Itoa(len(cands))
	span.SetAttributes(attribute.Int("retrieval.count", len(cands)))
	audit.Trace.AddStepWithDetails(models.StageRetrieve, cands, time.Since(start), details)
	return cands, false
}

func (e *Engine) admit(ctx context.Context, cat *models.Catalog, ranked []models.MatchCandidate, q models.Query, now time.Time, tr *models.Trace) ([]models.MatchCandidate, []models.Rejection) {
	if e.admission == nil {
		// Without a state store every ranked candidate is admitted with its default variant.
		if len(ranked) > e.opts.MaxAds {
			ranked = ranked[:e.opts.MaxAds]
		}
		out := make([]models.MatchCandidate, len(ranked))
		for i, c := range ranked {
			if ad, ok := cat.Ad(c.AdID); ok {
				c.Variant = admission.AssignVariant(q.Subject(), ad.CampaignID, ad)
			}
			out[i] = c
		}
		tr.AddStep(models.StageAdmission, out, 0)
		return out, nil
	}
	ctx, span := e.tracer.Start(ctx, "delivery.admit")
	defer span.End()
	admitted, rejected := e.admission.AdmitWithTrace(ctx, cat, ranked, q, now, e.opts.MaxAds, tr)
	span.SetAttributes(attribute.Int("admission.admitted", len(admitted)), attribute.Int("admission.rejected", len(rejected)))
	return admitted, rejected
}

// render builds the caller-facing entry for one admitted ad.
func (e *Engine) render(ad *models.Ad, cand models.MatchCandidate, position int, requestID string, q models.Query, now time.Time, logger *zap.Logger) models.DeliveredAd {
	variant := cand.Variant
	if variant == "" {
		variant = models.DefaultVariant
	}
	content := ad.Render(variant)
	format := content.DisplayFormat
	if format == "" {
		format = "text"
	}
	out := models.DeliveredAd{
		AdID:          ad.ID,
		CampaignID:    ad.CampaignID,
		CompanyID:     ad.CompanyID,
		Position:      position,
		FinalScore:    cand.FinalScore,
		Variant:       variant,
		Title:         content.Title,
		Description:   content.Description,
		CallToAction:  content.CallToAction,
		DisplayFormat: format,
		Sponsored:     true,
		URL: e.macros.ExpandTargetURL(ad, macros.DeliveryContext{
			RequestID: requestID,
			SessionID: q.SessionID,
			Timestamp: now,
			Variant:   variant,
			Position:  position,
		}),
	}

	if len(e.opts.TokenSecret) == 0 {
		return out
	}
	tok, err := token.Generate(token.Tracking{
		RequestID:  requestID,
		AdID:       ad.ID,
		CampaignID: ad.CampaignID,
		CompanyID:  ad.CompanyID,
		UserID:     q.UserID,
		SessionID:  q.SessionID,
		Variant:    variant,
		Position:   position,
	}, e.opts.TokenSecret)
	if err != nil {
		logger.Error("tracking token", zap.String("ad_id", ad.ID), zap.Error(err))
		return out
	}
	out.ImpressionURL = e.opts.TrackingBaseURL + "/impression?t=" + tok
	out.ClickURL = e.opts.TrackingBaseURL + "/click?t=" + tok
	return out
}

// record hands the audit to the analytics sink. Failures never affect the
// decision.
func (e *Engine) record(ctx context.Context, audit *models.AuditRecord, logger *zap.Logger) {
	if e.sink == nil {
		return
	}
	if err := e.sink.RecordDecision(context.WithoutCancel(ctx), audit); err != nil {
		if errors.Is(err, analytics.ErrUnavailable) {
			logger.Debug("analytics unavailable, decision not recorded")
			return
		}
		logger.Error("record decision", zap.Error(err))
	}
}

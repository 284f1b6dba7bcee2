package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/analytics"
	"github.com/patrickwarner/admatch/internal/logic"
	"github.com/patrickwarner/admatch/internal/logic/admission"
	"github.com/patrickwarner/admatch/internal/logic/conversation"
	"github.com/patrickwarner/admatch/internal/logic/ranking"
	"github.com/patrickwarner/admatch/internal/macros"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
	"github.com/patrickwarner/admatch/internal/retrieval"
	"github.com/patrickwarner/admatch/internal/token"
)

var day1 = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

var secret = []byte("test-secret")

type staticSource struct {
	cat *models.Catalog
	err error
}

func (s staticSource) Snapshot(context.Context) (*models.Catalog, error) { return s.cat, s.err }

type fixture struct {
	engine  *Engine
	store   *admission.MemoryStore
	sink    *analytics.MockAnalytics
	metrics *observability.MockMetricsRegistry
}

// setNow pins the engine clock for the rest of the test.
func setNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := nowFn
	nowFn = func() time.Time { return at }
	t.Cleanup(func() { nowFn = prev })
}

func newFixture(t *testing.T, camps []models.Campaign, r retrieval.Retriever, opts Options) fixture {
	t.Helper()
	setNow(t, day1)
	cat := models.NewCatalog(camps, 1, day1)
	if r == nil {
		r = retrieval.NewBleveRetriever(func() *models.Catalog { return cat }, zap.NewNop())
	}
	store := admission.NewMemoryStore(admission.DayWindow)
	metrics := observability.NewMockMetricsRegistry()
	sink := analytics.NewMockAnalytics()
	if opts.TokenSecret == nil {
		opts.TokenSecret = secret
	}
	e := NewEngine(Deps{
		Catalog:   staticSource{cat: cat},
		Retriever: r,
		Ranker:    ranking.NewEngine(ranking.Options{MinScore: 0.3}),
		Admission: admission.NewController(store, admission.Options{DefaultCap: 3, DefaultCost: 0.01}, zap.NewNop(), metrics),
		Macros:    macros.NewServiceForTesting(zap.NewNop()),
		Sink:      sink,
		Logger:    zap.NewNop(),
		Metrics:   metrics,
	}, opts)
	return fixture{engine: e, store: store, sink: sink, metrics: metrics}
}

func laptopRequest(user string) Request {
	return Request{Query: models.Query{Text: "I need a new laptop for gaming", UserID: user}}
}

func static(ids ...string) *retrieval.StaticRetriever {
	r := &retrieval.StaticRetriever{}
	for i, id := range ids {
		r.Candidates = append(r.Candidates, retrieval.Candidate{AdID: id, Score: 1 - float64(i)*0.1})
	}
	return r
}

func TestDecideLaptopExample(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), nil, Options{})

	dec, err := f.engine.Decide(context.Background(), laptopRequest("u1"))
	require.NoError(t, err)
	require.Len(t, dec.Ads, 2)

	first, second := dec.Ads[0], dec.Ads[1]
	assert.Equal(t, "tg_laptop_gaming_1", first.AdID)
	assert.Equal(t, "tg_laptop_pro_1", second.AdID)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.InDelta(t, 0.5, first.FinalScore, 1e-9)
	assert.InDelta(t, 0.46, second.FinalScore, 1e-9)
	assert.True(t, first.Sponsored)
	assert.Equal(t, "text", first.DisplayFormat)
	assert.Equal(t, "https://techgear.example/gaming?ad=tg_laptop_gaming_1", first.URL)
	assert.Contains(t, []string{"a", "b"}, first.Variant)
	assert.Equal(t, models.DefaultVariant, second.Variant)
	assert.Nil(t, dec.Audit, "audit is only attached in debug mode")

	require.True(t, strings.HasPrefix(first.ClickURL, "/click?t="))
	tr, err := token.Verify(strings.TrimPrefix(first.ClickURL, "/click?t="), secret, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, dec.RequestID, tr.RequestID)
	assert.Equal(t, "tg_laptop_gaming_1", tr.AdID)
	assert.Equal(t, 1, tr.Position)

	audit := f.sink.LastDecision()
	require.NotNil(t, audit)
	assert.Equal(t, models.OutcomeFilled, audit.Outcome)
	assert.Equal(t, []string{"laptop", "gaming"}, audit.Features.Keywords)
	assert.NotContains(t, audit.Features.Intents, "purchase_intent")
	assert.Equal(t, []string{"tg_laptop_gaming_1", "tg_laptop_pro_1"}, audit.Admitted)
	assert.Len(t, audit.Considered, 2)
	assert.Equal(t, int64(1), audit.CatalogVersion)

	var stages []string
	for _, s := range audit.Trace.Steps {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{models.StageAnalyze, models.StageRetrieve, models.StageFilter, models.StageRank, models.StageAdmission, models.StageDeliver}, stages)
	assert.Equal(t, 1, f.metrics.Count(f.metrics.Decisions, models.OutcomeFilled))
}

func TestDecideNoMatchIsEmpty(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static("tg_laptop_gaming_1", "tg_laptop_pro_1", "sw_headphones_1"), Options{})

	req := Request{Query: models.Query{Text: "what will the weather be tomorrow", UserID: "u1"}, Debug: true}
	dec, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dec.Empty())
	assert.NotNil(t, dec.Ads)

	require.NotNil(t, dec.Audit)
	assert.Equal(t, models.OutcomeEmpty, dec.Audit.Outcome)
	require.Len(t, dec.Audit.Rejections, 3)
	for _, r := range dec.Audit.Rejections {
		assert.Equal(t, models.StageRank, r.Stage)
		assert.Equal(t, models.ReasonBelowThreshold, r.Reason)
	}
	n, _ := f.store.FrequencyCount(context.Background(), "u1", "tg_laptop_gaming_1", day1)
	assert.Zero(t, n)
}

func TestDecideInvalidQuery(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static(), Options{})
	for _, text := range []string{"", "   \t", "?!"} {
		dec, err := f.engine.Decide(context.Background(), Request{Query: models.Query{Text: text}})
		assert.ErrorIs(t, err, logic.ErrInvalidQuery, "text %q", text)
		assert.Nil(t, dec)
	}
	assert.Equal(t, 3, f.metrics.Count(f.metrics.Decisions, models.OutcomeInvalid))
	assert.Nil(t, f.sink.LastDecision())
}

func TestDecideRetrievalTimeoutYieldsEmpty(t *testing.T) {
	r := static("tg_laptop_gaming_1")
	r.Delay = 500 * time.Millisecond
	f := newFixture(t, models.SampleCampaigns(), r, Options{QueryTimeout: 10 * time.Millisecond})

	req := laptopRequest("u1")
	req.Debug = true
	dec, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dec.Empty())
	assert.Equal(t, models.OutcomeEmpty, dec.Audit.Outcome)

	var retrieve *models.TraceStep
	for i := range dec.Audit.Trace.Steps {
		if dec.Audit.Trace.Steps[i].Stage == models.StageRetrieve {
			retrieve = &dec.Audit.Trace.Steps[i]
		}
	}
	require.NotNil(t, retrieve)
	assert.Equal(t, "timeout", retrieve.Details["error"])
	assert.Empty(t, retrieve.AdIDs)
}

func TestDecideRetrievalErrorYieldsEmpty(t *testing.T) {
	r := &retrieval.StaticRetriever{Err: retrieval.ErrUnavailable}
	f := newFixture(t, models.SampleCampaigns(), r, Options{})
	dec, err := f.engine.Decide(context.Background(), laptopRequest("u1"))
	require.NoError(t, err)
	assert.True(t, dec.Empty())
}

func TestDecideCallerDeadline(t *testing.T) {
	r := static("tg_laptop_gaming_1")
	r.Delay = 500 * time.Millisecond
	f := newFixture(t, models.SampleCampaigns(), r, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	dec, err := f.engine.Decide(ctx, laptopRequest("u1"))
	require.NoError(t, err)
	assert.True(t, dec.Empty())
	assert.Equal(t, models.OutcomeDeadline, f.sink.LastDecision().Outcome)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	dec, err = f.engine.Decide(cancelled, laptopRequest("u1"))
	require.NoError(t, err)
	assert.True(t, dec.Empty())

	n, _ := f.store.FrequencyCount(context.Background(), "u1", "tg_laptop_gaming_1", day1)
	assert.Zero(t, n, "no counters may change after the deadline")
	spent, _ := f.store.DailySpend(context.Background(), []string{"techgear_laptops_2024"}, day1)
	assert.Zero(t, spent["techgear_laptops_2024"])
	assert.Equal(t, 2, f.metrics.Count(f.metrics.Decisions, models.OutcomeDeadline))
}

func TestDecideFrequencyCapResetsNextDay(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static("tg_laptop_gaming_1"), Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := f.engine.Decide(ctx, laptopRequest("u1"))
		require.NoError(t, err)
		require.Len(t, dec.Ads, 1, "request %d", i+1)
	}

	req := laptopRequest("u1")
	req.Debug = true
	dec, err := f.engine.Decide(ctx, req)
	require.NoError(t, err)
	assert.True(t, dec.Empty())
	require.Len(t, dec.Audit.Rejections, 1)
	assert.Equal(t, models.ReasonFrequencyCapped, dec.Audit.Rejections[0].Reason)

	other, err := f.engine.Decide(ctx, laptopRequest("u2"))
	require.NoError(t, err)
	assert.Len(t, other.Ads, 1, "caps are per user")

	setNow(t, day1.Add(10*time.Hour))
	dec, err = f.engine.Decide(ctx, laptopRequest("u1"))
	require.NoError(t, err)
	assert.Len(t, dec.Ads, 1)
}

func TestDecideIgnoresClientTimestampForCaps(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static("tg_laptop_gaming_1"), Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := f.engine.Decide(ctx, laptopRequest("u1"))
		require.NoError(t, err)
		require.Len(t, dec.Ads, 1)
	}

	for d := 1; d <= 5; d++ {
		req := laptopRequest("u1")
		req.Query.Timestamp = day1.AddDate(0, 0, d)
		req.Debug = true
		dec, err := f.engine.Decide(ctx, req)
		require.NoError(t, err)
		assert.True(t, dec.Empty(), "timestamp +%dd must not open a new window", d)
		assert.Equal(t, day1, dec.Audit.Timestamp)
		require.NotNil(t, dec.Audit.ClientTimestamp)
		assert.Equal(t, day1.AddDate(0, 0, d), *dec.Audit.ClientTimestamp)
	}

	n, err := f.store.FrequencyCount(ctx, "u1", "tg_laptop_gaming_1", day1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDecideIgnoresClientTimestampForFlightDates(t *testing.T) {
	camps := models.SampleCampaigns()
	camps[0].EndDate = day1.Add(-24 * time.Hour)
	f := newFixture(t, camps, static("tg_laptop_gaming_1"), Options{})

	req := laptopRequest("u1")
	req.Query.Timestamp = day1.Add(-48 * time.Hour)
	req.Debug = true
	dec, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dec.Empty())
	require.Len(t, dec.Audit.Rejections, 1)
	assert.Equal(t, models.ReasonOutOfFlight, dec.Audit.Rejections[0].Reason)
}

func TestDecideConcurrentSingleAdmission(t *testing.T) {
	camps := models.SampleCampaigns()
	camps[0].Performance.FrequencyCap = 1
	f := newFixture(t, camps, static("tg_laptop_gaming_1"), Options{})

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	filled := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := f.engine.Decide(context.Background(), laptopRequest("u1"))
			if err != nil || dec.Empty() {
				return
			}
			mu.Lock()
			filled++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, filled)
}

func TestDecideMaxAds(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), nil, Options{MaxAds: 1})
	dec, err := f.engine.Decide(context.Background(), laptopRequest("u1"))
	require.NoError(t, err)
	require.Len(t, dec.Ads, 1)
	assert.Equal(t, "tg_laptop_gaming_1", dec.Ads[0].AdID)

	n, _ := f.store.FrequencyCount(context.Background(), "u1", "tg_laptop_pro_1", day1)
	assert.Zero(t, n)
}

func TestDecideNoTrackingWithoutSecret(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static("tg_laptop_gaming_1"), Options{TokenSecret: []byte{}})
	dec, err := f.engine.Decide(context.Background(), laptopRequest("u1"))
	require.NoError(t, err)
	require.Len(t, dec.Ads, 1)
	assert.Empty(t, dec.Ads[0].ClickURL)
	assert.Empty(t, dec.Ads[0].ImpressionURL)
}

func TestDecideCatalogUnavailable(t *testing.T) {
	e := NewEngine(Deps{Catalog: staticSource{err: errors.New("no snapshot")}, Retriever: static()}, Options{})
	dec, err := e.Decide(context.Background(), laptopRequest("u1"))
	require.NoError(t, err)
	assert.True(t, dec.Empty())
	assert.NotEmpty(t, dec.RequestID)
}

func TestDecideSinkFailureDoesNotFailDecision(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static("tg_laptop_gaming_1"), Options{})
	f.sink.Err = errors.New("clickhouse down")
	dec, err := f.engine.Decide(context.Background(), laptopRequest("u1"))
	require.NoError(t, err)
	assert.Len(t, dec.Ads, 1)
}

func TestDecideWithoutStateStore(t *testing.T) {
	setNow(t, day1)
	cat := models.NewCatalog(models.SampleCampaigns(), 1, day1)
	e := NewEngine(Deps{Catalog: staticSource{cat: cat}, Retriever: static("tg_laptop_gaming_1", "tg_laptop_pro_1")}, Options{MaxAds: 1})
	dec, err := e.Decide(context.Background(), laptopRequest("u1"))
	require.NoError(t, err)
	require.Len(t, dec.Ads, 1)
	assert.Equal(t, "tg_laptop_gaming_1", dec.Ads[0].AdID)
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static(), Options{})
	feat, err := f.engine.Analyze(context.Background(), "best wireless headphones to buy")
	require.NoError(t, err)
	assert.Contains(t, feat.Intents, "purchase_intent")
	assert.Contains(t, feat.Categories, "audio")
}

func TestDecideUsesConversationContext(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static("tg_laptop_gaming_1", "tg_laptop_pro_1"), Options{})
	f.engine.history = conversation.NewMemoryHistory(5, time.Hour)
	ctx := context.Background()
	ask := func(session, text string) *models.DeliveryDecision {
		t.Helper()
		dec, err := f.engine.Decide(ctx, Request{Query: models.Query{Text: text, UserID: "u-" + session, SessionID: session}, Debug: true})
		require.NoError(t, err)
		return dec
	}

	first := ask("s1", "I need a new laptop for gaming")
	require.Len(t, first.Ads, 2)
	assert.Empty(t, first.Audit.Context)

	followUp := ask("s1", "what will the weather be tomorrow")
	require.NotEmpty(t, followUp.Ads, "earlier laptop talk carries the follow-up")
	assert.Equal(t, "tg_laptop_gaming_1", followUp.Ads[0].AdID)
	assert.Equal(t, []string{"I need a new laptop for gaming"}, followUp.Audit.Context)
	assert.Contains(t, followUp.Audit.Features.ContextKeywords, "gaming")

	fresh := ask("s2", "what will the weather be tomorrow")
	assert.True(t, fresh.Empty(), "a new conversation has no context")

	recent, err := f.engine.history.Recent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"I need a new laptop for gaming", "what will the weather be tomorrow"}, recent)
}

type failingHistory struct{}

func (failingHistory) Recent(context.Context, string) ([]string, error) {
	return nil, errors.New("redis down")
}

func (failingHistory) Append(context.Context, string, string) error { return errors.New("redis down") }

func TestDecideHistoryFailureIsIgnored(t *testing.T) {
	f := newFixture(t, models.SampleCampaigns(), static("tg_laptop_gaming_1"), Options{})
	f.engine.history = failingHistory{}
	req := laptopRequest("u1")
	req.Query.SessionID = "s1"
	dec, err := f.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, dec.Ads, 1)
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/logic/admission"
	"github.com/patrickwarner/admatch/internal/logic/delivery"
	"github.com/patrickwarner/admatch/internal/logic/ranking"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/retrieval"
)

type snapshot struct{ cat *models.Catalog }

func (s snapshot) Snapshot(context.Context) (*models.Catalog, error) { return s.cat, nil }

func newMatchServer(t *testing.T) *MatchServer {
	t.Helper()
	cat := models.NewCatalog(models.SampleCampaigns(), 1, time.Now())
	current := func() *models.Catalog { return cat }
	logger := zap.NewNop()
	eng := delivery.NewEngine(delivery.Deps{
		Catalog:   snapshot{cat: cat},
		Retriever: retrieval.NewBleveRetriever(current, logger),
		Ranker:    ranking.NewEngine(ranking.Options{MinScore: 0.3}),
		Admission: admission.NewController(admission.NewMemoryStore(admission.DayWindow), admission.Options{DefaultCap: 3}, logger, nil),
		Logger:    logger,
	}, delivery.Options{})

	mr := miniredis.RunT(t)
	rs := &db.RedisStore{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()}), Ctx: context.Background()}
	t.Cleanup(rs.Close)
	return &MatchServer{engine: eng, catalog: current, redis: rs, logger: logger}
}

func TestMatchAds(t *testing.T) {
	s := newMatchServer(t)

	_, out, err := s.MatchAds(context.Background(), nil, MatchAdsInput{Query: "I need a new laptop for gaming", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, out.Ads, 2)
	assert.Equal(t, "tg_laptop_gaming_1", out.Ads[0].AdID)
	assert.Equal(t, models.OutcomeFilled, out.Outcome)
	assert.NotEmpty(t, out.RequestID)
}

func TestMatchAdsEmptyAndInvalid(t *testing.T) {
	s := newMatchServer(t)

	_, out, err := s.MatchAds(context.Background(), nil, MatchAdsInput{Query: "garden hose repair"})
	require.NoError(t, err)
	assert.NotNil(t, out.Ads)
	assert.Empty(t, out.Ads)
	assert.Equal(t, models.OutcomeEmpty, out.Outcome)

	_, _, err = s.MatchAds(context.Background(), nil, MatchAdsInput{Query: "  "})
	assert.Error(t, err)
}

func TestAnalyzeQuery(t *testing.T) {
	s := newMatchServer(t)

	_, f, err := s.AnalyzeQuery(context.Background(), nil, AnalyzeQueryInput{Query: "best gaming laptop deal"})
	require.NoError(t, err)
	assert.Contains(t, f.Keywords, "laptop")
	assert.Contains(t, f.Intents, "purchase_intent")
	assert.Contains(t, f.Intents, "research_intent")
}

func TestAdStats(t *testing.T) {
	s := newMatchServer(t)
	require.NoError(t, s.redis.IncrementAdEvent(context.Background(), "tg_laptop_pro_1", "click", time.Now()))

	_, out, err := s.AdStats(context.Background(), nil, AdStatsInput{AdID: "tg_laptop_pro_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Counts["click"])

	s.redis = nil
	_, _, err = s.AdStats(context.Background(), nil, AdStatsInput{AdID: "tg_laptop_pro_1"})
	assert.Error(t, err)
}

func TestListCampaigns(t *testing.T) {
	s := newMatchServer(t)

	_, out, err := s.ListCampaigns(context.Background(), nil, ListCampaignsInput{})
	require.NoError(t, err)
	require.Len(t, out.Campaigns, 2)
	assert.Equal(t, "soundwave_audio_2024", out.Campaigns[0].ID)

	_, out, err = s.ListCampaigns(context.Background(), nil, ListCampaignsInput{CompanyID: "techgear"})
	require.NoError(t, err)
	require.Len(t, out.Campaigns, 1)
	assert.Equal(t, 2, out.Campaigns[0].Ads)
}

func TestRegisterTools(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "admatch", Version: "test"}, nil)
	registerTools(server, newMatchServer(t))

	st, ct := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)
	defer func() { _ = ss.Close() }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	defer func() { _ = cs.Close() }()

	res, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"match_ads", "analyze_query", "ad_stats", "list_campaigns"}, names)
}

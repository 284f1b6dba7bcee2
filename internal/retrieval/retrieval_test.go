package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

func TestBleveRetrieverRanksByText(t *testing.T) {
	store := models.NewTestCatalogStore()
	r := NewBleveRetriever(store.Current, zap.NewNop())
	defer r.Close()

	hits, err := r.Retrieve(context.Background(), "I need a new laptop for gaming", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "tg_laptop_gaming_1", hits[0].AdID)
	assert.Equal(t, 1.0, hits[0].Score)

	ids := map[string]bool{}
	for _, h := range hits {
		ids[h.AdID] = true
		assert.GreaterOrEqual(t, h.Score, 0.0)
		assert.LessOrEqual(t, h.Score, 1.0)
	}
	assert.True(t, ids["tg_laptop_pro_1"], "campaign keywords are indexed for every ad")
	assert.False(t, ids["sw_headphones_1"])

	hits, err = r.Retrieve(context.Background(), "wireless headphones", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sw_headphones_1", hits[0].AdID)
}

func TestBleveRetrieverRebuildsOnNewSnapshot(t *testing.T) {
	store := models.NewTestCatalogStore()
	r := NewBleveRetriever(store.Current, nil)
	defer r.Close()

	hits, err := r.Retrieve(context.Background(), "headphones", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	camps := models.SampleCampaigns()
	camps[1].Ads[0].Active = false
	store.Replace(camps, time.Now())

	hits, err = r.Retrieve(context.Background(), "headphones", 5)
	require.NoError(t, err)
	assert.Empty(t, hits, "inactive ads are not indexed")
}

func TestStaticRetriever(t *testing.T) {
	s := &StaticRetriever{Candidates: []Candidate{{"a", 0.9}, {"b", 0.8}, {"c", 0.1}}}
	hits, err := s.Retrieve(context.Background(), "x", 2)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{"a", 0.9}, {"b", 0.8}}, hits)

	slow := &StaticRetriever{Delay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Retrieve(ctx, "x", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToMatchCandidates(t *testing.T) {
	got := ToMatchCandidates([]Candidate{{"a", 0.9}, {"b", 0.5}})
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].RetrievalRank)
	assert.Equal(t, 1, got[1].RetrievalRank)
	assert.Equal(t, 0.5, got[1].SimilarityScore)
}

func TestSortAndTrimTieBreak(t *testing.T) {
	got := sortAndTrim([]Candidate{{"b", 0.5}, {"a", 0.5}, {"c", 0.9}}, 0)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].AdID, got[1].AdID, got[2].AdID})
}

func TestHTTPRetrieverCaches(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req RetrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "/retrieve", r.URL.Path)
		assert.Equal(t, 5, req.TopK)
		_ = json.NewEncoder(w).Encode(RetrieveResponse{Candidates: []Candidate{{"b", 0.4}, {"a", 1.7}}})
	}))
	defer ts.Close()

	c := NewHTTPRetriever(ts.URL, time.Second, time.Minute, zap.NewNop(), observability.NewNoOpRegistry())
	hits, err := c.Retrieve(context.Background(), "Gaming Laptop", 5)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{"a", 1}, {"b", 0.4}}, hits)

	_, err = c.Retrieve(context.Background(), "gaming laptop!", 5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "normalized query should hit the cache")
	assert.Equal(t, 1, c.CleanupExpiredCache())
}

func TestHTTPRetrieverErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	c := NewHTTPRetriever(ts.URL, time.Second, time.Minute, nil, nil)
	_, err := c.Retrieve(context.Background(), "x", 3)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Error(t, c.HealthCheck(context.Background()))

	ts.Close()
	_, err = c.Retrieve(context.Background(), "y", 3)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

type fakePoints struct {
	qdrant.PointsClient
	results  []*qdrant.ScoredPoint
	upserted []*qdrant.PointStruct
	search   *qdrant.SearchPoints
}

func (f *fakePoints) Search(ctx context.Context, in *qdrant.SearchPoints, _ ...grpc.CallOption) (*qdrant.SearchResponse, error) {
	f.search = in
	return &qdrant.SearchResponse{Result: f.results}, nil
}

func (f *fakePoints) Upsert(ctx context.Context, in *qdrant.UpsertPoints, _ ...grpc.CallOption) (*qdrant.PointsOperationResponse, error) {
	f.upserted = append(f.upserted, in.Points...)
	return &qdrant.PointsOperationResponse{}, nil
}

type fakeCollections struct {
	qdrant.CollectionsClient
	existing []string
	created  []string
	deleted  []string
}

func (f *fakeCollections) List(ctx context.Context, in *qdrant.ListCollectionsRequest, _ ...grpc.CallOption) (*qdrant.ListCollectionsResponse, error) {
	resp := &qdrant.ListCollectionsResponse{}
	for _, n := range f.existing {
		resp.Collections = append(resp.Collections, &qdrant.CollectionDescription{Name: n})
	}
	return resp, nil
}

func (f *fakeCollections) Create(ctx context.Context, in *qdrant.CreateCollection, _ ...grpc.CallOption) (*qdrant.CollectionOperationResponse, error) {
	f.created = append(f.created, in.CollectionName)
	return &qdrant.CollectionOperationResponse{}, nil
}

func (f *fakeCollections) Delete(ctx context.Context, in *qdrant.DeleteCollection, _ ...grpc.CallOption) (*qdrant.CollectionOperationResponse, error) {
	f.deleted = append(f.deleted, in.CollectionName)
	return &qdrant.CollectionOperationResponse{}, nil
}

func strVal(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func TestVectorRetriever(t *testing.T) {
	points := &fakePoints{results: []*qdrant.ScoredPoint{
		{Payload: map[string]*qdrant.Value{payloadAdID: strVal("b")}, Score: -0.2},
		{Payload: map[string]*qdrant.Value{payloadAdID: strVal("a")}, Score: 0.8},
		{Payload: map[string]*qdrant.Value{}, Score: 0.9},
	}}
	r := NewVectorRetriever(fakeEmbedder{}, points, "ads", nil)
	hits, err := r.Retrieve(context.Background(), "laptop", 3)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].AdID)
	assert.InDelta(t, 0.8, hits[0].Score, 1e-6)
	assert.Equal(t, 0.0, hits[1].Score)
	assert.Equal(t, "ads", points.search.CollectionName)
	assert.Equal(t, uint64(3), points.search.Limit)

	r = NewVectorRetriever(fakeEmbedder{err: errors.New("ollama down")}, points, "ads", nil)
	_, err = r.Retrieve(context.Background(), "laptop", 3)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestVectorIndexer(t *testing.T) {
	cols := &fakeCollections{existing: []string{"ads"}}
	points := &fakePoints{}
	x := NewVectorIndexer(fakeEmbedder{}, cols, points, "ads", nil)

	require.NoError(t, x.EnsureCollection(context.Background(), 2, false))
	assert.Empty(t, cols.created)
	require.NoError(t, x.EnsureCollection(context.Background(), 2, true))
	assert.Equal(t, []string{"ads"}, cols.deleted)
	assert.Equal(t, []string{"ads"}, cols.created)

	x.batchSize = 2
	n, err := x.Index(context.Background(), models.NewTestCatalogStore().Current())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, points.upserted, 3)
	assert.Equal(t, PointID("tg_laptop_gaming_1"), points.upserted[0].Id.GetUuid())
	assert.Equal(t, PointID("tg_laptop_gaming_1"), PointID("tg_laptop_gaming_1"))
	assert.NotEqual(t, PointID("a"), PointID("b"))
}

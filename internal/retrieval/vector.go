package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/patrickwarner/admatch/internal/models"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder calls the Ollama embeddings endpoint.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder builds an embedder for the Ollama server at rawURL.
func NewOllamaEmbedder(rawURL, model string, timeout time.Duration) (*OllamaEmbedder, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", rawURL, err)
	}
	return &OllamaEmbedder{
		client: api.NewClient(u, &http.Client{Timeout: timeout}),
		model:  model,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// DialQdrant opens a plaintext gRPC connection to Qdrant.
func DialQdrant(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect qdrant %s: %w", addr, err)
	}
	return conn, nil
}

const payloadAdID = "ad_id"

// VectorRetriever embeds the query and searches a Qdrant collection whose
// points carry the ad id in their payload.
type VectorRetriever struct {
	embedder   Embedder
	points     qdrant.PointsClient
	collection string
	logger     *zap.Logger
}

func NewVectorRetriever(embedder Embedder, points qdrant.PointsClient, collection string, logger *zap.Logger) *VectorRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorRetriever{embedder: embedder, points: points, collection: collection, logger: logger}
}

// Retrieve implements Retriever. Cosine scores below zero are clamped.
func (v *VectorRetriever) Retrieve(ctx context.Context, text string, topK int) ([]Candidate, error) {
	if topK <= 0 {
		topK = 10
	}
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := v.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: v.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Include{
				Include: &qdrant.PayloadIncludeSelector{Fields: []string{payloadAdID}},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	hits := make([]Candidate, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		id := p.GetPayload()[payloadAdID].GetStringValue()
		if id == "" {
			continue
		}
		score := float64(p.GetScore())
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		hits = append(hits, Candidate{AdID: id, Score: score})
	}
	return sortAndTrim(hits, topK), nil
}

// pointNamespace derives stable Qdrant point ids from ad ids so re-indexing
// overwrites rather than duplicates.
var pointNamespace = uuid.MustParse("6f1c2b1e-4a53-4c1e-9a8e-2d4b8f0a7c11")

// PointID returns the Qdrant point id used for adID.
func PointID(adID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(adID)).String()
}

// VectorIndexer pushes catalog embeddings into Qdrant.
type VectorIndexer struct {
	embedder    Embedder
	collections qdrant.CollectionsClient
	points      qdrant.PointsClient
	collection  string
	logger      *zap.Logger
	batchSize   int
}

func NewVectorIndexer(embedder Embedder, collections qdrant.CollectionsClient, points qdrant.PointsClient, collection string, logger *zap.Logger) *VectorIndexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorIndexer{embedder: embedder, collections: collections, points: points, collection: collection, logger: logger, batchSize: 100}
}

// EnsureCollection creates the collection with the given vector size when
// it is missing. With recreate set an existing collection is dropped first.
func (x *VectorIndexer) EnsureCollection(ctx context.Context, size uint64, recreate bool) error {
	list, err := x.collections.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	exists := false
	for _, c := range list.GetCollections() {
		if c.GetName() == x.collection {
			exists = true
			break
		}
	}
	if exists && recreate {
		if _, err := x.collections.Delete(ctx, &qdrant.DeleteCollection{CollectionName: x.collection}); err != nil {
			return fmt.Errorf("delete collection: %w", err)
		}
		exists = false
	}
	if exists {
		return nil
	}
	_, err = x.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{Size: size, Distance: qdrant.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	x.logger.Info("qdrant collection created", zap.String("collection", x.collection), zap.Uint64("size", size))
	return nil
}

// Index embeds every active ad and upserts it. It returns the number of
// points written. Ads whose embedding fails are skipped.
func (x *VectorIndexer) Index(ctx context.Context, cat *models.Catalog) (int, error) {
	batch := make([]*qdrant.PointStruct, 0, x.batchSize)
	written := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := x.points.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: x.collection, Points: batch}); err != nil {
			return fmt.Errorf("upsert points: %w", err)
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, ad := range cat.Ads() {
		camp, ok := cat.Campaign(ad.CampaignID)
		if !ok || camp.Status != models.StatusActive || !ad.Active {
			continue
		}
		vec, err := x.embedder.Embed(ctx, document(camp, ad))
		if err != nil {
			x.logger.Warn("embedding failed, skipping ad", zap.String("ad_id", ad.ID), zap.Error(err))
			continue
		}
		batch = append(batch, &qdrant.PointStruct{
			Id: &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: PointID(ad.ID)}},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: vec}},
			},
			Payload: map[string]*qdrant.Value{
				payloadAdID:   {Kind: &qdrant.Value_StringValue{StringValue: ad.ID}},
				"campaign_id": {Kind: &qdrant.Value_StringValue{StringValue: camp.ID}},
				"company_id":  {Kind: &qdrant.Value_StringValue{StringValue: camp.CompanyID}},
			},
		})
		if len(batch) >= x.batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, err
	}
	return written, nil
}

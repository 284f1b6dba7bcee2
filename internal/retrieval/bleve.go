package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/models"
)

// BleveRetriever runs BM25 over an in-memory index of active ads. The index
// is rebuilt the first time it is queried after the catalog version changes.
type BleveRetriever struct {
	snapshot SnapshotFunc
	logger   *zap.Logger

	mu      sync.RWMutex
	index   bleve.Index
	version int64
}

func NewBleveRetriever(snapshot SnapshotFunc, logger *zap.Logger) *BleveRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BleveRetriever{snapshot: snapshot, logger: logger, version: -1}
}

func buildAdMapping() mapping.IndexMapping {
	adMapping := bleve.NewDocumentMapping()
	for _, f := range []string{"title", "description", "keywords", "categories"} {
		adMapping.AddFieldMappingsAt(f, bleve.NewTextFieldMapping())
	}
	campaign := bleve.NewKeywordFieldMapping()
	campaign.IncludeInAll = false
	adMapping.AddFieldMappingsAt("campaign_id", campaign)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = adMapping
	return im
}

func (b *BleveRetriever) current() (bleve.Index, error) {
	cat := b.snapshot()
	b.mu.RLock()
	if b.index != nil && b.version == cat.Version {
		idx := b.index
		b.mu.RUnlock()
		return idx, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil && b.version == cat.Version {
		return b.index, nil
	}
	idx, n, err := buildIndex(cat)
	if err != nil {
		return nil, err
	}
	if b.index != nil {
		_ = b.index.Close()
	}
	b.index, b.version = idx, cat.Version
	b.logger.Info("retrieval index rebuilt", zap.Int64("catalog_version", cat.Version), zap.Int("ads", n))
	return idx, nil
}

func buildIndex(cat *models.Catalog) (bleve.Index, int, error) {
	idx, err := bleve.NewMemOnly(buildAdMapping())
	if err != nil {
		return nil, 0, fmt.Errorf("create bleve index: %w", err)
	}
	batch := idx.NewBatch()
	n := 0
	for _, ad := range cat.Ads() {
		camp, ok := cat.Campaign(ad.CampaignID)
		if !ok || camp.Status != models.StatusActive || !ad.Active {
			continue
		}
		doc := map[string]interface{}{
			"title":       ad.Content.Title,
			"description": ad.Content.Description,
			"keywords":    strings.Join(append(append([]string{}, camp.Targeting.Keywords...), ad.Keywords...), " "),
			"categories":  strings.Join(append(append([]string{}, camp.Targeting.Categories...), ad.Categories...), " "),
			"campaign_id": camp.ID,
		}
		if err := batch.Index(ad.ID, doc); err != nil {
			return nil, 0, fmt.Errorf("index ad %s: %w", ad.ID, err)
		}
		n++
	}
	if err := idx.Batch(batch); err != nil {
		return nil, 0, fmt.Errorf("batch index ads: %w", err)
	}
	return idx, n, nil
}

// Retrieve implements Retriever.
func (b *BleveRetriever) Retrieve(ctx context.Context, text string, topK int) ([]Candidate, error) {
	idx, err := b.current()
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	q := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequestOptions(q, topK, 0, false)
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	hits := make([]Candidate, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Candidate{AdID: h.ID, Score: h.Score})
	}
	normalize(hits)
	return sortAndTrim(hits, topK), nil
}

// Close releases the index.
func (b *BleveRetriever) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil {
		err := b.index.Close()
		b.index = nil
		return err
	}
	return nil
}

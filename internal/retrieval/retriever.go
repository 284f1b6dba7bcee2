// Package retrieval provides the candidate sources the matching pipeline
// draws from. Every backend answers the same question: which ads look most
// similar to this query text, and how similar.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/patrickwarner/admatch/internal/models"
)

// ErrUnavailable is returned when a backend cannot be reached.
var ErrUnavailable = errors.New("retrieval backend unavailable")

// Backend names accepted by configuration.
const (
	BackendBleve  = "bleve"
	BackendVector = "vector"
	BackendHTTP   = "http"
	BackendStatic = "static"
)

// Candidate is one retrieval hit. Score is a similarity in [0,1].
type Candidate struct {
	AdID  string  `json:"ad_id"`
	Score float64 `json:"score"`
}

// Retriever returns up to topK candidates ordered by descending similarity.
type Retriever interface {
	Retrieve(ctx context.Context, text string, topK int) ([]Candidate, error)
}

// SnapshotFunc returns the catalog snapshot a retriever indexes.
type SnapshotFunc func() *models.Catalog

// ToMatchCandidates converts retrieval hits into pipeline candidates,
// recording each hit's rank for later tie-breaking.
func ToMatchCandidates(hits []Candidate) []models.MatchCandidate {
	out := make([]models.MatchCandidate, len(hits))
	for i, h := range hits {
		out[i] = models.MatchCandidate{AdID: h.AdID, SimilarityScore: h.Score, RetrievalRank: i}
	}
	return out
}

// sortAndTrim orders hits by score, then ad id, and keeps topK.
func sortAndTrim(hits []Candidate, topK int) []Candidate {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].AdID < hits[j].AdID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// normalize scales scores so the best hit is 1.0. Backends with unbounded
// scores, such as BM25, use it to fit the [0,1] contract.
func normalize(hits []Candidate) {
	top := 0.0
	for _, h := range hits {
		if h.Score > top {
			top = h.Score
		}
	}
	if top <= 0 {
		return
	}
	for i := range hits {
		hits[i].Score /= top
	}
}

// document is the text a backend indexes for an ad: its creative plus the
// targeting vocabulary of the ad and its campaign.
func document(camp *models.Campaign, ad *models.Ad) string {
	parts := []string{ad.Content.Title, ad.Content.Description, ad.Content.CallToAction}
	parts = append(parts, ad.Keywords...)
	parts = append(parts, ad.Categories...)
	if camp != nil {
		parts = append(parts, camp.Targeting.Keywords...)
		parts = append(parts, camp.Targeting.Categories...)
	}
	return strings.Join(parts, " ")
}

// StaticRetriever returns a fixed candidate list. Delay simulates a slow
// backend and honours ctx.
type StaticRetriever struct {
	Candidates []Candidate
	Err        error
	Delay      time.Duration
}

func (s *StaticRetriever) Retrieve(ctx context.Context, text string, topK int) ([]Candidate, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := append([]Candidate(nil), s.Candidates...)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

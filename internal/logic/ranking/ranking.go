// Package ranking scores eligible candidates against query features and
// orders them by relevance.
package ranking

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/patrickwarner/admatch/internal/config"
	"github.com/patrickwarner/admatch/internal/models"
)

const (
	defaultEpsilon           = 1e-9
	defaultParallelThreshold = 64
)

// Options configure an Engine.
type Options struct {
	// MinScore is the relevance threshold for campaigns without an override.
	MinScore float64
	// CategoryMode is config.CategoryBinary or config.CategoryPartial.
	CategoryMode string
	// Epsilon is the tolerance under which two final scores count as equal.
	Epsilon float64
	// ParallelThreshold is the candidate count from which scoring fans out to
	// worker goroutines.
	ParallelThreshold int
	Workers           int
}

// Engine ranks candidates. It is stateless and safe for concurrent use.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.Epsilon <= 0 {
		opts.Epsilon = defaultEpsilon
	}
	if opts.ParallelThreshold <= 0 {
		opts.ParallelThreshold = defaultParallelThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.CategoryMode == "" {
		opts.CategoryMode = config.CategoryBinary
	}
	return &Engine{opts: opts}
}

// Result is the output of Rank.
type Result struct {
	// Ranked holds candidates at or above their threshold, best first.
	Ranked []models.MatchCandidate
	// Considered holds every scored candidate in input order.
	Considered []models.MatchCandidate
	Rejections []models.Rejection
}

// querySets are the per-request lookup sets shared by every scoring call.
type querySets struct {
	tokens     []string
	keywords   map[string]struct{}
	categories map[string]struct{}
	intents    map[string]struct{}
}

// newQuerySets merges the query's own signals with its conversation context.
func newQuerySets(f models.QueryFeatures) querySets {
	return querySets{
		tokens:     f.Tokens,
		keywords:   models.StringSet(append(append([]string(nil), f.Keywords...), f.ContextKeywords...)),
		categories: models.StringSet(append(append([]string(nil), f.Categories...), f.ContextCategories...)),
		intents:    models.StringSet(append(append([]string(nil), f.Intents...), f.ContextIntents...)),
	}
}

// Rank scores every eligible candidate, drops those under their campaign's
// relevance threshold and returns the rest ordered by final score. Ties
// within Epsilon prefer higher keyword_match, then earlier retrieval rank,
// then the lower ad id.
func (e *Engine) Rank(cat *models.Catalog, eligible []models.MatchCandidate, features models.QueryFeatures) Result {
	if len(eligible) == 0 {
		return Result{}
	}
	qs := newQuerySets(features)
	scored := make([]models.MatchCandidate, len(eligible))
	copy(scored, eligible)

	scoreAt := func(i int) {
		c := &scored[i]
		ad, ok := cat.Ad(c.AdID)
		if !ok {
			return
		}
		camp, ok := cat.Campaign(ad.CampaignID)
		if !ok {
			return
		}
		c.CampaignID = camp.ID
		c.KeywordMatch, c.CategoryMatch, c.IntentMatch, c.FinalScore = e.score(camp, ad, qs)
	}

	if len(scored) >= e.opts.ParallelThreshold && e.opts.Workers > 1 {
		e.scoreParallel(len(scored), scoreAt)
	} else {
		for i := range scored {
			scoreAt(i)
		}
	}

	res := Result{Considered: scored, Ranked: make([]models.MatchCandidate, 0, len(scored))}
	for _, c := range scored {
		camp, ok := cat.Campaign(c.CampaignID)
		if !ok {
			res.Rejections = append(res.Rejections, models.Rejection{AdID: c.AdID, Stage: models.StageRank, Reason: models.ReasonUnknownAd})
			continue
		}
		if c.FinalScore < camp.MinScore(e.opts.MinScore) {
			res.Rejections = append(res.Rejections, models.Rejection{AdID: c.AdID, CampaignID: c.CampaignID, Stage: models.StageRank, Reason: models.ReasonBelowThreshold})
			continue
		}
		res.Ranked = append(res.Ranked, c)
	}
	e.Sort(res.Ranked)
	return res
}

// Sort orders candidates in place using the ranking tie-break rules.
func (e *Engine) Sort(cands []models.MatchCandidate) {
	eps := e.opts.Epsilon
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if math.Abs(a.FinalScore-b.FinalScore) > eps {
			return a.FinalScore > b.FinalScore
		}
		if math.Abs(a.KeywordMatch-b.KeywordMatch) > eps {
			return a.KeywordMatch > b.KeywordMatch
		}
		if a.RetrievalRank != b.RetrievalRank {
			return a.RetrievalRank < b.RetrievalRank
		}
		return a.AdID < b.AdID
	})
}

func (e *Engine) scoreParallel(n int, scoreAt func(int)) {
	workers := e.opts.Workers
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				scoreAt(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Score computes the component and final scores of ad for query features.
func (e *Engine) Score(camp *models.Campaign, ad *models.Ad, features models.QueryFeatures) (keyword, category, intent, final float64) {
	return e.score(camp, ad, newQuerySets(features))
}

func (e *Engine) score(camp *models.Campaign, ad *models.Ad, qs querySets) (keyword, category, intent, final float64) {
	keyword = KeywordMatch(camp.Targeting.Keywords, qs.keywords, qs.tokens)
	category = e.categoryMatch(camp.Targeting.Categories, qs.categories)
	intent = IntentMatch(camp.Targeting.TargetIntents, qs.intents)
	w := ad.Weights
	final = clamp01(w.Keyword*keyword + w.Category*category + w.Intent*intent)
	return keyword, category, intent, final
}

// KeywordMatch is the share of campaign keywords found in the query.
// Single-word keywords must be query keywords; multi-word keywords must
// occur word-aligned in the query tokens.
func KeywordMatch(campaignKeywords []string, queryKeywords map[string]struct{}, tokens []string) float64 {
	kws := models.NormalizeSet(campaignKeywords)
	if len(kws) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range kws {
		toks := models.Tokens(kw)
		if len(toks) == 1 {
			if _, ok := queryKeywords[toks[0]]; ok {
				hits++
			}
			continue
		}
		if models.ContainsPhrase(tokens, toks) {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(kws)))
}

func (e *Engine) categoryMatch(campaignCategories []string, detected map[string]struct{}) float64 {
	cats := models.NormalizeSet(campaignCategories)
	if len(cats) == 0 || len(detected) == 0 {
		return 0
	}
	hits := 0
	for _, c := range cats {
		if _, ok := detected[c]; ok {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	if e.opts.CategoryMode == config.CategoryPartial {
		return float64(hits) / float64(len(cats))
	}
	return 1
}

// IntentMatch is the share of campaign target intents detected in the query.
func IntentMatch(targetIntents []string, detected map[string]struct{}) float64 {
	if len(targetIntents) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(targetIntents))
	hits := 0
	for _, in := range targetIntents {
		if _, dup := seen[in]; dup {
			continue
		}
		seen[in] = struct{}{}
		if _, ok := detected[in]; ok {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(seen)))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

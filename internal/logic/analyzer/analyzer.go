// Package analyzer turns raw query text into QueryFeatures.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/patrickwarner/admatch/internal/logic"
	"github.com/patrickwarner/admatch/internal/models"
)

// MinKeywordLen is the shortest token kept as a keyword.
const MinKeywordLen = 3

// DefaultContextKeywords caps the keywords taken from conversation history.
const DefaultContextKeywords = 10

// Options configure an Analyzer.
type Options struct {
	// SubstringIntents matches trigger phrases anywhere in the normalized
	// text instead of on word boundaries.
	SubstringIntents bool
	// ExtraStopwords are removed from keywords in addition to the built-in set.
	ExtraStopwords []string
	// ContextKeywords caps the keywords drawn from earlier queries.
	ContextKeywords int
}

// Analyzer extracts keywords, intents and categories. It holds no per-request
// state and is safe for concurrent use.
type Analyzer struct {
	opts      Options
	stopwords map[string]struct{}
}

func New(opts Options) *Analyzer {
	sw := make(map[string]struct{}, len(defaultStopwords)+len(opts.ExtraStopwords))
	for _, w := range defaultStopwords {
		sw[w] = struct{}{}
	}
	for _, w := range opts.ExtraStopwords {
		sw[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	if opts.ContextKeywords <= 0 {
		opts.ContextKeywords = DefaultContextKeywords
	}
	return &Analyzer{opts: opts, stopwords: sw}
}

// Analyze extracts features from text using the vocabulary compiled into
// cat. A nil catalog yields keywords only. Empty or whitespace-only text
// fails with logic.ErrInvalidQuery.
func (a *Analyzer) Analyze(text string, cat *models.Catalog) (models.QueryFeatures, error) {
	if strings.TrimSpace(text) == "" {
		return models.QueryFeatures{}, fmt.Errorf("empty query text: %w", logic.ErrInvalidQuery)
	}
	normalized := models.NormalizeText(text)
	tokens := strings.Fields(normalized)
	if len(tokens) == 0 {
		return models.QueryFeatures{}, fmt.Errorf("query has no words: %w", logic.ErrInvalidQuery)
	}

	f := models.QueryFeatures{
		NormalizedText: normalized,
		Tokens:         tokens,
		Keywords:       a.Keywords(tokens),
	}
	f.Intents, f.Categories = a.vocabulary(normalized, tokens, cat)
	return f, nil
}

// AnalyzeWithContext analyzes text and adds the signals of history, the
// earlier queries of the same conversation (oldest first). Context signals
// already present in the query itself are not repeated. Newer history wins
// when the keyword cap is reached.
func (a *Analyzer) AnalyzeWithContext(text string, history []string, cat *models.Catalog) (models.QueryFeatures, error) {
	f, err := a.Analyze(text, cat)
	if err != nil || len(history) == 0 {
		return f, err
	}
	seenKw := models.StringSet(f.Keywords)
	seenIntent := models.StringSet(f.Intents)
	seenCat := models.StringSet(f.Categories)
	for i := len(history) - 1; i >= 0; i-- {
		normalized := models.NormalizeText(history[i])
		tokens := strings.Fields(normalized)
		for _, kw := range a.Keywords(tokens) {
			if len(f.ContextKeywords) >= a.opts.ContextKeywords {
				break
			}
			if _, ok := seenKw[kw]; !ok {
				seenKw[kw] = struct{}{}
				f.ContextKeywords = append(f.ContextKeywords, kw)
			}
		}
		intents, cats := a.vocabulary(normalized, tokens, cat)
		f.ContextIntents = appendNew(f.ContextIntents, seenIntent, intents)
		f.ContextCategories = appendNew(f.ContextCategories, seenCat, cats)
	}
	return f, nil
}

func (a *Analyzer) vocabulary(normalized string, tokens []string, cat *models.Catalog) (intents, categories []string) {
	if cat == nil {
		return nil, nil
	}
	if a.opts.SubstringIntents {
		intents = cat.Triggers.MatchSubstring(normalized)
	} else {
		intents = cat.Triggers.MatchTokens(tokens)
	}
	return intents, cat.Vocabulary.MatchTokens(tokens)
}

func appendNew(dst []string, seen map[string]struct{}, vals []string) []string {
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

// Keywords removes stopwords and short tokens, keeping first occurrences in order.
func (a *Analyzer) Keywords(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if len([]rune(t)) < MinKeywordLen || !startsWithLetter(t) {
			continue
		}
		if _, stop := a.stopwords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// IsStopword reports whether w is removed from keywords.
func (a *Analyzer) IsStopword(w string) bool {
	_, ok := a.stopwords[strings.ToLower(w)]
	return ok
}

func startsWithLetter(s string) bool {
	for _, r := range s {
		return r < '0' || r > '9'
	}
	return false
}

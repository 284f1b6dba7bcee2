package models

import (
	"sort"
	"strings"
	"unicode"
)

// NormalizeText lowercases s, replaces every run of non letter/digit runes
// with a single space and trims the result.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Tokens splits s into normalized tokens, keeping order and duplicates.
func Tokens(s string) []string {
	return strings.Fields(NormalizeText(s))
}

// ContainsPhrase reports whether phrase occurs as a contiguous run in tokens.
func ContainsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, p := range phrase {
			if tokens[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}

// NormalizeSet normalizes each value, dropping empties and duplicates.
func NormalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		n := NormalizeText(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// StringSet builds a lookup set from values.
func StringSet(values []string) map[string]struct{} {
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

type indexedPhrase struct {
	text   string
	tokens []string
	tags   []string
}

// PhraseIndex maps normalized phrases to tags. Single-token phrases are looked
// up directly; multi-token phrases are bucketed by their first token so a
// query is scanned once. It is built once per catalog snapshot and is
// read-only afterwards.
type PhraseIndex struct {
	single map[string][]string
	multi  map[string][]*indexedPhrase
	all    map[string]*indexedPhrase
}

func NewPhraseIndex() *PhraseIndex {
	return &PhraseIndex{
		single: make(map[string][]string),
		multi:  make(map[string][]*indexedPhrase),
		all:    make(map[string]*indexedPhrase),
	}
}

// Add associates tags with phrase. Empty phrases are ignored.
func (p *PhraseIndex) Add(phrase string, tags ...string) {
	toks := Tokens(phrase)
	if len(toks) == 0 {
		return
	}
	text := strings.Join(toks, " ")
	ip, ok := p.all[text]
	if !ok {
		ip = &indexedPhrase{text: text, tokens: toks}
		p.all[text] = ip
		if len(toks) > 1 {
			p.multi[toks[0]] = append(p.multi[toks[0]], ip)
		}
	}
	for _, t := range tags {
		if t == "" || containsString(ip.tags, t) {
			continue
		}
		ip.tags = append(ip.tags, t)
		if len(toks) == 1 {
			p.single[text] = append(p.single[text], t)
		}
	}
}

// Len returns the number of distinct phrases.
func (p *PhraseIndex) Len() int {
	if p == nil {
		return 0
	}
	return len(p.all)
}

// Phrases returns the indexed phrases mapped to the given tag, sorted.
func (p *PhraseIndex) Phrases(tag string) []string {
	var out []string
	for text, ip := range p.all {
		if containsString(ip.tags, tag) {
			out = append(out, text)
		}
	}
	sort.Strings(out)
	return out
}

// MatchTokens returns the sorted set of tags whose phrases occur word-aligned
// in tokens.
func (p *PhraseIndex) MatchTokens(tokens []string) []string {
	if p == nil {
		return nil
	}
	found := make(map[string]struct{})
	for i, tok := range tokens {
		for _, t := range p.single[tok] {
			found[t] = struct{}{}
		}
		for _, ip := range p.multi[tok] {
			if i+len(ip.tokens) > len(tokens) {
				continue
			}
			if ContainsPhrase(tokens[i:i+len(ip.tokens)], ip.tokens) {
				for _, t := range ip.tags {
					found[t] = struct{}{}
				}
			}
		}
	}
	return sortedKeys(found)
}

// MatchSubstring returns the sorted set of tags whose phrase text occurs
// anywhere in normalized, including inside longer words.
func (p *PhraseIndex) MatchSubstring(normalized string) []string {
	if p == nil {
		return nil
	}
	found := make(map[string]struct{})
	for text, ip := range p.all {
		if strings.Contains(normalized, text) {
			for _, t := range ip.tags {
				found[t] = struct{}{}
			}
		}
	}
	return sortedKeys(found)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

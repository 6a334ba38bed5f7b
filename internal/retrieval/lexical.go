// Lexical re-ranking. Dense embeddings blur the exact tokens people
// remember from their screens: ports, hostnames, flags, error names,
// file paths. When the query carries such terms, an extra ranked list of
// candidates that contain them verbatim joins the fusion, so literal
// matches are never buried by fuzzier neighbors.

package retrieval

import (
	"regexp"
	"sort"
	"strings"

	"memscreen/internal/core"
	"memscreen/internal/vectorstore"
)

// QueryTerms holds the weighted lexical terms extracted from a query.
// Quoted spans outrank identifier-shaped tokens, which outrank plain
// words; stopwords never make it in.
type QueryTerms struct {
	// Exact are spans the user quoted. Quoting is deliberate, so they
	// carry the highest weight.
	Exact []string

	// Idents are identifier-shaped tokens: snake_case, camelCase, dotted
	// or slashed paths, numbers, anything with a digit in it.
	Idents []string

	// Words are the remaining plain words.
	Words []string

	// Weights maps every term to its match weight.
	Weights map[string]float64
}

const (
	weightExact = 1.0
	weightIdent = 0.8
	weightWord  = 0.4

	// maxTermCount caps how often one term counts inside a single memory,
	// so a term repeated in a long capture cannot drown distinct evidence.
	maxTermCount = 3
)

var (
	quotedPattern = regexp.MustCompile("\"([^\"]{2,})\"|'([^']{2,})'|`([^`]{2,})`")

	// Identifier shapes worth matching verbatim: separator-joined tokens
	// (snake_case, kebab-case, dotted hosts, paths), camelCase, and tokens
	// carrying digits (ports, versions, issue numbers).
	identPattern = regexp.MustCompile(
		`[A-Za-z_][A-Za-z0-9_]*(?:[./:_\-][A-Za-z0-9_]+)+` +
			`|[a-z]+[A-Z][A-Za-z0-9]*` +
			`|[A-Za-z_]*\d[A-Za-z0-9_.\-]*`)

	wordPattern = regexp.MustCompile(`[A-Za-z]{3,}`)
)

// ExtractTerms pulls the lexically significant terms out of a query. The
// raw query goes in, not the rewritten one: lexicon expansion helps the
// embedding, but its synthetic nouns must not count as user-typed terms.
func ExtractTerms(query string) *QueryTerms {
	terms := &QueryTerms{Weights: make(map[string]float64)}

	add := func(bucket *[]string, term string, weight float64) {
		term = strings.TrimSpace(term)
		if len(term) < 2 {
			return
		}
		if _, seen := terms.Weights[strings.ToLower(term)]; seen {
			return
		}
		*bucket = append(*bucket, term)
		terms.Weights[strings.ToLower(term)] = weight
	}

	remainder := quotedPattern.ReplaceAllStringFunc(query, func(m string) string {
		add(&terms.Exact, strings.Trim(m, "\"'`"), weightExact)
		return " "
	})

	remainder = identPattern.ReplaceAllStringFunc(remainder, func(m string) string {
		add(&terms.Idents, m, weightIdent)
		return " "
	})

	for _, w := range wordPattern.FindAllString(remainder, -1) {
		if stopword(w) {
			continue
		}
		add(&terms.Words, w, weightWord)
	}
	return terms
}

// All returns every extracted term, strongest bucket first.
func (t *QueryTerms) All() []string {
	all := make([]string, 0, len(t.Exact)+len(t.Idents)+len(t.Words))
	all = append(all, t.Exact...)
	all = append(all, t.Idents...)
	all = append(all, t.Words...)
	return all
}

// Empty reports whether extraction found nothing usable.
func (t *QueryTerms) Empty() bool {
	return len(t.Exact) == 0 && len(t.Idents) == 0 && len(t.Words) == 0
}

// rankLexical scores the dense candidates by verbatim term evidence and
// returns the matching ones as a ranked list for fusion. Candidates are
// the union of both dense sides; a memory the embeddings missed entirely
// stays missed, which keeps this pass index-free.
func rankLexical(candidates []vectorstore.SearchResult, terms *QueryTerms, limit int) []vectorstore.SearchResult {
	if terms == nil || terms.Empty() || len(candidates) == 0 {
		return nil
	}

	patterns := make(map[string]*regexp.Regexp, len(terms.Weights))
	for _, term := range terms.All() {
		patterns[strings.ToLower(term)] = termPattern(term)
	}

	type scored struct {
		res   vectorstore.SearchResult
		score float64
	}
	var matched []scored
	seen := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		if seen[cand.ID] {
			continue
		}
		seen[cand.ID] = true

		text, _ := cand.Payload[core.KeyData].(string)
		if text == "" {
			continue
		}

		var score float64
		distinct := 0
		for key, pat := range patterns {
			n := len(pat.FindAllStringIndex(text, maxTermCount))
			if n == 0 {
				continue
			}
			distinct++
			score += terms.Weights[key] * float64(n)
		}
		if distinct == 0 {
			continue
		}
		// Distinct terms co-occurring is stronger evidence than one term
		// repeating, so coverage multiplies the frequency-weighted base.
		score *= 1 + 0.25*float64(distinct-1)

		res := cand
		res.Score = score
		matched = append(matched, scored{res: res, score: score})
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		return matched[i].res.ID < matched[j].res.ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]vectorstore.SearchResult, len(matched))
	for i, m := range matched {
		out[i] = m.res
	}
	return out
}

// termPattern builds a case-insensitive matcher for one term. Word
// boundaries apply only where the term edge is a word character; a term
// like "--force" has no left boundary to anchor.
func termPattern(term string) *regexp.Regexp {
	quoted := regexp.QuoteMeta(term)
	if isWordByte(term[0]) {
		quoted = `\b` + quoted
	}
	if isWordByte(term[len(term)-1]) {
		quoted += `\b`
	}
	return regexp.MustCompile(`(?i)` + quoted)
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// stopword filters words too common to carry retrieval signal. The set
// leans on question vocabulary because queries arrive as natural
// language.
func stopword(word string) bool {
	if len(word) <= 2 {
		return true
	}
	return stopwords[strings.ToLower(word)]
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "nor": true,
	"was": true, "were": true, "been": true, "being": true, "are": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "can": true,
	"may": true, "might": true, "must": true, "shall": true, "about": true,
	"with": true, "from": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true, "between": true,
	"out": true, "off": true, "over": true, "under": true, "again": true,
	"then": true, "else": true, "when": true, "where": true, "why": true,
	"how": true, "all": true, "each": true, "every": true, "both": true,
	"few": true, "more": true, "most": true, "other": true, "some": true,
	"such": true, "not": true, "only": true, "own": true, "same": true,
	"than": true, "too": true, "very": true, "just": true, "now": true,
	"this": true, "that": true, "these": true, "those": true, "there": true,
	"what": true, "which": true, "who": true, "whom": true, "whose": true,
	"you": true, "your": true, "yours": true, "she": true, "her": true,
	"him": true, "his": true, "they": true, "them": true, "their": true,
	"our": true, "ours": true, "its": true, "it's": true, "i'm": true,
	"tell": true, "show": true, "find": true, "remember": true,
	"see": true, "saw": true, "use": true, "used": true, "using": true,
	"get": true, "got": true, "want": true, "wanted": true, "need": true,
	"look": true, "looking": true, "know": true, "think": true, "thing": true,
	"something": true, "anything": true, "stuff": true, "yesterday": true,
	"today": true, "earlier": true, "recently": true, "last": true,
	"ago": true, "week": true, "day": true, "time": true, "once": true,
}

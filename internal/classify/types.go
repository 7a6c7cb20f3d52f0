// Package classify scores candidate chunks against a query using an
// external language model, producing match types, explanations, and
// highlightable keyphrases.
package classify

import "context"

// MatchType describes how a chunk relates to the query.
type MatchType string

const (
	// MatchDirect means the chunk text verbatim or closely overlaps the query.
	MatchDirect MatchType = "direct"
	// MatchContextual means the chunk is thematically relevant without
	// verbatim overlap.
	MatchContextual MatchType = "contextual"
	// MatchBalanced means direct and contextual signals are comparable.
	MatchBalanced MatchType = "balanced"
)

// Valid reports whether t is a known match type.
func (t MatchType) Valid() bool {
	switch t {
	case MatchDirect, MatchContextual, MatchBalanced:
		return true
	}
	return false
}

// Classification is the model's judgment of one (query, chunk) pair.
type Classification struct {
	MatchType         MatchType
	ContextualScore   int // 0-10
	DirectMatchScore  int // 0-10
	Explanation       string
	StartingKeyphrase string // Always a literal substring of the chunk text
}

// RelevanceScore combines the sub-scores into the value the ranker
// orders by.
func (c *Classification) RelevanceScore() float64 {
	return float64(c.DirectMatchScore+c.ContextualScore) / 2.0
}

// Classifier scores a chunk against a query.
type Classifier interface {
	Classify(ctx context.Context, query, chunkText string) (*Classification, error)
	Close() error
}

// keyphraseFallbackLen is how many leading characters of the chunk are
// used when the model's keyphrase is not found verbatim in the chunk.
const keyphraseFallbackLen = 30

// leadingKeyphrase returns the chunk's leading characters, trimmed at a
// rune boundary, for use as a highlight anchor of last resort.
func leadingKeyphrase(chunkText string) string {
	runes := []rune(chunkText)
	if len(runes) > keyphraseFallbackLen {
		runes = runes[:keyphraseFallbackLen]
	}
	return string(runes)
}

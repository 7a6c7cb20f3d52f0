// Package search implements the query pipeline: retrieve candidate
// chunks, classify them against the query, and rank them into
// per-document match lists.
package search

import (
	"github.com/surveydeck/surveydeck/internal/classify"
	"github.com/surveydeck/surveydeck/internal/store"
)

// StrengthTier buckets a match by its rank for presentation.
type StrengthTier string

const (
	TierStrong   StrengthTier = "strong"
	TierModerate StrengthTier = "moderate"
	TierWeak     StrengthTier = "weak"
)

// Request is a search query with optional corpus filters.
type Request struct {
	Query         string
	Organizations []string // OR semantics
	SurveyTypes   []string // OR semantics
	Limit         int      // Max documents to return; 0 uses the configured default
}

// Match is one classified chunk within a document's result.
type Match struct {
	ChunkID           string             `json:"chunk_id"`
	PageNumber        int                `json:"page_number"`
	Rank              int                `json:"rank"`
	RelevanceScore    float64            `json:"relevance_score"`
	MatchType         classify.MatchType `json:"match_type"`
	ContextualScore   int                `json:"contextual_score"`
	DirectMatchScore  int                `json:"direct_match_score"`
	Explanation       string             `json:"explanation"`
	StartingKeyphrase string             `json:"starting_keyphrase"`
	Tier              StrengthTier       `json:"strength"`
}

// DocumentResult is one document with its ordered matches and
// aggregate counts.
type DocumentResult struct {
	Document *store.Document `json:"metadata"`
	Matches  []*Match        `json:"matches"`

	NumMatches        int `json:"num_matches"`
	DirectMatches     int `json:"direct_matches"`
	ContextualMatches int `json:"contextual_matches"`
	BalancedMatches   int `json:"balanced_matches"`
	StrongMatches     int `json:"strong_matches"`
	ModerateMatches   int `json:"moderate_matches"`
	WeakMatches       int `json:"weak_matches"`
}

// Response is the full result of one query.
type Response struct {
	Results []*DocumentResult `json:"results"`
	Cached  bool              `json:"-"`
}

// candidate is a retrieved chunk awaiting classification.
type candidate struct {
	chunk      *store.Chunk
	document   *store.Document
	similarity float32
}

package search

import (
	"sort"

	"github.com/surveydeck/surveydeck/internal/classify"
)

// RankerConfig holds the presentation policy for strength tiers.
// The ceilings are policy, not law; deployments can tune them.
type RankerConfig struct {
	StrongRankCeiling   int // rank <= this -> strong
	ModerateRankCeiling int // rank <= this -> moderate, else weak
}

// DefaultRankerConfig returns the standard 12/20 tier ceilings.
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{StrongRankCeiling: 12, ModerateRankCeiling: 20}
}

// Ranker orders matches within documents and documents within results.
type Ranker struct {
	cfg RankerConfig
}

// NewRanker creates a ranker with the given tier policy. Zero ceilings
// fall back to the defaults.
func NewRanker(cfg RankerConfig) *Ranker {
	def := DefaultRankerConfig()
	if cfg.StrongRankCeiling <= 0 {
		cfg.StrongRankCeiling = def.StrongRankCeiling
	}
	if cfg.ModerateRankCeiling <= cfg.StrongRankCeiling {
		cfg.ModerateRankCeiling = def.ModerateRankCeiling
		if cfg.ModerateRankCeiling <= cfg.StrongRankCeiling {
			cfg.ModerateRankCeiling = cfg.StrongRankCeiling + 8
		}
	}
	return &Ranker{cfg: cfg}
}

// Tier derives the strength tier purely from a match's rank.
func (r *Ranker) Tier(rank int) StrengthTier {
	switch {
	case rank <= r.cfg.StrongRankCeiling:
		return TierStrong
	case rank <= r.cfg.ModerateRankCeiling:
		return TierModerate
	default:
		return TierWeak
	}
}

// RankDocument assigns ranks 1..N to a document's matches: descending
// relevance score, ties broken by ascending page number. The matches
// slice is sorted in place and aggregate counts are filled in.
func (r *Ranker) RankDocument(result *DocumentResult) {
	matches := result.Matches
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].RelevanceScore != matches[j].RelevanceScore {
			return matches[i].RelevanceScore > matches[j].RelevanceScore
		}
		return matches[i].PageNumber < matches[j].PageNumber
	})

	result.NumMatches = len(matches)
	result.DirectMatches = 0
	result.ContextualMatches = 0
	result.BalancedMatches = 0
	result.StrongMatches = 0
	result.ModerateMatches = 0
	result.WeakMatches = 0

	for i, m := range matches {
		m.Rank = i + 1
		m.Tier = r.Tier(m.Rank)

		switch m.MatchType {
		case classify.MatchDirect:
			result.DirectMatches++
		case classify.MatchContextual:
			result.ContextualMatches++
		case classify.MatchBalanced:
			result.BalancedMatches++
		}
		switch m.Tier {
		case TierStrong:
			result.StrongMatches++
		case TierModerate:
			result.ModerateMatches++
		default:
			result.WeakMatches++
		}
	}
}

// OrderDocuments sorts the final result list: strong-match count
// descending, then total match count descending, then best single
// relevance score descending, then document ID ascending for
// determinism.
func (r *Ranker) OrderDocuments(results []*DocumentResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].StrongMatches != results[j].StrongMatches {
			return results[i].StrongMatches > results[j].StrongMatches
		}
		if results[i].NumMatches != results[j].NumMatches {
			return results[i].NumMatches > results[j].NumMatches
		}
		bi, bj := bestRelevance(results[i]), bestRelevance(results[j])
		if bi != bj {
			return bi > bj
		}
		return results[i].Document.ID < results[j].Document.ID
	})
}

func bestRelevance(result *DocumentResult) float64 {
	if len(result.Matches) == 0 {
		return 0
	}
	// Matches are already rank-ordered; rank 1 holds the best score.
	return result.Matches[0].RelevanceScore
}

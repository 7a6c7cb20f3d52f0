package classify

import (
	"context"
	"regexp"
	"strings"
)

// StaticClassifier is a deterministic rule-based classifier. It keeps
// the ranking pipeline testable and usable offline: verbatim query
// overlap drives the direct score, shared vocabulary drives the
// contextual score.
type StaticClassifier struct{}

var _ Classifier = (*StaticClassifier)(nil)

var staticWordRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// NewStaticClassifier creates a rule-based classifier.
func NewStaticClassifier() *StaticClassifier {
	return &StaticClassifier{}
}

// Classify scores a chunk against the query without any external call.
func (c *StaticClassifier) Classify(ctx context.Context, query, chunkText string) (*Classification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(strings.TrimSpace(query))
	chunkLower := strings.ToLower(chunkText)

	direct := 0
	keyphrase := ""
	if queryLower != "" && strings.Contains(chunkLower, queryLower) {
		direct = 10
		// Recover the occurrence with its original casing.
		idx := strings.Index(chunkLower, queryLower)
		keyphrase = chunkText[idx : idx+len(queryLower)]
	}

	queryWords := staticWordRegex.FindAllString(queryLower, -1)
	chunkWords := make(map[string]struct{})
	for _, w := range staticWordRegex.FindAllString(chunkLower, -1) {
		chunkWords[w] = struct{}{}
	}
	shared := 0
	for _, w := range queryWords {
		if _, ok := chunkWords[w]; ok {
			shared++
			if direct == 0 && keyphrase == "" && len(w) >= 3 {
				idx := strings.Index(chunkLower, w)
				keyphrase = chunkText[idx : idx+len(w)]
			}
		}
	}
	contextual := 0
	if len(queryWords) > 0 {
		contextual = shared * 10 / len(queryWords)
	}
	if direct == 0 && contextual < 2 {
		contextual = 2
	}
	if keyphrase == "" {
		keyphrase = leadingKeyphrase(chunkText)
	}

	firstWords := staticWordRegex.FindAllString(chunkText, 4)
	explanation := "Mentions " + strings.Join(firstWords, " ")

	// A verbatim query hit is a direct match even when the shared
	// vocabulary also saturates the contextual score.
	matchType := deriveMatchType(direct, contextual)
	if direct == 10 {
		matchType = MatchDirect
	}

	return &Classification{
		MatchType:         matchType,
		ContextualScore:   clampScore(contextual),
		DirectMatchScore:  clampScore(direct),
		Explanation:       explanation,
		StartingKeyphrase: keyphrase,
	}, nil
}

// Close releases resources.
func (c *StaticClassifier) Close() error { return nil }

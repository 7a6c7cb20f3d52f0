package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
)

// LLMConfig configures the LLM-backed classifier.
type LLMConfig struct {
	BaseURL string // Optional OpenAI-compatible endpoint
	APIKey  string
	Model   string        // e.g. "gpt-4o-mini"
	Timeout time.Duration // Per-call timeout
	RPS     float64       // Sustained request rate toward the provider
	Burst   int
}

// LLMClassifier implements Classifier using an OpenAI-compatible chat
// model in JSON mode. Calls are rate-limited to the provider's budget
// and retried with backoff; a keyphrase the model invents is replaced
// with the chunk's leading text so highlights never dangle.
type LLMClassifier struct {
	client  llms.Model
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	retry   deckerrors.RetryConfig
	logger  *slog.Logger
}

var _ Classifier = (*LLMClassifier)(nil)

// llmResponse matches the JSON structure requested from the model.
type llmResponse struct {
	MatchType         string `json:"match_type"`
	ContextualScore   int    `json:"contextual_score"`
	DirectMatchScore  int    `json:"direct_match_score"`
	Explanation       string `json:"explanation"`
	StartingKeyphrase string `json:"starting_keyphrase"`
}

// NewLLMClassifier creates a classifier backed by an OpenAI-compatible
// chat API.
func NewLLMClassifier(cfg LLMConfig) (*LLMClassifier, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	} else {
		// Local OpenAI-compatible services accept any token.
		opts = append(opts, openai.WithToken("none"))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeProviderUnavailable,
			"failed to create classifier client", err)
	}

	retry := deckerrors.DefaultRetryConfig()
	retry.MaxRetries = 2

	return &LLMClassifier{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		retry:   retry,
		logger:  slog.Default().With("component", "classifier"),
	}, nil
}

const classifyPrompt = `Given the following query:
%q

And the following chunk from a survey document:
%q

Respond with a JSON object containing exactly these fields:
- "match_type": "direct" if the chunk text verbatim or closely overlaps the query, "contextual" if it is thematically relevant without verbatim overlap, "balanced" if both apply equally
- "contextual_score": integer 0-10 for thematic relevance
- "direct_match_score": integer 0-10 for verbatim overlap
- "explanation": a one-sentence, 12 word maximum explanation starting with "Mentions ..." describing why the chunk matches. Be extremely specific to the document at hand and avoid generalizations or inferences. Do not mention the query in the explanation.
- "starting_keyphrase": a short phrase copied EXACTLY, word-for-word and with the same capitalization, from the chunk text, marking where the relevant passage begins

Return only the JSON object with no additional text.`

// Classify scores one chunk against the query.
func (c *LLMClassifier) Classify(ctx context.Context, query, chunkText string) (*Classification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeClassifyFailed,
			"rate limiter wait aborted", err)
	}

	prompt := fmt.Sprintf(classifyPrompt, query, chunkText)
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}

	result, err := deckerrors.RetryWithResult(ctx, c.retry, func() (*Classification, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		response, err := c.client.GenerateContent(callCtx, content,
			llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			return nil, deckerrors.New(deckerrors.ErrCodeClassifyFailed,
				"classification call failed", err)
		}
		if len(response.Choices) == 0 {
			return nil, deckerrors.New(deckerrors.ErrCodeClassifyFailed,
				"classifier returned no choices", nil)
		}
		return c.parseResponse(response.Choices[0].Content, chunkText)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// parseResponse decodes the model output and enforces the keyphrase
// substring constraint.
func (c *LLMClassifier) parseResponse(raw, chunkText string) (*Classification, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var decoded llmResponse
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeClassifyFailed,
			"malformed classifier response", err)
	}

	cls := &Classification{
		MatchType:         MatchType(strings.ToLower(strings.TrimSpace(decoded.MatchType))),
		ContextualScore:   clampScore(decoded.ContextualScore),
		DirectMatchScore:  clampScore(decoded.DirectMatchScore),
		Explanation:       strings.TrimSpace(decoded.Explanation),
		StartingKeyphrase: decoded.StartingKeyphrase,
	}

	if !cls.MatchType.Valid() {
		cls.MatchType = deriveMatchType(cls.DirectMatchScore, cls.ContextualScore)
	}
	if cls.Explanation == "" {
		cls.Explanation = "Unable to generate explanation."
	}

	// The keyphrase must exist verbatim in the chunk or downstream
	// highlighting can never locate it.
	if cls.StartingKeyphrase == "" || !strings.Contains(chunkText, cls.StartingKeyphrase) {
		c.logger.Warn("keyphrase not found verbatim in chunk, using leading text",
			"keyphrase", cls.StartingKeyphrase)
		cls.StartingKeyphrase = leadingKeyphrase(chunkText)
	}

	return cls, nil
}

// Close releases resources. The langchaingo client needs no cleanup.
func (c *LLMClassifier) Close() error { return nil }

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// deriveMatchType picks a type from the sub-scores when the model omits
// or garbles the match_type field.
func deriveMatchType(direct, contextual int) MatchType {
	switch {
	case direct > contextual+1:
		return MatchDirect
	case contextual > direct+1:
		return MatchContextual
	default:
		return MatchBalanced
	}
}

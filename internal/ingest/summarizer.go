package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
)

// Summarizer produces a brief document summary used as chunk context.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Close() error
}

// summaryInputRunes bounds how much leading document text the
// summarizer sees. Survey documents front-load scope and methodology,
// so the head is enough.
const summaryInputRunes = 8000

const summaryPrompt = `The following is the beginning of a survey document:

%q

Respond with a one-sentence summary, 25 words maximum, starting with
"Covers ..." that states what the document surveys, who ran it, and the
population covered. No preamble, no quotes.`

// LLMSummarizer generates summaries through an OpenAI-compatible chat
// model.
type LLMSummarizer struct {
	client  llms.Model
	model   string
	timeout time.Duration
	retry   deckerrors.RetryConfig
	logger  *slog.Logger
}

var _ Summarizer = (*LLMSummarizer)(nil)

// SummarizerConfig configures the LLM summarizer.
type SummarizerConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func NewLLMSummarizer(cfg SummarizerConfig) (*LLMSummarizer, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	} else {
		opts = append(opts, openai.WithToken("none"))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, deckerrors.New(deckerrors.ErrCodeProviderUnavailable,
			"failed to create summarizer client", err)
	}

	retry := deckerrors.DefaultRetryConfig()
	retry.MaxRetries = 2

	return &LLMSummarizer{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		retry:   retry,
		logger:  slog.Default().With("component", "summarizer"),
	}, nil
}

func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	runes := []rune(text)
	if len(runes) > summaryInputRunes {
		runes = runes[:summaryInputRunes]
	}
	prompt := fmt.Sprintf(summaryPrompt, string(runes))

	summary, err := deckerrors.RetryWithResult(ctx, s.retry, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		resp, err := s.client.GenerateContent(callCtx,
			[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
			llms.WithTemperature(0.3))
		if err != nil {
			return "", deckerrors.New(deckerrors.ErrCodeProviderUnavailable,
				"summary generation failed", err)
		}
		if len(resp.Choices) == 0 {
			return "", deckerrors.New(deckerrors.ErrCodeProviderUnavailable,
				"summary generation returned no choices", nil)
		}
		return strings.TrimSpace(resp.Choices[0].Content), nil
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

func (s *LLMSummarizer) Close() error { return nil }

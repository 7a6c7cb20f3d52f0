// Package chunk splits extracted page text into retrievable windows.
//
// Windows are sized in approximate tokens with a configurable overlap.
// A window never crosses a page boundary: page number is the unit the
// classifier, ranker, and highlighter all key on.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// Sizing defaults. Tokens are approximated at 4 characters per token,
// which is close enough for window sizing of English survey prose.
const (
	DefaultWindowTokens  = 512
	DefaultOverlapTokens = 64
	CharsPerToken        = 4

	// MinWindowRunes drops degenerate trailing windows that carry no
	// retrievable signal of their own.
	MinWindowRunes = 24
)

// Window is one chunk of page text.
type Window struct {
	PageNumber int // 1-based
	Index      int // 0-based position within the page
	Text       string
}

// Options configures a Chunker.
type Options struct {
	WindowTokens  int
	OverlapTokens int
}

// Chunker splits page text into overlapping windows.
type Chunker struct {
	windowRunes  int
	overlapRunes int
}

// New creates a Chunker, applying defaults for zero options.
func New(opts Options) *Chunker {
	if opts.WindowTokens <= 0 {
		opts.WindowTokens = DefaultWindowTokens
	}
	if opts.OverlapTokens <= 0 || opts.OverlapTokens >= opts.WindowTokens {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	return &Chunker{
		windowRunes:  opts.WindowTokens * CharsPerToken,
		overlapRunes: opts.OverlapTokens * CharsPerToken,
	}
}

// SplitPage splits one page's text into windows. An empty or
// whitespace-only page yields nil: the caller records it as a gap and
// ingestion continues with the remaining pages.
func (c *Chunker) SplitPage(pageNumber int, text string) []Window {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if utf8.RuneCountInString(text) <= c.windowRunes {
		return []Window{{PageNumber: pageNumber, Index: 0, Text: text}}
	}

	words := strings.Fields(text)
	var windows []Window
	start := 0
	for start < len(words) {
		end, runes := start, 0
		for end < len(words) && runes < c.windowRunes {
			runes += utf8.RuneCountInString(words[end]) + 1
			end++
		}

		body := strings.Join(words[start:end], " ")
		if utf8.RuneCountInString(body) >= MinWindowRunes || len(windows) == 0 {
			windows = append(windows, Window{
				PageNumber: pageNumber,
				Index:      len(windows),
				Text:       body,
			})
		}

		if end >= len(words) {
			break
		}
		next := backupForOverlap(words, end, c.overlapRunes)
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return windows
}

// backupForOverlap walks back from end until roughly overlapRunes of
// text is repeated, guaranteeing forward progress by at least one word.
func backupForOverlap(words []string, end, overlapRunes int) int {
	start, runes := end, 0
	for start > 0 && runes < overlapRunes {
		start--
		runes += utf8.RuneCountInString(words[start]) + 1
	}
	if start >= end {
		start = end - 1
	}
	return start
}

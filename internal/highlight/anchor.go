package highlight

import (
	"strings"
	"unicode"

	"github.com/surveydeck/surveydeck/internal/extract"
)

// minFallbackWordLen guards the longest-word fallback against matching
// articles and prepositions.
const minFallbackWordLen = 3

// locateAnchor resolves one anchor to highlight regions on its page.
// Match order: exact keyphrase, case-insensitive keyphrase, then the
// longest keyphrase word case-insensitively. A total miss returns nil
// and the anchor is skipped.
func locateAnchor(page *extract.Page, anchor Anchor) []Region {
	keyphrase := strings.TrimSpace(anchor.StartingKeyphrase)
	if keyphrase == "" || page.Empty() {
		return nil
	}

	text := []rune(page.Text)
	needle := []rune(keyphrase)

	if start := runeIndex(text, needle); start >= 0 {
		return regionsForRange(page, start, start+len(needle))
	}

	lowerText := lowerRunes(text)
	lowerNeedle := lowerRunes(needle)
	if start := runeIndex(lowerText, lowerNeedle); start >= 0 {
		return regionsForRange(page, start, start+len(needle))
	}

	word := longestWord(keyphrase)
	if len(word) < minFallbackWordLen {
		return nil
	}
	lowerWord := lowerRunes([]rune(word))
	if start := runeIndex(lowerText, lowerWord); start >= 0 {
		return regionsForRange(page, start, start+len(lowerWord))
	}
	return nil
}

// regionsForRange maps a rune range of the page text to boxes, one per
// overlapping fragment. Widths inside a fragment are interpolated
// linearly over its runes.
func regionsForRange(page *extract.Page, start, end int) []Region {
	var regions []Region
	for _, frag := range page.Fragments {
		fragLen := len([]rune(frag.Text))
		if fragLen == 0 {
			continue
		}
		fragStart := frag.Offset
		fragEnd := frag.Offset + fragLen
		if fragEnd <= start || fragStart >= end {
			continue
		}

		from := max(start, fragStart) - fragStart
		to := min(end, fragEnd) - fragStart
		x := frag.X + frag.W*float64(from)/float64(fragLen)
		w := frag.W * float64(to-from) / float64(fragLen)

		// Pad vertically so descenders stay inside the box.
		regions = append(regions, Region{
			Page: page.Number,
			X:    x,
			Y:    frag.Y - frag.H*0.25,
			W:    w,
			H:    frag.H * 1.4,
		})
	}
	return regions
}

// runeIndex returns the rune offset of the first occurrence of needle
// in haystack, or -1.
func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, r := range needle {
			if haystack[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// lowerRunes lowercases rune by rune, preserving offsets.
func lowerRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func longestWord(s string) string {
	var longest string
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(w)) > len([]rune(longest)) {
			longest = w
		}
	}
	return longest
}

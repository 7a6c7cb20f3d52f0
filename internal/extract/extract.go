// Package extract pulls per-page text out of PDF documents.
//
// Positions of text fragments are retained so the highlighter can map a
// keyphrase back to bounding boxes on the page. Pages with no
// extractable text (scanned images) yield an empty Text and are
// reported as gaps by the ingestion pipeline; they are never OCRed.
package extract

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dslipak/pdf"
)

// MaxFileSize is the hard limit for extraction input.
const MaxFileSize = 50 * 1024 * 1024

// Fragment is a positioned run of text in PDF user space
// (origin bottom-left, units are points).
type Fragment struct {
	Text string
	X    float64 // left edge
	Y    float64 // baseline
	W    float64 // advance width
	H    float64 // approximated by font size

	// Offset is the rune offset of this fragment within Page.Text.
	Offset int
}

// Page holds the assembled text of one document page.
type Page struct {
	Number    int // 1-based
	Text      string
	Fragments []Fragment
}

// Empty reports whether the page produced no extractable text.
func (p *Page) Empty() bool {
	return strings.TrimSpace(p.Text) == ""
}

// Pages extracts every page of the PDF at path, in order.
// Unextractable pages come back with empty text rather than an error;
// only an unreadable file fails the whole call.
func Pages(path string) ([]Page, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s exceeds %dMB extraction limit", path, MaxFileSize/(1024*1024))
	}

	r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}

	numPages := r.NumPage()
	pages := make([]Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, Page{Number: i})
			continue
		}
		pages = append(pages, assemblePage(i, p))
	}
	return pages, nil
}

// assemblePage turns raw glyph runs into ordered fragments and a single
// text string. Malformed content streams surface as empty pages, not
// errors, so one bad page never aborts ingestion.
func assemblePage(number int, p pdf.Page) (page Page) {
	page.Number = number

	defer func() {
		if recover() != nil {
			page.Text = ""
			page.Fragments = nil
		}
	}()

	content := p.Content()
	if len(content.Text) == 0 {
		return page
	}

	runs := make([]pdf.Text, len(content.Text))
	copy(runs, content.Text)

	// Reading order: rows top to bottom, runs left to right.
	// PDF Y grows upward, so higher Y sorts first.
	sort.SliceStable(runs, func(i, j int) bool {
		if !sameRow(runs[i], runs[j]) {
			return runs[i].Y > runs[j].Y
		}
		return runs[i].X < runs[j].X
	})

	var sb strings.Builder
	var frags []Fragment
	var prev *pdf.Text

	for i := range runs {
		run := runs[i]
		if run.S == "" {
			continue
		}
		if prev != nil {
			if !sameRow(*prev, run) {
				sb.WriteByte('\n')
			} else if gap := run.X - (prev.X + prev.W); gap > prev.FontSize*0.2 {
				sb.WriteByte(' ')
			}
		}
		frags = append(frags, Fragment{
			Text:   run.S,
			X:      run.X,
			Y:      run.Y,
			W:      run.W,
			H:      run.FontSize,
			Offset: len([]rune(sb.String())),
		})
		sb.WriteString(run.S)
		prev = &runs[i]
	}

	page.Text = sb.String()
	page.Fragments = frags
	return page
}

// sameRow treats runs whose baselines differ by less than half the font
// size as belonging to one visual line.
func sameRow(a, b pdf.Text) bool {
	tol := a.FontSize / 2
	if tol <= 0 {
		tol = 2
	}
	d := a.Y - b.Y
	if d < 0 {
		d = -d
	}
	return d <= tol
}

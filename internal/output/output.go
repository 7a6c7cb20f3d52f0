// Package output renders CLI results: styled for terminals, plain for
// pipes and CI.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/surveydeck/surveydeck/internal/ingest"
	"github.com/surveydeck/surveydeck/internal/search"
)

// Color palette, 256-color indices.
const (
	colorAccent   = "45"  // cyan, headings
	colorStrong   = "154" // lime, strong matches
	colorModerate = "220" // yellow, moderate matches
	colorWeak     = "245" // gray, weak matches
	colorError    = "196"
	colorDim      = "238"
)

type styles struct {
	Header   lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Dim      lipgloss.Style
	Strong   lipgloss.Style
	Moderate lipgloss.Style
	Weak     lipgloss.Style
}

func coloredStyles() styles {
	return styles{
		Header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorStrong)),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorModerate)),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorError)),
		Dim:      lipgloss.NewStyle().Foreground(lipgloss.Color(colorDim)),
		Strong:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorStrong)),
		Moderate: lipgloss.NewStyle().Foreground(lipgloss.Color(colorModerate)),
		Weak:     lipgloss.NewStyle().Foreground(lipgloss.Color(colorWeak)),
	}
}

func plainStyles() styles {
	return styles{
		Header:   lipgloss.NewStyle(),
		Success:  lipgloss.NewStyle(),
		Warning:  lipgloss.NewStyle(),
		Error:    lipgloss.NewStyle(),
		Dim:      lipgloss.NewStyle(),
		Strong:   lipgloss.NewStyle(),
		Moderate: lipgloss.NewStyle(),
		Weak:     lipgloss.NewStyle(),
	}
}

// Writer renders CLI output.
type Writer struct {
	out    io.Writer
	styles styles
}

// New creates a Writer, enabling color only for interactive terminals
// without NO_COLOR set.
func New(out io.Writer) *Writer {
	if useColor(out) {
		return &Writer{out: out, styles: coloredStyles()}
	}
	return &Writer{out: out, styles: plainStyles()}
}

func useColor(w io.Writer) bool {
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Success prints a success message.
// Write errors are intentionally ignored for console output.
func (w *Writer) Success(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Success.Render(fmt.Sprintf(format, args...)))
}

// Warning prints a warning message.
func (w *Writer) Warning(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Warning.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message.
func (w *Writer) Error(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Error.Render(fmt.Sprintf(format, args...)))
}

// Header prints a bold heading.
func (w *Writer) Header(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render(fmt.Sprintf(format, args...)))
}

// Dim prints secondary text.
func (w *Writer) Dim(format string, args ...any) {
	_, _ = fmt.Fprintln(w.out, w.styles.Dim.Render(fmt.Sprintf(format, args...)))
}

// Line prints an unstyled line.
func (w *Writer) Line(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format+"\n", args...)
}

// SearchResults renders a search response document by document.
func (w *Writer) SearchResults(resp *search.Response) {
	if len(resp.Results) == 0 {
		w.Dim("no matching documents")
		return
	}
	for i, result := range resp.Results {
		w.Header("%d. %s", i+1, result.Document.Title)
		w.Dim("   %s / %s - %d match(es): %d strong, %d moderate, %d weak",
			result.Document.Organization, result.Document.SurveyType,
			result.NumMatches, result.StrongMatches, result.ModerateMatches, result.WeakMatches)
		for _, m := range result.Matches {
			style := w.tierStyle(m.Tier)
			_, _ = fmt.Fprintf(w.out, "   %s %s\n",
				style.Render(fmt.Sprintf("#%-2d p.%-3d %-8s %.1f",
					m.Rank, m.PageNumber, m.Tier, m.RelevanceScore)),
				m.Explanation)
		}
		_, _ = fmt.Fprintln(w.out)
	}
	if resp.Cached {
		w.Dim("(served from cache)")
	}
}

func (w *Writer) tierStyle(tier search.StrengthTier) lipgloss.Style {
	switch tier {
	case search.TierStrong:
		return w.styles.Strong
	case search.TierModerate:
		return w.styles.Moderate
	default:
		return w.styles.Weak
	}
}

// IngestReport renders a per-page ingestion report.
func (w *Writer) IngestReport(report *ingest.Report) {
	if report.Skipped {
		w.Warning("skipped %s: content unchanged", report.DocumentID)
		return
	}
	verb := "ingested"
	if report.Reingested {
		verb = "re-ingested"
	}
	w.Success("%s %s (%s): %d chunks from %d pages in %s",
		verb, report.Title, report.DocumentID, report.TotalChunks,
		len(report.Pages), report.Duration.Round(time.Millisecond))

	var gaps []string
	for _, p := range report.Pages {
		switch p.Status {
		case ingest.PageEmpty:
			gaps = append(gaps, fmt.Sprintf("p.%d empty", p.Page))
		case ingest.PageEmbedFailed:
			gaps = append(gaps, fmt.Sprintf("p.%d embed failed", p.Page))
		}
	}
	if len(gaps) > 0 {
		w.Warning("gaps: %s", strings.Join(gaps, ", "))
	}
}

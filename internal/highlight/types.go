// Package highlight renders highlighted copies of source PDFs.
//
// An anchor names a page and the keyphrase the highlight starts at. The
// locator maps anchors back to glyph positions captured at extraction
// time, and the renderer draws translucent boxes over them. Rendering
// is single-flighted per artifact and the finished PDF is published to
// the blob store.
package highlight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Anchor points at the start of a highlighted passage.
type Anchor struct {
	PageNumber        int    `json:"page_number"`
	StartingKeyphrase string `json:"starting_keyphrase"`
}

// Region is a box to highlight, in PDF user space (origin bottom-left,
// units are points).
type Region struct {
	Page int
	X    float64
	Y    float64
	W    float64
	H    float64
}

// Renderer draws highlight regions over a source PDF.
type Renderer interface {
	Render(ctx context.Context, sourcePath string, regions []Region, destPath string) error
}

// Request asks for a highlighted rendition of one document.
type Request struct {
	DocumentID string   `json:"document_id"`
	Anchors    []Anchor `json:"anchors"`
}

// Result is the rendition outcome. When Fallback is set, URL points at
// the unhighlighted source with a page fragment instead of an artifact.
type Result struct {
	URL      string `json:"url"`
	Fallback bool   `json:"fallback"`

	// Located counts anchors that resolved to at least one region.
	Located int `json:"located"`
}

// artifactName derives the content-addressed artifact filename for a
// document and anchor set. Anchors are canonicalized so that the same
// set always maps to the same artifact regardless of request order.
func artifactName(documentID string, anchors []Anchor) string {
	canonical := make([]string, len(anchors))
	for i, a := range anchors {
		canonical[i] = fmt.Sprintf("p%d:%s", a.PageNumber, strings.TrimSpace(a.StartingKeyphrase))
	}
	sort.Strings(canonical)

	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(canonical, "\x00")))
	return hex.EncodeToString(h.Sum(nil))[:16] + ".pdf"
}

package highlight

import (
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/color"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
)

// Highlight boxes are amber at 60% opacity, filled with no border.
var highlightColor = color.SimpleColor{R: 1, G: 0.8, B: 0.2}

const highlightOpacity = 0.6

// PDFRenderer draws highlight regions as square annotations via pdfcpu.
type PDFRenderer struct {
	conf *model.Configuration
}

func NewPDFRenderer() *PDFRenderer {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFRenderer{conf: conf}
}

func (r *PDFRenderer) Render(ctx context.Context, sourcePath string, regions []Region, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(regions) == 0 {
		return deckerrors.RenderError("no regions to render", nil)
	}

	byPage := make(map[int][]model.AnnotationRenderer)
	for _, reg := range regions {
		byPage[reg.Page] = append(byPage[reg.Page], squareAnnotation(reg))
	}

	if err := api.AddAnnotationsMapFile(sourcePath, destPath, byPage, r.conf, false); err != nil {
		return deckerrors.RenderError(
			fmt.Sprintf("failed to annotate %s", sourcePath), err)
	}
	return nil
}

func squareAnnotation(reg Region) model.SquareAnnotation {
	opacity := highlightOpacity
	fill := highlightColor
	return model.NewSquareAnnotation(
		*types.NewRectangle(reg.X, reg.Y, reg.X+reg.W, reg.Y+reg.H),
		0,          // apObjNr
		"", "", "", // contents, id, modDate
		0, // flags
		&highlightColor,
		"",  // title
		nil, // popup
		&opacity,
		"", "", // rc, subject
		&fill,
		0, 0, 0, 0, // margins
		0, // borderWidth
		model.BSSolid,
		false, 0) // cloudy border
}

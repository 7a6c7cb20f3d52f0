// Package catalog validates search filters against the ingested corpus.
//
// Organizations and survey types are not a fixed enum; they are
// whatever the corpus contains. Validation resolves the live sets from
// the metadata store so a typo'd filter fails fast instead of silently
// matching nothing.
package catalog

import (
	"context"
	"fmt"
	"strings"

	deckerrors "github.com/surveydeck/surveydeck/internal/errors"
	"github.com/surveydeck/surveydeck/internal/store"
)

// Catalog answers which filter values exist.
type Catalog struct {
	metadata store.MetadataStore
}

func New(metadata store.MetadataStore) *Catalog {
	return &Catalog{metadata: metadata}
}

// Organizations lists the distinct organization slugs in the corpus.
func (c *Catalog) Organizations(ctx context.Context) ([]string, error) {
	return c.metadata.Organizations(ctx)
}

// SurveyTypes lists the distinct survey type slugs in the corpus.
// An empty organization lists types across the whole corpus.
func (c *Catalog) SurveyTypes(ctx context.Context, organization string) ([]string, error) {
	return c.metadata.SurveyTypes(ctx, organization)
}

// ValidateFilter checks every requested value against the corpus.
// Unknown values produce one validation error naming all of them.
func (c *Catalog) ValidateFilter(ctx context.Context, organizations, surveyTypes []string) error {
	var unknown []string

	if len(organizations) > 0 {
		known, err := c.metadata.Organizations(ctx)
		if err != nil {
			return err
		}
		unknown = append(unknown, missing("organization", organizations, known)...)
	}
	if len(surveyTypes) > 0 {
		known, err := c.metadata.SurveyTypes(ctx, "")
		if err != nil {
			return err
		}
		unknown = append(unknown, missing("survey_type", surveyTypes, known)...)
	}

	if len(unknown) > 0 {
		return deckerrors.New(deckerrors.ErrCodeUnknownFilter,
			fmt.Sprintf("unknown filter value(s): %s", strings.Join(unknown, ", ")), nil)
	}
	return nil
}

func missing(field string, requested, known []string) []string {
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	var out []string
	for _, r := range requested {
		if _, ok := knownSet[r]; !ok {
			out = append(out, fmt.Sprintf("%s=%q", field, r))
		}
	}
	return out
}

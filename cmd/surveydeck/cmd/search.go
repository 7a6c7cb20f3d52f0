package cmd

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/surveydeck/surveydeck/internal/output"
	"github.com/surveydeck/surveydeck/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	orgs    []string
	types   []string
	limit   int
	format  string // "text", "json"
	offline bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed survey documents",
		Long: `Search indexed survey documents with a natural-language query.

Results are grouped by document; each match carries a page number, a
relevance grade, and a one-line explanation.

Examples:
  surveydeck search "childhood vaccination coverage"
  surveydeck search "stunting prevalence" --org unicef --type nutrition
  surveydeck search "sampling methodology" --limit 5 --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.orgs, "org", nil, "Filter by organization (repeatable)")
	cmd.Flags().StringSliceVar(&opts.types, "type", nil, "Filter by survey type (repeatable)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of documents (0 uses the configured default)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use local embeddings and heuristic classification")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	embedder, err := newEmbedder(cfg, opts.offline)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	classifier, err := newClassifier(cfg, opts.offline)
	if err != nil {
		return err
	}
	defer func() { _ = classifier.Close() }()

	// No result cache for one-shot CLI queries; the badger cache
	// belongs to the long-running server process.
	engine, err := newSearchEngine(cfg, st, embedder, classifier, nil)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	resp, err := engine.Search(ctx, search.Request{
		Query:         query,
		Organizations: opts.orgs,
		SurveyTypes:   opts.types,
		Limit:         opts.limit,
	})
	if err != nil {
		return err
	}

	if opts.format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	out.SearchResults(resp)
	return nil
}

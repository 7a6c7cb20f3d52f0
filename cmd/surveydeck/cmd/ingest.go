package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/surveydeck/surveydeck/internal/chunk"
	"github.com/surveydeck/surveydeck/internal/ingest"
	"github.com/surveydeck/surveydeck/internal/output"
)

// ingestOptions holds CLI flags for ingest.
type ingestOptions struct {
	title      string
	org        string
	surveyType string
	sourceURL  string
	year       int
	countries  []string
	regions    []string
	documentID string
	offline    bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest <file.pdf>",
		Short: "Ingest a survey document into the index",
		Long: `Ingest a survey PDF: extract pages, chunk, embed, and index.

A document whose content is already indexed is skipped. Pass
--document-id to replace an existing document in place.

Examples:
  surveydeck ingest report.pdf --org who --type health
  surveydeck ingest report.pdf --org who --type health --title "Annual Health Survey"
  surveydeck ingest updated.pdf --org who --type health --document-id 3f9c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.title, "title", "", "Document title (defaults to the filename)")
	cmd.Flags().StringVar(&opts.org, "org", "", "Organization the survey belongs to (required)")
	cmd.Flags().StringVar(&opts.surveyType, "type", "", "Survey type, e.g. health, nutrition (required)")
	cmd.Flags().StringVar(&opts.sourceURL, "source-url", "", "Public URL of the source document")
	cmd.Flags().IntVar(&opts.year, "year", 0, "Survey year")
	cmd.Flags().StringSliceVar(&opts.countries, "country", nil, "Country tag (repeatable)")
	cmd.Flags().StringSliceVar(&opts.regions, "region", nil, "Region tag (repeatable)")
	cmd.Flags().StringVar(&opts.documentID, "document-id", "", "Existing document ID to replace")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Use local embeddings, skip LLM summaries")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, path string, opts ingestOptions) error {
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

	summarizer, err := newSummarizer(cfg, opts.offline)
	if err != nil {
		return err
	}

	chunker := chunk.New(chunk.Options{
		WindowTokens:  cfg.Chunking.WindowTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
	})

	pipeline, err := ingest.NewPipeline(ingest.Options{
		Workers:            cfg.Ingest.Workers,
		VectorSnapshotPath: st.snapshotPath,
	}, chunker, embedder, st.metadata, st.vectors, st.keywords, summarizer, nil)
	if err != nil {
		return err
	}
	defer func() { _ = pipeline.Close() }()

	report, err := pipeline.Ingest(ctx, ingest.Request{
		Path:         path,
		Title:        opts.title,
		Organization: opts.org,
		SurveyType:   opts.surveyType,
		SourceURL:    opts.sourceURL,
		Year:         opts.year,
		Countries:    opts.countries,
		Regions:      opts.regions,
		DocumentID:   opts.documentID,
	})
	if err != nil {
		return err
	}

	out.IngestReport(report)
	return nil
}

package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/subscout/internal/discovery"
	"github.com/fyrsmithlabs/subscout/internal/embeddings"
)

var (
	discoverQueries           string
	discoverLimit             int
	discoverThreshold         float64
	discoverIncludeRestricted bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover [query]",
	Short: "Find communities matching a query",
	Long: `Find communities semantically matching a free-text query.

Examples:
  # Single query
  subscoutd discover "rust programming"

  # Batch mode: a JSON array of queries
  subscoutd discover --queries '["rust programming", "woodworking"]'

  # More matches, custom cutoff
  subscoutd discover "mechanical keyboards" --limit 25 --threshold 0.6`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiscover,
}

func init() {
	f := discoverCmd.Flags()
	f.StringVar(&discoverQueries, "queries", "", `multiple queries as a JSON array, e.g. '["rust", "go"]'`)
	f.IntVar(&discoverLimit, "limit", 0, "maximum matches per query (0 uses the configured default)")
	f.Float64Var(&discoverThreshold, "threshold", 0, "confidence cutoff override")
	f.BoolVar(&discoverIncludeRestricted, "include-restricted", false, "include restricted communities")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg, logger, "")
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	embedder, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	engine, err := discovery.NewEngine(store, nil, embedder, cfg.Discovery, logger)
	if err != nil {
		return err
	}

	req := discovery.Request{
		Limit:             discoverLimit,
		IncludeRestricted: discoverIncludeRestricted,
	}
	if cmd.Flags().Changed("threshold") {
		req.Threshold = &discoverThreshold
	}

	switch {
	case discoverQueries != "":
		input := discovery.ParseQueriesInput(discoverQueries)
		if input.Parsed {
			req.Queries = input.Queries
		} else {
			logger.Debug("treating --queries value as one literal query",
				zap.String("raw", discoverQueries),
			)
			req.Query = input.Queries[0]
		}
	case len(args) == 1:
		req.Query = args[0]
	default:
		return errors.New("provide a query argument or --queries")
	}

	ctx := cmd.Context()
	if len(req.Queries) > 0 {
		resp, err := engine.DiscoverBatch(ctx, req)
		// A partial failure still carries every per-query result; print
		// the response and let the payload report the failed slots.
		if err != nil && !errors.Is(err, discovery.ErrPartialBatch) {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	}

	res, err := engine.Discover(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

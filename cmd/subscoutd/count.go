package main

import (
	"github.com/spf13/cobra"
)

var countProvider string

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of indexed communities",
	Long: `Print the number of records in a vector store backend.

Examples:
  # Count the configured backend
  subscoutd count

  # Count a specific backend, e.g. to compare after a migration
  subscoutd count --provider qdrant`,
	RunE: runCount,
}

func init() {
	countCmd.Flags().StringVar(&countProvider, "provider", "", "backend to count (default: the configured provider)")
}

func runCount(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg, logger, countProvider)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	count, err := store.Count(cmd.Context())
	if err != nil {
		return err
	}

	provider := countProvider
	if provider == "" {
		provider = cfg.VectorStore.Provider
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"provider": provider,
		"count":    count,
	})
}

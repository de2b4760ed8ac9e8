package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/subscout/internal/migration"
)

var (
	migrateName   string
	migrateSource string
	migrateTarget string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every record from one vector store backend to another",
	Long: `Copy every record from one vector store backend to another in resumable
chunks. Progress persists locally, so an interrupted run picks up at the
first incomplete chunk. Failed record ranges are recorded, never fatal.

Examples:
  # Move the index from embedded chromem to a Qdrant cluster
  subscoutd migrate --name chromem-to-qdrant --source chromem --target qdrant

  # Re-run after an interrupt; the same name resumes the same run
  subscoutd migrate --name chromem-to-qdrant --source chromem --target qdrant`,
	RunE: runMigrate,
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateName, "name", "", "migration name; reruns with the same name resume")
	f.StringVar(&migrateSource, "source", "", "source provider (chromem or qdrant)")
	f.StringVar(&migrateTarget, "target", "", "target provider (chromem or qdrant)")
	_ = migrateCmd.MarkFlagRequired("name")
	_ = migrateCmd.MarkFlagRequired("source")
	_ = migrateCmd.MarkFlagRequired("target")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migrateSource == migrateTarget {
		return fmt.Errorf("source and target must differ, both are %q", migrateSource)
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	source, err := openStore(cfg, logger, migrateSource)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = source.Close() }()

	target, err := openStore(cfg, logger, migrateTarget)
	if err != nil {
		return fmt.Errorf("opening target: %w", err)
	}
	defer func() { _ = target.Close() }()

	state, err := migration.NewSQLiteStateStore(cfg.Migration.StatePath)
	if err != nil {
		return fmt.Errorf("opening migration state: %w", err)
	}
	defer func() { _ = state.Close() }()

	coord, err := migration.NewCoordinator(source, target, state, cfg.Migration.Config, logger)
	if err != nil {
		return err
	}

	rec, runErr := coord.Run(cmd.Context(), migrateName)
	if rec != nil {
		// Print the run record even on failure so the operator sees how
		// far it got before deciding to resume.
		if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
			return err
		}
	}
	return runErr
}

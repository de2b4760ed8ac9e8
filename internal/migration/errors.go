package migration

import "errors"

var (
	// ErrInvalidConfig indicates invalid coordinator configuration.
	ErrInvalidConfig = errors.New("invalid migration configuration")

	// ErrFatal indicates the migration cannot continue: the source store is
	// unreadable or the manifest is corrupt. The run is finalized as failed.
	ErrFatal = errors.New("migration cannot continue")

	// ErrNoMigration indicates no persisted run exists for the given name.
	ErrNoMigration = errors.New("no migration record found")
)

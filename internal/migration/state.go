package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Status is a migration run's lifecycle state.
type Status string

const (
	StatusPending             Status = "pending"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// FailedRange identifies a sub-batch that exhausted its retries. The range
// is exposed for targeted re-migration.
type FailedRange struct {
	Chunk   int    `json:"chunk"`
	StartID string `json:"start_id"`
	EndID   string `json:"end_id"`
	Count   int    `json:"count"`
	Reason  string `json:"reason"`
}

// Progress is the JSON metadata column of a migration row.
type Progress struct {
	ProcessedChunks []int         `json:"processedChunks"`
	TotalChunks     int           `json:"totalChunks"`
	FailedRanges    []FailedRange `json:"failedRanges"`
}

// Processed reports whether the chunk index is already complete.
func (p Progress) Processed(chunk int) bool {
	for _, c := range p.ProcessedChunks {
		if c == chunk {
			return true
		}
	}
	return false
}

// Record is one persisted migration run. Created at start, mutated after
// every chunk, finalized once.
type Record struct {
	ID              int64      `db:"id"`
	Name            string     `db:"migration_name"`
	StartedAt       time.Time  `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	RecordsMigrated int        `db:"records_migrated"`
	Status          Status     `db:"status"`
	ErrorMessage    string     `db:"error_message"`
	MetadataJSON    string     `db:"metadata"`

	// Progress is the decoded MetadataJSON. Mutate this, not the raw JSON.
	Progress Progress `db:"-"`
}

// StateStore persists migration runs.
type StateStore interface {
	Create(ctx context.Context, rec *Record) error
	Save(ctx context.Context, rec *Record) error
	Latest(ctx context.Context, name string) (*Record, error)
	Close() error
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS migrations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	migration_name   TEXT NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	completed_at     TIMESTAMP,
	records_migrated INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	error_message    TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_migrations_name ON migrations(migration_name, id);
`

// SQLiteStateStore persists migration runs in a local SQLite database.
// The driver is pure Go, so migration tooling builds without CGO.
type SQLiteStateStore struct {
	db *sqlx.DB
}

// NewSQLiteStateStore opens (and initializes) the state database at path.
func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database %s: %w", path, err)
	}
	if _, err := db.Exec(stateSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing state schema: %w", err)
	}
	return &SQLiteStateStore{db: db}, nil
}

// Create inserts a new run and sets rec.ID.
func (s *SQLiteStateStore) Create(ctx context.Context, rec *Record) error {
	if err := rec.encodeMetadata(); err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO migrations (migration_name, started_at, completed_at, records_migrated, status, error_message, metadata)
		VALUES (:migration_name, :started_at, :completed_at, :records_migrated, :status, :error_message, :metadata)`, rec)
	if err != nil {
		return fmt.Errorf("inserting migration record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading migration record id: %w", err)
	}
	rec.ID = id
	return nil
}

// Save updates an existing run by ID.
func (s *SQLiteStateStore) Save(ctx context.Context, rec *Record) error {
	if rec.ID == 0 {
		return fmt.Errorf("record has no id; call Create first")
	}
	if err := rec.encodeMetadata(); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE migrations
		SET completed_at = :completed_at,
		    records_migrated = :records_migrated,
		    status = :status,
		    error_message = :error_message,
		    metadata = :metadata
		WHERE id = :id`, rec)
	if err != nil {
		return fmt.Errorf("updating migration record %d: %w", rec.ID, err)
	}
	return nil
}

// Latest returns the most recent run for the given migration name.
func (s *SQLiteStateStore) Latest(ctx context.Context, name string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `
		SELECT id, migration_name, started_at, completed_at, records_migrated, status, error_message, metadata
		FROM migrations
		WHERE migration_name = ?
		ORDER BY id DESC
		LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMigration
	}
	if err != nil {
		return nil, fmt.Errorf("loading migration record for %q: %w", name, err)
	}
	if err := rec.decodeMetadata(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Close closes the underlying database.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

func (r *Record) encodeMetadata() error {
	data, err := json.Marshal(r.Progress)
	if err != nil {
		return fmt.Errorf("encoding migration metadata: %w", err)
	}
	r.MetadataJSON = string(data)
	return nil
}

func (r *Record) decodeMetadata() error {
	if r.MetadataJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(r.MetadataJSON), &r.Progress); err != nil {
		return fmt.Errorf("decoding migration metadata: %w", err)
	}
	return nil
}

// Ensure SQLiteStateStore implements StateStore.
var _ StateStore = (*SQLiteStateStore)(nil)

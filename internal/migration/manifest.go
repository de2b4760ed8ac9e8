package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/subscout/internal/vectorstore"
)

// ChunkInfo records one chunk's boundaries in the stable export order.
type ChunkInfo struct {
	Index   int    `json:"index"`
	StartID string `json:"start_id"`
	EndID   string `json:"end_id"`
	Count   int    `json:"count"`

	// Cursor is the export cursor positioned just before this chunk.
	// Empty for the first chunk.
	Cursor string `json:"cursor"`
}

// Manifest describes a full export: chunk boundaries and counts. Its stable
// id ordering is what makes resumption possible — a chunk index always names
// the same record range.
type Manifest struct {
	MigrationName string      `json:"migration_name"`
	SourceCount   int         `json:"source_count"`
	ChunkSize     int         `json:"chunk_size"`
	Chunks        []ChunkInfo `json:"chunks"`
	CreatedAt     time.Time   `json:"created_at"`
}

// BuildManifest scans the source store in export order and records chunk
// boundaries. A source read failure is fatal.
func BuildManifest(ctx context.Context, source vectorstore.Store, name string, chunkSize int) (*Manifest, error) {
	count, err := source.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: counting source: %v", ErrFatal, err)
	}

	m := &Manifest{
		MigrationName: name,
		SourceCount:   count,
		ChunkSize:     chunkSize,
		CreatedAt:     time.Now().UTC(),
	}

	cursor := ""
	for index := 0; ; index++ {
		records, next, err := source.Export(ctx, cursor, chunkSize)
		if err != nil {
			return nil, fmt.Errorf("%w: exporting chunk %d: %v", ErrFatal, index, err)
		}
		if len(records) == 0 {
			break
		}
		m.Chunks = append(m.Chunks, ChunkInfo{
			Index:   index,
			StartID: records[0].ID,
			EndID:   records[len(records)-1].ID,
			Count:   len(records),
			Cursor:  cursor,
		})
		if next == "" {
			break
		}
		cursor = next
	}

	return m, nil
}

// Save writes the manifest atomically: full write to a temp file in the same
// directory, then rename. A crash never leaves a half-written manifest.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a previously saved manifest. Corruption is fatal: a
// manifest that cannot be trusted must never drive a resume.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %v", ErrFatal, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest corrupt: %v", ErrFatal, err)
	}
	if m.ChunkSize <= 0 || m.MigrationName == "" {
		return nil, fmt.Errorf("%w: manifest corrupt: missing fields", ErrFatal)
	}
	for i, c := range m.Chunks {
		if c.Index != i || c.Count <= 0 {
			return nil, fmt.Errorf("%w: manifest corrupt: bad chunk %d", ErrFatal, i)
		}
	}
	return &m, nil
}

// TotalRecords sums the chunk counts.
func (m *Manifest) TotalRecords() int {
	total := 0
	for _, c := range m.Chunks {
		total += c.Count
	}
	return total
}

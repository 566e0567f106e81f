// Package checkpoint persists the verdicts of a run while it is in progress
// so that an interrupted run can be resumed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jparise/gh-mine/internal/report"
)

// ErrNotExist is returned by Load when no checkpoint has been saved.
var ErrNotExist = errors.New("checkpoint does not exist")

// Checkpoint is the resumable state of a run.
type Checkpoint struct {
	Query    string           `json:"query"`
	SavedAt  time.Time        `json:"savedAt"`
	Verdicts []report.Verdict `json:"verdicts"`
}

// Store loads and saves checkpoints.
type Store interface {
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Close() error
}

// Open returns the store for path: SQLite for .db, .sqlite and .sqlite3
// files and a JSON file otherwise.
func Open(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint: path is required")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	default:
		return &FileStore{path: path}, nil
	}
}

// FileStore keeps the checkpoint in a single JSON document that is replaced
// atomically on every save.
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", s.path, err)
	}
	return &cp, nil
}

func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return report.WriteAtomic(s.path, data)
}

func (s *FileStore) Close() error { return nil }

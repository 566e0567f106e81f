package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/jparise/gh-mine/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS run (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	query TEXT NOT NULL,
	saved_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS verdicts (
	id INTEGER PRIMARY KEY,
	full_name TEXT NOT NULL,
	outcome TEXT NOT NULL,
	record TEXT NOT NULL
);
`

// SQLiteStore keeps one row per verdict, keyed by repository ID.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the checkpoint database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Checkpoint, error) {
	var (
		cp      Checkpoint
		savedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT query, saved_at FROM run WHERE id = 1`).Scan(&cp.Query, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return nil, fmt.Errorf("parsing checkpoint time: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM verdicts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("loading verdicts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scanning verdict: %w", err)
		}
		var v report.Verdict
		if err := json.Unmarshal([]byte(record), &v); err != nil {
			return nil, fmt.Errorf("decoding verdict: %w", err)
		}
		cp.Verdicts = append(cp.Verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading verdicts: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run (id, query, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			query = excluded.query,
			saved_at = excluded.saved_at
	`, cp.Query, cp.SavedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}

	// A checkpoint is a full snapshot; rows from earlier runs must not survive.
	if _, err := tx.ExecContext(ctx, `DELETE FROM verdicts`); err != nil {
		return fmt.Errorf("clearing verdicts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verdicts (id, full_name, outcome, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			outcome = excluded.outcome,
			record = excluded.record
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, v := range cp.Verdicts {
		record, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshalling verdict: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, v.ID, v.FullName, v.Outcome(), string(record)); err != nil {
			return fmt.Errorf("saving verdict: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

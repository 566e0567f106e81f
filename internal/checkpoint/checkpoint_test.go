package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jparise/gh-mine/internal/github"
	"github.com/jparise/gh-mine/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdicts(ids ...int64) []report.Verdict {
	out := make([]report.Verdict, len(ids))
	for i, id := range ids {
		v := report.NewVerdict(github.Repository{ID: id, FullName: "owner/repo", DefaultBranch: "main"})
		if id%2 == 0 {
			out[i] = v.Accept([]string{"README.md"}, nil)
		} else {
			out[i] = v.Fail(report.FailureNotFound, "not found")
		}
		out[i].AttemptCount = 1
	}
	return out
}

func TestStores(t *testing.T) {
	for _, name := range []string{"checkpoint.json", "checkpoint.db", "checkpoint.sqlite3"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", name)

			store, err := Open(path)
			require.NoError(t, err)
			defer store.Close()

			_, err = store.Load(ctx)
			require.ErrorIs(t, err, ErrNotExist)

			savedAt := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
			require.NoError(t, store.Save(ctx, &Checkpoint{
				Query:    "language:go",
				SavedAt:  savedAt,
				Verdicts: verdicts(3, 4),
			}))
			require.NoError(t, store.Save(ctx, &Checkpoint{
				Query:    "language:go",
				SavedAt:  savedAt.Add(time.Minute),
				Verdicts: verdicts(3, 4, 1),
			}))

			cp, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, "language:go", cp.Query)
			assert.True(t, savedAt.Add(time.Minute).Equal(cp.SavedAt))
			require.Len(t, cp.Verdicts, 3)

			byID := make(map[int64]report.Verdict)
			for _, v := range cp.Verdicts {
				byID[v.ID] = v
			}
			assert.True(t, byID[4].Accepted)
			assert.Equal(t, []string{"README.md"}, byID[4].MatchedFiles)
			assert.Equal(t, report.FailureNotFound, byID[1].FailureKind)
			assert.Equal(t, 1, byID[3].AttemptCount)
		})
	}
}

func TestStoresReplaceEarlierSnapshot(t *testing.T) {
	for _, name := range []string{"checkpoint.json", "checkpoint.db"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, err := Open(filepath.Join(t.TempDir(), name))
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.Save(ctx, &Checkpoint{Query: "old", SavedAt: time.Now(), Verdicts: verdicts(1, 2)}))
			require.NoError(t, store.Save(ctx, &Checkpoint{Query: "new", SavedAt: time.Now(), Verdicts: verdicts(3)}))

			cp, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, "new", cp.Query)
			require.Len(t, cp.Verdicts, 1)
			assert.Equal(t, int64(3), cp.Verdicts[0].ID)
		})
	}
}

func TestSQLiteReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &Checkpoint{Query: "q", SavedAt: time.Now(), Verdicts: verdicts(7)}))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(path)
	require.NoError(t, err)
	defer store.Close()

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, cp.Verdicts, 1)
	assert.Equal(t, int64(7), cp.Verdicts[0].ID)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotExist)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

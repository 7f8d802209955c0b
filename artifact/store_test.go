package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref     string
		name    string
		version string
		wantErr bool
	}{
		{"stock_data", "stock_data", "latest", false},
		{"stock_data:latest", "stock_data", "latest", false},
		{"stock_data:v3", "stock_data", "v3", false},
		{"stock_data:3", "", "", true},
		{"../etc:v1", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			name, version, err := ParseRef(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrArtifactIO)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.version, version)
		})
	}
}

func TestLocalStoreWriteReadVersions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := t.TempDir()

	first, err := store.Write(ctx, writeFile(t, src, "stock_data.csv", "a"), "stock_data", "raw_data", "raw", nil)
	require.NoError(t, err)
	assert.Equal(t, "v0", first.Version)
	assert.Equal(t, "stock_data:v0", first.Ref())

	second, err := store.Write(ctx, writeFile(t, src, "stock_data.csv", "b"), "stock_data", "raw_data", "raw",
		map[string]interface{}{"rows": 2})
	require.NoError(t, err)
	assert.Equal(t, "v1", second.Version)

	same, err := store.Write(ctx, writeFile(t, src, "stock_data.csv", "b"), "stock_data", "raw_data", "raw", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", same.Version, "identical content keeps the latest version")

	dst := t.TempDir()
	path, a, err := store.Read(ctx, "stock_data:latest", dst)
	require.NoError(t, err)
	assert.Equal(t, "v1", a.Version)
	assert.Equal(t, float64(2), a.Metadata["rows"])
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b", string(content))

	path, _, err = store.Read(ctx, "stock_data:v0", dst)
	require.NoError(t, err)
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a", string(content), "older versions are immutable")

	versions, err := store.List(ctx, "stock_data")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Version)
}

func TestLocalStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Resolve(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, ErrArtifactIO))

	_, _, err = store.Read(ctx, "missing:v2", t.TempDir())
	assert.ErrorIs(t, err, ErrArtifactIO)

	_, err = store.Write(ctx, filepath.Join(t.TempDir(), "nope.csv"), "x", "raw_data", "", nil)
	assert.ErrorIs(t, err, ErrArtifactIO)

	path := writeFile(t, t.TempDir(), "x.csv", "x")
	_, err = store.Write(ctx, path, "bad/name", "raw_data", "", nil)
	assert.ErrorIs(t, err, ErrArtifactIO)
	_, err = store.Write(ctx, path, "x", "", "", nil)
	assert.ErrorIs(t, err, ErrArtifactIO)
}

func TestLocalStoreReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store, err := NewLocalStore(root)
	require.NoError(t, err)
	_, err = store.Write(ctx, writeFile(t, t.TempDir(), "model.json", "{}"), "model", "model", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewLocalStore(root)
	require.NoError(t, err)
	defer reopened.Close()
	a, err := reopened.Resolve(ctx, "model")
	require.NoError(t, err)
	assert.Equal(t, "v0", a.Version)
}

func TestRunRecordsArtifactsAndSummary(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	run, err := store.StartRun(ctx, "training")
	require.NoError(t, err)

	a, err := run.Write(ctx, writeFile(t, t.TempDir(), "model.json", "{}"), "model", "model", "trained", nil)
	require.NoError(t, err)
	assert.Equal(t, run.ID, a.RunID)

	run.SetSummary("accuracy", 0.75)
	require.NoError(t, run.Finish(ctx, nil))

	rec, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFinished, rec.Status)
	assert.Equal(t, 0.75, rec.Summary["accuracy"])

	failed, err := store.StartRun(ctx, "prediction")
	require.NoError(t, err)
	require.NoError(t, failed.Finish(ctx, errors.New("boom")))
	rec, err = store.GetRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)

	var _ Store = run
	var _ Store = store
}

func TestLatestSkipsFailedRuns(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	dir := t.TempDir()

	_, err := store.Write(ctx, writeFile(t, dir, "a.csv", "good"), "train_val_data", "segregated_data", "", nil)
	require.NoError(t, err)

	run, err := store.StartRun(ctx, "data_segregation")
	require.NoError(t, err)
	orphan, err := run.Write(ctx, writeFile(t, dir, "b.csv", "partial"), "train_val_data", "segregated_data", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", orphan.Version)

	a, err := store.Resolve(ctx, "train_val_data:latest")
	require.NoError(t, err)
	assert.Equal(t, "v1", a.Version, "a running step sees its own output")

	require.NoError(t, run.Finish(ctx, errors.New("test split failed")))

	a, err = store.Resolve(ctx, "train_val_data:latest")
	require.NoError(t, err)
	assert.Equal(t, "v0", a.Version)

	a, err = store.Resolve(ctx, "train_val_data:v1")
	require.NoError(t, err, "explicit versions stay addressable")
	assert.Equal(t, orphan.Digest, a.Digest)

	next, err := store.Write(ctx, writeFile(t, dir, "c.csv", "retry"), "train_val_data", "segregated_data", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", next.Version, "failed versions are not reused")

	only, err := store.StartRun(ctx, "data_cleaning")
	require.NoError(t, err)
	_, err = only.Write(ctx, writeFile(t, dir, "d.csv", "x"), "cleaned_data", "cleaned_data", "", nil)
	require.NoError(t, err)
	require.NoError(t, only.Finish(ctx, errors.New("boom")))
	_, err = store.Resolve(ctx, "cleaned_data")
	assert.ErrorIs(t, err, ErrNotFound)
}

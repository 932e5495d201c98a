package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/multisession-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "exports", "csv")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPath", func(t *testing.T) {
		path := "sheet/MultiAccount_ALL_JOBS_MULTI_20250102_150405.csv"
		uri, err := store.PutObject(ctx, path, "text/csv", strings.NewReader("a,b\n"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(dir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(filepath.Join(dir, path))
		require.NoError(t, err)
		assert.Equal(t, "a,b\n", string(data))

		entries, err := os.ReadDir(filepath.Join(dir, "sheet"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp files must not be left behind")
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(ctx, "ids.json", "", strings.NewReader("one"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "ids.json", "", strings.NewReader("two"))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(filepath.Join(dir, "ids.json"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, " ", "", strings.NewReader("x"))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../outside.csv", "", strings.NewReader("x"))
		assert.Error(t, err)
	})
}

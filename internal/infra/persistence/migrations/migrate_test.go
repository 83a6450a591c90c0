package migrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestResolveDirSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "migrations")
	require.NoError(t, os.MkdirAll(path, 0o755))

	resolved, err := resolveDir(path)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(resolved), resolved)
}

func TestResolveDirMissing(t *testing.T) {
	_, err := resolveDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestResolveDirFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	_, err := resolveDir(path)
	require.ErrorIs(t, err, errNotDirectory)
}

func TestFileURLUnixAndWindows(t *testing.T) {
	for _, path := range []string{"/tmp/migrations", "/Users/example/project/db/migrations", "C:/tmp/migrations"} {
		got := fileURL(path)
		require.True(t, strings.HasPrefix(got, "file://"), got)
		require.Greater(t, len(got), len("file://"))
	}
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	err := Apply(context.Background(), "postgresql://invalid", "does-not-exist", nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRollbackValidatesPathBeforeConnecting(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", "still-missing", 1, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRollbackRejectsNonPositiveSteps(t *testing.T) {
	dir := t.TempDir()
	err := Rollback(context.Background(), "postgresql://invalid", dir, 0, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "steps must be positive")
}

func TestApplyEmbeddedRequiresDSN(t *testing.T) {
	fsys := fstest.MapFS{"0001_init.up.sql": &fstest.MapFile{Data: []byte("SELECT 1;")}}
	err := ApplyEmbedded(context.Background(), " ", fsys, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dsn required")

	require.Error(t, ApplyEmbedded(context.Background(), "postgresql://invalid", nil, nil))
}

package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestNewJSONStdout(t *testing.T) {
	var buf bytes.Buffer
	runtime, err := newRuntime(Config{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	runtime.Logger().Debug("order submitted", slog.String("symbol", "005930"), Err(errors.New("boom")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "order submitted", entry["msg"])
	require.Equal(t, "005930", entry["symbol"])
	require.Equal(t, "boom", entry["error"])
	require.NoError(t, runtime.Shutdown(context.Background()))
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	runtime, err := newRuntime(Config{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	runtime.Logger().Info("hidden")
	runtime.Logger().Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestFileOutputCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "autotrader.log")
	runtime, err := New(Config{Output: "file", FilePath: path, MaxSizeMB: 1})
	require.NoError(t, err)

	runtime.Logger().Info("balance refreshed")
	require.NoError(t, runtime.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "balance refreshed"))
}

func TestInvalidConfigRejected(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
	_, err = New(Config{Output: "syslog"})
	require.Error(t, err)
	_, err = New(Config{Output: "file"})
	require.Error(t, err)
}

func TestNilRuntimeFallsBackToNop(t *testing.T) {
	var runtime *Runtime
	require.NotNil(t, runtime.Logger())
	require.NoError(t, runtime.Shutdown(context.Background()))
	require.NotNil(t, OrNop(nil))
}

package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONWithServiceField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagetool.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path, Service: "pagetool-test"})
	require.NoError(t, err)

	log.Info("dropped below the configured level")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "pagetool-test", entry["service"])
}

func TestNew_DefaultsServiceAndLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.log")
	log, err := New(Config{Level: "nonsense", OutputFile: path})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), `"service":"gojodb-pagestore"`)
}

func TestNew_BadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing-dir", "x.log")})
	require.Error(t, err)
}

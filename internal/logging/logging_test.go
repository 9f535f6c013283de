package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestFileOutputIsJSONWhenNotTerminal(t *testing.T) {
	dir := t.TempDir()
	stdout, err := os.Create(filepath.Join(dir, "stdout.log"))
	require.NoError(t, err)
	defer stdout.Close()

	logFile := filepath.Join(dir, "visionx.log")
	logger, closer := New(Options{Level: "debug", File: logFile, MaxSizeMB: 1}, stdout)
	logger.Debug("alert spoken", "key", "person_ahead")
	require.NoError(t, closer.Close())

	for _, p := range []string{stdout.Name(), logFile} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		line := strings.TrimSpace(string(data))
		assert.True(t, strings.HasPrefix(line, "{"), "%s not JSON: %s", p, line)
		assert.Contains(t, line, `"key":"person_ahead"`)
	}
}

func TestTextFormatForced(t *testing.T) {
	stdout, err := os.Create(filepath.Join(t.TempDir(), "out.log"))
	require.NoError(t, err)
	defer stdout.Close()

	logger, _ := New(Options{Format: "text"}, stdout)
	logger.Info("hello", "n", 1)
	logger.Debug("hidden")

	data, err := os.ReadFile(stdout.Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
	assert.NotContains(t, string(data), "hidden")
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fitalert/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, config.LogConfig{Level: "info", Format: "json"}))
	log.Debug("hidden")
	log.Info("alert opened", "component", "alerting", "alert_id", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "alert opened", rec["msg"])
	assert.Equal(t, "alerting", rec["component"])
	assert.EqualValues(t, 7, rec["alert_id"])
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fitalert.log")
	log, closer := New(config.LogConfig{Level: "info", MaxSizeMB: 1}, path)
	log.Info("hello")
	require.NoError(t, closer.Close())
	assert.FileExists(t, path)
}

func TestFileLoggerLeavesStderrAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fitalert.log")
	var stderr bytes.Buffer
	log, closer := newLogger(config.LogConfig{Level: "info", MaxSizeMB: 1}, path, &stderr)
	log.Info("rotated only")
	require.NoError(t, closer.Close())

	assert.Empty(t, stderr.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotated only")

	log, closer = newLogger(config.LogConfig{Level: "info"}, "", &stderr)
	log.Info("console")
	require.NoError(t, closer.Close())
	assert.Contains(t, stderr.String(), "console")
}

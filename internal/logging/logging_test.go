package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "warn")
	logger.Info("hidden")
	logger.Warn("drone grounded", "drone_id", "d-1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "drone grounded", line["msg"])
	assert.Equal(t, "d-1", line["drone_id"])
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "TEXT", "").Info("ready", "port", 8080)
	assert.Contains(t, buf.String(), "msg=ready port=8080")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

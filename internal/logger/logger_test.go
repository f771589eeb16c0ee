package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "info", Format: "json"})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("router: delegating", "chat", "555", "session_id", int64(100000002))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "router: delegating", entry["msg"])
	assert.Equal(t, "555", entry["chat"])
	assert.Equal(t, float64(100000002), entry["session_id"])
}

func TestNew_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "debug"})
	require.NoError(t, err)

	log.Debug("sweeper started", "schedule", "*/15 * * * *")
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), `msg="sweeper started"`)
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "warn", Format: "Pretty"})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("amqp connection lost", "error", "EOF")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "amqp connection lost")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)

	_, err = New(&bytes.Buffer{}, Options{Level: "loud"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

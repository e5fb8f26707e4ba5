package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level, format string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l, err := New(&Config{Level: level, Format: format, writer: buf})
	require.NoError(t, err)
	return l, buf
}

func jsonLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{level: "debug", want: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{level: "info", want: []string{"INFO", "WARN", "ERROR"}},
		{level: "warn", want: []string{"WARN", "ERROR"}},
		{level: "error", want: []string{"ERROR"}},
		{level: "bogus", want: []string{"INFO", "WARN", "ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, buf := newBufferLogger(t, tt.level, "json")
			l.Debug("poll tick")
			l.Info("target dispatched")
			l.Warn("agent slow to ack")
			l.Error("dispatch failed")

			var got []string
			for _, entry := range jsonLines(t, buf) {
				got = append(got, entry["level"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Formats(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		l, buf := newBufferLogger(t, "info", "json")
		l.Info("job claimed", slog.String("job_id", "job-1"), slog.Int("attempt", 2), slog.Bool("resumed", true))

		entries := jsonLines(t, buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "job claimed", entries[0]["msg"])
		assert.Equal(t, "job-1", entries[0]["job_id"])
		assert.Equal(t, float64(2), entries[0]["attempt"])
		assert.Equal(t, true, entries[0]["resumed"])
		assert.Contains(t, entries[0], "time")
	})

	t.Run("console", func(t *testing.T) {
		l, buf := newBufferLogger(t, "info", "console")
		l.Info("job claimed", slog.String("job_id", "job-1"))

		out := buf.String()
		assert.Contains(t, out, "job claimed")
		assert.Contains(t, out, "job-1")
		assert.Error(t, json.Unmarshal(buf.Bytes(), &map[string]any{}))
	})

	t.Run("unknown falls back to json", func(t *testing.T) {
		l, buf := newBufferLogger(t, "info", "xml")
		l.Info("job claimed")
		assert.Len(t, jsonLines(t, buf), 1)
	})
}

func TestNew_Source(t *testing.T) {
	buf := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: buf})
	require.NoError(t, err)

	l.Info("with source")
	entries := jsonLines(t, buf)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "source")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelInfo,
	}
	for input, want := range tests {
		assert.Equal(t, want, parseLevel(input), "level %q", input)
	}
}

func TestLogger_Derived(t *testing.T) {
	l, buf := newBufferLogger(t, "info", "json")

	l.With("worker_id", "w-1").Info("worker started")
	l.WithAttrs(slog.String("job_id", "job-1"), slog.String("target_key", "0-car-1")).Info("target recorded")
	l.WithGroup("hub").Info("agent connected", slog.String("agent_id", "car-1"))

	entries := jsonLines(t, buf)
	require.Len(t, entries, 3)

	assert.Equal(t, "w-1", entries[0]["worker_id"])

	assert.Equal(t, "job-1", entries[1]["job_id"])
	assert.Equal(t, "0-car-1", entries[1]["target_key"])

	group, ok := entries[2]["hub"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "car-1", group["agent_id"])

	// derived loggers share the parent's closer
	assert.NoError(t, l.With("k", "v").Close())
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	require.NotNil(t, l)
	assert.True(t, l.Enabled(t.Context(), slog.LevelInfo))
	assert.False(t, l.Enabled(t.Context(), slog.LevelDebug))
	assert.NoError(t, l.Close())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	l, err := New(&Config{
		Level:      "info",
		Format:     "console",
		Output:     path,
		MaxSizeMB:  1,
		MaxBackups: 2,
	})
	require.NoError(t, err)

	l.With(slog.String("job_id", "job-1")).Info("job started")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "job started")
	assert.Contains(t, string(data), "job-1")
	assert.NotContains(t, string(data), "\x1b[", "file output must not carry colour codes")
}

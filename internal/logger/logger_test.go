package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
)

func TestNew(t *testing.T) {
	t.Run("Text output", func(t *testing.T) {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf))
		l.Info("hello", slog.String("key", "value"))

		assert.Contains(t, buf.String(), "hello")
		assert.Contains(t, buf.String(), "key=value")
	})

	t.Run("Debug filtered by default", func(t *testing.T) {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf))
		l.Debug("hidden")

		assert.Empty(t, buf.String())
	})

	t.Run("Debug enabled", func(t *testing.T) {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf), logger.WithDebug(true))
		l.Debug("visible")

		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("JSON output", func(t *testing.T) {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf), logger.WithJSON(true))
		l.Info("structured", slog.Int("count", 42))

		var parsed map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
		assert.Equal(t, "structured", parsed["msg"])
		assert.EqualValues(t, 42, parsed["count"])
	})

	t.Run("Pretty output", func(t *testing.T) {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf), logger.WithPretty(true))
		l.Info("pretty output")

		assert.Contains(t, buf.String(), "pretty output")
	})

	t.Run("Multiple writers", func(t *testing.T) {
		var buf1, buf2 bytes.Buffer
		l := logger.New(logger.WithWriters(&buf1, &buf2))
		l.Info("multi")

		assert.Contains(t, buf1.String(), "multi")
		assert.Contains(t, buf2.String(), "multi")
	})
}

func TestNop(t *testing.T) {
	l := logger.Nop()
	assert.NotPanics(t, func() {
		l.Info("msg")
		l.With("key", "value").Error("msg")
		l.WithGroup("group").Warn("msg")
	})
	assert.False(t, l.Handler().Enabled(context.Background(), slog.LevelError))
}

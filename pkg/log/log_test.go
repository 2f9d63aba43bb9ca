package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewWritesMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo)
	l.Info("engine started", slog.String("listen", "udp:5060"))
	l.Debug("hidden")
	assert.Contains(t, buf.String(), "engine started")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNoop(t *testing.T) {
	assert.False(t, Noop.Enabled(context.Background(), slog.LevelError))
}

package utils

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewStampWriter(&out)
	w.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	n, err := w.Write([]byte("first\r\nsecond\npart"))
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t,
		"line=1 time=2024-03-01T12:00:00Z first\n"+
			"line=2 time=2024-03-01T12:00:00Z second\n", out.String())

	_, err = w.Write([]byte("ial\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.String(), "line=3 time=2024-03-01T12:00:00Z partial\n"))

	_, err = w.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.True(t, strings.HasSuffix(out.String(), "line=4 time=2024-03-01T12:00:00Z tail\n"))

	// nothing left to flush
	require.NoError(t, w.Close())
	assert.Equal(t, 4, strings.Count(out.String(), "\n"))
}

func TestFanoutHandler(t *testing.T) {
	var debug, warn bytes.Buffer
	h := NewFanoutHandler(
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With("run", "abc").WithGroup("g")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug-4))

	logger.Debug("quiet", "k", 1)
	logger.Warn("loud", "k", 2)

	assert.Contains(t, debug.String(), "msg=quiet run=abc g.k=1")
	assert.Contains(t, debug.String(), "msg=loud")
	assert.NotContains(t, warn.String(), "quiet")
	assert.Contains(t, warn.String(), "msg=loud run=abc g.k=2")
}

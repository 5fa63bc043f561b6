package domain

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedLogger_CapsAtTenThenOneMarkerThenSilent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := NewRateLimitedLogger(base)

	for i := 0; i < 20; i++ {
		r.Log(slog.LevelWarn, CategoryNetwork, "fetcher.doFetch", "connection refused")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 11, "10 real log lines plus exactly one rate-limiting marker, nothing after")

	for i := 0; i < 10; i++ {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[i]), &entry))
		assert.Equal(t, "connection refused", entry["msg"])
		assert.Equal(t, "network", entry["category"])
	}

	var marker map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[10]), &marker))
	assert.Contains(t, marker["msg"], "rate-limiting")
	assert.Equal(t, "fetcher.doFetch", marker["source"])
}

func TestRateLimitedLogger_DistinctTuplesGetIndependentGates(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := NewRateLimitedLogger(base)

	r.Log(slog.LevelWarn, CategoryNetwork, "fetcher.doFetch", "timeout")
	r.Log(slog.LevelWarn, CategoryState, "coordinator.RunCycle", "breaker open")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2, "each distinct (category, source, message) tuple logs independently")
}

func TestNewRateLimitedLogger_NilLoggerFallsBackToDefault(t *testing.T) {
	r := NewRateLimitedLogger(nil)
	assert.NotPanics(t, func() {
		r.Log(slog.LevelInfo, CategoryInternal, "test", "hello")
	})
}

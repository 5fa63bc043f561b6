package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedLogTuples bounds the (category, source, message) tracking
// cache. It's an optimization, not a correctness invariant (unlike
// the summary dedup set in internal/summary, which must never evict),
// so an LRU is the right structure here: a tuple falling out under
// sustained churn just means it gets logged up to 10 more times than
// strictly necessary, never a correctness problem.
const maxTrackedLogTuples = 4096

// maxLogsPerTuple is how many times a distinct (category, source,
// message) tuple is logged before going silent for the rest of the
// process lifetime (spec §7).
const maxLogsPerTuple = 10

// tupleGate tracks one (category, source, message) tuple's logging
// budget. sometimes enforces the 10-call cap; count and markerLogged
// detect the exact 11th call so the one-shot "rate-limiting" marker
// fires precisely once, never periodically.
type tupleGate struct {
	sometimes    *rate.Sometimes
	count        int
	markerLogged bool
}

// RateLimitedLogger logs a distinct (category, source, message) tuple
// at most maxLogsPerTuple times, then emits a single "rate-limiting"
// marker on the very next occurrence, then stays silent for that
// tuple for the rest of the process's life. Safe for concurrent use.
type RateLimitedLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	gates  *lru.Cache[string, *tupleGate]
}

// NewRateLimitedLogger wraps logger. A nil logger falls back to
// slog.Default().
func NewRateLimitedLogger(logger *slog.Logger) *RateLimitedLogger {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *tupleGate](maxTrackedLogTuples)
	if err != nil {
		// Only returns an error for a non-positive size, which never
		// happens here.
		panic(err)
	}
	return &RateLimitedLogger{logger: logger, gates: cache}
}

// Log emits args at level for the given (category, source, message)
// tuple. The first maxLogsPerTuple calls for a tuple pass straight
// through; the next call logs a single "rate-limiting" marker instead
// of message; every call after that is dropped entirely.
func (r *RateLimitedLogger) Log(level slog.Level, category Category, source, message string, args ...any) {
	key := fmt.Sprintf("%s|%s|%s", category, source, message)

	r.mu.Lock()
	gate, ok := r.gates.Get(key)
	if !ok {
		gate = &tupleGate{sometimes: &rate.Sometimes{First: maxLogsPerTuple}}
		r.gates.Add(key, gate)
	}
	gate.count++
	fireMarker := gate.count == maxLogsPerTuple+1 && !gate.markerLogged
	if fireMarker {
		gate.markerLogged = true
	}
	r.mu.Unlock()

	gate.sometimes.Do(func() {
		r.logger.Log(context.Background(), level, message,
			append([]any{"category", string(category), "source", source}, args...)...)
	})

	if fireMarker {
		r.logger.Log(context.Background(), level, "rate-limiting repeated log message",
			"category", string(category), "source", source, "message", message)
	}
}

// Package events implements the Event Tracker (spec §4.6 C8): a
// bounded FIFO queue of tracked events with tail-drop on overflow,
// time/size flush triggers, and a POST batch flush that always
// drains the Summary Manager first. Grounded on the same
// queue/retry/DLQ shape as internal/summary
// (internal/infrastructure/publishing/queue.go lineage), using
// github.com/google/uuid for insert_id the way the teacher's queue
// code stamps job IDs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/metrics"
	"github.com/customfit/cf-client-go/internal/resilience"
	"github.com/customfit/cf-client-go/internal/transport"
	"github.com/google/uuid"
)

const sdkVersion = "1.0.0"

const maxProperties = 50

// SummaryFlusher is the boundary to the Summary Manager (C7):
// flush_events always drains summaries first, per spec §4.6/§5.
type SummaryFlusher interface {
	FlushSummaries(ctx context.Context) (int, error)
}

type queuedEvent struct {
	record   domain.EventRecord
	queuedAt time.Time
}

// Tracker owns the event queue and its flush timer.
type Tracker struct {
	transport transport.Client
	summaries SummaryFlusher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	clientKey  domain.ClientKey
	apiBaseURL string

	retryPolicy resilience.Policy
	breaker     *resilience.CircuitBreaker

	userFunc    func() *domain.CFUser
	sessionFunc func() string
	nowFunc     func() time.Time

	capacity          int
	flushTimeSeconds  time.Duration

	mu    sync.Mutex
	queue []queuedEvent

	timerMu sync.Mutex
	cancel  context.CancelFunc
}

// Options bundles Tracker's dependencies.
type Options struct {
	Transport        transport.Client
	Summaries        SummaryFlusher
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
	ClientKey        domain.ClientKey
	APIBaseURL       string
	RetryPolicy      resilience.Policy
	Breaker          *resilience.CircuitBreaker
	UserFunc         func() *domain.CFUser
	SessionFunc      func() string
	Capacity         int
	FlushTimeSeconds time.Duration
}

// New builds a Tracker. Capacity <= 0 falls back to 10000, matching
// domain.DefaultCFConfig's EventsQueueSize.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	flushTime := opts.FlushTimeSeconds
	if flushTime <= 0 {
		flushTime = 60 * time.Second
	}
	return &Tracker{
		transport:        opts.Transport,
		summaries:        opts.Summaries,
		metrics:          opts.Metrics,
		logger:           logger,
		clientKey:        opts.ClientKey,
		apiBaseURL:       opts.APIBaseURL,
		retryPolicy:      opts.RetryPolicy,
		breaker:          breaker,
		userFunc:         opts.UserFunc,
		sessionFunc:      opts.SessionFunc,
		nowFunc:          time.Now,
		capacity:         capacity,
		flushTimeSeconds: flushTime,
	}
}

// Track validates and enqueues a named event with properties. The
// session id is captured now, not at flush time (spec §5's ordering
// guarantee).
func (t *Tracker) Track(name string, properties map[string]any) error {
	if name == "" {
		return domain.NewError(domain.CategoryValidation, domain.SeverityLow, "event name must not be blank", nil)
	}

	cleaned := make(map[string]any, len(properties))
	for k, v := range properties {
		if v == nil {
			continue
		}
		cleaned[k] = v
	}
	if len(cleaned) > maxProperties {
		t.logger.Warn("event has more than the recommended property count", "event", name, "count", len(cleaned))
	}

	sessionID := ""
	if t.sessionFunc != nil {
		sessionID = t.sessionFunc()
	}

	rec := domain.EventRecord{
		EventCustomerID: name,
		EventType:       domain.EventTypeTrack,
		Properties:      cleaned,
		EventTimestamp:  domain.FormatWireTime(t.nowFunc()),
		SessionID:       sessionID,
		InsertID:        uuid.NewString(),
	}

	t.enqueue(queuedEvent{record: rec, queuedAt: t.nowFunc()})
	return nil
}

// tailDropAppend appends e to queue, dropping the oldest entry first
// if queue is already at capacity (spec §4.6's bounded tail-drop). A
// pure function so the drop behavior is testable without touching a
// Tracker's locks or flush side effects.
func tailDropAppend(queue []queuedEvent, capacity int, e queuedEvent) (out []queuedEvent, droppedOldest bool) {
	if len(queue) >= capacity {
		queue = queue[1:]
		droppedOldest = true
	}
	return append(queue, e), droppedOldest
}

// enqueue appends e, tail-dropping the oldest entry if the queue is
// already at capacity. Reaching capacity after the insert kicks off
// a fire-and-forget flush.
func (t *Tracker) enqueue(e queuedEvent) {
	t.mu.Lock()
	newQueue, droppedOldest := tailDropAppend(t.queue, t.capacity, e)
	t.queue = newQueue
	if droppedOldest {
		t.logger.Warn("event queue full; dropping oldest event")
		if t.metrics != nil {
			t.metrics.QueueDropped.WithLabelValues("event").Inc()
		}
	}
	full := len(t.queue) >= t.capacity
	depth := len(t.queue)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.QueueDepth.WithLabelValues("event").Set(float64(depth))
	}
	if full {
		go func() {
			if _, err := t.FlushEvents(context.Background()); err != nil {
				t.logger.Warn("fire-and-forget event flush failed", "error", err)
			}
		}()
	}
}

// CheckFlushDue reports whether the oldest queued event is older
// than flush_time_seconds, the periodic flush-check condition from
// spec §4.6.
func (t *Tracker) CheckFlushDue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return false
	}
	return t.nowFunc().Sub(t.queue[0].queuedAt) > t.flushTimeSeconds
}

// FlushEvents drains summaries first, then POSTs a batch of queued
// events. Terminal failures re-enqueue the whole batch; entries that
// don't fit back in are dropped and reported.
func (t *Tracker) FlushEvents(ctx context.Context) (int, error) {
	if t.summaries != nil {
		if _, err := t.summaries.FlushSummaries(ctx); err != nil {
			t.logger.Warn("summary flush ahead of event flush failed", "error", err)
		}
	}

	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	records := make([]domain.EventRecord, len(batch))
	for i, e := range batch {
		records[i] = e.record
	}

	err := t.postBatch(ctx, records)
	if err == nil {
		if t.metrics != nil {
			t.metrics.FlushesTotal.WithLabelValues("event", "success").Inc()
			t.metrics.QueueDepth.WithLabelValues("event").Set(0)
		}
		return len(batch), nil
	}

	if t.metrics != nil {
		t.metrics.FlushesTotal.WithLabelValues("event", "error").Inc()
	}

	dropped := 0
	t.mu.Lock()
	for _, e := range batch {
		if len(t.queue) >= t.capacity {
			dropped++
			continue
		}
		t.queue = append(t.queue, e)
	}
	t.mu.Unlock()

	if dropped > 0 {
		if t.metrics != nil {
			t.metrics.QueueDropped.WithLabelValues("event").Add(float64(dropped))
		}
		t.logger.Error("event re-enqueue overflow after flush failure", "dropped", dropped, "error", err)
	}
	return 0, err
}

func (t *Tracker) postBatch(ctx context.Context, records []domain.EventRecord) error {
	var user *domain.CFUser
	if t.userFunc != nil {
		user = t.userFunc()
	}
	var userMap map[string]any
	if user != nil {
		userMap = user.ToWireMap()
	}

	body, err := json.Marshal(map[string]any{
		"events":                records,
		"user":                  userMap,
		"cf_client_sdk_version": sdkVersion,
	})
	if err != nil {
		return fmt.Errorf("encode event batch: %w", err)
	}

	url := fmt.Sprintf("%s/cfe?cfenc=%s", t.apiBaseURL, t.clientKey.String())

	// The breaker gates each retry attempt individually rather than
	// the whole sequence, so after a trip during attempt 2 of 3 the
	// backoff sleep still runs, then attempt 3 fails fast with
	// ErrCircuitOpen without issuing the POST (spec §4.9).
	return resilience.WithRetry(ctx, t.retryPolicy, func() error {
		return t.breaker.Execute(func() error {
			resp, err := t.transport.Post(ctx, url, body, nil)
			if err != nil {
				return err
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("event flush failed: status %d", resp.Status)
			}
			return nil
		})
	})
}

// StartFlushTimer periodically checks CheckFlushDue every interval
// and flushes when due. Restarting cancels the previous timer under
// the same lock (spec §5's timer-restart idiom).
func (t *Tracker) StartFlushTimer(ctx context.Context, interval time.Duration) {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	timerCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-timerCtx.Done():
				return
			case <-ticker.C:
				if t.CheckFlushDue() {
					if _, err := t.FlushEvents(timerCtx); err != nil {
						t.logger.Warn("periodic event flush failed", "error", err)
					}
				}
			}
		}
	}()
}

// StopFlushTimer cancels any running periodic flush check.
func (t *Tracker) StopFlushTimer() {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// QueueLen reports the current queue depth, for diagnostics/tests.
func (t *Tracker) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

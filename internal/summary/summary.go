// Package summary implements the Summary Manager (spec §4.5 C7): a
// bounded FIFO queue of exposure summaries, a dedup set keyed by
// experience_id, and a periodic flush that POSTs batches through the
// shared retry/circuit-breaker wrapping. Grounded on the teacher's
// queue/retry/DLQ shape (internal/infrastructure/publishing/queue.go,
// queue_retry.go) simplified to a single-priority bounded queue —
// the spec has no job-priority concept. Validation uses
// go-playground/validator against domain.ExposureSummary's struct
// tags, the way the teacher validates webhook/config payloads.
package summary

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
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const sdkVersion = "1.0.0"

// Manager owns the queue, dedup set, and flush timer.
type Manager struct {
	transport transport.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger

	clientKey  domain.ClientKey
	apiBaseURL string

	retryPolicy resilience.Policy
	breaker     *resilience.CircuitBreaker

	userFunc    func() *domain.CFUser
	sessionFunc func() string
	nowFunc     func() time.Time

	capacity int

	mu    sync.Mutex
	queue []domain.ExposureSummary

	dedupMu sync.Mutex
	dedup   map[string]struct{}

	timerMu sync.Mutex
	cancel  context.CancelFunc
}

// Options bundles Manager's dependencies.
type Options struct {
	Transport   transport.Client
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	ClientKey   domain.ClientKey
	APIBaseURL  string
	RetryPolicy resilience.Policy
	Breaker     *resilience.CircuitBreaker
	UserFunc    func() *domain.CFUser
	SessionFunc func() string
	Capacity    int
}

// New builds a Manager. Capacity <= 0 falls back to 10000, matching
// domain.DefaultCFConfig's SummariesQueueSize.
func New(opts Options) *Manager {
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
	return &Manager{
		transport:   opts.Transport,
		metrics:     opts.Metrics,
		logger:      logger,
		clientKey:   opts.ClientKey,
		apiBaseURL:  opts.APIBaseURL,
		retryPolicy: opts.RetryPolicy,
		breaker:     breaker,
		userFunc:    opts.UserFunc,
		sessionFunc: opts.SessionFunc,
		nowFunc:     time.Now,
		capacity:    capacity,
		dedup:       map[string]struct{}{},
	}
}

// PushSummary implements evaluator.SummaryPusher. Required-field
// validation failures are dropped with a logged warning, per spec
// §4.5: the read that triggered this call still returns its
// variation regardless of what happens here.
func (m *Manager) PushSummary(rec domain.FlagRecord) {
	var user *domain.CFUser
	if m.userFunc != nil {
		user = m.userFunc()
	}
	sessionID := ""
	if m.sessionFunc != nil {
		sessionID = m.sessionFunc()
	}

	s := domain.NewExposureSummary(rec, user, sessionID, m.nowFunc())
	if err := validate.Struct(s); err != nil {
		m.logger.Warn("dropping exposure summary: missing required fields", "experience_id", rec.ExperienceID, "error", err)
		return
	}

	if !m.claimDedup(s.ExperienceID) {
		return
	}

	if m.enqueue(s) {
		return
	}

	// Queue was full: flush synchronously and retry once.
	if _, err := m.FlushSummaries(context.Background()); err != nil {
		m.logger.Warn("synchronous flush before retrying enqueue failed", "error", err)
	}
	if m.enqueue(s) {
		return
	}
	m.logger.Error("summary queue still full after flush; dropping", "experience_id", s.ExperienceID)
	if m.metrics != nil {
		m.metrics.QueueDropped.WithLabelValues("summary").Inc()
	}
}

// claimDedup reports whether experienceID has not yet been
// summarized in this process. The dedup set is never cleared by
// default (see DESIGN.md Open Question decision); a host may opt
// into clearing it on session rotation via ClearDedup.
func (m *Manager) claimDedup(experienceID string) bool {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	if _, seen := m.dedup[experienceID]; seen {
		return false
	}
	m.dedup[experienceID] = struct{}{}
	return true
}

// ClearDedup empties the dedup set. Called by the root client on
// session rotation only when CFConfig.ClearDedupOnSessionRotation is
// set.
func (m *Manager) ClearDedup() {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	m.dedup = map[string]struct{}{}
}

// enqueue appends s if the queue has room, reporting whether it fit.
// A fire-and-forget flush is kicked off when the insert fills the
// queue to capacity.
func (m *Manager) enqueue(s domain.ExposureSummary) bool {
	m.mu.Lock()
	if len(m.queue) >= m.capacity {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, s)
	full := len(m.queue) >= m.capacity
	depth := len(m.queue)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues("summary").Set(float64(depth))
	}
	if full {
		go func() {
			if _, err := m.FlushSummaries(context.Background()); err != nil {
				m.logger.Warn("fire-and-forget summary flush failed", "error", err)
			}
		}()
	}
	return true
}

// FlushSummaries drains the queue and POSTs a batch. Re-enqueues on
// terminal failure; a re-enqueue that itself can't fit counts as a
// dropped summary and is surfaced as a high-severity internal error.
func (m *Manager) FlushSummaries(ctx context.Context) (int, error) {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	err := m.postBatch(ctx, batch)
	if err == nil {
		if m.metrics != nil {
			m.metrics.FlushesTotal.WithLabelValues("summary", "success").Inc()
			m.metrics.QueueDepth.WithLabelValues("summary").Set(0)
		}
		return len(batch), nil
	}

	if m.metrics != nil {
		m.metrics.FlushesTotal.WithLabelValues("summary", "error").Inc()
	}

	dropped := 0
	for _, s := range batch {
		if !m.enqueue(s) {
			dropped++
		}
	}
	if dropped > 0 {
		dropErr := domain.NewError(domain.CategoryInternal, domain.SeverityHigh,
			fmt.Sprintf("dropped %d summaries after flush failure: queue at capacity", dropped), err)
		m.logger.Error("summary re-enqueue overflow", "dropped", dropped, "error", dropErr)
		return 0, dropErr
	}
	return 0, err
}

func (m *Manager) postBatch(ctx context.Context, batch []domain.ExposureSummary) error {
	var user *domain.CFUser
	if m.userFunc != nil {
		user = m.userFunc()
	}
	var userMap map[string]any
	if user != nil {
		userMap = user.ToWireMap()
	}

	body, err := json.Marshal(map[string]any{
		"user":                 userMap,
		"summaries":            batch,
		"cf_client_sdk_version": sdkVersion,
	})
	if err != nil {
		return fmt.Errorf("encode summary batch: %w", err)
	}

	url := fmt.Sprintf("%s/config/request/summary?cfenc=%s", m.apiBaseURL, m.clientKey.String())

	// The breaker gates each retry attempt individually rather than
	// the whole sequence, so after a trip during attempt 2 of 3 the
	// backoff sleep still runs, then attempt 3 fails fast with
	// ErrCircuitOpen without issuing the POST (spec §4.9).
	return resilience.WithRetry(ctx, m.retryPolicy, func() error {
		return m.breaker.Execute(func() error {
			resp, err := m.transport.Post(ctx, url, body, nil)
			if err != nil {
				return err
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return fmt.Errorf("summary flush failed: status %d", resp.Status)
			}
			return nil
		})
	})
}

// StartFlushTimer begins a periodic flush every interval. Calling it
// again cancels the previous timer and starts a fresh one under the
// same lock, matching the coordinator's timer-restart idiom (spec
// §5).
func (m *Manager) StartFlushTimer(ctx context.Context, interval time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	timerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-timerCtx.Done():
				return
			case <-ticker.C:
				if _, err := m.FlushSummaries(timerCtx); err != nil {
					m.logger.Warn("periodic summary flush failed", "error", err)
				}
			}
		}
	}()
}

// StopFlushTimer cancels any running periodic flush.
func (m *Manager) StopFlushTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// QueueLen reports the current queue depth, for diagnostics/tests.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

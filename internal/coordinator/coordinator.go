// Package coordinator implements the Lifecycle/Battery/Network
// Coordinator (spec §4.7 C9): it turns platform-pushed app-state,
// battery, and connectivity signals into a polling cadence, relays
// lifecycle events to the Session Manager, and owns the
// ConnectionStatus state machine. Grounded on the timer-restart-under-
// lock idiom already used by internal/summary and internal/events
// (StartFlushTimer/StopFlushTimer), and on internal/config.Mutable's
// snapshot-then-notify shape for its own listener dispatch.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/customfit/cf-client-go/internal/config"
	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/fetcher"
	"github.com/customfit/cf-client-go/internal/metrics"
)

// AppState is the platform-reported lifecycle state (spec §4.7).
type AppState int

const (
	AppForeground AppState = iota
	AppBackground
	AppInactive
)

// BatteryState is the platform-reported battery snapshot (spec §4.7).
type BatteryState struct {
	Level      float64
	IsLow      bool
	IsCharging bool
}

// SessionRelay is the subset of session.Manager the Coordinator
// drives. Kept as an interface so the coordinator package doesn't
// import internal/session directly, matching the narrow-boundary
// pattern used for evaluator.SummaryPusher and events.SummaryFlusher.
type SessionRelay interface {
	OnForeground(ctx context.Context)
	OnBackground(ctx context.Context)
	OnNetworkChange(ctx context.Context)
}

// FetchRunner is the subset of fetcher.Fetcher the Coordinator drives
// on its polling cadence. LastSettings lets the Coordinator honor
// cf_skip_sdk (spec §6): when the control plane reports it, polling
// pauses until the host calls ForceRefresh again.
type FetchRunner interface {
	FetchCycle(ctx context.Context) (fetcher.Outcome, error)
	LastSettings() domain.SDKSettings
}

// StatusListener is notified whenever ConnectionStatus changes.
type StatusListener func(old, new domain.ConnectionStatus)

var knownStatuses = []string{
	domain.ConnectionConnecting.String(),
	domain.ConnectionConnected.String(),
	domain.ConnectionDisconnected.String(),
	domain.ConnectionOffline.String(),
}

// Coordinator owns ConnectionStatus, the platform-state snapshot, and
// the polling timer.
type Coordinator struct {
	cfg       *config.Mutable
	session   SessionRelay
	fetcher   FetchRunner
	metrics   *metrics.Metrics
	logger    *slog.Logger
	rateLimited *domain.RateLimitedLogger
	nowFunc   func() time.Time

	mu         sync.Mutex
	status     domain.ConnectionStatus
	appState   AppState
	battery    BatteryState
	userOffline bool
	listeners  []StatusListener

	timerMu sync.Mutex
	cancel  context.CancelFunc
}

// Options bundles Coordinator's dependencies.
type Options struct {
	Config  *config.Mutable
	Session SessionRelay
	Fetcher FetchRunner
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// New builds a Coordinator. Initial ConnectionStatus is "connecting"
// unless offline_mode is already set, per the state machine in spec
// §4.9's sibling diagram.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewMutable(domain.DefaultCFConfig(""), logger)
	}
	c := &Coordinator{
		cfg:         cfg,
		session:     opts.Session,
		fetcher:     opts.Fetcher,
		metrics:     opts.Metrics,
		logger:      logger,
		rateLimited: domain.NewRateLimitedLogger(logger),
		nowFunc:     time.Now,
		status:      domain.ConnectionConnecting,
	}
	if cfg.Get().OfflineMode {
		c.userOffline = true
		c.status = domain.ConnectionOffline
	}
	c.recordStatusMetric()
	return c
}

// Status returns the current ConnectionStatus.
func (c *Coordinator) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatusChange registers a listener for future ConnectionStatus
// transitions.
func (c *Coordinator) OnStatusChange(l StatusListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// OnAppForeground relays a platform foreground transition: drives the
// Session Manager and (per spec §4.7) re-evaluates cadence so the next
// timer restart picks up sdk_settings_check_interval_ms instead of the
// background interval.
func (c *Coordinator) OnAppForeground(ctx context.Context) {
	c.mu.Lock()
	c.appState = AppForeground
	c.mu.Unlock()
	if c.session != nil {
		c.session.OnForeground(ctx)
	}
	c.RestartPolling(ctx)
}

// OnAppBackground relays a platform background transition.
func (c *Coordinator) OnAppBackground(ctx context.Context) {
	c.mu.Lock()
	c.appState = AppBackground
	c.mu.Unlock()
	if c.session != nil {
		c.session.OnBackground(ctx)
	}
	c.RestartPolling(ctx)
}

// OnAppInactive relays a platform inactive transition. Spec §4.7 only
// names foreground/background as Session Manager relay points;
// inactive only affects cadence selection.
func (c *Coordinator) OnAppInactive(ctx context.Context) {
	c.mu.Lock()
	c.appState = AppInactive
	c.mu.Unlock()
	c.RestartPolling(ctx)
}

// OnBatteryChange updates the battery snapshot and re-evaluates
// cadence.
func (c *Coordinator) OnBatteryChange(ctx context.Context, state BatteryState) {
	c.mu.Lock()
	c.battery = state
	c.mu.Unlock()
	c.RestartPolling(ctx)
}

// OnNetworkLost marks the connection disconnected and relays to the
// Session Manager.
func (c *Coordinator) OnNetworkLost(ctx context.Context) {
	if c.session != nil {
		c.session.OnNetworkChange(ctx)
	}
	c.transition(domain.ConnectionDisconnected)
}

// OnNetworkRestored relays the restore to the Session Manager and
// marks the connection connecting again; it flips to connected only
// once the next fetch cycle actually succeeds.
func (c *Coordinator) OnNetworkRestored(ctx context.Context) {
	if c.session != nil {
		c.session.OnNetworkChange(ctx)
	}
	c.mu.Lock()
	offline := c.userOffline
	c.mu.Unlock()
	if offline {
		return
	}
	c.transition(domain.ConnectionConnecting)
}

// SetOffline toggles user-selected offline mode. Offline wins over
// every platform-reported state; toggling back off returns to
// connecting, matching the state machine in spec §4.9's sibling
// diagram.
func (c *Coordinator) SetOffline(ctx context.Context, offline bool) {
	c.mu.Lock()
	c.userOffline = offline
	c.mu.Unlock()

	if offline {
		c.transition(domain.ConnectionOffline)
		c.StopPolling()
		return
	}
	c.transition(domain.ConnectionConnecting)
	c.RestartPolling(ctx)
}

// IsOffline reports whether Fetcher/Summary/Event flushes should
// short-circuit: true when the user has toggled offline_mode, per
// spec §4.7. Platform-reported disconnection alone does not stop
// flush attempts; the breaker and retry policy already bound their
// cost.
func (c *Coordinator) IsOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userOffline
}

// RunCycle executes one Fetcher cycle and updates ConnectionStatus:
// the first successful fetch flips connecting -> connected; a fetch
// error (including a breaker-open rejection surfaced as an error by
// the Fetcher) flips connected -> disconnected, per spec §7's
// Coordinator-surfaced-failure policy.
func (c *Coordinator) RunCycle(ctx context.Context) {
	if c.IsOffline() {
		return
	}
	_, err := c.fetcher.FetchCycle(ctx)
	if err != nil {
		c.rateLimited.Log(slog.LevelWarn, domain.CategoryNetwork, "coordinator.RunCycle", "fetch cycle failed", "error", err)
		c.transition(domain.ConnectionDisconnected)
		return
	}
	c.transition(domain.ConnectionConnected)

	if c.fetcher.LastSettings().CFSkipSDK {
		c.logger.Info("cf_skip_sdk reported by control plane; pausing polling")
		c.StopPolling()
	}
}

// Cadence selects the polling interval per spec §4.7: background
// polling when enabled and backgrounded, reduced polling when
// battery-aware reduction is enabled and the battery is low and not
// charging, otherwise the default settings-check interval.
func (c *Coordinator) Cadence() time.Duration {
	cfg := c.cfg.Get()

	c.mu.Lock()
	appState := c.appState
	battery := c.battery
	c.mu.Unlock()

	if !cfg.DisableBackgroundPolling && appState == AppBackground {
		return cfg.BackgroundPollingIntervalMs
	}
	if cfg.UseReducedPollingWhenBatteryLow && battery.IsLow && !battery.IsCharging {
		return cfg.ReducedPollingIntervalMs
	}
	return cfg.SDKSettingsCheckIntervalMs
}

// RestartPolling cancels any running poll loop and starts a fresh one
// at the current Cadence, under the dedicated timer lock (spec §5's
// "timer restart" ordering guarantee for §4.7).
func (c *Coordinator) RestartPolling(ctx context.Context) {
	if c.IsOffline() {
		return
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	timerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	interval := c.Cadence()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-timerCtx.Done():
				return
			case <-ticker.C:
				c.RunCycle(timerCtx)
			}
		}
	}()
}

// StopPolling cancels the running poll loop, if any.
func (c *Coordinator) StopPolling() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// transition swaps ConnectionStatus and notifies listeners outside
// the lock, matching the snapshot-then-invoke idiom used by
// evaluator.Evaluator and session.Manager. offline always wins: no
// caller other than SetOffline may move the status to or from
// ConnectionOffline.
func (c *Coordinator) transition(next domain.ConnectionStatus) {
	c.mu.Lock()
	if c.userOffline && next != domain.ConnectionOffline {
		c.mu.Unlock()
		return
	}
	old := c.status
	if old == next {
		c.mu.Unlock()
		return
	}
	c.status = next
	listeners := append([]StatusListener(nil), c.listeners...)
	c.mu.Unlock()

	c.recordStatusMetric()
	for _, l := range listeners {
		l(old, next)
	}
}

func (c *Coordinator) recordStatusMetric() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetConnectionStatus(c.Status().String(), knownStatuses)
}

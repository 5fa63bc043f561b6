// Package cfclient is the host-facing facade for the feature-flag and
// experiment SDK (spec §6): configuration/user identity setup, typed
// accessors, event tracking, listener registration, and lifecycle
// control. It wires every internal component (C1-C9) together.
// Grounded on the public `Config`/`Client` surface shape in
// other_examples' configcat-go-sdk reference (a root package, not
// internal/, exposing a thin facade over an unexported engine) and on
// the teacher's singleton-with-double-checked-lock construction style
// for its process-wide collaborators.
package cfclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/customfit/cf-client-go/internal/config"
	"github.com/customfit/cf-client-go/internal/coordinator"
	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/evaluator"
	"github.com/customfit/cf-client-go/internal/events"
	"github.com/customfit/cf-client-go/internal/fetcher"
	"github.com/customfit/cf-client-go/internal/kvstore"
	"github.com/customfit/cf-client-go/internal/metrics"
	"github.com/customfit/cf-client-go/internal/resilience"
	"github.com/customfit/cf-client-go/internal/session"
	"github.com/customfit/cf-client-go/internal/summary"
	"github.com/customfit/cf-client-go/internal/transport"
	cflogger "github.com/customfit/cf-client-go/pkg/logger"
)

// Re-exported types a host needs at the call site, so importing only
// this package is enough to use the SDK.
type (
	User             = domain.CFUser
	ConnectionStatus = domain.ConnectionStatus
	AppState         = coordinator.AppState
	BatteryState     = coordinator.BatteryState
	ShutdownReport   = struct {
		SummariesFlushed int
		EventsFlushed    int
		Errors           []error
	}
)

const (
	AppForeground = coordinator.AppForeground
	AppBackground = coordinator.AppBackground
	AppInactive   = coordinator.AppInactive
)

var (
	// ErrShutdown is returned by Track, ForceRefresh, FlushEvents and
	// FlushSummaries when called after Shutdown.
	ErrShutdown = errors.New("cfclient: client has been shut down")
	// ErrAlreadyRunning is returned by New when a client for the same
	// client key is already active in this process.
	ErrAlreadyRunning = errors.New("cfclient: a client for this client key is already running")
)

// Options configures a new Client. Config is required; everything
// else defaults to a working standalone setup (in-memory KV, a real
// net/http transport, a private Prometheus registry).
type Options struct {
	Config domain.CFConfig
	User   *domain.CFUser

	Logger *slog.Logger

	// Store backs session and settings-metadata persistence.
	// Defaults to an in-memory store when nil (spec's KV contract is
	// "best effort"; a host wanting durability across restarts should
	// pass a *kvstore.RedisStore).
	Store kvstore.Store

	Transport transport.Client
}

// Client is the SDK's host-facing handle. Construct with New; always
// call Shutdown when done with it.
type Client struct {
	cfg     *config.Mutable
	logger  *slog.Logger
	metrics *metrics.Metrics

	store kvstore.Store

	session     *session.Manager
	evaluator   *evaluator.Evaluator
	summaries   *summary.Manager
	events      *events.Tracker
	fetcher     *fetcher.Fetcher
	coordinator *coordinator.Coordinator
	breaker     *resilience.CircuitBreaker

	userMu sync.RWMutex
	user   *domain.CFUser

	shutdownMu sync.Mutex
	shutdown   bool
}

var (
	instancesMu sync.Mutex
	instances   = map[string]*Client{}
)

// New constructs and starts a Client for opts.Config.ClientKey,
// running the full wiring chain (session restore, the first fetch
// cycle, and periodic timers). Uses a double-checked lock against a
// process-wide registry keyed by client key, per spec §5's singleton
// construction rule — a host that accidentally constructs two clients
// for the same key gets ErrAlreadyRunning instead of two independent
// pollers racing each other's circuit breakers.
func New(ctx context.Context, opts Options) (*Client, error) {
	key := opts.Config.ClientKey.String()

	instancesMu.Lock()
	if _, exists := instances[key]; exists {
		instancesMu.Unlock()
		return nil, ErrAlreadyRunning
	}
	instancesMu.Unlock()

	c, err := build(ctx, opts)
	if err != nil {
		return nil, err
	}

	instancesMu.Lock()
	if _, exists := instances[key]; exists {
		instancesMu.Unlock()
		c.shutdownInternal(context.Background())
		return nil, ErrAlreadyRunning
	}
	instances[key] = c
	instancesMu.Unlock()

	return c, nil
}

func build(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = cflogger.NewLogger(cflogger.Config{
			Level:  string(opts.Config.LogLevel),
			Format: "json",
			Output: "stdout",
		})
	}

	store := opts.Store
	if store == nil {
		store = kvstore.NewMemoryStore()
	}

	tr := opts.Transport
	if tr == nil {
		tr = transport.NewHTTPClient(transport.Timeouts{
			Connection: opts.Config.NetworkConnectionTimeout,
			Read:       opts.Config.NetworkReadTimeout,
		})
	}

	m := metrics.New()
	cfg := config.NewMutable(opts.Config, logger)

	user := opts.User
	if user == nil {
		user = domain.NewAnonymousUser()
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   store,
		user:    user,
	}

	sessionMgr, err := session.NewManager(ctx, domain.DefaultSessionConfig(), store, kvstore.NewMemoryStore(), logger)
	if err != nil {
		return nil, fmt.Errorf("cfclient: start session manager: %w", err)
	}
	c.session = sessionMgr

	retryPolicy := resilience.Policy{
		MaxAttempts:       opts.Config.Retry.MaxAttempts,
		InitialDelay:      opts.Config.Retry.InitialDelay,
		MaxDelay:          opts.Config.Retry.MaxDelay,
		BackoffMultiplier: opts.Config.Retry.BackoffMultiplier,
		Logger:            logger,
	}
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	c.breaker = breaker

	c.summaries = summary.New(summary.Options{
		Transport:   tr,
		Metrics:     m,
		Logger:      logger,
		ClientKey:   opts.Config.ClientKey,
		APIBaseURL:  opts.Config.APIBaseURL,
		RetryPolicy: retryPolicy,
		Breaker:     breaker,
		UserFunc:    c.currentUser,
		SessionFunc: sessionMgr.CurrentSessionID,
		Capacity:    opts.Config.SummariesQueueSize,
	})

	c.events = events.New(events.Options{
		Transport:        tr,
		Summaries:        c.summaries,
		Metrics:          m,
		Logger:           logger,
		ClientKey:        opts.Config.ClientKey,
		APIBaseURL:       opts.Config.APIBaseURL,
		RetryPolicy:      retryPolicy,
		Breaker:          breaker,
		UserFunc:         c.currentUser,
		SessionFunc:      sessionMgr.CurrentSessionID,
		Capacity:         opts.Config.EventsQueueSize,
		FlushTimeSeconds: opts.Config.EventsFlushTimeSeconds,
	})

	c.evaluator = evaluator.New(c.summaries, logger)

	c.fetcher = fetcher.New(fetcher.Options{
		Transport:       tr,
		Store:           store,
		Evaluator:       c.evaluator,
		Metrics:         m,
		Logger:          logger,
		ClientKey:       opts.Config.ClientKey,
		APIBaseURL:      opts.Config.APIBaseURL,
		SettingsBaseURL: opts.Config.SettingsBaseURL,
		RetryPolicy:     retryPolicy,
		Breaker:         breaker,
		UserFunc:        c.currentUser,
		SessionFunc:     sessionMgr.CurrentSessionID,
		OfflineFunc:     func() bool { return c.coordinator != nil && c.coordinator.IsOffline() },
	})

	c.coordinator = coordinator.New(coordinator.Options{
		Config:  cfg,
		Session: sessionMgr,
		Fetcher: c.fetcher,
		Metrics: m,
		Logger:  logger,
	})

	c.summaries.StartFlushTimer(ctx, opts.Config.SummariesFlushIntervalMs)
	c.events.StartFlushTimer(ctx, opts.Config.EventsFlushIntervalMs)

	if opts.Config.ClearDedupOnSessionRotation {
		sessionMgr.OnListener(func(e session.Event) {
			if e.Kind == session.EventRotated {
				c.summaries.ClearDedup()
			}
		})
	}

	c.coordinator.RunCycle(ctx)
	c.coordinator.RestartPolling(ctx)

	return c, nil
}

func (c *Client) currentUser() *domain.CFUser {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user
}

func (c *Client) checkShutdown() error {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	if c.shutdown {
		return ErrShutdown
	}
	return nil
}

// GetString resolves key as a string, defaulting to def on any miss
// or internal failure (spec §7: typed accessors never propagate
// errors to the caller).
func (c *Client) GetString(key, def string) string {
	if c.checkShutdown() != nil {
		return def
	}
	return c.evaluator.GetString(key, def)
}

// GetBool is GetString's boolean counterpart.
func (c *Client) GetBool(key string, def bool) bool {
	if c.checkShutdown() != nil {
		return def
	}
	return c.evaluator.GetBool(key, def)
}

// GetNumber is GetString's numeric counterpart.
func (c *Client) GetNumber(key string, def float64) float64 {
	if c.checkShutdown() != nil {
		return def
	}
	return c.evaluator.GetNumber(key, def)
}

// GetJSON is GetString's object/array counterpart.
func (c *Client) GetJSON(key string, def any) any {
	if c.checkShutdown() != nil {
		return def
	}
	return c.evaluator.GetJSON(key, def)
}

// DumpConfigMap returns a read-only snapshot of every resolved flag.
func (c *Client) DumpConfigMap() *domain.ConfigMap {
	return c.evaluator.DumpConfigMap()
}

// Track records a named event with properties (spec §6's track).
// Errors are returned for diagnostics but, per spec §7, never need to
// interrupt caller control flow.
func (c *Client) Track(name string, properties map[string]any) error {
	if err := c.checkShutdown(); err != nil {
		return err
	}
	return c.events.Track(name, properties)
}

// OnFlagChange registers a per-key listener, fired in registration
// order ahead of any OnAnyChange listener for the same change event.
func (c *Client) OnFlagChange(key string, l evaluator.KeyListener) {
	c.evaluator.OnKeyChange(key, l)
}

// OnAnyFlagChange registers an all-flags listener, fired once per
// change event after every per-key listener has run.
func (c *Client) OnAnyFlagChange(l evaluator.AllFlagsListener) {
	c.evaluator.OnAnyChange(l)
}

// OnConnectionStatusChange registers a listener for ConnectionStatus
// transitions.
func (c *Client) OnConnectionStatusChange(l coordinator.StatusListener) {
	c.coordinator.OnStatusChange(l)
}

// OnSessionEvent registers a listener for session rotation/restore/
// error events (spec §7's onSessionError, folded into the session
// manager's general listener set).
func (c *Client) OnSessionEvent(l session.Listener) {
	c.session.OnListener(l)
}

// ConnectionStatus reports the coordinator's current connection
// state.
func (c *Client) ConnectionStatus() domain.ConnectionStatus {
	return c.coordinator.Status()
}

// CurrentSessionID returns the active session identifier.
func (c *Client) CurrentSessionID() string {
	return c.session.CurrentSessionID()
}

// SetOffline toggles user-selected offline mode (spec §6). When true,
// ConnectionStatus becomes "offline" and the Fetcher/Summary/Event
// flush paths short-circuit until toggled back off.
func (c *Client) SetOffline(ctx context.Context, offline bool) {
	c.cfg.Update(func(cfg domain.CFConfig) domain.CFConfig {
		cfg.OfflineMode = offline
		return cfg
	})
	c.coordinator.SetOffline(ctx, offline)
}

// IsOffline reports the current offline_mode setting.
func (c *Client) IsOffline() bool {
	return c.coordinator.IsOffline()
}

// ForceRefresh runs an immediate fetch cycle outside the regular
// cadence (spec §6's force_refresh). Subject to the same single-
// flight join-or-proceed rule as the scheduled cycle.
func (c *Client) ForceRefresh(ctx context.Context) (fetcher.Outcome, error) {
	if err := c.checkShutdown(); err != nil {
		return fetcher.OutcomeError, err
	}
	outcome, err := c.fetcher.FetchCycle(ctx)
	if err != nil {
		c.coordinator.RunCycle(ctx)
		return outcome, err
	}
	c.coordinator.RestartPolling(ctx)
	return outcome, nil
}

// FlushEvents drains and POSTs the event queue immediately (spec §6).
func (c *Client) FlushEvents(ctx context.Context) (int, error) {
	if err := c.checkShutdown(); err != nil {
		return 0, err
	}
	return c.events.FlushEvents(ctx)
}

// FlushSummaries drains and POSTs the exposure summary queue
// immediately (spec §6).
func (c *Client) FlushSummaries(ctx context.Context) (int, error) {
	if err := c.checkShutdown(); err != nil {
		return 0, err
	}
	return c.summaries.FlushSummaries(ctx)
}

// AddUserProperty merges key=value into the current user's property
// bag (spec §6's add_user_property). CFUser is immutable, so this
// swaps in a fresh copy under the user lock.
func (c *Client) AddUserProperty(key string, value any) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	c.user = c.user.WithProperty(key, value)
}

// UpdateUser replaces the current user outright (spec §6's
// update_user), e.g. on login/logout, then relays the change to the
// session manager's OnAuthChange, which rotates the session when
// domain.SessionConfig.RotateOnAuthChange is set (it is in
// DefaultSessionConfig).
func (c *Client) UpdateUser(ctx context.Context, user *domain.CFUser) {
	c.userMu.Lock()
	c.user = user
	c.userMu.Unlock()
	c.session.OnAuthChange(ctx, user.CustomerID)
}

// OnAppForeground/OnAppBackground/OnAppInactive/OnBatteryChange/
// OnNetworkLost/OnNetworkRestored relay platform lifecycle signals to
// the Coordinator (spec §4.7/§6's platform monitor collaborators).
func (c *Client) OnAppForeground(ctx context.Context)  { c.coordinator.OnAppForeground(ctx) }
func (c *Client) OnAppBackground(ctx context.Context)  { c.coordinator.OnAppBackground(ctx) }
func (c *Client) OnAppInactive(ctx context.Context)    { c.coordinator.OnAppInactive(ctx) }
func (c *Client) OnNetworkLost(ctx context.Context)     { c.coordinator.OnNetworkLost(ctx) }
func (c *Client) OnNetworkRestored(ctx context.Context) { c.coordinator.OnNetworkRestored(ctx) }
func (c *Client) OnBatteryChange(ctx context.Context, state BatteryState) {
	c.coordinator.OnBatteryChange(ctx, state)
}

// Metrics returns the client's private Prometheus registry, for a
// host that wants to expose /metrics alongside its own.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// ResetCircuitBreaker forces the shared circuit breaker back to
// closed, discarding its failure count (spec §4.9: exposed for a host
// to call on explicit recovery, e.g. after fixing a backend outage it
// knows is resolved rather than waiting out the cooldown window).
func (c *Client) ResetCircuitBreaker() {
	c.breaker.Reset()
}

// Shutdown cancels all timers, aborts in-flight fetches, drains
// pending flushes best-effort within a bounded wait, then releases
// resources. Afterward Track, ForceRefresh, FlushEvents and
// FlushSummaries return ErrShutdown and the typed accessors return the
// caller's default; the other methods are not guarded and still reach
// the stopped components.
func (c *Client) Shutdown(ctx context.Context) ShutdownReport {
	return c.shutdownInternal(ctx)
}

func (c *Client) shutdownInternal(ctx context.Context) ShutdownReport {
	c.shutdownMu.Lock()
	if c.shutdown {
		c.shutdownMu.Unlock()
		return ShutdownReport{}
	}
	c.shutdown = true
	c.shutdownMu.Unlock()

	c.coordinator.StopPolling()
	c.summaries.StopFlushTimer()
	c.events.StopFlushTimer()

	report := ShutdownReport{}
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if n, err := c.summaries.FlushSummaries(drainCtx); err != nil {
		report.Errors = append(report.Errors, err)
	} else {
		report.SummariesFlushed = n
	}
	if n, err := c.events.FlushEvents(drainCtx); err != nil {
		report.Errors = append(report.Errors, err)
	} else {
		report.EventsFlushed = n
	}

	if err := c.store.Close(); err != nil {
		report.Errors = append(report.Errors, err)
	}

	instancesMu.Lock()
	delete(instances, c.cfg.Get().ClientKey.String())
	instancesMu.Unlock()

	return report
}

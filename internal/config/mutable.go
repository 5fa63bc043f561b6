// Package config provides the runtime-mutable CFConfig wrapper (spec
// §6 set_offline/force_refresh-style setters); the optional bootstrap
// loader lives in internal/bootstrap. Grounded on the teacher's
// internal/config.ReloadCoordinator: an atomic.Value swap plus a
// listener list, trimmed to the SDK's needs — no file watching, no
// distributed lock manager, no phased rollback, since runtime config
// changes here are host-driven method calls, not a SIGHUP file
// reread.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
)

// Listener is notified after every successful Update.
type Listener func(old, new domain.CFConfig)

// Mutable holds the live CFConfig behind an atomic pointer so readers
// never block on writers and never observe a torn struct.
type Mutable struct {
	value atomic.Value // domain.CFConfig

	mu        sync.Mutex
	listeners []Listener
	logger    *slog.Logger
}

func NewMutable(initial domain.CFConfig, logger *slog.Logger) *Mutable {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mutable{logger: logger}
	m.value.Store(initial)
	return m
}

// Get returns the current configuration snapshot.
func (m *Mutable) Get() domain.CFConfig {
	return m.value.Load().(domain.CFConfig)
}

// Update applies mutate to a copy of the current config, stores the
// result, and notifies listeners. mutate receives the config by value
// so it can freely edit fields before returning.
func (m *Mutable) Update(mutate func(cfg domain.CFConfig) domain.CFConfig) domain.CFConfig {
	old := m.Get()
	updated := mutate(old)
	m.value.Store(updated)

	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(old, updated)
	}

	m.logger.Debug("config updated",
		"client_key", updated.ClientKey.Redacted(),
		"offline_mode", updated.OfflineMode,
	)

	return updated
}

// OnChange registers a listener for future Update calls.
func (m *Mutable) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetOffline is the common case of Update used by Client.set_offline.
func (m *Mutable) SetOffline(offline bool) domain.CFConfig {
	return m.Update(func(cfg domain.CFConfig) domain.CFConfig {
		cfg.OfflineMode = offline
		return cfg
	})
}

// SetEventsFlushIntervalMs validates intervalMs > 0 and applies it
// (spec §4.1: interval fields reject non-positive values rather than
// silently degrading into a tight poll loop or a flush that never
// fires).
func (m *Mutable) SetEventsFlushIntervalMs(interval time.Duration) (domain.CFConfig, error) {
	if interval <= 0 {
		return m.Get(), fmt.Errorf("config: events flush interval must be positive, got %s", interval)
	}
	return m.Update(func(cfg domain.CFConfig) domain.CFConfig {
		cfg.EventsFlushIntervalMs = interval
		return cfg
	}), nil
}

// SetSummariesFlushIntervalMs is SetEventsFlushIntervalMs's summary
// counterpart.
func (m *Mutable) SetSummariesFlushIntervalMs(interval time.Duration) (domain.CFConfig, error) {
	if interval <= 0 {
		return m.Get(), fmt.Errorf("config: summaries flush interval must be positive, got %s", interval)
	}
	return m.Update(func(cfg domain.CFConfig) domain.CFConfig {
		cfg.SummariesFlushIntervalMs = interval
		return cfg
	}), nil
}

// SetSDKSettingsCheckIntervalMs validates intervalMs > 0 before
// applying it. The Coordinator reads this field on every restarted
// timer, so a zero or negative value would otherwise busy-loop the
// poller.
func (m *Mutable) SetSDKSettingsCheckIntervalMs(interval time.Duration) (domain.CFConfig, error) {
	if interval <= 0 {
		return m.Get(), fmt.Errorf("config: SDK settings check interval must be positive, got %s", interval)
	}
	return m.Update(func(cfg domain.CFConfig) domain.CFConfig {
		cfg.SDKSettingsCheckIntervalMs = interval
		return cfg
	}), nil
}

// SetLogLevel validates level against domain.ValidLogLevel's allowed
// set before applying it (spec §4.1).
func (m *Mutable) SetLogLevel(level domain.LogLevel) (domain.CFConfig, error) {
	if !domain.ValidLogLevel(level) {
		return m.Get(), fmt.Errorf("config: invalid log level %q", level)
	}
	return m.Update(func(cfg domain.CFConfig) domain.CFConfig {
		cfg.LogLevel = level
		return cfg
	}), nil
}

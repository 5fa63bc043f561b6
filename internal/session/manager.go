// Package session implements the Session Manager (spec §4.2 C4):
// time/restart/background/auth-driven rotation of the current
// session identifier, persisted through internal/kvstore. Grounded on
// the teacher's internal/config.ReloadCoordinator for the
// atomic-current-value-plus-listener-notification shape, generalized
// from config hot-reload to session rotation.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/kvstore"
)

const (
	keyCurrentSession    = "cf_current_session"
	keyLastAppStart      = "cf_last_app_start"
	keyBackgroundTimestamp = "cf_background_timestamp"
)

// EventKind distinguishes which listener set to notify.
type EventKind int

const (
	EventRotated EventKind = iota
	EventRestored
	EventError
)

// Event is delivered to listeners on rotation, restore, or a KV
// failure touching session state.
type Event struct {
	Kind    EventKind
	Session domain.SessionData
	Err     error
}

type Listener func(Event)

// Manager owns the current session id. durable persists SessionData
// and last-app-start across restarts; ephemeral persists only the
// background timestamp, which spec §4.2 scopes to the memory tier.
type Manager struct {
	mu sync.Mutex

	cfg       domain.SessionConfig
	durable   kvstore.Store
	ephemeral kvstore.Store
	logger    *slog.Logger
	nowFunc   func() time.Time

	current domain.SessionData

	listeners []Listener
}

// NewManager constructs the manager and runs the initialization
// algorithm from spec §4.2 immediately.
func NewManager(ctx context.Context, cfg domain.SessionConfig, durable, ephemeral kvstore.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ephemeral == nil {
		ephemeral = kvstore.NewMemoryStore()
	}
	m := &Manager{
		cfg:       cfg,
		durable:   durable,
		ephemeral: ephemeral,
		logger:    logger,
		nowFunc:   time.Now,
	}
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) now() time.Time { return m.nowFunc() }

// initialize runs once at construction: §4.2 steps 1-2.
func (m *Manager) initialize(ctx context.Context) error {
	now := m.now()

	lastStart, hasLastStart := m.readLastAppStart(ctx)

	if !hasLastStart || (m.cfg.RotateOnAppRestart && now.Sub(lastStart) > m.cfg.MinSessionDuration) {
		m.rotate(ctx, domain.RotationAppStart, now)
		m.writeLastAppStart(ctx, now)
		return nil
	}

	persisted, ok := m.readPersistedSession(ctx)
	if !ok {
		m.rotate(ctx, domain.RotationAppStart, now)
		m.writeLastAppStart(ctx, now)
		return nil
	}

	valid := now.Sub(persisted.CreatedAt) < m.cfg.MaxSessionDuration &&
		now.Sub(persisted.LastActiveAt) < m.cfg.BackgroundThreshold
	if !valid {
		m.rotate(ctx, domain.RotationAppStart, now)
		m.writeLastAppStart(ctx, now)
		return nil
	}

	persisted.LastActiveAt = now
	m.current = persisted
	if err := m.persistCurrent(ctx); err != nil {
		m.emit(Event{Kind: EventError, Err: err})
	}
	m.emit(Event{Kind: EventRestored, Session: persisted})
	return nil
}

// CurrentSessionID returns the active session identifier.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.SessionID
}

// UpdateActivity advances last_active_at, rotating first if the
// session has exceeded its max duration (spec §4.2 runtime rule 1).
func (m *Manager) UpdateActivity(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cfg.EnableTimeBasedRotation && now.Sub(m.current.CreatedAt) >= m.cfg.MaxSessionDuration {
		m.rotateLocked(ctx, domain.RotationMaxDurationExceeded, now)
		return
	}
	m.current.LastActiveAt = now
	if err := m.persistCurrent(ctx); err != nil {
		m.emitLocked(Event{Kind: EventError, Err: err})
	}
}

// OnBackground records the moment the app left the foreground.
func (m *Manager) OnBackground(ctx context.Context) {
	now := m.now()
	buf, _ := json.Marshal(now.UnixMilli())
	if err := m.ephemeral.Set(ctx, keyBackgroundTimestamp, buf, m.cfg.BackgroundTimestampTTL); err != nil {
		m.emit(Event{Kind: EventError, Err: fmt.Errorf("persist background timestamp: %w", err)})
	}
}

// OnForeground rotates on a background timeout, else just bumps
// activity (spec §4.2 runtime rule 2).
func (m *Manager) OnForeground(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := m.ephemeral.Get(ctx, keyBackgroundTimestamp)
	if err != nil {
		m.current.LastActiveAt = m.now()
		if perr := m.persistCurrent(ctx); perr != nil {
			m.emitLocked(Event{Kind: EventError, Err: perr})
		}
		return
	}

	var backgroundedAtMs int64
	if err := json.Unmarshal(raw, &backgroundedAtMs); err != nil {
		m.current.LastActiveAt = m.now()
		if perr := m.persistCurrent(ctx); perr != nil {
			m.emitLocked(Event{Kind: EventError, Err: perr})
		}
		return
	}

	now := m.now()
	backgroundedAt := time.UnixMilli(backgroundedAtMs)
	if now.Sub(backgroundedAt) > m.cfg.BackgroundThreshold {
		m.rotateLocked(ctx, domain.RotationBackgroundTimeout, now)
		return
	}
	m.current.LastActiveAt = now
	if perr := m.persistCurrent(ctx); perr != nil {
		m.emitLocked(Event{Kind: EventError, Err: perr})
	}
}

// OnAuthChange rotates the session if configured to do so on identity
// changes. userID is accepted for parity with spec §4.2's signature
// but does not otherwise affect rotation.
func (m *Manager) OnAuthChange(ctx context.Context, userID string) {
	if !m.cfg.RotateOnAuthChange {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked(ctx, domain.RotationAuthChange, m.now())
}

// OnNetworkChange is a no-op for the session manager itself; the
// Coordinator (C9) relays network events here for symmetry with
// on_foreground/on_background, but rotation policy has no network
// trigger per spec §4.2.
func (m *Manager) OnNetworkChange(context.Context) {}

// ForceRotation rotates unconditionally with reason MANUAL_ROTATION.
func (m *Manager) ForceRotation(ctx context.Context) domain.SessionData {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked(ctx, domain.RotationManual, m.now())
	return m.current
}

// OnListener registers l for session rotation/restore/error events.
func (m *Manager) OnListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) rotate(ctx context.Context, reason domain.RotationReason, now time.Time) {
	m.mu.Lock()
	m.rotateLocked(ctx, reason, now)
	m.mu.Unlock()
}

func (m *Manager) rotateLocked(ctx context.Context, reason domain.RotationReason, now time.Time) {
	id, err := newSessionID(m.cfg.Prefix, now)
	if err != nil {
		m.emitLocked(Event{Kind: EventError, Err: fmt.Errorf("generate session id: %w", err)})
		return
	}
	m.current = domain.SessionData{
		SessionID:      id,
		CreatedAt:      now,
		LastActiveAt:   now,
		AppStartTime:   now,
		RotationReason: reason,
	}
	if perr := m.persistCurrent(ctx); perr != nil {
		m.emitLocked(Event{Kind: EventError, Err: perr})
	}
	m.emitLocked(Event{Kind: EventRotated, Session: m.current})
}

func (m *Manager) emit(e Event) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

// emitLocked snapshots listeners while the lock is held but invokes
// them after releasing, per spec §4.2's "listener dispatch must not
// happen while holding the lock" rule. Callers already hold m.mu, so
// this unlocks, invokes, then re-locks to preserve the caller's
// locked-on-return contract.
func (m *Manager) emitLocked(e Event) {
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
	m.mu.Lock()
}

// persistCurrent writes m.current to the durable store. It never
// touches m.mu or emits listener events itself — callers hold the
// lock in every call site, so they report failures through
// emitLocked (or emit, if called before the manager is shared)
// themselves to keep lock discipline in one place.
func (m *Manager) persistCurrent(ctx context.Context) error {
	data, err := json.Marshal(m.current)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if m.durable == nil {
		return nil
	}
	if err := m.durable.Set(ctx, keyCurrentSession, data, m.cfg.SessionTTL); err != nil {
		m.logger.Warn("failed to persist session", "error", err)
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (m *Manager) readPersistedSession(ctx context.Context) (domain.SessionData, bool) {
	if m.durable == nil {
		return domain.SessionData{}, false
	}
	raw, err := m.durable.Get(ctx, keyCurrentSession)
	if err != nil {
		return domain.SessionData{}, false
	}
	var data domain.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.SessionData{}, false
	}
	return data, true
}

func (m *Manager) readLastAppStart(ctx context.Context) (time.Time, bool) {
	if m.durable == nil {
		return time.Time{}, false
	}
	raw, err := m.durable.Get(ctx, keyLastAppStart)
	if err != nil {
		return time.Time{}, false
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (m *Manager) writeLastAppStart(ctx context.Context, t time.Time) {
	if m.durable == nil {
		return
	}
	buf, _ := json.Marshal(t.UnixMilli())
	if err := m.durable.Set(ctx, keyLastAppStart, buf, m.cfg.LastAppStartTTL); err != nil {
		m.logger.Warn("failed to persist last app start", "error", err)
	}
}

func newSessionID(prefix string, now time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), hex.EncodeToString(buf)), nil
}

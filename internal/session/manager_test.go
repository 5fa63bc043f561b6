package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() domain.SessionConfig {
	cfg := domain.DefaultSessionConfig()
	cfg.MinSessionDuration = 300 * time.Second
	cfg.MaxSessionDuration = time.Hour
	cfg.BackgroundThreshold = 15 * time.Minute
	return cfg
}

func setManagerClock(m *Manager, t time.Time) {
	m.nowFunc = func() time.Time { return t }
}

// TestColdStart_RestoresCachedSession matches spec §8 scenario 1.
func TestColdStart_RestoresCachedSession(t *testing.T) {
	durable := kvstore.NewMemoryStore()
	ctx := context.Background()

	createdAt := time.UnixMilli(1700000000000)
	lastActive := time.UnixMilli(1700000060000)
	session := domain.SessionData{
		SessionID:    "cf_session_1700000000000_abcd1234",
		CreatedAt:    createdAt,
		LastActiveAt: lastActive,
		AppStartTime: createdAt,
	}
	sessionBytes, err := json.Marshal(session)
	require.NoError(t, err)
	require.NoError(t, durable.Set(ctx, keyCurrentSession, sessionBytes, 0))

	lastStartBytes, err := json.Marshal(createdAt.UnixMilli())
	require.NoError(t, err)
	require.NoError(t, durable.Set(ctx, keyLastAppStart, lastStartBytes, 0))

	cfg := testConfig()

	var restoredID string
	restoredCount := 0

	clock := time.UnixMilli(1700000120000)
	m := &Manager{
		cfg:       cfg,
		durable:   durable,
		ephemeral: kvstore.NewMemoryStore(),
		logger:    nil,
		nowFunc:   func() time.Time { return clock },
	}
	m.logger = discardLogger()
	m.OnListener(func(e Event) {
		if e.Kind == EventRestored {
			restoredCount++
			restoredID = e.Session.SessionID
		}
	})
	require.NoError(t, m.initialize(ctx))

	assert.Equal(t, 1, restoredCount)
	assert.Equal(t, "cf_session_1700000000000_abcd1234", restoredID)
	assert.Equal(t, clock, m.current.LastActiveAt)
	assert.Equal(t, "cf_session_1700000000000_abcd1234", m.CurrentSessionID())
}

func TestInitialize_NoPersistedStateRotatesAppStart(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, testConfig(), kvstore.NewMemoryStore(), nil, discardLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, m.CurrentSessionID())
}

func TestUpdateActivity_RotatesAfterMaxDuration(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	m, err := NewManager(ctx, cfg, kvstore.NewMemoryStore(), nil, discardLogger())
	require.NoError(t, err)

	firstID := m.CurrentSessionID()
	setManagerClock(m, m.current.CreatedAt.Add(cfg.MaxSessionDuration+time.Second))

	var rotatedReason domain.RotationReason
	m.OnListener(func(e Event) {
		if e.Kind == EventRotated {
			rotatedReason = e.Session.RotationReason
		}
	})

	m.UpdateActivity(ctx)
	assert.NotEqual(t, firstID, m.CurrentSessionID())
	assert.Equal(t, domain.RotationMaxDurationExceeded, rotatedReason)
}

func TestOnForeground_BackgroundTimeoutRotates(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	m, err := NewManager(ctx, cfg, kvstore.NewMemoryStore(), nil, discardLogger())
	require.NoError(t, err)
	firstID := m.CurrentSessionID()

	m.OnBackground(ctx)
	setManagerClock(m, m.current.LastActiveAt.Add(cfg.BackgroundThreshold+time.Second))
	m.OnForeground(ctx)

	assert.NotEqual(t, firstID, m.CurrentSessionID())
}

func TestOnForeground_ExactlyAtThresholdDoesNotRotate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	m, err := NewManager(ctx, cfg, kvstore.NewMemoryStore(), nil, discardLogger())
	require.NoError(t, err)
	firstID := m.CurrentSessionID()

	// OnBackground stores whole milliseconds, so pin its clock to a
	// millisecond-aligned instant to make the gap exactly the threshold.
	backgroundedAt := time.UnixMilli(m.current.LastActiveAt.UnixMilli())
	setManagerClock(m, backgroundedAt)
	m.OnBackground(ctx)
	setManagerClock(m, backgroundedAt.Add(cfg.BackgroundThreshold))
	m.OnForeground(ctx)

	assert.Equal(t, firstID, m.CurrentSessionID())
}

func TestOnAuthChange_Rotates(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, testConfig(), kvstore.NewMemoryStore(), nil, discardLogger())
	require.NoError(t, err)
	firstID := m.CurrentSessionID()

	m.OnAuthChange(ctx, "new-user")
	assert.NotEqual(t, firstID, m.CurrentSessionID())
}

func TestForceRotation_AlwaysRotates(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, testConfig(), kvstore.NewMemoryStore(), nil, discardLogger())
	require.NoError(t, err)
	firstID := m.CurrentSessionID()

	data := m.ForceRotation(ctx)
	assert.NotEqual(t, firstID, data.SessionID)
	assert.Equal(t, domain.RotationManual, data.RotationReason)
}

func TestSessionIDFormat(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Prefix = "cf_session"
	m, err := NewManager(ctx, cfg, kvstore.NewMemoryStore(), nil, discardLogger())
	require.NoError(t, err)
	assert.Regexp(t, `^cf_session_\d+_[0-9a-f]{8}$`, m.CurrentSessionID())
}

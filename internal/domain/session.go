package domain

import "time"

// RotationReason records why a session was replaced, per spec §4.2.
type RotationReason string

const (
	RotationAppStart            RotationReason = "APP_START"
	RotationMaxDurationExceeded RotationReason = "MAX_DURATION_EXCEEDED"
	RotationBackgroundTimeout   RotationReason = "BACKGROUND_TIMEOUT"
	RotationAuthChange          RotationReason = "AUTH_CHANGE"
	RotationManual              RotationReason = "MANUAL_ROTATION"
)

// SessionData is the persisted record of the current session.
// Invariant: CreatedAt <= LastActiveAt (enforced by the session
// manager, never by this type).
type SessionData struct {
	SessionID      string         `json:"session_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActiveAt   time.Time      `json:"last_active_at"`
	AppStartTime   time.Time      `json:"app_start_time"`
	RotationReason RotationReason `json:"rotation_reason,omitempty"`
}

// SessionConfig tunes the session manager's rotation thresholds (spec
// §4.2). These are rotation-policy knobs rather than transport/queue
// settings, so they live alongside SessionData instead of CFConfig.
type SessionConfig struct {
	Prefix string

	MinSessionDuration time.Duration
	MaxSessionDuration time.Duration
	BackgroundThreshold time.Duration

	RotateOnAppRestart    bool
	EnableTimeBasedRotation bool
	RotateOnAuthChange    bool

	SessionTTL        time.Duration
	LastAppStartTTL   time.Duration
	BackgroundTimestampTTL time.Duration
}

// DefaultSessionConfig matches the values spec §4.2/§8 scenario 1
// exercises.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Prefix: "cf_session",

		MinSessionDuration:  300 * time.Second,
		MaxSessionDuration:  60 * time.Minute,
		BackgroundThreshold: 15 * time.Minute,

		RotateOnAppRestart:      true,
		EnableTimeBasedRotation: true,
		RotateOnAuthChange:      true,

		SessionTTL:             30 * 24 * time.Hour,
		LastAppStartTTL:        365 * 24 * time.Hour,
		BackgroundTimestampTTL: 24 * time.Hour,
	}
}

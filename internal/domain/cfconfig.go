package domain

import "time"

// LogLevel mirrors slog's levels as an allowed-set string, so
// config.Mutable's SetLogLevel setter can validate against a fixed
// vocabulary (spec §4.1).
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ValidLogLevel reports whether level is one of the allowed values.
func ValidLogLevel(level LogLevel) bool {
	switch level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// RetryPolicyConfig is the retry tuning carried inside CFConfig (spec
// §3): max attempts, initial/max delay, and a backoff multiplier that
// must be >= 1.
type RetryPolicyConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// CFConfig is the immutable configuration record. Host code never
// mutates a CFConfig directly — it goes through the config.Mutable
// wrapper in internal/config, which stores a fresh CFConfig atomically
// and notifies listeners (spec §4.1).
type CFConfig struct {
	ClientKey ClientKey

	EventsQueueSize          int
	EventsFlushIntervalMs    time.Duration
	EventsFlushTimeSeconds   time.Duration
	SummariesQueueSize       int
	SummariesFlushIntervalMs time.Duration

	SDKSettingsCheckIntervalMs time.Duration
	BackgroundPollingIntervalMs time.Duration
	ReducedPollingIntervalMs    time.Duration
	UseReducedPollingWhenBatteryLow bool
	DisableBackgroundPolling        bool

	NetworkConnectionTimeout time.Duration
	NetworkReadTimeout       time.Duration

	Retry RetryPolicyConfig

	OfflineMode bool

	MaxStoredEvents int

	LogLevel LogLevel

	AutoEnvAttributesEnabled bool

	// ClearDedupOnSessionRotation controls whether the summary
	// manager's dedup set is cleared when the session rotates. The
	// spec leaves this ambiguous and recommends exposing it as a
	// knob defaulting to "never clear" (see DESIGN.md Open Questions).
	ClearDedupOnSessionRotation bool

	APIBaseURL      string
	SettingsBaseURL string
}

// DefaultCFConfig returns sensible defaults, analogous to the
// teacher's DefaultRetryPolicy helper.
func DefaultCFConfig(clientKey string) CFConfig {
	return CFConfig{
		ClientKey: ParseClientKey(clientKey),

		EventsQueueSize:        10000,
		EventsFlushIntervalMs:  30 * time.Second,
		EventsFlushTimeSeconds: 60 * time.Second,

		SummariesQueueSize:       10000,
		SummariesFlushIntervalMs: 30 * time.Second,

		SDKSettingsCheckIntervalMs:      5 * time.Minute,
		BackgroundPollingIntervalMs:     15 * time.Minute,
		ReducedPollingIntervalMs:        30 * time.Minute,
		UseReducedPollingWhenBatteryLow: true,

		NetworkConnectionTimeout: 10 * time.Second,
		NetworkReadTimeout:       10 * time.Second,

		Retry: RetryPolicyConfig{
			MaxAttempts:       3,
			InitialDelay:      100 * time.Millisecond,
			MaxDelay:          1 * time.Second,
			BackoffMultiplier: 2.0,
		},

		MaxStoredEvents: 10000,
		LogLevel:        LogLevelInfo,

		AutoEnvAttributesEnabled: true,

		APIBaseURL:      "https://api.customfit.ai",
		SettingsBaseURL: "https://sdk.customfit.ai",
	}
}

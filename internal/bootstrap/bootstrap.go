// Package bootstrap builds an initial domain.CFConfig from
// environment variables and an optional YAML file, for hosts that
// prefer external configuration over constructing CFConfig in code.
// Grounded on the teacher's internal/config.LoadConfig: viper with
// AutomaticEnv, a CF_-prefixed env key replacer, and SetDefault calls
// seeded from domain.DefaultCFConfig.
package bootstrap

import (
	"errors"
	"os"
	"strings"

	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/spf13/viper"
)

// Options controls where bootstrap looks for configuration.
type Options struct {
	// ConfigPath, if non-empty, is read as a YAML file layered under
	// env vars and defaults.
	ConfigPath string

	// EnvPrefix is prepended to every env var lookup, e.g. "CFCLIENT"
	// turns "client_key" into "CFCLIENT_CLIENT_KEY".
	EnvPrefix string
}

// Load builds a CFConfig for clientKey, applying defaults, then an
// optional config file, then environment overrides (highest
// precedence), mirroring the teacher's layering order.
func Load(clientKey string, opts Options) (domain.CFConfig, error) {
	v := viper.New()

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = "CFCLIENT"
	}
	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := domain.DefaultCFConfig(clientKey)
	seedDefaults(v, defaults)

	if opts.ConfigPath != "" {
		v.SetConfigFile(opts.ConfigPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return domain.CFConfig{}, err
			}
		}
	}

	cfg := defaults
	cfg.ClientKey = domain.ParseClientKey(v.GetString("client_key"))
	cfg.OfflineMode = v.GetBool("offline_mode")
	cfg.EventsQueueSize = v.GetInt("events_queue_size")
	cfg.SummariesQueueSize = v.GetInt("summaries_queue_size")
	cfg.MaxStoredEvents = v.GetInt("max_stored_events")
	cfg.AutoEnvAttributesEnabled = v.GetBool("auto_env_attributes_enabled")
	cfg.ClearDedupOnSessionRotation = v.GetBool("clear_dedup_on_session_rotation")
	cfg.LogLevel = domain.LogLevel(v.GetString("log_level"))
	cfg.APIBaseURL = v.GetString("api_base_url")
	cfg.SettingsBaseURL = v.GetString("settings_base_url")

	if ms := v.GetDuration("sdk_settings_check_interval_ms"); ms > 0 {
		cfg.SDKSettingsCheckIntervalMs = ms
	}
	if ms := v.GetDuration("background_polling_interval_ms"); ms > 0 {
		cfg.BackgroundPollingIntervalMs = ms
	}
	if ms := v.GetDuration("reduced_polling_interval_ms"); ms > 0 {
		cfg.ReducedPollingIntervalMs = ms
	}

	if !domain.ValidLogLevel(cfg.LogLevel) {
		cfg.LogLevel = domain.LogLevelInfo
	}

	return cfg, nil
}

// seedDefaults registers every CFConfig default with viper so an
// unset env var or file key falls back to domain.DefaultCFConfig's
// value rather than a Go zero value.
func seedDefaults(v *viper.Viper, d domain.CFConfig) {
	v.SetDefault("client_key", d.ClientKey.String())
	v.SetDefault("offline_mode", d.OfflineMode)
	v.SetDefault("events_queue_size", d.EventsQueueSize)
	v.SetDefault("summaries_queue_size", d.SummariesQueueSize)
	v.SetDefault("max_stored_events", d.MaxStoredEvents)
	v.SetDefault("auto_env_attributes_enabled", d.AutoEnvAttributesEnabled)
	v.SetDefault("clear_dedup_on_session_rotation", d.ClearDedupOnSessionRotation)
	v.SetDefault("log_level", string(d.LogLevel))
	v.SetDefault("api_base_url", d.APIBaseURL)
	v.SetDefault("settings_base_url", d.SettingsBaseURL)
	v.SetDefault("sdk_settings_check_interval_ms", d.SDKSettingsCheckIntervalMs)
	v.SetDefault("background_polling_interval_ms", d.BackgroundPollingIntervalMs)
	v.SetDefault("reduced_polling_interval_ms", d.ReducedPollingIntervalMs)
}

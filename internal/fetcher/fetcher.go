// Package fetcher implements the Config Fetcher (spec §4.3 C5): a
// two-tier HEAD/GET settings poll followed by a conditional POST for
// user configs, normalizing the response into the evaluator's
// ConfigMap. Grounded on internal/resilience for retry/circuit
// breaker wrapping and internal/transport for the HTTP boundary; the
// JSON normalization step (flatten experience_behaviour_response,
// drop nulls) follows the "parse loosely, normalize explicitly"
// technique the teacher used for inbound alert payloads.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/evaluator"
	"github.com/customfit/cf-client-go/internal/kvstore"
	"github.com/customfit/cf-client-go/internal/metrics"
	"github.com/customfit/cf-client-go/internal/resilience"
	"github.com/customfit/cf-client-go/internal/transport"
	"github.com/customfit/cf-client-go/pkg/logger"
)

// Outcome classifies how a fetch cycle concluded.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeChanged   Outcome = "changed"
	OutcomeNoSettings Outcome = "no_settings"
	OutcomeError     Outcome = "error"
)

const settingsMetaKey = "cf_settings_meta"

// settingsMeta is persisted across cycles so a restart still sends
// conditional headers on the first poll.
type settingsMeta struct {
	LastModified string    `json:"last_modified"`
	ETag         string    `json:"etag"`
	Timestamp    time.Time `json:"timestamp"`
}

type fetchResult struct {
	outcome Outcome
	err     error
}

// Fetcher owns the single-flight gate, settings metadata, and the
// conditional poll/POST sequence. Construct with New.
type Fetcher struct {
	transport transport.Client
	store     kvstore.Store
	evaluator *evaluator.Evaluator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	clientKey       domain.ClientKey
	apiBaseURL      string
	settingsBaseURL string
	sdkVersion      string

	retryPolicy resilience.Policy
	breaker     *resilience.CircuitBreaker

	userFunc    func() *domain.CFUser
	sessionFunc func() string
	offlineFunc func() bool

	mu       sync.Mutex
	inFlight bool
	waiters  []chan fetchResult

	lastSettings atomic.Value // domain.SDKSettings
}

// Options bundles Fetcher's dependencies.
type Options struct {
	Transport       transport.Client
	Store           kvstore.Store
	Evaluator       *evaluator.Evaluator
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	ClientKey       domain.ClientKey
	APIBaseURL      string
	SettingsBaseURL string
	SDKVersion      string
	RetryPolicy     resilience.Policy
	Breaker         *resilience.CircuitBreaker
	UserFunc        func() *domain.CFUser
	SessionFunc     func() string
	OfflineFunc     func() bool
}

// New builds a Fetcher from opts, defaulting Logger and Breaker if
// unset.
func New(opts Options) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Fetcher{
		transport:       opts.Transport,
		store:           opts.Store,
		evaluator:       opts.Evaluator,
		metrics:         opts.Metrics,
		logger:          logger,
		clientKey:       opts.ClientKey,
		apiBaseURL:      opts.APIBaseURL,
		settingsBaseURL: opts.SettingsBaseURL,
		sdkVersion:      opts.SDKVersion,
		retryPolicy:     opts.RetryPolicy,
		breaker:         breaker,
		userFunc:        opts.UserFunc,
		sessionFunc:     opts.SessionFunc,
		offlineFunc:     opts.OfflineFunc,
	}
}

// LastSettings returns the most recently observed SDK settings body,
// or the zero value if a GET with a body has never completed.
func (f *Fetcher) LastSettings() domain.SDKSettings {
	v := f.lastSettings.Load()
	if v == nil {
		return domain.SDKSettings{}
	}
	return v.(domain.SDKSettings)
}

// FetchCycle runs one poll-then-fetch pass, per spec §4.3. A second
// caller arriving while one is already in flight waits up to 5s for
// it to finish and reuses its result; past that window it proceeds
// with its own independent cycle.
func (f *Fetcher) FetchCycle(ctx context.Context) (Outcome, error) {
	if f.offlineFunc != nil && f.offlineFunc() {
		return OutcomeSkipped, nil
	}

	f.mu.Lock()
	if f.inFlight {
		ch := make(chan fetchResult, 1)
		f.waiters = append(f.waiters, ch)
		f.mu.Unlock()

		select {
		case res := <-ch:
			return res.outcome, res.err
		case <-ctx.Done():
			return OutcomeError, ctx.Err()
		case <-time.After(5 * time.Second):
			return f.runCycle(ctx, false)
		}
	}
	f.inFlight = true
	f.mu.Unlock()
	return f.runCycle(ctx, true)
}

func (f *Fetcher) runCycle(ctx context.Context, owner bool) (Outcome, error) {
	outer, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	outcome, err := f.doFetch(outer)
	if f.metrics != nil {
		f.metrics.FetchDurationSeconds.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
		f.metrics.FetchCyclesTotal.WithLabelValues(string(outcome)).Inc()
	}

	if owner {
		f.mu.Lock()
		f.inFlight = false
		waiters := f.waiters
		f.waiters = nil
		f.mu.Unlock()
		for _, w := range waiters {
			w <- fetchResult{outcome: outcome, err: err}
		}
	}
	return outcome, err
}

func (f *Fetcher) doFetch(ctx context.Context) (Outcome, error) {
	ctx = logger.WithFetchID(ctx, logger.GenerateFetchID())
	meta := f.readSettingsMeta(ctx)

	changed, newMeta, noSettings, err := f.checkSettings(ctx, meta)
	if err != nil {
		return OutcomeError, err
	}
	if noSettings {
		return OutcomeNoSettings, nil
	}
	if !changed {
		return OutcomeUnchanged, nil
	}

	outcome, err := f.fetchUserConfigs(ctx, meta)
	if err != nil {
		return OutcomeError, err
	}
	if outcome == OutcomeChanged {
		f.writeSettingsMeta(ctx, newMeta)
	}
	return outcome, nil
}

// checkSettings implements spec §4.3 step 2: HEAD first, falling
// back to GET on failure or a non-2xx/non-404 status.
func (f *Fetcher) checkSettings(ctx context.Context, meta settingsMeta) (changed bool, newMeta settingsMeta, noSettings bool, err error) {
	url := f.settingsURL()
	headers := conditionalHeaders(meta)

	resp, herr := f.call(ctx, func() (*transport.Response, error) {
		return f.transport.Head(ctx, url, headers)
	})

	if herr == nil {
		switch {
		case is2xx(resp.Status):
			candidate := metaFromHeaders(resp.Headers)
			if candidate.LastModified == meta.LastModified && candidate.ETag == meta.ETag {
				return false, meta, false, nil
			}
			return true, candidate, false, nil
		case resp.Status == http.StatusNotFound:
			return false, meta, true, nil
		}
	}

	resp, gerr := f.call(ctx, func() (*transport.Response, error) {
		return f.transport.Get(ctx, url, headers)
	})
	if gerr != nil {
		return false, meta, false, gerr
	}

	switch {
	case resp.Status == http.StatusNotFound:
		return false, meta, true, nil
	case resp.Status == http.StatusNotModified:
		return false, meta, false, nil
	case is2xx(resp.Status):
		candidate := metaFromHeaders(resp.Headers)
		f.storeSettingsBody(ctx, resp.Body)
		return true, candidate, false, nil
	default:
		return false, meta, false, fmt.Errorf("unexpected settings status %d", resp.Status)
	}
}

func (f *Fetcher) storeSettingsBody(ctx context.Context, body []byte) {
	if len(body) == 0 {
		return
	}
	var s domain.SDKSettings
	if err := json.Unmarshal(body, &s); err != nil {
		logger.FromContext(ctx, f.logger).Warn("failed to parse settings body", "error", err)
		return
	}
	f.lastSettings.Store(s)
}

// fetchUserConfigs implements spec §4.3 step 3.
func (f *Fetcher) fetchUserConfigs(ctx context.Context, meta settingsMeta) (Outcome, error) {
	url := f.userConfigsURL()

	var user *domain.CFUser
	if f.userFunc != nil {
		user = f.userFunc()
	}
	if user == nil {
		user = domain.NewAnonymousUser()
	}

	body, err := json.Marshal(map[string]any{
		"user":                        user.ToWireMap(),
		"include_only_features_flags": true,
	})
	if err != nil {
		return OutcomeError, fmt.Errorf("encode user configs request: %w", err)
	}

	headers := map[string]string{}
	if meta.LastModified != "" {
		headers["If-Modified-Since"] = meta.LastModified
	}

	resp, err := f.call(ctx, func() (*transport.Response, error) {
		return f.transport.Post(ctx, url, body, headers)
	})
	if err != nil {
		return OutcomeError, err
	}

	switch {
	case resp.Status == http.StatusNotModified:
		return OutcomeUnchanged, nil
	case !is2xx(resp.Status):
		return OutcomeError, fmt.Errorf("user configs fetch failed: status %d", resp.Status)
	case len(resp.Body) == 0:
		return OutcomeError, fmt.Errorf("user configs response had an empty body")
	}

	configMap, err := parseConfigs(resp.Body, f.logger)
	if err != nil {
		return OutcomeError, err
	}
	f.evaluator.Replace(configMap)
	return OutcomeChanged, nil
}

// call runs op once per retry attempt, with the circuit breaker
// gating each individual attempt: other failures go through
// WithRetry's backoff/attempt-count policy, while a breaker-open
// rejection makes WithRetry return ErrCircuitOpen at once with no
// further attempts (spec §4.9, "the breaker wraps all outbound HTTP").
func (f *Fetcher) call(ctx context.Context, op func() (*transport.Response, error)) (*transport.Response, error) {
	var resp *transport.Response
	err := resilience.WithRetry(ctx, f.retryPolicy, func() error {
		return f.breaker.Execute(func() error {
			r, err := op()
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	})
	return resp, err
}

func (f *Fetcher) settingsURL() string {
	return fmt.Sprintf("%s/%s/cf-sdk-settings.json", f.settingsBaseURL, f.clientKey.DimensionID())
}

func (f *Fetcher) userConfigsURL() string {
	return fmt.Sprintf("%s/users/configs?cfenc=%s", f.apiBaseURL, f.clientKey.String())
}

func (f *Fetcher) readSettingsMeta(ctx context.Context) settingsMeta {
	if f.store == nil {
		return settingsMeta{}
	}
	raw, err := f.store.Get(ctx, settingsMetaKey)
	if err != nil {
		return settingsMeta{}
	}
	var meta settingsMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return settingsMeta{}
	}
	return meta
}

func (f *Fetcher) writeSettingsMeta(ctx context.Context, meta settingsMeta) {
	if f.store == nil {
		return
	}
	meta.Timestamp = time.Now()
	buf, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := f.store.Set(ctx, settingsMetaKey, buf, 0); err != nil {
		logger.FromContext(ctx, f.logger).Warn("failed to persist settings metadata", "error", err)
	}
}

func conditionalHeaders(meta settingsMeta) map[string]string {
	h := map[string]string{}
	if meta.ETag != "" {
		h["If-None-Match"] = meta.ETag
	}
	if meta.LastModified != "" {
		h["If-Modified-Since"] = meta.LastModified
	}
	return h
}

func metaFromHeaders(h http.Header) settingsMeta {
	return settingsMeta{LastModified: h.Get("Last-Modified"), ETag: h.Get("ETag")}
}

func is2xx(status int) bool { return status >= 200 && status < 300 }

// parseConfigs decodes the `{"configs": {...}}` envelope and
// normalizes every entry per spec §4.3 step 3.
func parseConfigs(raw []byte, logger *slog.Logger) (*domain.ConfigMap, error) {
	var wire struct {
		Configs map[string]json.RawMessage `json:"configs"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode configs response: %w", err)
	}

	out := domain.NewConfigMap()
	for key, rawEntry := range wire.Configs {
		var obj map[string]any
		if err := json.Unmarshal(rawEntry, &obj); err != nil {
			logger.Warn("skipping non-object config entry", "key", key)
			continue
		}
		out.Set(key, normalizeFlagRecord(key, obj, logger))
	}
	return out, nil
}

// normalizeFlagRecord flattens a nested experience_behaviour_response
// object into its parent (nested fields win on collision, per
// DESIGN.md's Open Question decision), drops nulls, then splits the
// result into a typed variation plus experiment metadata.
func normalizeFlagRecord(key string, obj map[string]any, logger *slog.Logger) domain.FlagRecord {
	flattened := flattenBehaviourResponse(key, obj, logger)
	dropNulls(flattened)

	variation, hasVariation := flattened["variation"]
	if !hasVariation {
		return domain.FlagRecord{Variation: domain.JSONValueOf(flattened), HasMetadata: false}
	}

	return domain.FlagRecord{
		Variation:    domain.ValueFromAny(variation),
		HasMetadata:  true,
		ConfigID:     stringField(flattened, "config_id"),
		VariationID:  stringField(flattened, "variation_id"),
		ExperienceID: stringField(flattened, "experience_id"),
		Version:      stringField(flattened, "version"),
		BehaviourID:  stringField(flattened, "behaviour_id"),
		RuleID:       stringField(flattened, "rule_id"),
		UserID:       stringField(flattened, "user_id"),
	}
}

func flattenBehaviourResponse(key string, obj map[string]any, logger *slog.Logger) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "experience_behaviour_response" {
			continue
		}
		out[k] = v
	}
	if nested, ok := obj["experience_behaviour_response"].(map[string]any); ok {
		for k, v := range nested {
			if _, collides := out[k]; collides {
				logger.Warn("experience_behaviour_response field collides with a top-level field; nested value wins",
					"config_key", key, "field", k)
			}
			out[k] = v
		}
	}
	return out
}

func dropNulls(m map[string]any) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/customfit/cf-client-go/internal/config"
	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/fetcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSession struct {
	mu                                    sync.Mutex
	foreground, background, networkChange int
}

func (s *stubSession) OnForeground(context.Context)    { s.mu.Lock(); s.foreground++; s.mu.Unlock() }
func (s *stubSession) OnBackground(context.Context)    { s.mu.Lock(); s.background++; s.mu.Unlock() }
func (s *stubSession) OnNetworkChange(context.Context) { s.mu.Lock(); s.networkChange++; s.mu.Unlock() }

type stubFetcher struct {
	mu       sync.Mutex
	outcome  fetcher.Outcome
	err      error
	calls    int
	settings domain.SDKSettings
}

func (f *stubFetcher) FetchCycle(context.Context) (fetcher.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.outcome, f.err
}

func (f *stubFetcher) LastSettings() domain.SDKSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCoordinator(t *testing.T, f *stubFetcher, s *stubSession) *Coordinator {
	t.Helper()
	cfg := config.NewMutable(domain.DefaultCFConfig("k"), nil)
	return New(Options{Config: cfg, Session: s, Fetcher: f})
}

func TestNew_StartsConnecting(t *testing.T) {
	c := newTestCoordinator(t, &stubFetcher{}, &stubSession{})
	assert.Equal(t, domain.ConnectionConnecting, c.Status())
}

func TestNew_OfflineModeStartsOffline(t *testing.T) {
	cfg := config.NewMutable(domain.CFConfig{OfflineMode: true}, nil)
	c := New(Options{Config: cfg, Fetcher: &stubFetcher{}})
	assert.Equal(t, domain.ConnectionOffline, c.Status())
	assert.True(t, c.IsOffline())
}

func TestRunCycle_SuccessTransitionsToConnected(t *testing.T) {
	c := newTestCoordinator(t, &stubFetcher{outcome: fetcher.OutcomeChanged}, &stubSession{})
	c.RunCycle(context.Background())
	assert.Equal(t, domain.ConnectionConnected, c.Status())
}

func TestRunCycle_ErrorTransitionsToDisconnected(t *testing.T) {
	c := newTestCoordinator(t, &stubFetcher{err: errors.New("boom")}, &stubSession{})
	c.RunCycle(context.Background())
	assert.Equal(t, domain.ConnectionDisconnected, c.Status())
}

func TestRunCycle_SkippedWhileOffline(t *testing.T) {
	f := &stubFetcher{outcome: fetcher.OutcomeChanged}
	c := newTestCoordinator(t, f, &stubSession{})
	c.SetOffline(context.Background(), true)
	c.RunCycle(context.Background())
	assert.Equal(t, 0, f.callCount())
	assert.Equal(t, domain.ConnectionOffline, c.Status())
}

func TestSetOffline_WinsOverAnyOtherTransition(t *testing.T) {
	c := newTestCoordinator(t, &stubFetcher{}, &stubSession{})
	c.SetOffline(context.Background(), true)
	assert.Equal(t, domain.ConnectionOffline, c.Status())

	c.OnNetworkRestored(context.Background())
	assert.Equal(t, domain.ConnectionOffline, c.Status(), "offline must not be overridden by a network event")
}

func TestSetOffline_ToggleOffReturnsToConnecting(t *testing.T) {
	c := newTestCoordinator(t, &stubFetcher{}, &stubSession{})
	c.SetOffline(context.Background(), true)
	c.SetOffline(context.Background(), false)
	assert.Equal(t, domain.ConnectionConnecting, c.Status())
}

func TestOnAppForeground_RelaysToSessionManager(t *testing.T) {
	s := &stubSession{}
	c := newTestCoordinator(t, &stubFetcher{}, s)
	c.OnAppForeground(context.Background())
	c.StopPolling()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.foreground)
}

func TestOnAppBackground_RelaysToSessionManager(t *testing.T) {
	s := &stubSession{}
	c := newTestCoordinator(t, &stubFetcher{}, s)
	c.OnAppBackground(context.Background())
	c.StopPolling()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.background)
}

func TestOnNetworkLost_RelaysAndDisconnects(t *testing.T) {
	s := &stubSession{}
	c := newTestCoordinator(t, &stubFetcher{}, s)
	c.OnNetworkLost(context.Background())
	assert.Equal(t, domain.ConnectionDisconnected, c.Status())
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.networkChange)
}

func TestCadence_BackgroundUsesBackgroundInterval(t *testing.T) {
	cfg := config.NewMutable(domain.CFConfig{
		SDKSettingsCheckIntervalMs:  5 * time.Minute,
		BackgroundPollingIntervalMs: 15 * time.Minute,
	}, nil)
	c := New(Options{Config: cfg, Fetcher: &stubFetcher{}})
	c.mu.Lock()
	c.appState = AppBackground
	c.mu.Unlock()
	assert.Equal(t, 15*time.Minute, c.Cadence())
}

func TestCadence_DisabledBackgroundPollingIgnoresBackgroundState(t *testing.T) {
	cfg := config.NewMutable(domain.CFConfig{
		SDKSettingsCheckIntervalMs:  5 * time.Minute,
		BackgroundPollingIntervalMs: 15 * time.Minute,
		DisableBackgroundPolling:    true,
	}, nil)
	c := New(Options{Config: cfg, Fetcher: &stubFetcher{}})
	c.mu.Lock()
	c.appState = AppBackground
	c.mu.Unlock()
	assert.Equal(t, 5*time.Minute, c.Cadence())
}

func TestCadence_LowBatteryNotChargingUsesReducedInterval(t *testing.T) {
	cfg := config.NewMutable(domain.CFConfig{
		SDKSettingsCheckIntervalMs:      5 * time.Minute,
		ReducedPollingIntervalMs:        30 * time.Minute,
		UseReducedPollingWhenBatteryLow: true,
	}, nil)
	c := New(Options{Config: cfg, Fetcher: &stubFetcher{}})
	c.mu.Lock()
	c.battery = BatteryState{IsLow: true, IsCharging: false}
	c.mu.Unlock()
	assert.Equal(t, 30*time.Minute, c.Cadence())
}

func TestCadence_LowBatteryButChargingUsesDefaultInterval(t *testing.T) {
	cfg := config.NewMutable(domain.CFConfig{
		SDKSettingsCheckIntervalMs:      5 * time.Minute,
		ReducedPollingIntervalMs:        30 * time.Minute,
		UseReducedPollingWhenBatteryLow: true,
	}, nil)
	c := New(Options{Config: cfg, Fetcher: &stubFetcher{}})
	c.mu.Lock()
	c.battery = BatteryState{IsLow: true, IsCharging: true}
	c.mu.Unlock()
	assert.Equal(t, 5*time.Minute, c.Cadence())
}

func TestOnStatusChange_FiresOnTransition(t *testing.T) {
	c := newTestCoordinator(t, &stubFetcher{outcome: fetcher.OutcomeChanged}, &stubSession{})

	var gotOld, gotNew domain.ConnectionStatus
	called := false
	c.OnStatusChange(func(old, new domain.ConnectionStatus) {
		called = true
		gotOld, gotNew = old, new
	})

	c.RunCycle(context.Background())

	require.True(t, called)
	assert.Equal(t, domain.ConnectionConnecting, gotOld)
	assert.Equal(t, domain.ConnectionConnected, gotNew)
}

func TestTransition_NoOpWhenStatusUnchanged(t *testing.T) {
	c := newTestCoordinator(t, &stubFetcher{outcome: fetcher.OutcomeChanged}, &stubSession{})
	c.RunCycle(context.Background())

	calls := 0
	c.OnStatusChange(func(old, new domain.ConnectionStatus) { calls++ })
	c.RunCycle(context.Background())
	assert.Equal(t, 0, calls, "a second success at the same status must not re-fire listeners")
}

func TestRunCycle_CFSkipSDKPausesPolling(t *testing.T) {
	f := &stubFetcher{outcome: fetcher.OutcomeChanged, settings: domain.SDKSettings{CFSkipSDK: true}}
	cfg := config.NewMutable(domain.CFConfig{SDKSettingsCheckIntervalMs: 5 * time.Millisecond}, nil)
	c := New(Options{Config: cfg, Fetcher: f, Session: &stubSession{}})

	c.RestartPolling(context.Background())
	time.Sleep(40 * time.Millisecond)

	callsAtPause := f.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, callsAtPause, f.callCount(), "cf_skip_sdk must stop the polling timer")
}

func TestRestartPolling_FiresOnCadenceThenStops(t *testing.T) {
	f := &stubFetcher{outcome: fetcher.OutcomeChanged}
	cfg := config.NewMutable(domain.CFConfig{SDKSettingsCheckIntervalMs: 5 * time.Millisecond}, nil)
	c := New(Options{Config: cfg, Fetcher: f, Session: &stubSession{}})

	c.RestartPolling(context.Background())
	time.Sleep(40 * time.Millisecond)
	c.StopPolling()
	assert.Greater(t, f.callCount(), 0, "timer should have fired at least once")

	afterStop := f.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, afterStop, f.callCount(), "no more firings once stopped")
}

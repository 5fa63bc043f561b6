package fetcher

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
	"github.com/customfit/cf-client-go/internal/evaluator"
	"github.com/customfit/cf-client-go/internal/kvstore"
	"github.com/customfit/cf-client-go/internal/resilience"
	"github.com/customfit/cf-client-go/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() resilience.Policy {
	return resilience.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2}
}

func newTestFetcher(fake *transport.Fake) *Fetcher {
	return New(Options{
		Transport:       fake,
		Store:           kvstore.NewMemoryStore(),
		Evaluator:       evaluator.New(nil, nil),
		ClientKey:       domain.ParseClientKey("test-key"),
		APIBaseURL:      "https://api.example.com",
		SettingsBaseURL: "https://sdk.example.com",
		RetryPolicy:     testPolicy(),
		OfflineFunc:     func() bool { return false },
	})
}

func TestFetchCycle_OfflineSkipsWithNoCalls(t *testing.T) {
	fake := &transport.Fake{}
	f := New(Options{
		Transport:   fake,
		Evaluator:   evaluator.New(nil, nil),
		RetryPolicy: testPolicy(),
		OfflineFunc: func() bool { return true },
	})

	outcome, err := f.FetchCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, fake.Calls)
}

func TestFetchCycle_HeadUnchangedShortCircuits(t *testing.T) {
	fake := &transport.Fake{Responders: []transport.FakeResponder{
		func(call transport.FakeCall) (*transport.Response, error) {
			return &transport.Response{Status: 200, Headers: http.Header{"Etag": []string{"abc"}}}, nil
		},
	}}
	f := newTestFetcher(fake)
	f.writeSettingsMeta(context.Background(), settingsMeta{ETag: "abc"})

	outcome, err := f.FetchCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Len(t, fake.Calls, 1)
	assert.Equal(t, "HEAD", fake.Calls[0].Method)
}

func TestFetchCycle_HeadNotFoundMeansNoSettings(t *testing.T) {
	fake := &transport.Fake{Responders: []transport.FakeResponder{
		func(call transport.FakeCall) (*transport.Response, error) {
			return &transport.Response{Status: 404}, nil
		},
	}}
	f := newTestFetcher(fake)

	outcome, err := f.FetchCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoSettings, outcome)
}

func TestFetchCycle_ChangedSettingsFetchesAndAppliesConfigs(t *testing.T) {
	configBody := `{"configs": {"flag1": {"variation": true, "config_id": "cfg1", "variation_id": "var1", "experience_id": "exp1", "version": "1"}}}`
	fake := &transport.Fake{Responders: []transport.FakeResponder{
		func(call transport.FakeCall) (*transport.Response, error) {
			return &transport.Response{Status: 200, Headers: http.Header{"Etag": []string{"new-etag"}}}, nil
		},
		func(call transport.FakeCall) (*transport.Response, error) {
			assert.Equal(t, "POST", call.Method)
			return &transport.Response{Status: 200, Body: []byte(configBody)}, nil
		},
	}}
	f := newTestFetcher(fake)

	outcome, err := f.FetchCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeChanged, outcome)

	rec, ok := f.evaluator.DumpConfigMap().Get("flag1")
	require.True(t, ok)
	assert.Equal(t, domain.KindBool, rec.Variation.Kind)
	assert.True(t, rec.Variation.Bool)
	assert.Equal(t, "exp1", rec.ExperienceID)

	meta := f.readSettingsMeta(context.Background())
	assert.Equal(t, "new-etag", meta.ETag)
}

func TestFetchCycle_PostNotModifiedReturnsUnchanged(t *testing.T) {
	fake := &transport.Fake{Responders: []transport.FakeResponder{
		func(call transport.FakeCall) (*transport.Response, error) {
			return &transport.Response{Status: 200, Headers: http.Header{"Etag": []string{"new-etag"}}}, nil
		},
		func(call transport.FakeCall) (*transport.Response, error) {
			return &transport.Response{Status: http.StatusNotModified}, nil
		},
	}}
	f := newTestFetcher(fake)

	outcome, err := f.FetchCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
}

func TestFetchCycle_PostEmptyBodyIsError(t *testing.T) {
	fake := &transport.Fake{Responders: []transport.FakeResponder{
		func(call transport.FakeCall) (*transport.Response, error) {
			return &transport.Response{Status: 200, Headers: http.Header{"Etag": []string{"new-etag"}}}, nil
		},
		func(call transport.FakeCall) (*transport.Response, error) {
			return &transport.Response{Status: 200, Body: nil}, nil
		},
	}}
	f := newTestFetcher(fake)

	outcome, err := f.FetchCycle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
}

func TestFetchCycle_HeadFailureFallsBackToGet(t *testing.T) {
	fake := &transport.Fake{Responders: []transport.FakeResponder{
		func(call transport.FakeCall) (*transport.Response, error) {
			assert.Equal(t, "HEAD", call.Method)
			return nil, assertableErr{}
		},
		func(call transport.FakeCall) (*transport.Response, error) {
			assert.Equal(t, "GET", call.Method)
			return &transport.Response{Status: http.StatusNotModified}, nil
		},
	}}
	f := newTestFetcher(fake)

	outcome, err := f.FetchCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
}

type assertableErr struct{}

func (assertableErr) Error() string { return "boom" }

func TestNormalizeFlagRecord_FlattensNestedBehaviourResponseWithNestedWinningOnCollision(t *testing.T) {
	obj := map[string]any{
		"variation":  false,
		"config_id":  "outer-cfg",
		"experience_behaviour_response": map[string]any{
			"config_id":     "inner-cfg",
			"variation_id":  "inner-var",
			"experience_id": "inner-exp",
		},
	}
	rec := normalizeFlagRecord("test-key", obj, slog.Default())
	assert.Equal(t, "inner-cfg", rec.ConfigID)
	assert.Equal(t, "inner-var", rec.VariationID)
	assert.Equal(t, "inner-exp", rec.ExperienceID)
	assert.False(t, rec.Variation.Bool)
}

func TestFlattenBehaviourResponse_LogsCollidingFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	obj := map[string]any{
		"config_id": "outer-cfg",
		"experience_behaviour_response": map[string]any{
			"config_id": "inner-cfg",
		},
	}
	flattened := flattenBehaviourResponse("collide-key", obj, logger)

	assert.Equal(t, "inner-cfg", flattened["config_id"])
	assert.Contains(t, buf.String(), "collides")
	assert.Contains(t, buf.String(), "collide-key")
}

func TestNormalizeFlagRecord_DropsNullValues(t *testing.T) {
	obj := map[string]any{
		"variation": "x",
		"rule_id":   nil,
	}
	rec := normalizeFlagRecord("test-key", obj, slog.Default())
	assert.Equal(t, "", rec.RuleID)
}

func TestNormalizeFlagRecord_BareValueHasNoMetadata(t *testing.T) {
	obj := map[string]any{"some_field": "value"}
	rec := normalizeFlagRecord("test-key", obj, slog.Default())
	assert.False(t, rec.HasMetadata)
	assert.Equal(t, domain.KindJSON, rec.Variation.Kind)
}

func TestFetchCycle_SecondCallerJoinsInFlightResult(t *testing.T) {
	release := make(chan struct{})
	fake := &transport.Fake{Responders: []transport.FakeResponder{
		func(call transport.FakeCall) (*transport.Response, error) {
			<-release
			return &transport.Response{Status: 404}, nil
		},
	}}
	f := newTestFetcher(fake)

	var wg sync.WaitGroup
	results := make([]Outcome, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		o, _ := f.FetchCycle(context.Background())
		results[0] = o
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		o, _ := f.FetchCycle(context.Background())
		results[1] = o
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, OutcomeNoSettings, results[0])
	assert.Equal(t, OutcomeNoSettings, results[1])
	assert.Len(t, fake.Calls, 1, "the joining caller must not issue its own HTTP call")
}

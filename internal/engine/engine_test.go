package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicebridge/internal/devices"
	"devicebridge/internal/radio"
	"devicebridge/internal/rules"
	"devicebridge/internal/store"
	"devicebridge/internal/transport"
	"devicebridge/internal/webhook"
)

type sentCommand struct {
	Target    string
	Name      string
	Parameter string
}

// fakeCloud scripts the cloud API.
type fakeCloud struct {
	mu          sync.Mutex
	status      rules.Payload
	statusErr   error
	statusDelay time.Duration
	statusCalls int
	commands    []sentCommand
	commandErr  error
}

func (f *fakeCloud) DeviceStatus(ctx context.Context, deviceID string) (rules.Payload, error) {
	f.mu.Lock()
	f.statusCalls++
	delay := f.statusDelay
	err := f.statusErr
	payload := f.status
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (f *fakeCloud) SendCommand(ctx context.Context, deviceID, command, parameter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commandErr != nil {
		return f.commandErr
	}
	f.commands = append(f.commands, sentCommand{Target: deviceID, Name: command, Parameter: parameter})
	return nil
}

func (f *fakeCloud) sentCommands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCommand, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *fakeCloud) statusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// fakeCommander scripts the local command link. failures counts down:
// the first N sends fail.
type fakeCommander struct {
	mu       sync.Mutex
	failures int
	calls    []sentCommand
	attempts int
}

func (f *fakeCommander) Send(ctx context.Context, address, command, parameter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("radio send failed")
	}
	f.calls = append(f.calls, sentCommand{Target: address, Name: command, Parameter: parameter})
	return nil
}

func (f *fakeCommander) sentCommands() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCommand, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCommander) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// silentScanner opens sessions that never produce an advertisement.
type silentScanner struct{}

type silentSession struct{ ch chan radio.Advertisement }

func (s *silentScanner) OpenSession(ctx context.Context, f radio.Filter) (radio.Session, error) {
	return &silentSession{ch: make(chan radio.Advertisement)}, nil
}
func (s *silentSession) Advertisements() <-chan radio.Advertisement { return s.ch }
func (s *silentSession) Close() error                               { return nil }

// adScanner replays one advertisement per session.
type adScanner struct {
	ad radio.Advertisement
}

func (s *adScanner) OpenSession(ctx context.Context, f radio.Filter) (radio.Session, error) {
	ch := make(chan radio.Advertisement, 1)
	ch <- s.ad
	close(ch)
	return &replaySession{ch: ch}, nil
}

type replaySession struct{ ch chan radio.Advertisement }

func (s *replaySession) Advertisements() <-chan radio.Advertisement { return s.ch }
func (s *replaySession) Close() error                               { return nil }

// memStore is an in-memory CacheStore.
type memStore struct {
	mu   sync.Mutex
	data map[string]map[string]interface{}
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string]interface{})}
}

func (m *memStore) SaveCached(deviceID string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.data[deviceID] = cp
	return nil
}

func (m *memStore) LoadCached(deviceID string) (map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.data[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return fields, nil
}

type creds struct{ token, enabled bool }

func (c creds) HasToken() bool { return c.token }
func (c creds) Enabled() bool  { return c.enabled }

func testConfig(mode transport.Mode) Config {
	return Config{
		ID:             "fan-1",
		Name:           "Office Fan",
		Address:        "AA:BB",
		Model:          "W",
		Mode:           mode,
		PollInterval:   time.Hour, // periodic ticks stay out of the way
		DebounceWindow: 20 * time.Millisecond,
		ScanDuration:   20 * time.Millisecond,
		RetryDelay:     time.Millisecond,
		FollowUpDelay:  time.Hour, // follow-up refresh stays out of the way
		MaxRetries:     3,
	}
}

func fanProfile(t *testing.T) *devices.Profile {
	t.Helper()
	profile, err := devices.ProfileFor(devices.TypeFan, devices.Options{})
	require.NoError(t, err)
	return profile
}

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if deps.Selector == nil {
		deps.Selector = transport.NewSelector(creds{token: true, enabled: true})
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e, err := New(cfg, fanProfile(t), deps)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestRefreshAlignsObservedAndCached(t *testing.T) {
	cloud := &fakeCloud{status: rules.Payload{
		"powerState": "ON",
		"fanSpeed":   float64(42),
		"mode":       "natural",
	}}

	synced := 0
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{
		Cloud: cloud,
		Sync:  func(string, map[string]interface{}) { synced++ },
	})

	require.NoError(t, e.Refresh(context.Background()))

	state := e.State()
	for field, observed := range state.Observed {
		if field == devices.FieldFault {
			continue
		}
		assert.Equal(t, observed, state.Cached[field],
			"field %s must match cached after a successful refresh", field)
	}
	assert.Equal(t, true, state.Observed[devices.FieldActive])
	assert.Equal(t, 42, state.Observed[devices.FieldRotationSpeed])
	assert.Equal(t, 1, synced, "sync callback runs once per reconciliation")
}

func TestRefreshOverlapGuardSkipsTick(t *testing.T) {
	cloud := &fakeCloud{
		status:      rules.Payload{"powerState": "ON"},
		statusDelay: 100 * time.Millisecond,
	}
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{Cloud: cloud})

	done := make(chan struct{})
	go func() {
		e.Refresh(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return cloud.statusCallCount() == 1 },
		time.Second, time.Millisecond, "first refresh must be in flight")

	// Overlapping tick: skipped, not queued.
	require.NoError(t, e.Refresh(context.Background()))
	<-done

	assert.Equal(t, 1, cloud.statusCallCount(), "overlapping refresh must not fetch")
}

func TestCoalescerCollapsesBurstIntoOneCycle(t *testing.T) {
	cloud := &fakeCloud{}
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{Cloud: cloud})

	// A slider drag: many speed values in quick succession.
	e.Set(devices.FieldActive, true)
	e.Set(devices.FieldRotationSpeed, 10)
	e.Set(devices.FieldRotationSpeed, 20)
	e.Set(devices.FieldRotationSpeed, 30)

	require.Eventually(t, func() bool { return len(cloud.sentCommands()) == 2 },
		time.Second, time.Millisecond)

	// Settle: no further cycle may fire for the same burst.
	time.Sleep(100 * time.Millisecond)
	sent := cloud.sentCommands()
	require.Len(t, sent, 2, "one outbound cycle for the whole burst")

	assert.Equal(t, "turnOn", sent[0].Name, "power dispatches before secondary fields")
	assert.Equal(t, "setWindSpeed", sent[1].Name)
	assert.Equal(t, "30", sent[1].Parameter, "only the last value at flush time is sent")
}

func TestSetterDuringInFlightCycleIsNotLost(t *testing.T) {
	cloud := &fakeCloud{}
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{Cloud: cloud})

	e.Set(devices.FieldRotationSpeed, 40)
	require.Eventually(t, func() bool { return len(cloud.sentCommands()) == 1 },
		time.Second, time.Millisecond)

	// Arrives after the first cycle flushed; must land in the next one.
	e.Set(devices.FieldRotationSpeed, 75)
	require.Eventually(t, func() bool { return len(cloud.sentCommands()) == 2 },
		time.Second, time.Millisecond)

	sent := cloud.sentCommands()
	assert.Equal(t, "40", sent[0].Parameter)
	assert.Equal(t, "75", sent[1].Parameter)
}

func TestDispatchIdempotentWhenInSync(t *testing.T) {
	cloud := &fakeCloud{}
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{Cloud: cloud})

	e.triple.ConfirmRefreshed(map[string]interface{}{devices.FieldActive: true})
	e.triple.SetDesired(devices.FieldActive, true)

	require.NoError(t, e.dispatch(context.Background()))
	assert.Empty(t, cloud.sentCommands(), "desired == cached issues zero commands")
}

func TestRetryBoundarySucceedsOnLastAttempt(t *testing.T) {
	commander := &fakeCommander{failures: 2} // maxRetries-1 failures
	e := newTestEngine(t, testConfig(transport.LocalOnly), Deps{
		Commander: commander,
		Selector:  transport.NewSelector(creds{}),
	})

	e.triple.SetDesired(devices.FieldActive, true)
	require.NoError(t, e.dispatch(context.Background()))

	assert.Equal(t, 3, commander.attemptCount())
	cached, err := e.triple.Cached().Bool(devices.FieldActive)
	require.NoError(t, err)
	assert.True(t, cached, "cached updates exactly once on success")
}

func TestRetryBoundaryExhaustionLeavesCachedStale(t *testing.T) {
	commander := &fakeCommander{failures: 3} // full budget consumed
	e := newTestEngine(t, testConfig(transport.LocalOnly), Deps{
		Commander: commander,
		Selector:  transport.NewSelector(creds{}),
	})

	e.triple.SetDesired(devices.FieldActive, true)
	err := e.dispatch(context.Background())
	require.Error(t, err)

	assert.Equal(t, 3, commander.attemptCount(), "attempt budget is respected")
	_, getErr := e.triple.Cached().Bool(devices.FieldActive)
	assert.Error(t, getErr, "cached unchanged, so the next diff cycle retries")

	// The same field is still in the diff for the next cycle.
	changes := e.triple.Diff(e.profile.Priority)
	require.Len(t, changes, 1)
	assert.Equal(t, devices.FieldActive, changes[0].Field)
}

func TestHybridCommandFallsBackToCloud(t *testing.T) {
	cloud := &fakeCloud{}
	commander := &fakeCommander{failures: 99}
	cfg := testConfig(transport.Hybrid)
	cfg.MaxRetries = 2
	e := newTestEngine(t, cfg, Deps{Cloud: cloud, Commander: commander})

	e.triple.SetDesired(devices.FieldActive, true)
	require.NoError(t, e.dispatch(context.Background()))

	assert.Equal(t, 2, commander.attemptCount(), "local budget first")
	sent := cloud.sentCommands()
	require.Len(t, sent, 1, "exactly one cloud fallback attempt")
	assert.Equal(t, "turnOn", sent[0].Name)

	cached, err := e.triple.Cached().Bool(devices.FieldActive)
	require.NoError(t, err)
	assert.True(t, cached)
}

func TestHybridRefreshFallsBackToCloud(t *testing.T) {
	cloud := &fakeCloud{status: rules.Payload{"powerState": "ON", "fanSpeed": float64(64)}}
	cfg := testConfig(transport.Hybrid)
	cfg.ScanDuration = 10 * time.Millisecond
	e := newTestEngine(t, cfg, Deps{
		Cloud:   cloud,
		Scanner: &silentScanner{}, // local scan times out
	})

	require.NoError(t, e.Refresh(context.Background()))

	assert.Equal(t, 1, cloud.statusCallCount(), "one cloud fallback attempt")
	state := e.State()
	assert.Equal(t, 64, state.Cached[devices.FieldRotationSpeed],
		"cached updates from the cloud payload")
}

func TestHybridRefreshPrefersLocal(t *testing.T) {
	cloud := &fakeCloud{status: rules.Payload{"fanSpeed": float64(1)}}
	scanner := &adScanner{ad: radio.Advertisement{
		Address: "AA:BB",
		Model:   "W",
		Fields:  rules.Payload{"powerState": "on", "fanSpeed": float64(55)},
	}}
	e := newTestEngine(t, testConfig(transport.Hybrid), Deps{Cloud: cloud, Scanner: scanner})

	require.NoError(t, e.Refresh(context.Background()))

	assert.Zero(t, cloud.statusCallCount(), "cloud untouched when the scan succeeds")
	assert.Equal(t, 55, e.State().Observed[devices.FieldRotationSpeed])
}

func TestWebhookAppliesLastWriterWins(t *testing.T) {
	// A slow refresh is mid-flight while the webhook lands.
	cloud := &fakeCloud{
		status:      rules.Payload{"powerState": "OFF", "fanSpeed": float64(5)},
		statusDelay: 50 * time.Millisecond,
	}
	registry := webhook.NewRegistry(zap.NewNop())

	var mu sync.Mutex
	synced := 0
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{
		Cloud:           cloud,
		RegisterWebhook: registry.Register,
		Sync: func(string, map[string]interface{}) {
			mu.Lock()
			synced++
			mu.Unlock()
		},
	})

	done := make(chan struct{})
	go func() {
		e.Refresh(context.Background())
		close(done)
	}()
	<-done

	// Webhook arrives after the refresh wrote its result: its fields
	// win because the last write per field wins.
	ok := registry.Dispatch(webhook.Event{
		DeviceID: "fan-1",
		Fields:   rules.Payload{"powerState": "ON", "fanSpeed": float64(42)},
	})
	require.True(t, ok)

	state := e.State()
	assert.Equal(t, true, state.Observed[devices.FieldActive])
	assert.Equal(t, 42, state.Observed[devices.FieldRotationSpeed])
	assert.Equal(t, 42, state.Cached[devices.FieldRotationSpeed],
		"webhook is authoritative for the fields it reports")

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, synced, 2, "both refresh and webhook reconcile outward")
}

func TestWebhookWithNoUsableFieldsIsRecoverable(t *testing.T) {
	registry := webhook.NewRegistry(zap.NewNop())
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{
		Cloud:           &fakeCloud{},
		RegisterWebhook: registry.Register,
	})

	registry.Dispatch(webhook.Event{
		DeviceID: "fan-1",
		Fields:   rules.Payload{"mystery": "value"},
	})

	assert.Empty(t, e.State().Observed, "unparsable fields are left unchanged")
}

func TestOfflineForcesBaselineAndSkipsNetwork(t *testing.T) {
	cloud := &fakeCloud{}
	commander := &fakeCommander{}
	cfg := testConfig(transport.CloudOnly)
	cfg.Offline = true
	e := newTestEngine(t, cfg, Deps{Cloud: cloud, Commander: commander})

	require.NoError(t, e.Refresh(context.Background()))

	state := e.State()
	assert.Equal(t, false, state.Observed[devices.FieldActive])
	assert.Equal(t, 0, state.Observed[devices.FieldRotationSpeed])
	assert.Zero(t, cloud.statusCallCount(), "refresh skips network I/O while offline")

	// A push cycle also forces the baseline instead of dispatching.
	e.Set(devices.FieldActive, true)
	require.Eventually(t, func() bool {
		v, ok := e.State().Desired[devices.FieldActive]
		return ok && v == false
	}, time.Second, time.Millisecond, "baseline reasserts over the setter")

	assert.Empty(t, cloud.sentCommands())
	assert.Zero(t, commander.attemptCount())
}

func TestCloudOnlyWithoutCredentialGoesOffline(t *testing.T) {
	cloud := &fakeCloud{}
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{
		Cloud:    cloud,
		Selector: transport.NewSelector(creds{token: false}),
	})

	require.NoError(t, e.Refresh(context.Background()))

	assert.Zero(t, cloud.statusCallCount())
	assert.Equal(t, false, e.State().Observed[devices.FieldActive])
}

func TestDispatchFailureSetsFaultMarker(t *testing.T) {
	cloud := &fakeCloud{commandErr: errors.New("gateway unreachable")}
	cfg := testConfig(transport.CloudOnly)
	cfg.MaxRetries = 2
	e := newTestEngine(t, cfg, Deps{Cloud: cloud})

	e.Set(devices.FieldActive, true)

	require.Eventually(t, func() bool {
		v, ok := e.State().Observed[devices.FieldFault]
		return ok && v == true
	}, time.Second, time.Millisecond, "exhausted retries surface the error marker")
}

func TestFollowUpRefreshAfterDispatch(t *testing.T) {
	cloud := &fakeCloud{status: rules.Payload{"powerState": "ON", "fanSpeed": float64(80)}}
	cfg := testConfig(transport.CloudOnly)
	cfg.FollowUpDelay = 10 * time.Millisecond
	e := newTestEngine(t, cfg, Deps{Cloud: cloud})

	e.Set(devices.FieldActive, true)

	require.Eventually(t, func() bool { return cloud.statusCallCount() == 1 },
		time.Second, time.Millisecond,
		"a dispatch cycle schedules one follow-up refresh")

	require.Eventually(t, func() bool {
		return e.State().Observed[devices.FieldRotationSpeed] == 80
	}, time.Second, time.Millisecond, "follow-up pulls authoritative state")
}

func TestCachedSeededFromStore(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.SaveCached("fan-1", map[string]interface{}{
		devices.FieldActive:        true,
		devices.FieldRotationSpeed: float64(42),
	}))

	cloud := &fakeCloud{}
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{Cloud: cloud, Store: st})

	// Desired matches the persisted baseline: nothing to send.
	e.triple.SetDesired(devices.FieldActive, true)
	e.triple.SetDesired(devices.FieldRotationSpeed, 42)
	require.NoError(t, e.dispatch(context.Background()))
	assert.Empty(t, cloud.sentCommands())
}

func TestDispatchPersistsCached(t *testing.T) {
	st := newMemStore()
	cloud := &fakeCloud{}
	e := newTestEngine(t, testConfig(transport.CloudOnly), Deps{Cloud: cloud, Store: st})

	e.triple.SetDesired(devices.FieldActive, true)
	require.NoError(t, e.dispatch(context.Background()))

	persisted, err := st.LoadCached("fan-1")
	require.NoError(t, err)
	assert.Equal(t, true, persisted[devices.FieldActive])
}

func TestFleet(t *testing.T) {
	fleet := NewFleet(zap.NewNop())

	e1 := newTestEngine(t, testConfig(transport.CloudOnly), Deps{Cloud: &fakeCloud{}})
	require.NoError(t, fleet.Add(e1))
	assert.Error(t, fleet.Add(e1), "duplicate ids rejected")

	got, ok := fleet.Get("fan-1")
	require.True(t, ok)
	assert.Same(t, e1, got)

	states := fleet.States()
	require.Len(t, states, 1)
	assert.Equal(t, "fan-1", states[0].ID)
	assert.Equal(t, "cloud", states[0].Transport)

	fleet.StartAll()
	fleet.StopAll()
}

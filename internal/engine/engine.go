// Package engine implements the per-device state synchronization core:
// the periodic refresh loop, the push coalescer that collapses setter
// bursts into one dispatch cycle, and the command dispatcher that moves
// observed state toward desired state with retries and fallback.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"devicebridge/internal/clock"
	"devicebridge/internal/devices"
	"devicebridge/internal/radio"
	"devicebridge/internal/rules"
	"devicebridge/internal/snapshot"
	"devicebridge/internal/store"
	"devicebridge/internal/transport"
	"devicebridge/internal/webhook"
)

// Config carries one device's identity and sync tuning.
type Config struct {
	ID      string
	Name    string
	Address string
	Model   string
	Mode    transport.Mode

	// Offline marks the device administratively offline: every cycle
	// forces the safe baseline and no network I/O happens.
	Offline bool

	PollInterval   time.Duration
	DebounceWindow time.Duration
	ScanDuration   time.Duration
	RetryDelay     time.Duration
	FollowUpDelay  time.Duration
	MaxRetries     int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 300 * time.Millisecond
	}
	if c.ScanDuration <= 0 {
		c.ScanDuration = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.FollowUpDelay <= 0 {
		c.FollowUpDelay = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// CloudAPI is the slice of the cloud client the engine needs.
type CloudAPI interface {
	DeviceStatus(ctx context.Context, deviceID string) (rules.Payload, error)
	SendCommand(ctx context.Context, deviceID, command, parameter string) error
}

// CacheStore persists the cached snapshot across restarts.
type CacheStore interface {
	SaveCached(deviceID string, fields map[string]interface{}) error
	LoadCached(deviceID string) (map[string]interface{}, error)
}

// SyncFunc is the characteristic-sync callback: invoked after every
// successful reconciliation with the full current state. It must be
// idempotent; repeated calls with unchanged values are a no-op for
// the hub.
type SyncFunc func(deviceID string, state map[string]interface{})

// Deps wraps the engine's collaborators in a single struct for cleaner
// constructor signatures.
type Deps struct {
	Selector  *transport.Selector
	Cloud     CloudAPI
	Scanner   radio.Scanner
	Commander radio.Commander
	Store     CacheStore
	Clock     clock.Clock
	Logger    *zap.Logger
	Sync      SyncFunc

	// RegisterWebhook installs a handler for unsolicited vendor events
	// addressed to this device. Injected as a capability so the engine
	// never touches the process-wide registry directly.
	RegisterWebhook func(deviceID string, h webhook.Handler) func()
}

// Engine synchronizes one device. All snapshot mutation funnels through
// its refresh, dispatch, and webhook entry points; no other device's
// loop is ever affected by this one's failures.
type Engine struct {
	cfg     Config
	profile *devices.Profile
	deps    Deps
	triple  *snapshot.Triple
	logger  *zap.Logger

	mu            sync.Mutex
	refreshing    bool
	inFlight      bool
	dirty         bool
	followUpArmed bool
	stopped       bool
	started       bool
	debounce      clock.Timer

	stopCh     chan struct{}
	wg         sync.WaitGroup
	unregister func()
}

// New creates an engine for one device. The cached snapshot is seeded
// from the store when a persisted baseline exists.
func New(cfg Config, profile *devices.Profile, deps Deps) (*Engine, error) {
	if cfg.ID == "" {
		return nil, errors.New("device id required")
	}
	if profile == nil {
		return nil, errors.New("device profile required")
	}
	if deps.Selector == nil {
		return nil, errors.New("transport selector required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:     cfg,
		profile: profile,
		deps:    deps,
		triple:  snapshot.NewTriple(),
		logger:  deps.Logger.With(zap.String("device", cfg.ID)),
		stopCh:  make(chan struct{}),
	}

	if deps.Store != nil {
		cached, err := deps.Store.LoadCached(cfg.ID)
		switch {
		case err == nil:
			for field, value := range cached {
				e.triple.ConfirmCached(field, value)
			}
			e.logger.Debug("Seeded cached state from store",
				zap.Int("fields", len(cached)))
		case errors.Is(err, store.ErrNotFound):
			// First sight of this device.
		default:
			e.logger.Warn("Failed to load cached state", zap.Error(err))
		}
	}

	if deps.RegisterWebhook != nil {
		e.unregister = deps.RegisterWebhook(cfg.ID, e.handleWebhook)
	}

	return e, nil
}

// Start launches the periodic refresh loop: one immediate refresh, then
// one tick per poll interval. Ticks that land while a refresh is still
// running are skipped, never queued.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()
}

func (e *Engine) run() {
	defer e.wg.Done()

	if err := e.Refresh(context.Background()); err != nil {
		e.logger.Warn("Initial refresh failed", zap.Error(err))
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.deps.Clock.After(e.cfg.PollInterval):
			if err := e.Refresh(context.Background()); err != nil {
				e.logger.Warn("Periodic refresh failed", zap.Error(err))
			}
		}
	}
}

// Stop halts the refresh loop, cancels any pending debounce, and
// removes the webhook registration.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.debounce != nil {
		e.debounce.Stop()
	}
	close(e.stopCh)
	started := e.started
	e.mu.Unlock()

	if e.unregister != nil {
		e.unregister()
	}
	if started {
		e.wg.Wait()
	}
	e.logger.Debug("Engine stopped")
}

// Refresh performs one observation cycle. An overlapping call is
// skipped rather than queued.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.refreshing {
		e.mu.Unlock()
		e.logger.Debug("Refresh tick skipped; previous refresh still running")
		return nil
	}
	e.refreshing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
	}()

	route := e.deps.Selector.Select(e.cfg.Mode, e.cfg.Offline)
	if route == transport.UseNeitherOffline {
		e.applyOfflineBaseline()
		return nil
	}

	payload, err := e.observe(ctx, route)
	if err != nil {
		e.logger.Warn("Refresh failed",
			zap.Stringer("route", route),
			zap.Error(err))
		e.setFault()
		return fmt.Errorf("refresh %s: %w", e.cfg.ID, err)
	}

	fields := e.profile.Reconcile(payload)
	if len(fields) == 0 {
		e.logger.Debug("Payload carried no recognized fields")
		return nil
	}

	// An authoritative read aligns observed and cached.
	e.triple.ConfirmRefreshed(fields)
	e.clearFault()
	e.persistCached()
	e.notifySync()
	return nil
}

// observe fetches one payload over the selected route. For Hybrid
// devices a failed local scan escalates to one cloud attempt; the next
// cycle re-evaluates from the configured preference.
func (e *Engine) observe(ctx context.Context, route transport.Route) (rules.Payload, error) {
	switch route {
	case transport.UseCloud:
		if e.deps.Cloud == nil {
			return nil, errors.New("no cloud client configured")
		}
		return e.deps.Cloud.DeviceStatus(ctx, e.cfg.ID)
	case transport.UseLocal:
		payload, err := e.observeLocal(ctx)
		if err != nil && e.deps.Selector.CloudFallback(e.cfg.Mode) && e.deps.Cloud != nil {
			e.logger.Warn("Local scan failed, attempting one cloud fallback",
				zap.Error(err))
			return e.deps.Cloud.DeviceStatus(ctx, e.cfg.ID)
		}
		return payload, err
	default:
		return nil, fmt.Errorf("unroutable: %s", route)
	}
}

func (e *Engine) observeLocal(ctx context.Context) (rules.Payload, error) {
	if e.deps.Scanner == nil {
		return nil, errors.New("no radio scanner configured")
	}
	filter := radio.Filter{Address: e.cfg.Address, Model: e.cfg.Model}
	ad, err := radio.Observe(ctx, e.deps.Scanner, filter, e.cfg.ScanDuration)
	if err != nil {
		return nil, err
	}
	return ad.Fields, nil
}

// Set records a locally requested value and signals the coalescer.
// The desired snapshot is mutated immediately so reads are never
// stale; the outbound command cycle is debounced.
func (e *Engine) Set(field string, value interface{}) {
	e.triple.SetDesired(field, value)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.inFlight {
		// A cycle is already pending or dispatching. The new value is
		// in desired and will be picked up by the next flush.
		e.dirty = true
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.debounce = e.deps.Clock.AfterFunc(e.cfg.DebounceWindow, e.flush)
	e.mu.Unlock()

	e.logger.Debug("Change requested",
		zap.String("field", field),
		zap.Any("value", value))
}

// flush runs one dispatch cycle after the debounce window closes, then
// lowers the in-flight flag and, if setters arrived mid-cycle, arms the
// next one.
func (e *Engine) flush() {
	if err := e.dispatch(context.Background()); err != nil {
		e.logger.Error("Dispatch cycle failed", zap.Error(err))
		e.setFault()
	}

	e.mu.Lock()
	e.inFlight = false
	redo := e.dirty
	e.dirty = false
	stopped := e.stopped
	e.mu.Unlock()

	// Pull authoritative state shortly after any cycle, success or
	// failure, to correct optimistic assumptions.
	e.scheduleFollowUp()

	if redo && !stopped {
		e.mu.Lock()
		if !e.inFlight && !e.stopped {
			e.inFlight = true
			e.debounce = e.deps.Clock.AfterFunc(e.cfg.DebounceWindow, e.flush)
		}
		e.mu.Unlock()
	}
}

// dispatch computes the minimal command set from the desired/cached
// diff and sends it over the selected transport.
func (e *Engine) dispatch(ctx context.Context) error {
	route := e.deps.Selector.Select(e.cfg.Mode, e.cfg.Offline)
	if route == transport.UseNeitherOffline {
		e.applyOfflineBaseline()
		return nil
	}

	changes := e.triple.Diff(e.profile.Priority)
	if len(changes) == 0 {
		e.logger.Debug("Nothing to dispatch; desired matches cached")
		return nil
	}

	var failed []error
	for _, change := range changes {
		cmd, ok := e.profile.Command(change.Field, change.Value)
		if !ok {
			continue
		}
		if err := e.send(ctx, route, cmd); err != nil {
			// cached stays stale so the next diff cycle retries this
			// field.
			failed = append(failed, err)
			e.logger.Error("Command failed",
				zap.String("field", change.Field),
				zap.Error(err))
			continue
		}
		// Record the value actually sent, power commands included.
		e.triple.ConfirmCached(cmd.Field, change.Value)
		e.persistCached()
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d commands failed: %w", len(failed), len(changes), failed[0])
	}
	e.clearFault()
	return nil
}

// send issues one command with the device's retry budget, then for
// Hybrid devices one cloud fallback attempt before giving up.
func (e *Engine) send(ctx context.Context, route transport.Route, cmd devices.Command) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		err := e.sendOnce(ctx, route, cmd)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("Command succeeded after retry",
					zap.String("command", cmd.Name),
					zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err
		e.logger.Warn("Command attempt failed",
			zap.String("command", cmd.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < e.cfg.MaxRetries {
			select {
			case <-e.deps.Clock.After(e.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if route == transport.UseLocal && e.deps.Selector.CloudFallback(e.cfg.Mode) && e.deps.Cloud != nil {
		e.logger.Warn("Local attempts exhausted, attempting one cloud fallback",
			zap.String("command", cmd.Name))
		err := e.deps.Cloud.SendCommand(ctx, e.cfg.ID, cmd.Name, cmd.Parameter)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%w (cloud fallback: %v)", lastErr, err)
	}

	return fmt.Errorf("command %s after %d attempts: %w", cmd.Name, e.cfg.MaxRetries, lastErr)
}

func (e *Engine) sendOnce(ctx context.Context, route transport.Route, cmd devices.Command) error {
	switch route {
	case transport.UseLocal:
		if e.deps.Commander == nil {
			return errors.New("no radio commander configured")
		}
		return e.deps.Commander.Send(ctx, e.cfg.Address, cmd.Name, cmd.Parameter)
	case transport.UseCloud:
		if e.deps.Cloud == nil {
			return errors.New("no cloud client configured")
		}
		return e.deps.Cloud.SendCommand(ctx, e.cfg.ID, cmd.Name, cmd.Parameter)
	default:
		return fmt.Errorf("unroutable: %s", route)
	}
}

// scheduleFollowUp arms one short-delay refresh. At most one follow-up
// is pending at a time.
func (e *Engine) scheduleFollowUp() {
	e.mu.Lock()
	if e.followUpArmed || e.stopped {
		e.mu.Unlock()
		return
	}
	e.followUpArmed = true
	e.mu.Unlock()

	e.deps.Clock.AfterFunc(e.cfg.FollowUpDelay, func() {
		e.mu.Lock()
		e.followUpArmed = false
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return
		}
		if err := e.Refresh(context.Background()); err != nil {
			e.logger.Warn("Follow-up refresh failed", zap.Error(err))
		}
	})
}

// handleWebhook applies an unsolicited vendor event, bypassing the
// refresh loop and the coalescer. The event is authoritative for the
// fields it reports; unparsable fields are left unchanged.
func (e *Engine) handleWebhook(ev webhook.Event) {
	fields := e.profile.Reconcile(ev.Fields)
	if len(fields) == 0 {
		e.logger.Warn("Webhook event carried no usable fields")
		return
	}

	e.triple.ConfirmRefreshed(fields)
	e.persistCached()
	e.notifySync()
	e.logger.Debug("Applied webhook event", zap.Int("fields", len(fields)))
}

// applyOfflineBaseline forces all mutable fields to the fixed safe
// state. No network operation is attempted.
func (e *Engine) applyOfflineBaseline() {
	e.triple.ForceAll(e.profile.OfflineBaseline)
	e.persistCached()
	e.notifySync()
	e.logger.Debug("Forced offline baseline")
}

func (e *Engine) setFault() {
	e.triple.ApplyObserved(map[string]interface{}{devices.FieldFault: true})
	e.notifySync()
}

func (e *Engine) clearFault() {
	obs := e.triple.Observed()
	if faulted, err := obs.Bool(devices.FieldFault); err != nil || !faulted {
		return
	}
	e.triple.ApplyObserved(map[string]interface{}{devices.FieldFault: false})
}

func (e *Engine) persistCached() {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.SaveCached(e.cfg.ID, e.triple.Cached().Values()); err != nil {
		e.logger.Warn("Failed to persist cached state", zap.Error(err))
	}
}

func (e *Engine) notifySync() {
	if e.deps.Sync == nil {
		return
	}
	e.deps.Sync(e.cfg.ID, e.triple.Observed().Values())
}

// State is a point-in-time dump of the device's triple, for the HTTP
// API and diagnostics.
type State struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      devices.Type           `json:"type"`
	Transport string                 `json:"transport"`
	Offline   bool                   `json:"offline"`
	Desired   map[string]interface{} `json:"desired"`
	Observed  map[string]interface{} `json:"observed"`
	Cached    map[string]interface{} `json:"cached"`
}

// State returns a copy of the device's current state.
func (e *Engine) State() State {
	return State{
		ID:        e.cfg.ID,
		Name:      e.cfg.Name,
		Type:      e.profile.Type,
		Transport: e.cfg.Mode.String(),
		Offline:   e.cfg.Offline,
		Desired:   e.triple.Desired().Values(),
		Observed:  e.triple.Observed().Values(),
		Cached:    e.triple.Cached().Values(),
	}
}

// ID returns the device id.
func (e *Engine) ID() string {
	return e.cfg.ID
}

package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Fleet owns all device engines. Devices are fully independent; the
// fleet only starts, stops, and enumerates them.
type Fleet struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	order   []string
	logger  *zap.Logger
}

// NewFleet creates an empty fleet.
func NewFleet(logger *zap.Logger) *Fleet {
	return &Fleet{
		engines: make(map[string]*Engine),
		logger:  logger,
	}
}

// Add registers an engine. Device ids must be unique.
func (f *Fleet) Add(e *Engine) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.engines[e.ID()]; exists {
		return fmt.Errorf("duplicate device id %s", e.ID())
	}
	f.engines[e.ID()] = e
	f.order = append(f.order, e.ID())
	return nil
}

// Get returns the engine for a device id.
func (f *Fleet) Get(id string) (*Engine, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.engines[id]
	return e, ok
}

// StartAll launches every engine's refresh loop.
func (f *Fleet) StartAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, id := range f.order {
		f.engines[id].Start()
	}
	f.logger.Info("Device engines started", zap.Int("count", len(f.order)))
}

// StopAll stops every engine.
func (f *Fleet) StopAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, id := range f.order {
		f.engines[id].Stop()
	}
	f.logger.Info("Device engines stopped")
}

// States dumps every device's current triple, in registration order.
func (f *Fleet) States() []State {
	f.mu.RLock()
	defer f.mu.RUnlock()

	states := make([]State, 0, len(f.order))
	for _, id := range f.order {
		states = append(states, f.engines[id].State())
	}
	return states
}

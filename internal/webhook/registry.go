// Package webhook routes unsolicited vendor push events to the device
// that owns them. The registry is process-scoped and handed to each
// device as a registration capability, never reached as global state.
package webhook

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"devicebridge/internal/rules"
)

// Event is one unsolicited state push for a device. Fields carry the
// same vocabulary as the cloud status body, in a push shape.
type Event struct {
	DeviceID string
	Fields   rules.Payload
}

// UnmarshalJSON decodes the flat vendor shape: a JSON object whose
// "deviceId" key addresses the device and whose remaining keys are the
// status fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	id, _ := raw["deviceId"].(string)
	if id == "" {
		// Some vendor firmwares spell it differently.
		id, _ = raw["deviceID"].(string)
	}
	if id == "" {
		return fmt.Errorf("event missing deviceId")
	}

	delete(raw, "deviceId")
	delete(raw, "deviceID")
	e.DeviceID = id
	e.Fields = rules.Payload(raw)
	return nil
}

// Handler receives events for one device.
type Handler func(Event)

// Registry is the dispatch table keyed by device id.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs the handler for a device id, replacing any previous
// one, and returns a function that removes it.
func (r *Registry) Register(deviceID string, h Handler) func() {
	r.mu.Lock()
	r.handlers[deviceID] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.handlers, deviceID)
	}
}

// Dispatch delivers an event to its device's handler. Returns false
// when no device claims the id.
func (r *Registry) Dispatch(ev Event) bool {
	r.mu.RLock()
	h, ok := r.handlers[ev.DeviceID]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("Webhook event for unknown device",
			zap.String("device", ev.DeviceID))
		return false
	}

	h(ev)
	return true
}

// DispatchRaw parses an externally delivered JSON event and dispatches
// it. Malformed payloads are a recoverable error, never a crash.
func (r *Registry) DispatchRaw(data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.Warn("Discarding malformed webhook event", zap.Error(err))
		return fmt.Errorf("parse webhook event: %w", err)
	}

	if !r.Dispatch(ev) {
		return fmt.Errorf("no device registered for id %s", ev.DeviceID)
	}
	return nil
}

// Package integration exercises the bridge end to end against a mock
// vendor cloud.
package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"devicebridge/internal/rules"
)

// CommandRecord is one command the mock cloud received.
type CommandRecord struct {
	DeviceID  string
	Command   string
	Parameter string
}

// MockCloudServer mimics the vendor REST API: the status endpoint, the
// command endpoint, and the statusCode envelope around every body.
type MockCloudServer struct {
	server *httptest.Server
	token  string

	mu       sync.Mutex
	statuses map[string]rules.Payload
	commands []CommandRecord
}

// NewMockCloudServer starts a mock cloud requiring the given token.
func NewMockCloudServer(token string) *MockCloudServer {
	m := &MockCloudServer{
		token:    token,
		statuses: make(map[string]rules.Payload),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock cloud's base URL.
func (m *MockCloudServer) URL() string {
	return m.server.URL
}

// Stop shuts the mock cloud down.
func (m *MockCloudServer) Stop() {
	m.server.Close()
}

// SetStatus sets the payload the status endpoint returns for a device.
func (m *MockCloudServer) SetStatus(deviceID string, payload rules.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[deviceID] = payload
}

// Commands returns every command received so far.
func (m *MockCloudServer) Commands() []CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommandRecord, len(m.commands))
	copy(out, m.commands)
	return out
}

func (m *MockCloudServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+m.token {
		m.writeEnvelope(w, http.StatusUnauthorized, 401, nil)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "devices" {
		m.writeEnvelope(w, http.StatusNotFound, 404, nil)
		return
	}
	deviceID := parts[1]

	switch {
	case parts[2] == "status" && r.Method == http.MethodGet:
		m.mu.Lock()
		payload, ok := m.statuses[deviceID]
		m.mu.Unlock()
		if !ok {
			m.writeEnvelope(w, http.StatusOK, 190, nil)
			return
		}
		m.writeEnvelope(w, http.StatusOK, 100, payload)

	case parts[2] == "commands" && r.Method == http.MethodPost:
		var req struct {
			Command   string `json:"command"`
			Parameter string `json:"parameter"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			m.writeEnvelope(w, http.StatusBadRequest, 400, nil)
			return
		}
		m.mu.Lock()
		m.commands = append(m.commands, CommandRecord{
			DeviceID:  deviceID,
			Command:   req.Command,
			Parameter: req.Parameter,
		})
		m.mu.Unlock()
		m.writeEnvelope(w, http.StatusOK, 100, nil)

	default:
		m.writeEnvelope(w, http.StatusNotFound, 404, nil)
	}
}

func (m *MockCloudServer) writeEnvelope(w http.ResponseWriter, httpStatus, bodyStatus int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"statusCode": bodyStatus,
		"message":    "mock",
		"body":       body,
	})
}

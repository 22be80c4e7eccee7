// Package transport decides which communication path drives a device:
// the local short-range radio or the cloud REST API.
package transport

import (
	"fmt"
)

// Mode is the configured transport preference for a device.
type Mode int

const (
	// LocalOnly drives the device exclusively over the local radio.
	LocalOnly Mode = iota
	// CloudOnly drives the device exclusively over the cloud API.
	CloudOnly
	// Hybrid prefers the local radio and falls back to cloud when a
	// local operation fails outright.
	Hybrid
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "local":
		return LocalOnly, nil
	case "cloud":
		return CloudOnly, nil
	case "hybrid", "":
		return Hybrid, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", s)
	}
}

// String returns the configuration spelling of the mode.
func (m Mode) String() string {
	switch m {
	case LocalOnly:
		return "local"
	case CloudOnly:
		return "cloud"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Route is the outcome of transport selection for one operation.
type Route int

const (
	// UseLocal routes the operation over the local radio.
	UseLocal Route = iota
	// UseCloud routes the operation over the cloud API.
	UseCloud
	// UseNeitherOffline means no transport is usable; the device is
	// driven into its deterministic offline baseline instead.
	UseNeitherOffline
)

// String returns a human-readable name for the route.
func (r Route) String() string {
	switch r {
	case UseLocal:
		return "local"
	case UseCloud:
		return "cloud"
	case UseNeitherOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// CredentialSource reports whether a cloud credential is usable.
// The cloud client implements this; it is process-wide and read-only
// from a device's perspective.
type CredentialSource interface {
	// HasToken reports whether an API token is configured.
	HasToken() bool
	// Enabled reports whether cloud access is enabled by account
	// settings.
	Enabled() bool
}

// Selector chooses a route per device based on static configuration
// and runtime credential availability.
type Selector struct {
	creds CredentialSource
}

// NewSelector creates a selector backed by the given credential source.
func NewSelector(creds CredentialSource) *Selector {
	return &Selector{creds: creds}
}

// Select returns exactly one route for the next operation. Hybrid mode
// prefers local here; the one-shot cloud fallback after a local failure
// is the caller's responsibility and does not change the configured
// preference for later cycles.
func (s *Selector) Select(mode Mode, offline bool) Route {
	if offline {
		return UseNeitherOffline
	}

	cloudUsable := s.creds != nil && s.creds.HasToken() && s.creds.Enabled()

	switch mode {
	case CloudOnly:
		if !cloudUsable {
			return UseNeitherOffline
		}
		return UseCloud
	case LocalOnly:
		return UseLocal
	default: // Hybrid
		return UseLocal
	}
}

// CloudFallback reports whether a failed local operation on the given
// mode may escalate to one cloud attempt.
func (s *Selector) CloudFallback(mode Mode) bool {
	if mode != Hybrid {
		return false
	}
	return s.creds != nil && s.creds.HasToken() && s.creds.Enabled()
}

// Package radio models the local short-range transport: single-use
// scan sessions that collect device advertisements, and a command link
// for writes. Advertisement decoding itself happens behind the Scanner
// implementation; this package only sees the decoded status record.
package radio

import (
	"context"
	"errors"
	"time"

	"devicebridge/internal/rules"
)

// ErrNoAdvertisement is returned when a scan window closes without a
// matching advertisement.
var ErrNoAdvertisement = errors.New("no advertisement observed")

// Advertisement is one decoded broadcast from a nearby device.
type Advertisement struct {
	Address string
	Model   string
	Fields  rules.Payload
	Time    time.Time
}

// Filter selects advertisements for a single device.
type Filter struct {
	Address string
	Model   string
}

// Matches reports whether an advertisement belongs to the filtered
// device. An empty filter component matches anything.
func (f Filter) Matches(ad Advertisement) bool {
	if f.Address != "" && f.Address != ad.Address {
		return false
	}
	if f.Model != "" && f.Model != ad.Model {
		return false
	}
	return true
}

// Session is a single-use scan session. It is opened and closed within
// one observation call, never left running across calls.
type Session interface {
	// Advertisements streams decoded advertisements until the session
	// is closed. The channel is closed when the session ends.
	Advertisements() <-chan Advertisement

	// Close stops the session and releases the radio.
	Close() error
}

// Scanner opens scan sessions filtered to one device.
type Scanner interface {
	OpenSession(ctx context.Context, f Filter) (Session, error)
}

// Commander sends a wire-level command to a device over the local link.
type Commander interface {
	Send(ctx context.Context, address, command, parameter string) error
}

// Observe performs one observation: it opens a scanning session, waits
// up to the configured duration collecting matching advertisements,
// and returns the most recent one. The session is always closed before
// returning.
func Observe(ctx context.Context, s Scanner, f Filter, wait time.Duration) (Advertisement, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	session, err := s.OpenSession(ctx, f)
	if err != nil {
		return Advertisement{}, err
	}
	defer session.Close()

	var latest Advertisement
	var seen bool

	for {
		select {
		case ad, ok := <-session.Advertisements():
			if !ok {
				if seen {
					return latest, nil
				}
				return Advertisement{}, ErrNoAdvertisement
			}
			if !f.Matches(ad) {
				continue
			}
			latest = ad
			seen = true
		case <-ctx.Done():
			if seen {
				return latest, nil
			}
			return Advertisement{}, ErrNoAdvertisement
		}
	}
}

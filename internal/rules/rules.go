// Package rules converts raw transport payloads into canonical state
// fields. Every function is pure; the same vocabulary is shared by the
// cloud status body, the local radio advertisement record, and webhook
// events.
package rules

import (
	"math"
	"strconv"
	"strings"
)

// DefaultLowBatteryThreshold is the battery percentage below which a
// device reports low battery, unless configured per device.
const DefaultLowBatteryThreshold = 10

// Payload is a generic key/value status record from any transport.
type Payload map[string]interface{}

// Bool reads a boolean-ish value. Accepts real booleans, the strings
// "on"/"off" and "true"/"false" (any case), and 0/1 numbers.
func (p Payload) Bool(key string) (bool, bool) {
	v, ok := p[key]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "on", "true", "1", "yes":
			return true, true
		case "off", "false", "0", "no":
			return false, true
		}
		return false, false
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	}
	return false, false
}

// Int reads an integer-ish value. JSON numbers arrive as float64;
// numeric strings are also accepted.
func (p Payload) Int(key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// String reads a string value.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has reports whether a key is present at all.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Battery reads a battery percentage. A missing, NaN, or unparsable
// value defaults to 100 so a flaky sensor never trips a false
// low-battery alert; real values clamp to [0,100].
func (p Payload) Battery(key string) int {
	n, ok := p.Int(key)
	if !ok {
		return 100
	}
	return Percent(n)
}

// Percent clamps a value to the [0,100] percentage range.
func Percent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// LowBattery reports whether a battery level is below the threshold.
// A zero or negative threshold selects the default.
func LowBattery(level, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultLowBatteryThreshold
	}
	return level < threshold
}

// PowerState reads a power field expressed as "ON"/"OFF" (or any of
// the boolean-ish spellings Bool accepts).
func (p Payload) PowerState(key string) (bool, bool) {
	return p.Bool(key)
}

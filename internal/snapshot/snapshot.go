// Package snapshot holds the per-device state model: an ordered bag of
// typed fields, tracked three ways (desired, observed, cached).
package snapshot

import (
	"fmt"
)

// Snapshot is an ordered mapping from field name to typed value.
// Values are booleans, integers, or enum strings; percentage fields
// are integers in [0,100].
type Snapshot struct {
	order  []string
	values map[string]interface{}
}

// New creates an empty snapshot.
func New() *Snapshot {
	return &Snapshot{
		values: make(map[string]interface{}),
	}
}

// Set stores a field value, preserving first-insertion order.
func (s *Snapshot) Set(name string, value interface{}) {
	if _, ok := s.values[name]; !ok {
		s.order = append(s.order, name)
	}
	s.values[name] = value
}

// Get returns the raw value of a field.
func (s *Snapshot) Get(name string) (interface{}, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Bool returns a boolean field.
func (s *Snapshot) Bool(name string) (bool, error) {
	v, ok := s.values[name]
	if !ok {
		return false, fmt.Errorf("field %s not set", name)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %s is %T, not bool", name, v)
	}
	return b, nil
}

// Int returns an integer field. Float values that arrived via JSON
// decoding are truncated.
func (s *Snapshot) Int(name string) (int, error) {
	v, ok := s.values[name]
	if !ok {
		return 0, fmt.Errorf("field %s not set", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("field %s is %T, not int", name, v)
	}
}

// String returns an enum field.
func (s *Snapshot) String(name string) (string, error) {
	v, ok := s.values[name]
	if !ok {
		return "", fmt.Errorf("field %s not set", name)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s is %T, not string", name, v)
	}
	return str, nil
}

// Fields returns the field names in insertion order.
func (s *Snapshot) Fields() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of fields set.
func (s *Snapshot) Len() int {
	return len(s.values)
}

// Values returns a copy of all field values.
func (s *Snapshot) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		order:  make([]string, len(s.order)),
		values: make(map[string]interface{}, len(s.values)),
	}
	copy(c.order, s.order)
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

// equalValue compares two field values, tolerating the int/float64
// split that JSON decoding introduces.
func equalValue(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

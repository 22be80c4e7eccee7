// Package devices defines per-type device profiles: which canonical
// fields a type carries, how raw payloads map onto them, how changed
// fields become wire commands, and what the offline safe baseline is.
// Everything outside this package is device-type agnostic.
package devices

import (
	"fmt"

	"devicebridge/internal/rules"
)

// Type identifies a supported device type.
type Type string

const (
	TypeFan          Type = "fan"
	TypeMotionSensor Type = "motion_sensor"
)

// Canonical field names. These follow the hub's characteristic
// vocabulary so the sync callback can hand values straight over.
const (
	FieldActive        = "Active"
	FieldRotationSpeed = "RotationSpeed"
	FieldSwingMode     = "SwingMode"
	FieldChildLock     = "ChildLock"
	FieldMode          = "Mode"
	FieldMotion        = "MotionDetected"
	FieldBattery       = "BatteryLevel"
	FieldLowBattery    = "StatusLowBattery"
	FieldLightLevel    = "LightLevel"
	FieldFirmware      = "FirmwareVersion"

	// FieldFault is the error marker surfaced to the hub when a
	// device's transport operations exhaust their retries.
	FieldFault = "StatusFault"
)

// Command is the wire-level command synthesized for one changed field.
type Command struct {
	Field     string
	Value     interface{}
	Name      string
	Parameter string
}

// Profile describes one device type's field translation.
type Profile struct {
	Type Type

	// Priority is the fixed dispatch order: primary power state first,
	// then mode and secondary fields.
	Priority []string

	// Reconcile maps a raw transport payload onto canonical fields.
	// Unrecognized or unparsable payload keys are simply absent from
	// the result; they never abort the whole reconciliation.
	Reconcile func(p rules.Payload) map[string]interface{}

	// Command synthesizes the wire command for one changed field.
	// Returns false for fields that cannot be written (sensors).
	Command func(field string, value interface{}) (Command, bool)

	// OfflineBaseline is the deterministic safe state forced when no
	// transport is usable.
	OfflineBaseline map[string]interface{}
}

// Options carries per-device tuning that affects field translation.
type Options struct {
	// LowBatteryThreshold overrides the default low-battery cutoff.
	LowBatteryThreshold int

	// HideLightSensor drops the ambient light field for sensors whose
	// light sub-service is configured away. When hidden, the field is
	// absent from every reconciled result rather than present-but-nil.
	HideLightSensor bool
}

// ProfileFor returns the profile for a device type.
func ProfileFor(t Type, opts Options) (*Profile, error) {
	switch t {
	case TypeFan:
		return fanProfile(opts), nil
	case TypeMotionSensor:
		return motionProfile(opts), nil
	default:
		return nil, fmt.Errorf("unknown device type %q", t)
	}
}

package devices

import (
	"fmt"

	"devicebridge/internal/rules"
)

// fanProfile translates smart fan state. Writable fields: power,
// rotation speed, oscillation, child lock, wind mode.
func fanProfile(opts Options) *Profile {
	return &Profile{
		Type: TypeFan,
		Priority: []string{
			FieldActive,
			FieldMode,
			FieldRotationSpeed,
			FieldSwingMode,
			FieldChildLock,
		},
		Reconcile: func(p rules.Payload) map[string]interface{} {
			out := make(map[string]interface{})
			if on, ok := p.PowerState("powerState"); ok {
				out[FieldActive] = on
			}
			if speed, ok := p.Int("fanSpeed"); ok {
				out[FieldRotationSpeed] = rules.Percent(speed)
			}
			if swing, ok := p.Bool("oscillation"); ok {
				out[FieldSwingMode] = swing
			}
			if lock, ok := p.Bool("childLock"); ok {
				out[FieldChildLock] = lock
			}
			if mode, ok := p.String("mode"); ok {
				out[FieldMode] = mode
			}
			if p.Has("battery") {
				level := p.Battery("battery")
				out[FieldBattery] = level
				out[FieldLowBattery] = rules.LowBattery(level, opts.LowBatteryThreshold)
			}
			if fw, ok := p.String("version"); ok {
				out[FieldFirmware] = fw
			}
			return out
		},
		Command: fanCommand,
		OfflineBaseline: map[string]interface{}{
			FieldActive:        false,
			FieldRotationSpeed: 0,
			FieldSwingMode:     false,
			FieldChildLock:     false,
		},
	}
}

func fanCommand(field string, value interface{}) (Command, bool) {
	switch field {
	case FieldActive:
		name := "turnOff"
		if on, _ := value.(bool); on {
			name = "turnOn"
		}
		return Command{Field: field, Value: value, Name: name, Parameter: "default"}, true
	case FieldRotationSpeed:
		return Command{
			Field:     field,
			Value:     value,
			Name:      "setWindSpeed",
			Parameter: fmt.Sprintf("%v", value),
		}, true
	case FieldSwingMode:
		return Command{Field: field, Value: value, Name: "setOscillation", Parameter: onOff(value)}, true
	case FieldChildLock:
		return Command{Field: field, Value: value, Name: "setChildLock", Parameter: onOff(value)}, true
	case FieldMode:
		mode, _ := value.(string)
		return Command{Field: field, Value: value, Name: "setWindMode", Parameter: mode}, true
	default:
		return Command{}, false
	}
}

func onOff(value interface{}) string {
	if on, _ := value.(bool); on {
		return "on"
	}
	return "off"
}

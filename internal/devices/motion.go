package devices

import (
	"devicebridge/internal/rules"
)

// motionProfile translates motion sensor state. Every field is
// read-only; the low-battery flag is derived, and the ambient light
// field exists only when the light sub-service is not hidden.
func motionProfile(opts Options) *Profile {
	return &Profile{
		Type:     TypeMotionSensor,
		Priority: nil, // nothing to dispatch
		Reconcile: func(p rules.Payload) map[string]interface{} {
			out := make(map[string]interface{})
			if moving, ok := p.Bool("moveDetected"); ok {
				out[FieldMotion] = moving
			}

			// Battery is always reported for sensors; a payload that
			// omits or garbles it defaults to 100 rather than tripping
			// a false low-battery alert.
			level := p.Battery("battery")
			out[FieldBattery] = level
			out[FieldLowBattery] = rules.LowBattery(level, opts.LowBatteryThreshold)

			if !opts.HideLightSensor {
				if brightness, ok := p.String("brightness"); ok {
					out[FieldLightLevel] = brightness
				}
			}
			if fw, ok := p.String("version"); ok {
				out[FieldFirmware] = fw
			}
			return out
		},
		Command: func(field string, value interface{}) (Command, bool) {
			return Command{}, false
		},
		OfflineBaseline: map[string]interface{}{
			FieldMotion: false,
		},
	}
}

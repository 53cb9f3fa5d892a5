package scan

// Effect is a side effect the presentation layer should surface.
type Effect string

const (
	// EffectNone marks a plain status change.
	EffectNone                   Effect = ""
	EffectEnableAdapterRequested Effect = "enable_adapter_requested"
	EffectPermissionsRequested   Effect = "permissions_requested"
	EffectScanStarted            Effect = "scan_started"
	EffectScanFailed             Effect = "scan_failed"
	EffectScanTimedOut           Effect = "scan_timed_out"
	EffectScanStopped            Effect = "scan_stopped"
)

// Event is delivered to subscribers after every transition and side effect.
// Err is set for EffectScanFailed.
type Event struct {
	Session Session `json:"session"`
	Effect  Effect  `json:"effect,omitempty"`
	Err     Reason  `json:"error,omitempty"`
}

// Message is the user-facing text for e, or "" when there is nothing to
// show.
func (e Event) Message() string {
	switch e.Effect {
	case EffectEnableAdapterRequested:
		return "Bluetooth is off, asking to enable it"
	case EffectPermissionsRequested:
		return "Requesting Bluetooth permissions"
	case EffectScanStarted:
		return "Bluetooth scan started"
	case EffectScanFailed:
		return e.Err.Message()
	case EffectScanTimedOut:
		return "Scan Timeout"
	case EffectScanStopped:
		return "Scan stopped"
	}
	return ""
}

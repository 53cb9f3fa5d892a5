package scan

// Reason is a scan failure. It implements error so callers can use
// errors.Is against the exported values.
type Reason string

const (
	ReasonNone                Reason = ""
	ErrUnsupportedDevice      Reason = "unsupported_device"
	ErrEnableDenied           Reason = "enable_denied"
	ErrPermissionDenied       Reason = "permission_denied"
	ErrDiscoveryFailedToStart Reason = "discovery_failed_to_start"
)

func (r Reason) Error() string { return "scan: " + string(r) }

// Message is the user-facing text for r. Every reason has its own message.
func (r Reason) Message() string {
	switch r {
	case ErrUnsupportedDevice:
		return "Bluetooth is not supported on this device"
	case ErrEnableDenied:
		return "Bluetooth is required to scan devices"
	case ErrPermissionDenied:
		return "Bluetooth permissions are required to scan devices"
	case ErrDiscoveryFailedToStart:
		return "Failed to start Bluetooth scan"
	case ReasonNone:
		return ""
	}
	return "Unknown scan failure: " + string(r)
}

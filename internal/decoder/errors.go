package decoder

import "errors"

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrCameraNotFound   = errors.New("camera not found")
	ErrCameraBusy       = errors.New("camera already in use")
	ErrOverconstrained  = errors.New("camera constraints not supported")
	ErrTorchUnsupported = errors.New("torch not supported by this camera")
	ErrNotCapturing     = errors.New("camera is not capturing")
)

// FromMediaError maps a browser media error name to a device error.
func FromMediaError(name string) error {
	switch name {
	case "NotAllowedError", "PermissionDeniedError", "SecurityError":
		return ErrPermissionDenied
	case "NotFoundError", "DevicesNotFoundError":
		return ErrCameraNotFound
	case "NotReadableError", "TrackStartError", "AbortError":
		return ErrCameraBusy
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		return ErrOverconstrained
	}
	return errors.New("camera error: " + name)
}

// Message returns the text shown to the operator for a device error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Camera access was denied. Allow camera access in the browser settings and reload, or enter the QR code manually."
	case errors.Is(err, ErrCameraNotFound):
		return "No camera found. Connect a camera or enter the QR code manually."
	case errors.Is(err, ErrCameraBusy):
		return "The camera is being used by another application. Close it and try again, or enter the QR code manually."
	case errors.Is(err, ErrOverconstrained):
		return "The selected camera is not supported. Switch cameras or enter the QR code manually."
	case errors.Is(err, ErrTorchUnsupported):
		return "This camera has no flashlight."
	}
	return "Could not access the camera. Check permissions or enter the QR code manually."
}

// Kind is a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrCameraNotFound):
		return "not_found"
	case errors.Is(err, ErrCameraBusy):
		return "busy"
	case errors.Is(err, ErrOverconstrained):
		return "overconstrained"
	}
	return "other"
}

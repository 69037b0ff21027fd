package capture

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these through errors.Is, in addition to the underlying errno when there is
// one.
var (
	// ErrDeviceUnavailable means a session could not be started on the device.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrNotADevice is returned by Open when the path is not a character device.
	ErrNotADevice = fmt.Errorf("%w: not a character device", ErrDeviceUnavailable)

	// ErrOpenFailed is returned by Open on missing paths, permission or busy errors.
	ErrOpenFailed = fmt.Errorf("%w: open failed", ErrDeviceUnavailable)

	// ErrCapabilityUnsupported means the device lacks a capability the session needs.
	ErrCapabilityUnsupported = errors.New("capability not supported by device")

	// ErrAllocation means buffers could not be acquired for the session.
	ErrAllocation = errors.New("buffer allocation failed")

	// ErrInsufficientBuffers is returned when the driver grants too few buffers.
	ErrInsufficientBuffers = fmt.Errorf("%w: insufficient buffer memory", ErrAllocation)

	// ErrNotReady is transient: no buffer was ready, wait and try again.
	ErrNotReady = errors.New("no frame ready")

	// ErrDeviceTimeout means nothing became ready within the wait timeout.
	ErrDeviceTimeout = errors.New("timed out waiting for frame")

	// ErrDeviceIO is any other device error during a running session.
	ErrDeviceIO = errors.New("device i/o error")

	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid device state")
)

// DeviceError records a failed device operation.
type DeviceError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsFatal reports whether err ends the running session.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrNotReady)
}

package grabber

import (
	"github.com/bryanchriswhite/framegrab/internal/capture"
)

// Optional hooks. A backend implements only the ones its hardware has; the
// helper functions below treat a missing hook as a successful no-op.

type FramerateSetter interface {
	SetFramerate(fps int) error
}

type PixelDecimationSetter interface {
	SetPixelDecimation(n int) error
}

// SignalDetector configures no-signal detection.
type SignalDetector interface {
	SetSignalThreshold(t SignalThreshold) error
	SetSignalDetectionOffset(o DetectionOffset) error
	SetSignalDetectionEnabled(enabled bool)
}

type VideoStandardSetter interface {
	SetVideoStandard(device string, std capture.Standard) error
}

type DisplayIndexSetter interface {
	SetDisplayIndex(index int) error
}

type DevicePathSetter interface {
	SetDevicePath(path string) error
}

// DeviceEnumerator lists devices a backend can capture from.
type DeviceEnumerator interface {
	Devices() ([]string, error)
	DeviceName(path string) (string, error)
	Resolutions(path string) ([]string, error)
	Framerates(path string) ([]string, error)
}

// Capability names reported by Capabilities.
const (
	CapFramerate       = "framerate"
	CapPixelDecimation = "pixel_decimation"
	CapSignalDetection = "signal_detection"
	CapVideoStandard   = "video_standard"
	CapDisplayIndex    = "display_index"
	CapDevicePath      = "device_path"
	CapDeviceEnum      = "device_enumeration"
)

// Capabilities lists the optional hooks g implements.
func Capabilities(g Grabber) []string {
	var caps []string
	if _, ok := g.(FramerateSetter); ok {
		caps = append(caps, CapFramerate)
	}
	if _, ok := g.(PixelDecimationSetter); ok {
		caps = append(caps, CapPixelDecimation)
	}
	if _, ok := g.(SignalDetector); ok {
		caps = append(caps, CapSignalDetection)
	}
	if _, ok := g.(VideoStandardSetter); ok {
		caps = append(caps, CapVideoStandard)
	}
	if _, ok := g.(DisplayIndexSetter); ok {
		caps = append(caps, CapDisplayIndex)
	}
	if _, ok := g.(DevicePathSetter); ok {
		caps = append(caps, CapDevicePath)
	}
	if _, ok := g.(DeviceEnumerator); ok {
		caps = append(caps, CapDeviceEnum)
	}
	return caps
}

func SetFramerate(g Grabber, fps int) error {
	if h, ok := g.(FramerateSetter); ok {
		return h.SetFramerate(fps)
	}
	return nil
}

func SetPixelDecimation(g Grabber, n int) error {
	if h, ok := g.(PixelDecimationSetter); ok {
		return h.SetPixelDecimation(n)
	}
	return nil
}

func SetSignalThreshold(g Grabber, t SignalThreshold) error {
	if h, ok := g.(SignalDetector); ok {
		return h.SetSignalThreshold(t)
	}
	return nil
}

func SetSignalDetectionOffset(g Grabber, o DetectionOffset) error {
	if h, ok := g.(SignalDetector); ok {
		return h.SetSignalDetectionOffset(o)
	}
	return nil
}

func SetSignalDetectionEnabled(g Grabber, enabled bool) {
	if h, ok := g.(SignalDetector); ok {
		h.SetSignalDetectionEnabled(enabled)
	}
}

func SetVideoStandard(g Grabber, device string, std capture.Standard) error {
	if h, ok := g.(VideoStandardSetter); ok {
		return h.SetVideoStandard(device, std)
	}
	return nil
}

func SetDisplayIndex(g Grabber, index int) error {
	if h, ok := g.(DisplayIndexSetter); ok {
		return h.SetDisplayIndex(index)
	}
	return nil
}

func SetDevicePath(g Grabber, path string) error {
	if h, ok := g.(DevicePathSetter); ok {
		return h.SetDevicePath(path)
	}
	return nil
}

// Devices returns nil without error for backends that cannot enumerate.
func Devices(g Grabber) ([]string, error) {
	if h, ok := g.(DeviceEnumerator); ok {
		return h.Devices()
	}
	return nil, nil
}

func DeviceName(g Grabber, path string) (string, error) {
	if h, ok := g.(DeviceEnumerator); ok {
		return h.DeviceName(path)
	}
	return "", nil
}

func Resolutions(g Grabber, path string) ([]string, error) {
	if h, ok := g.(DeviceEnumerator); ok {
		return h.Resolutions(path)
	}
	return nil, nil
}

func Framerates(g Grabber, path string) ([]string, error) {
	if h, ok := g.(DeviceEnumerator); ok {
		return h.Framerates(path)
	}
	return nil, nil
}

//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// stepwise sizes are sampled at these common resolutions.
var commonResolutions = []Resolution{
	{3840, 2160}, {2560, 1440}, {1920, 1080}, {1600, 1200}, {1280, 1024},
	{1280, 720}, {1024, 768}, {800, 600}, {720, 576}, {720, 480},
	{640, 480}, {352, 288}, {320, 240}, {176, 144},
}

// FindDevices lists the video capture devices under /dev. Devices that fail
// to open or lack the capture capability are skipped.
func FindDevices() ([]DeviceInfo, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("glob video devices: %w", err)
	}
	sort.Strings(paths)

	log := logger.WithComponent("v4l2")
	var devices []DeviceInfo
	for _, path := range paths {
		info, err := Describe(path)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Skipping device")
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}

// Describe opens path and reports its identity and formats.
func Describe(path string) (DeviceInfo, error) {
	var o Opener
	ok, err := o.Stat(path)
	if err != nil {
		return DeviceInfo{}, err
	}
	if !ok {
		return DeviceInfo{}, fmt.Errorf("%s: %w", path, capture.ErrNotADevice)
	}
	drv, err := o.Open(path)
	if err != nil {
		return DeviceInfo{}, err
	}
	defer drv.Close()
	d := drv.(*Driver)

	c, err := d.QueryCapability()
	if err != nil {
		return DeviceInfo{}, err
	}
	if !c.Has(capture.CapVideoCapture) {
		return DeviceInfo{}, fmt.Errorf("%s: no video capture: %w", path, capture.ErrCapabilityUnsupported)
	}

	info := DeviceInfo{Path: path, Driver: c.Driver, Card: c.Card, BusInfo: c.BusInfo}
	formats, err := d.formats()
	if err != nil {
		return info, nil
	}
	for _, f := range formats {
		rs, err := d.Resolutions(f.code)
		if err != nil {
			rs = nil
		}
		info.Formats = append(info.Formats, FormatInfo{
			FourCC:      capture.FourCC(f.code),
			Description: f.description,
			Resolutions: rs,
		})
	}
	return info, nil
}

type pixelFormat struct {
	code        uint32
	description string
}

// formats enumerates the pixel formats offered for video capture.
func (d *Driver) formats() ([]pixelFormat, error) {
	var out []pixelFormat
	for i := uint32(0); ; i++ {
		desc := v4l2Fmtdesc{index: i, typ: bufTypeVideoCapture}
		if err := d.ioctl(vidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return out, nil
			}
			return out, fmt.Errorf("VIDIOC_ENUM_FMT: %w", err)
		}
		out = append(out, pixelFormat{code: desc.pixelformat, description: cString(desc.description[:])})
	}
}

// Resolutions enumerates frame sizes for a pixel format. Continuous and
// stepwise ranges are reported as the common sizes that fall inside them.
func (d *Driver) Resolutions(pixfmt uint32) ([]Resolution, error) {
	var out []Resolution
	for i := uint32(0); ; i++ {
		e := v4l2Frmsizeenum{index: i, pixelFormat: pixfmt}
		if err := d.ioctl(vidiocEnumFramesizes, unsafe.Pointer(&e)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return sortResolutions(out), nil
			}
			return nil, fmt.Errorf("VIDIOC_ENUM_FRAMESIZES: %w", err)
		}
		switch e.typ {
		case frmsizeTypeDiscrete:
			out = append(out, Resolution{Width: int(e.union[0]), Height: int(e.union[1])})
		case frmsizeTypeContinuous, frmsizeTypeStepwise:
			// min_width, max_width, step_width, min_height, max_height, step_height
			minW, maxW := int(e.union[0]), int(e.union[1])
			minH, maxH := int(e.union[3]), int(e.union[4])
			for _, r := range commonResolutions {
				if r.Width >= minW && r.Width <= maxW && r.Height >= minH && r.Height <= maxH {
					out = append(out, r)
				}
			}
			return sortResolutions(out), nil
		}
	}
}

// Framerates enumerates the whole frames per second offered for a format
// and size. Stepwise intervals report only the fastest and slowest rate.
func (d *Driver) Framerates(pixfmt uint32, width, height int) ([]int, error) {
	var out []int
	for i := uint32(0); ; i++ {
		e := v4l2Frmivalenum{index: i, pixelFormat: pixfmt, width: uint32(width), height: uint32(height)}
		if err := d.ioctl(vidiocEnumFrameintervals, unsafe.Pointer(&e)); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return sortRates(out), nil
			}
			return nil, fmt.Errorf("VIDIOC_ENUM_FRAMEINTERVALS: %w", err)
		}
		if e.typ == frmivalTypeDiscrete {
			if fps := fpsOf(e.union[0], e.union[1]); fps > 0 {
				out = append(out, fps)
			}
			continue
		}
		// min and max fracts of a stepwise range
		if fps := fpsOf(e.union[0], e.union[1]); fps > 0 {
			out = append(out, fps)
		}
		if fps := fpsOf(e.union[2], e.union[3]); fps > 0 {
			out = append(out, fps)
		}
		return sortRates(out), nil
	}
}

// fpsOf converts a time-per-frame fraction to whole frames per second.
func fpsOf(num, den uint32) int {
	if num == 0 {
		return 0
	}
	return int(den / num)
}

// Framerates opens path and lists the rates offered for fourcc at the
// given size.
func Framerates(path, fourcc string, width, height int) ([]int, error) {
	drv, err := Opener{}.Open(path)
	if err != nil {
		return nil, err
	}
	defer drv.Close()
	return drv.(*Driver).Framerates(PixelFormat(fourcc), width, height)
}

//go:build !linux

package v4l2

import (
	"errors"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

var errUnsupportedOS = errors.New("v4l2 requires linux")

// Opener reports every device as unavailable outside linux.
type Opener struct{}

func (Opener) Stat(path string) (bool, error) { return false, errUnsupportedOS }

func (Opener) Open(path string) (capture.Driver, error) { return nil, errUnsupportedOS }

func FindDevices() ([]DeviceInfo, error) { return nil, errUnsupportedOS }

func Describe(path string) (DeviceInfo, error) { return DeviceInfo{}, errUnsupportedOS }

func Framerates(path, fourcc string, width, height int) ([]int, error) {
	return nil, errUnsupportedOS
}

// Package v4l2 implements the capture driver interfaces on top of the
// Video4Linux2 kernel API.
package v4l2

import (
	"fmt"
	"sort"
)

// DefaultDevice is the path used when none is configured.
const DefaultDevice = "/dev/video0"

// Resolution is one frame size a device supports for a pixel format.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// FormatInfo describes one pixel format and the sizes offered for it.
type FormatInfo struct {
	FourCC      string       `json:"fourcc"`
	Description string       `json:"description"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
}

// DeviceInfo summarises a capture device found on the system.
type DeviceInfo struct {
	Path    string       `json:"path"`
	Driver  string       `json:"driver"`
	Card    string       `json:"card"`
	BusInfo string       `json:"bus_info"`
	Formats []FormatInfo `json:"formats,omitempty"`
}

// sortResolutions orders sizes largest first and drops duplicates.
func sortResolutions(rs []Resolution) []Resolution {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Width != rs[j].Width {
			return rs[i].Width > rs[j].Width
		}
		return rs[i].Height > rs[j].Height
	})
	out := rs[:0]
	for i, r := range rs {
		if i > 0 && r == rs[i-1] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sortRates orders framerates highest first and drops duplicates.
func sortRates(rates []int) []int {
	sort.Sort(sort.Reverse(sort.IntSlice(rates)))
	out := rates[:0]
	for i, r := range rates {
		if i > 0 && r == rates[i-1] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// PixelFormat packs a four character code such as "YUYV" into its numeric
// form. Short codes are padded with spaces.
func PixelFormat(fourcc string) uint32 {
	b := []byte(fourcc + "    ")[:4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

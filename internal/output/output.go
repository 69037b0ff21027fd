package output

import (
	"errors"
	"image"
)

// ErrNotRunning is returned by WriteFrame before Start or after Stop.
var ErrNotRunning = errors.New("output not running")

// Output receives finished frames from a grabber. Implementations:
// - PNG snapshot file
// - in-memory latest frame
type Output interface {
	// Start prepares the output for frames
	Start() error

	// Stop shuts the output down; further writes fail with ErrNotRunning
	Stop() error

	// WriteFrame hands over one frame. The image may be reused by the caller
	// once WriteFrame returns.
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Stats are the counters every output keeps.
type Stats struct {
	Frames  uint64 `json:"frames"`
	Written uint64 `json:"written"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

package grabber

import (
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultNoSignalFrames is how many dark frames in a row mean no signal.
const DefaultNoSignalFrames = 50

// SignalThreshold holds per channel levels in [0,1]. A frame has signal
// when any channel of any pixel in the detection area exceeds its level.
type SignalThreshold struct {
	Red            float64 `json:"red"`
	Green          float64 `json:"green"`
	Blue           float64 `json:"blue"`
	NoSignalFrames int     `json:"no_signal_frames"`
}

// DetectionOffset bounds the detection area as fractions of the frame.
type DetectionOffset struct {
	HorizontalMin float64 `json:"horizontal_min"`
	VerticalMin   float64 `json:"vertical_min"`
	HorizontalMax float64 `json:"horizontal_max"`
	VerticalMax   float64 `json:"vertical_max"`
}

// FullFrame covers the whole image.
var FullFrame = DetectionOffset{HorizontalMax: 1, VerticalMax: 1}

func (t SignalThreshold) validate() error {
	for _, v := range []float64{t.Red, t.Green, t.Blue} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: signal threshold %v outside [0,1]", ErrConfigRejected, v)
		}
	}
	if t.NoSignalFrames < 0 {
		return fmt.Errorf("%w: negative no-signal frame count", ErrConfigRejected)
	}
	return nil
}

func (o DetectionOffset) validate() error {
	if o.HorizontalMin < 0 || o.VerticalMin < 0 || o.HorizontalMax > 1 || o.VerticalMax > 1 ||
		o.HorizontalMin >= o.HorizontalMax || o.VerticalMin >= o.VerticalMax {
		return fmt.Errorf("%w: detection offset %+v", ErrConfigRejected, o)
	}
	return nil
}

// signalMonitor tracks consecutive dark frames and decides whether frames
// are forwarded.
type signalMonitor struct {
	mu        sync.Mutex
	enabled   bool
	threshold SignalThreshold
	offset    DetectionOffset
	dark      int
	lost      bool

	log *zerolog.Logger
}

func newSignalMonitor(log *zerolog.Logger) *signalMonitor {
	return &signalMonitor{
		threshold: SignalThreshold{NoSignalFrames: DefaultNoSignalFrames},
		offset:    FullFrame,
		log:       log,
	}
}

func (m *signalMonitor) SetSignalThreshold(t SignalThreshold) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.NoSignalFrames == 0 {
		t.NoSignalFrames = DefaultNoSignalFrames
	}
	m.mu.Lock()
	m.threshold = t
	m.mu.Unlock()
	return nil
}

func (m *signalMonitor) SetSignalDetectionOffset(o DetectionOffset) error {
	if err := o.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.offset = o
	m.mu.Unlock()
	return nil
}

func (m *signalMonitor) SetSignalDetectionEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	m.dark, m.lost = 0, false
}

// Lost reports whether the monitor is currently suppressing frames.
func (m *signalMonitor) Lost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// observe inspects img and reports whether it should be forwarded. Frames
// keep flowing until NoSignalFrames dark frames have been seen in a row.
func (m *signalMonitor) observe(img *image.RGBA) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return true
	}

	if hasSignal(img, m.threshold, m.offset) {
		if m.lost {
			m.log.Info().Msg("Signal detected")
		}
		m.dark, m.lost = 0, false
		return true
	}

	m.dark++
	if m.dark < m.threshold.NoSignalFrames {
		return true
	}
	if !m.lost {
		m.lost = true
		m.log.Info().Int("dark_frames", m.dark).Msg("Signal lost")
	}
	return false
}

func hasSignal(img *image.RGBA, t SignalThreshold, o DetectionOffset) bool {
	b := img.Rect
	x0 := b.Min.X + int(o.HorizontalMin*float64(b.Dx()))
	x1 := b.Min.X + int(o.HorizontalMax*float64(b.Dx()))
	y0 := b.Min.Y + int(o.VerticalMin*float64(b.Dy()))
	y1 := b.Min.Y + int(o.VerticalMax*float64(b.Dy()))

	r := uint8(t.Red * 255)
	g := uint8(t.Green * 255)
	bl := uint8(t.Blue * 255)
	for y := y0; y < y1; y++ {
		row := img.Pix[img.PixOffset(x0, y):img.PixOffset(x1, y)]
		for i := 0; i+2 < len(row); i += 4 {
			if row[i] > r || row[i+1] > g || row[i+2] > bl {
				return true
			}
		}
	}
	return false
}

// Package grabber defines the backend independent Grabber contract and its
// V4L2 and X11 realisations.
package grabber

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/imaging"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// ErrConfigRejected is returned for crop or size updates that would leave
// no pixels. The previous configuration stays in effect.
var ErrConfigRejected = errors.New("grabber configuration rejected")

// VideoMode tells how a frame carries stereoscopic content.
type VideoMode int

const (
	Mode2D VideoMode = iota
	Mode3DSBS
	Mode3DTAB
)

func (m VideoMode) String() string {
	switch m {
	case Mode3DSBS:
		return "3DSBS"
	case Mode3DTAB:
		return "3DTAB"
	default:
		return "2D"
	}
}

// ParseVideoMode accepts 2D, 3DSBS and 3DTAB in any case.
func ParseVideoMode(s string) (VideoMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "2D":
		return Mode2D, nil
	case "3DSBS", "SBS":
		return Mode3DSBS, nil
	case "3DTAB", "TAB":
		return Mode3DTAB, nil
	default:
		return Mode2D, fmt.Errorf("unknown video mode %q", s)
	}
}

// Half maps the mode to the part of the frame the resampler keeps.
func (m VideoMode) Half() imaging.Half {
	switch m {
	case Mode3DSBS:
		return imaging.LeftHalf
	case Mode3DTAB:
		return imaging.TopHalf
	default:
		return imaging.Whole
	}
}

func (m VideoMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *VideoMode) UnmarshalText(b []byte) error {
	v, err := ParseVideoMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Config is the state shared by every grabber. Width and Height are the
// capture size the crop is applied to; zero means not yet known.
type Config struct {
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	Crop      imaging.Crop `json:"crop"`
	VideoMode VideoMode    `json:"video_mode"`
	Enabled   bool         `json:"enabled"`
}

// ImageWidth is the width left after cropping.
func (c Config) ImageWidth() int {
	return c.Width - c.Crop.Left - c.Crop.Right
}

// ImageHeight is the height left after cropping.
func (c Config) ImageHeight() int {
	return c.Height - c.Crop.Top - c.Crop.Bottom
}

// OutputSize is the size of finished frames: the cropped configured size,
// halved for stereoscopic modes. It is zero while the size is unknown.
func (c Config) OutputSize() image.Point {
	if c.Width <= 0 || c.Height <= 0 {
		return image.Point{}
	}
	w, h := c.ImageWidth(), c.ImageHeight()
	switch c.VideoMode.Half() {
	case imaging.LeftHalf:
		w = max(w/2, 1)
	case imaging.TopHalf:
		h = max(h/2, 1)
	}
	return image.Pt(w, h)
}

// SourceCrop maps the crop, given in configured pixels, onto a frame of
// width x height. A crop that fits the configured size always fits the
// frame.
func (c Config) SourceCrop(width, height int) imaging.Crop {
	d := c.Crop
	if c.Width > 0 && c.Width != width {
		d.Left = d.Left * width / c.Width
		d.Right = d.Right * width / c.Width
	}
	if c.Height > 0 && c.Height != height {
		d.Top = d.Top * height / c.Height
		d.Bottom = d.Bottom * height / c.Height
	}
	return d
}

// Grabber is the contract every capture backend honours. Configuration
// calls may come from any goroutine.
type Grabber interface {
	Name() string

	// SetVideoMode is always accepted and applies from the next frame.
	SetVideoMode(mode VideoMode)
	// SetCropping rejects crops that leave no pixels with ErrConfigRejected.
	SetCropping(left, right, top, bottom int) error
	// SetWidthHeight reports whether the geometry changed. A change
	// invalidates the running session.
	SetWidthHeight(width, height int) (bool, error)
	// Apply sets size, crop, mode and enabled state all or nothing.
	Apply(cfg Config) (bool, error)
	SetEnabled(enabled bool)
	Enabled() bool

	ImageWidth() int
	ImageHeight() int
	Config() Config
}

// Base implements the Grabber configuration contract. Backends embed it.
type Base struct {
	name string

	mu  sync.RWMutex
	cfg Config

	log *zerolog.Logger
}

// NewBase validates cfg and returns the shared grabber state.
func NewBase(name string, cfg Config) (*Base, error) {
	if err := validate(cfg.Width, cfg.Height, cfg.Crop); err != nil {
		return nil, err
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("%w: negative size %dx%d", ErrConfigRejected, cfg.Width, cfg.Height)
	}
	return &Base{name: name, cfg: cfg, log: logger.WithComponent("grabber")}, nil
}

// validate checks crop against a size. An unknown size (zero) accepts any
// non-negative crop; it is checked again once the size is set.
func validate(width, height int, c imaging.Crop) error {
	if c.Left < 0 || c.Right < 0 || c.Top < 0 || c.Bottom < 0 {
		return fmt.Errorf("%w: negative crop %+v", ErrConfigRejected, c)
	}
	if width <= 0 || height <= 0 {
		return nil
	}
	if c.Left+c.Right >= width || c.Top+c.Bottom >= height {
		return fmt.Errorf("%w: crop %d,%d,%d,%d too large for %dx%d",
			ErrConfigRejected, c.Left, c.Right, c.Top, c.Bottom, width, height)
	}
	return nil
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) SetVideoMode(mode VideoMode) {
	b.mu.Lock()
	b.cfg.VideoMode = mode
	b.mu.Unlock()
	b.log.Info().Str("grabber", b.name).Stringer("mode", mode).Msg("Video mode set")
}

func (b *Base) SetCropping(left, right, top, bottom int) error {
	c := imaging.Crop{Left: left, Right: right, Top: top, Bottom: bottom}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := validate(b.cfg.Width, b.cfg.Height, c); err != nil {
		b.log.Error().Err(err).Str("grabber", b.name).Msg("Rejecting invalid crop values")
		return err
	}
	b.cfg.Crop = c
	return nil
}

func (b *Base) SetWidthHeight(width, height int) (bool, error) {
	if width <= 0 || height <= 0 {
		return false, fmt.Errorf("%w: size %dx%d", ErrConfigRejected, width, height)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if width == b.cfg.Width && height == b.cfg.Height {
		return false, nil
	}
	if err := validate(width, height, b.cfg.Crop); err != nil {
		b.log.Error().Err(err).Str("grabber", b.name).Msg("Size collides with cropping")
		return false, err
	}
	b.cfg.Width, b.cfg.Height = width, height
	b.log.Info().Str("grabber", b.name).Int("width", width).Int("height", height).Msg("Size set")
	return true, nil
}

func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	changed := b.cfg.Enabled != enabled
	b.cfg.Enabled = enabled
	b.mu.Unlock()
	if changed {
		b.log.Info().Str("grabber", b.name).Bool("enabled", enabled).Msg("Capture gate changed")
	}
}

func (b *Base) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Enabled
}

func (b *Base) ImageWidth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.ImageWidth()
}

func (b *Base) ImageHeight() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.ImageHeight()
}

func (b *Base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Apply replaces size, crop, video mode and enabled state together. A zero
// width or height keeps the current one. Size and crop are checked as a
// pair, so a new size may drop a crop the old size allowed. On error
// nothing changes. It reports whether the size changed.
func (b *Base) Apply(cfg Config) (bool, error) {
	if cfg.Width < 0 || cfg.Height < 0 {
		return false, fmt.Errorf("%w: size %dx%d", ErrConfigRejected, cfg.Width, cfg.Height)
	}

	b.mu.Lock()
	if cfg.Width == 0 {
		cfg.Width = b.cfg.Width
	}
	if cfg.Height == 0 {
		cfg.Height = b.cfg.Height
	}
	if err := validate(cfg.Width, cfg.Height, cfg.Crop); err != nil {
		b.mu.Unlock()
		b.log.Error().Err(err).Str("grabber", b.name).Msg("Rejecting configuration")
		return false, err
	}
	changed := cfg.Width != b.cfg.Width || cfg.Height != b.cfg.Height
	b.cfg = cfg
	b.mu.Unlock()

	b.log.Info().
		Str("grabber", b.name).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Stringer("mode", cfg.VideoMode).
		Bool("enabled", cfg.Enabled).
		Msg("Configuration applied")
	return changed, nil
}

// adoptSize records the size a device actually delivers when none was
// configured. Crops that no longer fit are dropped.
func (b *Base) adoptSize(width, height int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Width > 0 && b.cfg.Height > 0 {
		return
	}
	b.cfg.Width, b.cfg.Height = width, height
	if err := validate(width, height, b.cfg.Crop); err != nil {
		b.log.Warn().Err(err).Str("grabber", b.name).Msg("Dropping crop that does not fit the device")
		b.cfg.Crop = imaging.Crop{}
	}
}

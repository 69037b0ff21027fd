package grabber

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/imaging"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/output"
)

const (
	DefaultX11Framerate = 10
	DefaultDecimation   = 8
	maxPixelDecimation  = 30
)

// Screen is a source of root window pixels.
type Screen interface {
	Size() (width, height int)
	// Grab returns the region as 32 bit BGRX rows without padding.
	Grab(x, y, width, height int) ([]byte, error)
	Close() error
}

// ScreenOpener connects to the screen with the given index.
type ScreenOpener func(index int) (Screen, error)

// X11Options configure an X11Grabber.
type X11Options struct {
	Display         int
	Framerate       int
	PixelDecimation int
	// Open defaults to an xgb connection to $DISPLAY.
	Open ScreenOpener
}

// X11Grabber captures the root window of an X11 screen at a fixed rate.
type X11Grabber struct {
	*Base
	session sessionControl
	sink    output.Output

	optsMu sync.Mutex
	opts   X11Options

	dequeued  atomic.Uint64
	forwarded atomic.Uint64
	discarded atomic.Uint64
	rejected  atomic.Uint64

	log *zerolog.Logger
}

var (
	_ Backend               = (*X11Grabber)(nil)
	_ FramerateSetter       = (*X11Grabber)(nil)
	_ PixelDecimationSetter = (*X11Grabber)(nil)
	_ DisplayIndexSetter    = (*X11Grabber)(nil)
)

// NewX11Grabber creates a screen grabber writing to sink.
func NewX11Grabber(cfg Config, opts X11Options, sink output.Output) (*X11Grabber, error) {
	base, err := NewBase("x11", cfg)
	if err != nil {
		return nil, err
	}
	if opts.Framerate <= 0 {
		opts.Framerate = DefaultX11Framerate
	}
	if opts.PixelDecimation <= 0 {
		opts.PixelDecimation = DefaultDecimation
	}
	if opts.Open == nil {
		opts.Open = OpenX11Screen
	}
	return &X11Grabber{
		Base: base,
		sink: sink,
		opts: opts,
		log:  logger.WithComponent("x11-grabber"),
	}, nil
}

func (g *X11Grabber) options() X11Options {
	g.optsMu.Lock()
	defer g.optsMu.Unlock()
	return g.opts
}

// Available tries to connect to the configured screen.
func (g *X11Grabber) Available() error {
	opts := g.options()
	s, err := opts.Open(opts.Display)
	if err != nil {
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	return s.Close()
}

// Run grabs the screen once per frame interval.
func (g *X11Grabber) Run(ctx context.Context, maxFrames int) (capture.LoopStats, error) {
	opts := g.options()

	screen, err := opts.Open(opts.Display)
	if err != nil {
		return g.Stats(), &capture.DeviceError{Op: "open", Path: fmt.Sprintf("screen %d", opts.Display), Kind: capture.ErrOpenFailed, Err: err}
	}
	defer screen.Close()

	w, h := screen.Size()
	g.adoptSize(w, h)
	g.log.Info().
		Int("display", opts.Display).
		Int("width", w).
		Int("height", h).
		Int("fps", opts.Framerate).
		Int("decimation", opts.PixelDecimation).
		Msg("Starting screen capture")

	sctx, cancel := g.session.begin(ctx)
	defer cancel()

	ticker := time.NewTicker(time.Second / time.Duration(opts.Framerate))
	defer ticker.Stop()

	frames := 0
	for maxFrames <= 0 || frames < maxFrames {
		select {
		case <-sctx.Done():
			return g.Stats(), g.session.end(ctx, sctx.Err())
		case <-ticker.C:
		}

		frames++
		g.dequeued.Add(1)
		if !g.Enabled() {
			g.discarded.Add(1)
			continue
		}
		if err := g.grab(screen, w, h, opts.PixelDecimation); err != nil {
			if errors.Is(err, capture.ErrDeviceIO) {
				g.session.end(ctx, nil)
				return g.Stats(), err
			}
			g.rejected.Add(1)
			g.log.Warn().Err(err).Msg("Frame rejected")
			continue
		}
		g.forwarded.Add(1)
	}
	return g.Stats(), g.session.end(ctx, nil)
}

func (g *X11Grabber) grab(screen Screen, w, h, decimation int) error {
	cfg := g.Config()
	src := imaging.Source{
		PixelFormat:  imaging.FormatBGR32,
		Width:        w,
		Height:       h,
		BytesPerLine: w * 4,
		Crop:         cfg.SourceCrop(w, h),
		Half:         cfg.VideoMode.Half(),
	}
	region := src.Region().Intersect(image.Rect(0, 0, w, h))
	if region.Empty() {
		return imaging.ErrEmptyRegion
	}

	data, err := screen.Grab(region.Min.X, region.Min.Y, region.Dx(), region.Dy())
	if err != nil {
		return fmt.Errorf("%w: %v", capture.ErrDeviceIO, err)
	}

	// The grabbed region is already cropped.
	grabbed := imaging.Source{
		PixelFormat:  imaging.FormatBGR32,
		Width:        region.Dx(),
		Height:       region.Dy(),
		BytesPerLine: region.Dx() * 4,
	}
	size := cfg.OutputSize()
	if size == (image.Point{}) {
		size = region.Size()
	}
	r := &imaging.Resampler{
		Width:  max(size.X/decimation, 1),
		Height: max(size.Y/decimation, 1),
		Scaler: draw.NearestNeighbor,
	}
	img, err := r.Process(data, grabbed)
	if err != nil {
		return err
	}
	if g.sink == nil {
		return nil
	}
	return g.sink.WriteFrame(img)
}

// Stats reports grabs as dequeued frames, counted over the grabber's
// lifetime.
func (g *X11Grabber) Stats() capture.LoopStats {
	return capture.LoopStats{
		Dequeued:       g.dequeued.Load(),
		Forwarded:      g.forwarded.Load(),
		Discarded:      g.discarded.Load(),
		ConsumerErrors: g.rejected.Load(),
	}
}

func (g *X11Grabber) SetWidthHeight(width, height int) (bool, error) {
	changed, err := g.Base.SetWidthHeight(width, height)
	if changed {
		g.session.requestRestart()
	}
	return changed, err
}

func (g *X11Grabber) Apply(cfg Config) (bool, error) {
	changed, err := g.Base.Apply(cfg)
	if changed {
		g.session.requestRestart()
	}
	return changed, err
}

func (g *X11Grabber) SetFramerate(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("%w: framerate %d", ErrConfigRejected, fps)
	}
	g.optsMu.Lock()
	changed := g.opts.Framerate != fps
	g.opts.Framerate = fps
	g.optsMu.Unlock()
	if changed {
		g.session.requestRestart()
	}
	return nil
}

// SetPixelDecimation keeps every nth pixel in both directions.
func (g *X11Grabber) SetPixelDecimation(n int) error {
	if n < 1 || n > maxPixelDecimation {
		return fmt.Errorf("%w: pixel decimation %d", ErrConfigRejected, n)
	}
	g.optsMu.Lock()
	changed := g.opts.PixelDecimation != n
	g.opts.PixelDecimation = n
	g.optsMu.Unlock()
	if changed {
		g.session.requestRestart()
	}
	return nil
}

func (g *X11Grabber) SetDisplayIndex(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: display index %d", ErrConfigRejected, index)
	}
	g.optsMu.Lock()
	changed := g.opts.Display != index
	g.opts.Display = index
	g.optsMu.Unlock()
	if changed {
		g.log.Info().Int("display", index).Msg("Display index set")
		g.session.requestRestart()
	}
	return nil
}

// xgbScreen grabs the root window through the core protocol.
type xgbScreen struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	mu     sync.Mutex
}

// OpenX11Screen connects to $DISPLAY and selects screen index.
func OpenX11Screen(index int) (Screen, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	setup := xproto.Setup(conn)
	if index < 0 || index >= len(setup.Roots) {
		conn.Close()
		return nil, fmt.Errorf("screen %d not found (%d available)", index, len(setup.Roots))
	}
	screen := &setup.Roots[index]
	if screen.RootDepth != 24 && screen.RootDepth != 32 {
		conn.Close()
		return nil, fmt.Errorf("unsupported root depth %d", screen.RootDepth)
	}
	return &xgbScreen{conn: conn, screen: screen}, nil
}

func (s *xgbScreen) Size() (int, int) {
	return int(s.screen.WidthInPixels), int(s.screen.HeightInPixels)
}

func (s *xgbScreen) Grab(x, y, width, height int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, err := xproto.GetImage(
		s.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(s.screen.Root),
		int16(x), int16(y),
		uint16(width), uint16(height),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return reply.Data, nil
}

func (s *xgbScreen) Close() error {
	s.conn.Close()
	return nil
}

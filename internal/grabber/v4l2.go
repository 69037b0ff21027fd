package grabber

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/imaging"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/output"
	"github.com/bryanchriswhite/framegrab/internal/v4l2"
)

// Enumerator finds capture devices and what they offer.
type Enumerator interface {
	FindDevices() ([]v4l2.DeviceInfo, error)
	Describe(path string) (v4l2.DeviceInfo, error)
	Framerates(path, fourcc string, width, height int) ([]int, error)
}

type systemEnumerator struct{}

func (systemEnumerator) FindDevices() ([]v4l2.DeviceInfo, error) { return v4l2.FindDevices() }

func (systemEnumerator) Describe(path string) (v4l2.DeviceInfo, error) { return v4l2.Describe(path) }

func (systemEnumerator) Framerates(path, fourcc string, width, height int) ([]int, error) {
	return v4l2.Framerates(path, fourcc, width, height)
}

// V4L2Options configure the device side of a V4L2Grabber.
type V4L2Options struct {
	Device      string
	Method      capture.IOMethod
	BufferCount int
	Framerate   int
	Standard    capture.Standard
	Loop        capture.LoopConfig

	// Opener, Allocator and Enumerator default to the real system.
	Opener     capture.Opener
	Allocator  capture.Allocator
	Enumerator Enumerator
}

// V4L2Grabber captures from a Video4Linux2 device. Each Run is one session
// of a capture.Device drained by a capture.FrameLoop.
type V4L2Grabber struct {
	*Base
	session sessionControl
	signal  *signalMonitor
	sink    output.Output

	optsMu sync.Mutex
	opts   V4L2Options

	loopMu sync.Mutex
	loop   *capture.FrameLoop
	last   capture.LoopStats

	// set by Observe before the first frame; read only by OnFrame
	format capture.Format

	suppressed atomic.Uint64

	log *zerolog.Logger
}

var (
	_ Backend             = (*V4L2Grabber)(nil)
	_ FramerateSetter     = (*V4L2Grabber)(nil)
	_ SignalDetector      = (*V4L2Grabber)(nil)
	_ VideoStandardSetter = (*V4L2Grabber)(nil)
	_ DevicePathSetter    = (*V4L2Grabber)(nil)
	_ DeviceEnumerator    = (*V4L2Grabber)(nil)
)

// NewV4L2Grabber creates a grabber writing finished frames to sink, which
// may be nil.
func NewV4L2Grabber(cfg Config, opts V4L2Options, sink output.Output) (*V4L2Grabber, error) {
	base, err := NewBase("v4l2", cfg)
	if err != nil {
		return nil, err
	}
	if opts.Device == "" {
		opts.Device = v4l2.DefaultDevice
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = capture.DefaultBufferCount
	}
	if opts.Opener == nil {
		opts.Opener = v4l2.Opener{}
	}
	if opts.Enumerator == nil {
		opts.Enumerator = systemEnumerator{}
	}
	log := logger.WithComponent("v4l2-grabber")
	return &V4L2Grabber{
		Base:   base,
		signal: newSignalMonitor(log),
		sink:   sink,
		opts:   opts,
		log:    log,
	}, nil
}

func (g *V4L2Grabber) options() V4L2Options {
	g.optsMu.Lock()
	defer g.optsMu.Unlock()
	return g.opts
}

// Device returns the configured device path.
func (g *V4L2Grabber) Device() string {
	return g.options().Device
}

// Available checks that the device path is a character device.
func (g *V4L2Grabber) Available() error {
	opts := g.options()
	ok, err := opts.Opener.Stat(opts.Device)
	if err != nil {
		return &capture.DeviceError{Op: "stat", Path: opts.Device, Kind: capture.ErrOpenFailed, Err: err}
	}
	if !ok {
		return &capture.DeviceError{Op: "stat", Path: opts.Device, Kind: capture.ErrNotADevice}
	}
	return nil
}

// Run performs one capture session.
func (g *V4L2Grabber) Run(ctx context.Context, maxFrames int) (capture.LoopStats, error) {
	opts := g.options()

	sctx, cancel := g.session.begin(ctx)
	defer cancel()

	dev := capture.NewDevice(opts.Opener, capture.Options{
		Method:      opts.Method,
		BufferCount: opts.BufferCount,
		Framerate:   opts.Framerate,
		Standard:    opts.Standard,
		Allocator:   opts.Allocator,
	})

	g.log.Info().
		Str("device", opts.Device).
		Stringer("io_method", opts.Method).
		Int("max_frames", maxFrames).
		Msg("Starting capture session")

	stats, err := capture.Run(sctx, dev, g, g, capture.SessionConfig{
		Path:      opts.Device,
		Loop:      opts.Loop,
		MaxFrames: maxFrames,
		Observe: func(d *capture.Device, l *capture.FrameLoop) {
			f := d.Format()
			g.format = f
			g.adoptSize(f.Width, f.Height)
			if cfg := g.Config(); cfg.Width != f.Width || cfg.Height != f.Height {
				g.log.Info().
					Int("width", cfg.Width).
					Int("height", cfg.Height).
					Msg("Scaling device frames to the configured size")
			}
			g.loopMu.Lock()
			g.loop = l
			g.loopMu.Unlock()
			g.log.Info().
				Str("session", d.Session()).
				Str("format", f.FourCC()).
				Int("width", f.Width).
				Int("height", f.Height).
				Msg("Capture session streaming")
		},
	})

	g.loopMu.Lock()
	g.loop = nil
	g.last = stats
	g.loopMu.Unlock()

	err = g.session.end(ctx, err)
	g.log.Info().
		Err(err).
		Uint64("forwarded", stats.Forwarded).
		Uint64("discarded", stats.Discarded).
		Msg("Capture session ended")
	return stats, err
}

// Stats returns the counters of the running session, or of the last one.
func (g *V4L2Grabber) Stats() capture.LoopStats {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()
	if g.loop != nil {
		return g.loop.Stats()
	}
	return g.last
}

// Suppressed counts frames held back while no signal was detected.
func (g *V4L2Grabber) Suppressed() uint64 {
	return g.suppressed.Load()
}

// SignalLost reports whether signal detection is holding frames back.
func (g *V4L2Grabber) SignalLost() bool {
	return g.signal.Lost()
}

// OnFrame converts a raw frame and hands it to the sink. The crop is
// mapped from configured pixels onto the delivered frame and the result is
// scaled to the cropped configured size.
func (g *V4L2Grabber) OnFrame(data []byte, width, height int) error {
	cfg := g.Config()
	f := g.format
	f.Width, f.Height = width, height

	src := imaging.SourceFor(f, cfg.SourceCrop(width, height), cfg.VideoMode.Half())
	size := cfg.OutputSize()
	img, err := imaging.NewResampler(size.X, size.Y).Process(data, src)
	if err != nil {
		return err
	}

	if !g.signal.observe(img) {
		g.suppressed.Add(1)
		return nil
	}
	if g.sink == nil {
		return nil
	}
	return g.sink.WriteFrame(img)
}

// SetWidthHeight restarts a running session when the size changes.
func (g *V4L2Grabber) SetWidthHeight(width, height int) (bool, error) {
	changed, err := g.Base.SetWidthHeight(width, height)
	if changed {
		g.session.requestRestart()
	}
	return changed, err
}

// Apply restarts a running session when the size changes.
func (g *V4L2Grabber) Apply(cfg Config) (bool, error) {
	changed, err := g.Base.Apply(cfg)
	if changed {
		g.session.requestRestart()
	}
	return changed, err
}

// SetFramerate applies from the next session.
func (g *V4L2Grabber) SetFramerate(fps int) error {
	if fps < 0 {
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

// SetVideoStandard switches device and standard together.
func (g *V4L2Grabber) SetVideoStandard(device string, std capture.Standard) error {
	g.optsMu.Lock()
	if device == "" {
		device = g.opts.Device
	}
	changed := g.opts.Device != device || g.opts.Standard != std
	g.opts.Device, g.opts.Standard = device, std
	g.optsMu.Unlock()
	if changed {
		g.log.Info().Str("device", device).Stringer("standard", std).Msg("Device and video standard set")
		g.session.requestRestart()
	}
	return nil
}

func (g *V4L2Grabber) SetDevicePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty device path", ErrConfigRejected)
	}
	g.optsMu.Lock()
	changed := g.opts.Device != path
	g.opts.Device = path
	g.optsMu.Unlock()
	if changed {
		g.session.requestRestart()
	}
	return nil
}

func (g *V4L2Grabber) SetSignalThreshold(t SignalThreshold) error {
	return g.signal.SetSignalThreshold(t)
}

func (g *V4L2Grabber) SetSignalDetectionOffset(o DetectionOffset) error {
	return g.signal.SetSignalDetectionOffset(o)
}

func (g *V4L2Grabber) SetSignalDetectionEnabled(enabled bool) {
	g.signal.SetSignalDetectionEnabled(enabled)
}

func (g *V4L2Grabber) Devices() ([]string, error) {
	infos, err := g.options().Enumerator.FindDevices()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		paths = append(paths, info.Path)
	}
	return paths, nil
}

func (g *V4L2Grabber) DeviceName(path string) (string, error) {
	info, err := g.options().Enumerator.Describe(path)
	if err != nil {
		return "", err
	}
	return info.Card, nil
}

// Resolutions lists the sizes of every format the device offers.
func (g *V4L2Grabber) Resolutions(path string) ([]string, error) {
	info, err := g.options().Enumerator.Describe(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[v4l2.Resolution]bool)
	var out []string
	for _, f := range info.Formats {
		for _, r := range f.Resolutions {
			if !seen[r] {
				seen[r] = true
				out = append(out, r.String())
			}
		}
	}
	return out, nil
}

// Framerates lists the rates for the device's first format at its largest
// size.
func (g *V4L2Grabber) Framerates(path string) ([]string, error) {
	enum := g.options().Enumerator
	info, err := enum.Describe(path)
	if err != nil {
		return nil, err
	}
	if len(info.Formats) == 0 || len(info.Formats[0].Resolutions) == 0 {
		return nil, nil
	}
	f := info.Formats[0]
	r := f.Resolutions[0]
	rates, err := enum.Framerates(path, f.FourCC, r.Width, r.Height)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rates))
	for _, fps := range rates {
		out = append(out, strconv.Itoa(fps))
	}
	return out, nil
}

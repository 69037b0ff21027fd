package commands

import (
	"fmt"

	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/grabber"
	"github.com/bryanchriswhite/framegrab/internal/output"
)

// newRouter builds both backends from cfg, both writing to sink, and
// selects the configured one.
func newRouter(cfg *config.Config, sink output.Output) (*grabber.Router, grabber.Backend, error) {
	gcfg, err := cfg.GrabberConfig()
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.V4L2Options()
	if err != nil {
		return nil, nil, err
	}

	v4l, err := grabber.NewV4L2Grabber(gcfg, opts, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("v4l2 grabber: %w", err)
	}
	threshold, offset := cfg.Signal()
	if err := v4l.SetSignalThreshold(threshold); err != nil {
		return nil, nil, err
	}
	if err := v4l.SetSignalDetectionOffset(offset); err != nil {
		return nil, nil, err
	}
	v4l.SetSignalDetectionEnabled(cfg.SignalDetection.Enabled)

	x11, err := grabber.NewX11Grabber(gcfg, cfg.X11Options(), sink)
	if err != nil {
		return nil, nil, fmt.Errorf("x11 grabber: %w", err)
	}

	router := grabber.NewRouter(v4l, x11)
	active, err := router.Select(cfg.Backend)
	if err != nil {
		return nil, nil, err
	}
	return router, active, nil
}

// newSink returns the in-memory frame store, teeing to a PNG snapshot when
// a path is configured.
func newSink(cfg *config.Config) (*output.MemoryOutput, output.Output) {
	mem := output.NewMemoryOutput()
	if cfg.SnapshotPath == "" {
		return mem, mem
	}
	return mem, output.Multi{mem, output.NewSnapshotOutput(cfg.SnapshotPath, cfg.SnapshotEvery)}
}

// applyConfig pushes live-reloadable settings to g. Device, method and
// buffer changes need a restart of the process.
func applyConfig(g grabber.Backend, cfg *config.Config) error {
	gcfg, err := cfg.GrabberConfig()
	if err != nil {
		return err
	}
	if _, err := g.Apply(gcfg); err != nil {
		return err
	}
	if cfg.Framerate > 0 {
		if err := grabber.SetFramerate(g, cfg.Framerate); err != nil {
			return err
		}
	}
	threshold, offset := cfg.Signal()
	if err := grabber.SetSignalThreshold(g, threshold); err != nil {
		return err
	}
	if err := grabber.SetSignalDetectionOffset(g, offset); err != nil {
		return err
	}
	grabber.SetSignalDetectionEnabled(g, cfg.SignalDetection.Enabled)
	return grabber.SetPixelDecimation(g, cfg.PixelDecimation)
}

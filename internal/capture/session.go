package capture

import (
	"context"
	"errors"
)

// Start takes dev from closed to streaming on path. If any step fails the
// device is torn down again before the error is returned.
func Start(dev *Device, path string) (err error) {
	defer func() {
		if err != nil {
			if terr := dev.Teardown(); terr != nil {
				err = errors.Join(err, terr)
			}
		}
	}()

	if err = dev.Open(path); err != nil {
		return err
	}
	if err = dev.Negotiate(); err != nil {
		return err
	}
	if err = dev.AllocateBuffers(); err != nil {
		return err
	}
	return dev.StartStreaming()
}

// SessionConfig describes one capture session.
type SessionConfig struct {
	Path      string
	Loop      LoopConfig
	MaxFrames int
	// Observe, when set, is called with the loop before it starts running.
	Observe func(*Device, *FrameLoop)
}

// Run starts a session on dev, drains it into consumer and always leaves
// dev closed with its buffers released.
func Run(ctx context.Context, dev *Device, consumer Consumer, gate Gate, cfg SessionConfig) (stats LoopStats, err error) {
	if err := Start(dev, cfg.Path); err != nil {
		return LoopStats{}, err
	}

	loop := NewFrameLoop(dev, consumer, gate, cfg.Loop)
	defer func() {
		stats = loop.Stats()
		if terr := dev.Teardown(); terr != nil {
			err = errors.Join(err, terr)
		}
	}()

	if cfg.Observe != nil {
		cfg.Observe(dev, loop)
	}
	return stats, loop.Run(ctx, cfg.MaxFrames)
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

const (
	// DefaultTimeout bounds each readiness wait.
	DefaultTimeout = 2 * time.Second

	// DefaultMaxNotReady bounds consecutive transient retries.
	DefaultMaxNotReady = 100
)

// Source is the dequeue/requeue half of a streaming Device.
type Source interface {
	Dequeue(timeout time.Duration) (Frame, error)
	Requeue(slot int) error
}

// Consumer receives raw frames. data must not be retained after OnFrame
// returns; the buffer is handed back to the device immediately.
type Consumer interface {
	OnFrame(data []byte, width, height int) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(data []byte, width, height int) error

func (f ConsumerFunc) OnFrame(data []byte, width, height int) error {
	return f(data, width, height)
}

// Gate decides whether frames reach the consumer.
type Gate interface {
	Enabled() bool
}

// LoopConfig tunes a FrameLoop.
type LoopConfig struct {
	Timeout     time.Duration
	MaxNotReady int
	// RetryDelay is slept between transient retries.
	RetryDelay time.Duration
}

// LoopStats counts what a FrameLoop did. Safe to read while running.
type LoopStats struct {
	Dequeued       uint64 `json:"dequeued"`
	Forwarded      uint64 `json:"forwarded"`
	Discarded      uint64 `json:"discarded"`
	NotReady       uint64 `json:"not_ready"`
	ConsumerErrors uint64 `json:"consumer_errors"`
}

// FrameLoop drains a streaming source into a consumer.
type FrameLoop struct {
	src      Source
	consumer Consumer
	gate     Gate
	cfg      LoopConfig

	dequeued       atomic.Uint64
	forwarded      atomic.Uint64
	discarded      atomic.Uint64
	notReady       atomic.Uint64
	consumerErrors atomic.Uint64

	log *zerolog.Logger
}

// NewFrameLoop creates a loop. A nil gate forwards every frame.
func NewFrameLoop(src Source, consumer Consumer, gate Gate, cfg LoopConfig) *FrameLoop {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxNotReady <= 0 {
		cfg.MaxNotReady = DefaultMaxNotReady
	}
	return &FrameLoop{
		src:      src,
		consumer: consumer,
		gate:     gate,
		cfg:      cfg,
		log:      logger.WithComponent("frame-loop"),
	}
}

// Run processes frames until maxFrames have been dequeued (0 means no
// limit), ctx is cancelled, or the source fails. Cancellation is only
// observed between frames. Transient not-ready results are retried and do
// not count as frames.
func (l *FrameLoop) Run(ctx context.Context, maxFrames int) error {
	var frames, retries int

	for maxFrames <= 0 || frames < maxFrames {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := l.src.Dequeue(l.cfg.Timeout)
		if errors.Is(err, ErrNotReady) {
			l.notReady.Add(1)
			retries++
			if retries > l.cfg.MaxNotReady {
				return fmt.Errorf("%w: %d consecutive not-ready results", ErrDeviceIO, retries-1)
			}
			if l.cfg.RetryDelay > 0 {
				time.Sleep(l.cfg.RetryDelay)
			}
			continue
		}
		if err != nil {
			l.log.Error().Err(err).Int("frames", frames).Msg("Frame loop stopped")
			return err
		}
		retries = 0
		frames++
		l.dequeued.Add(1)

		l.deliver(frame)

		if err := l.src.Requeue(frame.Slot); err != nil {
			l.log.Error().Err(err).Int("slot", frame.Slot).Msg("Requeue failed")
			return err
		}
	}
	return nil
}

func (l *FrameLoop) deliver(frame Frame) {
	if l.gate != nil && !l.gate.Enabled() {
		l.discarded.Add(1)
		return
	}
	if err := l.consumer.OnFrame(frame.Data, frame.Format.Width, frame.Format.Height); err != nil {
		l.consumerErrors.Add(1)
		l.log.Warn().Err(err).Int("bytes", len(frame.Data)).Msg("Consumer rejected frame")
		return
	}
	l.forwarded.Add(1)
}

// Stats returns a snapshot of the counters.
func (l *FrameLoop) Stats() LoopStats {
	return LoopStats{
		Dequeued:       l.dequeued.Load(),
		Forwarded:      l.forwarded.Load(),
		Discarded:      l.discarded.Load(),
		NotReady:       l.notReady.Load(),
		ConsumerErrors: l.consumerErrors.Load(),
	}
}

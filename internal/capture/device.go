package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// State is the lifecycle position of a Device.
type State int

const (
	StateClosed State = iota
	StateOpened
	StateNegotiated
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpened:
		return "opened"
	case StateNegotiated:
		return "negotiated"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options fix the parameters of every session run on a Device.
type Options struct {
	Method      IOMethod
	BufferCount int
	// Framerate is applied during negotiation when non-zero.
	Framerate int
	Standard  Standard
	Allocator Allocator
}

// Frame is a dequeued buffer. Data is only valid until the slot is requeued.
type Frame struct {
	Slot   int
	Data   []byte
	Format Format
}

// Device drives one capture device through its session lifecycle:
// Open, Negotiate, AllocateBuffers, StartStreaming, Dequeue/Requeue,
// then StopStreaming, ReleaseBuffers and Close. It is not safe for
// concurrent use.
type Device struct {
	opener Opener
	opts   Options

	path     string
	session  string
	drv      Driver
	state    State
	caps     Capability
	format   Format
	pool     *BufferPool
	dequeued []bool

	log *zerolog.Logger
}

// NewDevice creates a closed device.
func NewDevice(opener Opener, opts Options) *Device {
	if opts.Allocator == nil {
		opts.Allocator = PageAllocator{}
	}
	return &Device{
		opener: opener,
		opts:   opts,
		log:    logger.WithComponent("capture-device"),
	}
}

// Open checks that path is a character device and opens it.
func (d *Device) Open(path string) error {
	if d.state != StateClosed {
		return d.fail("open", ErrInvalidState, fmt.Errorf("device is %s", d.state))
	}
	d.path = path

	isChar, err := d.opener.Stat(path)
	if err != nil {
		return d.fail("open", ErrOpenFailed, err)
	}
	if !isChar {
		return d.fail("open", ErrNotADevice, nil)
	}

	drv, err := d.opener.Open(path)
	if err != nil {
		return d.fail("open", ErrOpenFailed, err)
	}

	d.drv = drv
	d.state = StateOpened
	d.session = uuid.NewString()
	d.log = logger.WithSession("capture-device", d.session)
	d.log.Debug().Str("device", path).Msg("Device opened")
	return nil
}

// Negotiate checks capabilities, resets hardware cropping and reads the
// format the driver currently has configured.
func (d *Device) Negotiate() error {
	if d.state != StateOpened {
		return d.fail("negotiate", ErrInvalidState, fmt.Errorf("device is %s", d.state))
	}

	caps, err := d.drv.QueryCapability()
	if err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTTY) {
			return d.fail("negotiate", ErrCapabilityUnsupported, fmt.Errorf("not a V4L2 device: %w", err))
		}
		return d.fail("negotiate", ErrDeviceUnavailable, err)
	}
	if !caps.Has(CapVideoCapture) {
		return d.fail("negotiate", ErrCapabilityUnsupported, errors.New("no video capture"))
	}
	switch d.opts.Method {
	case IORead:
		if !caps.Has(CapReadWrite) {
			return d.fail("negotiate", ErrCapabilityUnsupported, errors.New("no read i/o"))
		}
	case IOMemoryMapped, IOUserPointer:
		if !caps.Has(CapStreaming) {
			return d.fail("negotiate", ErrCapabilityUnsupported, errors.New("no streaming i/o"))
		}
	}
	d.caps = caps

	// Cropping is optional hardware; any failure leaves the device as it was.
	if err := d.drv.ResetCrop(); err != nil {
		d.log.Debug().Err(err).Msg("Crop reset not supported")
	}

	if d.opts.Standard != StandardNoChange {
		if err := d.drv.SetStandard(d.opts.Standard); err != nil {
			d.log.Warn().Err(err).Str("standard", d.opts.Standard.String()).Msg("Failed to set video standard")
		}
	}

	// The driver's current format is kept so devices configured externally
	// (v4l2-ctl, media-ctl) are captured as configured.
	format, err := d.drv.Format()
	if err != nil {
		return d.fail("negotiate", ErrDeviceUnavailable, fmt.Errorf("get format: %w", err))
	}
	if format.Width <= 0 || format.Height <= 0 {
		return d.fail("negotiate", ErrCapabilityUnsupported, fmt.Errorf("driver reports %dx%d", format.Width, format.Height))
	}
	if format.SizeImage <= 0 {
		format.SizeImage = format.BytesPerLine * format.Height
	}
	d.format = format

	if d.opts.Framerate > 0 {
		if err := d.drv.SetFramerate(d.opts.Framerate); err != nil {
			d.log.Warn().Err(err).Int("fps", d.opts.Framerate).Msg("Failed to set framerate")
		}
	}

	d.state = StateNegotiated
	d.log.Info().
		Str("device", d.path).
		Str("card", caps.Card).
		Str("driver", caps.Driver).
		Str("pixel_format", format.FourCC()).
		Int("width", format.Width).
		Int("height", format.Height).
		Str("method", d.opts.Method.String()).
		Msg("Device negotiated")
	return nil
}

// AllocateBuffers populates the session's buffer pool.
func (d *Device) AllocateBuffers() error {
	if d.state != StateNegotiated || d.pool != nil {
		return d.fail("allocate", ErrInvalidState, fmt.Errorf("device is %s", d.state))
	}

	pool := NewBufferPool(d.drv, d.opts.Allocator)
	if err := pool.Allocate(d.opts.Method, d.opts.BufferCount, d.format.SizeImage); err != nil {
		return d.fail("allocate", kindOf(err, ErrAllocation), err)
	}
	d.pool = pool
	d.dequeued = make([]bool, pool.Len())
	return nil
}

// StartStreaming queues every buffer and turns the stream on.
func (d *Device) StartStreaming() error {
	if d.state != StateNegotiated || d.pool == nil {
		return d.fail("start", ErrInvalidState, fmt.Errorf("device is %s", d.state))
	}

	if d.opts.Method.Streaming() {
		for i := 0; i < d.pool.Len(); i++ {
			if err := d.enqueue(i); err != nil {
				return d.fail("start", ErrDeviceIO, fmt.Errorf("queue buffer %d: %w", i, err))
			}
		}
		if err := d.drv.StreamOn(); err != nil {
			return d.fail("start", ErrDeviceIO, fmt.Errorf("stream on: %w", err))
		}
	}

	d.state = StateStreaming
	d.log.Debug().Int("buffers", d.pool.Len()).Msg("Streaming started")
	return nil
}

// Dequeue waits up to timeout for a filled buffer. It returns ErrNotReady
// when the caller should simply wait again and ErrDeviceTimeout when the
// device produced nothing in time.
func (d *Device) Dequeue(timeout time.Duration) (Frame, error) {
	if d.state != StateStreaming {
		return Frame{}, d.fail("dequeue", ErrInvalidState, fmt.Errorf("device is %s", d.state))
	}

	ready, err := d.drv.Wait(timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return Frame{}, ErrNotReady
		}
		return Frame{}, d.fail("wait", ErrDeviceIO, err)
	}
	if !ready {
		return Frame{}, d.fail("wait", ErrDeviceTimeout, fmt.Errorf("no frame within %s", timeout))
	}

	if d.opts.Method == IORead {
		return d.readFrame()
	}

	dq, err := d.drv.Dequeue(d.opts.Method)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return Frame{}, ErrNotReady
		}
		return Frame{}, d.fail("dequeue", ErrDeviceIO, err)
	}

	slot := dq.Index
	if d.opts.Method == IOUserPointer {
		if s := d.pool.SlotForAddr(dq.UserPtr, dq.Length); s >= 0 {
			slot = s
		}
	}
	buf, ok := d.pool.Buffer(slot)
	if !ok {
		return Frame{}, d.fail("dequeue", ErrDeviceIO, fmt.Errorf("driver returned unknown buffer %d", dq.Index))
	}
	d.dequeued[slot] = true

	used := dq.BytesUsed
	if used <= 0 || used > buf.Len() {
		used = buf.Len()
	}
	return Frame{Slot: slot, Data: buf.Data[:used], Format: d.format}, nil
}

func (d *Device) readFrame() (Frame, error) {
	buf, _ := d.pool.Buffer(0)
	n, err := d.drv.Read(buf.Data)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return Frame{}, ErrNotReady
		}
		return Frame{}, d.fail("read", ErrDeviceIO, err)
	}
	return Frame{Slot: 0, Data: buf.Data[:n], Format: d.format}, nil
}

// Requeue hands a dequeued slot back to the device.
func (d *Device) Requeue(slot int) error {
	if d.state != StateStreaming {
		return d.fail("requeue", ErrInvalidState, fmt.Errorf("device is %s", d.state))
	}
	if !d.opts.Method.Streaming() {
		return nil
	}
	if slot < 0 || slot >= len(d.dequeued) || !d.dequeued[slot] {
		return d.fail("requeue", ErrInvalidState, fmt.Errorf("buffer %d is not dequeued", slot))
	}
	if err := d.enqueue(slot); err != nil {
		return d.fail("requeue", ErrDeviceIO, err)
	}
	d.dequeued[slot] = false
	return nil
}

func (d *Device) enqueue(slot int) error {
	var user []byte
	if d.opts.Method == IOUserPointer {
		b, _ := d.pool.Buffer(slot)
		user = b.Data
	}
	return d.drv.Enqueue(d.opts.Method, slot, user)
}

// StopStreaming turns the stream off. It is a no-op when not streaming.
func (d *Device) StopStreaming() error {
	if d.state != StateStreaming {
		return nil
	}
	d.state = StateNegotiated
	for i := range d.dequeued {
		d.dequeued[i] = false
	}

	if d.opts.Method.Streaming() {
		if err := d.drv.StreamOff(); err != nil {
			return d.fail("stop", ErrDeviceIO, fmt.Errorf("stream off: %w", err))
		}
	}
	d.log.Debug().Msg("Streaming stopped")
	return nil
}

// ReleaseBuffers frees the pool, stopping the stream first if needed.
func (d *Device) ReleaseBuffers() error {
	var errs []error
	if d.state == StateStreaming {
		errs = append(errs, d.StopStreaming())
	}
	if d.pool != nil {
		if err := d.pool.Release(); err != nil {
			errs = append(errs, d.fail("release", ErrDeviceIO, err))
		}
		d.pool = nil
		d.dequeued = nil
	}
	return errors.Join(errs...)
}

// Close releases any remaining session resources and closes the handle.
// Closing a closed device does nothing.
func (d *Device) Close() error {
	if d.state == StateClosed && d.drv == nil {
		return nil
	}
	errs := []error{d.ReleaseBuffers()}

	if d.drv != nil {
		if err := d.drv.Close(); err != nil {
			errs = append(errs, d.fail("close", ErrDeviceIO, err))
		}
		d.drv = nil
	}
	d.state = StateClosed
	d.format = Format{}
	d.log.Debug().Str("device", d.path).Msg("Device closed")
	return errors.Join(errs...)
}

// Teardown runs StopStreaming, ReleaseBuffers and Close in that order and
// reports every failure.
func (d *Device) Teardown() error {
	return errors.Join(d.StopStreaming(), d.ReleaseBuffers(), d.Close())
}

// State is the current lifecycle state.
func (d *Device) State() State {
	return d.state
}

// Format is the negotiated format; zero before Negotiate.
func (d *Device) Format() Format {
	return d.format
}

// Capability is the result of the last successful Negotiate.
func (d *Device) Capability() Capability {
	return d.caps
}

// Method is the session I/O method.
func (d *Device) Method() IOMethod {
	return d.opts.Method
}

// Session identifies the current open/close cycle.
func (d *Device) Session() string {
	return d.session
}

// Path is the device path passed to Open.
func (d *Device) Path() string {
	return d.path
}

// Pool exposes the session buffers; nil outside a session.
func (d *Device) Pool() *BufferPool {
	return d.pool
}

func (d *Device) fail(op string, kind, err error) error {
	if err != nil && errors.Is(err, kind) {
		return &DeviceError{Op: op, Path: d.path, Kind: err}
	}
	return &DeviceError{Op: op, Path: d.path, Kind: kind, Err: err}
}

// kindOf returns the first sentinel err already matches, or fallback.
func kindOf(err, fallback error) error {
	for _, k := range []error{ErrCapabilityUnsupported, ErrInsufficientBuffers, ErrAllocation, ErrInvalidState} {
		if errors.Is(err, k) {
			return k
		}
	}
	return fallback
}

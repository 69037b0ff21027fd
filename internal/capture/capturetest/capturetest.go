// Package capturetest provides a simulated capture driver and an
// allocation-tracking allocator for tests.
package capturetest

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

// YUYV is the fourcc of packed YUV 4:2:2.
const YUYV uint32 = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24

// Step is one scripted wait/dequeue outcome.
type Step int

const (
	// Frame delivers the next queued buffer.
	Frame Step = iota
	// NotReady makes the wait succeed but the dequeue/read return EAGAIN.
	NotReady
	// Timeout makes the wait expire.
	Timeout
	// Interrupted makes the wait return EINTR.
	Interrupted
	// IOError makes the dequeue/read return EIO.
	IOError
	// ReadInterrupted makes the wait succeed but the dequeue/read return
	// EINTR.
	ReadInterrupted
)

// Driver simulates a V4L2 device. Fields are set by tests before use.
type Driver struct {
	Caps         capture.Capability
	CapErr       error
	Fmt          capture.Format
	FmtErr       error
	CropErr      error
	FramerateErr error

	// Granted overrides the number of buffers granted by RequestBuffers
	// when non-zero.
	Granted      int
	RequestErr   error
	QueryFailAt  int
	MapFailAt    int
	EnqueueErr   error
	StreamOnErr  error
	StreamOffErr error
	CloseErr     error

	// Script is consumed one step per Wait. When empty, Exhausted is used.
	Script    []Step
	Exhausted Step

	// Observations.
	Requests   []int
	Framerate  int
	Standard   capture.Standard
	CropResets int
	StreamOns  int
	StreamOffs int
	Waits      int
	Enqueues   int
	Closed     bool
	Streaming  bool
	mapped     map[uintptr]int
	queue      []int
	userPtrs   map[int][]byte
	current    Step
	fill       byte
}

// NewDriver returns a streaming+read capable 640x480 YUYV device.
func NewDriver() *Driver {
	return &Driver{
		Caps: capture.Capability{
			Driver:       "vivid",
			Card:         "Simulated Capture",
			BusInfo:      "platform:sim",
			Capabilities: capture.CapVideoCapture | capture.CapStreaming | capture.CapReadWrite,
		},
		Fmt: capture.Format{
			PixelFormat:  YUYV,
			Width:        640,
			Height:       480,
			BytesPerLine: 640 * 2,
			SizeImage:    640 * 480 * 2,
		},
		QueryFailAt: -1,
		MapFailAt:   -1,
		mapped:      make(map[uintptr]int),
		userPtrs:    make(map[int][]byte),
	}
}

// Mapped is the number of regions mapped and not yet unmapped.
func (d *Driver) Mapped() int {
	return len(d.mapped)
}

// Queued is the number of buffers currently owned by the simulated kernel.
func (d *Driver) Queued() int {
	return len(d.queue)
}

func (d *Driver) QueryCapability() (capture.Capability, error) {
	return d.Caps, d.CapErr
}

func (d *Driver) ResetCrop() error {
	d.CropResets++
	return d.CropErr
}

func (d *Driver) Format() (capture.Format, error) {
	return d.Fmt, d.FmtErr
}

func (d *Driver) SetFramerate(fps int) error {
	if d.FramerateErr != nil {
		return d.FramerateErr
	}
	d.Framerate = fps
	return nil
}

func (d *Driver) SetStandard(std capture.Standard) error {
	d.Standard = std
	return nil
}

func (d *Driver) RequestBuffers(method capture.IOMethod, count int) (int, error) {
	d.Requests = append(d.Requests, count)
	if count == 0 {
		return 0, nil
	}
	if d.RequestErr != nil {
		return 0, d.RequestErr
	}
	if d.Granted != 0 {
		return d.Granted, nil
	}
	return count, nil
}

func (d *Driver) QueryBuffer(index int) (int64, int, error) {
	if index == d.QueryFailAt {
		return 0, 0, unix.EINVAL
	}
	return int64(index) * int64(d.Fmt.SizeImage), d.Fmt.SizeImage, nil
}

func (d *Driver) Map(offset int64, length int) ([]byte, error) {
	if int(offset)/max(length, 1) == d.MapFailAt {
		return nil, unix.ENOMEM
	}
	b := make([]byte, length)
	d.mapped[addr(b)] = length
	return b, nil
}

func (d *Driver) Unmap(b []byte) error {
	a := addr(b)
	if _, ok := d.mapped[a]; !ok {
		return fmt.Errorf("unmap of unmapped region %#x: %w", a, unix.EINVAL)
	}
	delete(d.mapped, a)
	return nil
}

func (d *Driver) Enqueue(method capture.IOMethod, index int, user []byte) error {
	if d.EnqueueErr != nil {
		return d.EnqueueErr
	}
	for _, q := range d.queue {
		if q == index {
			return fmt.Errorf("buffer %d queued twice: %w", index, unix.EINVAL)
		}
	}
	if method == capture.IOUserPointer {
		if len(user) == 0 {
			return unix.EFAULT
		}
		d.userPtrs[index] = user
	}
	d.Enqueues++
	d.queue = append(d.queue, index)
	return nil
}

func (d *Driver) Dequeue(method capture.IOMethod) (capture.Dequeued, error) {
	switch d.current {
	case NotReady:
		return capture.Dequeued{}, unix.EAGAIN
	case ReadInterrupted:
		return capture.Dequeued{}, unix.EINTR
	case IOError:
		return capture.Dequeued{}, unix.EIO
	}
	if !d.Streaming || len(d.queue) == 0 {
		return capture.Dequeued{}, unix.EAGAIN
	}
	index := d.queue[0]
	d.queue = d.queue[1:]

	dq := capture.Dequeued{Index: index, BytesUsed: d.Fmt.SizeImage}
	if method == capture.IOUserPointer {
		user := d.userPtrs[index]
		d.fillFrame(user)
		dq.UserPtr = addr(user)
		dq.Length = len(user)
	}
	return dq, nil
}

func (d *Driver) StreamOn() error {
	if d.StreamOnErr != nil {
		return d.StreamOnErr
	}
	d.StreamOns++
	d.Streaming = true
	return nil
}

func (d *Driver) StreamOff() error {
	d.StreamOffs++
	d.Streaming = false
	d.queue = nil
	return d.StreamOffErr
}

func (d *Driver) Read(p []byte) (int, error) {
	switch d.current {
	case NotReady:
		return 0, unix.EAGAIN
	case ReadInterrupted:
		return 0, unix.EINTR
	case IOError:
		return 0, unix.EIO
	}
	d.fillFrame(p)
	return len(p), nil
}

func (d *Driver) Wait(timeout time.Duration) (bool, error) {
	d.Waits++
	d.current = d.Exhausted
	if len(d.Script) > 0 {
		d.current = d.Script[0]
		d.Script = d.Script[1:]
	}
	switch d.current {
	case Timeout:
		return false, nil
	case Interrupted:
		return false, unix.EINTR
	}
	return true, nil
}

func (d *Driver) Close() error {
	d.Closed = true
	return d.CloseErr
}

func (d *Driver) fillFrame(p []byte) {
	d.fill++
	for i := range p {
		p[i] = d.fill
	}
}

// Opener hands out a single Driver.
type Opener struct {
	Driver  *Driver
	NotChar bool
	StatErr error
	OpenErr error
	Opens   int
}

// NewOpener wraps drv.
func NewOpener(drv *Driver) *Opener {
	return &Opener{Driver: drv}
}

func (o *Opener) Stat(path string) (bool, error) {
	if o.StatErr != nil {
		return false, o.StatErr
	}
	return !o.NotChar, nil
}

func (o *Opener) Open(path string) (capture.Driver, error) {
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	o.Opens++
	o.Driver.Closed = false
	return o.Driver, nil
}

// Allocator tracks every allocation so tests can assert nothing leaks.
type Allocator struct {
	// FailAt makes the n-th allocation (0-based) fail; negative disables.
	FailAt      int
	Allocs      int
	Frees       int
	outstanding map[uintptr]int
}

// NewAllocator returns a tracking allocator that never fails.
func NewAllocator() *Allocator {
	return &Allocator{FailAt: -1, outstanding: make(map[uintptr]int)}
}

func (a *Allocator) Alloc(size int) ([]byte, error) {
	if a.Allocs == a.FailAt {
		a.Allocs++
		return nil, unix.ENOMEM
	}
	a.Allocs++
	b := make([]byte, size)
	a.outstanding[addr(b)] = size
	return b, nil
}

func (a *Allocator) Free(b []byte) error {
	k := addr(b)
	if _, ok := a.outstanding[k]; !ok {
		return fmt.Errorf("free of unknown region %#x", k)
	}
	delete(a.outstanding, k)
	a.Frees++
	return nil
}

// Outstanding is the number of live allocations.
func (a *Allocator) Outstanding() int {
	return len(a.outstanding)
}

func addr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

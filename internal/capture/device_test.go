package capture_test

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/capture/capturetest"
)

func newDevice(method capture.IOMethod) (*capture.Device, *capturetest.Driver, *capturetest.Opener, *capturetest.Allocator) {
	drv := capturetest.NewDriver()
	opener := capturetest.NewOpener(drv)
	alloc := capturetest.NewAllocator()
	dev := capture.NewDevice(opener, capture.Options{
		Method:      method,
		BufferCount: 4,
		Allocator:   alloc,
	})
	return dev, drv, opener, alloc
}

func TestDevice_Open(t *testing.T) {
	t.Run("not a character device", func(t *testing.T) {
		dev, _, opener, _ := newDevice(capture.IOMemoryMapped)
		opener.NotChar = true

		err := dev.Open("/tmp/file")
		if !errors.Is(err, capture.ErrNotADevice) {
			t.Fatalf("Open() error = %v, want ErrNotADevice", err)
		}
		if !errors.Is(err, capture.ErrDeviceUnavailable) {
			t.Errorf("ErrNotADevice should match ErrDeviceUnavailable")
		}
		if dev.State() != capture.StateClosed {
			t.Errorf("State() = %v, want closed", dev.State())
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		dev, _, opener, _ := newDevice(capture.IOMemoryMapped)
		opener.OpenErr = unix.EACCES

		err := dev.Open("/dev/video0")
		if !errors.Is(err, capture.ErrOpenFailed) {
			t.Fatalf("Open() error = %v, want ErrOpenFailed", err)
		}
		if !errors.Is(err, unix.EACCES) {
			t.Errorf("error should carry EACCES")
		}
	})

	t.Run("missing path", func(t *testing.T) {
		dev, _, opener, _ := newDevice(capture.IOMemoryMapped)
		opener.StatErr = unix.ENOENT

		if err := dev.Open("/dev/video9"); !errors.Is(err, capture.ErrOpenFailed) {
			t.Fatalf("Open() error = %v, want ErrOpenFailed", err)
		}
	})

	t.Run("open twice", func(t *testing.T) {
		dev, _, _, _ := newDevice(capture.IOMemoryMapped)
		if err := dev.Open("/dev/video0"); err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if err := dev.Open("/dev/video0"); !errors.Is(err, capture.ErrInvalidState) {
			t.Fatalf("second Open() error = %v, want ErrInvalidState", err)
		}
		if dev.Session() == "" {
			t.Error("Session() is empty after Open")
		}
	})
}

func TestDevice_NegotiateCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		method  capture.IOMethod
		caps    uint32
		wantErr error
	}{
		{"mmap with streaming", capture.IOMemoryMapped, capture.CapVideoCapture | capture.CapStreaming, nil},
		{"userptr with streaming", capture.IOUserPointer, capture.CapVideoCapture | capture.CapStreaming, nil},
		{"read with readwrite", capture.IORead, capture.CapVideoCapture | capture.CapReadWrite, nil},
		{"no video capture", capture.IOMemoryMapped, capture.CapStreaming, capture.ErrCapabilityUnsupported},
		{"mmap without streaming", capture.IOMemoryMapped, capture.CapVideoCapture | capture.CapReadWrite, capture.ErrCapabilityUnsupported},
		{"read without readwrite", capture.IORead, capture.CapVideoCapture | capture.CapStreaming, capture.ErrCapabilityUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, drv, _, _ := newDevice(tt.method)
			drv.Caps.Capabilities = tt.caps

			if err := dev.Open("/dev/video0"); err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			err := dev.Negotiate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Negotiate() error = %v", err)
				}
				if dev.State() != capture.StateNegotiated {
					t.Errorf("State() = %v, want negotiated", dev.State())
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Negotiate() error = %v, want %v", err, tt.wantErr)
			}
			if dev.State() != capture.StateOpened {
				t.Errorf("State() = %v, want opened after failed negotiation", dev.State())
			}
		})
	}
}

func TestDevice_NegotiateIgnoresCropFailure(t *testing.T) {
	dev, drv, _, _ := newDevice(capture.IOMemoryMapped)
	drv.CropErr = unix.EINVAL

	if err := dev.Open("/dev/video0"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.Negotiate(); err != nil {
		t.Fatalf("Negotiate() error = %v, crop failures must be ignored", err)
	}
	if drv.CropResets != 1 {
		t.Errorf("CropResets = %d, want 1", drv.CropResets)
	}
}

func TestDevice_NegotiateKeepsDriverFormat(t *testing.T) {
	dev, drv, _, _ := newDevice(capture.IOMemoryMapped)
	drv.Fmt = capture.Format{PixelFormat: capturetest.YUYV, Width: 720, Height: 480, BytesPerLine: 1440}

	if err := dev.Open("/dev/video0"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.Negotiate(); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	got := dev.Format()
	if got.Width != 720 || got.Height != 480 {
		t.Errorf("Format() = %dx%d, want 720x480", got.Width, got.Height)
	}
	if got.SizeImage != 1440*480 {
		t.Errorf("SizeImage = %d, want derived %d", got.SizeImage, 1440*480)
	}
	if got.FourCC() != "YUYV" {
		t.Errorf("FourCC() = %q, want YUYV", got.FourCC())
	}
}

func TestDevice_NegotiateAppliesFramerateAndStandard(t *testing.T) {
	drv := capturetest.NewDriver()
	dev := capture.NewDevice(capturetest.NewOpener(drv), capture.Options{
		Method:    capture.IOMemoryMapped,
		Framerate: 25,
		Standard:  capture.StandardPAL,
		Allocator: capturetest.NewAllocator(),
	})
	if err := dev.Open("/dev/video0"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.Negotiate(); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if drv.Framerate != 25 {
		t.Errorf("Framerate = %d, want 25", drv.Framerate)
	}
	if drv.Standard != capture.StandardPAL {
		t.Errorf("Standard = %v, want PAL", drv.Standard)
	}
}

func TestDevice_OutOfOrderCalls(t *testing.T) {
	dev, _, _, _ := newDevice(capture.IOMemoryMapped)

	if err := dev.Negotiate(); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Negotiate() before Open error = %v", err)
	}
	if err := dev.AllocateBuffers(); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("AllocateBuffers() before Negotiate error = %v", err)
	}
	if err := dev.StartStreaming(); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("StartStreaming() before allocation error = %v", err)
	}
	if _, err := dev.Dequeue(time.Second); !errors.Is(err, capture.ErrInvalidState) {
		t.Errorf("Dequeue() before streaming error = %v", err)
	}
}

func TestDevice_FullLifecycle(t *testing.T) {
	for _, method := range []capture.IOMethod{capture.IORead, capture.IOMemoryMapped, capture.IOUserPointer} {
		t.Run(method.String(), func(t *testing.T) {
			dev, drv, _, alloc := newDevice(method)

			if err := capture.Start(dev, "/dev/video0"); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if dev.State() != capture.StateStreaming {
				t.Fatalf("State() = %v, want streaming", dev.State())
			}
			if method.Streaming() && drv.Queued() != 4 {
				t.Errorf("Queued() = %d, want 4", drv.Queued())
			}

			for i := 0; i < 6; i++ {
				frame, err := dev.Dequeue(time.Second)
				if err != nil {
					t.Fatalf("Dequeue() #%d error = %v", i, err)
				}
				if len(frame.Data) != drv.Fmt.SizeImage {
					t.Errorf("frame len = %d, want %d", len(frame.Data), drv.Fmt.SizeImage)
				}
				if frame.Format.Width != 640 || frame.Format.Height != 480 {
					t.Errorf("frame geometry = %dx%d", frame.Format.Width, frame.Format.Height)
				}
				if err := dev.Requeue(frame.Slot); err != nil {
					t.Fatalf("Requeue() error = %v", err)
				}
			}

			if err := dev.StopStreaming(); err != nil {
				t.Fatalf("StopStreaming() error = %v", err)
			}
			if dev.State() != capture.StateNegotiated {
				t.Errorf("State() after stop = %v, want negotiated", dev.State())
			}
			if err := dev.ReleaseBuffers(); err != nil {
				t.Fatalf("ReleaseBuffers() error = %v", err)
			}
			if err := dev.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if dev.State() != capture.StateClosed || !drv.Closed {
				t.Errorf("device not closed: state=%v driverClosed=%v", dev.State(), drv.Closed)
			}
			if drv.Mapped() != 0 || alloc.Outstanding() != 0 {
				t.Errorf("leak: mapped=%d heap=%d", drv.Mapped(), alloc.Outstanding())
			}

			// Teardown on a closed device is harmless.
			if err := dev.Teardown(); err != nil {
				t.Errorf("Teardown() on closed device error = %v", err)
			}
		})
	}
}

func TestDevice_DequeueOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		method  capture.IOMethod
		step    capturetest.Step
		wantErr error
	}{
		{"mmap eagain", capture.IOMemoryMapped, capturetest.NotReady, capture.ErrNotReady},
		{"mmap eintr", capture.IOMemoryMapped, capturetest.Interrupted, capture.ErrNotReady},
		{"dqbuf interrupted", capture.IOUserPointer, capturetest.ReadInterrupted, capture.ErrNotReady},
		{"mmap timeout", capture.IOMemoryMapped, capturetest.Timeout, capture.ErrDeviceTimeout},
		{"mmap eio", capture.IOMemoryMapped, capturetest.IOError, capture.ErrDeviceIO},
		{"read eagain", capture.IORead, capturetest.NotReady, capture.ErrNotReady},
		{"read interrupted", capture.IORead, capturetest.ReadInterrupted, capture.ErrNotReady},
		{"read eio", capture.IORead, capturetest.IOError, capture.ErrDeviceIO},
		{"read timeout", capture.IORead, capturetest.Timeout, capture.ErrDeviceTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, drv, _, _ := newDevice(tt.method)
			if err := capture.Start(dev, "/dev/video0"); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer dev.Teardown()

			drv.Script = []capturetest.Step{tt.step}
			_, err := dev.Dequeue(10 * time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Dequeue() error = %v, want %v", err, tt.wantErr)
			}
			if capture.IsFatal(err) != (tt.wantErr != capture.ErrNotReady) {
				t.Errorf("IsFatal(%v) = %v", err, capture.IsFatal(err))
			}
		})
	}
}

func TestDevice_RequeueRequiresDequeuedSlot(t *testing.T) {
	dev, _, _, _ := newDevice(capture.IOMemoryMapped)
	if err := capture.Start(dev, "/dev/video0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer dev.Teardown()

	if err := dev.Requeue(0); !errors.Is(err, capture.ErrInvalidState) {
		t.Fatalf("Requeue() of queued slot error = %v, want ErrInvalidState", err)
	}

	frame, err := dev.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if err := dev.Requeue(frame.Slot); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if err := dev.Requeue(frame.Slot); !errors.Is(err, capture.ErrInvalidState) {
		t.Fatalf("double Requeue() error = %v, want ErrInvalidState", err)
	}
}

func TestDevice_UserPointerSlotsResolvedByAddress(t *testing.T) {
	dev, _, _, _ := newDevice(capture.IOUserPointer)
	if err := capture.Start(dev, "/dev/video0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer dev.Teardown()

	frame, err := dev.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	b, _ := dev.Pool().Buffer(frame.Slot)
	if &b.Data[0] != &frame.Data[0] {
		t.Error("frame data does not alias the pool buffer of its slot")
	}
}

func TestStart_FailureTearsDown(t *testing.T) {
	t.Run("single mmap buffer", func(t *testing.T) {
		dev, drv, _, _ := newDevice(capture.IOMemoryMapped)
		drv.Granted = 1

		err := capture.Start(dev, "/dev/video0")
		if !errors.Is(err, capture.ErrInsufficientBuffers) {
			t.Fatalf("Start() error = %v, want ErrInsufficientBuffers", err)
		}
		if dev.State() != capture.StateClosed || !drv.Closed {
			t.Errorf("device left %v, driver closed=%v", dev.State(), drv.Closed)
		}
		if drv.Mapped() != 0 {
			t.Errorf("mapped regions = %d, want 0", drv.Mapped())
		}
	})

	t.Run("stream on rejected", func(t *testing.T) {
		dev, drv, _, alloc := newDevice(capture.IOUserPointer)
		drv.StreamOnErr = unix.EBUSY

		err := capture.Start(dev, "/dev/video0")
		if !errors.Is(err, capture.ErrDeviceIO) {
			t.Fatalf("Start() error = %v, want ErrDeviceIO", err)
		}
		if dev.State() != capture.StateClosed {
			t.Errorf("State() = %v, want closed", dev.State())
		}
		if alloc.Outstanding() != 0 {
			t.Errorf("outstanding allocations = %d", alloc.Outstanding())
		}
	})

	t.Run("capability missing", func(t *testing.T) {
		dev, drv, _, _ := newDevice(capture.IOMemoryMapped)
		drv.Caps.Capabilities = capture.CapVideoCapture

		err := capture.Start(dev, "/dev/video0")
		if !errors.Is(err, capture.ErrCapabilityUnsupported) {
			t.Fatalf("Start() error = %v, want ErrCapabilityUnsupported", err)
		}
		if !drv.Closed {
			t.Error("driver not closed after failed negotiation")
		}
	})
}

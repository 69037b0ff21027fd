package capture

import (
	"fmt"
	"strings"
	"time"
)

// IOMethod is the buffer exchange strategy between process and kernel.
type IOMethod int

const (
	IORead IOMethod = iota
	IOMemoryMapped
	IOUserPointer
)

func (m IOMethod) String() string {
	switch m {
	case IORead:
		return "read"
	case IOMemoryMapped:
		return "mmap"
	case IOUserPointer:
		return "userptr"
	default:
		return fmt.Sprintf("iomethod(%d)", int(m))
	}
}

// Streaming reports whether the method exchanges buffers through the queue.
func (m IOMethod) Streaming() bool {
	return m == IOMemoryMapped || m == IOUserPointer
}

// ParseIOMethod accepts the names produced by IOMethod.String.
func ParseIOMethod(s string) (IOMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return IORead, nil
	case "mmap", "":
		return IOMemoryMapped, nil
	case "userptr", "user":
		return IOUserPointer, nil
	default:
		return 0, fmt.Errorf("unknown io method %q (use read, mmap or userptr)", s)
	}
}

// Capability bits as reported by VIDIOC_QUERYCAP.
const (
	CapVideoCapture uint32 = 0x00000001
	CapReadWrite    uint32 = 0x01000000
	CapStreaming    uint32 = 0x04000000
	CapDeviceCaps   uint32 = 0x80000000
)

// Capability is the identity and feature set of a device.
type Capability struct {
	Driver       string
	Card         string
	BusInfo      string
	Capabilities uint32
}

// Has reports whether every bit in flags is set.
func (c Capability) Has(flags uint32) bool {
	return c.Capabilities&flags == flags
}

// Format is the negotiated single-planar pixel format.
type Format struct {
	PixelFormat  uint32
	Width        int
	Height       int
	BytesPerLine int
	SizeImage    int
}

// FourCC renders the pixel format as its four character code.
func (f Format) FourCC() string {
	return FourCC(f.PixelFormat)
}

// FourCC renders a pixel format code such as 0x56595559 as "YUYV".
func FourCC(code uint32) string {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	return strings.TrimRight(string(b), "\x00 ")
}

// Standard selects an analog video standard.
type Standard int

const (
	StandardNoChange Standard = iota
	StandardPAL
	StandardNTSC
)

func (s Standard) String() string {
	switch s {
	case StandardPAL:
		return "PAL"
	case StandardNTSC:
		return "NTSC"
	default:
		return "NO_CHANGE"
	}
}

// ParseStandard accepts PAL, NTSC or NO_CHANGE (case-insensitive).
func ParseStandard(s string) (Standard, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAL":
		return StandardPAL, nil
	case "NTSC":
		return StandardNTSC, nil
	case "", "NO_CHANGE", "NONE":
		return StandardNoChange, nil
	default:
		return 0, fmt.Errorf("unknown video standard %q", s)
	}
}

// Dequeued describes a buffer returned by the driver.
type Dequeued struct {
	Index     int
	BytesUsed int
	UserPtr   uintptr
	Length    int
}

// Driver is the kernel side of one open capture device. Errors carry the
// raw errno so callers can tell EAGAIN and EINVAL apart.
type Driver interface {
	QueryCapability() (Capability, error)
	ResetCrop() error
	Format() (Format, error)
	SetFramerate(fps int) error
	SetStandard(std Standard) error

	// RequestBuffers reserves count buffers and returns how many were granted.
	// A count of zero releases the reservation.
	RequestBuffers(method IOMethod, count int) (int, error)
	QueryBuffer(index int) (offset int64, length int, err error)
	Map(offset int64, length int) ([]byte, error)
	Unmap(b []byte) error

	Enqueue(method IOMethod, index int, user []byte) error
	Dequeue(method IOMethod) (Dequeued, error)
	StreamOn() error
	StreamOff() error

	Read(p []byte) (int, error)
	// Wait blocks until the device is readable or timeout elapses.
	Wait(timeout time.Duration) (bool, error)

	Close() error
}

// Opener locates and opens devices.
type Opener interface {
	// Stat reports whether path names a character device.
	Stat(path string) (bool, error)
	Open(path string) (Driver, error)
}

// Allocator provides process-owned frame memory.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(b []byte) error
}

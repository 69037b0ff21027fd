//go:build linux

package v4l2

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

// Opener opens real V4L2 character devices.
type Opener struct{}

// Stat reports whether path is a character device.
func (Opener) Stat(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, err
	}
	return st.Mode&unix.S_IFMT == unix.S_IFCHR, nil
}

// Open opens path non-blocking; readiness is awaited with Wait.
func (Opener) Open(path string) (capture.Driver, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &Driver{fd: fd, path: path}, nil
}

// Driver talks to one open V4L2 device through ioctl, mmap and poll.
type Driver struct {
	fd   int
	path string
}

var _ capture.Driver = (*Driver)(nil)

// ioctl retries on EINTR and returns the raw errno.
func (d *Driver) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

func (d *Driver) QueryCapability() (capture.Capability, error) {
	var c v4l2Capability
	if err := d.ioctl(vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return capture.Capability{}, fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}
	return capabilityOf(&c), nil
}

func capabilityOf(c *v4l2Capability) capture.Capability {
	caps := c.capabilities
	if caps&capture.CapDeviceCaps != 0 {
		caps = c.deviceCaps
	}
	return capture.Capability{
		Driver:       cString(c.driver[:]),
		Card:         cString(c.card[:]),
		BusInfo:      cString(c.busInfo[:]),
		Capabilities: caps,
	}
}

// ResetCrop sets the crop rectangle back to the driver default.
func (d *Driver) ResetCrop() error {
	cc := v4l2Cropcap{typ: bufTypeVideoCapture}
	if err := d.ioctl(vidiocCropcap, unsafe.Pointer(&cc)); err != nil {
		return fmt.Errorf("VIDIOC_CROPCAP: %w", err)
	}
	crop := v4l2Crop{typ: bufTypeVideoCapture, c: cc.defrect}
	if err := d.ioctl(vidiocSCrop, unsafe.Pointer(&crop)); err != nil {
		return fmt.Errorf("VIDIOC_S_CROP: %w", err)
	}
	return nil
}

func (d *Driver) Format() (capture.Format, error) {
	f := v4l2Format{typ: bufTypeVideoCapture}
	if err := d.ioctl(vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return capture.Format{}, fmt.Errorf("VIDIOC_G_FMT: %w", err)
	}
	pix := f.pix()
	return capture.Format{
		PixelFormat:  pix.pixelformat,
		Width:        int(pix.width),
		Height:       int(pix.height),
		BytesPerLine: int(pix.bytesperline),
		SizeImage:    int(pix.sizeimage),
	}, nil
}

// SetFramerate requests 1/fps as time per frame.
func (d *Driver) SetFramerate(fps int) error {
	p := v4l2Streamparm{typ: bufTypeVideoCapture}
	if err := d.ioctl(vidiocGParm, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("VIDIOC_G_PARM: %w", err)
	}
	if p.capture().capability&captureCapTimePerFrame == 0 {
		return fmt.Errorf("framerate not adjustable: %w", unix.ENOTSUP)
	}
	p.capture().timeperframe = v4l2Fract{numerator: 1, denominator: uint32(fps)}
	if err := d.ioctl(vidiocSParm, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("VIDIOC_S_PARM: %w", err)
	}
	return nil
}

func (d *Driver) SetStandard(std capture.Standard) error {
	var id uint64
	switch std {
	case capture.StandardPAL:
		id = stdPAL
	case capture.StandardNTSC:
		id = stdNTSC
	default:
		return nil
	}
	if err := d.ioctl(vidiocSStd, unsafe.Pointer(&id)); err != nil {
		return fmt.Errorf("VIDIOC_S_STD: %w", err)
	}
	return nil
}

func memoryOf(method capture.IOMethod) uint32 {
	if method == capture.IOUserPointer {
		return memoryUserPtr
	}
	return memoryMMap
}

func (d *Driver) RequestBuffers(method capture.IOMethod, count int) (int, error) {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    bufTypeVideoCapture,
		memory: memoryOf(method),
	}
	if err := d.ioctl(vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS: %w", err)
	}
	return int(req.count), nil
}

func (d *Driver) QueryBuffer(index int) (int64, int, error) {
	buf := v4l2Buffer{
		index:  uint32(index),
		typ:    bufTypeVideoCapture,
		memory: memoryMMap,
	}
	if err := d.ioctl(vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return 0, 0, fmt.Errorf("VIDIOC_QUERYBUF %d: %w", index, err)
	}
	return int64(buf.offset()), int(buf.length), nil
}

func (d *Driver) Map(offset int64, length int) ([]byte, error) {
	return unix.Mmap(d.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (d *Driver) Unmap(b []byte) error {
	return unix.Munmap(b)
}

func (d *Driver) Enqueue(method capture.IOMethod, index int, user []byte) error {
	buf := v4l2Buffer{
		index:  uint32(index),
		typ:    bufTypeVideoCapture,
		memory: memoryOf(method),
	}
	if method == capture.IOUserPointer {
		if len(user) == 0 {
			return fmt.Errorf("VIDIOC_QBUF %d: empty user buffer: %w", index, unix.EFAULT)
		}
		buf.m = uintptr(unsafe.Pointer(unsafe.SliceData(user)))
		buf.length = uint32(len(user))
	}
	if err := d.ioctl(vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", index, err)
	}
	return nil
}

func (d *Driver) Dequeue(method capture.IOMethod) (capture.Dequeued, error) {
	buf := v4l2Buffer{
		typ:    bufTypeVideoCapture,
		memory: memoryOf(method),
	}
	if err := d.ioctl(vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		return capture.Dequeued{}, fmt.Errorf("VIDIOC_DQBUF: %w", err)
	}
	dq := capture.Dequeued{
		Index:     int(buf.index),
		BytesUsed: int(buf.bytesused),
		Length:    int(buf.length),
	}
	if method == capture.IOUserPointer {
		dq.UserPtr = buf.m
	}
	return dq, nil
}

func (d *Driver) StreamOn() error {
	typ := int32(bufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON: %w", err)
	}
	return nil
}

func (d *Driver) StreamOff() error {
	typ := int32(bufTypeVideoCapture)
	if err := d.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

func (d *Driver) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return n, nil
}

// Wait polls for readability. EINTR is returned to the caller so it can
// decide whether to wait again.
func (d *Driver) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("poll revents %#x: %w", fds[0].Revents, unix.EIO)
	}
	return true, nil
}

func (d *Driver) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	bufTypeVideoCapture = 1

	memoryMMap    = 1
	memoryUserPtr = 2

	frmsizeTypeDiscrete   = 1
	frmsizeTypeContinuous = 2
	frmsizeTypeStepwise   = 3

	frmivalTypeDiscrete = 1

	captureCapTimePerFrame = 0x1000

	stdPAL  uint64 = 0x000000ff
	stdNTSC uint64 = 0x0000b000
)

// ioctl request encoding from asm-generic/ioctl.h.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | uintptr('V')<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func ior(nr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

var (
	vidiocQuerycap           = ior(0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt            = iowr(2, unsafe.Sizeof(v4l2Fmtdesc{}))
	vidiocGFmt               = iowr(4, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs            = iowr(8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf           = iowr(9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf               = iowr(15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDqbuf              = iowr(17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon           = iow(18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff          = iow(19, unsafe.Sizeof(int32(0)))
	vidiocGParm              = iowr(21, unsafe.Sizeof(v4l2Streamparm{}))
	vidiocSParm              = iowr(22, unsafe.Sizeof(v4l2Streamparm{}))
	vidiocSStd               = iow(24, unsafe.Sizeof(uint64(0)))
	vidiocCropcap            = iowr(58, unsafe.Sizeof(v4l2Cropcap{}))
	vidiocSCrop              = iow(60, unsafe.Sizeof(v4l2Crop{}))
	vidiocEnumFramesizes     = iowr(74, unsafe.Sizeof(v4l2Frmsizeenum{}))
	vidiocEnumFrameintervals = iowr(75, unsafe.Sizeof(v4l2Frmivalenum{}))
)

// v4l2Capability is 104 bytes on every architecture.
type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2Fmtdesc struct {
	index       uint32
	typ         uint32
	flags       uint32
	description [32]byte
	pixelformat uint32
	mbusCode    uint32
	reserved    [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Format holds the 200 byte format union. The union contains pointers,
// so it is pointer aligned: 208 bytes on 64-bit, 204 on 32-bit.
type v4l2Format struct {
	typ uint32
	raw [200 / unsafe.Sizeof(uintptr(0))]uintptr
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.raw[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// v4l2Buffer mirrors struct v4l2_buffer. m is the offset/userptr union,
// which is unsigned long sized.
type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr
	length    uint32
	reserved2 uint32
	requestFD int32
}

// offset reads the mmap offset member of the m union.
func (b *v4l2Buffer) offset() uint32 {
	return *(*uint32)(unsafe.Pointer(&b.m))
}

type v4l2Rect struct {
	left   int32
	top    int32
	width  uint32
	height uint32
}

type v4l2Fract struct {
	numerator   uint32
	denominator uint32
}

type v4l2Cropcap struct {
	typ         uint32
	bounds      v4l2Rect
	defrect     v4l2Rect
	pixelaspect v4l2Fract
}

type v4l2Crop struct {
	typ uint32
	c   v4l2Rect
}

type v4l2Captureparm struct {
	capability   uint32
	capturemode  uint32
	timeperframe v4l2Fract
	extendedmode uint32
	readbuffers  uint32
	reserved     [4]uint32
}

type v4l2Streamparm struct {
	typ uint32
	raw [200]byte
}

func (p *v4l2Streamparm) capture() *v4l2Captureparm {
	return (*v4l2Captureparm)(unsafe.Pointer(&p.raw[0]))
}

type v4l2Frmsizeenum struct {
	index       uint32
	pixelFormat uint32
	typ         uint32
	// discrete (8 bytes) or stepwise (24 bytes)
	union    [6]uint32
	reserved [2]uint32
}

type v4l2Frmivalenum struct {
	index       uint32
	pixelFormat uint32
	width       uint32
	height      uint32
	typ         uint32
	// discrete fract or stepwise min/max/step fracts
	union    [6]uint32
	reserved [2]uint32
}

// Layout checks against the kernel ABI; these fail to compile on mismatch.
var (
	_ [0]struct{} = [unsafe.Sizeof(v4l2Capability{}) - 104]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Fmtdesc{}) - 64]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2RequestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Cropcap{}) - 44]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Crop{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Streamparm{}) - 204]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Frmsizeenum{}) - 44]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(v4l2Frmivalenum{}) - 52]struct{}{}
)

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

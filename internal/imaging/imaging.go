// Package imaging turns raw capture buffers into RGBA images of a fixed
// output size.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

// Pixel formats understood by the resampler, as little-endian fourcc codes.
const (
	FormatYUYV  uint32 = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	FormatUYVY  uint32 = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	FormatRGB24 uint32 = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24
	FormatBGR24 uint32 = 'B' | 'G'<<8 | 'R'<<16 | '3'<<24
	FormatBGR32 uint32 = 'B' | 'G'<<8 | 'R'<<16 | '4'<<24
	FormatGrey  uint32 = 'G' | 'R'<<8 | 'E'<<16 | 'Y'<<24
	FormatMJPEG uint32 = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
)

var (
	// ErrUnsupportedFormat is returned for pixel formats with no decoder.
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	// ErrShortFrame is returned when the buffer holds less than one frame.
	ErrShortFrame = errors.New("frame shorter than negotiated size")
	// ErrEmptyRegion is returned when crop and mode leave no pixels.
	ErrEmptyRegion = errors.New("crop leaves an empty image")
)

// Crop is the number of pixels removed from each edge.
type Crop struct {
	Left   int `json:"left" yaml:"left"`
	Right  int `json:"right" yaml:"right"`
	Top    int `json:"top" yaml:"top"`
	Bottom int `json:"bottom" yaml:"bottom"`
}

// Half selects which part of a stereoscopic frame is kept.
type Half int

const (
	Whole Half = iota
	LeftHalf
	TopHalf
)

// Source describes the layout of one raw frame.
type Source struct {
	PixelFormat  uint32
	Width        int
	Height       int
	BytesPerLine int
	Crop         Crop
	Half         Half
}

// SourceFor builds a Source from a negotiated capture format.
func SourceFor(f capture.Format, crop Crop, half Half) Source {
	return Source{
		PixelFormat:  f.PixelFormat,
		Width:        f.Width,
		Height:       f.Height,
		BytesPerLine: f.BytesPerLine,
		Crop:         crop,
		Half:         half,
	}
}

// Region returns the rectangle kept after cropping and half selection. It
// is empty when the crop does not fit the frame.
func (s Source) Region() image.Rectangle {
	c := s.Crop
	if c.Left < 0 || c.Right < 0 || c.Top < 0 || c.Bottom < 0 ||
		c.Left >= s.Width-c.Right || c.Top >= s.Height-c.Bottom {
		return image.Rectangle{}
	}
	r := image.Rectangle{
		Min: image.Pt(c.Left, c.Top),
		Max: image.Pt(s.Width-c.Right, s.Height-c.Bottom),
	}
	switch s.Half {
	case LeftHalf:
		r.Max.X = r.Min.X + r.Dx()/2
	case TopHalf:
		r.Max.Y = r.Min.Y + r.Dy()/2
	}
	return r
}

// Resampler decodes, crops and scales raw frames. A zero output size keeps
// the cropped size.
type Resampler struct {
	Width  int
	Height int
	// Scaler defaults to draw.ApproxBiLinear.
	Scaler draw.Scaler
}

// NewResampler returns a resampler producing width x height images.
func NewResampler(width, height int) *Resampler {
	return &Resampler{Width: width, Height: height, Scaler: draw.ApproxBiLinear}
}

// Process converts raw into an RGBA image. raw is not retained.
func (r *Resampler) Process(raw []byte, src Source) (*image.RGBA, error) {
	region := src.Region()
	if region.Empty() {
		return nil, ErrEmptyRegion
	}

	img, err := Decode(raw, src)
	if err != nil {
		return nil, err
	}
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return nil, ErrEmptyRegion
	}

	w, h := r.Width, r.Height
	if w <= 0 || h <= 0 {
		w, h = region.Dx(), region.Dy()
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	if w == region.Dx() && h == region.Dy() {
		draw.Draw(out, out.Bounds(), img, region.Min, draw.Src)
		return out, nil
	}
	scaler := r.Scaler
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	scaler.Scale(out, out.Bounds(), img, region, draw.Src, nil)
	return out, nil
}

// Decode wraps raw as an image without cropping. Planar YUV formats are
// copied into an image.YCbCr; packed RGB formats are converted to RGBA.
func Decode(raw []byte, src Source) (image.Image, error) {
	if src.Width <= 0 || src.Height <= 0 {
		return nil, fmt.Errorf("invalid geometry %dx%d", src.Width, src.Height)
	}
	switch src.PixelFormat {
	case FormatYUYV:
		return decode422(raw, src, 0, 1, 3)
	case FormatUYVY:
		return decode422(raw, src, 1, 0, 2)
	case FormatRGB24:
		return decodePacked(raw, src, 3, 0, 1, 2)
	case FormatBGR24:
		return decodePacked(raw, src, 3, 2, 1, 0)
	case FormatBGR32:
		return decodePacked(raw, src, 4, 2, 1, 0)
	case FormatGrey:
		return decodeGrey(raw, src)
	case FormatMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, capture.FourCC(src.PixelFormat))
	}
}

func stride(src Source, bpp int) int {
	if src.BytesPerLine >= src.Width*bpp {
		return src.BytesPerLine
	}
	return src.Width * bpp
}

func checkLength(raw []byte, src Source, stride, bpp int) error {
	need := stride*(src.Height-1) + src.Width*bpp
	if len(raw) < need {
		return fmt.Errorf("%w: %d < %d bytes", ErrShortFrame, len(raw), need)
	}
	return nil
}

// decode422 handles packed 4:2:2 where y0 is the offset of the first luma
// sample and cb/cr the chroma offsets in each four byte macropixel. The
// second luma sample sits at y0+2.
func decode422(raw []byte, src Source, y0, cb, cr int) (image.Image, error) {
	s := stride(src, 2)
	if err := checkLength(raw, src, s, 2); err != nil {
		return nil, err
	}
	img := image.NewYCbCr(image.Rect(0, 0, src.Width, src.Height), image.YCbCrSubsampleRatio422)
	for y := 0; y < src.Height; y++ {
		line := raw[y*s:]
		yrow := img.Y[y*img.YStride:]
		crow := y * img.CStride
		for x := 0; x+1 < src.Width; x += 2 {
			m := line[x*2 : x*2+4]
			yrow[x] = m[y0]
			yrow[x+1] = m[y0+2]
			img.Cb[crow+x/2] = m[cb]
			img.Cr[crow+x/2] = m[cr]
		}
		if src.Width%2 == 1 {
			x := src.Width - 1
			yrow[x] = line[x*2+y0]
			img.Cb[crow+x/2] = 128
			img.Cr[crow+x/2] = 128
		}
	}
	return img, nil
}

func decodePacked(raw []byte, src Source, bpp, ri, gi, bi int) (image.Image, error) {
	s := stride(src, bpp)
	if err := checkLength(raw, src, s, bpp); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		line := raw[y*s:]
		row := img.Pix[y*img.Stride:]
		for x := 0; x < src.Width; x++ {
			p := line[x*bpp:]
			row[x*4] = p[ri]
			row[x*4+1] = p[gi]
			row[x*4+2] = p[bi]
			row[x*4+3] = 0xff
		}
	}
	return img, nil
}

func decodeGrey(raw []byte, src Source) (image.Image, error) {
	s := stride(src, 1)
	if err := checkLength(raw, src, s, 1); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, src.Width, src.Height))
	for y := 0; y < src.Height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+src.Width], raw[y*s:])
	}
	return img, nil
}

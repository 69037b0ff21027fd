package imaging

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

// yuyvFrame builds a w x h YUYV frame where luma encodes the column.
func yuyvFrame(w, h int) []byte {
	b := make([]byte, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x += 2 {
			i := (y*w + x) * 2
			b[i] = byte(x)
			b[i+1] = 128
			b[i+2] = byte(x + 1)
			b[i+3] = 128
		}
	}
	return b
}

func TestDecode_YUYVAndUYVYAgree(t *testing.T) {
	yuyv := yuyvFrame(8, 2)
	uyvy := make([]byte, len(yuyv))
	for i := 0; i < len(yuyv); i += 2 {
		uyvy[i], uyvy[i+1] = yuyv[i+1], yuyv[i]
	}

	a, err := Decode(yuyv, Source{PixelFormat: FormatYUYV, Width: 8, Height: 2})
	if err != nil {
		t.Fatalf("Decode(YUYV) error = %v", err)
	}
	b, err := Decode(uyvy, Source{PixelFormat: FormatUYVY, Width: 8, Height: 2})
	if err != nil {
		t.Fatalf("Decode(UYVY) error = %v", err)
	}
	for x := 0; x < 8; x++ {
		ya := a.(*image.YCbCr).YCbCrAt(x, 1)
		yb := b.(*image.YCbCr).YCbCrAt(x, 1)
		if ya != yb || ya.Y != byte(x) {
			t.Errorf("pixel %d: yuyv=%v uyvy=%v", x, ya, yb)
		}
	}
}

func TestDecode_PackedRGB(t *testing.T) {
	tests := []struct {
		name   string
		format uint32
		pixel  []byte
	}{
		{"rgb24", FormatRGB24, []byte{10, 20, 30}},
		{"bgr24", FormatBGR24, []byte{30, 20, 10}},
		{"bgr32", FormatBGR32, []byte{30, 20, 10, 0}},
	}
	want := color.RGBA{10, 20, 30, 255}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Decode(tt.pixel, Source{PixelFormat: tt.format, Width: 1, Height: 1})
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got := img.(*image.RGBA).RGBAAt(0, 0); got != want {
				t.Errorf("pixel = %v, want %v", got, want)
			}
		})
	}
}

func TestDecode_HonoursStride(t *testing.T) {
	// Two grey lines of width 2 padded to 4 bytes each.
	raw := []byte{1, 2, 0xee, 0xee, 3, 4, 0xee, 0xee}
	img, err := Decode(raw, Source{PixelFormat: FormatGrey, Width: 2, Height: 2, BytesPerLine: 4})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	g := img.(*image.Gray)
	if g.GrayAt(0, 1).Y != 3 || g.GrayAt(1, 1).Y != 4 {
		t.Errorf("second row = %v %v, want 3 4", g.GrayAt(0, 1), g.GrayAt(1, 1))
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode(make([]byte, 10), Source{PixelFormat: FormatYUYV, Width: 4, Height: 4}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short frame error = %v", err)
	}
	if _, err := Decode(make([]byte, 64), Source{PixelFormat: 0x3132564e, Width: 4, Height: 4}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("unsupported format error = %v", err)
	}
	if _, err := Decode(nil, Source{PixelFormat: FormatGrey}); err == nil {
		t.Error("zero geometry accepted")
	}
}

func TestSource_Region(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want image.Rectangle
	}{
		{"whole", Source{Width: 100, Height: 50}, image.Rect(0, 0, 100, 50)},
		{"cropped", Source{Width: 100, Height: 50, Crop: Crop{Left: 10, Right: 20, Top: 5, Bottom: 5}}, image.Rect(10, 5, 80, 45)},
		{"side by side", Source{Width: 100, Height: 50, Half: LeftHalf}, image.Rect(0, 0, 50, 50)},
		{"top and bottom", Source{Width: 100, Height: 50, Half: TopHalf}, image.Rect(0, 0, 100, 25)},
		{"cropped side by side", Source{Width: 100, Height: 50, Crop: Crop{Left: 10, Right: 10}, Half: LeftHalf}, image.Rect(10, 0, 50, 50)},
		// Oversized crops must not flip into a different rectangle.
		{"left past right edge", Source{Width: 100, Height: 50, Crop: Crop{Left: 80, Right: 30}}, image.Rectangle{}},
		{"left beyond width", Source{Width: 100, Height: 50, Crop: Crop{Left: 150}}, image.Rectangle{}},
		{"top past bottom edge", Source{Width: 100, Height: 50, Crop: Crop{Top: 30, Bottom: 20}}, image.Rectangle{}},
		{"negative crop", Source{Width: 100, Height: 50, Crop: Crop{Left: -5}}, image.Rectangle{}},
	}
	for _, tt := range tests {
		if got := tt.src.Region(); got != tt.want {
			t.Errorf("%s: Region() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResampler_Process(t *testing.T) {
	raw := yuyvFrame(64, 32)
	src := Source{PixelFormat: FormatYUYV, Width: 64, Height: 32, Crop: Crop{Left: 8, Right: 8}}

	t.Run("keeps cropped size", func(t *testing.T) {
		img, err := NewResampler(0, 0).Process(raw, src)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if got := img.Bounds().Size(); got != image.Pt(48, 32) {
			t.Errorf("size = %v, want 48x32", got)
		}
		// Left column of the output is column 8 of the input.
		if r := img.RGBAAt(0, 0).R; r != 8 {
			t.Errorf("first pixel R = %d, want 8", r)
		}
	})

	t.Run("scales to output size", func(t *testing.T) {
		img, err := NewResampler(16, 8).Process(raw, src)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if got := img.Bounds().Size(); got != image.Pt(16, 8) {
			t.Errorf("size = %v, want 16x8", got)
		}
	})

	t.Run("empty region", func(t *testing.T) {
		bad := src
		bad.Crop = Crop{Left: 40, Right: 40}
		if _, err := NewResampler(16, 8).Process(raw, bad); !errors.Is(err, ErrEmptyRegion) {
			t.Errorf("Process() error = %v, want ErrEmptyRegion", err)
		}
	})

	t.Run("crop wider than frame", func(t *testing.T) {
		bad := src
		bad.Crop = Crop{Left: 100}
		if _, err := NewResampler(0, 0).Process(raw, bad); !errors.Is(err, ErrEmptyRegion) {
			t.Errorf("Process() error = %v, want ErrEmptyRegion", err)
		}
	})
}

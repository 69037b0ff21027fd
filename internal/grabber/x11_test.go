package grabber

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

type fakeScreen struct {
	w, h   int
	grabs  []image.Rectangle
	failAt int
	closed bool
}

func (s *fakeScreen) Size() (int, int) { return s.w, s.h }

func (s *fakeScreen) Grab(x, y, w, h int) ([]byte, error) {
	s.grabs = append(s.grabs, image.Rect(x, y, x+w, y+h))
	if s.failAt > 0 && len(s.grabs) == s.failAt {
		return nil, errors.New("BadMatch")
	}
	b := make([]byte, w*h*4)
	for i := range b {
		b[i] = 0x80
	}
	return b, nil
}

func (s *fakeScreen) Close() error {
	s.closed = true
	return nil
}

func newX11Fixture(t *testing.T, decimation int) (*X11Grabber, *fakeScreen, *sink) {
	t.Helper()
	screen := &fakeScreen{w: 320, h: 200}
	s := &sink{}
	g, err := NewX11Grabber(Config{Enabled: true}, X11Options{
		Framerate:       1000,
		PixelDecimation: decimation,
		Open:            func(int) (Screen, error) { return screen, nil },
	}, s)
	if err != nil {
		t.Fatalf("NewX11Grabber() error = %v", err)
	}
	return g, screen, s
}

func TestX11Grabber_DecimatesCroppedRegion(t *testing.T) {
	g, screen, s := newX11Fixture(t, 4)
	if _, err := g.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := g.SetCropping(20, 20, 0, 40); err != nil {
		t.Fatalf("SetCropping() error = %v", err)
	}
	s.sizes = nil

	stats, err := g.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Forwarded != 3 {
		t.Errorf("Forwarded = %d, want 3", stats.Forwarded)
	}
	if got := screen.grabs[len(screen.grabs)-1]; got != image.Rect(20, 0, 300, 160) {
		t.Errorf("grabbed %v, want the cropped region", got)
	}
	if got := s.sizes[0]; got != image.Pt(70, 40) {
		t.Errorf("frame size = %v, want 70x40", got)
	}
	if !screen.closed {
		t.Error("screen not closed after Run")
	}
}

func TestX11Grabber_SideBySideGrabsLeftHalf(t *testing.T) {
	g, screen, _ := newX11Fixture(t, 1)
	g.SetVideoMode(Mode3DSBS)
	if _, err := g.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := screen.grabs[0]; got != image.Rect(0, 0, 160, 200) {
		t.Errorf("grabbed %v, want left half", got)
	}
}

func TestX11Grabber_DisabledSkipsGrabs(t *testing.T) {
	g, screen, s := newX11Fixture(t, 8)
	g.SetEnabled(false)
	stats, err := g.Run(context.Background(), 3)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(screen.grabs) != 0 || len(s.sizes) != 0 || stats.Discarded != 3 {
		t.Errorf("grabs=%d frames=%d stats=%+v", len(screen.grabs), len(s.sizes), stats)
	}
}

func TestX11Grabber_GrabErrorIsFatal(t *testing.T) {
	g, screen, _ := newX11Fixture(t, 8)
	screen.failAt = 2
	_, err := g.Run(context.Background(), 0)
	if !errors.Is(err, capture.ErrDeviceIO) {
		t.Fatalf("Run() error = %v, want ErrDeviceIO", err)
	}
	if !screen.closed {
		t.Error("screen not closed after failure")
	}
}

func TestX11Grabber_OpenFailure(t *testing.T) {
	g, err := NewX11Grabber(Config{}, X11Options{
		Open: func(int) (Screen, error) { return nil, errors.New("no display") },
	}, nil)
	if err != nil {
		t.Fatalf("NewX11Grabber() error = %v", err)
	}
	if err := g.Available(); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("Available() error = %v", err)
	}
	if _, err := g.Run(context.Background(), 1); !errors.Is(err, capture.ErrOpenFailed) {
		t.Errorf("Run() error = %v, want ErrOpenFailed", err)
	}
}

func TestX11Grabber_Hooks(t *testing.T) {
	g, _, _ := newX11Fixture(t, 8)
	tests := []struct {
		name string
		err  error
		ok   bool
	}{
		{"decimation 1", SetPixelDecimation(g, 1), true},
		{"decimation 0", SetPixelDecimation(g, 0), false},
		{"decimation 31", SetPixelDecimation(g, 31), false},
		{"display 1", SetDisplayIndex(g, 1), true},
		{"display -1", SetDisplayIndex(g, -1), false},
		{"framerate 0", SetFramerate(g, 0), false},
		{"framerate 25", SetFramerate(g, 25), true},
	}
	for _, tt := range tests {
		if (tt.err == nil) != tt.ok {
			t.Errorf("%s: error = %v", tt.name, tt.err)
		}
		if tt.err != nil && !errors.Is(tt.err, ErrConfigRejected) {
			t.Errorf("%s: error %v does not match ErrConfigRejected", tt.name, tt.err)
		}
	}
	if opts := g.options(); opts.PixelDecimation != 1 || opts.Display != 1 || opts.Framerate != 25 {
		t.Errorf("options = %+v", opts)
	}
}

package grabber

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

type stubBackend struct {
	*Base
	err error
}

func (s *stubBackend) Available() error { return s.err }

func (s *stubBackend) Run(context.Context, int) (capture.LoopStats, error) {
	return capture.LoopStats{}, nil
}

func (s *stubBackend) Stats() capture.LoopStats { return capture.LoopStats{} }

func stub(t *testing.T, name string, err error) *stubBackend {
	b, e := NewBase(name, Config{})
	if e != nil {
		t.Fatalf("NewBase() error = %v", e)
	}
	return &stubBackend{Base: b, err: err}
}

func TestRouter_Select(t *testing.T) {
	down := errors.New("down")
	r := NewRouter(stub(t, "v4l2", down), stub(t, "x11", nil))

	if got := r.Names(); !reflect.DeepEqual(got, []string{"v4l2", "x11"}) {
		t.Errorf("Names() = %v", got)
	}

	b, err := r.Select("auto")
	if err != nil || b.Name() != "x11" {
		t.Fatalf("Select(auto) = %v, %v", b, err)
	}
	if r.Active() != b {
		t.Error("Active() is not the selected backend")
	}

	if _, err := r.Select("v4l2"); !errors.Is(err, down) {
		t.Errorf("Select(v4l2) error = %v, want %v", err, down)
	}
	if _, err := r.Select("fb"); err == nil {
		t.Error("Select(fb) succeeded")
	}
	if _, ok := r.Get("v4l2"); !ok {
		t.Error("Get(v4l2) not found")
	}
}

func TestRouter_NoneAvailable(t *testing.T) {
	r := NewRouter(stub(t, "v4l2", errors.New("busy")))
	_, err := r.Select("")
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("Select() error = %v, want ErrDeviceUnavailable", err)
	}
	if r.Active() != nil {
		t.Error("Active() set although nothing was available")
	}
}

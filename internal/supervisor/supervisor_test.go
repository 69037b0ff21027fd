package supervisor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/grabber"
)

// scripted is a backend whose sessions end with the given results.
type scripted struct {
	*grabber.Base
	results []error
	stats   capture.LoopStats
	runs    int
}

func newScripted(t *testing.T, results ...error) *scripted {
	t.Helper()
	b, err := grabber.NewBase("fake", grabber.Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewBase() error = %v", err)
	}
	return &scripted{Base: b, results: results}
}

func (s *scripted) Available() error { return nil }

func (s *scripted) Run(ctx context.Context, maxFrames int) (capture.LoopStats, error) {
	s.runs++
	if len(s.results) == 0 {
		return s.stats, nil
	}
	err := s.results[0]
	s.results = s.results[1:]
	return s.stats, err
}

func (s *scripted) Stats() capture.LoopStats { return s.stats }

func newTestSupervisor(b grabber.Backend, policy Policy) (*Supervisor, *[]time.Duration) {
	var slept []time.Duration
	s := New(b, policy)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return s, &slept
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"done", nil, Stop},
		{"cancelled", context.Canceled, Stop},
		{"geometry change", grabber.ErrReinitialize, Restart},
		{"timeout", &capture.DeviceError{Op: "dequeue", Kind: capture.ErrDeviceTimeout}, Retry},
		{"io", fmt.Errorf("loop: %w", capture.ErrDeviceIO), Retry},
		{"allocation", capture.ErrInsufficientBuffers, Retry},
		{"not a device", &capture.DeviceError{Op: "open", Kind: capture.ErrNotADevice}, Disable},
		{"capability", capture.ErrCapabilityUnsupported, Disable},
		{"config", grabber.ErrConfigRejected, Disable},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestSupervisor_RetriesThenSucceeds(t *testing.T) {
	timeout := &capture.DeviceError{Op: "dequeue", Kind: capture.ErrDeviceTimeout}
	b := newScripted(t, timeout, timeout, nil)
	s, slept := newTestSupervisor(b, DefaultPolicy())

	var events []Event
	s.OnEvent(func(ev Event) { events = append(events, ev) })

	if err := s.Run(context.Background(), 10); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if b.runs != 3 || s.Sessions() != 3 {
		t.Errorf("runs = %d, sessions = %d, want 3", b.runs, s.Sessions())
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("slept %v, want %v", *slept, want)
	}
	if len(events) != 3 || events[0].Action != "retry" || events[2].Action != "stop" {
		t.Errorf("events = %+v", events)
	}
}

func TestSupervisor_GivesUpAfterMaxRetries(t *testing.T) {
	ioErr := fmt.Errorf("wrapped: %w", capture.ErrDeviceIO)
	b := newScripted(t, ioErr, ioErr, ioErr, ioErr)
	s, _ := newTestSupervisor(b, Policy{MaxRetries: 2, RetryDelay: time.Millisecond})

	err := s.Run(context.Background(), 0)
	if !errors.Is(err, ErrMaxRetries) || !errors.Is(err, capture.ErrDeviceIO) {
		t.Fatalf("Run() error = %v, want ErrMaxRetries wrapping ErrDeviceIO", err)
	}
	if b.runs != 3 {
		t.Errorf("runs = %d, want 3", b.runs)
	}
}

func TestSupervisor_HealthySessionResetsRetries(t *testing.T) {
	ioErr := capture.ErrDeviceIO
	b := newScripted(t, ioErr, ioErr, ioErr, nil)
	b.stats = capture.LoopStats{Forwarded: 5}
	s, slept := newTestSupervisor(b, Policy{MaxRetries: 1, RetryDelay: time.Millisecond, MaxRetryDelay: time.Second})

	if err := s.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Every failed session had delivered frames, so each retry is attempt 1.
	for i, d := range *slept {
		if d != time.Millisecond {
			t.Errorf("sleep %d = %v, want first-attempt delay", i, d)
		}
	}
}

func TestSupervisor_DisablesOnUnavailableDevice(t *testing.T) {
	b := newScripted(t, &capture.DeviceError{Op: "open", Path: "/dev/video9", Kind: capture.ErrOpenFailed})
	s, slept := newTestSupervisor(b, DefaultPolicy())

	err := s.Run(context.Background(), 0)
	if !errors.Is(err, ErrBackendDisabled) || !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("Run() error = %v", err)
	}
	if b.Enabled() {
		t.Error("backend still enabled")
	}
	if b.runs != 1 || len(*slept) != 0 {
		t.Errorf("runs = %d, sleeps = %d; unavailable devices are never retried", b.runs, len(*slept))
	}
}

func TestSupervisor_RestartHasNoBackoff(t *testing.T) {
	b := newScripted(t, grabber.ErrReinitialize, grabber.ErrReinitialize, nil)
	s, slept := newTestSupervisor(b, DefaultPolicy())

	if err := s.Run(context.Background(), 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if b.runs != 3 || len(*slept) != 0 {
		t.Errorf("runs = %d, sleeps = %d", b.runs, len(*slept))
	}
}

func TestSupervisor_CancelDuringBackoff(t *testing.T) {
	b := newScripted(t, capture.ErrDeviceIO, capture.ErrDeviceIO)
	ctx, cancel := context.WithCancel(context.Background())
	s := New(b, Policy{MaxRetries: 5, RetryDelay: time.Hour, MaxRetryDelay: time.Hour})
	s.OnEvent(func(ev Event) {
		if ev.Action == "retry" {
			cancel()
		}
	})

	if err := s.Run(ctx, 0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if b.runs != 1 {
		t.Errorf("runs = %d, want 1", b.runs)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/grabber"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framegrab", "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestNewManager_CreatesDefaultFile(t *testing.T) {
	m := newTestManager(t)

	data, err := os.ReadFile(m.GetConfigPath())
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	for _, want := range []string{"device: /dev/video0", "io_method: mmap", "timeout: 2s", "video_mode: 2D"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("config file missing %q:\n%s", want, data)
		}
	}

	cfg, err := m.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cfg.BufferCount != capture.DefaultBufferCount || cfg.ServerPort != 8080 || !cfg.Enabled {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestNewManager_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `backend: v4l2
device: /dev/video2
io_method: userptr
timeout: 500ms
width: 320
height: 240
crop:
  left: 10
  right: 10
video_mode: 3DSBS
signal_detection:
  enabled: true
  red: 0.2
supervisor:
  max_retries: 2
  retry_delay: 250ms
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cfg, err := m.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	opts, err := cfg.V4L2Options()
	if err != nil {
		t.Fatalf("V4L2Options() error = %v", err)
	}
	if opts.Device != "/dev/video2" || opts.Method != capture.IOUserPointer || opts.Loop.Timeout != 500*time.Millisecond {
		t.Errorf("V4L2Options() = %+v", opts)
	}
	// Unset keys keep their defaults.
	if opts.BufferCount != capture.DefaultBufferCount {
		t.Errorf("BufferCount = %d", opts.BufferCount)
	}

	gcfg, err := cfg.GrabberConfig()
	if err != nil {
		t.Fatalf("GrabberConfig() error = %v", err)
	}
	if gcfg.VideoMode != grabber.Mode3DSBS || gcfg.Crop.Left != 10 || gcfg.ImageWidth() != 300 {
		t.Errorf("GrabberConfig() = %+v", gcfg)
	}

	th, off := cfg.Signal()
	if th.Red != 0.2 || th.Green != 0.1 || off != grabber.FullFrame {
		t.Errorf("Signal() = %+v, %+v", th, off)
	}

	p := cfg.Policy()
	if p.MaxRetries != 2 || p.RetryDelay != 250*time.Millisecond || p.MaxRetryDelay != 30*time.Second {
		t.Errorf("Policy() = %+v", p)
	}
}

func TestNewManager_RejectsInvalidFile(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"io method", "io_method: dma\n"},
		{"backend", "backend: wayland\n"},
		{"crop wider than frame", "width: 100\nheight: 100\ncrop:\n  left: 60\n  right: 40\n"},
		{"video mode", "video_mode: 4D\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := NewManager(path); err == nil {
				t.Fatal("NewManager() succeeded, want error")
			}
		})
	}
}

func TestManager_Set(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"server_port", "9090", false},
		{"server_port", "ninety", true},
		{"enabled", "false", false},
		{"timeout", "750ms", false},
		{"timeout", "soon", true},
		{"signal_detection.red", "0.5", false},
		{"io_method", "read", false},
		{"io_method", "dma", true},
		{"crop.left", "-1", true},
		{"no_such_key", "1", true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			m := newTestManager(t)
			before, _ := m.Lookup(tt.key)

			err := m.Set(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Set() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if after, _ := m.Lookup(tt.key); after != before {
					t.Errorf("rejected Set changed %s from %v to %v", tt.key, before, after)
				}
				return
			}
			if _, err := m.Get(); err != nil {
				t.Errorf("Get() after Set error = %v", err)
			}
		})
	}
}

func TestManager_SaveRoundTrip(t *testing.T) {
	m := newTestManager(t)
	if err := m.Set("device", "/dev/video7"); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("supervisor.retry_delay", "3s"); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := NewManager(m.GetConfigPath())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cfg, err := reloaded.Get()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device != "/dev/video7" || cfg.Supervisor.RetryDelay != 3*time.Second {
		t.Errorf("reloaded config = %+v", cfg)
	}
}

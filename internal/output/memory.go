package output

import (
	"image"
	"sync"
	"time"
)

// MemoryOutput keeps a copy of the most recent frame for in-process
// consumers such as the control API.
type MemoryOutput struct {
	mu         sync.RWMutex
	running    bool
	current    *image.RGBA
	lastUpdate time.Time
	frames     uint64
}

// NewMemoryOutput creates an in-memory sink.
func NewMemoryOutput() *MemoryOutput {
	return &MemoryOutput{}
}

func (m *MemoryOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *MemoryOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

// WriteFrame copies frame since the caller reuses it.
func (m *MemoryOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return ErrNotRunning
	}
	c := cloneRGBA(frame)

	m.mu.Lock()
	m.current = c
	m.lastUpdate = time.Now()
	m.frames++
	m.mu.Unlock()
	return nil
}

func (m *MemoryOutput) Name() string {
	return "memory"
}

func (m *MemoryOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Latest returns the last frame and when it arrived. The image must not be
// modified.
func (m *MemoryOutput) Latest() (*image.RGBA, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.lastUpdate
}

// Stats returns the frame counters.
func (m *MemoryOutput) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Frames: m.frames, Written: m.frames}
	if m.current != nil {
		s.Width, s.Height = m.current.Rect.Dx(), m.current.Rect.Dy()
	}
	return s
}

// Multi fans frames out to several outputs. A failing output does not stop
// the others; the first error is returned.
type Multi []Output

func (o Multi) Start() error {
	for i, out := range o {
		if err := out.Start(); err != nil {
			for _, started := range o[:i] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

func (o Multi) Stop() error {
	var first error
	for _, out := range o {
		if err := out.Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (o Multi) WriteFrame(frame *image.RGBA) error {
	var first error
	for _, out := range o {
		if err := out.WriteFrame(frame); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (o Multi) Name() string {
	return "multi"
}

func (o Multi) IsRunning() bool {
	for _, out := range o {
		if !out.IsRunning() {
			return false
		}
	}
	return len(o) > 0
}

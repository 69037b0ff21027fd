package grabber

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Router picks the backend a capture runs on.
type Router struct {
	mu       sync.RWMutex
	backends []Backend
	active   Backend
}

// NewRouter creates a router over backends in order of preference.
func NewRouter(backends ...Backend) *Router {
	return &Router{backends: backends}
}

// Select makes the named backend active. An empty name or "auto" picks
// the first available backend.
func (r *Router) Select(name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.WithComponent("grabber-router")

	if name != "" && name != "auto" {
		for _, b := range r.backends {
			if b.Name() != name {
				continue
			}
			if err := b.Available(); err != nil {
				return nil, fmt.Errorf("backend %s: %w", name, err)
			}
			r.active = b
			log.Info().Str("backend", name).Msg("Backend selected")
			return b, nil
		}
		return nil, fmt.Errorf("unknown backend %q", name)
	}

	var errs []error
	for _, b := range r.backends {
		if err := b.Available(); err != nil {
			log.Warn().Err(err).Str("backend", b.Name()).Msg("Backend not available")
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		r.active = b
		log.Info().Str("backend", b.Name()).Msg("Backend selected")
		return b, nil
	}
	return nil, fmt.Errorf("%w: no capture backends available: %w", capture.ErrDeviceUnavailable, errors.Join(errs...))
}

// Active returns the selected backend, or nil.
func (r *Router) Active() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Get returns the backend with the given name.
func (r *Router) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// Names lists the registered backends in order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		names = append(names, b.Name())
	}
	return names
}

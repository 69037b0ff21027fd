package grabber

import (
	"context"
	"errors"
	"sync"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

// ErrReinitialize is returned by Run when a configuration change ended the
// session and it should be started again straight away.
var ErrReinitialize = errors.New("grabber geometry changed, session must restart")

// Backend is a Grabber that can run capture sessions.
type Backend interface {
	Grabber
	// Available reports why the backend cannot run, or nil.
	Available() error
	// Run captures until maxFrames frames (0 for no limit), cancellation or
	// a fatal error. Resources are released before it returns.
	Run(ctx context.Context, maxFrames int) (capture.LoopStats, error)
	Stats() capture.LoopStats
}

// sessionControl lets configuration calls end a running session.
type sessionControl struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	restart bool
}

func (s *sessionControl) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.restart = false
	s.mu.Unlock()
	return sctx, cancel
}

// end maps a cancellation caused by requestRestart to ErrReinitialize.
func (s *sessionControl) end(parent context.Context, err error) error {
	s.mu.Lock()
	restart := s.restart
	s.cancel = nil
	s.restart = false
	s.mu.Unlock()

	if restart && parent.Err() == nil && errors.Is(err, context.Canceled) {
		return ErrReinitialize
	}
	return err
}

func (s *sessionControl) requestRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.restart = true
		s.cancel()
	}
}

func (s *sessionControl) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

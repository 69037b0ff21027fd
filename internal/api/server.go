// Package api exposes the active grabber over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/grabber"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/output"
)

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	grabbers  *grabber.Router
	configMgr *config.Manager
	frames    *output.MemoryOutput
	events    *EventHub
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	httpSrv *http.Server
	closed  bool
}

// NewServer creates a new API server. configMgr and frames may be nil.
func NewServer(grabbers *grabber.Router, configMgr *config.Manager, frames *output.MemoryOutput, events *EventHub) *Server {
	if events == nil {
		events = NewEventHub()
	}
	s := &Server{
		router:    mux.NewRouter(),
		grabbers:  grabbers,
		configMgr: configMgr,
		frames:    frames,
		events:    events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local control surface
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Grabber state and configuration
	api.HandleFunc("/grabber", s.handleGetGrabber).Methods("GET")
	api.HandleFunc("/grabber/crop", s.handleSetCrop).Methods("PUT")
	api.HandleFunc("/grabber/size", s.handleSetSize).Methods("PUT")
	api.HandleFunc("/grabber/mode", s.handleSetMode).Methods("PUT")
	api.HandleFunc("/grabber/enabled", s.handleSetEnabled).Methods("PUT")
	api.HandleFunc("/grabber/framerate", s.handleSetFramerate).Methods("PUT")
	api.HandleFunc("/grabber/signal", s.handleSetSignal).Methods("PUT")

	// Devices
	api.HandleFunc("/devices", s.handleGetDevices).Methods("GET")

	// Frames and events
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/events", s.handleEvents)

	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS headers.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Events returns the hub supervisor events should be published to.
func (s *Server) Events() *EventHub {
	return s.events
}

// Start starts the HTTP server and blocks until it fails or Shutdown is
// called, in which case it returns http.ErrServerClosed.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpSrv = srv
	s.mu.Unlock()

	logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting server")
	return srv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for active requests until
// ctx is done. Start returns once it has been called.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	logger.WithComponent("api").Info().Msg("Stopping server")
	return srv.Shutdown(ctx)
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps rejected configuration to 422 and everything else to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, grabber.ErrConfigRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, capture.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// active resolves the grabber a request applies to; ?backend= selects a
// registered one other than the active backend.
func (s *Server) active(w http.ResponseWriter, r *http.Request) (grabber.Backend, bool) {
	if name := r.URL.Query().Get("backend"); name != "" {
		if b, ok := s.grabbers.Get(name); ok {
			return b, true
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown backend " + name})
		return nil, false
	}
	b := s.grabbers.Active()
	if b == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no active capture backend"})
		return nil, false
	}
	return b, true
}

type grabberState struct {
	Name         string             `json:"name"`
	Config       grabber.Config     `json:"config"`
	ImageWidth   int                `json:"image_width"`
	ImageHeight  int                `json:"image_height"`
	Capabilities []string           `json:"capabilities"`
	Stats        capture.LoopStats  `json:"stats"`
	Backends     []string           `json:"backends"`
	LastEvent    *supervisorSummary `json:"last_event,omitempty"`
}

type supervisorSummary struct {
	Action string    `json:"action"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

func (s *Server) state(b grabber.Backend) grabberState {
	st := grabberState{
		Name:         b.Name(),
		Config:       b.Config(),
		ImageWidth:   b.ImageWidth(),
		ImageHeight:  b.ImageHeight(),
		Capabilities: grabber.Capabilities(b),
		Stats:        b.Stats(),
		Backends:     s.grabbers.Names(),
	}
	if ev, ok := s.events.Last(); ok && ev.Backend == b.Name() {
		st.LastEvent = &supervisorSummary{Action: ev.Action, Error: ev.Error, Time: ev.Time}
	}
	return st
}

func (s *Server) handleGetGrabber(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.state(b))
}

func (s *Server) handleSetCrop(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	var req struct {
		Left   int `json:"left"`
		Right  int `json:"right"`
		Top    int `json:"top"`
		Bottom int `json:"bottom"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := b.SetCropping(req.Left, req.Right, req.Top, req.Bottom); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.state(b))
}

func (s *Server) handleSetSize(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if !decode(w, r, &req) {
		return
	}
	changed, err := b.SetWidthHeight(req.Width, req.Height)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "grabber": s.state(b)})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	var req struct {
		Mode grabber.VideoMode `json:"mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.SetVideoMode(req.Mode)
	writeJSON(w, http.StatusOK, s.state(b))
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	b.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, s.state(b))
}

func (s *Server) handleSetFramerate(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	var req struct {
		FPS int `json:"fps"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, supported := b.(grabber.FramerateSetter); !supported {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": b.Name() + " has no framerate control"})
		return
	}
	if err := grabber.SetFramerate(b, req.FPS); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.state(b))
}

func (s *Server) handleSetSignal(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled   *bool                    `json:"enabled"`
		Threshold *grabber.SignalThreshold `json:"threshold"`
		Offset    *grabber.DetectionOffset `json:"offset"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, supported := b.(grabber.SignalDetector); !supported {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": b.Name() + " has no signal detection"})
		return
	}
	if req.Threshold != nil {
		if err := grabber.SetSignalThreshold(b, *req.Threshold); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Offset != nil {
		if err := grabber.SetSignalDetectionOffset(b, *req.Offset); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Enabled != nil {
		grabber.SetSignalDetectionEnabled(b, *req.Enabled)
	}
	writeJSON(w, http.StatusOK, s.state(b))
}

type deviceInfo struct {
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Resolutions []string `json:"resolutions,omitempty"`
	Framerates  []string `json:"framerates,omitempty"`
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	b, ok := s.active(w, r)
	if !ok {
		return
	}
	log := logger.WithComponent("api")

	paths, err := grabber.Devices(b)
	if err != nil {
		writeError(w, err)
		return
	}
	devices := make([]deviceInfo, 0, len(paths))
	for _, p := range paths {
		d := deviceInfo{Path: p}
		// A device that fails to describe itself is still listed.
		if d.Name, err = grabber.DeviceName(b, p); err != nil {
			log.Debug().Err(err).Str("device", p).Msg("Device name unavailable")
		}
		if d.Resolutions, err = grabber.Resolutions(b, p); err != nil {
			log.Debug().Err(err).Str("device", p).Msg("Resolutions unavailable")
		}
		if d.Framerates, err = grabber.Framerates(b, p); err != nil {
			log.Debug().Err(err).Str("device", p).Msg("Framerates unavailable")
		}
		devices = append(devices, d)
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.frames == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshots not enabled"})
		return
	}
	img, at := s.frames.Latest()
	if img == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no frame captured yet"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-store")
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, img); err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("Snapshot write failed")
	}
}

// handleEvents streams supervisor events, plus the active grabber's stats
// once per second.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	updates := s.events.Subscribe()
	defer s.events.Unsubscribe(updates)

	// Detect client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var msg any
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			msg = map[string]any{"type": "event", "event": ev}
		case <-ticker.C:
			b := s.grabbers.Active()
			if b == nil {
				continue
			}
			msg = map[string]any{"type": "stats", "backend": b.Name(), "stats": b.Stats()}
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no config loaded"})
		return
	}
	cfg, err := s.configMgr.Get()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "healthy",
		"version": "0.1.0",
	}
	if b := s.grabbers.Active(); b != nil {
		status["backend"] = b.Name()
		status["enabled"] = b.Enabled()
	}
	writeJSON(w, http.StatusOK, status)
}

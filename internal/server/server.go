// Package server provides the HTTP server for the viewing-distance service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ayusman/viewdistance/internal/capture"
	"github.com/ayusman/viewdistance/internal/logger"
	"github.com/ayusman/viewdistance/internal/metrics"
	"github.com/ayusman/viewdistance/internal/server/api"
	"github.com/ayusman/viewdistance/internal/session"
	"github.com/ayusman/viewdistance/internal/store"
	"github.com/ayusman/viewdistance/internal/tracker"
)

// Config holds the server configuration. Every collaborator is optional; routes
// whose collaborator is missing are not registered.
type Config struct {
	StaticDir string
	Store     *store.Store
	Session   *session.Session
	Metrics   *metrics.Manager
	Camera    capture.Camera
	// Source lets location calibrations sample the live camera.
	Source tracker.SampleSource
	Logger logger.Logger
}

// Server represents the HTTP server.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	logger logger.Logger
	http   *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	log := config.Logger
	if log == nil {
		log = logger.Get()
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		logger: log.Named("server"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.handle("/api/health", http.HandlerFunc(s.handleHealth))

	if s.config.Store != nil || s.config.Session != nil {
		calibrations := api.NewCalibrationHandler(s.config.Store, s.config.Session, s.config.Source)
		s.handle("/api/calibrations", calibrations)
		s.handle("/api/calibrations/", calibrations)
	}

	if s.config.Session != nil {
		tracking := api.NewTrackingHandler(s.config.Session)
		s.handle("/api/tracking", tracking)
		s.handle("/api/tracking/", tracking)

		s.mux.Handle("/api/estimates", NewEstimatesHandler(s.config.Session, s.logger))
	}

	if s.config.Camera != nil {
		var latest func() float64
		if s.config.Session != nil {
			latest = func() float64 {
				if e := s.config.Session.Tracker().Latest(); e != nil {
					return e.DistanceCm
				}
				return 0
			}
		}
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Camera, latest, s.logger))
	}

	if s.config.Metrics != nil {
		s.mux.Handle("/metrics", s.config.Metrics.Handler())
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// handle registers h and records request metrics under the registered pattern.
func (s *Server) handle(pattern string, h http.Handler) {
	route := strings.TrimSuffix(pattern, "/")
	if s.config.Metrics == nil {
		s.mux.Handle(pattern, h)
		return
	}
	m := s.config.Metrics
	s.mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		began := time.Now()
		h.ServeHTTP(rec, r)
		m.HTTPRequest(route, r.Method, rec.status, time.Since(began))
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}
	if s.config.Session != nil {
		st := s.config.Session.Status()
		response["sessionId"] = st.SessionID
		response["tracking"] = st.State
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address and blocks until it
// stops. A Shutdown makes it return nil.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info(context.Background(), "http server listening", logger.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops a server started by ListenAndServe.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

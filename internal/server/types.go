package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/scanpreview/internal/blob"
	"github.com/MeKo-Tech/scanpreview/internal/export"
	"github.com/MeKo-Tech/scanpreview/internal/loader"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/session"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	engine      *vision.Handle
	runner      *scan.Runner
	blobs       *blob.Store
	loader      *loader.Loader
	sessions    *session.Manager
	rateLimiter *RateLimiter
	corsOrigin  string
	maxUploadMB int64
	timeoutSec  int
	format      export.Format
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int
	MaxPixels   int
	SessionTTL  time.Duration
	Format      export.Format

	// Engine and Runner are owned by the server once NewServer succeeds.
	Engine *vision.Handle
	Runner *scan.Runner

	RateLimitEnabled  bool
	RequestsPerMinute int
	RequestsPerHour   int
	MaxRequestsPerDay int
	MaxDataPerDay     int64
}

// HealthResponse reports server and engine readiness.
type HealthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	Backend  string `json:"backend"`
	Preset   string `json:"preset"`
	Sessions int    `json:"sessions"`
	Version  string `json:"version,omitempty"`
	Time     string `json:"time"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

// ScanResponse describes a stateless scan when JSON is requested.
type ScanResponse struct {
	Success bool               `json:"success"`
	Width   int                `json:"width"`
	Height  int                `json:"height"`
	Preset  string             `json:"preset"`
	Engine  string             `json:"engine"`
	Steps   []string           `json:"steps"`
	Deskew  scan.DeskewResult  `json:"deskew"`
	Timings []scan.StageTiming `json:"timings"`
}

// NewServer creates a scan preview server around an engine handle.
func NewServer(config Config) (*Server, error) {
	if config.Engine == nil {
		return nil, errors.New("server: engine handle is required")
	}
	if config.Runner == nil {
		return nil, errors.New("server: pipeline runner is required")
	}
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 50
	}
	if config.TimeoutSec <= 0 {
		config.TimeoutSec = 60
	}
	if config.Format == "" {
		config.Format = export.FormatPNG
	}

	blobs := blob.NewStore()
	ld := loader.New(blobs)
	ld.MaxBytes = config.MaxUploadMB << 20
	if config.MaxPixels > 0 {
		ld.MaxPixels = config.MaxPixels
	}

	s := &Server{
		engine:      config.Engine,
		runner:      config.Runner,
		blobs:       blobs,
		loader:      ld,
		corsOrigin:  config.CORSOrigin,
		maxUploadMB: config.MaxUploadMB,
		timeoutSec:  config.TimeoutSec,
		format:      config.Format,
	}
	if config.RateLimitEnabled {
		s.rateLimiter = NewRateLimiter(config.RequestsPerMinute, config.RequestsPerHour,
			config.MaxRequestsPerDay, config.MaxDataPerDay)
	}
	s.sessions = session.NewManager(session.Deps{
		Engine: config.Engine,
		Runner: config.Runner,
		Loader: ld,
		Blobs:  blobs,
		OnRun: func(out *scan.Output, err error, elapsed time.Duration) {
			s.recordRun("session", out, err, elapsed)
		},
	}, config.SessionTTL)
	return s, nil
}

// Run expires idle sessions and stale rate-limit clients until ctx is done.
func (s *Server) Run(ctx context.Context) {
	if s.rateLimiter != nil {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					s.rateLimiter.Forget(now.Add(-24 * time.Hour))
				}
			}
		}()
	}
	s.sessions.Run(ctx)
}

// Close ends all sessions and releases the engine.
func (s *Server) Close() error {
	s.sessions.Close()
	activeSessions.Set(0)
	return s.engine.Close()
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/{$}", s.corsMiddleware(s.indexHandler))
	mux.HandleFunc("/health", s.corsMiddleware(s.healthHandler))
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/scan", s.corsMiddleware(s.rateLimitMiddleware(s.scanHandler)))
	mux.HandleFunc("/api/sessions", s.corsMiddleware(s.createSessionHandler))
	mux.HandleFunc("/api/sessions/{id}", s.corsMiddleware(s.sessionHandler))
	mux.HandleFunc("/api/sessions/{id}/file", s.corsMiddleware(s.rateLimitMiddleware(s.uploadHandler)))
	mux.HandleFunc("/api/sessions/{id}/original", s.corsMiddleware(s.originalHandler))
	mux.HandleFunc("/api/sessions/{id}/processed", s.corsMiddleware(s.processedHandler))
	mux.HandleFunc("/api/sessions/{id}/download", s.corsMiddleware(s.downloadHandler))
	mux.HandleFunc("/api/sessions/{id}/events", s.corsMiddleware(s.eventsHandler))
}

// recordRun updates scan metrics after a run that was not superseded.
func (s *Server) recordRun(source string, out *scan.Output, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = session.ErrorKind(err)
	}
	scansTotal.WithLabelValues(source, status).Inc()
	if elapsed > 0 {
		scanDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	}
	if out != nil {
		deskewAngle.Observe(out.Deskew.Angle)
	}
	engineLiveBuffers.Set(float64(s.engine.Stats().Live()))
}

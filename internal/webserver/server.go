// Package webserver exposes the detector over HTTP.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dj-oyu/underwater-trash-detector/internal/annotate"
	"github.com/dj-oyu/underwater-trash-detector/internal/codec"
	"github.com/dj-oyu/underwater-trash-detector/internal/config"
	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
	"github.com/dj-oyu/underwater-trash-detector/internal/metrics"
	"github.com/dj-oyu/underwater-trash-detector/internal/pipeline"
	"github.com/dj-oyu/underwater-trash-detector/internal/session"
)

// OfferHandler answers WebRTC offers for live detection.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// Server serves the detector endpoints.
type Server struct {
	cfg     config.Config
	runner  *pipeline.Runner
	jobs    *pipeline.Jobs
	live    OfferHandler
	metrics *metrics.Metrics
	started time.Time
}

// Deps are the collaborators of a Server. Jobs, Live and Metrics may be nil,
// which disables their routes.
type Deps struct {
	Runner  *pipeline.Runner
	Jobs    *pipeline.Jobs
	Live    OfferHandler
	Metrics *metrics.Metrics
}

// NewServer returns a configured server.
func NewServer(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		runner:  deps.Runner,
		jobs:    deps.Jobs,
		live:    deps.Live,
		metrics: deps.Metrics,
		started: time.Now(),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  logger.StdLogger("HTTP", logger.INFO),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Post("/upload_video", s.handleUploadVideo)
	r.Post("/recreate_video", s.handleRecreateVideo)
	r.Post("/process_frame", s.handleProcessFrame)
	r.Post("/annotate_frame", s.handleAnnotateFrame)

	r.Route("/api", func(r chi.Router) {
		r.Get("/classes", s.handleClasses)
		r.Post("/classes/reload", s.handleReloadClasses)
		r.Get("/sessions/{id}", s.handleSession)

		if s.jobs != nil {
			r.Post("/jobs", s.handleSubmitJob)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleJobStatus)
			r.Get("/jobs/{id}/result", s.handleJobResult)
			r.Get("/jobs/{id}/events", s.handleJobEvents)
			r.Get("/jobs/{id}/preview", s.handleJobPreview)
		}
		if s.live != nil {
			r.Post("/live/offer", s.handleLiveOffer)
		}
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	modelStatus, loaded := s.runner.Models().Status()
	status := "healthy"
	if !loaded {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":       status,
		"message":      "Underwater Trash Detection System is running",
		"model_status": modelStatus,
		"model_loaded": loaded,
		"sessions":     s.runner.Store().Len(),
		"classes":      s.runner.Annotator().Registry().Len(),
		"uptime_s":     int64(time.Since(s.started).Seconds()),
	})
}

// HTTPServer wraps Handler with server errors routed to the logger.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger("HTTP", logger.WARN),
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := s.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP", "Listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// User-facing error messages.
const (
	msgSessionNotFound = "Invalid session ID or no processed frames found"
	msgModelMissing    = "Model is not loaded. Please check if the model file exists and is valid."
	msgWriterFailed    = "Could not initialize video writer. Check codecs."
)

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, annotate.ErrDecode),
		errors.Is(err, pipeline.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrJobsClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return msgSessionNotFound
	case errors.Is(err, annotate.ErrModelUnavailable):
		return msgModelMissing
	case errors.Is(err, codec.ErrSinkUnwritable):
		return fmt.Sprintf("%s (%v)", msgWriterFailed, err)
	default:
		return err.Error()
	}
}

func writeError(w http.ResponseWriter, module string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(module, "%v", err)
	} else {
		logger.Debug(module, "%v", err)
	}
	writeJSONWithStatus(w, map[string]any{"error": messageFor(err)}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

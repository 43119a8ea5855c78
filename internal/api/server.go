// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: range-aware video streaming,
// transcode control endpoints and the library index.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mbachner/fitvault/internal/config"
	"github.com/mbachner/fitvault/internal/jobstore"
	"github.com/mbachner/fitvault/internal/library"
	"github.com/mbachner/fitvault/internal/log"
	"github.com/mbachner/fitvault/internal/vidcache"
)

// Prober answers codec questions about source files.
type Prober interface {
	Codec(ctx context.Context, path string) string
	NeedsTranscoding(ctx context.Context, path string) bool
	Available() bool
}

// Engine runs transcodes and reports in-flight state.
type Engine interface {
	Transcode(ctx context.Context, srcAbs, dstAbs string) error
	InProgress(dstAbs string) bool
	Available() bool
}

// Waker nudges the background worker after a job was enqueued.
type Waker interface {
	Wake()
}

// Server wires the streaming and control handlers to their collaborators.
type Server struct {
	cfg     *config.Config
	cache   *vidcache.Store
	jobs    *jobstore.Store
	prober  Prober
	engine  Engine
	waker   Waker
	library *library.Library
	logger  zerolog.Logger
}

// New constructs a Server. All collaborators are required except lib, which
// may be an empty library.
func New(cfg *config.Config, cache *vidcache.Store, jobs *jobstore.Store,
	prober Prober, engine Engine, waker Waker, lib *library.Library) *Server {
	if lib == nil {
		lib = &library.Library{}
	}
	return &Server{
		cfg:     cfg,
		cache:   cache,
		jobs:    jobs,
		prober:  prober,
		engine:  engine,
		waker:   waker,
		library: lib,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.requestLogger)

	r.Route("/api/videos", func(r chi.Router) {
		r.Get("/stream/*", s.handleStream)
		r.Get("/health", s.handleHealth)
		r.Get("/list", s.handleList)
		r.Get("/search", s.handleSearch)

		// Control endpoints are cheap to abuse; streaming is not limited
		// because players issue many range requests per session.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(60, time.Minute))
			r.Get("/transcode-status/*", s.handleTranscodeStatus)
			r.Post("/transcode", s.handleTriggerTranscode)
			r.Get("/cache/stats", s.handleCacheStats)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

type ctxKey int

const requestIDKey ctxKey = 0

// requestID attaches a correlation id to each request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requestLogger logs one line per request with duration and status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		id, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming stays unbuffered.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleHealth reports basic liveness plus media root visibility.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rootExists := false
	if err := dirExists(s.cfg.MediaRoot); err == nil {
		rootExists = true
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"media_root":  s.cfg.MediaRoot,
		"root_exists": rootExists,
		"cache_dir":   s.cache.Dir(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

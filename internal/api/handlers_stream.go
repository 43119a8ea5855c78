// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mbachner/fitvault/internal/jobstore"
	"github.com/mbachner/fitvault/internal/metrics"
	"github.com/mbachner/fitvault/internal/vidcache"
)

// streamChunkSize is the buffer used when copying file bytes to the client.
const streamChunkSize = 8 * 1024

// transcodeRetryAfter is the hint given to clients polling for a transcode.
const transcodeRetryAfter = 5 // seconds

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
}

// handleStream serves video bytes. Sources that are already browser playable
// stream directly; everything else streams from the transcode cache, with a
// 202 while the cache entry is being produced.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	srcAbs, err := resolvePath(s.cfg.MediaRoot, chi.URLParam(r, "*"))
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	servePath := srcAbs
	if s.prober.NeedsTranscoding(r.Context(), srcAbs) {
		cached, ok := s.cache.Lookup(srcAbs)
		if !ok {
			s.enqueueAndAccept(w, r, srcAbs)
			return
		}
		servePath = cached
	}

	s.serveFile(w, r, servePath)
}

// enqueueAndAccept registers a transcode job for the source and answers 202.
// Repeated requests for the same source coalesce onto one job row.
func (s *Server) enqueueAndAccept(w http.ResponseWriter, r *http.Request, srcAbs string) {
	if !s.engine.Available() {
		metrics.IncStreamRequest(http.StatusServiceUnavailable)
		writeError(w, http.StatusServiceUnavailable, "transcoding unavailable: ffmpeg not installed")
		return
	}

	jobID := vidcache.JobIDFor(srcAbs)
	dst := s.cache.PathFor(srcAbs)

	// A failed job is surfaced to the client before the retry reset erases
	// its error. The reset still happens below, so this same request
	// re-enqueues the source per the retry contract.
	if prior, err := s.jobs.Status(r.Context(), jobID); err == nil &&
		prior != nil && prior.Status == jobstore.StatusFailed {
		if _, _, rerr := s.jobs.CreateOrGet(r.Context(), jobID, srcAbs, dst); rerr != nil {
			s.logger.Error().Err(rerr).Str("job_id", jobID).Msg("failed to reset failed job")
		} else {
			s.waker.Wake()
		}
		metrics.IncStreamRequest(http.StatusInternalServerError)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "transcoding failed",
			Message: prior.ErrorMessage,
			Status:  string(jobstore.StatusFailed),
		})
		return
	}

	job, enqueued, err := s.jobs.CreateOrGet(r.Context(), jobID, srcAbs, dst)
	if err != nil {
		s.logger.Error().Err(err).Str("src", srcAbs).Msg("failed to register transcode job")
		metrics.IncStreamRequest(http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, "failed to register transcode job")
		return
	}
	if enqueued {
		s.waker.Wake()
		s.logger.Info().Str("job_id", job.ID).Str("src", srcAbs).Msg("transcode enqueued")
	}

	metrics.IncStreamRequest(http.StatusAccepted)
	w.Header().Set("Retry-After", strconv.Itoa(transcodeRetryAfter))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "transcoding",
		"job_id":      job.ID,
		"message":     "video is being prepared, retry shortly",
		"retry_after": transcodeRetryAfter,
	})
}

// serveFile streams path honoring a single byte range. Responses are 200 for
// full-body requests, 206 for satisfiable ranges and 416 otherwise.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		metrics.IncStreamRequest(http.StatusNotFound)
		writeError(w, http.StatusNotFound, "video file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.IncStreamRequest(http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, "failed to stat video file")
		return
	}
	size := info.Size()

	ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		ct = "video/mp4"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		metrics.IncStreamRequest(http.StatusOK)
		w.WriteHeader(http.StatusOK)
		s.copyChunks(w, f, size)
		return
	}

	br, err := parseRange(rangeHeader, size)
	if err != nil {
		if errors.Is(err, errMultiRange) {
			s.logger.Debug().Str("range", rangeHeader).Msg("rejected multi-range request")
		}
		metrics.IncStreamRequest(http.StatusRequestedRangeNotSatisfiable)
		w.Header().Set("Content-Range", format416ContentRange(size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
		return
	}

	if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
		metrics.IncStreamRequest(http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, "failed to seek video file")
		return
	}

	w.Header().Set("Content-Range", formatContentRange(br, size))
	w.Header().Set("Content-Length", strconv.FormatInt(br.length(), 10))
	metrics.IncStreamRequest(http.StatusPartialContent)
	w.WriteHeader(http.StatusPartialContent)
	s.copyChunks(w, f, br.length())
}

// copyChunks copies exactly n bytes in small chunks. Write errors are almost
// always the client disconnecting mid-stream, so they log at debug.
func (s *Server) copyChunks(w io.Writer, f io.Reader, n int64) {
	buf := make([]byte, streamChunkSize)
	if _, err := io.CopyBuffer(w, io.LimitReader(f, n), buf); err != nil {
		s.logger.Debug().Err(err).Msg("stream copy aborted")
	}
}

// writeResolveError maps resolver sentinels onto HTTP statuses.
func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	var code int
	switch {
	case errors.Is(err, errInvalidPath):
		code = http.StatusForbidden
	case errors.Is(err, errNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errUnsupportedFormat):
		code = http.StatusUnsupportedMediaType
	default:
		code = http.StatusInternalServerError
	}
	metrics.IncStreamRequest(code)
	writeError(w, code, err.Error())
}

func dirExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
